package commands

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/deckhand-sh/deckhand/internal/pipeline"
)

// writeFileScript emits a shell fragment that replaces path with content.
// The bytes travel base64-encoded so arbitrary content survives the shell.
func writeFileScript(path string, content []byte) string {
	enc := base64.StdEncoding.EncodeToString(content)
	return fmt.Sprintf("mkdir -p $(dirname %s) && printf '%%s' %s | base64 -d > %s", shellQuote(path), shellQuote(enc), shellQuote(path))
}

// ConfigureSystemMirrors rewrites the distribution package sources to a
// regional mirror when the target is in China. The original file is backed up
// first; already rewritten sources are left alone.
type ConfigureSystemMirrors struct {
	meta
	mirrors Mirrors
}

func NewConfigureSystemMirrors(m Mirrors) *ConfigureSystemMirrors {
	return &ConfigureSystemMirrors{
		meta:    meta{id: "configure_system_mirrors", name: "Configure system mirrors", estimate: 2 * time.Minute, gated: true},
		mirrors: m,
	}
}

func (c *ConfigureSystemMirrors) Execute(pc *pipeline.Context) pipeline.Result {
	if !pc.UseChinaMirror() {
		return pipeline.Skipped("not-in-china")
	}
	os, ok := pc.OSInfo()
	if !ok {
		return failWith(c.id, kindConfig, "OS not detected yet", false)
	}
	if !os.HasRoot {
		return failWith(c.id, kindPrivilege, "need-sudo: mirror files are root-owned", false)
	}

	rewrite, refresh, ok := c.plan(os)
	if !ok {
		return pipeline.Skipped("no mirror mapping for " + os.PkgMgr)
	}

	// Idempotence: a source file already pointing at the mirror is not
	// rewritten again.
	already, err := run(pc, rewrite.checkScript, probeTimeout)
	if err != nil {
		return failWith(c.id, kindTransport, fmt.Sprintf("probe sources: %v", err), true)
	}
	if already.ExitCode == 0 {
		return pipeline.Skipped("sources already point at " + rewrite.mirror)
	}

	pc.Progress(pipeline.LevelInfo, "backing up "+rewrite.path)
	script := backupScript(rewrite.path) + " && " + rewrite.editScript
	res, err := run(pc, sudoWrap(os, flockWrap(script)), configTimeout)
	if err != nil {
		return failWith(c.id, kindTransport, fmt.Sprintf("rewrite sources: %v", err), true)
	}
	if res.ExitCode != 0 {
		return failWith(c.id, kindRemoteExec, "rewrite sources: "+errDetail(res), false)
	}

	pc.Progress(pipeline.LevelInfo, "refreshing package index")
	res, err = run(pc, sudoWrap(os, refresh), refreshTimeout)
	if err != nil {
		return failWith(c.id, kindTransport, fmt.Sprintf("refresh package index: %v", err), true)
	}
	if res.ExitCode != 0 {
		return failWith(c.id, kindRemoteExec, "refresh package index: "+errDetail(res), true)
	}

	pc.Progress(pipeline.LevelInfo, "package sources now use "+rewrite.mirror)
	return pipeline.Success()
}

// sourceRewrite is one distribution's mirror edit.
type sourceRewrite struct {
	path        string
	mirror      string
	checkScript string // exit 0 when the file already uses the mirror
	editScript  string
}

func (c *ConfigureSystemMirrors) plan(os pipeline.OSInfo) (sourceRewrite, string, bool) {
	switch os.PkgMgr {
	case "apt":
		m := c.mirrors.Apt
		return sourceRewrite{
			path:        "/etc/apt/sources.list",
			mirror:      m,
			checkScript: "grep -q " + shellQuote(m) + " /etc/apt/sources.list",
			editScript: "sed -i -e 's|archive.ubuntu.com|" + m + "|g' -e 's|security.ubuntu.com|" + m + "|g'" +
				" -e 's|deb.debian.org|" + m + "|g' /etc/apt/sources.list",
		}, "apt-get update", true
	case "yum", "dnf":
		m := c.mirrors.Yum
		refresh := "yum makecache"
		if os.PkgMgr == "dnf" {
			refresh = "dnf makecache"
		}
		return sourceRewrite{
			path:        "/etc/yum.repos.d/CentOS-Base.repo",
			mirror:      m,
			checkScript: "grep -qr " + shellQuote(m) + " /etc/yum.repos.d/",
			editScript: "sed -i -e 's|^mirrorlist=|#mirrorlist=|g'" +
				" -e 's|^#\\?baseurl=http[s]\\?://[^/]*|baseurl=https://" + m + "|g' /etc/yum.repos.d/*.repo",
		}, refresh, true
	case "pacman":
		m := c.mirrors.Apt // pacman mirrors share the generic mirror host
		server := "Server = https://" + m + "/archlinux/$repo/os/$arch"
		return sourceRewrite{
			path:        "/etc/pacman.d/mirrorlist",
			mirror:      m,
			checkScript: "grep -q " + shellQuote(m) + " /etc/pacman.d/mirrorlist",
			editScript:  "sed -i '1i " + server + "' /etc/pacman.d/mirrorlist",
		}, "pacman -Sy", true
	case "apk":
		m := c.mirrors.Apt
		return sourceRewrite{
			path:        "/etc/apk/repositories",
			mirror:      m,
			checkScript: "grep -q " + shellQuote(m) + " /etc/apk/repositories",
			editScript:  "sed -i 's|dl-cdn.alpinelinux.org|" + m + "|g' /etc/apk/repositories",
		}, "apk update", true
	default:
		return sourceRewrite{}, "", false
	}
}

// ConfigureDockerMirror merges registry-mirrors into /etc/docker/daemon.json,
// preserving unrelated keys, and reloads the daemon. Nothing is written when
// the file already matches.
type ConfigureDockerMirror struct {
	meta
	mirrors Mirrors
}

func NewConfigureDockerMirror(m Mirrors) *ConfigureDockerMirror {
	return &ConfigureDockerMirror{
		meta:    meta{id: "configure_docker_mirror", name: "Configure Docker registry mirror", estimate: 30 * time.Second, gated: true},
		mirrors: m,
	}
}

const daemonJSON = "/etc/docker/daemon.json"

func (c *ConfigureDockerMirror) Execute(pc *pipeline.Context) pipeline.Result {
	st, ok := pc.DockerStatus()
	if !ok || !st.Installed {
		return pipeline.Skipped("docker not installed")
	}
	os, ok := pc.OSInfo()
	if !ok {
		return failWith(c.id, kindConfig, "OS not detected yet", false)
	}

	var want []string
	if pc.UseChinaMirror() {
		want = []string{c.mirrors.Docker}
	}

	current := map[string]any{}
	res, err := run(pc, "cat "+daemonJSON+" 2>/dev/null || echo '{}'", probeTimeout)
	if err != nil {
		return failWith(c.id, kindTransport, fmt.Sprintf("read daemon.json: %v", err), true)
	}
	if s := strings.TrimSpace(res.Stdout); s != "" {
		if err := json.Unmarshal([]byte(s), &current); err != nil {
			// A corrupt daemon.json is replaced, not merged; the backup
			// preserves the evidence.
			pc.Progress(pipeline.LevelWarn, "daemon.json is not valid JSON, replacing it")
			current = map[string]any{}
		}
	}

	merged := make(map[string]any, len(current)+1)
	for k, v := range current {
		merged[k] = v
	}
	if len(want) > 0 {
		merged["registry-mirrors"] = want
	} else {
		delete(merged, "registry-mirrors")
	}
	if reflect.DeepEqual(current, merged) {
		return pipeline.Skipped("daemon.json already up to date")
	}
	if !os.HasRoot {
		return failWith(c.id, kindPrivilege, "need-sudo: "+daemonJSON+" is root-owned", false)
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return failWith(c.id, kindConfig, fmt.Sprintf("encode daemon.json: %v", err), false)
	}
	script := backupScript(daemonJSON) + " && " + writeFileScript(daemonJSON, data)
	wres, err := run(pc, sudoWrap(os, flockWrap(script)), configTimeout)
	if err != nil {
		return failWith(c.id, kindTransport, fmt.Sprintf("write daemon.json: %v", err), true)
	}
	if wres.ExitCode != 0 {
		return failWith(c.id, kindRemoteExec, "write daemon.json: "+errDetail(wres), false)
	}

	if st.ServiceRunning {
		pc.Progress(pipeline.LevelInfo, "reloading docker daemon")
		reload := "systemctl reload docker 2>/dev/null || kill -HUP $(cat /var/run/docker.pid 2>/dev/null) 2>/dev/null || systemctl restart docker"
		rres, err := run(pc, sudoWrap(os, reload), configTimeout)
		if err != nil {
			return failWith(c.id, kindTransport, fmt.Sprintf("reload docker: %v", err), true)
		}
		if rres.ExitCode != 0 {
			return failWith(c.id, kindRemoteExec, "reload docker: "+errDetail(rres), true)
		}
	}

	if len(want) > 0 {
		pc.Progress(pipeline.LevelInfo, "registry mirror set to "+c.mirrors.Docker)
	} else {
		pc.Progress(pipeline.LevelInfo, "registry mirrors cleared")
	}
	return pipeline.Success()
}
