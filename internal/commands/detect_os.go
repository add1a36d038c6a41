package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/deckhand-sh/deckhand/internal/pipeline"
)

// pkgManagers is the closed distribution table. IDs are matched against
// /etc/os-release ID values (almalinux reports "almalinux").
var pkgManagers = map[string]string{
	"ubuntu": "apt", "debian": "apt",
	"centos": "yum", "rhel": "yum", "rocky": "yum", "alma": "yum", "almalinux": "yum",
	"fedora": "dnf",
	"arch":   "pacman", "manjaro": "pacman",
	"alpine": "apk",
}

// DetectOs identifies the target distribution, package manager, privileges
// and base resources, and publishes OS_INFO for every later command.
type DetectOs struct{ meta }

func NewDetectOs() *DetectOs {
	return &DetectOs{meta{id: "detect_os", name: "Detect operating system", estimate: 5 * time.Second}}
}

func (c *DetectOs) Execute(pc *pipeline.Context) pipeline.Result {
	res, err := run(pc, "cat /etc/os-release", probeTimeout)
	if err != nil {
		return failWith(c.id, kindTransport, fmt.Sprintf("read /etc/os-release: %v", err), true)
	}
	if res.ExitCode != 0 {
		return failWith(c.id, kindRemoteExec, "read /etc/os-release: "+errDetail(res), false)
	}

	fields := parseOSRelease(res.Stdout)
	info := pipeline.OSInfo{
		ID:        fields["ID"],
		VersionID: fields["VERSION_ID"],
		Codename:  fields["VERSION_CODENAME"],
	}
	pkgMgr, ok := lookupPkgMgr(info.ID)
	if !ok {
		return failWith(c.id, kindUnsupportd, fmt.Sprintf("unsupported-os: %q", info.ID), false)
	}
	info.PkgMgr = pkgMgr
	pc.Progress(pipeline.LevelInfo, fmt.Sprintf("detected %s %s (%s)", info.ID, info.VersionID, info.PkgMgr))

	// Privileges: passwordless sudo, or being root outright.
	if sudoRes, err := run(pc, "sudo -n true", probeTimeout); err == nil && sudoRes.ExitCode == 0 {
		info.HasRoot = true
	}
	if idRes, err := run(pc, "id -u", probeTimeout); err == nil && strings.TrimSpace(idRes.Stdout) == "0" {
		info.HasRoot = true
		info.Uid0 = true
	}

	// Resource probes are best-effort; identity is the critical part.
	if r, err := run(pc, "nproc", probeTimeout); err == nil && r.ExitCode == 0 {
		info.CPUCores, _ = strconv.Atoi(strings.TrimSpace(r.Stdout))
	}
	if r, err := run(pc, "grep MemTotal /proc/meminfo", probeTimeout); err == nil && r.ExitCode == 0 {
		if f := strings.Fields(r.Stdout); len(f) >= 2 {
			kb, _ := strconv.Atoi(f[1])
			info.MemMB = kb / 1024
		}
	}
	if r, err := run(pc, "df -Pm / | tail -1", probeTimeout); err == nil && r.ExitCode == 0 {
		if f := strings.Fields(r.Stdout); len(f) >= 4 {
			info.DiskMB, _ = strconv.Atoi(f[3])
		}
	}

	pc.SetOSInfo(info)
	pc.Progress(pipeline.LevelInfo, fmt.Sprintf("root access: %v, %d cores, %d MB ram, %d MB free disk",
		info.HasRoot, info.CPUCores, info.MemMB, info.DiskMB))
	return pipeline.Success()
}

func lookupPkgMgr(id string) (string, bool) {
	mgr, ok := pkgManagers[strings.ToLower(id)]
	return mgr, ok
}

// parseOSRelease reads the KEY=value lines of /etc/os-release, stripping
// optional quotes.
func parseOSRelease(s string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"'`)
		out[k] = v
	}
	return out
}
