package commands

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deckhand-sh/deckhand/internal/pipeline"
	"github.com/deckhand-sh/deckhand/internal/sshconn"
)

// fakeTarget answers remote commands from a rule table, recording every
// command it sees.
type fakeTarget struct {
	rules []rule
	calls []string
}

type rule struct {
	contains string
	stdout   string
	stderr   string
	exit     int
	err      error
}

func (f *fakeTarget) Exec(ctx context.Context, cmd string, timeout time.Duration) (sshconn.ExecResult, error) {
	f.calls = append(f.calls, cmd)
	if err := ctx.Err(); err != nil {
		return sshconn.ExecResult{ExitCode: -1}, err
	}
	for _, r := range f.rules {
		if strings.Contains(cmd, r.contains) {
			if r.err != nil {
				return sshconn.ExecResult{ExitCode: -1}, r.err
			}
			return sshconn.ExecResult{Stdout: r.stdout, Stderr: r.stderr, ExitCode: r.exit}, nil
		}
	}
	return sshconn.ExecResult{}, nil
}

func (f *fakeTarget) ExecStream(ctx context.Context, cmd string, onLine func(string)) (int, error) {
	res, err := f.Exec(ctx, cmd, 0)
	if err != nil {
		return -1, err
	}
	for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
		onLine(line)
	}
	return res.ExitCode, nil
}

func (f *fakeTarget) sawCommand(substr string) bool {
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func newTestContext(t *testing.T, target *fakeTarget) *pipeline.Context {
	t.Helper()
	return pipeline.NewContext(context.Background(), "s1", target, nil)
}

const ubuntuOSRelease = `NAME="Ubuntu"
ID=ubuntu
VERSION_ID="22.04"
VERSION_CODENAME=jammy
`

func rootUbuntu() []rule {
	return []rule{
		{contains: "/etc/os-release", stdout: ubuntuOSRelease},
		{contains: "sudo -n true", exit: 1},
		{contains: "id -u", stdout: "0\n"},
		{contains: "nproc", stdout: "4\n"},
		{contains: "MemTotal", stdout: "MemTotal:        8000000 kB\n"},
		{contains: "df -Pm", stdout: "/dev/sda1 100000 50000 40000 60% /\n"},
	}
}

func TestDetectOsUbuntu(t *testing.T) {
	ft := &fakeTarget{rules: rootUbuntu()}
	pc := newTestContext(t, ft)

	res := NewDetectOs().Execute(pc)
	if res.Status != pipeline.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}
	info, ok := pc.OSInfo()
	if !ok {
		t.Fatal("OS_INFO not set")
	}
	if info.ID != "ubuntu" || info.PkgMgr != "apt" || info.Codename != "jammy" {
		t.Errorf("info = %+v", info)
	}
	if !info.HasRoot || !info.Uid0 {
		t.Errorf("privileges = %+v", info)
	}
	if info.CPUCores != 4 || info.MemMB != 7812 || info.DiskMB != 40000 {
		t.Errorf("resources = %+v", info)
	}
}

func TestDetectOsUnsupported(t *testing.T) {
	ft := &fakeTarget{rules: []rule{{contains: "/etc/os-release", stdout: "ID=slackware\n"}}}
	res := NewDetectOs().Execute(newTestContext(t, ft))
	if res.Status != pipeline.StatusFailure || res.Retryable {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Reason, "unsupported-os") {
		t.Errorf("reason = %q", res.Reason)
	}
	if !strings.Contains(res.Reason, "next:") {
		t.Errorf("no suggested next step in %q", res.Reason)
	}
}

func TestCheckToolPresentAndAbsent(t *testing.T) {
	ft := &fakeTarget{rules: []rule{
		{contains: "command -v git", exit: 0},
		{contains: "git --version", stdout: "git version 2.43.0\n"},
		{contains: "command -v unzip", exit: 127},
	}}
	pc := newTestContext(t, ft)

	if res := NewCheckTool("git").Execute(pc); res.Status != pipeline.StatusSuccess {
		t.Fatalf("git probe: %+v", res)
	}
	installed, ok := pc.ToolInstalled("git")
	if !ok || !installed {
		t.Error("git should be recorded installed")
	}

	if res := NewCheckTool("unzip").Execute(pc); res.Status != pipeline.StatusSuccess {
		t.Fatalf("unzip probe: %+v", res)
	}
	installed, ok = pc.ToolInstalled("unzip")
	if !ok || installed {
		t.Error("unzip should be recorded absent")
	}
}

func TestCheckDockerStatus(t *testing.T) {
	cases := []struct {
		name  string
		rules []rule
		want  pipeline.DockerStatus
	}{
		{
			name:  "missing",
			rules: []rule{{contains: "command -v docker", exit: 127}},
			want:  pipeline.DockerStatus{},
		},
		{
			name: "stopped",
			rules: []rule{
				{contains: "command -v docker", exit: 0},
				{contains: "docker --version", stdout: "Docker version 27.1.1, build 6312585\n"},
				{contains: "is-active", exit: 3},
			},
			want: pipeline.DockerStatus{Installed: true, Version: "27.1.1"},
		},
		{
			name: "running",
			rules: []rule{
				{contains: "command -v docker", exit: 0},
				{contains: "docker --version", stdout: "Docker version 27.1.1, build 6312585\n"},
				{contains: "is-active", exit: 0},
			},
			want: pipeline.DockerStatus{Installed: true, ServiceRunning: true, Version: "27.1.1"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pc := newTestContext(t, &fakeTarget{rules: tc.rules})
			if res := NewCheckDocker().Execute(pc); res.Status != pipeline.StatusSuccess {
				t.Fatalf("result = %+v", res)
			}
			st, ok := pc.DockerStatus()
			if !ok || st != tc.want {
				t.Errorf("status = %+v, want %+v", st, tc.want)
			}
		})
	}
}

type fakeLocator struct {
	code string
	err  error
}

func (f fakeLocator) Lookup(ctx context.Context, host string) (string, string, error) {
	return f.code, "fake", f.err
}

func TestDetectLocationChina(t *testing.T) {
	pc := newTestContext(t, &fakeTarget{})
	res := NewDetectLocation(fakeLocator{code: "CN"}, "1.2.3.4").Execute(pc)
	if res.Status != pipeline.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}
	if !pc.UseChinaMirror() {
		t.Error("CN should select china mirrors")
	}
}

func TestDetectLocationUnknownDefaultsGlobal(t *testing.T) {
	pc := newTestContext(t, &fakeTarget{})
	res := NewDetectLocation(fakeLocator{err: errors.New("all endpoints failed")}, "1.2.3.4").Execute(pc)
	if res.Status != pipeline.StatusSkipped {
		t.Fatalf("result = %+v", res)
	}
	loc, ok := pc.Location()
	if !ok || loc.UseChinaMirror {
		t.Errorf("location = %+v", loc)
	}
}

var testMirrors = Mirrors{Apt: "mirrors.aliyun.com", Yum: "mirrors.aliyun.com", Docker: "https://docker.m.daocloud.io"}

func TestConfigureSystemMirrorsSkipsOutsideChina(t *testing.T) {
	pc := newTestContext(t, &fakeTarget{})
	pc.SetLocation(pipeline.LocationInfo{CountryCode: "DE"})
	res := NewConfigureSystemMirrors(testMirrors).Execute(pc)
	if res.Status != pipeline.StatusSkipped {
		t.Fatalf("result = %+v", res)
	}
}

func chinaContext(t *testing.T, ft *fakeTarget) *pipeline.Context {
	t.Helper()
	pc := newTestContext(t, ft)
	pc.SetOSInfo(pipeline.OSInfo{ID: "ubuntu", PkgMgr: "apt", Codename: "jammy", HasRoot: true, Uid0: true})
	pc.SetLocation(pipeline.LocationInfo{CountryCode: "CN", UseChinaMirror: true})
	return pc
}

func TestConfigureSystemMirrorsRewritesAptSources(t *testing.T) {
	ft := &fakeTarget{rules: []rule{
		{contains: "grep -q", exit: 1}, // not yet rewritten
	}}
	res := NewConfigureSystemMirrors(testMirrors).Execute(chinaContext(t, ft))
	if res.Status != pipeline.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}
	if !ft.sawCommand("sed -i") || !ft.sawCommand("mirrors.aliyun.com") {
		t.Errorf("sources not rewritten: %v", ft.calls)
	}
	if !ft.sawCommand(".bak.") {
		t.Error("no backup taken before rewrite")
	}
	if !ft.sawCommand("flock") {
		t.Error("rewrite not serialized under the host lock")
	}
	if !ft.sawCommand("apt-get update") {
		t.Error("package index not refreshed")
	}
}

func TestConfigureSystemMirrorsIdempotent(t *testing.T) {
	ft := &fakeTarget{rules: []rule{{contains: "grep -q", exit: 0}}}
	res := NewConfigureSystemMirrors(testMirrors).Execute(chinaContext(t, ft))
	if res.Status != pipeline.StatusSkipped {
		t.Fatalf("result = %+v", res)
	}
	if ft.sawCommand("sed -i") {
		t.Error("rewrote sources that already point at the mirror")
	}
}

func TestConfigureDockerMirrorMergesExistingKeys(t *testing.T) {
	ft := &fakeTarget{rules: []rule{
		{contains: "cat " + daemonJSON, stdout: `{"log-driver":"json-file"}`},
	}}
	pc := chinaContext(t, ft)
	pc.SetDockerStatus(pipeline.DockerStatus{Installed: true, ServiceRunning: true})

	res := NewConfigureDockerMirror(testMirrors).Execute(pc)
	if res.Status != pipeline.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}

	written := decodeWrittenFile(t, ft, daemonJSON)
	var cfg map[string]any
	if err := json.Unmarshal(written, &cfg); err != nil {
		t.Fatalf("written daemon.json invalid: %v", err)
	}
	if cfg["log-driver"] != "json-file" {
		t.Error("existing key lost in merge")
	}
	mirrors, _ := cfg["registry-mirrors"].([]any)
	if len(mirrors) != 1 || mirrors[0] != testMirrors.Docker {
		t.Errorf("registry-mirrors = %v", cfg["registry-mirrors"])
	}
	if !ft.sawCommand("reload docker") {
		t.Error("daemon not reloaded")
	}
}

func TestConfigureDockerMirrorAlreadyCurrent(t *testing.T) {
	ft := &fakeTarget{rules: []rule{
		{contains: "cat " + daemonJSON, stdout: `{"registry-mirrors":["` + testMirrors.Docker + `"]}`},
	}}
	pc := chinaContext(t, ft)
	pc.SetDockerStatus(pipeline.DockerStatus{Installed: true, ServiceRunning: true})

	res := NewConfigureDockerMirror(testMirrors).Execute(pc)
	if res.Status != pipeline.StatusSkipped {
		t.Fatalf("result = %+v", res)
	}
}

func TestInstallDockerNeedsRoot(t *testing.T) {
	pc := newTestContext(t, &fakeTarget{})
	pc.SetOSInfo(pipeline.OSInfo{ID: "ubuntu", PkgMgr: "apt", HasRoot: false})
	pc.SetDockerStatus(pipeline.DockerStatus{})

	res := NewInstallDocker().Execute(pc)
	if res.Status != pipeline.StatusFailure || res.Retryable {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Reason, "need-sudo") {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestInstallDockerStartsStoppedEngine(t *testing.T) {
	ft := &fakeTarget{rules: []rule{
		{contains: "systemctl start docker", exit: 0},
		{contains: "docker --version", stdout: "Docker version 27.1.1, build abc\n"},
		{contains: "is-active", exit: 0},
	}}
	pc := newTestContext(t, ft)
	pc.SetOSInfo(pipeline.OSInfo{ID: "ubuntu", PkgMgr: "apt", HasRoot: true, Uid0: true})
	pc.SetDockerStatus(pipeline.DockerStatus{Installed: true, ServiceRunning: false})

	res := NewInstallDocker().Execute(pc)
	if res.Status != pipeline.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}
	if ft.sawCommand("apt-get install") {
		t.Error("reinstalled an engine that only needed starting")
	}
	st, _ := pc.DockerStatus()
	if !st.Installed || !st.ServiceRunning {
		t.Errorf("status not republished: %+v", st)
	}
}

func TestInstallDockerAptFromScratch(t *testing.T) {
	ft := &fakeTarget{rules: []rule{
		{contains: "docker --version", stdout: "Docker version 27.1.1, build abc\n"},
		{contains: "is-active", exit: 0},
	}}
	pc := newTestContext(t, ft)
	pc.SetOSInfo(pipeline.OSInfo{ID: "ubuntu", PkgMgr: "apt", Codename: "jammy", HasRoot: true, Uid0: true})
	pc.SetDockerStatus(pipeline.DockerStatus{})
	pc.SetLocation(pipeline.LocationInfo{CountryCode: "CN", UseChinaMirror: true})

	res := NewInstallDocker().Execute(pc)
	if res.Status != pipeline.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}
	for _, want := range []string{"apt-transport-https", "keyrings/docker.asc", "mirrors.aliyun.com/docker-ce", "jammy", "docker-ce docker-ce-cli containerd.io", "systemctl start docker"} {
		if !ft.sawCommand(want) {
			t.Errorf("install recipe missing %q\ncalls: %v", want, ft.calls)
		}
	}
}

func TestInstallDockerFailureNamesSubStep(t *testing.T) {
	ft := &fakeTarget{rules: []rule{
		{contains: "apt-get install -y docker-ce", stderr: "E: Unable to locate package docker-ce\n", exit: 100},
	}}
	pc := newTestContext(t, ft)
	pc.SetOSInfo(pipeline.OSInfo{ID: "ubuntu", PkgMgr: "apt", Codename: "jammy", HasRoot: true, Uid0: true})
	pc.SetDockerStatus(pipeline.DockerStatus{})

	res := NewInstallDocker().Execute(pc)
	if res.Status != pipeline.StatusFailure || !res.Retryable {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Reason, "install docker engine") {
		t.Errorf("failing sub-step not named: %q", res.Reason)
	}
	if !strings.Contains(res.Reason, "Unable to locate package") {
		t.Errorf("install output missing: %q", res.Reason)
	}
}

func deployContext(t *testing.T, ft *fakeTarget) *pipeline.Context {
	t.Helper()
	pc := newTestContext(t, ft)
	pc.SetOSInfo(pipeline.OSInfo{ID: "ubuntu", PkgMgr: "apt", HasRoot: true, Uid0: true})
	pc.SetDeployRequest(pipeline.DeployRequest{
		ContainerName: "app", Image: "example/app:latest", Port: 8000, DataPath: "/opt/app",
	})
	return pc
}

func TestPullImageStreamsProgress(t *testing.T) {
	ft := &fakeTarget{rules: []rule{
		{contains: "docker pull", stdout: "latest: Pulling from example/app\nDigest: sha256:abc\nStatus: Downloaded newer image\n"},
	}}
	var events []pipeline.ProgressEvent
	pc := pipeline.NewContext(context.Background(), "s1", ft, func(ev pipeline.ProgressEvent) { events = append(events, ev) })
	pc.SetOSInfo(pipeline.OSInfo{PkgMgr: "apt", HasRoot: true, Uid0: true})
	pc.SetDeployRequest(pipeline.DeployRequest{ContainerName: "app", Image: "example/app:latest", Port: 8000, DataPath: "/opt/app"})

	res := NewPullImage().Execute(pc)
	if res.Status != pipeline.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}
	if len(events) < 3 {
		t.Errorf("pull output not streamed: %d events", len(events))
	}
}

func TestCreateContainerConflict(t *testing.T) {
	ft := &fakeTarget{rules: []rule{
		{contains: "docker ps -a", stdout: "app\n"},
	}}
	res := NewCreateContainer().Execute(deployContext(t, ft))
	if res.Status != pipeline.StatusFailure || res.Retryable {
		t.Fatalf("result = %+v", res)
	}
	if ft.sawCommand("docker run") {
		t.Error("ran docker run despite name conflict")
	}
}

func TestCreateContainerRuns(t *testing.T) {
	ft := &fakeTarget{rules: []rule{
		{contains: "docker ps -a", stdout: ""},
		{contains: "docker run", stdout: "0123456789ab\n"},
	}}
	res := NewCreateContainer().Execute(deployContext(t, ft))
	if res.Status != pipeline.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}
	if !ft.sawCommand("mkdir -p") {
		t.Error("data directory not created")
	}
	if !ft.sawCommand("-p 8000:8000") || !ft.sawCommand("--restart unless-stopped") {
		t.Errorf("docker run flags wrong: %v", ft.calls)
	}
}

func TestVerifyAcceptsRedirect(t *testing.T) {
	ft := &fakeTarget{rules: []rule{
		{contains: "docker ps", stdout: "app\n"},
		{contains: "curl", stdout: "302"},
	}}
	res := NewVerify().Execute(deployContext(t, ft))
	if res.Status != pipeline.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}
}

func TestVerifyWithoutCurl(t *testing.T) {
	ft := &fakeTarget{rules: []rule{
		{contains: "docker ps", stdout: "app\n"},
		{contains: "curl", exit: 127},
	}}
	res := NewVerify().Execute(deployContext(t, ft))
	if res.Status != pipeline.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}
}

func TestVerifyContainerNotRunning(t *testing.T) {
	ft := &fakeTarget{rules: []rule{{contains: "docker ps", stdout: ""}}}
	res := NewVerify().Execute(deployContext(t, ft))
	if res.Status != pipeline.StatusFailure {
		t.Fatalf("result = %+v", res)
	}
}

func TestConfigureExternalAccessMergesConfig(t *testing.T) {
	ft := &fakeTarget{rules: []rule{
		// the read is "cat <path> 2>/dev/null; true" under sudo quoting
		{contains: "2>/dev/null; true", stdout: "port: 8000\nextras:\n  disableAutoDownload: true\n"},
	}}
	pc := deployContext(t, ft)
	res := NewConfigureExternalAccess("1.2.3.4").Execute(pc)
	if res.Status != pipeline.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}

	access, ok := pc.ExternalAccess()
	if !ok {
		t.Fatal("EXTERNAL_ACCESS not set")
	}
	if access.URL != "http://1.2.3.4:8000/" {
		t.Errorf("url = %q", access.URL)
	}
	if access.Username == "" || access.Password == "" {
		t.Errorf("credentials not generated: %+v", access)
	}

	written := decodeWrittenFile(t, ft, "config.yaml")
	var cfg map[string]any
	if err := yaml.Unmarshal(written, &cfg); err != nil {
		t.Fatalf("written config invalid: %v", err)
	}
	if cfg["basicAuthMode"] != true || cfg["listen"] != true {
		t.Errorf("auth keys not set: %v", cfg)
	}
	if cfg["port"] != 8000 {
		t.Error("existing key lost in merge")
	}
	if !ft.sawCommand("docker restart") {
		t.Error("container not restarted")
	}
}

var base64Run = regexp.MustCompile(`[A-Za-z0-9+/=]{24,}`)

// decodeWrittenFile extracts the base64 payload of a writeFileScript call
// targeting path. Shell quoting mangles the surrounding script, so the
// payload is recognized as the longest base64 run that decodes.
func decodeWrittenFile(t *testing.T, ft *fakeTarget, path string) []byte {
	t.Helper()
	for _, call := range ft.calls {
		if !strings.Contains(call, path) || !strings.Contains(call, "base64 -d") {
			continue
		}
		var longest string
		for _, run := range base64Run.FindAllString(call, -1) {
			if len(run) > len(longest) {
				longest = run
			}
		}
		if longest == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(longest)
		if err != nil {
			t.Fatalf("decode written payload: %v", err)
		}
		return data
	}
	t.Fatalf("no write of %s found in calls: %v", path, ft.calls)
	return nil
}
