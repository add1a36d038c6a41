package commands

import (
	"fmt"
	"time"

	"github.com/deckhand-sh/deckhand/internal/pipeline"
)

// Docker package sources. The aliyun variants are substituted when the
// target is behind the great firewall.
const (
	dockerAptRepo   = "https://download.docker.com/linux"
	dockerAptRepoCN = "https://mirrors.aliyun.com/docker-ce/linux"
	dockerYumRepo   = "https://download.docker.com/linux/centos/docker-ce.repo"
	dockerYumRepoCN = "https://mirrors.aliyun.com/docker-ce/linux/centos/docker-ce.repo"
)

// dockerPackages is the official engine package set for apt and yum/dnf.
const dockerPackages = "docker-ce docker-ce-cli containerd.io docker-buildx-plugin docker-compose-plugin"

// InstallDocker installs and starts the Docker engine when the probe found it
// missing or stopped. An engine that is merely stopped is started without
// reinstalling. This is the step that turns "Docker missing" from a dead end
// into a recoverable state.
type InstallDocker struct{ meta }

func NewInstallDocker() *InstallDocker {
	return &InstallDocker{meta{id: "install_docker", name: "Install Docker", estimate: 5 * time.Minute, gated: true}}
}

func (c *InstallDocker) Execute(pc *pipeline.Context) pipeline.Result {
	os, ok := pc.OSInfo()
	if !ok {
		return failWith(c.id, kindConfig, "OS not detected yet", false)
	}
	st, ok := pc.DockerStatus()
	if !ok {
		return failWith(c.id, kindConfig, "docker not probed yet", false)
	}
	if st.Installed && st.ServiceRunning {
		return pipeline.Skipped("docker already running")
	}

	// Installed but stopped: starting the service may be all that is needed.
	if st.Installed && os.HasRoot {
		pc.Progress(pipeline.LevelInfo, "docker installed but stopped, starting the service")
		if res := c.startService(pc, os); res.Status == pipeline.StatusSuccess {
			return res
		}
		pc.Progress(pipeline.LevelWarn, "could not start the existing engine, reinstalling")
	}

	if !os.HasRoot {
		return failWith(c.id, kindPrivilege, "need-sudo: installing docker requires root", false)
	}

	steps, ok := installSteps(os, pc.UseChinaMirror())
	if !ok {
		return failWith(c.id, kindUnsupportd, fmt.Sprintf("no docker install recipe for %s", os.PkgMgr), false)
	}

	for _, step := range steps {
		if pc.Cancelled() {
			return pipeline.Fail("cancelled", false)
		}
		pc.Progress(pipeline.LevelInfo, step.label)
		res, err := run(pc, sudoWrap(os, step.script), installTimeout)
		if err != nil {
			if pc.Cancelled() {
				return pipeline.Fail("cancelled", false)
			}
			return failWith(c.id, kindTimeout, fmt.Sprintf("install-failed at %q: %v", step.label, err), false)
		}
		if res.ExitCode != 0 {
			return failWith(c.id, kindRemoteExec,
				fmt.Sprintf("install-failed at %q (exit %d): %s", step.label, res.ExitCode, errDetail(res)), true)
		}
	}

	return c.verify(pc, os)
}

// startService brings up an already installed engine and re-probes it.
func (c *InstallDocker) startService(pc *pipeline.Context, os pipeline.OSInfo) pipeline.Result {
	start := "systemctl start docker && systemctl enable docker"
	if os.PkgMgr == "apk" {
		start = "rc-update add docker boot; service docker start"
	}
	res, err := run(pc, sudoWrap(os, start), configTimeout)
	if err != nil || res.ExitCode != 0 {
		return pipeline.Fail("start docker service failed", true)
	}
	return c.verify(pc, os)
}

// verify re-probes the engine and publishes the updated DOCKER_STATUS.
func (c *InstallDocker) verify(pc *pipeline.Context, os pipeline.OSInfo) pipeline.Result {
	st := pipeline.DockerStatus{}
	vres, err := run(pc, "docker --version", probeTimeout)
	if err != nil {
		return failWith(c.id, kindTransport, fmt.Sprintf("verify docker: %v", err), true)
	}
	if vres.ExitCode == 0 {
		st.Installed = true
		st.Version = parseDockerVersion(vres.Stdout)
	}
	if sres, err := run(pc, dockerServiceProbe, probeTimeout); err == nil && sres.ExitCode == 0 {
		st.ServiceRunning = true
	}
	pc.SetDockerStatus(st)
	pc.SetToolInstalled("docker", st.Installed, st.Version)

	if !st.Installed || !st.ServiceRunning {
		return failWith(c.id, kindRemoteExec,
			fmt.Sprintf("install-failed at \"verify engine\": installed=%v running=%v", st.Installed, st.ServiceRunning), true)
	}
	pc.Progress(pipeline.LevelInfo, "docker "+st.Version+" installed and running")
	return pipeline.Success()
}

// installStep is one named sub-step of the install recipe; the label is what
// an operator sees when it fails.
type installStep struct {
	label  string
	script string
}

func installSteps(os pipeline.OSInfo, china bool) ([]installStep, bool) {
	switch os.PkgMgr {
	case "apt":
		repo := dockerAptRepo
		if china {
			repo = dockerAptRepoCN
		}
		distro := "ubuntu"
		if os.ID == "debian" {
			distro = "debian"
		}
		base := repo + "/" + distro
		codename := os.Codename
		if codename == "" {
			codename = "$(. /etc/os-release && echo $VERSION_CODENAME)"
		}
		return []installStep{
			{"remove legacy docker packages", "apt-get remove -y docker.io docker-engine docker-doc containerd runc 2>/dev/null; true"},
			{"install prerequisites", "apt-get update && apt-get install -y apt-transport-https ca-certificates curl gnupg lsb-release"},
			{"add docker gpg key", "install -m 0755 -d /etc/apt/keyrings && curl -fsSL " + base + "/gpg -o /etc/apt/keyrings/docker.asc && chmod a+r /etc/apt/keyrings/docker.asc"},
			{"add docker apt repository", `echo "deb [arch=$(dpkg --print-architecture) signed-by=/etc/apt/keyrings/docker.asc] ` + base + " " + codename + ` stable" > /etc/apt/sources.list.d/docker.list`},
			{"refresh package index", "apt-get update"},
			{"install docker engine", "DEBIAN_FRONTEND=noninteractive apt-get install -y " + dockerPackages},
			{"start docker service", "systemctl start docker && systemctl enable docker"},
		}, true
	case "yum", "dnf":
		repo := dockerYumRepo
		if china {
			repo = dockerYumRepoCN
		}
		mgr := os.PkgMgr
		addRepo := "yum-config-manager --add-repo " + repo
		utils := "yum install -y yum-utils"
		if mgr == "dnf" {
			utils = "dnf install -y dnf-plugins-core"
			addRepo = "dnf config-manager --add-repo " + repo
		}
		return []installStep{
			{"install repo tooling", utils},
			{"add docker repository", addRepo},
			{"install docker engine", mgr + " install -y " + dockerPackages},
			{"start docker service", "systemctl start docker && systemctl enable docker"},
		}, true
	case "pacman":
		return []installStep{
			{"install docker engine", "pacman -Sy --noconfirm docker docker-compose"},
			{"start docker service", "systemctl start docker && systemctl enable docker"},
		}, true
	case "apk":
		return []installStep{
			{"install docker engine", "apk add docker docker-compose"},
			{"enable docker at boot", "rc-update add docker boot"},
			{"start docker service", "service docker start"},
		}, true
	default:
		return nil, false
	}
}
