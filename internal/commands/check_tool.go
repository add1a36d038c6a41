package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/deckhand-sh/deckhand/internal/pipeline"
)

// CheckTool probes for one command-line tool and records its presence and
// version. Absence is a finding, not a failure.
type CheckTool struct {
	meta
	tool string
}

func NewCheckTool(tool string) *CheckTool {
	return &CheckTool{
		meta: meta{id: "check_" + tool, name: "Check " + tool, estimate: 5 * time.Second},
		tool: tool,
	}
}

func (c *CheckTool) Execute(pc *pipeline.Context) pipeline.Result {
	res, err := run(pc, "command -v "+c.tool, probeTimeout)
	if err != nil {
		return failWith(c.id, kindTransport, fmt.Sprintf("probe %s: %v", c.tool, err), true)
	}
	if res.ExitCode != 0 {
		pc.SetToolInstalled(c.tool, false, "")
		pc.Progress(pipeline.LevelInfo, c.tool+" not installed")
		return pipeline.Success()
	}

	version := ""
	if vres, err := run(pc, c.tool+" --version", probeTimeout); err == nil && vres.ExitCode == 0 {
		version = firstLine(vres.Stdout)
	}
	pc.SetToolInstalled(c.tool, true, version)
	pc.Progress(pipeline.LevelInfo, fmt.Sprintf("%s installed (%s)", c.tool, version))
	return pipeline.Success()
}

// CheckDocker extends the tool probe with the daemon's service state and
// publishes DOCKER_STATUS.
type CheckDocker struct{ meta }

func NewCheckDocker() *CheckDocker {
	return &CheckDocker{meta{id: "check_docker", name: "Check Docker", estimate: 10 * time.Second}}
}

// dockerServiceProbe succeeds when the daemon is reachable, whether managed
// by systemd or not.
const dockerServiceProbe = "systemctl is-active docker >/dev/null 2>&1 || docker info >/dev/null 2>&1"

func (c *CheckDocker) Execute(pc *pipeline.Context) pipeline.Result {
	st := pipeline.DockerStatus{}

	res, err := run(pc, "command -v docker", probeTimeout)
	if err != nil {
		return failWith(c.id, kindTransport, fmt.Sprintf("probe docker: %v", err), true)
	}
	st.Installed = res.ExitCode == 0

	if st.Installed {
		if vres, err := run(pc, "docker --version", probeTimeout); err == nil && vres.ExitCode == 0 {
			st.Version = parseDockerVersion(vres.Stdout)
		}
		if sres, err := run(pc, dockerServiceProbe, probeTimeout); err == nil && sres.ExitCode == 0 {
			st.ServiceRunning = true
		}
	}

	pc.SetDockerStatus(st)
	pc.SetToolInstalled("docker", st.Installed, st.Version)
	switch {
	case !st.Installed:
		pc.Progress(pipeline.LevelInfo, "docker not installed")
	case !st.ServiceRunning:
		pc.Progress(pipeline.LevelWarn, "docker installed but the service is not running")
	default:
		pc.Progress(pipeline.LevelInfo, "docker "+st.Version+" running")
	}
	return pipeline.Success()
}

// parseDockerVersion extracts "27.1.1" from "Docker version 27.1.1, build 6312585".
func parseDockerVersion(s string) string {
	line := firstLine(s)
	if rest, ok := strings.CutPrefix(line, "Docker version "); ok {
		if v, _, found := strings.Cut(rest, ","); found {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(rest)
	}
	return line
}
