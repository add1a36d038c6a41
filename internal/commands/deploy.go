package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/deckhand-sh/deckhand/internal/pipeline"
)

// containerAppPort is the port the application listens on inside the
// container.
const containerAppPort = 8000

// containerDataDir is where the application keeps its state inside the
// container; the host data path is mounted there.
const containerDataDir = "/home/node/app/data"

// PullImage downloads the requested image, streaming the docker output back
// as progress messages.
type PullImage struct{ meta }

func NewPullImage() *PullImage {
	return &PullImage{meta{id: "pull_image", name: "Pull container image", estimate: 5 * time.Minute}}
}

func (c *PullImage) Execute(pc *pipeline.Context) pipeline.Result {
	req, ok := pc.DeployRequest()
	if !ok {
		return failWith(c.id, kindConfig, "no deployment request", false)
	}
	os, _ := pc.OSInfo()

	pull := "docker pull " + shellQuote(req.Image)
	exit, err := pc.Target().ExecStream(pc.Ctx(), sudoWrap(os, pull), func(line string) {
		if line = strings.TrimSpace(line); line != "" {
			pc.Progress(pipeline.LevelInfo, line)
		}
	})
	if err != nil {
		if pc.Cancelled() {
			return pipeline.Fail("cancelled", false)
		}
		return failWith(c.id, kindTransport, fmt.Sprintf("pull %s: %v", req.Image, err), true)
	}
	if exit != 0 {
		return failWith(c.id, kindRemoteExec, fmt.Sprintf("pull %s: exit %d", req.Image, exit), true)
	}
	pc.Progress(pipeline.LevelInfo, "image "+req.Image+" pulled")
	return pipeline.Success()
}

// CreateContainer prepares the host data directory and runs the container.
type CreateContainer struct{ meta }

func NewCreateContainer() *CreateContainer {
	return &CreateContainer{meta{id: "create_container", name: "Create container", estimate: 30 * time.Second, gated: true}}
}

func (c *CreateContainer) Execute(pc *pipeline.Context) pipeline.Result {
	req, ok := pc.DeployRequest()
	if !ok {
		return failWith(c.id, kindConfig, "no deployment request", false)
	}
	os, _ := pc.OSInfo()

	exists, err := run(pc, sudoWrap(os, "docker ps -a --filter name=^"+req.ContainerName+"$ --format '{{.Names}}'"), probeTimeout)
	if err != nil {
		return failWith(c.id, kindTransport, fmt.Sprintf("probe container: %v", err), true)
	}
	if strings.TrimSpace(exists.Stdout) == req.ContainerName {
		return failWith(c.id, kindRemoteExec, fmt.Sprintf("container %q already exists", req.ContainerName), false)
	}

	pc.Progress(pipeline.LevelInfo, "creating data directory "+req.DataPath)
	mkdir, err := run(pc, sudoWrap(os, "mkdir -p "+shellQuote(req.DataPath)), probeTimeout)
	if err != nil {
		return failWith(c.id, kindTransport, fmt.Sprintf("create data directory: %v", err), true)
	}
	if mkdir.ExitCode != 0 {
		return failWith(c.id, kindRemoteExec, "create data directory: "+errDetail(mkdir), false)
	}

	runCmd := fmt.Sprintf("docker run -d --name %s -p %d:%d -v %s:%s --restart unless-stopped %s",
		shellQuote(req.ContainerName), req.Port, containerAppPort,
		shellQuote(req.DataPath), containerDataDir, shellQuote(req.Image))
	pc.Progress(pipeline.LevelInfo, fmt.Sprintf("starting container %s on port %d", req.ContainerName, req.Port))
	res, err := run(pc, sudoWrap(os, runCmd), configTimeout)
	if err != nil {
		if pc.Cancelled() {
			return pipeline.Fail("cancelled", false)
		}
		return failWith(c.id, kindTransport, fmt.Sprintf("docker run: %v", err), true)
	}
	if res.ExitCode != 0 {
		return failWith(c.id, kindRemoteExec, "docker run: "+errDetail(res), false)
	}
	pc.Progress(pipeline.LevelInfo, "container started: "+firstLine(res.Stdout))
	return pipeline.Success()
}

// Verify confirms the container is up and the application answers HTTP on
// its published port.
type Verify struct{ meta }

func NewVerify() *Verify {
	return &Verify{meta{id: "verify", name: "Verify deployment", estimate: 30 * time.Second}}
}

// verifyAttempts and verifyDelay pace the health probe while the application
// boots.
const (
	verifyAttempts = 5
	verifyDelay    = 2 * time.Second
)

func (c *Verify) Execute(pc *pipeline.Context) pipeline.Result {
	req, ok := pc.DeployRequest()
	if !ok {
		return failWith(c.id, kindConfig, "no deployment request", false)
	}
	os, _ := pc.OSInfo()

	ps, err := run(pc, sudoWrap(os, "docker ps --filter name=^"+req.ContainerName+"$ --format '{{.Names}}'"), probeTimeout)
	if err != nil {
		return failWith(c.id, kindTransport, fmt.Sprintf("probe container: %v", err), true)
	}
	if strings.TrimSpace(ps.Stdout) != req.ContainerName {
		return failWith(c.id, kindRemoteExec, fmt.Sprintf("container %q is not running", req.ContainerName), true)
	}
	pc.Progress(pipeline.LevelInfo, "container "+req.ContainerName+" is running")

	probe := fmt.Sprintf(`curl -sS -o /dev/null -w "%%{http_code}" http://127.0.0.1:%d/`, req.Port)
	var last string
	for attempt := 1; attempt <= verifyAttempts; attempt++ {
		res, err := run(pc, probe, probeTimeout)
		if err != nil {
			if pc.Cancelled() {
				return pipeline.Fail("cancelled", false)
			}
			return failWith(c.id, kindTransport, fmt.Sprintf("health probe: %v", err), true)
		}
		if res.ExitCode == 127 {
			// No curl on the target; the container check above still stands.
			pc.Progress(pipeline.LevelWarn, "curl not available on target, skipping HTTP probe")
			return pipeline.Success()
		}
		last = strings.TrimSpace(res.Stdout)
		if httpOK(last) {
			pc.Progress(pipeline.LevelInfo, "application answered HTTP "+last+" on port "+strconv.Itoa(req.Port))
			return pipeline.Success()
		}
		pc.Progress(pipeline.LevelInfo, fmt.Sprintf("waiting for the application (attempt %d/%d, last status %q)", attempt, verifyAttempts, last))
		select {
		case <-pc.Ctx().Done():
			return pipeline.Fail("cancelled", false)
		case <-time.After(verifyDelay):
		}
	}
	return failWith(c.id, kindRemoteExec, fmt.Sprintf("application did not answer on port %d (last status %q)", req.Port, last), true)
}

// httpOK accepts 2xx and 3xx status strings.
func httpOK(code string) bool {
	n, err := strconv.Atoi(code)
	return err == nil && n >= 200 && n < 400
}
