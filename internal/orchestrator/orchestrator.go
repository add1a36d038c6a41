// Package orchestrator owns deployment pipelines: which commands make up a
// named task, one active pipeline per channel session, confirmation gating,
// and the per-session deployment state reported to clients.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"regexp"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/deckhand-sh/deckhand/internal/commands"
	"github.com/deckhand-sh/deckhand/internal/logutil"
	"github.com/deckhand-sh/deckhand/internal/pipeline"
)

var (
	ErrUnknownTask    = errors.New("unknown task")
	ErrBusy           = errors.New("a pipeline is already running for this session")
	ErrInvalidRequest = errors.New("invalid deployment request")
)

// containerNameRe is the docker container name rule.
var containerNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Target is the machine a pipeline runs against. *sshconn.Session satisfies
// the exec side; Done lets the orchestrator cancel a pipeline whose SSH
// session died under it.
type Target interface {
	pipeline.Execer
	Done() <-chan struct{}
}

// Notifier carries pipeline output to the owning client. Implementations
// publish onto the session's personal queues.
type Notifier interface {
	Progress(sessionID string, ev ProgressEvent)
	Confirmation(sessionID string, req pipeline.ConfirmRequest)
	Result(sessionID string, res Result)
}

// ProgressEvent is a pipeline progress update with its emission time.
type ProgressEvent struct {
	Stage     string         `json:"stage"`
	Percent   int            `json:"percent"`
	Level     pipeline.Level `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
}

// Result is the terminal outcome of one pipeline run.
type Result struct {
	Success        bool                     `json:"success"`
	Summary        string                   `json:"summary"`
	ExternalAccess *pipeline.ExternalAccess `json:"externalAccess,omitempty"`
}

// StepInfo describes one step of a composed pipeline.
type StepInfo struct {
	ID                   string `json:"id"`
	DisplayName          string `json:"displayName"`
	EstimatedSec         int    `json:"estimatedSec"`
	RequiresConfirmation bool   `json:"requiresConfirmation"`
}

// State is a snapshot of one session's deployment.
type State struct {
	Task           string         `json:"task"`
	Mode           pipeline.Mode  `json:"mode"`
	Status         pipeline.State `json:"status"`
	Steps          []StepInfo     `json:"steps"`
	CurrentIndex   int            `json:"currentIndex"`
	AwaitingStepID string         `json:"awaitingStepId,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	EndedAt        *time.Time     `json:"endedAt,omitempty"`
}

// Config tunes pipeline behaviour.
type Config struct {
	Mirrors    commands.Mirrors
	ConfirmTTL time.Duration
	Retries    int
	Backoff    time.Duration
}

// Orchestrator runs at most one pipeline per session; different sessions run
// concurrently and never share state.
type Orchestrator struct {
	cfg    Config
	geo    commands.Locator
	notify Notifier

	mu     sync.Mutex
	active map[string]*deployment
}

func New(cfg Config, geo commands.Locator, notify Notifier) *Orchestrator {
	if cfg.ConfirmTTL <= 0 {
		cfg.ConfirmTTL = 10 * time.Minute
	}
	return &Orchestrator{
		cfg:    cfg,
		geo:    geo,
		notify: notify,
		active: make(map[string]*deployment),
	}
}

// deployment is the per-session pipeline record.
type deployment struct {
	task string
	mode pipeline.Mode

	mu           sync.Mutex
	status       pipeline.State
	steps        []StepInfo
	stepIndex    map[string]int
	currentIndex int
	awaiting     string
	startedAt    time.Time
	endedAt      *time.Time

	cancel   context.CancelFunc
	decision chan pipeline.Decision
}

func (d *deployment) snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := State{
		Task:           d.task,
		Mode:           d.mode,
		Status:         d.status,
		Steps:          d.steps,
		CurrentIndex:   d.currentIndex,
		AwaitingStepID: d.awaiting,
		StartedAt:      d.startedAt,
	}
	if d.endedAt != nil {
		t := *d.endedAt
		st.EndedAt = &t
	}
	return st
}

func (d *deployment) terminal() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status.Terminal()
}

// Tasks returns the known task names.
func (o *Orchestrator) Tasks() []string {
	return []string{"full_setup", "initialize_environment", "check_environment", "configure_mirrors", "deploy"}
}

// compose builds the command chain for a task. The order is contractual:
// clients display the steps as returned here.
func (o *Orchestrator) compose(task, host string) ([]pipeline.Command, error) {
	detect := []pipeline.Command{
		commands.NewDetectOs(),
		commands.NewDetectLocation(o.geo, host),
	}
	checks := []pipeline.Command{
		commands.NewCheckTool("curl"),
		commands.NewCheckTool("unzip"),
		commands.NewCheckTool("git"),
		commands.NewCheckDocker(),
	}
	mirrors := []pipeline.Command{
		commands.NewConfigureSystemMirrors(o.cfg.Mirrors),
		commands.NewConfigureDockerMirror(o.cfg.Mirrors),
	}

	switch task {
	case "full_setup", "initialize_environment":
		return append(append(detect, checks...), mirrors...), nil
	case "check_environment":
		return append(detect, checks...), nil
	case "configure_mirrors":
		return append(detect, mirrors...), nil
	case "deploy":
		return append(detect, []pipeline.Command{
			commands.NewConfigureSystemMirrors(o.cfg.Mirrors),
			commands.NewCheckDocker(),
			commands.NewInstallDocker(),
			commands.NewConfigureDockerMirror(o.cfg.Mirrors),
			commands.NewPullImage(),
			commands.NewCreateContainer(),
			commands.NewVerify(),
			commands.NewConfigureExternalAccess(host),
		}...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, task)
	}
}

// validateDeployRequest rejects malformed container parameters before any
// remote command runs.
func validateDeployRequest(req pipeline.DeployRequest) error {
	if !containerNameRe.MatchString(req.ContainerName) {
		return fmt.Errorf("%w: container name %q", ErrInvalidRequest, req.ContainerName)
	}
	if req.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidRequest)
	}
	if _, err := nat.ParsePortSpec(fmt.Sprintf("%d:8000", req.Port)); err != nil {
		return fmt.Errorf("%w: port %d: %v", ErrInvalidRequest, req.Port, err)
	}
	if !path.IsAbs(req.DataPath) {
		return fmt.Errorf("%w: data path %q is not absolute", ErrInvalidRequest, req.DataPath)
	}
	return nil
}

// Start launches a pipeline for the session. It fails with ErrBusy while a
// previous pipeline is still running; a finished one is replaced.
func (o *Orchestrator) Start(sessionID, host string, target Target, task string, req pipeline.DeployRequest, mode pipeline.Mode) error {
	switch mode {
	case pipeline.ModeTrust, pipeline.ModeConfirmation:
	case "":
		mode = pipeline.ModeTrust
	default:
		return fmt.Errorf("%w: mode %q", ErrInvalidRequest, mode)
	}

	cmds, err := o.compose(task, host)
	if err != nil {
		return err
	}
	if task == "deploy" {
		if err := validateDeployRequest(req); err != nil {
			return err
		}
	}

	steps := make([]StepInfo, len(cmds))
	stepIndex := make(map[string]int, len(cmds))
	for i, cmd := range cmds {
		steps[i] = StepInfo{
			ID:                   cmd.ID(),
			DisplayName:          cmd.DisplayName(),
			EstimatedSec:         int(cmd.EstimatedDuration().Seconds()),
			RequiresConfirmation: cmd.RequiresConfirmation(),
		}
		stepIndex[cmd.ID()] = i
	}

	// The cancel function must be in place before the deployment is
	// published: a concurrent Cancel for this session may run the moment
	// the map insert is visible.
	ctx, cancel := context.WithCancel(context.Background())
	d := &deployment{
		task:      task,
		mode:      mode,
		status:    pipeline.StateIdle,
		steps:     steps,
		stepIndex: stepIndex,
		startedAt: time.Now(),
		decision:  make(chan pipeline.Decision, 1),
		cancel:    cancel,
	}

	o.mu.Lock()
	if prev, ok := o.active[sessionID]; ok && !prev.terminal() {
		o.mu.Unlock()
		cancel()
		return fmt.Errorf("%w (%s)", ErrBusy, prev.task)
	}
	o.active[sessionID] = d
	o.mu.Unlock()

	log.Printf("[orchestrator] %s: starting task %q (%d steps, mode %s)", logutil.SanitizeForLog(sessionID), task, len(steps), mode)
	go o.run(ctx, sessionID, d, target, cmds, req)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, sessionID string, d *deployment, target Target, cmds []pipeline.Command, req pipeline.DeployRequest) {
	defer d.cancel()

	// A dying SSH session cancels the pipeline at its next suspension point.
	go func() {
		select {
		case <-target.Done():
			d.cancel()
		case <-ctx.Done():
		}
	}()

	emit := func(ev pipeline.ProgressEvent) {
		d.mu.Lock()
		if i, ok := d.stepIndex[ev.Stage]; ok {
			d.currentIndex = i
		}
		d.mu.Unlock()
		o.notify.Progress(sessionID, ProgressEvent{
			Stage:     ev.Stage,
			Percent:   ev.Percent,
			Level:     ev.Level,
			Message:   ev.Message,
			Timestamp: time.Now(),
		})
	}

	pc := pipeline.NewContext(ctx, sessionID, target, emit)
	if d.task == "deploy" {
		pc.SetDeployRequest(req)
	}

	runner := &pipeline.Runner{
		Mode:     d.mode,
		Commands: cmds,
		Emit:     emit,
		Confirm:  o.confirmFunc(sessionID, d),
		OnState: func(s pipeline.State, stepID string) {
			d.mu.Lock()
			d.status = s
			if s == pipeline.StateWaitingConfirm {
				d.awaiting = stepID
			} else {
				d.awaiting = ""
			}
			d.mu.Unlock()
		},
		Retries: o.cfg.Retries,
		Backoff: o.cfg.Backoff,
	}

	final := runner.Run(ctx, pc)

	now := time.Now()
	d.mu.Lock()
	d.status = final
	d.awaiting = ""
	d.endedAt = &now
	d.mu.Unlock()

	res := Result{Success: final == pipeline.StateCompleted}
	switch final {
	case pipeline.StateCompleted:
		res.Summary = fmt.Sprintf("task %q completed", d.task)
		if acc, ok := pc.ExternalAccess(); ok {
			res.ExternalAccess = &acc
		}
	case pipeline.StateCancelled:
		res.Summary = fmt.Sprintf("task %q cancelled", d.task)
	default:
		res.Summary = fmt.Sprintf("task %q failed", d.task)
	}
	log.Printf("[orchestrator] %s: task %q finished: %s", logutil.SanitizeForLog(sessionID), d.task, final)
	o.notify.Result(sessionID, res)
}

// confirmFunc suspends the runner until the client decides, the confirmation
// window lapses, or the pipeline is cancelled.
func (o *Orchestrator) confirmFunc(sessionID string, d *deployment) pipeline.ConfirmFunc {
	return func(ctx context.Context, req pipeline.ConfirmRequest) pipeline.Decision {
		o.notify.Confirmation(sessionID, req)
		select {
		case dec := <-d.decision:
			return dec
		case <-ctx.Done():
			return pipeline.Decision{Action: pipeline.ActionCancel, Reason: "cancelled"}
		case <-time.After(o.cfg.ConfirmTTL):
			log.Printf("[orchestrator] %s: confirmation for %s timed out", logutil.SanitizeForLog(sessionID), req.StepID)
			return pipeline.Decision{Action: pipeline.ActionCancel, Reason: "confirmation timed out"}
		}
	}
}

// HandleConfirmation resolves the pending confirmation for stepID. It is a
// no-op when nothing is waiting or the step does not match.
func (o *Orchestrator) HandleConfirmation(sessionID, stepID, action, reason string) {
	o.mu.Lock()
	d, ok := o.active[sessionID]
	o.mu.Unlock()
	if !ok {
		return
	}
	d.mu.Lock()
	waiting := d.awaiting == stepID && d.status == pipeline.StateWaitingConfirm
	d.mu.Unlock()
	if !waiting {
		return
	}
	switch action {
	case pipeline.ActionConfirm, pipeline.ActionSkip, pipeline.ActionCancel:
	default:
		return
	}
	select {
	case d.decision <- pipeline.Decision{Action: action, Reason: reason}:
	default:
	}
}

// Cancel aborts the session's pipeline, resolving any pending confirmation
// as cancel. Safe to call when nothing runs.
func (o *Orchestrator) Cancel(sessionID string) {
	o.mu.Lock()
	d, ok := o.active[sessionID]
	o.mu.Unlock()
	if !ok || d.terminal() {
		return
	}
	select {
	case d.decision <- pipeline.Decision{Action: pipeline.ActionCancel, Reason: "cancelled by client"}:
	default:
	}
	d.cancel()
}

// Status returns the session's deployment snapshot.
func (o *Orchestrator) Status(sessionID string) (State, bool) {
	o.mu.Lock()
	d, ok := o.active[sessionID]
	o.mu.Unlock()
	if !ok {
		return State{}, false
	}
	return d.snapshot(), true
}

// Drop forgets the session's deployment record. Called when the owning
// channel disconnects, after Cancel.
func (o *Orchestrator) Drop(sessionID string) {
	o.mu.Lock()
	delete(o.active, sessionID)
	o.mu.Unlock()
}

// RunningCount reports how many pipelines are currently active.
func (o *Orchestrator) RunningCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, d := range o.active {
		if !d.terminal() {
			n++
		}
	}
	return n
}
