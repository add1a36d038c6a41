package pipeline

import (
	"context"
	"time"
)

// Command is one step of a pipeline.
type Command interface {
	ID() string
	DisplayName() string
	EstimatedDuration() time.Duration
	RequiresConfirmation() bool
	Execute(pc *Context) Result
}

// Mode selects how much the pipeline asks before acting.
type Mode string

const (
	// ModeTrust runs every step without asking; retryable failures are
	// retried automatically.
	ModeTrust Mode = "trust"
	// ModeConfirmation gates steps marked RequiresConfirmation and suspends
	// on retryable failures for an operator decision.
	ModeConfirmation Mode = "confirmation"
)

// State is where a pipeline run currently stands.
type State string

const (
	StateIdle           State = "idle"
	StateRunning        State = "running"
	StateWaitingConfirm State = "waiting-confirm"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
)

// Terminal reports whether a run in this state is finished.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Confirmation actions.
const (
	ActionConfirm = "confirm"
	ActionSkip    = "skip"
	ActionCancel  = "cancel"
)

// ConfirmRequest asks the operator what to do about a gated or failed step.
type ConfirmRequest struct {
	StepID        string   `json:"stepId"`
	DisplayName   string   `json:"displayName"`
	Rationale     string   `json:"rationale"`
	DefaultAction string   `json:"defaultAction"`
	Options       []string `json:"options"`
}

// Decision is the operator's reply to a ConfirmRequest.
type Decision struct {
	Action string
	Reason string
}

// ConfirmFunc blocks until the operator decides, the confirmation window
// expires, or ctx is cancelled. Expiry and cancellation are reported as
// ActionCancel.
type ConfirmFunc func(ctx context.Context, req ConfirmRequest) Decision

const (
	defaultRetries = 1
	defaultBackoff = time.Second
)

// Runner executes a command sequence. Zero values get defaults: Retries 1,
// Backoff 1s. Emit and OnState may be nil.
type Runner struct {
	Mode     Mode
	Commands []Command
	Emit     func(ProgressEvent)
	Confirm  ConfirmFunc
	OnState  func(state State, stepID string)
	Retries  int
	Backoff  time.Duration
}

func (r *Runner) emit(ev ProgressEvent) {
	if r.Emit != nil {
		r.Emit(ev)
	}
}

func (r *Runner) setState(s State, stepID string) {
	if r.OnState != nil {
		r.OnState(s, stepID)
	}
}

// Run executes the commands in order and returns the terminal state. The
// in-flight command observes cancellation through pc's cancel token at its
// next blocking call; later commands are never started.
func (r *Runner) Run(ctx context.Context, pc *Context) State {
	retries := r.Retries
	if retries == 0 {
		retries = defaultRetries
	}
	backoff := r.Backoff
	if backoff == 0 {
		backoff = defaultBackoff
	}

	n := len(r.Commands)
	r.setState(StateRunning, "")

	for i, cmd := range r.Commands {
		if ctx.Err() != nil {
			return r.finishCancelled(cmd.ID())
		}

		percent := 100 * i / n
		pc.setStage(cmd.ID(), percent)
		r.emit(ProgressEvent{Stage: cmd.ID(), Percent: percent, Level: LevelInfo, Message: "starting " + cmd.DisplayName()})

		if r.Mode == ModeConfirmation && cmd.RequiresConfirmation() {
			dec := r.awaitDecision(ctx, ConfirmRequest{
				StepID:        cmd.ID(),
				DisplayName:   cmd.DisplayName(),
				Rationale:     "about to run " + cmd.DisplayName(),
				DefaultAction: ActionConfirm,
				Options:       []string{ActionConfirm, ActionSkip, ActionCancel},
			})
			switch dec.Action {
			case ActionSkip:
				r.emit(ProgressEvent{Stage: cmd.ID(), Percent: percent, Level: LevelWarn, Message: "skipped: " + reasonOr(dec.Reason, "skipped by operator")})
				continue
			case ActionCancel:
				return r.finishCancelled(cmd.ID())
			}
		}

		res, cancelled := r.executeWithRetry(ctx, pc, cmd, percent, retries, backoff)
		if cancelled {
			return r.finishCancelled(cmd.ID())
		}

		switch res.Status {
		case StatusSuccess:
			r.emit(ProgressEvent{Stage: cmd.ID(), Percent: 100 * (i + 1) / n, Level: LevelSuccess, Message: cmd.DisplayName() + " completed"})
		case StatusSkipped:
			r.emit(ProgressEvent{Stage: cmd.ID(), Percent: percent, Level: LevelWarn, Message: "skipped: " + res.Reason})
		case StatusFailure:
			r.emit(ProgressEvent{Stage: cmd.ID(), Percent: percent, Level: LevelError, Message: res.Reason})
			r.setState(StateFailed, cmd.ID())
			return StateFailed
		}
	}

	r.emit(ProgressEvent{Stage: "complete", Percent: 100, Level: LevelSuccess, Message: "all steps completed"})
	r.setState(StateCompleted, "")
	return StateCompleted
}

// executeWithRetry runs one command, applying the mode's failure policy:
// automatic retries in trust mode, operator decisions in confirmation mode.
// The boolean reports whether the run was cancelled.
func (r *Runner) executeWithRetry(ctx context.Context, pc *Context, cmd Command, percent, retries int, backoff time.Duration) (Result, bool) {
	attempt := 0
	for {
		res := cmd.Execute(pc)
		if ctx.Err() != nil {
			return res, true
		}
		if res.Status != StatusFailure || !res.Retryable {
			return res, false
		}

		if r.Mode == ModeConfirmation {
			dec := r.awaitDecision(ctx, ConfirmRequest{
				StepID:        cmd.ID(),
				DisplayName:   cmd.DisplayName(),
				Rationale:     res.Reason,
				DefaultAction: ActionSkip,
				Options:       []string{ActionConfirm, ActionSkip, ActionCancel},
			})
			switch dec.Action {
			case ActionConfirm:
				continue // operator asked for another attempt
			case ActionSkip:
				return Skipped(reasonOr(dec.Reason, res.Reason)), false
			default:
				return res, true
			}
		}

		if attempt >= retries {
			return res, false
		}
		attempt++
		wait := backoff * (1 << (attempt - 1))
		r.emit(ProgressEvent{Stage: cmd.ID(), Percent: percent, Level: LevelWarn,
			Message: res.Reason + "; retrying in " + wait.String()})
		select {
		case <-ctx.Done():
			return res, true
		case <-time.After(wait):
		}
	}
}

// awaitDecision suspends the run for an operator reply. A nil Confirm hook or
// a fired cancel token resolves as cancel.
func (r *Runner) awaitDecision(ctx context.Context, req ConfirmRequest) Decision {
	if r.Confirm == nil {
		return Decision{Action: ActionCancel, Reason: "no confirmation channel"}
	}
	r.setState(StateWaitingConfirm, req.StepID)
	dec := r.Confirm(ctx, req)
	if ctx.Err() != nil {
		return Decision{Action: ActionCancel, Reason: "cancelled"}
	}
	r.setState(StateRunning, "")
	return dec
}

func (r *Runner) finishCancelled(stage string) State {
	r.emit(ProgressEvent{Stage: stage, Percent: 0, Level: LevelError, Message: "cancelled"})
	r.setState(StateCancelled, stage)
	return StateCancelled
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
