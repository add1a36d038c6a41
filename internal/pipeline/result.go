package pipeline

// Status tags a command result.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailure Status = "failure"
)

// Result is the tagged outcome of one command execution.
type Result struct {
	Status    Status
	Reason    string
	Retryable bool
}

func Success() Result { return Result{Status: StatusSuccess} }

func Skipped(reason string) Result { return Result{Status: StatusSkipped, Reason: reason} }

func Fail(reason string, retryable bool) Result {
	return Result{Status: StatusFailure, Reason: reason, Retryable: retryable}
}

// Level grades a progress event.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// ProgressEvent is one update on a pipeline's progress stream.
type ProgressEvent struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
	Level   Level  `json:"level"`
	Message string `json:"message"`
}
