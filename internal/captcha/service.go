package captcha

import "context"

type Status string

const (
	StatusNotReady   Status = "not_ready"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

// Result is one poll of a solving task.
type Result struct {
	Status Status
	Text   string
	// Error is the service's description when Status is StatusError.
	Error string
}

// Service is a create-task / poll-result solving API.
type Service interface {
	CreateTask(ctx context.Context, image []byte) (taskID string, err error)
	TaskResult(ctx context.Context, taskID string) (Result, error)
}

// Abandoner is implemented by services that can drop a task in progress.
type Abandoner interface {
	AbandonTask(ctx context.Context, taskID string) error
}

// IncorrectReporter is implemented by services that accept wrong-answer reports.
type IncorrectReporter interface {
	ReportIncorrect(ctx context.Context, taskID string) error
}
