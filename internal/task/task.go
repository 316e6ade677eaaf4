// Package task defines the status record worker tasks return instead of
// raising past the task boundary. The scheduler logs the result and
// proceeds to the next tick regardless of outcome.
package task

const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Result summarizes one worker-task invocation.
type Result struct {
	Status string         `json:"status"`
	Reason string         `json:"reason,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

func OK(detail map[string]any) Result {
	return Result{Status: StatusOK, Detail: detail}
}

func Skipped(reason string) Result {
	return Result{Status: StatusSkipped, Reason: reason}
}

func Errored(reason string) Result {
	return Result{Status: StatusError, Reason: reason}
}
