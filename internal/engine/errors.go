package engine

import (
	"errors"
	"fmt"
)

// AgentError wraps a handler failure after the per-agent retry budget
// is exhausted. It is recovered at step level: the step is logged and
// skipped, the run continues.
type AgentError struct {
	AgentID  string
	Attempts int
	Err      error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %q failed after %d attempts: %v", e.AgentID, e.Attempts, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// BranchError wraps a fork branch failure after the whole-branch
// backoff budget is exhausted. The branch degrades to partial_failure;
// the run continues with the remaining branches.
type BranchError struct {
	Group    string
	Branch   int
	Attempts int
	Err      error
}

func (e *BranchError) Error() string {
	return fmt.Sprintf("branch %d of group %q failed after %d attempts: %v",
		e.Branch, e.Group, e.Attempts, e.Err)
}

func (e *BranchError) Unwrap() error { return e.Err }

// errorType classifies an error for structured log payloads.
func errorType(err error) string {
	var ae *AgentError
	if errors.As(err, &ae) {
		return "AgentExecutionError"
	}
	var be *BranchError
	if errors.As(err, &be) {
		return "BranchError"
	}
	return "Error"
}
