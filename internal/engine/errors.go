package engine

import (
	"errors"
	"fmt"
)

// ErrNoPoolMatched is returned by Route when no rule matches, no default
// pool is configured, and the pool list is empty.
var ErrNoPoolMatched = errors.New("no worker pool matched")

// ExecutionError marks a worker that launched successfully and then failed
// while running. Executors return it to distinguish execution failures from
// launch failures.
type ExecutionError struct {
	SessionID string
	Reason    string
}

func (e *ExecutionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("worker session %s failed: %s", e.SessionID, e.Reason)
	}
	return fmt.Sprintf("worker execution failed: %s", e.Reason)
}
