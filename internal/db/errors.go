package db

import (
	"fmt"
	"time"
)

var ErrNotConnected = fmt.Errorf("database driver is not connected")

// TimeoutError reports that a statement exceeded its execution deadline.
// It is distinct from a validation rejection so callers can retry with a
// longer budget.
type TimeoutError struct {
	Statement string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("statement timed out after %s: %s", e.Timeout, truncate(e.Statement, 80))
}

// ExecutionError wraps a failure the database reported while running an
// otherwise-permitted statement. The underlying error is surfaced verbatim.
type ExecutionError struct {
	Statement string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("statement failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
