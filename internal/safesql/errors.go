package safesql

import "fmt"

// ParseError indicates the statement text is not syntactically valid SQL.
// It is always fatal to the request and never retried.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse SQL statement: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationError indicates a statement was rejected by the active rule set.
// Reason always names the specific rule violated so callers can message it.
type ValidationError struct {
	Mode   Mode
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// RecursionLimitError indicates the parsed tree exceeded the validator's
// depth cap. Treated as a rejection, never as an internal error.
type RecursionLimitError struct {
	Depth int
}

func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("statement exceeds maximum AST depth of %d", e.Depth)
}
