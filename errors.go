package sqlundo

import (
	"errors"
	"fmt"
)

var (
	// ErrScopeOpen is returned when a stack already has an open capture scope in this Handler.
	ErrScopeOpen = errors.New("sqlundo: capture scope already open on stack")
	// ErrScopeClosed is returned when a closed scope is closed again.
	ErrScopeClosed = errors.New("sqlundo: capture scope closed")
	// ErrUnsupportedStatement is returned before execution for mutating statements whose
	// affected rows cannot be captured.
	ErrUnsupportedStatement = errors.New("sqlundo: unsupported statement")
	// ErrReplay matches every *ReplayError.
	ErrReplay = errors.New("sqlundo: replay failed")
	// ErrHistory wraps failures reading or writing the history store.
	ErrHistory = errors.New("sqlundo: history store failure")
)

// ReplayError reports a recorded statement that failed against the data store.
// The data transaction was rolled back and no active flag was changed.
type ReplayError struct {
	ObjectType string
	StackID    int64
	CaptureID  int64
	Kind       string // "undo" or "redo"
	Statement  string
	Err        error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("sqlundo: %s of capture %d on %s/%d failed: %v", e.Kind, e.CaptureID, e.ObjectType, e.StackID, e.Err)
}

func (e *ReplayError) Unwrap() []error {
	return []error{ErrReplay, e.Err}
}

func historyError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrHistory, op, err)
}

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedStatement, fmt.Sprintf(format, args...))
}
