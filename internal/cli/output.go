package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mickamy/sqlundo"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // replay failed or history unavailable
	ExitCommandError = 2 // bad flags, configuration or database
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the exit code for err. Errors that are not ExitErrors map to
// ExitFailure when they come from replay or the history store.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, sqlundo.ErrReplay) || errors.Is(err, sqlundo.ErrHistory) {
		return ExitFailure
	}
	return ExitCommandError
}

type countsJSON struct {
	ObjectType string `json:"object_type"`
	StackID    int64  `json:"stack_id"`
	Undo       int    `json:"undo"`
	Redo       int    `json:"redo"`
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
