package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
)

const (
	ExitSuccess      = 0
	ExitFailure      = 1 // validation failed, refused update
	ExitCommandError = 2 // bad arguments, missing data dir
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

func wrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns ExitFailure for errors that are not ExitErrors.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the JSON envelope of every command.
type Response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// texter is implemented by results with a human readable rendering.
type texter interface {
	Text() string
}

type formatter struct {
	format  string
	w       io.Writer
	errW    io.Writer
	verbose bool
}

func (f *formatter) success(data any) error {
	if f.format == formatJSON {
		return json.NewEncoder(f.w).Encode(Response{Status: "ok", Data: data})
	}
	if t, ok := data.(texter); ok {
		_, err := fmt.Fprintln(f.w, t.Text())
		return err
	}
	_, err := fmt.Fprintln(f.w, data)
	return err
}

// fail reports err and returns it unchanged for cobra.
func (f *formatter) fail(err *ExitError) error {
	if f.format == formatJSON {
		_ = json.NewEncoder(f.w).Encode(Response{Status: "error", Error: err.Error()})
		return err
	}
	fmt.Fprintf(f.errW, "error: %s\n", err.Error())
	return err
}

func (f *formatter) verboseLog(format string, args ...any) {
	if f.verbose {
		fmt.Fprintf(f.errW, format+"\n", args...)
	}
}
