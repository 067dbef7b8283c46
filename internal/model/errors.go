package model

import (
	"errors"
	"fmt"
)

// BackendError reports a generation backend failure: a non-2xx response, an
// unreachable server, a broken stream or a non-zero process exit.
type BackendError struct {
	// Status is the HTTP status of the initial response, 0 when not applicable.
	Status int
	// ExitCode is the process exit code, -1 when not applicable.
	ExitCode int
	Cause    string
	Err      error
}

func (e *BackendError) Error() string {
	return e.Cause
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func newHTTPStatusError(status int, body string) *BackendError {
	return &BackendError{
		Status:   status,
		ExitCode: -1,
		Cause:    fmt.Sprintf("llama-server error %d: %s", status, body),
	}
}

func newTransportError(op string, err error) *BackendError {
	return &BackendError{
		ExitCode: -1,
		Cause:    fmt.Sprintf("%s: %v", op, err),
		Err:      err,
	}
}

// IsBackendError reports whether err carries a *BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
