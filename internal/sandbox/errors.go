package sandbox

import (
	"errors"
	"fmt"
)

// Kind classifies why an execution did not succeed.
type Kind string

const (
	// KindValidation means the input was rejected before any handler ran.
	KindValidation Kind = "ValidationError"
	// KindHandler means the handler threw, rejected or crashed.
	KindHandler Kind = "HandlerError"
	// KindTimeout means the wall-clock limit fired before the handler finished.
	KindTimeout Kind = "TimeoutError"
	// KindSetup means the platform could not build an execution context.
	KindSetup Kind = "SandboxSetupError"
)

// Error is a classified execution failure.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SetupError wraps err as a SandboxSetupError.
func SetupError(err error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return &Error{Kind: KindSetup, Message: msg, Err: err}
}

// HandlerError reports a failure inside user code.
func HandlerError(format string, args ...any) *Error {
	return &Error{Kind: KindHandler, Message: fmt.Sprintf(format, args...)}
}

// IsSetupError reports whether err is a SandboxSetupError.
func IsSetupError(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindSetup
}
