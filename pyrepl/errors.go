package pyrepl

import "fmt"

// ChannelError is the base error type for interpreter channel failures.
type ChannelError struct {
	Message string
	Cause   error
}

func (e *ChannelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ChannelError) Unwrap() error {
	return e.Cause
}

// StartError means the subprocess failed to signal readiness. Fatal: the
// run cannot proceed without an interpreter.
type StartError struct{ ChannelError }

// ClosedError means the subprocess died or was shut down while a request
// was outstanding. The in-flight call fails; callers may surface it as an
// execution error and continue.
type ClosedError struct{ ChannelError }

// TimeoutError means no reply arrived within the deadline. Distinct from
// cancellation: it indicates a stuck subprocess, which the channel does not
// restart on its own.
type TimeoutError struct{ ChannelError }

func newStartError(msg string, cause error) *StartError {
	return &StartError{ChannelError{Message: msg, Cause: cause}}
}

func newClosedError(msg string) *ClosedError {
	return &ClosedError{ChannelError{Message: msg}}
}

func newTimeoutError(msg string) *TimeoutError {
	return &TimeoutError{ChannelError{Message: msg}}
}
