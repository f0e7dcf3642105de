package broadcast

import (
	"context"
	"errors"
	"fmt"
)

// ValidationError reports a missing precondition. Nothing was sent and nothing changed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// TransportError is a network or HTTP failure talking to the broadcaster API.
// StatusCode is zero when no response was received.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	msg := e.Op
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is likely transient: no response at all, a 5xx or a 429.
func (e *TransportError) Retryable() bool {
	if e.StatusCode == 0 {
		return !errors.Is(e.Err, context.Canceled)
	}
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// IsRetryable reports whether err wraps a retryable TransportError.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable()
}

// RemoteJobError means the broadcaster reported the job as failed.
type RemoteJobError struct {
	StreamID string
	Message  string
}

func (e *RemoteJobError) Error() string {
	return fmt.Sprintf("stream %s failed: %s", e.StreamID, e.Message)
}

// TimeoutError means the job never reached running within the poll budget.
type TimeoutError struct {
	StreamID string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stream %s not running after %d attempts", e.StreamID, e.Attempts)
}

// Error classes, also used as metric labels.
const (
	ClassValidation = "validation"
	ClassTransport  = "transport"
	ClassRemote     = "remote"
	ClassTimeout    = "timeout"
	ClassUnknown    = "unknown"
)

// Classify maps err onto one of the Class constants.
func Classify(err error) string {
	var (
		ve *ValidationError
		te *TransportError
		re *RemoteJobError
		to *TimeoutError
	)
	switch {
	case err == nil:
		return ClassUnknown
	case errors.As(err, &ve):
		return ClassValidation
	case errors.As(err, &te):
		return ClassTransport
	case errors.As(err, &re):
		return ClassRemote
	case errors.As(err, &to):
		return ClassTimeout
	default:
		return ClassUnknown
	}
}
