package domain

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ValidationError rejects malformed input before any side effect.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NotFoundError is returned when a referenced entity does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

// ConflictError is returned when a session already has a running run.
type ConflictError struct {
	SessionID string
	RunID     string
}

func (e *ConflictError) Error() string {
	if e.RunID == "" {
		return fmt.Sprintf("session %s already has a running turn", e.SessionID)
	}
	return fmt.Sprintf("session %s already has a running turn (run %s)", e.SessionID, e.RunID)
}

// UnavailableError: the tool server cannot be reached at all.
type UnavailableError struct {
	Server string
	Cause  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("tool server %s unavailable: %v", e.Server, e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// ProtocolError: the peer answered with something we cannot interpret.
type ProtocolError struct {
	Server  string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from %s: %s", e.Server, e.Message)
}

// TransportError: the connection broke while a call was in flight.
type TransportError struct {
	Server string
	Cause  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error talking to %s: %v", e.Server, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// TimeoutError: a call exceeded its deadline.
type TimeoutError struct {
	Op      string
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// RemoteError carries a non-2xx HTTP answer.
type RemoteError struct {
	Server string
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Server, e.Status, e.Body)
}

// RunFailedError surfaces a run that ended in failed status.
type RunFailedError struct {
	RunID string
	Cause error
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("run %s failed: %v", e.RunID, e.Cause)
}

func (e *RunFailedError) Unwrap() error { return e.Cause }

// RunCancelledError surfaces a run that was cancelled before it settled.
type RunCancelledError struct {
	RunID string
}

func (e *RunCancelledError) Error() string {
	return fmt.Sprintf("run %s cancelled", e.RunID)
}

// Error kinds recorded on tool results.
const (
	ErrorKindValidation  = "validation"
	ErrorKindNotFound    = "not_found"
	ErrorKindBlocked     = "blocked"
	ErrorKindUnavailable = "unavailable"
	ErrorKindProtocol    = "protocol"
	ErrorKindTransport   = "transport"
	ErrorKindTimeout     = "timeout"
	ErrorKindRemote      = "remote"
	ErrorKindTool        = "tool"
	ErrorKindCancelled   = "cancelled"
	ErrorKindInternal    = "internal"
)

// ErrorKind classifies err for trace payloads.
func ErrorKind(err error) string {
	var (
		validation  *ValidationError
		notFound    *NotFoundError
		unavailable *UnavailableError
		protocol    *ProtocolError
		transport   *TransportError
		timeout     *TimeoutError
		remote      *RemoteError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.As(err, &validation):
		return ErrorKindValidation
	case errors.As(err, &notFound):
		return ErrorKindNotFound
	case errors.As(err, &unavailable):
		return ErrorKindUnavailable
	case errors.As(err, &protocol):
		return ErrorKindProtocol
	case errors.As(err, &transport):
		return ErrorKindTransport
	case errors.As(err, &timeout):
		return ErrorKindTimeout
	case errors.As(err, &remote):
		return ErrorKindRemote
	}
	return ErrorKindInternal
}
