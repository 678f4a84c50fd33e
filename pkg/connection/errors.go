package connection

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorCode identifies why a connection failed.
type ErrorCode int

const (
	// ErrCodeUnknown indicates an unknown or unclassified error.
	ErrCodeUnknown ErrorCode = iota

	// ErrCodeTransportLost indicates the transport failed and was not
	// replaced in time.
	ErrCodeTransportLost

	// ErrCodeHandshakeFailed indicates a new transport could not complete
	// the managed connection handshake.
	ErrCodeHandshakeFailed

	// ErrCodeReconnectFailed indicates every establishment attempt failed.
	ErrCodeReconnectFailed

	// ErrCodeProtocol indicates the remote peer violated the protocol.
	ErrCodeProtocol
)

// String returns a human-readable name for the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeUnknown:
		return "Unknown"
	case ErrCodeTransportLost:
		return "TransportLost"
	case ErrCodeHandshakeFailed:
		return "HandshakeFailed"
	case ErrCodeReconnectFailed:
		return "ReconnectFailed"
	case ErrCodeProtocol:
		return "Protocol"
	default:
		return fmt.Sprintf("ErrorCode(%d)", c)
	}
}

// Error is the error handed to Connection.OnError.
type Error struct {
	// Code identifies the type of error.
	Code ErrorCode

	// Message is a human-readable description of the error.
	Message string

	// ConnectionID is the managed connection that failed.
	ConnectionID uuid.UUID

	// Cause is the underlying error, if any.
	Cause error

	// Retriable indicates whether calling Reconnect may succeed.
	Retriable bool
}

// Error returns a human-readable error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection %s: %s: %v", e.ConnectionID, e.Message, e.Cause)
	}
	return fmt.Sprintf("connection %s: %s", e.ConnectionID, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newError(code ErrorCode, id uuid.UUID, msg string, cause error) *Error {
	return &Error{
		Code:         code,
		Message:      msg,
		ConnectionID: id,
		Cause:        cause,
		Retriable:    code != ErrCodeProtocol,
	}
}

// IsRetriable returns true if err is an *Error marked retriable.
func IsRetriable(err error) bool {
	var cErr *Error
	if errors.As(err, &cErr) {
		return cErr.Retriable
	}
	return false
}

// Sentinel errors.
var (
	// ErrHandshake wraps failures to complete the handshake on a new
	// transport. Establishers return it so failures are classified.
	ErrHandshake = errors.New("handshake failed")

	// ErrAlreadyConnected is returned when reconnecting a live connection.
	ErrAlreadyConnected = errors.New("connection already connected")

	// ErrConnectionClosed is returned when a closed connection is used.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrReconnectInProgress is returned when a reconnect sequence is
	// already running.
	ErrReconnectInProgress = errors.New("reconnect already in progress")
)
