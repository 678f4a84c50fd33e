package sendberry

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/blockberries/sendberry/pkg/connection"
)

// ErrorCode identifies the type of error for programmatic handling.
type ErrorCode int

const (
	// ErrCodeUnknown indicates an unknown or unclassified error.
	ErrCodeUnknown ErrorCode = iota

	// ErrCodeInvalidConfig indicates the configuration is invalid.
	ErrCodeInvalidConfig

	// ErrCodeNotStarted indicates the local peer is not running.
	ErrCodeNotStarted

	// ErrCodeAlreadyStarted indicates the local peer is already running.
	ErrCodeAlreadyStarted

	// ErrCodeInvalidDestinations indicates a connect request with no or
	// unusable destinations.
	ErrCodeInvalidDestinations

	// ErrCodeHandshakeFailed indicates an incoming transport did not start
	// with a valid handshake.
	ErrCodeHandshakeFailed

	// ErrCodeHandshakeTimeout indicates the handshake did not arrive in time.
	ErrCodeHandshakeTimeout

	// ErrCodeVersionMismatch indicates incompatible protocol versions.
	ErrCodeVersionMismatch

	// ErrCodeRouterFailed indicates the router could not be started or
	// stopped.
	ErrCodeRouterFailed
)

// String returns a human-readable name for the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeUnknown:
		return "Unknown"
	case ErrCodeInvalidConfig:
		return "InvalidConfig"
	case ErrCodeNotStarted:
		return "NotStarted"
	case ErrCodeAlreadyStarted:
		return "AlreadyStarted"
	case ErrCodeInvalidDestinations:
		return "InvalidDestinations"
	case ErrCodeHandshakeFailed:
		return "HandshakeFailed"
	case ErrCodeHandshakeTimeout:
		return "HandshakeTimeout"
	case ErrCodeVersionMismatch:
		return "VersionMismatch"
	case ErrCodeRouterFailed:
		return "RouterFailed"
	default:
		return fmt.Sprintf("ErrorCode(%d)", c)
	}
}

// Error is a sendberry error with context for programmatic handling.
type Error struct {
	// Code identifies the type of error.
	Code ErrorCode

	// Message is a human-readable description of the error.
	Message string

	// PeerID is the remote peer associated with the error, if any.
	PeerID uuid.UUID

	// ConnectionID is the managed connection associated with the error,
	// if any.
	ConnectionID uuid.UUID

	// Cause is the underlying error, if any.
	Cause error

	// Retriable indicates whether the operation can be retried.
	Retriable bool
}

// Error returns a human-readable error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sendberry: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("sendberry: %s", e.Message)
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

// IsRetriable returns true if err is a sendberry or connection error
// marked retriable.
func IsRetriable(err error) bool {
	var sErr *Error
	if errors.As(err, &sErr) {
		return sErr.Retriable
	}
	return connection.IsRetriable(err)
}

// IsPermanent returns true if err cannot be fixed by retrying.
func IsPermanent(err error) bool {
	var sErr *Error
	if errors.As(err, &sErr) {
		switch sErr.Code {
		case ErrCodeInvalidConfig, ErrCodeVersionMismatch, ErrCodeInvalidDestinations:
			return true
		}
	}
	var cErr *ConnectionError
	if errors.As(err, &cErr) {
		return cErr.Code == connection.ErrCodeProtocol
	}
	return false
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithCause creates an Error with the given code, message and cause.
func NewErrorWithCause(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// NewPeerError creates an Error associated with a remote peer.
func NewPeerError(code ErrorCode, message string, peerID uuid.UUID, cause error) *Error {
	return &Error{Code: code, Message: message, PeerID: peerID, Cause: cause}
}

// Sentinel errors for configuration.
var (
	// ErrInvalidConfig indicates the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrMissingRouter indicates no router was provided.
	ErrMissingRouter = fmt.Errorf("%w: router is required", ErrInvalidConfig)
)

// Sentinel errors for local peer operations.
var (
	// ErrNotStarted indicates the local peer has not been started.
	ErrNotStarted = errors.New("local peer not started")

	// ErrAlreadyStarted indicates the local peer is already running.
	ErrAlreadyStarted = errors.New("local peer already started")

	// ErrStopped indicates the local peer has been stopped and cannot be
	// restarted.
	ErrStopped = errors.New("local peer stopped")

	// ErrNoDestinations indicates Connect was called without peers.
	ErrNoDestinations = errors.New("no destinations")

	// ErrDuplicateDestination indicates a peer was listed twice.
	ErrDuplicateDestination = errors.New("duplicate destination")

	// ErrSelfDestination indicates the local peer was listed as a
	// destination.
	ErrSelfDestination = errors.New("cannot connect to self")

	// ErrMetadataTooLarge indicates peer metadata exceeds the size limit.
	ErrMetadataTooLarge = errors.New("metadata too large")
)

// Sentinel errors for the connection handshake.
var (
	// ErrHandshakeTimeout indicates no handshake arrived in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrUnexpectedPacket indicates an incoming transport started with a
	// packet other than the handshake.
	ErrUnexpectedPacket = errors.New("unexpected packet before handshake")

	// ErrVersionMismatch indicates incompatible protocol versions.
	ErrVersionMismatch = errors.New("incompatible protocol version")

	// ErrUnknownConnection indicates a handshake for a connection this
	// peer established itself.
	ErrUnknownConnection = errors.New("handshake for a locally established connection")
)
