package sendberry

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/blockberries/sendberry/pkg/connection"
)

func TestErrorsAreSentinels(t *testing.T) {
	allErrors := []error{
		ErrInvalidConfig,
		ErrNotStarted,
		ErrAlreadyStarted,
		ErrStopped,
		ErrNoDestinations,
		ErrDuplicateDestination,
		ErrSelfDestination,
		ErrMetadataTooLarge,
		ErrHandshakeTimeout,
		ErrUnexpectedPacket,
		ErrVersionMismatch,
		ErrUnknownConnection,
	}

	for i, err1 := range allErrors {
		if !errors.Is(err1, err1) {
			t.Errorf("error %v should match itself with errors.Is", err1)
		}
		for j, err2 := range allErrors {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("error %v should not match %v", err1, err2)
			}
		}
	}

	if !errors.Is(ErrMissingRouter, ErrInvalidConfig) {
		t.Error("ErrMissingRouter should wrap ErrInvalidConfig")
	}
}

func TestError_Message(t *testing.T) {
	err := NewError(ErrCodeNotStarted, "not running")
	if got := err.Error(); got != "sendberry: not running" {
		t.Errorf("Error() = %q", got)
	}

	cause := errors.New("boom")
	err = NewErrorWithCause(ErrCodeRouterFailed, "start router", cause)
	if got := err.Error(); got != "sendberry: start router: boom" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("error should unwrap to its cause")
	}
}

func TestError_IsMatchesCode(t *testing.T) {
	peerID := uuid.New()
	err := fmt.Errorf("wrapped: %w",
		NewPeerError(ErrCodeVersionMismatch, "rejected", peerID, ErrVersionMismatch))

	if !errors.Is(err, &Error{Code: ErrCodeVersionMismatch}) {
		t.Error("errors.Is should match on code")
	}
	if errors.Is(err, &Error{Code: ErrCodeHandshakeTimeout}) {
		t.Error("errors.Is should not match a different code")
	}

	var sErr *Error
	if !errors.As(err, &sErr) || sErr.PeerID != peerID {
		t.Errorf("errors.As = %v", sErr)
	}
}

func TestIsRetriableAndPermanent(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retriable bool
		permanent bool
	}{
		{"plain", errors.New("x"), false, false},
		{"retriable", &Error{Code: ErrCodeRouterFailed, Retriable: true}, true, false},
		{"invalid config", &Error{Code: ErrCodeInvalidConfig}, false, true},
		{"version mismatch", &Error{Code: ErrCodeVersionMismatch}, false, true},
		{"connection lost", &ConnectionError{Code: connection.ErrCodeTransportLost, Retriable: true}, true, false},
		{"protocol violation", &ConnectionError{Code: connection.ErrCodeProtocol}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetriable(tt.err); got != tt.retriable {
				t.Errorf("IsRetriable() = %v, want %v", got, tt.retriable)
			}
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.permanent)
			}
		})
	}
}

func TestErrorCode_String(t *testing.T) {
	if got := ErrCodeHandshakeTimeout.String(); got != "HandshakeTimeout" {
		t.Errorf("String() = %q", got)
	}
	if got := ErrorCode(99).String(); got != "ErrorCode(99)" {
		t.Errorf("String() = %q", got)
	}
}
