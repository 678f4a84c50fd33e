// Package connection implements managed connections: the application
// facing Connection and the reliability policy that keeps its transport
// alive across failures.
package connection

import "fmt"

// ConnectionState represents the transport state of a managed connection.
type ConnectionState int

const (
	// StateDisconnected indicates no transport and no recovery in progress.
	StateDisconnected ConnectionState = iota

	// StateConnecting indicates the first transport is being established.
	StateConnecting

	// StateConnected indicates a transport is attached.
	StateConnected

	// StateReconnecting indicates the transport was lost and a replacement
	// is being established or awaited.
	StateReconnecting

	// StateClosing indicates a graceful close is flushing.
	StateClosing

	// StateClosed indicates the connection was closed for good.
	StateClosed
)

// String returns a human-readable representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal returns true if no further transitions can occur.
func (s ConnectionState) IsTerminal() bool {
	return s == StateClosed
}

// IsActive returns true while a transport is attached or being set up.
func (s ConnectionState) IsActive() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}

var validTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting, StateReconnecting, StateConnected, StateClosing, StateClosed},
	StateConnecting:   {StateConnected, StateDisconnected, StateClosing, StateClosed},
	StateConnected:    {StateReconnecting, StateConnected, StateClosing, StateClosed},
	StateReconnecting: {StateConnected, StateDisconnected, StateClosing, StateClosed},
	StateClosing:      {StateClosed},
	StateClosed:       {},
}

// CanTransitionTo checks if a transition from the current state to
// the target state is valid.
func (s ConnectionState) CanTransitionTo(target ConnectionState) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error if the transition is invalid.
func (s ConnectionState) ValidateTransition(target ConnectionState) error {
	if !s.CanTransitionTo(target) {
		return fmt.Errorf("invalid state transition: %s -> %s", s, target)
	}
	return nil
}
