// Package flow provides the send window that paces data packets onto an
// underlying connection.
package flow

import (
	"sync"
)

// Default window values, in packets.
const (
	DefaultHighWatermark = 16
	DefaultLowWatermark  = 4
)

// Controller implements a packet window using high and low watermarks.
// Once the pending count reaches the high watermark the window closes, and
// it reopens only when the pending count drains to the low watermark. The
// hysteresis keeps the transfer scheduler from waking for every single
// written packet.
// All methods are safe for concurrent use.
type Controller struct {
	mu            sync.Mutex
	highWatermark int
	lowWatermark  int
	pending       int
	blocked       bool
	closed        bool

	// Metrics callback (optional)
	onBlocked func()
}

// NewController creates a new flow controller with the given watermarks.
// If high <= 0, DefaultHighWatermark is used.
// If low <= 0, DefaultLowWatermark is used.
// If low >= high, low is set to high/4 (minimum 1).
func NewController(high, low int) *Controller {
	if high <= 0 {
		high = DefaultHighWatermark
	}
	if low <= 0 {
		low = DefaultLowWatermark
	}
	if low >= high {
		low = max(high/4, 1)
	}

	return &Controller{
		highWatermark: high,
		lowWatermark:  low,
	}
}

// SetBlockedCallback sets a callback that is called when the window closes.
func (fc *Controller) SetBlockedCallback(fn func()) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.onBlocked = fn
}

// TryAcquire takes one slot in the window. It returns false, without
// taking a slot, when the window is closed.
func (fc *Controller) TryAcquire() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.closed || fc.blocked {
		return false
	}

	fc.pending++
	if fc.pending >= fc.highWatermark {
		fc.blocked = true
		if fc.onBlocked != nil {
			fc.onBlocked()
		}
	}
	return true
}

// Release frees one slot. It reports whether the window reopened as a
// result of this call.
func (fc *Controller) Release() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.pending > 0 {
		fc.pending--
	}

	if fc.blocked && fc.pending <= fc.lowWatermark {
		fc.blocked = false
		return !fc.closed
	}
	return false
}

// Reset drops all pending slots and reopens the window. Used when the
// packets counted against the window were discarded.
func (fc *Controller) Reset() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.pending = 0
	fc.blocked = false
}

// Pending returns the current number of slots in use.
func (fc *Controller) Pending() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.pending
}

// IsBlocked returns true if the window is closed to new packets.
func (fc *Controller) IsBlocked() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.blocked || fc.closed
}

// Watermarks returns the configured high and low watermarks.
func (fc *Controller) Watermarks() (high, low int) {
	return fc.highWatermark, fc.lowWatermark
}

// Close permanently closes the window.
func (fc *Controller) Close() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.closed = true
}
