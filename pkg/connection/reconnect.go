package connection

import (
	"context"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
)

// ReconnectState tracks one reconnect sequence of a managed connection.
type ReconnectState struct {
	// Attempts is the number of establishment attempts made.
	Attempts int

	// NextAttempt is the time of the next attempt.
	NextAttempt time.Time

	// CurrentDelay is the current backoff delay.
	CurrentDelay time.Duration

	// LastErr is the error of the most recent failed attempt.
	LastErr error

	// Cancel aborts the attempt in flight.
	Cancel context.CancelFunc

	timer *clock.Timer
}

// NewReconnectState creates a new reconnection state.
func NewReconnectState() *ReconnectState {
	return &ReconnectState{}
}

// Stop cancels the pending timer and the attempt in flight.
func (rs *ReconnectState) Stop() {
	if rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}
	if rs.Cancel != nil {
		rs.Cancel()
		rs.Cancel = nil
	}
}

// BackoffCalculator calculates the next backoff delay with exponential backoff.
type BackoffCalculator struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NewBackoffCalculator creates a new backoff calculator.
func NewBackoffCalculator(baseDelay, maxDelay time.Duration) *BackoffCalculator {
	return &BackoffCalculator{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
	}
}

// NextDelay calculates the next backoff delay for the given attempt number.
// It uses exponential backoff with jitter to prevent thundering herd.
func (bc *BackoffCalculator) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := bc.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= bc.MaxDelay {
			delay = bc.MaxDelay
			break
		}
	}
	if delay > bc.MaxDelay {
		delay = bc.MaxDelay
	}

	// ±10% so that peers losing a shared route do not retry in lockstep
	jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
	delay += jitter

	if delay < 0 {
		delay = bc.BaseDelay
	}
	return delay
}

// ScheduleNext computes the delay before the next attempt and counts it.
func (bc *BackoffCalculator) ScheduleNext(rs *ReconnectState, now time.Time) {
	rs.CurrentDelay = bc.NextDelay(rs.Attempts - 1)
	rs.NextAttempt = now.Add(rs.CurrentDelay)
}

// ShouldRetry determines if reconnection should be attempted based on
// the maximum attempt limit. Returns true if more attempts should be made.
func ShouldRetry(attempts, maxAttempts int) bool {
	// maxAttempts == 0 means unlimited retries
	if maxAttempts == 0 {
		return true
	}
	return attempts < maxAttempts
}
