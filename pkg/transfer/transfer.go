// Package transfer implements length-bounded, resumable data transfers
// multiplexed over a single packet connection.
//
// All types in this package are confined to the executor of the owning
// peer: they are not safe for concurrent use and every callback runs on
// that executor.
package transfer

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/blockberries/sendberry/internal/telemetry"
)

// State is the lifecycle state of a transfer.
type State int

const (
	// StateNotStarted means the transfer was created but not announced.
	StateNotStarted State = iota

	// StateStarted means data is flowing.
	StateStarted

	// StateInterrupted means the underlying transport was lost and the
	// transfer waits for a replacement to resume.
	StateInterrupted

	// StateCompleted means every byte was transferred.
	StateCompleted

	// StateCancelled means the transfer was cancelled by either side.
	StateCancelled
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarted:
		return "started"
	case StateInterrupted:
		return "interrupted"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// IsTerminal returns true for Completed and Cancelled.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Transfer is the state shared by incoming and outgoing transfers.
type Transfer interface {
	// ID returns the transfer identifier, shared by both sides.
	ID() uuid.UUID

	// Length returns the total number of bytes of the transfer.
	Length() uint64

	// Progress returns the number of bytes transferred so far.
	Progress() uint64

	// State returns the current lifecycle state.
	State() State

	IsStarted() bool
	IsInterrupted() bool
	IsCompleted() bool
	IsCancelled() bool

	// IsEnded reports whether the transfer reached a terminal state and
	// released its callbacks.
	IsEnded() bool

	// OnStart sets the callback fired when the transfer starts. It fires
	// immediately if the transfer already started.
	OnStart(fn func(Transfer))

	// OnProgress sets the callback fired after progress changes.
	OnProgress(fn func(Transfer))

	// OnComplete sets the callback fired on completion. It fires
	// immediately if the transfer already completed.
	OnComplete(fn func(Transfer))

	// OnCancel sets the callback fired on cancellation. It fires
	// immediately if the transfer was already cancelled.
	OnCancel(fn func(Transfer))

	// OnEnd sets the callback fired after completion or cancellation. It
	// fires immediately if the transfer already ended.
	OnEnd(fn func(Transfer))

	// Cancel requests cancellation. Cancellation is cooperative: data or a
	// completion may still arrive before it is honored.
	Cancel()
}

// base implements Transfer. Subtypes set self so callbacks receive the
// outer value.
type base struct {
	self   Transfer
	id     uuid.UUID
	length uint64

	progress uint64
	state    State
	ended    bool

	onStart    func(Transfer)
	onProgress func(Transfer)
	onComplete func(Transfer)
	onCancel   func(Transfer)
	onEnd      func(Transfer)

	// cancel forwards Cancel to the owning manager.
	cancel func()
	// cleanup runs before the callbacks are cleared at the end.
	cleanup func()

	span telemetry.Span
}

func newBase(id uuid.UUID, length uint64) base {
	return base{id: id, length: length, state: StateNotStarted}
}

func (b *base) ID() uuid.UUID { return b.id }
func (b *base) Length() uint64 { return b.length }
func (b *base) Progress() uint64 { return b.progress }
func (b *base) State() State { return b.state }
func (b *base) IsEnded() bool { return b.ended }
func (b *base) IsCompleted() bool { return b.state == StateCompleted }
func (b *base) IsCancelled() bool { return b.state == StateCancelled }
func (b *base) IsInterrupted() bool { return b.state == StateInterrupted }

// IsStarted reports whether the transfer was ever started.
func (b *base) IsStarted() bool {
	return b.state != StateNotStarted
}

func (b *base) OnStart(fn func(Transfer)) {
	b.subscribe(&b.onStart, fn, b.state != StateNotStarted)
}

func (b *base) OnProgress(fn func(Transfer)) {
	b.subscribe(&b.onProgress, fn, false)
}

func (b *base) OnComplete(fn func(Transfer)) {
	b.subscribe(&b.onComplete, fn, b.state == StateCompleted)
}

func (b *base) OnCancel(fn func(Transfer)) {
	b.subscribe(&b.onCancel, fn, b.state == StateCancelled)
}

func (b *base) OnEnd(fn func(Transfer)) {
	b.subscribe(&b.onEnd, fn, b.ended)
}

// subscribe stores fn unless the transfer ended, and fires it right away
// when the event it waits for already happened.
func (b *base) subscribe(slot *func(Transfer), fn func(Transfer), reached bool) {
	if !b.ended {
		*slot = fn
	}
	if reached && fn != nil {
		fn(b.self)
	}
}

func (b *base) Cancel() {
	if b.cancel != nil && !b.state.IsTerminal() {
		b.cancel()
	}
}

// confirmStart moves the transfer to Started and fires OnStart. Calls on a
// transfer that already started are ignored.
func (b *base) confirmStart() {
	if b.state != StateNotStarted {
		return
	}
	b.state = StateStarted
	if b.onStart != nil {
		b.onStart(b.self)
	}
}

// updateProgress adds n bytes to the progress. It never moves progress
// past the length.
func (b *base) updateProgress(n uint64) error {
	if b.state.IsTerminal() {
		return ErrTransferFinished
	}
	if n > b.length-b.progress {
		return fmt.Errorf("%w: %d + %d > %d", ErrProgressOverflow, b.progress, n, b.length)
	}
	b.progress += n
	return nil
}

func (b *base) confirmProgress() {
	if b.state.IsTerminal() {
		return
	}
	if b.onProgress != nil {
		b.onProgress(b.self)
	}
}

func (b *base) markInterrupted() {
	if b.state == StateStarted {
		b.state = StateInterrupted
	}
}

func (b *base) markResumed() {
	if b.state == StateInterrupted {
		b.state = StateStarted
	}
}

func (b *base) confirmCancel() {
	if b.state.IsTerminal() {
		return
	}
	b.state = StateCancelled
	if b.onCancel != nil {
		b.onCancel(b.self)
	}
	b.confirmEnd()
}

func (b *base) confirmCompletion() {
	if b.state.IsTerminal() {
		return
	}
	b.state = StateCompleted
	if b.onComplete != nil {
		b.onComplete(b.self)
	}
	b.confirmEnd()
}

func (b *base) confirmEnd() {
	if b.ended {
		return
	}
	if b.cleanup != nil {
		b.cleanup()
	}
	b.ended = true
	onEnd := b.onEnd
	b.onStart, b.onProgress, b.onComplete, b.onCancel, b.onEnd = nil, nil, nil, nil, nil
	b.cancel = nil
	if onEnd != nil {
		onEnd(b.self)
	}
}
