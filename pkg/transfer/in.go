package transfer

import (
	"github.com/google/uuid"

	"github.com/blockberries/sendberry/pkg/logging"
)

// ReceptionMode selects how an InTransfer hands data to the application.
type ReceptionMode int

const (
	// ReceptionNone drops received data.
	ReceptionNone ReceptionMode = iota

	// ReceptionPartial streams every chunk to OnPartialData.
	ReceptionPartial

	// ReceptionComplete buffers the data and delivers it to OnCompleteData
	// when the transfer completes.
	ReceptionComplete
)

// String returns a string representation of the mode.
func (m ReceptionMode) String() string {
	switch m {
	case ReceptionPartial:
		return "partial"
	case ReceptionComplete:
		return "complete"
	default:
		return "none"
	}
}

// maxInitialBuffer caps the up-front allocation for buffered reception;
// the length comes from the remote peer.
const maxInitialBuffer = 1 << 20

// InTransfer is the receiving side of a transfer.
type InTransfer struct {
	base

	logger logging.Logger

	onPartialData  func(t *InTransfer, data []byte)
	onCompleteData func(t *InTransfer, data []byte)

	buffer []byte

	cancelRequested bool
}

func newInTransfer(id uuid.UUID, length uint64, logger logging.Logger) *InTransfer {
	t := &InTransfer{base: newBase(id, length), logger: logger}
	t.self = t
	t.cleanup = t.release
	return t
}

// OnPartialData streams each received chunk to fn. The slice must not be
// retained after fn returns.
func (t *InTransfer) OnPartialData(fn func(t *InTransfer, data []byte)) {
	if t.ended {
		return
	}
	t.onPartialData = fn
	t.warnIfBothModes()
}

// OnCompleteData delivers the whole transfer to fn once it completes.
func (t *InTransfer) OnCompleteData(fn func(t *InTransfer, data []byte)) {
	if t.ended {
		return
	}
	t.onCompleteData = fn
	t.warnIfBothModes()
}

func (t *InTransfer) warnIfBothModes() {
	if t.onPartialData != nil && t.onCompleteData != nil {
		t.logger.Warn("both partial and complete data handlers set, using partial",
			"transfer_id", t.id)
	}
}

// Mode returns the reception mode derived from the data handlers. Partial
// wins when both are set.
func (t *InTransfer) Mode() ReceptionMode {
	switch {
	case t.onPartialData != nil:
		return ReceptionPartial
	case t.onCompleteData != nil:
		return ReceptionComplete
	default:
		return ReceptionNone
	}
}

// CancelRequested reports whether the local side asked the sender to
// cancel this transfer.
func (t *InTransfer) CancelRequested() bool {
	return t.cancelRequested
}

// updateWithReceivedData hands data to the application according to the
// reception mode and advances progress. Data that would overflow the
// transfer is rejected before dispatch.
func (t *InTransfer) updateWithReceivedData(data []byte) error {
	if t.state.IsTerminal() {
		return ErrTransferFinished
	}
	if uint64(len(data)) > t.length-t.progress {
		return t.updateProgress(uint64(len(data)))
	}

	switch t.Mode() {
	case ReceptionPartial:
		t.onPartialData(t, data)
	case ReceptionComplete:
		if t.buffer == nil {
			t.buffer = make([]byte, 0, min(t.length, maxInitialBuffer))
		}
		t.buffer = append(t.buffer, data...)
	default:
		t.logger.Warn("no data handler set, dropping data",
			"transfer_id", t.id, "bytes", len(data))
	}

	return t.updateProgress(uint64(len(data)))
}

// confirmCompletion delivers buffered data before completing.
func (t *InTransfer) confirmCompletion() {
	if t.state.IsTerminal() {
		return
	}
	if t.Mode() == ReceptionComplete {
		data := t.buffer
		if data == nil {
			data = []byte{}
		}
		t.buffer = nil
		t.onCompleteData(t, data)
	}
	t.base.confirmCompletion()
}

func (t *InTransfer) release() {
	t.buffer = nil
	t.onPartialData = nil
	t.onCompleteData = nil
}
