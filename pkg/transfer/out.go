package transfer

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/blockberries/sendberry/pkg/packet"
)

// OutTransfer is the sending side of a transfer. Its data is produced on
// demand by a DataProvider.
type OutTransfer struct {
	base

	provider DataProvider

	// cursor is the next byte to send. It only moves backwards when a
	// receiver reports less data after a transport swap; progress keeps
	// the highest byte ever sent.
	cursor uint64

	// announce is set while a TransferStart, or a TransferReannounce after
	// a transport swap, must be written.
	announce bool
	// announced is set once the first TransferStart was written.
	announced bool

	acks int

	resumePending int
	resumeOffset  uint64
}

func newOutTransfer(id uuid.UUID, length uint64, provider DataProvider) *OutTransfer {
	t := &OutTransfer{base: newBase(id, length), provider: provider, announce: true}
	t.self = t
	return t
}

// Sent returns the offset of the next byte to be sent.
func (t *OutTransfer) Sent() uint64 {
	return t.cursor
}

// nextPacket produces the next data packet, at most maxLength bytes on the
// wire excluding framing.
func (t *OutTransfer) nextPacket(maxLength int) (packet.TransferData, error) {
	budget := maxLength - packet.DataHeaderOverhead
	if budget <= 0 {
		return packet.TransferData{}, fmt.Errorf("%w: %d bytes", packet.ErrPacketBudgetTooSmall, maxLength)
	}
	remaining := t.length - t.cursor
	if remaining == 0 {
		return packet.TransferData{}, ErrNoData
	}
	n := budget
	if remaining < uint64(n) {
		n = int(remaining)
	}

	data, err := t.provider(t.cursor, n)
	if err != nil {
		return packet.TransferData{}, fmt.Errorf("data provider at offset %d: %w", t.cursor, err)
	}
	if len(data) != n {
		return packet.TransferData{}, fmt.Errorf("%w: got %d, want %d", ErrShortProvider, len(data), n)
	}

	p := packet.TransferData{TransferID: t.id, Offset: t.cursor, Payload: data}
	t.cursor += uint64(n)
	if t.cursor > t.progress {
		if err := t.updateProgress(t.cursor - t.progress); err != nil {
			return packet.TransferData{}, err
		}
	}
	return p, nil
}

// sendable reports whether the scheduler has something to write for t.
func (t *OutTransfer) sendable() bool {
	if t.state.IsTerminal() {
		return false
	}
	if t.announce {
		return true
	}
	return t.resumePending == 0 && t.cursor < t.length
}

// allSent reports whether every byte went out and no resume is pending.
func (t *OutTransfer) allSent() bool {
	return t.resumePending == 0 && t.cursor == t.length
}

// beginResume prepares t to be re-announced on a new transport. Each of
// the destinations answers with the amount it holds.
func (t *OutTransfer) beginResume(destinations int) {
	if !t.announced || t.state.IsTerminal() {
		return
	}
	t.announce = true
	t.acks = 0
	t.resumePending = destinations
	t.resumeOffset = t.length
}

// resumeReply records one destination's answer. It returns true once all
// destinations answered.
func (t *OutTransfer) resumeReply(received uint64) bool {
	if received == t.length {
		t.acks++
	}
	if received < t.resumeOffset {
		t.resumeOffset = received
	}
	t.resumePending--
	if t.resumePending > 0 {
		return false
	}
	t.resumePending = 0
	t.cursor = t.resumeOffset
	return true
}
