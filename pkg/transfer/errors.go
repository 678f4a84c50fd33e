package transfer

import "errors"

var (
	// ErrProgressOverflow is returned when a progress update would move a
	// transfer past its length. The update is not applied.
	ErrProgressOverflow = errors.New("transfer progress exceeds length")

	// ErrTransferFinished is returned when a finished transfer is updated.
	ErrTransferFinished = errors.New("transfer already finished")

	// ErrNoData is returned by nextPacket when every byte was already sent.
	ErrNoData = errors.New("no data left to send")

	// ErrShortProvider is returned when a data provider returns fewer or
	// more bytes than requested.
	ErrShortProvider = errors.New("data provider returned wrong length")

	// ErrDataGap is returned when received data starts beyond the current
	// progress of an incoming transfer.
	ErrDataGap = errors.New("transfer data leaves a gap")
)
