package packet

import (
	"bufio"
	"io"
)

// Reader decodes a stream of frames. It buffers reads, so it must be the
// only consumer of the underlying reader once created.
type Reader struct {
	br           *bufio.Reader
	maxFrameSize int
}

// NewReader returns a Reader that rejects frames larger than maxFrameSize.
// A non-positive maxFrameSize selects MaxFrameSize.
func NewReader(r io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = MaxFrameSize
	}
	return &Reader{br: bufio.NewReader(r), maxFrameSize: maxFrameSize}
}

// ReadPacket reads and decodes the next frame. The returned packet does not
// alias any internal buffer.
func (r *Reader) ReadPacket() (Packet, error) {
	n, err := readLength(r.br, r.maxFrameSize)
	if err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r.br, body); err != nil {
		return nil, unexpectedEOF(err)
	}
	return Unmarshal(body)
}
