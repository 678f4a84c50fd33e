package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/multiformats/go-varint"

	"github.com/blockberries/sendberry/internal/pool"
)

// MaxFrameSize is the default upper bound on a single frame body.
const MaxFrameSize = 1 << 20

var (
	// ErrMalformedPacket is returned when a frame body cannot be decoded.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrFrameTooLarge is returned when a frame exceeds the size limit.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrPacketBudgetTooSmall is returned when a data packet budget cannot
	// hold the header and at least one payload byte.
	ErrPacketBudgetTooSmall = errors.New("packet budget too small")
)

func appendUint64(b []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(b, v)
}

// Size returns the encoded body size of p, including the type byte.
func Size(p Packet) int {
	return typeSize + p.bodyLen()
}

// Append appends the body encoding of p (type byte and payload) to b.
func Append(b []byte, p Packet) []byte {
	b = append(b, byte(p.Type()))
	return p.appendBody(b)
}

// Marshal returns the body encoding of p.
func Marshal(p Packet) []byte {
	return Append(make([]byte, 0, Size(p)), p)
}

// Unmarshal decodes a frame body. Payloads of TransferData alias body.
func Unmarshal(body []byte) (Packet, error) {
	if len(body) < typeSize {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPacket)
	}
	t := Type(body[0])
	rest := body[typeSize:]

	switch t {
	case TypeHandshake:
		if len(rest) != idSize+3 {
			return nil, malformed(t, len(rest))
		}
		return Handshake{
			ConnectionID: readID(rest),
			Version:      Version{Major: rest[idSize], Minor: rest[idSize+1], Patch: rest[idSize+2]},
		}, nil

	case TypeClose:
		if len(rest) != 0 {
			return nil, malformed(t, len(rest))
		}
		return Close{}, nil

	case TypeTransferStart:
		if len(rest) != idSize+offsetSize {
			return nil, malformed(t, len(rest))
		}
		return TransferStart{TransferID: readID(rest), Length: binary.BigEndian.Uint64(rest[idSize:])}, nil

	case TypeTransferData:
		if len(rest) < idSize+offsetSize {
			return nil, malformed(t, len(rest))
		}
		return TransferData{
			TransferID: readID(rest),
			Offset:     binary.BigEndian.Uint64(rest[idSize:]),
			Payload:    rest[idSize+offsetSize:],
		}, nil

	case TypeTransferCancelRequest:
		if len(rest) != idSize {
			return nil, malformed(t, len(rest))
		}
		return TransferCancelRequest{TransferID: readID(rest)}, nil

	case TypeTransferCancelled:
		if len(rest) != idSize {
			return nil, malformed(t, len(rest))
		}
		return TransferCancelled{TransferID: readID(rest)}, nil

	case TypeTransferAck:
		if len(rest) != idSize+offsetSize {
			return nil, malformed(t, len(rest))
		}
		return TransferAck{TransferID: readID(rest), Received: binary.BigEndian.Uint64(rest[idSize:])}, nil

	case TypeTransferResume:
		if len(rest) != idSize+offsetSize {
			return nil, malformed(t, len(rest))
		}
		return TransferResume{TransferID: readID(rest), Received: binary.BigEndian.Uint64(rest[idSize:])}, nil

	case TypeTransferReannounce:
		if len(rest) != idSize+offsetSize {
			return nil, malformed(t, len(rest))
		}
		return TransferReannounce{TransferID: readID(rest), Length: binary.BigEndian.Uint64(rest[idSize:])}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %s", ErrMalformedPacket, t)
	}
}

func readID(b []byte) uuid.UUID {
	var id uuid.UUID
	copy(id[:], b[:idSize])
	return id
}

func malformed(t Type, n int) error {
	return fmt.Errorf("%w: %s with %d payload bytes", ErrMalformedPacket, t, n)
}

// AppendFrame appends the length-prefixed frame of p to b.
func AppendFrame(b []byte, p Packet) []byte {
	b = append(b, varint.ToUvarint(uint64(Size(p)))...)
	return Append(b, p)
}

// FrameSize returns the number of bytes the frame of p occupies on the wire.
func FrameSize(p Packet) int {
	n := Size(p)
	return varint.UvarintSize(uint64(n)) + n
}

// WritePacket writes p as a single frame to w.
func WritePacket(w io.Writer, p Packet) error {
	buf := pool.GetBuffer(FrameSize(p))
	defer pool.PutBuffer(buf)

	*buf = AppendFrame(*buf, p)
	_, err := w.Write(*buf)
	return err
}

// ReadPacket reads exactly one frame from r without reading past it, so
// the caller can hand r to a different reader afterwards.
func ReadPacket(r io.Reader, maxFrameSize int) (Packet, error) {
	var br io.ByteReader
	if b, ok := r.(io.ByteReader); ok {
		br = b
	} else {
		br = &singleByteReader{r: r}
	}
	n, err := readLength(br, maxFrameSize)
	if err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, unexpectedEOF(err)
	}
	return Unmarshal(body)
}

func readLength(br io.ByteReader, maxFrameSize int) (int, error) {
	if maxFrameSize <= 0 {
		maxFrameSize = MaxFrameSize
	}
	n, err := varint.ReadUvarint(br)
	if err != nil {
		if errors.Is(err, varint.ErrOverflow) || errors.Is(err, varint.ErrNotMinimal) {
			return 0, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: empty frame", ErrMalformedPacket)
	}
	if n > uint64(maxFrameSize) {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxFrameSize)
	}
	return int(n), nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

type singleByteReader struct {
	r   io.Reader
	buf [1]byte
}

func (s *singleByteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(s.r, s.buf[:]); err != nil {
		return 0, err
	}
	return s.buf[0], nil
}
