package tcp

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/multiformats/go-varint"
)

// helloKind tells the listener what a freshly dialled stream is for.
type helloKind byte

const (
	helloProbe helloKind = iota + 1
	helloStream
)

const maxHelloSize = 1 + 16 + 255

var errBadHello = errors.New("tcp: malformed hello")

// hello is the first frame on every dialled stream: uvarint(len) || kind ||
// source id || name.
type hello struct {
	kind   helloKind
	source uuid.UUID
	name   string
}

func writeHello(w io.Writer, h hello) error {
	name := h.name
	if len(name) > 255 {
		name = name[:255]
	}
	body := make([]byte, 0, 1+16+len(name))
	body = append(body, byte(h.kind))
	body = append(body, h.source[:]...)
	body = append(body, name...)

	frame := append(varint.ToUvarint(uint64(len(body))), body...)
	_, err := w.Write(frame)
	return err
}

func readHello(r io.Reader) (hello, error) {
	n, err := varint.ReadUvarint(byteReader{r})
	if err != nil {
		return hello{}, fmt.Errorf("%w: %v", errBadHello, err)
	}
	if n < 17 || n > maxHelloSize {
		return hello{}, fmt.Errorf("%w: length %d", errBadHello, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return hello{}, fmt.Errorf("%w: %v", errBadHello, err)
	}

	h := hello{kind: helloKind(body[0]), name: string(body[17:])}
	copy(h.source[:], body[1:17])
	if h.kind != helloProbe && h.kind != helloStream {
		return hello{}, fmt.Errorf("%w: kind %d", errBadHello, body[0])
	}
	if h.source == uuid.Nil {
		return hello{}, fmt.Errorf("%w: nil source", errBadHello)
	}
	return h, nil
}

// byteReader reads one byte at a time so the stream is never consumed
// past the hello.
type byteReader struct{ r io.Reader }

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
