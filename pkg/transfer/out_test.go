package transfer

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/google/uuid"

	"github.com/blockberries/sendberry/pkg/packet"
)

func TestOutTransfer_ChunksCoverWholeRange(t *testing.T) {
	data := make([]byte, 1000)
	rand.New(rand.NewSource(1)).Read(data)

	for _, maxLength := range []int{packet.DataHeaderOverhead + 1, packet.DataHeaderOverhead + 64, 4096} {
		var requested [][2]uint64
		provider := func(offset uint64, n int) ([]byte, error) {
			requested = append(requested, [2]uint64{offset, offset + uint64(n)})
			return BytesProvider(data)(offset, n)
		}
		tr := newOutTransfer(uuid.New(), uint64(len(data)), provider)

		var got []byte
		for tr.Progress() < tr.Length() {
			p, err := tr.nextPacket(maxLength)
			if err != nil {
				t.Fatalf("nextPacket(%d): %v", maxLength, err)
			}
			if packet.Size(p) > maxLength {
				t.Fatalf("packet size %d exceeds budget %d", packet.Size(p), maxLength)
			}
			if p.Offset != uint64(len(got)) {
				t.Fatalf("offset = %d, want %d", p.Offset, len(got))
			}
			got = append(got, p.Payload...)
		}

		if !bytes.Equal(got, data) {
			t.Fatalf("maxLength %d: concatenated chunks differ from source", maxLength)
		}
		for _, r := range requested {
			if r[0] >= r[1] || r[1] > uint64(len(data)) {
				t.Fatalf("provider called with range [%d, %d)", r[0], r[1])
			}
		}
		if _, err := tr.nextPacket(maxLength); !errors.Is(err, ErrNoData) {
			t.Fatalf("nextPacket after end err = %v, want ErrNoData", err)
		}
	}
}

func TestOutTransfer_RejectsTinyBudget(t *testing.T) {
	tr := newOutTransfer(uuid.New(), 10, BytesProvider(make([]byte, 10)))

	for _, maxLength := range []int{0, 4, packet.DataHeaderOverhead} {
		if _, err := tr.nextPacket(maxLength); !errors.Is(err, packet.ErrPacketBudgetTooSmall) {
			t.Errorf("nextPacket(%d) err = %v, want ErrPacketBudgetTooSmall", maxLength, err)
		}
	}
	if tr.Progress() != 0 {
		t.Fatalf("progress = %d, want 0", tr.Progress())
	}
}

func TestOutTransfer_ShortProvider(t *testing.T) {
	tr := newOutTransfer(uuid.New(), 10, func(offset uint64, n int) ([]byte, error) {
		return make([]byte, n-1), nil
	})
	if _, err := tr.nextPacket(100); !errors.Is(err, ErrShortProvider) {
		t.Fatalf("err = %v, want ErrShortProvider", err)
	}
	if tr.Sent() != 0 {
		t.Fatalf("cursor moved to %d", tr.Sent())
	}
}

func TestOutTransfer_ResumeRewindsCursorNotProgress(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 50)
	tr := newOutTransfer(uuid.New(), 50, BytesProvider(data))
	tr.announce = false
	tr.announced = true
	tr.confirmStart()

	for range 3 {
		if _, err := tr.nextPacket(packet.DataHeaderOverhead + 10); err != nil {
			t.Fatal(err)
		}
	}
	tr.beginResume(2)
	if !tr.announce {
		t.Fatal("transfer not re-announced")
	}
	tr.announce = false
	if tr.sendable() {
		t.Fatal("data must wait for resume replies")
	}
	if tr.resumeReply(20) {
		t.Fatal("resume finished after one of two replies")
	}
	if !tr.resumeReply(10) {
		t.Fatal("resume not finished after all replies")
	}
	if tr.Sent() != 10 {
		t.Fatalf("cursor = %d, want 10", tr.Sent())
	}
	if tr.Progress() != 30 {
		t.Fatalf("progress = %d, want 30", tr.Progress())
	}
}

func TestReaderAtProvider(t *testing.T) {
	r := bytes.NewReader([]byte("0123456789"))
	p := ReaderAtProvider(r)

	got, err := p(3, 4)
	if err != nil || string(got) != "3456" {
		t.Fatalf("p(3, 4) = %q, %v", got, err)
	}
	if _, err := p(8, 4); !errors.Is(err, io.EOF) {
		t.Fatalf("p(8, 4) err = %v, want io.EOF", err)
	}
}

func TestBytesProvider_OutOfRange(t *testing.T) {
	if _, err := BytesProvider([]byte("abc"))(2, 2); err == nil {
		t.Fatal("expected an error for a range past the end")
	}
}
