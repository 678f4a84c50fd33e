package transfer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/blockberries/sendberry/pkg/logging"
)

func newStartedIn(length uint64) *InTransfer {
	t := newInTransfer(uuid.New(), length, logging.NopLogger{})
	t.confirmStart()
	return t
}

func TestInTransfer_PartialMode(t *testing.T) {
	tr := newStartedIn(6)

	var chunks [][]byte
	tr.OnPartialData(func(_ *InTransfer, data []byte) {
		chunks = append(chunks, append([]byte(nil), data...))
	})
	completeCalled := false
	tr.OnComplete(func(Transfer) { completeCalled = true })

	for _, c := range []string{"ab", "cd", "ef"} {
		if err := tr.updateWithReceivedData([]byte(c)); err != nil {
			t.Fatal(err)
		}
	}
	tr.confirmCompletion()

	if len(chunks) != 3 || string(chunks[2]) != "ef" {
		t.Fatalf("chunks = %q", chunks)
	}
	if !completeCalled {
		t.Fatal("OnComplete not fired")
	}
	if tr.Mode() != ReceptionNone {
		t.Fatal("handlers not released at end")
	}
}

func TestInTransfer_CompleteModeConcatenates(t *testing.T) {
	tr := newStartedIn(6)

	var got []byte
	calls := 0
	tr.OnCompleteData(func(_ *InTransfer, data []byte) {
		got = data
		calls++
	})
	for _, c := range []string{"ab", "cd", "ef"} {
		if err := tr.updateWithReceivedData([]byte(c)); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 0 {
		t.Fatal("OnCompleteData fired before completion")
	}
	tr.confirmCompletion()

	if calls != 1 || string(got) != "abcdef" {
		t.Fatalf("OnCompleteData called %d times with %q", calls, got)
	}
	if tr.buffer != nil {
		t.Fatal("buffer not released")
	}
}

func TestInTransfer_PartialWinsOverComplete(t *testing.T) {
	tr := newStartedIn(3)

	partial := 0
	complete := 0
	tr.OnCompleteData(func(*InTransfer, []byte) { complete++ })
	tr.OnPartialData(func(*InTransfer, []byte) { partial++ })
	if tr.Mode() != ReceptionPartial {
		t.Fatalf("mode = %s, want partial", tr.Mode())
	}

	_ = tr.updateWithReceivedData([]byte("abc"))
	tr.confirmCompletion()

	if partial != 1 || complete != 0 {
		t.Fatalf("partial = %d, complete = %d", partial, complete)
	}
}

func TestInTransfer_NoHandlerDropsButProgresses(t *testing.T) {
	tr := newStartedIn(3)
	if err := tr.updateWithReceivedData([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if tr.Progress() != 3 {
		t.Fatalf("progress = %d, want 3", tr.Progress())
	}
}

func TestInTransfer_OverflowNotDispatched(t *testing.T) {
	tr := newStartedIn(4)
	var seen []byte
	tr.OnPartialData(func(_ *InTransfer, data []byte) { seen = append(seen, data...) })

	_ = tr.updateWithReceivedData([]byte("ab"))
	err := tr.updateWithReceivedData([]byte("cde"))
	if !errors.Is(err, ErrProgressOverflow) {
		t.Fatalf("err = %v, want ErrProgressOverflow", err)
	}
	if !bytes.Equal(seen, []byte("ab")) || tr.Progress() != 2 {
		t.Fatalf("seen = %q, progress = %d", seen, tr.Progress())
	}
}

func TestInTransfer_EmptyCompleteDelivery(t *testing.T) {
	tr := newStartedIn(0)
	var got []byte
	tr.OnCompleteData(func(_ *InTransfer, data []byte) { got = data })
	tr.confirmCompletion()
	if got == nil || len(got) != 0 {
		t.Fatalf("got %v, want empty non-nil slice", got)
	}
}

func TestInTransfer_HandlersIgnoredAfterEnd(t *testing.T) {
	tr := newStartedIn(1)
	tr.confirmCancel()
	tr.OnPartialData(func(*InTransfer, []byte) {})
	if tr.Mode() != ReceptionNone {
		t.Fatal("handler stored after end")
	}
}
