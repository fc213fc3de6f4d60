package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-obd-poller/internal/can"
)

var errOverflow = errors.New("overflow")

// TestRxQueueDeliverRead verifies FIFO order and hook invocation.
func TestRxQueueDeliverRead(t *testing.T) {
	var delivered atomic.Int64
	q := NewRxQueue(4, Hooks{OnDeliver: func() { delivered.Add(1) }})
	defer q.Close()
	if q.Available() {
		t.Fatalf("empty queue reports available")
	}
	for i := 0; i < 3; i++ {
		if err := q.Deliver(can.NewStandard(uint32(0x7E8+i), 0x02)); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}
	if !q.Available() {
		t.Fatalf("expected available after deliver")
	}
	for i := 0; i < 3; i++ {
		var fr can.Frame
		if err := q.ReadFrame(&fr); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if fr.CANID != uint32(0x7E8+i) {
			t.Fatalf("frame %d out of order: 0x%X", i, fr.CANID)
		}
	}
	var fr can.Frame
	if err := q.ReadFrame(&fr); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("expected ErrNoFrame, got %v", err)
	}
	if delivered.Load() != 3 {
		t.Fatalf("expected 3 deliver hooks, got %d", delivered.Load())
	}
}

// TestRxQueueOverflow ensures OnDrop is invoked when the buffer is full.
func TestRxQueueOverflow(t *testing.T) {
	var drops atomic.Int64
	q := NewRxQueue(1, Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer q.Close()
	if err := q.Deliver(can.Frame{}); err != nil {
		t.Fatalf("unexpected error enqueue first: %v", err)
	}
	if err := q.Deliver(can.Frame{}); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
}

func TestRxQueueOverflowDefaultError(t *testing.T) {
	q := NewRxQueue(0, Hooks{}) // clamps to 1
	defer q.Close()
	_ = q.Deliver(can.Frame{})
	if err := q.Deliver(can.Frame{}); !errors.Is(err, ErrRxOverflow) {
		t.Fatalf("expected ErrRxOverflow, got %v", err)
	}
}

func TestRxQueueClosed(t *testing.T) {
	q := NewRxQueue(2, Hooks{})
	_ = q.Deliver(can.Frame{})
	q.Close()
	q.Close() // idempotent
	if q.Available() {
		t.Fatalf("closed queue reports available")
	}
	if err := q.Deliver(can.Frame{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on deliver, got %v", err)
	}
	var fr can.Frame
	if err := q.ReadFrame(&fr); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on read, got %v", err)
	}
}

func TestRxQueueCloseConcurrentDeliver(t *testing.T) {
	for i := 0; i < 100; i++ {
		q := NewRxQueue(1, Hooks{OnDrop: func() error { return nil }})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := q.Deliver(can.Frame{}); err != nil && !errors.Is(err, ErrClosed) {
					t.Errorf("iteration %d: unexpected deliver error %v", i, err)
					return
				}
			}
		}()
		time.Sleep(50 * time.Microsecond)
		q.Close()
		wg.Wait()
	}
}

func TestLinkWriteAndClose(t *testing.T) {
	var written []can.Frame
	var closed bool
	q := NewRxQueue(2, Hooks{})
	l := NewLink(q, func(fr can.Frame) error { written = append(written, fr); return nil }, func() error { closed = true; return nil })
	if err := l.WriteFrame(can.NewStandard(0x7DF, 2, 1, 0x0C)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(written) != 1 || written[0].Data[2] != 0x0C {
		t.Fatalf("unexpected writes %+v", written)
	}
	_ = q.Deliver(can.NewStandard(0x7E8, 3, 0x41, 0x0C))
	if !l.Available() {
		t.Fatalf("link should expose queued frame")
	}
	if err := l.Close(); err != nil || !closed {
		t.Fatalf("close err=%v closed=%v", err, closed)
	}
	if err := l.WriteFrame(can.Frame{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}
