package transport

import (
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-obd-poller/internal/can"
)

// RxQueue is a bounded mailbox between a backend RX goroutine and the OBD
// exchange. Delivery never blocks the RX goroutine: when the buffer is full
// the OnDrop hook runs and its error is returned, so a wedged consumer cannot
// stall the bus reader.
//
// Life-cycle:
//
//	q := NewRxQueue(buf, hooks)
//	go rxLoop(func(fr) { _ = q.Deliver(fr) })
//	q.Available(); q.ReadFrame(&fr)
//	q.Close()
//
// After Close, Deliver and ReadFrame return ErrClosed and Available reports
// false.
type RxQueue struct {
	mu     sync.Mutex
	ch     chan can.Frame
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize RxQueue behavior.
type Hooks struct {
	// OnDeliver is called after a frame was queued.
	OnDeliver func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from Deliver. If nil, ErrRxOverflow is returned.
	OnDrop func() error
}

// NewRxQueue constructs a queue holding up to buf frames (minimum 1).
func NewRxQueue(buf int, hooks Hooks) *RxQueue {
	if buf < 1 {
		buf = 1
	}
	return &RxQueue{ch: make(chan can.Frame, buf), hooks: hooks}
}

// Deliver queues fr or reports overflow.
func (q *RxQueue) Deliver(fr can.Frame) error {
	if q.closed.Load() {
		return ErrClosed
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		return ErrClosed
	}
	select {
	case q.ch <- fr:
		if q.hooks.OnDeliver != nil {
			q.hooks.OnDeliver()
		}
		return nil
	default:
		if q.hooks.OnDrop != nil {
			return q.hooks.OnDrop()
		}
		return ErrRxOverflow
	}
}

// Available reports whether a frame is pending.
func (q *RxQueue) Available() bool {
	return !q.closed.Load() && len(q.ch) > 0
}

// ReadFrame pops one pending frame without blocking.
func (q *RxQueue) ReadFrame(fr *can.Frame) error {
	if q.closed.Load() {
		return ErrClosed
	}
	select {
	case f, ok := <-q.ch:
		if !ok {
			return ErrClosed
		}
		*fr = f
		return nil
	default:
		return ErrNoFrame
	}
}

// Close marks the queue closed. It is idempotent.
func (q *RxQueue) Close() {
	if q.closed.Swap(true) {
		return
	}
	q.mu.Lock()
	close(q.ch)
	q.mu.Unlock()
}
