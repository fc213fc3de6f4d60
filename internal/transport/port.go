package transport

import (
	"errors"

	"github.com/kstaniek/go-obd-poller/internal/can"
)

var (
	// ErrNoFrame is returned by ReadFrame when nothing is pending.
	ErrNoFrame = errors.New("transport: no frame available")
	// ErrClosed is returned after the port has been closed.
	ErrClosed = errors.New("transport: closed")
	// ErrRxOverflow is returned by RxQueue.Deliver when the buffer is full.
	ErrRxOverflow = errors.New("transport: rx overflow")
)

// Port is the bus contract consumed by the OBD exchange. It owns the physical
// bus handle; callers borrow it per exchange.
//
// WriteFrame transmits one frame. Available reports, without blocking, whether
// a received frame is pending. ReadFrame pops one pending frame, returning
// ErrNoFrame if none is.
type Port interface {
	WriteFrame(can.Frame) error
	Available() bool
	ReadFrame(*can.Frame) error
	Close() error
}

// Link adapts a stream backend (RX goroutine feeding an RxQueue plus a
// synchronous writer) to Port.
type Link struct {
	*RxQueue
	write   func(can.Frame) error
	closeFn func() error
}

// NewLink builds a Port from q and a write function. closeFn may be nil.
func NewLink(q *RxQueue, write func(can.Frame) error, closeFn func() error) *Link {
	return &Link{RxQueue: q, write: write, closeFn: closeFn}
}

// WriteFrame sends fr through the backend writer.
func (l *Link) WriteFrame(fr can.Frame) error {
	if l.RxQueue.closed.Load() {
		return ErrClosed
	}
	return l.write(fr)
}

// Close stops the queue and releases the backend.
func (l *Link) Close() error {
	l.RxQueue.Close()
	if l.closeFn != nil {
		return l.closeFn()
	}
	return nil
}

var _ Port = (*Link)(nil)
