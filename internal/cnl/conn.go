package cnl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/go-obd-poller/internal/can"
	"github.com/kstaniek/go-obd-poller/internal/logging"
	"github.com/kstaniek/go-obd-poller/internal/metrics"
	"github.com/kstaniek/go-obd-poller/internal/transport"
)

const (
	backendName = "cannelloni"
	writeWait   = time.Second
)

// Conn is a cannelloni TCP session exposed as a transport.Port. Received
// frames are queued by a reader goroutine; writes are synchronous.
type Conn struct {
	*transport.Link
	nc    net.Conn
	codec Codec
	wmu   sync.Mutex

	done chan struct{}
	err  error
}

// Dial connects to a gateway at addr and performs the handshake.
func Dial(ctx context.Context, addr string, rxBuf int, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := Handshake(ctx, nc, timeout); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return NewConn(nc, rxBuf), nil
}

// NewConn wraps an already handshaken connection and starts its reader.
func NewConn(nc net.Conn, rxBuf int) *Conn {
	q := transport.NewRxQueue(rxBuf, transport.Hooks{
		OnDeliver: func() { metrics.IncBusRx(backendName) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrRxOverflow)
			return transport.ErrRxOverflow
		},
	})
	c := &Conn{nc: nc, done: make(chan struct{})}
	c.Link = transport.NewLink(q, c.write, nc.Close)
	go c.readLoop(q)
	return c
}

// Done is closed when the reader stops (peer closed, stream error or Close).
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the reader stopped, nil for a clean close.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

func (c *Conn) write(fr can.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := c.nc.Write(c.codec.Encode(fr)); err != nil {
		metrics.IncError(metrics.ErrCNLWrite)
		return fmt.Errorf("cannelloni write: %w", err)
	}
	metrics.IncBusTx(backendName)
	return nil
}

func (c *Conn) readLoop(q *transport.RxQueue) {
	defer close(c.done)
	r := bufio.NewReader(c.nc)
	for {
		fr, err := c.codec.Decode(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				logging.L().Info("cannelloni_rx_end")
				return
			}
			// A TCP stream cannot resync after a bad length.
			metrics.IncError(metrics.ErrCNLRead)
			logging.L().Warn("cannelloni_read_error", "error", err)
			c.err = err
			_ = c.nc.Close()
			return
		}
		if err := q.Deliver(fr); errors.Is(err, transport.ErrClosed) {
			return
		}
	}
}
