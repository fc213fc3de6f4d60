package obd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-obd-poller/internal/can"
	"github.com/kstaniek/go-obd-poller/internal/logging"
	"github.com/kstaniek/go-obd-poller/internal/metrics"
	"github.com/kstaniek/go-obd-poller/internal/transport"
)

// Protocol timing. Fixed by the Mode 01 polling contract, not configurable.
const (
	QueryTimeout = 100 * time.Millisecond
	PollIdle     = 5 * time.Millisecond
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrTimeout = errors.New("obd: no matching response")
	ErrSend    = errors.New("obd: send request")
)

// Client runs Mode 01 request/response exchanges over a Port.
// Queries are serialised: at most one functional broadcast request is
// outstanding per port, because responses carry no request correlation.
type Client struct {
	mu     sync.Mutex
	port   transport.Port
	now    func() time.Time
	sleep  func(time.Duration)
	logger *slog.Logger
}

type ClientOption func(*Client)

// WithClock overrides the time source and idle sleep (tests).
func WithClock(now func() time.Time, sleep func(time.Duration)) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient borrows port for every Query. The caller keeps ownership and closes it.
func NewClient(port transport.Port, opts ...ClientOption) *Client {
	c := &Client{
		port:   port,
		now:    time.Now,
		sleep:  time.Sleep,
		logger: logging.L(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Query sends one request for pid and waits up to QueryTimeout for a matching
// response, returning its five data bytes. Non-matching traffic is consumed
// and discarded without extending the window. The only protocol failure is
// ErrTimeout; transport write failures are wrapped in ErrSend. A cancelled
// ctx aborts the wait with ctx.Err().
func (c *Client) Query(ctx context.Context, pid PID) ([DataLen]byte, error) {
	var zero [DataLen]byte
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	metrics.IncQuery()
	if err := c.port.WriteFrame(EncodeRequest(pid)); err != nil {
		metrics.IncError(metrics.ErrOBDSend)
		return zero, fmt.Errorf("%w %s: %v", ErrSend, pid, err)
	}

	start := c.now()
	for {
		elapsed := c.now().Sub(start)
		if elapsed >= QueryTimeout {
			metrics.IncTimeout()
			return zero, fmt.Errorf("%w: pid %s after %s", ErrTimeout, pid, elapsed)
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if !c.port.Available() {
			c.sleep(min(PollIdle, QueryTimeout-elapsed))
			continue
		}
		var fr can.Frame
		if err := c.port.ReadFrame(&fr); err != nil {
			if !errors.Is(err, transport.ErrNoFrame) {
				metrics.IncError(metrics.ErrOBDRead)
				c.logger.Debug("obd_read_error", "pid", pid.String(), "error", err)
				c.sleep(min(PollIdle, QueryTimeout-elapsed))
			}
			continue
		}
		if IsMatchingResponse(fr, pid) {
			metrics.IncResponse()
			return ExtractData(fr), nil
		}
		if IsMalformed(fr) {
			metrics.IncMalformed()
		} else {
			metrics.IncIgnored()
		}
	}
}

// Read queries pid and decodes the result. Any failure yields the PID's
// sentinel reading together with the error.
func (c *Client) Read(ctx context.Context, pid PID) (Reading, error) {
	d, err := c.Query(ctx, pid)
	if err != nil {
		return Failed(pid), err
	}
	return Decode(pid, d), nil
}
