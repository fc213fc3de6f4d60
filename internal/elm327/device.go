// Package elm327 drives an ELM327-compatible OBD adapter in raw CAN mode and
// exposes it as a transport.Port.
package elm327

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/kstaniek/go-obd-poller/internal/can"
	"github.com/kstaniek/go-obd-poller/internal/logging"
	"github.com/kstaniek/go-obd-poller/internal/metrics"
	"github.com/kstaniek/go-obd-poller/internal/transport"
)

const backendName = "elm327"

var (
	// ErrNoPrompt is returned when the adapter does not finish a reply with '>'.
	ErrNoPrompt = errors.New("elm327: no prompt")
	// ErrNotELM is returned when the reset banner does not identify an ELM327.
	ErrNotELM = errors.New("elm327: adapter did not identify")
	// ErrCommand is returned when an AT command is rejected.
	ErrCommand = errors.New("elm327: command rejected")
)

// Port is the subset of go.bug.st/serial.Port the device uses.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Open opens the adapter tty at baud 8N1.
func Open(path string, baud int) (Port, error) {
	p, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return p, nil
}

const (
	readSlice     = 50 * time.Millisecond
	resetSettle   = time.Second
	commandWait   = 2 * time.Second
	requestWait   = time.Second
	defaultHeader = 0x7DF
)

// initCommands puts the adapter into ISO 15765-4 11-bit 500k raw mode:
// echo, linefeeds off; spaces, headers on; CAN auto formatting off so the
// PCI byte is sent and shown verbatim; response timeout 25*4 ms.
var initCommands = []string{"ATE0", "ATL0", "ATS1", "ATH1", "ATSP6", "ATCAF0", "ATST19"}

// Device implements transport.Port. WriteFrame is synchronous: it returns
// once the adapter prompts again, with every received frame already queued.
type Device struct {
	*transport.Link
	port    Port
	mu      sync.Mutex
	header  uint32
	version string
	sleep   func(time.Duration)
}

type Option func(*Device)

// WithSleep overrides the post-reset settle sleep (tests).
func WithSleep(fn func(time.Duration)) Option { return func(d *Device) { d.sleep = fn } }

// New resets and configures the adapter on port.
func New(ctx context.Context, port Port, rxBuf int, opts ...Option) (*Device, error) {
	q := transport.NewRxQueue(rxBuf, transport.Hooks{
		OnDeliver: func() { metrics.IncBusRx(backendName) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrRxOverflow)
			return transport.ErrRxOverflow
		},
	})
	d := &Device{port: port, sleep: time.Sleep}
	for _, o := range opts {
		o(d)
	}
	d.Link = transport.NewLink(q, d.write, port.Close)
	if err := d.init(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// Version returns the reset banner, e.g. "ELM327 v1.5".
func (d *Device) Version() string { return d.version }

func (d *Device) init(ctx context.Context) error {
	if err := d.port.SetReadTimeout(readSlice); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}
	_ = d.port.ResetInputBuffer()
	if err := d.send("ATZ"); err != nil {
		return err
	}
	d.sleep(resetSettle)
	resp, err := d.readUntilPrompt(ctx, commandWait)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	for _, l := range splitLines(resp) {
		if strings.Contains(l, "ELM") {
			d.version = l
		}
	}
	if d.version == "" {
		return fmt.Errorf("%w: %q", ErrNotELM, resp)
	}
	cmds := append(append([]string{}, initCommands...), fmt.Sprintf("ATSH%03X", defaultHeader))
	for _, c := range cmds {
		if err := d.command(ctx, c); err != nil {
			return err
		}
	}
	d.header = defaultHeader
	logging.L().Info("elm327_ready", "version", d.version)
	return nil
}

func (d *Device) command(ctx context.Context, c string) error {
	if err := d.send(c); err != nil {
		return err
	}
	resp, err := d.readUntilPrompt(ctx, commandWait)
	if err != nil {
		return fmt.Errorf("%s: %w", c, err)
	}
	if !strings.Contains(resp, "OK") {
		return fmt.Errorf("%w: %s -> %q", ErrCommand, c, strings.TrimSpace(resp))
	}
	return nil
}

func (d *Device) send(s string) error {
	if _, err := d.port.Write([]byte(s + "\r")); err != nil {
		metrics.IncError(metrics.ErrELMWrite)
		return fmt.Errorf("elm327 write: %w", err)
	}
	return nil
}

// readUntilPrompt accumulates bytes until '>' or wait elapses.
func (d *Device) readUntilPrompt(ctx context.Context, wait time.Duration) (string, error) {
	var acc bytes.Buffer
	buf := make([]byte, 128)
	deadline := time.Now().Add(wait)
	for {
		if err := ctx.Err(); err != nil {
			return acc.String(), err
		}
		n, err := d.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			if bytes.IndexByte(buf[:n], '>') >= 0 {
				return acc.String(), nil
			}
		}
		if err != nil {
			metrics.IncError(metrics.ErrELMRead)
			return acc.String(), fmt.Errorf("elm327 read: %w", err)
		}
		if time.Now().After(deadline) {
			return acc.String(), ErrNoPrompt
		}
	}
}

// write transmits one standard frame and queues every frame the adapter
// prints before the next prompt.
func (d *Device) write(fr can.Frame) error {
	if fr.IsExtended() || !fr.IsData() {
		return fmt.Errorf("elm327: only standard data frames supported (id 0x%X)", fr.CANID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx := context.Background()
	if id := fr.ID(); id != d.header {
		if err := d.command(ctx, fmt.Sprintf("ATSH%03X", id)); err != nil {
			return err
		}
		d.header = id
	}
	_ = d.port.ResetInputBuffer()
	if err := d.send(formatPayload(fr.Payload())); err != nil {
		return err
	}
	metrics.IncBusTx(backendName)
	resp, err := d.readUntilPrompt(ctx, requestWait)
	if err != nil {
		return err
	}
	for _, l := range splitLines(resp) {
		f, ok := ParseLine(l)
		if !ok {
			logging.L().Debug("elm327_status", "line", l)
			continue
		}
		if err := d.Link.RxQueue.Deliver(f); err != nil {
			if errors.Is(err, transport.ErrRxOverflow) {
				logging.L().Debug("elm327_rx_overflow", "id", f.ID())
				continue
			}
			return err
		}
	}
	return nil
}

var _ transport.Port = (*Device)(nil)
