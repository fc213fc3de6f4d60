package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-obd-poller/internal/can"
	"github.com/kstaniek/go-obd-poller/internal/metrics"
	"github.com/kstaniek/go-obd-poller/internal/serial"
	"github.com/kstaniek/go-obd-poller/internal/transport"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// initSerialBackend opens the Ampio serial adapter and launches the RX loop
// feeding decoded frames into the exchange queue.
func initSerialBackend(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (transport.Port, func(), error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	l.Warn("serial_tx_extended_only", "detail", "11-bit OBD requests cannot be sent through this adapter")
	serCodec := serial.Codec{}
	q := transport.NewRxQueue(cfg.rxBuffer, transport.Hooks{
		OnDrop: func() error {
			metrics.IncError(metrics.ErrRxOverflow)
			return transport.ErrRxOverflow
		},
	})

	var wmu sync.Mutex
	write := func(fr can.Frame) error {
		if err := serCodec.CanTransmit(fr); err != nil {
			return fmt.Errorf("serial write id 0x%X: %w", fr.ID(), err)
		}
		wmu.Lock()
		defer wmu.Unlock()
		if _, err := sp.Write(serCodec.Encode(fr)); err != nil {
			metrics.IncError(metrics.ErrSerialWrite)
			return fmt.Errorf("serial write: %w", err)
		}
		metrics.IncBusTx("serial")
		return nil
	}
	link := transport.NewLink(q, write, sp.Close)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_rx_end")
		buf := make([]byte, serialReadBufSize)
		acc := bytes.NewBuffer(nil)
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := sp.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				_ = serCodec.DecodeStream(acc, func(fr can.Frame) {
					if err := q.Deliver(fr); errors.Is(err, transport.ErrRxOverflow) {
						l.Debug("serial_rx_overflow", "id", fr.ID())
					}
				})
				if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
					acc = bytes.NewBuffer(nil)
				}
				backoff = rxBackoffMin
			}
			if err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				var perr *os.PathError
				if errors.As(err, &perr) {
					return // device removed or fatal
				}
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					continue // read timeout with no data
				}
				metrics.IncError(metrics.ErrSerialRead)
				l.Warn("serial_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff *= 2
				if backoff > rxBackoffMax {
					backoff = rxBackoffMax
				}
			}
		}
	}()
	return link, func() { _ = link.Close() }, nil
}
