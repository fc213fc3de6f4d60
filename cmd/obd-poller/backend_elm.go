package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-obd-poller/internal/elm327"
	"github.com/kstaniek/go-obd-poller/internal/transport"
)

// openELMPort is a hook for tests.
var openELMPort = elm327.Open

// initELMBackend opens an ELM327-compatible adapter and configures it for
// raw 11-bit CAN at 500 kbit/s.
func initELMBackend(ctx context.Context, cfg *appConfig, l *slog.Logger) (transport.Port, func(), error) {
	p, err := openELMPort(cfg.elmDev, cfg.elmBaud)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open elm327: %w", err)
	}
	dev, err := elm327.New(ctx, p, cfg.rxBuffer)
	if err != nil {
		_ = p.Close()
		return nil, func() {}, err
	}
	l.Info("elm327_open", "device", cfg.elmDev, "baud", cfg.elmBaud, "version", dev.Version())
	return dev, func() { _ = dev.Close() }, nil
}
