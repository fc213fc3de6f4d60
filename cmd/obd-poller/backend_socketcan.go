package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-obd-poller/internal/socketcan"
	"github.com/kstaniek/go-obd-poller/internal/transport"
)

// openSocketCANDevice is a hook for tests.
var openSocketCANDevice = func(iface string, filter bool) (transport.Port, error) {
	dev, err := socketcan.Open(iface, filter)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// initSocketCANBackend opens a raw CAN socket. The socket is non-blocking and
// polled directly by the exchange, so no RX goroutine is needed.
func initSocketCANBackend(cfg *appConfig, l *slog.Logger) (transport.Port, func(), error) {
	dev, err := openSocketCANDevice(cfg.canIf, cfg.canFilter)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open socketcan %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "iface", cfg.canIf, "filter", cfg.canFilter)
	return dev, func() { _ = dev.Close() }, nil
}
