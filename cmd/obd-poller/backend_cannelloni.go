package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-obd-poller/internal/cnl"
	"github.com/kstaniek/go-obd-poller/internal/transport"
)

// dialCannelloni is a hook for tests.
var dialCannelloni = cnl.Dial

// initCannelloniBackend connects to a cannelloni gateway, resolving it via
// mDNS when no address is configured.
func initCannelloniBackend(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (transport.Port, func(), error) {
	addr := cfg.cnlAddr
	if addr == "" {
		found, err := discoverGateway(ctx, cfg.cnlTimeout)
		if err != nil {
			return nil, func() {}, err
		}
		l.Info("cannelloni_discovered", "addr", found)
		addr = found
	}
	conn, err := dialCannelloni(ctx, addr, cfg.rxBuffer, cfg.cnlTimeout)
	if err != nil {
		return nil, func() {}, fmt.Errorf("cannelloni: %w", err)
	}
	l.Info("cannelloni_connected", "addr", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
		case <-conn.Done():
			if err := conn.Err(); err != nil {
				l.Error("cannelloni_session_lost", "addr", addr, "error", err)
			} else {
				l.Warn("cannelloni_session_closed", "addr", addr)
			}
		}
	}()
	return conn, func() { _ = conn.Close() }, nil
}
