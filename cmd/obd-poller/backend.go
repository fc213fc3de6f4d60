package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-obd-poller/internal/transport"
)

// initBackend opens the configured bus and returns it with a cleanup func.
// The cleanup func is always non-nil.
func initBackend(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (transport.Port, func(), error) {
	switch cfg.backend {
	case "socketcan":
		return initSocketCANBackend(cfg, l)
	case "serial":
		return initSerialBackend(ctx, cfg, l, wg)
	case "elm327":
		return initELMBackend(ctx, cfg, l)
	case "cannelloni":
		return initCannelloniBackend(ctx, cfg, l, wg)
	case "demo":
		return initDemoBackend(l)
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q", cfg.backend)
	}
}
