package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-obd-poller/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"sweeps", snap.Sweeps,
					"queries", snap.Queries,
					"responses", snap.Responses,
					"timeouts", snap.Timeouts,
					"ignored", snap.Ignored,
					"malformed", snap.Malformed,
					"bus_rx", snap.BusRx,
					"bus_tx", snap.BusTx,
					"feed_clients", snap.FeedClients,
					"feed_drops", snap.FeedDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
