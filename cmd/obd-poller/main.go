package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/kstaniek/go-obd-poller/internal/metrics"
	"github.com/kstaniek/go-obd-poller/internal/obd"
	"github.com/kstaniek/go-obd-poller/internal/poller"
	"github.com/kstaniek/go-obd-poller/internal/report"
)

func main() {
	cfg, showVersion, err := parseConfig(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Printf("obd-poller %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigCh:
			l.Info("shutdown_signal", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, cfg, os.Stdout, l); err != nil {
		l.Error("exit", "error", err)
		os.Exit(1)
	}
}

// run opens the backend and polls until ctx is cancelled, or performs a single
// sweep or query when configured to.
func run(ctx context.Context, cfg *appConfig, stdout io.Writer, l *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	text := cfg.report == "text" && cfg.query == ""
	if text {
		fmt.Fprintf(stdout, "obd-poller %s - OBD-II CAN-BUS Reader\n", version)
		fmt.Fprintln(stdout, "=================================")
		fmt.Fprintln(stdout)
		fmt.Fprintf(stdout, "Initializing CAN-BUS backend (%s)... ", cfg.backend)
	}
	port, cleanup, err := initBackend(ctx, cfg, l, &wg)
	defer func() {
		cancel()
		cleanup()
	}()
	if err != nil {
		if text {
			fmt.Fprintln(stdout, "FAILED")
		}
		l.Error("backend_init_error", "backend", cfg.backend, "error", err)
		return err
	}
	if text {
		fmt.Fprintln(stdout, "OK")
	}
	client := obd.NewClient(port, obd.WithLogger(l))

	if cfg.query != "" {
		pid, err := obd.ParsePID(cfg.query)
		if err != nil {
			return err
		}
		r, err := client.Read(ctx, pid)
		fmt.Fprintln(stdout, report.Line(r))
		return err
	}

	var ready atomic.Bool
	reps := report.Multi{report.Metrics{}}
	switch cfg.report {
	case "text":
		reps = append(reps, report.NewText(stdout))
	case "log":
		reps = append(reps, report.NewLog(l, slog.LevelInfo))
	}
	if fs, srv := initFeed(cfg, l); fs != nil {
		reps = append(reps, fs)
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}
	reps = append(reps, poller.ReporterFunc(func(poller.Sweep) { ready.Store(true) }))

	// Ready once the bus is open and a first sweep has completed.
	metrics.SetReadinessFunc(func() bool { return ready.Load() && ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sched := poller.New(client, reps, poller.WithLogger(l))
	if text {
		fmt.Fprintln(stdout, "Waiting for OBD-II data...")
		fmt.Fprintln(stdout)
	}
	if cfg.once {
		_, err := sched.SweepOnce(ctx)
		return err
	}
	l.Info("polling_started", "backend", cfg.backend, "period", poller.SweepPeriod)
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
