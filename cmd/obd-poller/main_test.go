package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-obd-poller/internal/metrics"
	"github.com/kstaniek/go-obd-poller/internal/serial"
)

func demoConfig() *appConfig {
	cfg := defaultConfig()
	cfg.backend = "demo"
	return cfg
}

func TestRun_OnceText(t *testing.T) {
	cfg := demoConfig()
	cfg.once = true
	var out bytes.Buffer
	if err := run(context.Background(), cfg, &out, testLogger()); err != nil {
		t.Fatalf("run: %v", err)
	}
	s := out.String()
	for _, want := range []string{
		"OBD-II CAN-BUS Reader",
		"Initializing CAN-BUS backend (demo)... OK",
		"--- Reading OBD-II Data ---",
		"Engine RPM: ",
		"Vehicle Speed: ",
		"Coolant Temp: ",
		"Throttle Position: ",
		"Engine Load: ",
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("output missing %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, "READ FAILED") {
		t.Fatalf("demo sweep failed:\n%s", s)
	}
	if strings.Count(s, "--- Reading OBD-II Data ---") != 1 {
		t.Fatalf("expected exactly one block:\n%s", s)
	}
}

func TestRun_Query(t *testing.T) {
	cfg := demoConfig()
	cfg.query = "0D"
	var out bytes.Buffer
	if err := run(context.Background(), cfg, &out, testLogger()); err != nil {
		t.Fatalf("run: %v", err)
	}
	s := out.String()
	if !strings.HasPrefix(s, "Vehicle Speed: ") || !strings.HasSuffix(s, " km/h\n") {
		t.Fatalf("unexpected output %q", s)
	}
}

func TestRun_BackendFailure(t *testing.T) {
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) {
		return nil, errors.New("no such device")
	}
	defer func() { openSerialPort = serial.Open }()
	cfg := defaultConfig()
	cfg.backend = "serial"
	var out bytes.Buffer
	if err := run(context.Background(), cfg, &out, testLogger()); err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(out.String(), "... FAILED") {
		t.Fatalf("output %q", out.String())
	}
}

func TestRun_ReadyAfterFirstSweep(t *testing.T) {
	cfg := demoConfig()
	cfg.report = "none"
	metrics.SetReadinessFunc(func() bool { return false })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out bytes.Buffer
	var wg sync.WaitGroup
	var runErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr = run(ctx, cfg, &out, testLogger())
	}()
	deadline := time.Now().Add(3 * time.Second)
	for !metrics.IsReady() {
		if time.Now().After(deadline) {
			cancel()
			wg.Wait()
			t.Fatalf("never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	wg.Wait()
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if metrics.IsReady() {
		t.Fatalf("still ready after shutdown")
	}
	if out.Len() != 0 {
		t.Fatalf("report=none wrote %q", out.String())
	}
}
