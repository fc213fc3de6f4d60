package main

import (
	"log/slog"

	"github.com/kstaniek/go-obd-poller/internal/sim"
	"github.com/kstaniek/go-obd-poller/internal/transport"
)

// initDemoBackend attaches a simulated ECU that answers with a synthetic
// drive cycle and emits unrelated bus traffic.
func initDemoBackend(l *slog.Logger) (transport.Port, func(), error) {
	ecu := sim.New(sim.WithSource(sim.Demo()), sim.WithDelay(demoResponseDelay), sim.WithChatter())
	l.Info("demo_backend")
	return ecu, func() { _ = ecu.Close() }, nil
}
