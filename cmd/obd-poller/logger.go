package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-obd-poller/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "obd-poller")
	logging.Set(l)
	return l
}
