// Package report renders completed sweeps: the console block, a structured
// log record and Prometheus gauges.
package report

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/kstaniek/go-obd-poller/internal/metrics"
	"github.com/kstaniek/go-obd-poller/internal/obd"
	"github.com/kstaniek/go-obd-poller/internal/poller"
)

const header = "--- Reading OBD-II Data ---"

// Text writes the classic console block for each sweep.
type Text struct {
	mu sync.Mutex
	w  io.Writer
}

func NewText(w io.Writer) *Text { return &Text{w: w} }

func (t *Text) Report(s poller.Sweep) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bw := bufio.NewWriter(t.w)
	fmt.Fprintln(bw, header)
	for _, r := range s.Readings {
		fmt.Fprintln(bw, Line(r))
	}
	fmt.Fprintln(bw)
	_ = bw.Flush()
}

// Line formats one reading as "Label: value unit" or "Label: READ FAILED".
func Line(r obd.Reading) string {
	if !r.OK {
		return r.Label + ": READ FAILED"
	}
	return strings.TrimSpace(fmt.Sprintf("%s: %d %s", r.Label, r.Value, r.Unit))
}

// Log emits one "sweep" record per sweep with a group per reading.
type Log struct {
	l     *slog.Logger
	level slog.Level
}

func NewLog(l *slog.Logger, level slog.Level) *Log { return &Log{l: l, level: level} }

func (lg *Log) Report(s poller.Sweep) {
	attrs := make([]any, 0, len(s.Readings)+3)
	attrs = append(attrs, "seq", s.Seq, "duration_ms", s.Duration.Milliseconds(), "failed", s.Failed)
	for _, r := range s.Readings {
		attrs = append(attrs, slog.Group(key(r.Label),
			slog.String("pid", r.PID.String()),
			slog.Bool("ok", r.OK),
			slog.Int("value", r.Value),
			slog.String("unit", r.Unit),
		))
	}
	lg.l.Log(context.Background(), lg.level, "sweep", attrs...)
}

func key(label string) string {
	return strings.ReplaceAll(strings.ToLower(label), " ", "_")
}

// Metrics mirrors each sweep into Prometheus.
type Metrics struct{}

func (Metrics) Report(s poller.Sweep) {
	metrics.ObserveSweep(s.Duration.Seconds())
	for _, r := range s.Readings {
		metrics.SetReading(r.PID.String(), r.Label, r.OK, r.Value)
	}
}

// Multi delivers a sweep to each reporter in order.
type Multi []poller.Reporter

func (m Multi) Report(s poller.Sweep) {
	for _, r := range m {
		if r != nil {
			r.Report(s)
		}
	}
}
