// Package poller drives periodic Mode 01 sweeps over the fixed PID set.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-obd-poller/internal/logging"
	"github.com/kstaniek/go-obd-poller/internal/obd"
)

const (
	// SweepPeriod is the minimum spacing between sweep starts.
	SweepPeriod = 1000 * time.Millisecond
	// IdleCheck is how often Run re-checks the polling clock while idle.
	IdleCheck = 10 * time.Millisecond
)

// Reader performs one PID exchange. *obd.Client satisfies it. On failure the
// returned Reading must already carry the PID's sentinel.
type Reader interface {
	Read(ctx context.Context, pid obd.PID) (obd.Reading, error)
}

// Reporter consumes completed sweeps.
type Reporter interface {
	Report(Sweep)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Sweep)

func (f ReporterFunc) Report(s Sweep) { f(s) }

// Sweep is the result of one fixed-order pass.
type Sweep struct {
	Seq      uint64
	Start    time.Time
	Duration time.Duration
	Readings []obd.Reading
	Failed   int
}

// Reading returns the reading for pid, if the sweep carries it.
func (s Sweep) Reading(pid obd.PID) (obd.Reading, bool) {
	for _, r := range s.Readings {
		if r.PID == pid {
			return r, true
		}
	}
	return obd.Reading{}, false
}

// State of the scheduler.
type State int

const (
	Idle State = iota
	Sweeping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sweeping:
		return "sweeping"
	default:
		return "unknown"
	}
}

// Scheduler owns the polling clock: the start time of the last sweep.
type Scheduler struct {
	reader   Reader
	reporter Reporter
	now      func() time.Time
	sleep    func(time.Duration)
	logger   *slog.Logger

	mu        sync.Mutex
	state     State
	lastSweep time.Time
	seq       uint64
}

type Option func(*Scheduler)

// WithClock overrides the time source and idle sleep.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a scheduler. The polling clock starts at construction, so the
// first sweep under Run is due one period later.
func New(reader Reader, reporter Reporter, opts ...Option) *Scheduler {
	s := &Scheduler{
		reader:   reader,
		reporter: reporter,
		now:      time.Now,
		sleep:    time.Sleep,
		logger:   logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.reporter == nil {
		s.reporter = ReporterFunc(func(Sweep) {})
	}
	s.lastSweep = s.now()
	return s
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Due reports whether a full period has elapsed since the last sweep start.
func (s *Scheduler) Due() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastSweep) >= SweepPeriod
}

// SweepOnce queries every sweep PID in order, each to completion, and hands
// the result to the reporter exactly once. Per-PID failures become sentinel
// readings. A cancelled ctx aborts the sweep; nothing is reported for it.
func (s *Scheduler) SweepOnce(ctx context.Context) (Sweep, error) {
	s.mu.Lock()
	s.state = Sweeping
	start := s.now()
	s.lastSweep = start
	s.seq++
	sw := Sweep{Seq: s.seq, Start: start}
	s.mu.Unlock()
	defer s.setState(Idle)

	pids := obd.SweepPIDs()
	sw.Readings = make([]obd.Reading, 0, len(pids))
	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return Sweep{}, err
		}
		r, err := s.reader.Read(ctx, pid)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Sweep{}, err
			}
			s.logger.Debug("query_failed", "pid", pid.String(), "label", r.Label, "error", err)
			sw.Failed++
		}
		sw.Readings = append(sw.Readings, r)
	}
	sw.Duration = s.now().Sub(start)
	s.reporter.Report(sw)
	s.logger.Debug("sweep_done", "seq", sw.Seq, "duration", sw.Duration, "failed", sw.Failed)
	return sw, nil
}

// Run sweeps whenever a period has elapsed, checking every IdleCheck, until
// ctx is done. It returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.Due() {
			s.sleep(IdleCheck)
			continue
		}
		if _, err := s.SweepOnce(ctx); err != nil {
			return err
		}
	}
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
