// Package sim provides a simulated OBD-II ECU that answers Mode 01 requests
// in-process. It backs the demo backend and scheduler tests.
package sim

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/kstaniek/go-obd-poller/internal/can"
	"github.com/kstaniek/go-obd-poller/internal/obd"
	"github.com/kstaniek/go-obd-poller/internal/transport"
)

// State holds the physical values the ECU reports.
type State struct {
	RPM         float64
	SpeedKPH    float64
	CoolantC    float64
	ThrottlePct float64
	LoadPct     float64
	IntakeC     float64
	MAFGramsSec float64
	FuelKPa     float64
}

// Source produces the state at a virtual time t (seconds since start).
type Source func(t float64) State

// Static always reports s.
func Static(s State) Source { return func(float64) State { return s } }

// Demo cycles between idle and revving with a little sensor noise.
func Demo() Source {
	return func(t float64) State {
		rpm := 850.0 + 4000.0*math.Sin(t*0.3)*math.Sin(t*0.3) + rand.Float64()*50
		tps := (rpm - 850) / (8000 - 850) * 100
		tps = math.Max(0, math.Min(100, tps))
		return State{
			RPM:         rpm,
			SpeedKPH:    tps / 100 * 220,
			CoolantC:    85 + rand.Float64()*5,
			ThrottlePct: tps,
			LoadPct:     math.Min(100, 20+tps*0.8),
			IntakeC:     30 + rand.Float64()*8,
			MAFGramsSec: 2.5 + tps*1.8,
			FuelKPa:     300 + rand.Float64()*10,
		}
	}
}

type pendingFrame struct {
	at time.Time
	fr can.Frame
}

// ECU implements transport.Port by answering functional Mode 01 requests.
type ECU struct {
	mu      sync.Mutex
	source  Source
	respID  uint32
	delay   time.Duration
	silent  map[obd.PID]bool
	chatter bool
	now     func() time.Time
	start   time.Time
	pending []pendingFrame
	sent    []can.Frame
	closed  bool
}

type Option func(*ECU)

// WithSource sets the value model (default Demo).
func WithSource(s Source) Option { return func(e *ECU) { e.source = s } }

// WithResponseID sets the answering ECU id (default 0x7E8).
func WithResponseID(id uint32) Option { return func(e *ECU) { e.respID = id } }

// WithDelay makes responses visible only after d.
func WithDelay(d time.Duration) Option { return func(e *ECU) { e.delay = d } }

// WithSilentPIDs makes the ECU ignore requests for pids.
func WithSilentPIDs(pids ...obd.PID) Option {
	return func(e *ECU) {
		for _, p := range pids {
			e.silent[p] = true
		}
	}
}

// WithChatter injects unrelated bus traffic ahead of each response.
func WithChatter() Option { return func(e *ECU) { e.chatter = true } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *ECU) { e.now = now } }

func New(opts ...Option) *ECU {
	e := &ECU{
		source: Demo(),
		respID: obd.ResponseIDFirst,
		silent: make(map[obd.PID]bool),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.start = e.now()
	return e
}

// WriteFrame accepts a request; Mode 01 requests on 0x7DF for supported PIDs
// schedule a single-frame response.
func (e *ECU) WriteFrame(fr can.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return transport.ErrClosed
	}
	e.sent = append(e.sent, fr)
	if fr.IsExtended() || fr.ID() != obd.RequestID || fr.Len < 3 || fr.Data[1] != obd.ModeCurrentData {
		return nil
	}
	pid := obd.PID(fr.Data[2])
	if e.silent[pid] {
		return nil
	}
	now := e.now()
	d, n, ok := encode(pid, e.source(now.Sub(e.start).Seconds()))
	if !ok {
		return nil
	}
	at := now.Add(e.delay)
	if e.chatter {
		e.pending = append(e.pending,
			pendingFrame{at: at, fr: can.NewStandard(0x316, 0x05, 0x20, 0x00, 0x00)},
			pendingFrame{at: at, fr: can.NewStandard(e.respID+1, 0x03, obd.ModeCurrentReply, byte(pid)+1, 0x00)},
		)
	}
	payload := append([]byte{byte(2 + n), obd.ModeCurrentReply, byte(pid)}, d[:n]...)
	for len(payload) < can.MaxDataLen {
		payload = append(payload, 0x00)
	}
	e.pending = append(e.pending, pendingFrame{at: at, fr: can.NewStandard(e.respID, payload...)})
	return nil
}

// Available reports whether a scheduled response is due.
func (e *ECU) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed && len(e.pending) > 0 && !e.now().Before(e.pending[0].at)
}

// ReadFrame pops the next due frame.
func (e *ECU) ReadFrame(fr *can.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return transport.ErrClosed
	}
	if len(e.pending) == 0 || e.now().Before(e.pending[0].at) {
		return transport.ErrNoFrame
	}
	*fr = e.pending[0].fr
	e.pending = e.pending[1:]
	return nil
}

// Requests returns a copy of every frame written so far.
func (e *ECU) Requests() []can.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]can.Frame, len(e.sent))
	copy(out, e.sent)
	return out
}

func (e *ECU) Close() error {
	e.mu.Lock()
	e.closed = true
	e.pending = nil
	e.mu.Unlock()
	return nil
}

// encode maps a physical value to Mode 01 data bytes; n is the number of
// significant bytes.
func encode(pid obd.PID, s State) (d [obd.DataLen]byte, n int, ok bool) {
	clampByte := func(v float64) byte { return byte(math.Max(0, math.Min(255, math.Round(v)))) }
	word := func(v float64) {
		raw := uint16(math.Max(0, math.Min(65535, math.Round(v))))
		d[0], d[1] = byte(raw>>8), byte(raw)
		n = 2
	}
	switch pid {
	case obd.PIDEngineRPM:
		word(s.RPM * 4)
	case obd.PIDSpeed:
		d[0], n = clampByte(s.SpeedKPH), 1
	case obd.PIDCoolantTemp:
		d[0], n = clampByte(s.CoolantC+40), 1
	case obd.PIDThrottle:
		d[0], n = clampByte(s.ThrottlePct*255/100), 1
	case obd.PIDEngineLoad:
		d[0], n = clampByte(s.LoadPct*255/100), 1
	case obd.PIDIntakeTemp:
		d[0], n = clampByte(s.IntakeC+40), 1
	case obd.PIDMAFFlow:
		word(s.MAFGramsSec * 100)
	case obd.PIDFuelPressure:
		d[0], n = clampByte(s.FuelKPa/3), 1
	default:
		return d, 0, false
	}
	return d, n, true
}

var _ transport.Port = (*ECU)(nil)
