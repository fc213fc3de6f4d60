package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-obd-poller/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	Queries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_queries_total",
		Help: "Total Mode 01 requests sent.",
	})
	Responses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_responses_total",
		Help: "Total matching Mode 01 responses received.",
	})
	Timeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_timeouts_total",
		Help: "Total queries that saw no matching response within the timeout.",
	})
	IgnoredFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_ignored_frames_total",
		Help: "Total inbound frames discarded while waiting for a response (wrong id, mode or pid).",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total ECU-addressed frames too short to carry a Mode 01 response.",
	})
	Sweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeps_total",
		Help: "Total completed polling sweeps.",
	})
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sweep_duration_seconds",
		Help:    "Wall time of one full polling sweep.",
		Buckets: []float64{.005, .01, .025, .05, .1, .2, .3, .4, .5, .75, 1},
	})
	Reading = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "obd_reading",
		Help: "Last decoded value per PID (failure sentinel when the query failed).",
	}, []string{"pid", "label"})
	ReadingOK = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "obd_reading_ok",
		Help: "1 if the last query for the PID succeeded, 0 otherwise.",
	}, []string{"pid", "label"})
	BusRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_rx_frames_total",
		Help: "Total CAN frames received from the bus backend.",
	}, []string{"backend"})
	BusTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_tx_frames_total",
		Help: "Total CAN frames written to the bus backend.",
	}, []string{"backend"})
	FeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feed_clients",
		Help: "Current number of connected live feed clients.",
	})
	FeedDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_dropped_total",
		Help: "Total feed messages dropped due to slow clients.",
	})
	FeedKicked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_kicked_clients_total",
		Help: "Total feed clients disconnected due to backpressure kick policy.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrOBDSend        = "obd_send"
	ErrOBDRead        = "obd_read"
	ErrSerialRead     = "serial_read"
	ErrSerialWrite    = "serial_write"
	ErrSerialFraming  = "serial_framing"
	ErrSocketCANRead  = "socketcan_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrELMRead        = "elm327_read"
	ErrELMWrite       = "elm327_write"
	ErrCNLRead        = "cannelloni_read"
	ErrCNLWrite       = "cannelloni_write"
	ErrCNLFraming     = "cannelloni_framing"
	ErrRxOverflow     = "rx_overflow"
	ErrFeedWrite      = "feed_write"
)

// Handler serves Prometheus metrics at /metrics and readiness at /ready.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	return mux
}

// StartHTTP serves Handler on addr in the background.
func StartHTTP(addr string) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: Handler(),
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localQueries   uint64
	localResponses uint64
	localTimeouts  uint64
	localIgnored   uint64
	localMalformed uint64
	localSweeps    uint64
	localBusRx     uint64
	localBusTx     uint64
	localErrors    uint64
	localFeedConns uint64
	localFeedDrops uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Queries     uint64
	Responses   uint64
	Timeouts    uint64
	Ignored     uint64
	Malformed   uint64
	Sweeps      uint64
	BusRx       uint64
	BusTx       uint64
	Errors      uint64 // sum across error labels
	FeedClients uint64
	FeedDrops   uint64
}

func Snap() Snapshot {
	return Snapshot{
		Queries:     atomic.LoadUint64(&localQueries),
		Responses:   atomic.LoadUint64(&localResponses),
		Timeouts:    atomic.LoadUint64(&localTimeouts),
		Ignored:     atomic.LoadUint64(&localIgnored),
		Malformed:   atomic.LoadUint64(&localMalformed),
		Sweeps:      atomic.LoadUint64(&localSweeps),
		BusRx:       atomic.LoadUint64(&localBusRx),
		BusTx:       atomic.LoadUint64(&localBusTx),
		Errors:      atomic.LoadUint64(&localErrors),
		FeedClients: atomic.LoadUint64(&localFeedConns),
		FeedDrops:   atomic.LoadUint64(&localFeedDrops),
	}
}

// Wrapper helpers to keep call sites simple.
func IncQuery() {
	Queries.Inc()
	atomic.AddUint64(&localQueries, 1)
}

func IncResponse() {
	Responses.Inc()
	atomic.AddUint64(&localResponses, 1)
}

func IncTimeout() {
	Timeouts.Inc()
	atomic.AddUint64(&localTimeouts, 1)
}

func IncIgnored() {
	IgnoredFrames.Inc()
	atomic.AddUint64(&localIgnored, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// ObserveSweep records one completed sweep.
func ObserveSweep(seconds float64) {
	Sweeps.Inc()
	SweepDuration.Observe(seconds)
	atomic.AddUint64(&localSweeps, 1)
}

// SetReading publishes the last value for a PID.
func SetReading(pid, label string, ok bool, value int) {
	Reading.WithLabelValues(pid, label).Set(float64(value))
	v := 0.0
	if ok {
		v = 1
	}
	ReadingOK.WithLabelValues(pid, label).Set(v)
}

// IncBusRx increments bus receive counters for the named backend.
func IncBusRx(backend string) {
	BusRxFrames.WithLabelValues(backend).Inc()
	atomic.AddUint64(&localBusRx, 1)
}

// IncBusTx increments bus transmit counters for the named backend.
func IncBusTx(backend string) {
	BusTxFrames.WithLabelValues(backend).Inc()
	atomic.AddUint64(&localBusTx, 1)
}

func SetFeedClients(n int) {
	FeedClients.Set(float64(n))
	atomic.StoreUint64(&localFeedConns, uint64(n))
}

func IncFeedDrop() {
	FeedDropped.Inc()
	atomic.AddUint64(&localFeedDrops, 1)
}

func IncFeedKick() { FeedKicked.Inc() }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error label series so dashboards see zeros before the first error.
	for _, lbl := range []string{
		ErrOBDSend, ErrOBDRead,
		ErrSerialRead, ErrSerialWrite, ErrSerialFraming,
		ErrSocketCANRead, ErrSocketCANWrite,
		ErrELMRead, ErrELMWrite,
		ErrCNLRead, ErrCNLWrite, ErrCNLFraming,
		ErrRxOverflow, ErrFeedWrite,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not wired yet: report ready so probes don't flap during startup
		return true
	}
	return fn()
}
