package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kstaniek/go-obd-poller/internal/obd"
)

const envPrefix = "OBD_POLLER_"

type appConfig struct {
	configPath      string
	backend         string
	canIf           string
	canFilter       bool
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	elmDev          string
	elmBaud         int
	cnlAddr         string
	cnlDiscover     bool
	cnlTimeout      time.Duration
	rxBuffer        int
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	feedAddr        string
	feedBuffer      int
	feedPolicy      string
	report          string
	once            bool
	query           string
}

// fileConfig mirrors appConfig for the optional YAML file. Keys match flag names.
type fileConfig struct {
	Backend            *string        `yaml:"backend"`
	CANIf              *string        `yaml:"can-if"`
	CANFilter          *bool          `yaml:"can-filter"`
	Serial             *string        `yaml:"serial"`
	Baud               *int           `yaml:"baud"`
	SerialReadTimeout  *time.Duration `yaml:"serial-read-timeout"`
	ELMDev             *string        `yaml:"elm-dev"`
	ELMBaud            *int           `yaml:"elm-baud"`
	CNLAddr            *string        `yaml:"cnl-addr"`
	CNLDiscover        *bool          `yaml:"cnl-discover"`
	CNLTimeout         *time.Duration `yaml:"cnl-timeout"`
	RxBuffer           *int           `yaml:"rx-buffer"`
	LogFormat          *string        `yaml:"log-format"`
	LogLevel           *string        `yaml:"log-level"`
	MetricsAddr        *string        `yaml:"metrics-addr"`
	LogMetricsInterval *time.Duration `yaml:"log-metrics-interval"`
	FeedAddr           *string        `yaml:"feed-addr"`
	FeedBuffer         *int           `yaml:"feed-buffer"`
	FeedPolicy         *string        `yaml:"feed-policy"`
	Report             *string        `yaml:"report"`
}

func defaultConfig() *appConfig {
	return &appConfig{
		backend:      "socketcan",
		canIf:        "can0",
		canFilter:    true,
		serialDev:    "/dev/ttyUSB0",
		baud:         115200,
		serialReadTO: 50 * time.Millisecond,
		elmDev:       "/dev/ttyUSB0",
		elmBaud:      38400,
		cnlTimeout:   3 * time.Second,
		rxBuffer:     64,
		logFormat:    "text",
		logLevel:     "info",
		feedBuffer:   16,
		feedPolicy:   "drop",
		report:       "text",
	}
}

// parseConfig resolves configuration with precedence
// defaults < YAML file < OBD_POLLER_* env < explicitly set flags.
func parseConfig(args []string, stderr io.Writer) (*appConfig, bool, error) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("obd-poller", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.configPath, "config", "", "Optional YAML config file")
	fs.StringVar(&cfg.backend, "backend", cfg.backend, "Bus backend: socketcan|serial|elm327|cannelloni|demo")
	fs.StringVar(&cfg.canIf, "can-if", cfg.canIf, "SocketCAN interface (when --backend=socketcan)")
	fs.BoolVar(&cfg.canFilter, "can-filter", cfg.canFilter, "Install a kernel filter for OBD response ids (socketcan)")
	fs.StringVar(&cfg.serialDev, "serial", cfg.serialDev, "Ampio serial CAN adapter device path")
	fs.IntVar(&cfg.baud, "baud", cfg.baud, "Ampio serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", cfg.serialReadTO, "Serial read timeout")
	fs.StringVar(&cfg.elmDev, "elm-dev", cfg.elmDev, "ELM327 adapter device path")
	fs.IntVar(&cfg.elmBaud, "elm-baud", cfg.elmBaud, "ELM327 adapter baud rate")
	fs.StringVar(&cfg.cnlAddr, "cnl-addr", cfg.cnlAddr, "Cannelloni gateway host:port")
	fs.BoolVar(&cfg.cnlDiscover, "cnl-discover", cfg.cnlDiscover, "Discover the cannelloni gateway via mDNS when cnl-addr is empty")
	fs.DurationVar(&cfg.cnlTimeout, "cnl-timeout", cfg.cnlTimeout, "Cannelloni dial, handshake and discovery timeout")
	fs.IntVar(&cfg.rxBuffer, "rx-buffer", cfg.rxBuffer, "Received frame queue size for stream backends")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", cfg.metricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", cfg.logMetricsEvery, "If >0, periodically log metrics counters")
	fs.StringVar(&cfg.feedAddr, "feed-addr", cfg.feedAddr, "Live websocket feed listen address (e.g., :8080); empty disables")
	fs.IntVar(&cfg.feedBuffer, "feed-buffer", cfg.feedBuffer, "Per-client feed buffer (messages)")
	fs.StringVar(&cfg.feedPolicy, "feed-policy", cfg.feedPolicy, "Feed backpressure policy: drop|kick")
	fs.StringVar(&cfg.report, "report", cfg.report, "Sweep report: text|log|none")
	fs.BoolVar(&cfg.once, "once", false, "Run a single sweep and exit")
	fs.StringVar(&cfg.query, "query", "", "Query one PID (hex, e.g. 0x0F) and exit")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}

	// Track which flags were explicitly set to give them precedence.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if _, ok := setFlags["config"]; !ok {
		if v, ok := os.LookupEnv(envPrefix + "CONFIG"); ok {
			cfg.configPath = strings.TrimSpace(v)
		}
	}
	if cfg.configPath != "" {
		fc, err := loadFile(cfg.configPath)
		if err != nil {
			return nil, false, err
		}
		applyFile(cfg, fc, setFlags)
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, false, fmt.Errorf("environment override error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, false, nil
}

func loadFile(path string) (*fileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	defer f.Close()
	var fc fileConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return &fc, nil
}

// applyFile copies file values for every flag not set on the command line.
func applyFile(c *appConfig, fc *fileConfig, set map[string]struct{}) {
	str := func(name string, v *string, dst *string) {
		if _, ok := set[name]; !ok && v != nil {
			*dst = *v
		}
	}
	num := func(name string, v *int, dst *int) {
		if _, ok := set[name]; !ok && v != nil {
			*dst = *v
		}
	}
	dur := func(name string, v *time.Duration, dst *time.Duration) {
		if _, ok := set[name]; !ok && v != nil {
			*dst = *v
		}
	}
	boolean := func(name string, v *bool, dst *bool) {
		if _, ok := set[name]; !ok && v != nil {
			*dst = *v
		}
	}
	str("backend", fc.Backend, &c.backend)
	str("can-if", fc.CANIf, &c.canIf)
	boolean("can-filter", fc.CANFilter, &c.canFilter)
	str("serial", fc.Serial, &c.serialDev)
	num("baud", fc.Baud, &c.baud)
	dur("serial-read-timeout", fc.SerialReadTimeout, &c.serialReadTO)
	str("elm-dev", fc.ELMDev, &c.elmDev)
	num("elm-baud", fc.ELMBaud, &c.elmBaud)
	str("cnl-addr", fc.CNLAddr, &c.cnlAddr)
	boolean("cnl-discover", fc.CNLDiscover, &c.cnlDiscover)
	dur("cnl-timeout", fc.CNLTimeout, &c.cnlTimeout)
	num("rx-buffer", fc.RxBuffer, &c.rxBuffer)
	str("log-format", fc.LogFormat, &c.logFormat)
	str("log-level", fc.LogLevel, &c.logLevel)
	str("metrics-addr", fc.MetricsAddr, &c.metricsAddr)
	dur("log-metrics-interval", fc.LogMetricsInterval, &c.logMetricsEvery)
	str("feed-addr", fc.FeedAddr, &c.feedAddr)
	num("feed-buffer", fc.FeedBuffer, &c.feedBuffer)
	str("feed-policy", fc.FeedPolicy, &c.feedPolicy)
	str("report", fc.Report, &c.report)
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "socketcan":
		if c.canIf == "" {
			return errors.New("can-if required for socketcan backend")
		}
	case "serial":
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if c.serialReadTO <= 0 {
			return fmt.Errorf("serial-read-timeout must be > 0")
		}
	case "elm327":
		if c.elmBaud <= 0 {
			return fmt.Errorf("elm-baud must be > 0 (got %d)", c.elmBaud)
		}
	case "cannelloni":
		if c.cnlAddr == "" && !c.cnlDiscover {
			return errors.New("cannelloni backend needs cnl-addr or cnl-discover")
		}
	case "demo":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.cnlTimeout <= 0 {
		return fmt.Errorf("cnl-timeout must be > 0")
	}
	if c.rxBuffer <= 0 {
		return fmt.Errorf("rx-buffer must be > 0 (got %d)", c.rxBuffer)
	}
	switch c.feedPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid feed-policy: %s", c.feedPolicy)
	}
	if c.feedBuffer <= 0 {
		return fmt.Errorf("feed-buffer must be > 0 (got %d)", c.feedBuffer)
	}
	switch c.report {
	case "text", "log", "none":
	default:
		return fmt.Errorf("invalid report: %s", c.report)
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	if c.query != "" {
		pid, err := obd.ParsePID(c.query)
		if err != nil {
			return err
		}
		if _, ok := obd.Lookup(pid); !ok {
			return fmt.Errorf("unsupported pid %s", pid)
		}
		if c.once {
			return errors.New("once and query are mutually exclusive")
		}
	}
	return nil
}

// applyEnvOverrides maps OBD_POLLER_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Duration accepts Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(env string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s%s: %w", envPrefix, env, err)
		}
	}
	get := func(flagName, env string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(envPrefix + env)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(flagName, env string, dst *string) {
		if v, ok := get(flagName, env); ok {
			*dst = v
		}
	}
	num := func(flagName, env string, dst *int) {
		if v, ok := get(flagName, env); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(env, err)
				return
			}
			*dst = n
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if v, ok := get(flagName, env); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(env, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(flagName, env string, dst *bool) {
		if v, ok := get(flagName, env); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(env, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("backend", "BACKEND", &c.backend)
	str("can-if", "CAN_IF", &c.canIf)
	boolean("can-filter", "CAN_FILTER", &c.canFilter)
	str("serial", "SERIAL", &c.serialDev)
	num("baud", "BAUD", &c.baud)
	dur("serial-read-timeout", "SERIAL_READ_TIMEOUT", &c.serialReadTO)
	str("elm-dev", "ELM_DEV", &c.elmDev)
	num("elm-baud", "ELM_BAUD", &c.elmBaud)
	str("cnl-addr", "CNL_ADDR", &c.cnlAddr)
	boolean("cnl-discover", "CNL_DISCOVER", &c.cnlDiscover)
	dur("cnl-timeout", "CNL_TIMEOUT", &c.cnlTimeout)
	num("rx-buffer", "RX_BUFFER", &c.rxBuffer)
	str("log-format", "LOG_FORMAT", &c.logFormat)
	str("log-level", "LOG_LEVEL", &c.logLevel)
	str("metrics-addr", "METRICS", &c.metricsAddr)
	dur("log-metrics-interval", "LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	str("feed-addr", "FEED_ADDR", &c.feedAddr)
	num("feed-buffer", "FEED_BUFFER", &c.feedBuffer)
	str("feed-policy", "FEED_POLICY", &c.feedPolicy)
	str("report", "REPORT", &c.report)
	return firstErr
}
