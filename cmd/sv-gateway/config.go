package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	captureBackend  string
	iface           string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	profilePath     string
	destinations    []string
	batchSize       int
	batchMaxLatency time.Duration
	reorderWindow   int
	inactivityTO    time.Duration
	maxDatagram     int
	txQueue         int
	recordFile      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
	drainTO         time.Duration
}

// destList collects repeatable -destination flags.
type destList []string

func (d *destList) String() string { return strings.Join(*d, ",") }
func (d *destList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("empty destination")
	}
	*d = append(*d, v)
	return nil
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	var dests destList
	backend := flag.String("capture", "ethernet", "Capture backend: ethernet|serial")
	iface := flag.String("interface", "eth0", "Network interface for ethernet capture")
	serialDev := flag.String("serial-dev", "/dev/ttyUSB0", "Serial tap device path (when --capture=serial)")
	baud := flag.Int("serial-baud", 921600, "Serial tap baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	profilePath := flag.String("profile", "", "Device profile TOML path (empty = built-in 9-2LE profile)")
	flag.Var(&dests, "destination", "OpenPMU destination host:port (repeatable)")
	batchSize := flag.Int("batch-size", 40, "Samples per batch before emission")
	batchMaxLatency := flag.Duration("batch-max-latency", 100*time.Millisecond, "Max time a partial batch may wait")
	reorderWindow := flag.Int("reorder-window", 0, "Backward counter distance treated as duplicate/late")
	inactivityTO := flag.Duration("inactivity-timeout", 5*time.Second, "Retire a stream after this long without samples")
	maxDatagram := flag.Int("max-datagram-size", 8192, "Datagram size budget in bytes")
	txQueue := flag.Int("tx-queue", 1024, "Per-destination transmit queue (datagrams)")
	recordFile := flag.String("record-file", "", "CBOR sample recording path; empty disables")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the OpenPMU stream")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default sv-gateway-<hostname>)")
	drainTO := flag.Duration("drain-timeout", 2*time.Second, "Max time to drain buffered samples on shutdown")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.captureBackend = *backend
	cfg.iface = *iface
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.profilePath = *profilePath
	cfg.destinations = dests
	cfg.batchSize = *batchSize
	cfg.batchMaxLatency = *batchMaxLatency
	cfg.reorderWindow = *reorderWindow
	cfg.inactivityTO = *inactivityTO
	cfg.maxDatagram = *maxDatagram
	cfg.txQueue = *txQueue
	cfg.recordFile = *recordFile
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.drainTO = *drainTO

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs semantic validation of the parsed configuration.
// It does not open devices or sockets, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.captureBackend {
	case "ethernet":
		if c.iface == "" {
			return errors.New("interface must be set for ethernet capture")
		}
	case "serial":
		if c.serialDev == "" {
			return errors.New("serial-dev must be set for serial capture")
		}
		if c.baud <= 0 {
			return fmt.Errorf("serial-baud must be > 0 (got %d)", c.baud)
		}
		if c.serialReadTO <= 0 {
			return errors.New("serial-read-timeout must be > 0")
		}
	default:
		return fmt.Errorf("invalid capture backend: %s", c.captureBackend)
	}
	if len(c.destinations) == 0 {
		return errors.New("at least one destination required")
	}
	for _, d := range c.destinations {
		if _, _, err := net.SplitHostPort(d); err != nil {
			return fmt.Errorf("invalid destination %q: %w", d, err)
		}
	}
	if c.batchSize <= 0 {
		return fmt.Errorf("batch-size must be > 0 (got %d)", c.batchSize)
	}
	if c.batchMaxLatency <= 0 {
		return errors.New("batch-max-latency must be > 0")
	}
	if c.reorderWindow < 0 {
		return fmt.Errorf("reorder-window must be >= 0 (got %d)", c.reorderWindow)
	}
	if c.inactivityTO <= 0 {
		return errors.New("inactivity-timeout must be > 0")
	}
	if c.maxDatagram < 512 {
		return fmt.Errorf("max-datagram-size must be >= 512 (got %d)", c.maxDatagram)
	}
	if c.txQueue <= 0 {
		return fmt.Errorf("tx-queue must be > 0 (got %d)", c.txQueue)
	}
	if c.drainTO <= 0 {
		return errors.New("drain-timeout must be > 0")
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
	return nil
}

// applyEnvOverrides maps SV_GATEWAY_* environment variables to config
// fields unless the corresponding flag was explicitly set. Empty values
// are ignored; durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	str := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	num := func(flagName, env string, dst *int, min int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= min {
				*dst = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}

	str("capture", "SV_GATEWAY_CAPTURE", &c.captureBackend)
	str("interface", "SV_GATEWAY_INTERFACE", &c.iface)
	str("serial-dev", "SV_GATEWAY_SERIAL", &c.serialDev)
	num("serial-baud", "SV_GATEWAY_BAUD", &c.baud, 1)
	dur("serial-read-timeout", "SV_GATEWAY_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	str("profile", "SV_GATEWAY_PROFILE", &c.profilePath)
	if _, ok := set["destination"]; !ok {
		if v, ok := get("SV_GATEWAY_DESTINATIONS"); ok && v != "" {
			c.destinations = nil
			for _, d := range strings.Split(v, ",") {
				if d = strings.TrimSpace(d); d != "" {
					c.destinations = append(c.destinations, d)
				}
			}
		}
	}
	num("batch-size", "SV_GATEWAY_BATCH_SIZE", &c.batchSize, 1)
	dur("batch-max-latency", "SV_GATEWAY_BATCH_MAX_LATENCY", &c.batchMaxLatency)
	num("reorder-window", "SV_GATEWAY_REORDER_WINDOW", &c.reorderWindow, 0)
	dur("inactivity-timeout", "SV_GATEWAY_INACTIVITY_TIMEOUT", &c.inactivityTO)
	num("max-datagram-size", "SV_GATEWAY_MAX_DATAGRAM", &c.maxDatagram, 1)
	num("tx-queue", "SV_GATEWAY_TX_QUEUE", &c.txQueue, 1)
	str("record-file", "SV_GATEWAY_RECORD_FILE", &c.recordFile)
	str("log-format", "SV_GATEWAY_LOG_FORMAT", &c.logFormat)
	str("log-level", "SV_GATEWAY_LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("SV_GATEWAY_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	dur("log-metrics-interval", "SV_GATEWAY_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("SV_GATEWAY_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	str("mdns-name", "SV_GATEWAY_MDNS_NAME", &c.mdnsName)
	dur("drain-timeout", "SV_GATEWAY_DRAIN_TIMEOUT", &c.drainTO)
	return firstErr
}
