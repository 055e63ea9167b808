package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/openpmu/sv-gateway/internal/assembler"
	"github.com/openpmu/sv-gateway/internal/metrics"
	"github.com/openpmu/sv-gateway/internal/openpmu"
	"github.com/openpmu/sv-gateway/internal/pipeline"
	"github.com/openpmu/sv-gateway/internal/profile"
	"github.com/openpmu/sv-gateway/internal/record"
	"github.com/openpmu/sv-gateway/internal/sink"
	"github.com/openpmu/sv-gateway/internal/sv"
)

// Helper implementations live in dedicated files: version.go, config.go,
// logger.go, capture.go, mdns.go, metrics_logger.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("sv-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	prof := profile.Default()
	if cfg.profilePath != "" {
		p, err := profile.Load(cfg.profilePath)
		if err != nil {
			l.Error("profile_load_error", "error", err)
			os.Exit(1)
		}
		prof = p
	}

	encoder := openpmu.NewEncoder(prof, cfg.maxDatagram)
	if err := encoder.Check(); err != nil {
		l.Error("encoder_config_error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	senders := make([]sink.Sender, 0, len(cfg.destinations))
	for _, d := range cfg.destinations {
		s, err := sink.OpenUDP(d)
		if err != nil {
			l.Error("destination_open_error", "dest", d, "error", err)
			for _, open := range senders {
				_ = open.Close()
			}
			os.Exit(1)
		}
		senders = append(senders, s)
	}
	fan := sink.NewFanout(ctx, senders, cfg.txQueue)
	l.Info("destinations_open", "count", len(senders))

	var rec *record.Recorder
	if cfg.recordFile != "" {
		r, err := record.Open(cfg.recordFile)
		if err != nil {
			l.Error("record_open_error", "error", err)
			os.Exit(1)
		}
		rec = r
		l.Info("recording", "file", cfg.recordFile)
	}

	src, err := openCaptureSource(cfg)
	if err != nil {
		l.Error("capture_open_error", "error", err)
		os.Exit(1)
	}
	l.Info("capture_open", "backend", cfg.captureBackend,
		"interface", cfg.iface, "serial", cfg.serialDev)

	opts := []pipeline.Option{
		pipeline.WithSource(src),
		pipeline.WithDecoder(sv.NewDecoder(prof)),
		pipeline.WithEncoder(encoder),
		pipeline.WithBroadcast(fan.Broadcast),
		pipeline.WithLogger(l),
		pipeline.WithDrainTimeout(cfg.drainTO),
		pipeline.WithAssembler(assembler.Config{
			BatchSize:         cfg.batchSize,
			MaxLatency:        cfg.batchMaxLatency,
			ReorderWindow:     cfg.reorderWindow,
			InactivityTimeout: cfg.inactivityTO,
			Modulus:           prof.CounterModulus,
			SampleRate:        prof.SampleRate,
		}),
	}
	if rec != nil {
		opts = append(opts, pipeline.WithRecorder(rec))
	}
	p := pipeline.New(opts...)

	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	// Start mDNS advertisement once the pipeline is up.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-p.Ready():
		case <-ctx.Done():
			return
		}
		cleanupMDNS, err := startMDNS(ctx, cfg)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-p.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
		<-runDone
	case err := <-runDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			l.Error("pipeline_error", "error", err)
		}
		cancel()
	}
	fan.Close()
	if rec != nil {
		if err := rec.Close(); err != nil {
			l.Warn("record_close_error", "error", err)
		}
	}
	wg.Wait()
}
