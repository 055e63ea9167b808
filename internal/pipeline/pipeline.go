// Package pipeline wires capture, decode, assembly, encoding and
// delivery into one supervised run loop.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/openpmu/sv-gateway/internal/assembler"
	"github.com/openpmu/sv-gateway/internal/capture"
	"github.com/openpmu/sv-gateway/internal/logging"
	"github.com/openpmu/sv-gateway/internal/metrics"
	"github.com/openpmu/sv-gateway/internal/sv"
)

// sleepFn is a hook for tests (overridden to avoid real sleeps).
var sleepFn = time.Sleep

const (
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond

	defaultSweepInterval = 50 * time.Millisecond
	defaultDrainTimeout  = 2 * time.Second
)

// Decoder turns a captured frame into sample sets. *sv.Decoder
// implements it; tests substitute fakes.
type Decoder interface {
	Decode(fr *capture.Frame) ([]sv.SampleSet, error)
}

// Encoder renders a batch into transmit-ready datagrams.
type Encoder interface {
	Encode(b assembler.Batch) ([][]byte, error)
}

// Recorder taps decoded sample sets before assembly.
type Recorder interface {
	Record(set sv.SampleSet) error
}

// Pipeline owns the capture goroutine, the stream assembler and the
// periodic sweep. Construct with New, then Run until the context ends.
type Pipeline struct {
	source    capture.Source
	decoder   Decoder
	encoder   Encoder
	broadcast func([]byte)
	recorder  Recorder
	logger    *slog.Logger

	asm     *assembler.Assembler
	asmCfg  assembler.Config
	sweep   time.Duration
	drain   time.Duration
	readyCh chan struct{}
	once    sync.Once
}

type Option func(*Pipeline)

func WithSource(s capture.Source) Option      { return func(p *Pipeline) { p.source = s } }
func WithDecoder(d Decoder) Option            { return func(p *Pipeline) { p.decoder = d } }
func WithEncoder(e Encoder) Option            { return func(p *Pipeline) { p.encoder = e } }
func WithBroadcast(fn func([]byte)) Option    { return func(p *Pipeline) { p.broadcast = fn } }
func WithRecorder(r Recorder) Option          { return func(p *Pipeline) { p.recorder = r } }
func WithAssembler(c assembler.Config) Option { return func(p *Pipeline) { p.asmCfg = c } }

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.sweep = d
		}
	}
}

func WithDrainTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.drain = d
		}
	}
}

// New builds a pipeline. Source, decoder, encoder and broadcast are
// required; Run reports their absence as errors.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:  logging.L(),
		sweep:   defaultSweepInterval,
		drain:   defaultDrainTimeout,
		readyCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.asm = assembler.New(p.asmCfg, p.emitBatch)
	return p
}

// Ready is closed once the capture loop is running.
func (p *Pipeline) Ready() <-chan struct{} { return p.readyCh }

// Assembler exposes the stream assembler for readiness and stats.
func (p *Pipeline) Assembler() *assembler.Assembler { return p.asm }

func (p *Pipeline) emitBatch(b assembler.Batch) {
	dgrams, err := p.encoder.Encode(b)
	if err != nil {
		metrics.IncError(metrics.ErrEncode)
		p.logger.Error("encode_error", "stream", b.Stream, "samples", len(b.Sets), "error", err)
		return
	}
	for _, d := range dgrams {
		p.broadcast(d)
	}
}

// Run captures frames until ctx is canceled, then drains buffered
// samples through the encoder within the drain timeout.
func (p *Pipeline) Run(ctx context.Context) error {
	switch {
	case p.source == nil:
		return errors.New("pipeline: no capture source")
	case p.decoder == nil:
		return errors.New("pipeline: no decoder")
	case p.encoder == nil:
		return errors.New("pipeline: no encoder")
	case p.broadcast == nil:
		return errors.New("pipeline: no broadcast")
	}

	var wg sync.WaitGroup
	rxDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(rxDone)
		p.rxLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(p.sweep)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-rxDone:
				return
			case <-t.C:
				p.asm.Sweep()
			}
		}
	}()

	p.once.Do(func() { close(p.readyCh) })
	p.logger.Info("pipeline_running")

	select {
	case <-ctx.Done():
	case <-rxDone:
	}

	// Closing the source unblocks a pending read so the RX goroutine
	// can observe cancellation.
	if err := p.source.Close(); err != nil {
		p.logger.Warn("source_close_error", "error", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(p.drain):
		p.logger.Warn("drain_timeout", "timeout", p.drain)
	}

	p.asm.Flush()
	p.logger.Info("pipeline_stopped")
	return ctx.Err()
}

// rxLoop reads frames off the capture source, backing off on read
// errors so a flapping interface does not spin the CPU.
func (p *Pipeline) rxLoop(ctx context.Context) {
	defer p.logger.Info("capture_rx_end")
	backoff := rxBackoffMin
	var fr capture.Frame
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := p.source.ReadFrame(&fr); err != nil {
			if ctx.Err() != nil { // shutting down
				return
			}
			metrics.IncError(metrics.ErrCaptureRead)
			p.logger.Warn("capture_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
			continue
		}
		backoff = rxBackoffMin
		metrics.IncFrameCaptured()
		p.handleFrame(&fr)
	}
}

func (p *Pipeline) handleFrame(fr *capture.Frame) {
	sets, err := p.decoder.Decode(fr)
	if err != nil {
		switch {
		case errors.Is(err, sv.ErrTruncatedPayload):
			metrics.IncDecodeTruncated()
		default:
			metrics.IncDecodeMalformed()
		}
		p.logger.Debug("decode_error", "iface", fr.Iface, "len", fr.Len, "error", err)
		return
	}
	metrics.AddSamplesDecoded(len(sets))
	for i := range sets {
		if p.recorder != nil {
			if err := p.recorder.Record(sets[i]); err != nil {
				metrics.IncError(metrics.ErrRecord)
				p.logger.Warn("record_error", "error", err)
			}
		}
		p.asm.Add(sets[i])
	}
}
