// Package assembler correlates decoded sample sets per stream, detects
// counter gaps, discards late duplicates and emits time-ordered batches.
package assembler

import (
	"sync"
	"time"

	"github.com/openpmu/sv-gateway/internal/logging"
	"github.com/openpmu/sv-gateway/internal/metrics"
	"github.com/openpmu/sv-gateway/internal/sv"
)

// Config tunes batching and stream lifecycle.
type Config struct {
	// BatchSize emits a batch once this many consecutive samples have
	// accumulated for a stream.
	BatchSize int
	// MaxLatency bounds how long a partial batch may sit before it is
	// emitted anyway.
	MaxLatency time.Duration
	// ReorderWindow is how many counters behind the expected position a
	// sample may arrive before it is discarded as late/duplicate. An
	// exact repeat of the previous counter is always discarded, so the
	// effective window is at least 1.
	ReorderWindow int
	// InactivityTimeout retires a stream that has gone silent.
	InactivityTimeout time.Duration
	// Modulus is the sample counter wraparound (typically the sample
	// rate: counters reset each second).
	Modulus int
	// SampleRate is stamped onto emitted batches when the stream does
	// not carry its own smpRate.
	SampleRate int
}

// Batch is an ordered run of consecutive samples for one stream.
type Batch struct {
	Stream       sv.StreamID
	Start        time.Time // capture time of the first sample
	StartCounter uint16
	SampleRate   int
	Sets         []sv.SampleSet
}

// streamState is mutated only under the assembler mutex; one state per
// stream identifier. A stream is Unseen while absent from the map,
// Active while present and Stale once retired.
type streamState struct {
	expected uint16 // next expected counter
	seen     bool   // false until the first sample fixes expected
	buf      []sv.SampleSet
	oldestAt time.Time
	lastSeen time.Time
	gaps     uint64
	dups     uint64
}

// Assembler owns all stream states. Entry points are serialized with a
// mutex so the capture goroutine and the sweep ticker never touch a
// state concurrently (single-writer per stream).
type Assembler struct {
	mu      sync.Mutex
	cfg     Config
	emit    func(Batch)
	streams map[sv.StreamID]*streamState
	now     func() time.Time // injectable for tests
}

// New builds an assembler delivering batches to emit. The emit callback
// runs on the caller's goroutine and must not block.
func New(cfg Config, emit func(Batch)) *Assembler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 40
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = 100 * time.Millisecond
	}
	if cfg.ReorderWindow < 0 {
		cfg.ReorderWindow = 0
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 5 * time.Second
	}
	if cfg.Modulus <= 0 {
		cfg.Modulus = 1 << 16
	}
	return &Assembler{
		cfg:     cfg,
		emit:    emit,
		streams: make(map[sv.StreamID]*streamState),
		now:     time.Now,
	}
}

// Add routes one decoded sample set into its stream, then sweeps for
// overdue batches and stale streams.
func (a *Assembler) Add(set sv.SampleSet) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	st, ok := a.streams[set.Stream]
	if !ok {
		st = &streamState{}
		a.streams[set.Stream] = st
		metrics.SetActiveStreams(len(a.streams))
		logging.L().Info("stream_active", "stream", set.Stream.String(), "counter", set.Counter)
	}

	if st.seen {
		fwd := int(set.Counter) - int(st.expected)
		fwd %= a.cfg.Modulus
		if fwd < 0 {
			fwd += a.cfg.Modulus
		}
		window := a.cfg.ReorderWindow
		if window < 1 {
			// A repeat of the previous counter must never be booked as
			// a near-modulus forward gap.
			window = 1
		}
		switch {
		case fwd == 0:
			// in order, including the wraparound through zero
		case fwd >= a.cfg.Modulus-window:
			// behind the expected position, within the reorder window:
			// late or duplicate, discard.
			st.dups++
			st.lastSeen = now
			metrics.IncDuplicate()
			return
		default:
			// fwd counters never arrived. Non-fatal quality event; the
			// current run ends here so batches stay gap-free.
			st.gaps++
			metrics.AddGap(fwd)
			set.Quality |= sv.QualGap
			logging.L().Warn("gap_detected",
				"stream", set.Stream.String(),
				"expected", st.expected,
				"got", set.Counter,
				"missing", fwd)
			a.flushLocked(set.Stream, st)
		}
	}

	st.seen = true
	st.expected = uint16((int(set.Counter) + 1) % a.cfg.Modulus)
	if len(st.buf) == 0 {
		st.oldestAt = now
	}
	st.buf = append(st.buf, set)
	st.lastSeen = now

	if len(st.buf) >= a.cfg.BatchSize {
		a.flushLocked(set.Stream, st)
	}
	a.sweepLocked(now)
}

// Sweep emits overdue partial batches and retires stale streams. Called
// periodically so latency bounds hold even when a stream goes quiet.
func (a *Assembler) Sweep() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepLocked(a.now())
}

func (a *Assembler) sweepLocked(now time.Time) {
	for id, st := range a.streams {
		if now.Sub(st.lastSeen) >= a.cfg.InactivityTimeout {
			a.flushLocked(id, st)
			delete(a.streams, id)
			metrics.SetActiveStreams(len(a.streams))
			metrics.IncStreamRetired()
			logging.L().Info("stream_stale",
				"stream", id.String(),
				"gaps", st.gaps,
				"duplicates", st.dups)
			continue
		}
		if len(st.buf) > 0 && now.Sub(st.oldestAt) >= a.cfg.MaxLatency {
			a.flushLocked(id, st)
		}
	}
}

// Flush emits every buffered sample. Used on shutdown to drain.
func (a *Assembler) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, st := range a.streams {
		a.flushLocked(id, st)
	}
}

// ActiveStreams reports how many streams are currently tracked.
func (a *Assembler) ActiveStreams() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.streams)
}

func (a *Assembler) flushLocked(id sv.StreamID, st *streamState) {
	if len(st.buf) == 0 {
		return
	}
	rate := a.cfg.SampleRate
	if r := st.buf[0].Rate; r != 0 {
		rate = int(r)
	}
	b := Batch{
		Stream:       id,
		Start:        st.buf[0].Captured,
		StartCounter: st.buf[0].Counter,
		SampleRate:   rate,
		Sets:         st.buf,
	}
	st.buf = nil
	metrics.IncBatchEmitted()
	if a.emit != nil {
		a.emit(b)
	}
}
