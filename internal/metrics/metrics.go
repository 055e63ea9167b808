package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/openpmu/sv-gateway/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	FramesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sv_frames_captured_total",
		Help: "Total sampled value frames read from the capture source.",
	})
	SamplesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sv_samples_decoded_total",
		Help: "Total sample sets (ASDUs) successfully decoded.",
	})
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sv_decode_errors_total",
		Help: "Frames discarded by the decoder, by failure class.",
	}, []string{"kind"})
	TapMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tap_malformed_total",
		Help: "Serial tap envelopes rejected (bad length or checksum).",
	})
	GapsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_gaps_total",
		Help: "Counter gaps detected across all streams.",
	})
	GapSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_gap_samples_total",
		Help: "Total samples presumed lost inside detected gaps.",
	})
	DuplicateSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_duplicate_samples_total",
		Help: "Samples discarded as duplicates or older than the reorder window.",
	})
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_streams",
		Help: "Streams currently tracked by the assembler.",
	})
	StreamsRetired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streams_retired_total",
		Help: "Streams retired after the inactivity timeout.",
	})
	BatchesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sample_batches_total",
		Help: "Sample batches emitted by the assembler.",
	})
	DatagramsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openpmu_datagrams_sent_total",
		Help: "OpenPMU datagrams successfully written to a destination.",
	})
	DatagramsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openpmu_datagrams_dropped_total",
		Help: "Datagrams dropped oldest-first from a full destination queue.",
	})
	SamplesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "samples_recorded_total",
		Help: "Sample sets written to the diagnostics recorder.",
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
	ErrCaptureRead     = "capture_read"
	ErrSendWouldBlock  = "send_would_block"
	ErrSendUnreachable = "send_unreachable"
	ErrSendOther       = "send_other"
	ErrEncode          = "encode"
	ErrRecord          = "record"
)

// Decode error label values.
const (
	DecodeMalformed = "malformed"
	DecodeTruncated = "truncated"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
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

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for the periodic metrics logger (avoids
// scraping Prometheus in-process).
var (
	localFrames     uint64
	localSamples    uint64
	localMalformed  uint64
	localTruncated  uint64
	localTapBad     uint64
	localGaps       uint64
	localGapSamples uint64
	localDuplicates uint64
	localStreams    uint64
	localRetired    uint64
	localBatches    uint64
	localSent       uint64
	localDropped    uint64
	localRecorded   uint64
	localErrors     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Frames     uint64
	Samples    uint64
	Malformed  uint64
	Truncated  uint64
	TapBad     uint64
	Gaps       uint64
	GapSamples uint64
	Duplicates uint64
	Streams    uint64
	Retired    uint64
	Batches    uint64
	Sent       uint64
	Dropped    uint64
	Recorded   uint64
	Errors     uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		Frames:     atomic.LoadUint64(&localFrames),
		Samples:    atomic.LoadUint64(&localSamples),
		Malformed:  atomic.LoadUint64(&localMalformed),
		Truncated:  atomic.LoadUint64(&localTruncated),
		TapBad:     atomic.LoadUint64(&localTapBad),
		Gaps:       atomic.LoadUint64(&localGaps),
		GapSamples: atomic.LoadUint64(&localGapSamples),
		Duplicates: atomic.LoadUint64(&localDuplicates),
		Streams:    atomic.LoadUint64(&localStreams),
		Retired:    atomic.LoadUint64(&localRetired),
		Batches:    atomic.LoadUint64(&localBatches),
		Sent:       atomic.LoadUint64(&localSent),
		Dropped:    atomic.LoadUint64(&localDropped),
		Recorded:   atomic.LoadUint64(&localRecorded),
		Errors:     atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncFrameCaptured() {
	FramesCaptured.Inc()
	atomic.AddUint64(&localFrames, 1)
}

func AddSamplesDecoded(n int) {
	SamplesDecoded.Add(float64(n))
	atomic.AddUint64(&localSamples, uint64(n))
}

func IncDecodeMalformed() {
	DecodeErrors.WithLabelValues(DecodeMalformed).Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncDecodeTruncated() {
	DecodeErrors.WithLabelValues(DecodeTruncated).Inc()
	atomic.AddUint64(&localTruncated, 1)
}

func IncTapMalformed() {
	TapMalformed.Inc()
	atomic.AddUint64(&localTapBad, 1)
}

// AddGap records one gap event covering n missing samples.
func AddGap(n int) {
	GapsDetected.Inc()
	GapSamples.Add(float64(n))
	atomic.AddUint64(&localGaps, 1)
	atomic.AddUint64(&localGapSamples, uint64(n))
}

func IncDuplicate() {
	DuplicateSamples.Inc()
	atomic.AddUint64(&localDuplicates, 1)
}

func SetActiveStreams(n int) {
	ActiveStreams.Set(float64(n))
	atomic.StoreUint64(&localStreams, uint64(n))
}

func IncStreamRetired() {
	StreamsRetired.Inc()
	atomic.AddUint64(&localRetired, 1)
}

func IncBatchEmitted() {
	BatchesEmitted.Inc()
	atomic.AddUint64(&localBatches, 1)
}

func IncDatagramSent() {
	DatagramsSent.Inc()
	atomic.AddUint64(&localSent, 1)
}

func IncDatagramDropped() {
	DatagramsDropped.Inc()
	atomic.AddUint64(&localDropped, 1)
}

func IncSampleRecorded() {
	SamplesRecorded.Inc()
	atomic.AddUint64(&localRecorded, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common label series so the first event does not pay
	// registration latency.
	for _, lbl := range []string{
		ErrCaptureRead, ErrSendWouldBlock, ErrSendUnreachable,
		ErrSendOther, ErrEncode, ErrRecord,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	DecodeErrors.WithLabelValues(DecodeMalformed).Add(0)
	DecodeErrors.WithLabelValues(DecodeTruncated).Add(0)
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
