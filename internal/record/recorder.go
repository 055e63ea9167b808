// Package record persists decoded sample sets as a CBOR stream for
// offline replay and analysis. Recording is an optional tap on the
// pipeline between decode and assembly.
package record

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/openpmu/sv-gateway/internal/metrics"
	"github.com/openpmu/sv-gateway/internal/sv"
)

// sampleRecord is the on-disk shape of one sample set. Field keys stay
// short; a capture session writes thousands of these per second.
type sampleRecord struct {
	APPID   uint16    `cbor:"a"`
	SVID    string    `cbor:"s"`
	Counter uint16    `cbor:"c"`
	ConfRev uint32    `cbor:"r"`
	Synch   uint8     `cbor:"y"`
	Quality uint32    `cbor:"q"`
	Values  []float64 `cbor:"v"`
	Capture time.Time `cbor:"t"`
}

// Recorder appends sample sets to a CBOR sequence file. Safe for a
// single producer; Record and Close are serialized with a mutex so a
// late Record after Close fails cleanly instead of writing to a closed
// file.
type Recorder struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	enc    *cbor.Encoder
	closed bool
}

// Open creates (or truncates) the recording file at path.
func Open(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("record: create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	return &Recorder{f: f, w: w, enc: cbor.NewEncoder(w)}, nil
}

// Record appends one sample set.
func (r *Recorder) Record(set sv.SampleSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return os.ErrClosed
	}
	rec := sampleRecord{
		APPID:   set.Stream.APPID,
		SVID:    set.Stream.SVID,
		Counter: set.Counter,
		ConfRev: set.ConfRev,
		Synch:   set.Synch,
		Quality: set.Quality,
		Values:  set.Values,
		Capture: set.Captured,
	}
	if err := r.enc.Encode(rec); err != nil {
		return fmt.Errorf("record: encode: %w", err)
	}
	metrics.IncSampleRecorded()
	return nil
}

// Close flushes buffered records and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		return fmt.Errorf("record: flush: %w", err)
	}
	return r.f.Close()
}
