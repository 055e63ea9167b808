package openpmu

import (
	"encoding/base64"
	"errors"
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/openpmu/sv-gateway/internal/assembler"
	"github.com/openpmu/sv-gateway/internal/profile"
	"github.com/openpmu/sv-gateway/internal/sv"
)

var batchStart = time.Date(2023, 11, 12, 13, 14, 15, 250_000_000, time.UTC)

// makeBatch builds n samples with a sine on every channel.
func makeBatch(n int, startCounter uint16) assembler.Batch {
	p := profile.Default()
	sets := make([]sv.SampleSet, n)
	for i := range sets {
		vals := make([]float64, len(p.Channels))
		for c := range vals {
			vals[c] = 230 * math.Sin(2*math.Pi*float64(int(startCounter)+i)/80+float64(c))
		}
		sets[i] = sv.SampleSet{
			Stream:  sv.StreamID{APPID: 0x4000, SVID: "MU01"},
			Counter: startCounter + uint16(i),
			Values:  vals,
		}
	}
	return assembler.Batch{
		Stream:       sv.StreamID{APPID: 0x4000, SVID: "MU01"},
		Start:        batchStart,
		StartCounter: startCounter,
		SampleRate:   4000,
		Sets:         sets,
	}
}

func xmlField(t *testing.T, doc, tag string) string {
	t.Helper()
	open, close := "<"+tag+">", "</"+tag+">"
	i := strings.Index(doc, open)
	j := strings.Index(doc, close)
	if i < 0 || j < i {
		t.Fatalf("missing <%s> element", tag)
	}
	return doc[i+len(open) : j]
}

func xmlBlock(t *testing.T, doc, tag string) string {
	t.Helper()
	open, close := "<"+tag+">", "</"+tag+">"
	i := strings.Index(doc, open)
	j := strings.Index(doc, close)
	if i < 0 || j < i {
		t.Fatalf("missing <%s> block", tag)
	}
	return doc[i : j+len(close)]
}

func xmlInt(t *testing.T, doc, tag string) int {
	t.Helper()
	n, err := strconv.Atoi(xmlField(t, doc, tag))
	if err != nil {
		t.Fatalf("<%s> not an integer: %v", tag, err)
	}
	return n
}

func TestEncodeSingleDatagram(t *testing.T) {
	p := profile.Default()
	e := NewEncoder(p, 8192)
	dgrams, err := e.Encode(makeBatch(40, 80))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(dgrams) != 1 {
		t.Fatalf("got %d datagrams, want 1", len(dgrams))
	}
	doc := string(dgrams[0])

	if got := xmlField(t, doc, "Format"); got != "Samples" {
		t.Errorf("Format = %q", got)
	}
	if got := xmlField(t, doc, "Date"); got != "2023-11-12" {
		t.Errorf("Date = %q", got)
	}
	if got := xmlField(t, doc, "Time"); got != "13:14:15.250000" {
		t.Errorf("Time = %q", got)
	}
	// Counter 80 at 4000 Hz on a 50 Hz system is half cycle 2.
	if got := xmlInt(t, doc, "Frame"); got != 2 {
		t.Errorf("Frame = %d, want 2", got)
	}
	if got := xmlInt(t, doc, "Fs"); got != 4000 {
		t.Errorf("Fs = %d", got)
	}
	if got := xmlInt(t, doc, "n"); got != 40 {
		t.Errorf("n = %d", got)
	}
	if got := xmlInt(t, doc, "bits"); got != 16 {
		t.Errorf("bits = %d", got)
	}
	if got := xmlInt(t, doc, "Channels"); got != len(p.Outputs) {
		t.Errorf("Channels = %d, want %d", got, len(p.Outputs))
	}
	if got := xmlInt(t, doc, "Fragment"); got != 0 {
		t.Errorf("Fragment = %d", got)
	}
	if got := xmlInt(t, doc, "Fragments"); got != 1 {
		t.Errorf("Fragments = %d", got)
	}

	ch0 := xmlBlock(t, doc, "Channel_0")
	if got := xmlField(t, ch0, "Name"); got != "Va" {
		t.Errorf("Channel_0 Name = %q", got)
	}
	if got := xmlField(t, ch0, "Type"); got != "V" {
		t.Errorf("Channel_0 Type = %q", got)
	}
	if got := xmlField(t, ch0, "Phase"); got != "a" {
		t.Errorf("Channel_0 Phase = %q", got)
	}
	ch3 := xmlBlock(t, doc, "Channel_3")
	if got := xmlField(t, ch3, "Type"); got != "I" {
		t.Errorf("Channel_3 Type = %q", got)
	}

	raw, err := base64.StdEncoding.DecodeString(xmlField(t, ch0, "Payload"))
	if err != nil {
		t.Fatalf("payload base64: %v", err)
	}
	if len(raw) != 40*2 {
		t.Fatalf("payload = %d bytes, want 80", len(raw))
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	p := profile.Default()
	e := NewEncoder(p, 8192)
	b := makeBatch(40, 0)
	dgrams, err := e.Encode(b)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	doc := string(dgrams[0])

	for i, out := range p.Outputs {
		ch := xmlBlock(t, doc, "Channel_"+strconv.Itoa(i))
		rng, err := strconv.ParseFloat(xmlField(t, ch, "Range"), 64)
		if err != nil {
			t.Fatalf("Range: %v", err)
		}
		raw, err := base64.StdEncoding.DecodeString(xmlField(t, ch, "Payload"))
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		tol := rng / math.MaxInt16 // one quantization step
		for s := 0; s < len(b.Sets); s++ {
			q := int16(uint16(raw[2*s])<<8 | uint16(raw[2*s+1]))
			got := float64(q) / math.MaxInt16 * rng
			want := b.Sets[s].Values[out.Input]
			if math.Abs(got-want) > tol {
				t.Fatalf("channel %d sample %d: got %v, want %v (range %v)", i, s, got, want, rng)
			}
		}
	}
}

func TestEncodeFragmentation(t *testing.T) {
	p := profile.Default()
	e := NewEncoder(p, 1600)
	perFrag := e.maxSamplesPerDatagram()
	if perFrag < 1 || perFrag >= 40 {
		t.Fatalf("budget gives %d samples per datagram, want a forced split", perFrag)
	}
	b := makeBatch(40, 0)
	dgrams, err := e.Encode(b)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	wantFrags := (40 + perFrag - 1) / perFrag
	if len(dgrams) != wantFrags {
		t.Fatalf("got %d fragments, want %d", len(dgrams), wantFrags)
	}

	covered := 0
	for i, d := range dgrams {
		if len(d) > 1600 {
			t.Fatalf("fragment %d is %d bytes, over budget", i, len(d))
		}
		doc := string(d)
		if got := xmlInt(t, doc, "Fragment"); got != i {
			t.Errorf("fragment %d labeled %d", i, got)
		}
		if got := xmlInt(t, doc, "Fragments"); got != wantFrags {
			t.Errorf("fragment %d declares total %d, want %d", i, got, wantFrags)
		}
		n := xmlInt(t, doc, "n")
		// Contiguity: each fragment resumes where the previous ended.
		wantFrame := (covered % 4000) * 2 * 50 / 4000
		if got := xmlInt(t, doc, "Frame"); got != wantFrame {
			t.Errorf("fragment %d Frame = %d, want %d", i, got, wantFrame)
		}
		ch0 := xmlBlock(t, doc, "Channel_0")
		raw, err := base64.StdEncoding.DecodeString(xmlField(t, ch0, "Payload"))
		if err != nil {
			t.Fatalf("fragment %d payload: %v", i, err)
		}
		if len(raw) != 2*n {
			t.Errorf("fragment %d payload %d bytes for n=%d", i, len(raw), n)
		}
		covered += n
	}
	if covered != 40 {
		t.Fatalf("fragments cover %d samples, want 40", covered)
	}
}

func TestEncodeOverflow(t *testing.T) {
	e := NewEncoder(profile.Default(), 600)
	if err := e.Check(); !errors.Is(err, ErrEncodeOverflow) {
		t.Fatalf("Check = %v, want overflow", err)
	}
	if _, err := e.Encode(makeBatch(4, 0)); !errors.Is(err, ErrEncodeOverflow) {
		t.Fatalf("Encode = %v, want overflow", err)
	}
}

func TestEncodeCheckOK(t *testing.T) {
	if err := NewEncoder(profile.Default(), 8192).Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestEncodeEmptyBatch(t *testing.T) {
	dgrams, err := NewEncoder(profile.Default(), 8192).Encode(assembler.Batch{})
	if err != nil || dgrams != nil {
		t.Fatalf("empty batch: %v, %v", dgrams, err)
	}
}

func BenchmarkEncode(b *testing.B) {
	e := NewEncoder(profile.Default(), 8192)
	batch := makeBatch(40, 80)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := e.Encode(batch); err != nil {
			b.Fatal(err)
		}
	}
}
