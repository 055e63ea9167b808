// Package openpmu serializes sample batches into OpenPMU "Samples"
// XML datagrams, splitting oversized batches into self-describing
// fragments that fit the configured datagram budget.
package openpmu

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/openpmu/sv-gateway/internal/assembler"
	"github.com/openpmu/sv-gateway/internal/profile"
	"github.com/openpmu/sv-gateway/internal/sv"
)

// ErrEncodeOverflow means not even a single sample fits the datagram
// budget. That is a configuration error; Check surfaces it at startup.
var ErrEncodeOverflow = errors.New("openpmu: single sample exceeds datagram budget")

const payloadBits = 16 // samples are normalized to signed 16-bit

// Encoder renders batches for one device profile. Stateless and safe
// for concurrent use.
type Encoder struct {
	outputs     []profile.Output
	nominalFreq int
	sampleRate  int
	maxDatagram int
}

// NewEncoder builds an encoder emitting the profile's output channels,
// bounded by maxDatagram bytes per datagram.
func NewEncoder(p *profile.Profile, maxDatagram int) *Encoder {
	return &Encoder{
		outputs:     p.Outputs,
		nominalFreq: p.NominalFrequency,
		sampleRate:  p.SampleRate,
		maxDatagram: maxDatagram,
	}
}

// perDatagramOverhead is a conservative bound on the XML envelope bytes
// outside the base64 payloads: the OpenPMU header elements plus each
// channel's name/type/phase/range wrapper.
func (e *Encoder) perDatagramOverhead() int {
	const headerBound = 360 // <OpenPMU>, Format, Date, Time, Frame, Fs, n, bits, Channels, Fragment(s)
	const perChannelBound = 160
	return headerBound + len(e.outputs)*perChannelBound
}

// maxSamplesPerDatagram returns how many samples fit one datagram.
func (e *Encoder) maxSamplesPerDatagram() int {
	budget := e.maxDatagram - e.perDatagramOverhead()
	if budget <= 0 {
		return 0
	}
	// Each sample contributes 2 bytes per channel before base64; base64
	// emits 4 bytes per 3 input bytes, rounded up per channel payload.
	n := 0
	for {
		next := n + 1
		b64 := (2*next + 2) / 3 * 4
		if b64*len(e.outputs) > budget {
			return n
		}
		n = next
	}
}

// Check verifies the datagram budget can hold at least one sample.
// Run at startup so an impossible configuration fails fast instead of
// surfacing mid-stream.
func (e *Encoder) Check() error {
	if n := e.maxSamplesPerDatagram(); n < 1 {
		return fmt.Errorf("%w (%d output channels in %d bytes)", ErrEncodeOverflow, len(e.outputs), e.maxDatagram)
	}
	return nil
}

// Encode serializes a batch into one or more datagrams. Fragments carry
// contiguous sample ranges; each declares its own index and the total
// count so a consumer can detect loss of a sibling.
func (e *Encoder) Encode(b assembler.Batch) ([][]byte, error) {
	if len(b.Sets) == 0 {
		return nil, nil
	}
	maxN := e.maxSamplesPerDatagram()
	if maxN < 1 {
		return nil, fmt.Errorf("%w (%d output channels in %d bytes)", ErrEncodeOverflow, len(e.outputs), e.maxDatagram)
	}
	rate := b.SampleRate
	if rate <= 0 {
		rate = e.sampleRate
	}
	total := (len(b.Sets) + maxN - 1) / maxN
	out := make([][]byte, 0, total)
	for frag := 0; frag < total; frag++ {
		lo := frag * maxN
		hi := min(lo+maxN, len(b.Sets))
		out = append(out, e.encodeFragment(b, rate, frag, total, lo, hi))
	}
	return out, nil
}

func (e *Encoder) encodeFragment(b assembler.Batch, rate, frag, total, lo, hi int) []byte {
	var buf bytes.Buffer
	buf.Grow(e.maxDatagram)

	start := b.Start.UTC().Add(time.Duration(float64(lo) / float64(rate) * float64(time.Second)))
	// Frame numbers count nominal half cycles within the second, the
	// granularity the OpenPMU tooling expects.
	counter := (int(b.StartCounter) + lo) % rate
	frame := counter * 2 * e.nominalFreq / rate

	fmt.Fprintf(&buf, "<OpenPMU>\n")
	fmt.Fprintf(&buf, "\t<Format>Samples</Format>\n")
	fmt.Fprintf(&buf, "\t<Date>%s</Date>\n", start.Format("2006-01-02"))
	fmt.Fprintf(&buf, "\t<Time>%s</Time>\n", start.Format("15:04:05.000000"))
	fmt.Fprintf(&buf, "\t<Frame>%d</Frame>\n", frame)
	fmt.Fprintf(&buf, "\t<Fs>%d</Fs>\n", rate)
	fmt.Fprintf(&buf, "\t<n>%d</n>\n", hi-lo)
	fmt.Fprintf(&buf, "\t<bits>%d</bits>\n", payloadBits)
	fmt.Fprintf(&buf, "\t<Channels>%d</Channels>\n", len(e.outputs))
	fmt.Fprintf(&buf, "\t<Fragment>%d</Fragment>\n", frag)
	fmt.Fprintf(&buf, "\t<Fragments>%d</Fragments>\n", total)

	for i, out := range e.outputs {
		e.encodeChannel(&buf, i, out, b.Sets[lo:hi])
	}

	fmt.Fprintf(&buf, "</OpenPMU>\n")
	return buf.Bytes()
}

func (e *Encoder) encodeChannel(buf *bytes.Buffer, index int, out profile.Output, sets []sv.SampleSet) {
	kind := "V"
	if out.Kind == profile.KindCurrent {
		kind = "I"
	}

	// Range is the per-fragment full scale: the payload holds each value
	// normalized against it so the consumer can recover absolute units.
	rng := 0.0
	for _, s := range sets {
		if v := math.Abs(s.Values[out.Input]); v > rng {
			rng = v
		}
	}

	raw := make([]byte, 2*len(sets))
	if rng > 0 {
		for i, s := range sets {
			q := int16(math.Round(s.Values[out.Input] / rng * math.MaxInt16))
			raw[2*i] = byte(uint16(q) >> 8)
			raw[2*i+1] = byte(uint16(q))
		}
	}

	fmt.Fprintf(buf, "\t<Channel_%d>\n", index)
	fmt.Fprintf(buf, "\t\t<Name>%s</Name>\n", out.Name)
	fmt.Fprintf(buf, "\t\t<Type>%s</Type>\n", kind)
	fmt.Fprintf(buf, "\t\t<Phase>%s</Phase>\n", out.Phase)
	fmt.Fprintf(buf, "\t\t<Range>%g</Range>\n", rng)
	fmt.Fprintf(buf, "\t\t<Payload>%s</Payload>\n", base64.StdEncoding.EncodeToString(raw))
	fmt.Fprintf(buf, "\t</Channel_%d>\n", index)
}
