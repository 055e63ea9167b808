// Package sv decodes IEC 61850-9-2 sampled value Ethernet payloads into
// per-instant sample sets. Decoding is a pure transform: no state, no
// side effects, failures are values.
package sv

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/openpmu/sv-gateway/internal/capture"
	"github.com/openpmu/sv-gateway/internal/profile"
)

// Decode error taxonomy. Every decode failure wraps exactly one of
// these; the pipeline discards the frame, counts it and keeps going.
var (
	// ErrMalformedFrame covers structural violations: missing header,
	// unexpected BER tags, bad integer encodings.
	ErrMalformedFrame = errors.New("sv: malformed frame")
	// ErrTruncatedPayload covers declared lengths that exceed the bytes
	// actually captured.
	ErrTruncatedPayload = errors.New("sv: truncated payload")
)

const (
	headerLen = 8 // APPID + Length + two reserved words
	// channelSlotLen is one channel entry in the sample octet string:
	// a 32-bit big endian value followed by a 32-bit quality word.
	channelSlotLen = 8
)

// Decoder turns captured frames into sample sets according to a device
// profile. Stateless and safe for concurrent use.
type Decoder struct {
	channels []profile.Channel
}

// NewDecoder builds a decoder for the given profile.
func NewDecoder(p *profile.Profile) *Decoder {
	return &Decoder{channels: p.Channels}
}

// classify maps low-level reader exhaustion onto the truncated-payload
// class and everything else onto the malformed class.
func classify(err error) error {
	if errors.Is(err, errShortBuffer) {
		return fmt.Errorf("%w: %v", ErrTruncatedPayload, err)
	}
	return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
}

// Decode parses one captured frame into one SampleSet per ASDU. The
// frame buffer is borrowed read-only and may be reused by the caller
// after Decode returns.
func (d *Decoder) Decode(fr *capture.Frame) ([]SampleSet, error) {
	r := newReader(fr.Payload())

	if r.remaining() < headerLen {
		return nil, fmt.Errorf("%w: %d byte frame", ErrMalformedFrame, r.remaining())
	}
	appid, _ := r.readU16()
	length, _ := r.readU16()
	_, _ = r.readU16() // reserved 1
	_, _ = r.readU16() // reserved 2

	if int(length) < headerLen {
		return nil, fmt.Errorf("%w: declared length %d", ErrMalformedFrame, length)
	}
	if err := r.limit(int(length) - headerLen); err != nil {
		return nil, fmt.Errorf("%w: declared %d bytes, captured %d", ErrTruncatedPayload, length, headerLen+r.remaining())
	}

	// savPdu ::= [APPLICATION 0] IMPLICIT SEQUENCE
	if _, err := readRequired(r, application(0)); err != nil {
		return nil, classify(err)
	}
	pduLen, err := readLength(r)
	if err != nil {
		return nil, classify(err)
	}
	if err := r.limit(pduLen); err != nil {
		return nil, classify(err)
	}

	asdus, err := d.readSavPdu(r)
	if err != nil {
		return nil, err
	}
	for i := range asdus {
		asdus[i].Stream.APPID = appid
		asdus[i].Captured = fr.TS
	}
	return asdus, nil
}

func (d *Decoder) readSavPdu(r *reader) ([]SampleSet, error) {
	// noASDU [0] IMPLICIT INTEGER (1..65535)
	constructed, err := readRequired(r, contextSpecific(0))
	if err != nil {
		return nil, classify(err)
	}
	noASDU, err := readUint16(r, constructed)
	if err != nil {
		return nil, classify(err)
	}
	if noASDU == 0 {
		return nil, fmt.Errorf("%w: noASDU is zero", ErrMalformedFrame)
	}

	// security [1] ANY OPTIONAL: present but uninterpreted, skip it.
	present, _, err := readOptional(r, contextSpecific(1))
	if err != nil {
		return nil, classify(err)
	}
	if present {
		length, err := readLength(r)
		if err != nil {
			return nil, classify(err)
		}
		if err := r.skip(length); err != nil {
			return nil, classify(err)
		}
	}

	// asdu [2] IMPLICIT SEQUENCE OF ASDU
	if _, err := readRequired(r, contextSpecific(2)); err != nil {
		return nil, classify(err)
	}
	seqLen, err := readLength(r)
	if err != nil {
		return nil, classify(err)
	}
	inner, err := r.sub(seqLen)
	if err != nil {
		return nil, classify(err)
	}

	sets := make([]SampleSet, 0, noASDU)
	for i := 0; i < int(noASDU); i++ {
		if _, err := readRequired(inner, universal(16)); err != nil {
			return nil, classify(err)
		}
		length, err := readLength(inner)
		if err != nil {
			return nil, classify(err)
		}
		body, err := inner.sub(length)
		if err != nil {
			return nil, classify(err)
		}
		set, err := d.readASDU(body)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func (d *Decoder) readASDU(r *reader) (SampleSet, error) {
	var set SampleSet

	// svID [0] IMPLICIT VisibleString
	constructed, err := readRequired(r, contextSpecific(0))
	if err != nil {
		return set, classify(err)
	}
	if set.Stream.SVID, err = readVisibleString(r, constructed); err != nil {
		return set, classify(err)
	}

	// datset [1] IMPLICIT VisibleString OPTIONAL: carried on the wire
	// but not needed downstream; validate and discard.
	present, constructed, err := readOptional(r, contextSpecific(1))
	if err != nil {
		return set, classify(err)
	}
	if present {
		if _, err := readVisibleString(r, constructed); err != nil {
			return set, classify(err)
		}
	}

	// smpCnt [2] IMPLICIT OCTET STRING (SIZE(2))
	if set.Counter, err = d.readFixedU16(r, contextSpecific(2)); err != nil {
		return set, err
	}

	// confRev [3] IMPLICIT OCTET STRING (SIZE(4))
	constructed, err = readRequired(r, contextSpecific(3))
	if err != nil {
		return set, classify(err)
	}
	raw, err := readOctetString(r, constructed)
	if err != nil {
		return set, classify(err)
	}
	if len(raw) != 4 {
		return set, fmt.Errorf("%w: confRev is %d bytes", ErrMalformedFrame, len(raw))
	}
	set.ConfRev = uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])

	// refrTm [4] IMPLICIT UtcTime OPTIONAL (the IEC 61850 UtcTime
	// layout, not the universal ASN.1 UTCTime type).
	present, constructed, err = readOptional(r, contextSpecific(4))
	if err != nil {
		return set, classify(err)
	}
	if present {
		rt, err := readRefrTime(r, constructed)
		if err != nil {
			return set, err
		}
		set.RefrTm = &rt
		if rt.Quality.ClockNotSynced {
			set.Quality |= QualClockNotSynced
		}
		if rt.Quality.ClockFailure {
			set.Quality |= QualClockFailure
		}
	}

	// smpSynch [5] IMPLICIT OCTET STRING (SIZE(1))
	constructed, err = readRequired(r, contextSpecific(5))
	if err != nil {
		return set, classify(err)
	}
	raw, err = readOctetString(r, constructed)
	if err != nil {
		return set, classify(err)
	}
	if len(raw) != 1 {
		return set, fmt.Errorf("%w: smpSynch is %d bytes", ErrMalformedFrame, len(raw))
	}
	set.Synch = raw[0]

	// smpRate [6] IMPLICIT OCTET STRING (SIZE(2)) OPTIONAL
	present, constructed, err = readOptional(r, contextSpecific(6))
	if err != nil {
		return set, classify(err)
	}
	if present {
		if set.Rate, err = d.readFixedU16Body(r, constructed); err != nil {
			return set, err
		}
	}

	// sample [7] IMPLICIT OCTET STRING (SIZE(n))
	constructed, err = readRequired(r, contextSpecific(7))
	if err != nil {
		return set, classify(err)
	}
	raw, err = readOctetString(r, constructed)
	if err != nil {
		return set, classify(err)
	}
	if err := d.readChannels(raw, &set); err != nil {
		return set, err
	}

	// smpMod [8] IMPLICIT OCTET STRING (SIZE(2)) OPTIONAL: accepted and
	// ignored, as are any trailing fields (gmIdentity etc).
	present, constructed, err = readOptional(r, contextSpecific(8))
	if err != nil {
		return set, classify(err)
	}
	if present {
		if _, err := d.readFixedU16Body(r, constructed); err != nil {
			return set, err
		}
	}

	return set, nil
}

// readFixedU16 consumes the given tag then a 2-byte octet string.
func (d *Decoder) readFixedU16(r *reader, want tag) (uint16, error) {
	constructed, err := readRequired(r, want)
	if err != nil {
		return 0, classify(err)
	}
	return d.readFixedU16Body(r, constructed)
}

func (d *Decoder) readFixedU16Body(r *reader, constructed bool) (uint16, error) {
	raw, err := readOctetString(r, constructed)
	if err != nil {
		return 0, classify(err)
	}
	if len(raw) != 2 {
		return 0, fmt.Errorf("%w: expected 2-byte octet string, got %d", ErrMalformedFrame, len(raw))
	}
	return uint16(raw[0])<<8 | uint16(raw[1]), nil
}

// readRefrTime decodes the 8-byte IEC 61850 UtcTime:
// 32-bit epoch seconds, 24-bit binary fraction, 8-bit quality.
func readRefrTime(r *reader, constructed bool) (RefrTime, error) {
	raw, err := readOctetString(r, constructed)
	if err != nil {
		return RefrTime{}, classify(err)
	}
	if len(raw) != 8 {
		return RefrTime{}, fmt.Errorf("%w: refrTm is %d bytes", ErrMalformedFrame, len(raw))
	}
	secs := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	frac := uint32(raw[4])<<16 | uint32(raw[5])<<8 | uint32(raw[6])
	nanos := int64(float64(frac) / float64(1<<24) * 1e9)
	return RefrTime{
		Time: time.Unix(int64(secs), nanos).UTC(),
		Quality: TimeQuality{
			LeapSecondKnown: raw[7]&0b1000_0000 != 0,
			ClockFailure:    raw[7]&0b0100_0000 != 0,
			ClockNotSynced:  raw[7]&0b0010_0000 != 0,
			Accuracy:        raw[7] & 0b0001_1111,
		},
	}, nil
}

// readChannels extracts the profile's channels from the sample octet
// string. Each slot is a signed 32-bit value plus a 32-bit quality
// word; extra trailing channels are ignored. Out-of-range values are
// clamped and flagged, never rejected: a saturated CT reading is data,
// not corruption.
func (d *Decoder) readChannels(raw []byte, set *SampleSet) error {
	need := len(d.channels) * channelSlotLen
	if len(raw) < need {
		return fmt.Errorf("%w: sample holds %d bytes, profile needs %d", ErrTruncatedPayload, len(raw), need)
	}
	set.Values = make([]float64, len(d.channels))
	for i, ch := range d.channels {
		off := i * channelSlotLen
		rawVal := int32(uint32(raw[off])<<24 | uint32(raw[off+1])<<16 | uint32(raw[off+2])<<8 | uint32(raw[off+3]))
		qword := uint32(raw[off+4])<<24 | uint32(raw[off+5])<<16 | uint32(raw[off+6])<<8 | uint32(raw[off+7])

		v := float64(rawVal) * ch.Scale
		if ch.Clamp > 0 && math.Abs(v) > ch.Clamp {
			v = math.Copysign(ch.Clamp, v)
			set.Quality |= QualClamped
		}
		// Quality word validity bits (bits 0..1): 0 = good.
		if qword&0b11 != 0 {
			set.Quality |= QualChannelInvalid
		}
		set.Values[i] = v
	}
	return nil
}
