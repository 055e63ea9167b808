package sv

import (
	"fmt"
	"time"
)

// StreamID distinguishes independent merging-unit streams multiplexed
// over one capture interface.
type StreamID struct {
	APPID uint16
	SVID  string
}

func (id StreamID) String() string { return fmt.Sprintf("%04X/%s", id.APPID, id.SVID) }

// SampleSet quality flags. Channel validity bits from the wire and
// conditions detected by the gateway share one bitmask.
const (
	// QualClamped marks at least one channel clamped to the profile range.
	QualClamped uint32 = 1 << iota
	// QualChannelInvalid mirrors a non-good validity code in a channel
	// quality word.
	QualChannelInvalid
	// QualClockNotSynced propagates the refrTm clock-not-synchronised bit.
	QualClockNotSynced
	// QualClockFailure propagates the refrTm clock-failure bit.
	QualClockFailure
	// QualGap marks the first sample received after a counter gap.
	// Set by the assembler, never by the decoder.
	QualGap
)

// TimeQuality carries the IEC 61850 UtcTime quality flags.
type TimeQuality struct {
	LeapSecondKnown bool
	ClockFailure    bool
	ClockNotSynced  bool
	Accuracy        uint8 // 5-bit fractional-second accuracy code
}

// RefrTime is the decoded refrTm field: epoch seconds plus a 24-bit
// binary fraction, with quality flags.
type RefrTime struct {
	Time    time.Time
	Quality TimeQuality
}

// SampleSet is one decoded sample instant for one stream: scaled channel
// values in profile order, the wire sample counter and quality telemetry.
// Immutable once returned by the decoder (the assembler only ORs bits
// into Quality).
type SampleSet struct {
	Stream   StreamID
	Counter  uint16
	ConfRev  uint32
	Synch    uint8
	Rate     uint16 // 0 when the optional smpRate field is absent
	Values   []float64
	Quality  uint32
	RefrTm   *RefrTime
	Captured time.Time
}
