package sv

import (
	"errors"
	"testing"
	"time"

	"github.com/openpmu/sv-gateway/internal/capture"
	"github.com/openpmu/sv-gateway/internal/profile"
)

// berLen encodes a definite BER length.
func berLen(n int) []byte {
	switch {
	case n < 0x80:
		return []byte{byte(n)}
	case n <= 0xFF:
		return []byte{0x81, byte(n)}
	default:
		return []byte{0x82, byte(n >> 8), byte(n)}
	}
}

// field encodes identifier + length + body.
func field(id byte, body []byte) []byte {
	out := []byte{id}
	out = append(out, berLen(len(body))...)
	return append(out, body...)
}

// asduSpec drives the synthetic ASDU builder. Zero values omit the
// optional fields.
type asduSpec struct {
	svid    string
	datset  string
	smpCnt  uint16
	confRev uint32
	refrTm  []byte // 8 bytes when set
	synch   byte
	rate    uint16
	sample  []byte
	smpMod  bool
}

func buildASDU(s asduSpec) []byte {
	var body []byte
	body = append(body, field(0x80, []byte(s.svid))...)
	if s.datset != "" {
		body = append(body, field(0x81, []byte(s.datset))...)
	}
	body = append(body, field(0x82, []byte{byte(s.smpCnt >> 8), byte(s.smpCnt)})...)
	body = append(body, field(0x83, []byte{
		byte(s.confRev >> 24), byte(s.confRev >> 16), byte(s.confRev >> 8), byte(s.confRev),
	})...)
	if s.refrTm != nil {
		body = append(body, field(0x84, s.refrTm)...)
	}
	body = append(body, field(0x85, []byte{s.synch})...)
	if s.rate != 0 {
		body = append(body, field(0x86, []byte{byte(s.rate >> 8), byte(s.rate)})...)
	}
	body = append(body, field(0x87, s.sample)...)
	if s.smpMod {
		body = append(body, field(0x88, []byte{0x00, 0x00})...)
	}
	return field(0x30, body) // SEQUENCE wrapper
}

// buildFrame assembles header + savPdu around the given ASDUs.
func buildFrame(appid uint16, asdus ...[]byte) *capture.Frame {
	var seq []byte
	for _, a := range asdus {
		seq = append(seq, a...)
	}
	var pduBody []byte
	pduBody = append(pduBody, field(0x80, []byte{byte(len(asdus))})...) // noASDU
	pduBody = append(pduBody, field(0xA2, seq)...)                      // asdu list
	pdu := field(0x60, pduBody)                                         // savPdu

	total := 8 + len(pdu)
	raw := []byte{
		byte(appid >> 8), byte(appid),
		byte(total >> 8), byte(total),
		0x00, 0x00, 0x00, 0x00,
	}
	raw = append(raw, pdu...)

	fr := &capture.Frame{Len: len(raw), TS: time.Unix(1700000000, 0).UTC(), Iface: "eth0"}
	copy(fr.Data[:], raw)
	return fr
}

// sampleData builds the sample octet string: per channel a signed value
// and a quality word.
func sampleData(vals []int32, qual uint32) []byte {
	out := make([]byte, 0, len(vals)*8)
	for _, v := range vals {
		u := uint32(v)
		out = append(out,
			byte(u>>24), byte(u>>16), byte(u>>8), byte(u),
			byte(qual>>24), byte(qual>>16), byte(qual>>8), byte(qual))
	}
	return out
}

func defaultSample() []byte {
	return sampleData([]int32{1000, 2000, 3000, 0, 100, 200, 300, 0}, 0)
}

func TestDecodeSingleASDU(t *testing.T) {
	d := NewDecoder(profile.Default())
	fr := buildFrame(0x4000, buildASDU(asduSpec{
		svid: "MU01", smpCnt: 1234, confRev: 7, synch: 2, sample: defaultSample(),
	}))
	sets, err := d.Decode(fr)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(sets) != 1 {
		t.Fatalf("got %d sets, want 1", len(sets))
	}
	s := sets[0]
	if s.Stream.APPID != 0x4000 || s.Stream.SVID != "MU01" {
		t.Errorf("stream = %v", s.Stream)
	}
	if s.Counter != 1234 || s.ConfRev != 7 || s.Synch != 2 {
		t.Errorf("counter/confRev/synch = %d/%d/%d", s.Counter, s.ConfRev, s.Synch)
	}
	if s.Quality != 0 {
		t.Errorf("quality = %#x, want 0", s.Quality)
	}
	if !s.Captured.Equal(fr.TS) {
		t.Errorf("captured = %v, want %v", s.Captured, fr.TS)
	}
	// Default profile scales currents by 0.001 and voltages by 0.01.
	want := []float64{1.0, 2.0, 3.0, 0, 1.0, 2.0, 3.0, 0}
	for i, v := range want {
		if s.Values[i] != v {
			t.Errorf("value[%d] = %v, want %v", i, s.Values[i], v)
		}
	}
}

func TestDecodeOptionalFields(t *testing.T) {
	d := NewDecoder(profile.Default())
	refr := []byte{0x65, 0x4F, 0x79, 0x00, 0x80, 0x00, 0x00, 0x2A} // frac=0.5s, accuracy 10
	fr := buildFrame(0x4001, buildASDU(asduSpec{
		svid: "MU02", datset: "PhsMeas1", smpCnt: 1, confRev: 1, synch: 1,
		refrTm: refr, rate: 4000, sample: defaultSample(), smpMod: true,
	}))
	sets, err := d.Decode(fr)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	s := sets[0]
	if s.Rate != 4000 {
		t.Errorf("rate = %d, want 4000", s.Rate)
	}
	if s.RefrTm == nil {
		t.Fatal("refrTm not decoded")
	}
	want := time.Unix(0x654F7900, 500000000).UTC()
	if !s.RefrTm.Time.Equal(want) {
		t.Errorf("refrTm = %v, want %v", s.RefrTm.Time, want)
	}
	if s.RefrTm.Quality.Accuracy != 10 {
		t.Errorf("accuracy = %d, want 10", s.RefrTm.Quality.Accuracy)
	}
}

func TestDecodeClockQuality(t *testing.T) {
	d := NewDecoder(profile.Default())
	refr := []byte{0, 0, 0, 0, 0, 0, 0, 0b0110_0000} // failure + not synced
	fr := buildFrame(0x4000, buildASDU(asduSpec{
		svid: "MU01", smpCnt: 1, confRev: 1, synch: 0,
		refrTm: refr, sample: defaultSample(),
	}))
	sets, err := d.Decode(fr)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	q := sets[0].Quality
	if q&QualClockNotSynced == 0 || q&QualClockFailure == 0 {
		t.Errorf("quality = %#x, want clock flags set", q)
	}
}

func TestDecodeMultipleASDUs(t *testing.T) {
	d := NewDecoder(profile.Default())
	fr := buildFrame(0x4000,
		buildASDU(asduSpec{svid: "MU01", smpCnt: 10, confRev: 1, sample: defaultSample()}),
		buildASDU(asduSpec{svid: "MU01", smpCnt: 11, confRev: 1, sample: defaultSample()}),
	)
	sets, err := d.Decode(fr)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(sets) != 2 {
		t.Fatalf("got %d sets, want 2", len(sets))
	}
	if sets[0].Counter != 10 || sets[1].Counter != 11 {
		t.Errorf("counters = %d, %d", sets[0].Counter, sets[1].Counter)
	}
	if sets[1].Stream.APPID != 0x4000 {
		t.Errorf("second set APPID = %#x", sets[1].Stream.APPID)
	}
}

func TestDecodeClamp(t *testing.T) {
	p := &profile.Profile{
		NominalFrequency: 50, SampleRate: 4000, CounterModulus: 4000,
		Channels: []profile.Channel{
			{Name: "Ia", Kind: profile.KindCurrent, Phase: "a", Scale: 1, Clamp: 500},
		},
		Outputs: []profile.Output{{Name: "Ia", Kind: profile.KindCurrent, Phase: "a", Input: 0}},
	}
	d := NewDecoder(p)
	fr := buildFrame(0x4000, buildASDU(asduSpec{
		svid: "MU01", smpCnt: 1, confRev: 1, sample: sampleData([]int32{-1000}, 0),
	}))
	sets, err := d.Decode(fr)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := sets[0].Values[0]; got != -500 {
		t.Errorf("clamped value = %v, want -500", got)
	}
	if sets[0].Quality&QualClamped == 0 {
		t.Errorf("quality = %#x, want clamped flag", sets[0].Quality)
	}
}

func TestDecodeChannelInvalid(t *testing.T) {
	d := NewDecoder(profile.Default())
	fr := buildFrame(0x4000, buildASDU(asduSpec{
		svid: "MU01", smpCnt: 1, confRev: 1,
		sample: sampleData([]int32{1, 2, 3, 4, 5, 6, 7, 8}, 0b01),
	}))
	sets, err := d.Decode(fr)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if sets[0].Quality&QualChannelInvalid == 0 {
		t.Errorf("quality = %#x, want channel-invalid flag", sets[0].Quality)
	}
}

func TestDecodeExtraChannelsIgnored(t *testing.T) {
	// Twelve channels on the wire, eight in the profile.
	d := NewDecoder(profile.Default())
	vals := make([]int32, 12)
	for i := range vals {
		vals[i] = int32(i + 1)
	}
	fr := buildFrame(0x4000, buildASDU(asduSpec{
		svid: "MU01", smpCnt: 1, confRev: 1, sample: sampleData(vals, 0),
	}))
	sets, err := d.Decode(fr)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(sets[0].Values) != 8 {
		t.Errorf("got %d values, want 8", len(sets[0].Values))
	}
}

func TestDecodeErrors(t *testing.T) {
	d := NewDecoder(profile.Default())

	goodFrame := func() *capture.Frame {
		return buildFrame(0x4000, buildASDU(asduSpec{
			svid: "MU01", smpCnt: 1, confRev: 1, sample: defaultSample(),
		}))
	}
	cases := []struct {
		name  string
		build func() *capture.Frame
		want  error
	}{
		{
			"runt frame",
			func() *capture.Frame { fr := goodFrame(); fr.Len = 4; return fr },
			ErrMalformedFrame,
		},
		{
			"declared length beyond capture",
			func() *capture.Frame {
				fr := goodFrame()
				fr.Data[2] = 0xFF
				fr.Data[3] = 0xFF
				return fr
			},
			ErrTruncatedPayload,
		},
		{
			"wrong pdu tag",
			func() *capture.Frame { fr := goodFrame(); fr.Data[8] = 0x61; return fr },
			ErrMalformedFrame,
		},
		{
			"sample shorter than profile",
			func() *capture.Frame {
				return buildFrame(0x4000, buildASDU(asduSpec{
					svid: "MU01", smpCnt: 1, confRev: 1,
					sample: sampleData([]int32{1, 2}, 0),
				}))
			},
			ErrTruncatedPayload,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := d.Decode(tc.build()); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDecodeZeroASDUs(t *testing.T) {
	d := NewDecoder(profile.Default())
	fr := buildFrame(0x4000)
	if _, err := d.Decode(fr); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err = %v, want malformed", err)
	}
}

func FuzzDecode(f *testing.F) {
	valid := buildFrame(0x4000, buildASDU(asduSpec{
		svid: "MU01", smpCnt: 1, confRev: 1, sample: defaultSample(),
	}))
	f.Add(valid.Payload())
	f.Add([]byte{})
	f.Add([]byte{0x40, 0x00, 0x00, 0x0A, 0, 0, 0, 0, 0x60, 0x00})
	d := NewDecoder(profile.Default())
	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) > capture.MaxFrameSize {
			return
		}
		fr := &capture.Frame{Len: len(data)}
		copy(fr.Data[:], data)
		sets, err := d.Decode(fr)
		if err != nil && sets != nil {
			t.Fatal("non-nil sets with error")
		}
		if err != nil && !errors.Is(err, ErrMalformedFrame) && !errors.Is(err, ErrTruncatedPayload) {
			t.Fatalf("unclassified error: %v", err)
		}
	})
}

func BenchmarkDecode(b *testing.B) {
	d := NewDecoder(profile.Default())
	fr := buildFrame(0x4000, buildASDU(asduSpec{
		svid: "MU01", smpCnt: 1, confRev: 1, sample: defaultSample(),
	}))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := d.Decode(fr); err != nil {
			b.Fatal(err)
		}
	}
}
