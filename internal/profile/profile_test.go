package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultProfileValid(t *testing.T) {
	p := Default()
	if err := p.Validate(); err != nil {
		t.Fatalf("default profile invalid: %v", err)
	}
	if p.SamplesPerHalfCycle() != 40 {
		t.Errorf("samples per half cycle = %d, want 40", p.SamplesPerHalfCycle())
	}
	if len(p.Channels) != 8 || len(p.Outputs) != 6 {
		t.Errorf("channels/outputs = %d/%d, want 8/6", len(p.Channels), len(p.Outputs))
	}
	// Outputs publish voltages first, per OpenPMU convention.
	if p.Outputs[0].Kind != KindVoltage || p.Outputs[0].Input != 4 {
		t.Errorf("output 0 = %+v", p.Outputs[0])
	}
}

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

const validTOML = `
nominal_frequency = 60
sample_rate = 4800

[[channel]]
name = "Ia"
kind = "current"
phase = "a"
scale = 0.001

[[channel]]
name = "Va"
kind = "voltage"
phase = "a"
scale = 0.01
clamp = 400.0

[[output]]
name = "Va"
kind = "voltage"
phase = "a"
input = 1
`

func TestLoadProfile(t *testing.T) {
	p, err := Load(writeProfile(t, validTOML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.NominalFrequency != 60 || p.SampleRate != 4800 {
		t.Errorf("freq/rate = %d/%d", p.NominalFrequency, p.SampleRate)
	}
	// counter_modulus omitted: defaults to the sample rate.
	if p.CounterModulus != 4800 {
		t.Errorf("modulus = %d, want 4800", p.CounterModulus)
	}
	if p.Channels[1].Clamp != 400.0 {
		t.Errorf("clamp = %v", p.Channels[1].Clamp)
	}
	if p.Outputs[0].Input != 1 {
		t.Errorf("output input = %d", p.Outputs[0].Input)
	}
}

func TestLoadProfileMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateErrors(t *testing.T) {
	base := func() *Profile { return Default() }
	cases := []struct {
		name   string
		mutate func(*Profile)
		want   string
	}{
		{"zero frequency", func(p *Profile) { p.NominalFrequency = 0 }, "nominal_frequency"},
		{"zero rate", func(p *Profile) { p.SampleRate = 0 }, "sample_rate"},
		{"rate not multiple", func(p *Profile) { p.SampleRate = 4001 }, "not a multiple"},
		{"modulus too large", func(p *Profile) { p.CounterModulus = 1 << 17 }, "counter_modulus"},
		{"no channels", func(p *Profile) { p.Channels = nil }, "at least one channel"},
		{"bad kind", func(p *Profile) { p.Channels[0].Kind = "impedance" }, "invalid kind"},
		{"zero scale", func(p *Profile) { p.Channels[0].Scale = 0 }, "scale"},
		{"negative clamp", func(p *Profile) { p.Channels[0].Clamp = -1 }, "clamp"},
		{"no outputs", func(p *Profile) { p.Outputs = nil }, "at least one output"},
		{"output out of range", func(p *Profile) { p.Outputs[0].Input = 99 }, "out of range"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base()
			tc.mutate(p)
			err := p.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
