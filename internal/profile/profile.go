// Package profile describes the merging-unit device profile: how many
// channels a sample carries, how raw integers map to physical units and
// which channels feed the OpenPMU output. Channel layout is deployment
// configuration, not something the wire format declares.
package profile

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
)

// Kind labels a channel as a current or a voltage.
type Kind string

const (
	KindCurrent Kind = "current"
	KindVoltage Kind = "voltage"
)

// Channel is one decoded input channel slot.
type Channel struct {
	Name  string  `toml:"name"`
	Kind  Kind    `toml:"kind"`
	Phase string  `toml:"phase"`
	Scale float64 `toml:"scale"`
	// Clamp bounds the scaled magnitude; 0 disables clamping. Values
	// beyond the bound are clamped and flagged, never rejected.
	Clamp float64 `toml:"clamp"`
}

// Output maps an input channel index into an OpenPMU output slot.
type Output struct {
	Name  string `toml:"name"`
	Kind  Kind   `toml:"kind"`
	Phase string `toml:"phase"`
	Input int    `toml:"input"`
}

// Profile is the full device profile, loadable from TOML.
type Profile struct {
	NominalFrequency int       `toml:"nominal_frequency"`
	SampleRate       int       `toml:"sample_rate"`
	CounterModulus   int       `toml:"counter_modulus"`
	Channels         []Channel `toml:"channel"`
	Outputs          []Output  `toml:"output"`
}

// Default returns the 9-2LE-style profile: eight channels (three phase
// currents plus neutral, three phase voltages plus neutral) at 4000 Hz
// on a 50 Hz system, publishing six output channels.
func Default() *Profile {
	return &Profile{
		NominalFrequency: 50,
		SampleRate:       4000,
		CounterModulus:   4000,
		Channels: []Channel{
			{Name: "Ia", Kind: KindCurrent, Phase: "a", Scale: 0.001},
			{Name: "Ib", Kind: KindCurrent, Phase: "b", Scale: 0.001},
			{Name: "Ic", Kind: KindCurrent, Phase: "c", Scale: 0.001},
			{Name: "In", Kind: KindCurrent, Phase: "n", Scale: 0.001},
			{Name: "Va", Kind: KindVoltage, Phase: "a", Scale: 0.01},
			{Name: "Vb", Kind: KindVoltage, Phase: "b", Scale: 0.01},
			{Name: "Vc", Kind: KindVoltage, Phase: "c", Scale: 0.01},
			{Name: "Vn", Kind: KindVoltage, Phase: "n", Scale: 0.01},
		},
		Outputs: []Output{
			{Name: "Va", Kind: KindVoltage, Phase: "a", Input: 4},
			{Name: "Vb", Kind: KindVoltage, Phase: "b", Input: 5},
			{Name: "Vc", Kind: KindVoltage, Phase: "c", Input: 6},
			{Name: "Ia", Kind: KindCurrent, Phase: "a", Input: 0},
			{Name: "Ib", Kind: KindCurrent, Phase: "b", Input: 1},
			{Name: "Ic", Kind: KindCurrent, Phase: "c", Input: 2},
		},
	}
}

// Load reads a profile from a TOML file, filling defaults for omitted
// top-level values, and validates it.
func Load(path string) (*Profile, error) {
	p := &Profile{}
	if _, err := toml.DecodeFile(path, p); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	if p.CounterModulus == 0 {
		p.CounterModulus = p.SampleRate
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// Validate checks semantic consistency. It runs at startup so profile
// mistakes fail the process instead of surfacing mid-stream.
func (p *Profile) Validate() error {
	if p.NominalFrequency <= 0 {
		return errors.New("nominal_frequency must be > 0")
	}
	if p.SampleRate <= 0 {
		return errors.New("sample_rate must be > 0")
	}
	if p.SampleRate%p.NominalFrequency != 0 {
		return fmt.Errorf("sample_rate %d not a multiple of nominal_frequency %d", p.SampleRate, p.NominalFrequency)
	}
	if p.CounterModulus <= 0 || p.CounterModulus > 1<<16 {
		return fmt.Errorf("counter_modulus %d out of range (1..65536)", p.CounterModulus)
	}
	if len(p.Channels) == 0 {
		return errors.New("at least one channel required")
	}
	for i, ch := range p.Channels {
		if ch.Kind != KindCurrent && ch.Kind != KindVoltage {
			return fmt.Errorf("channel %d (%s): invalid kind %q", i, ch.Name, ch.Kind)
		}
		if ch.Scale == 0 {
			return fmt.Errorf("channel %d (%s): scale must be non-zero", i, ch.Name)
		}
		if ch.Clamp < 0 {
			return fmt.Errorf("channel %d (%s): clamp must be >= 0", i, ch.Name)
		}
	}
	if len(p.Outputs) == 0 {
		return errors.New("at least one output required")
	}
	for i, out := range p.Outputs {
		if out.Input < 0 || out.Input >= len(p.Channels) {
			return fmt.Errorf("output %d (%s): input %d out of range", i, out.Name, out.Input)
		}
		if out.Kind != KindCurrent && out.Kind != KindVoltage {
			return fmt.Errorf("output %d (%s): invalid kind %q", i, out.Name, out.Kind)
		}
	}
	return nil
}

// SamplesPerHalfCycle is the number of samples in one nominal half cycle,
// the window length the original OpenPMU tooling expects per datagram
// when batching is aligned to the power frequency.
func (p *Profile) SamplesPerHalfCycle() int {
	return p.SampleRate / (2 * p.NominalFrequency)
}
