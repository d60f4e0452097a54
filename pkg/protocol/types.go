package protocol

import "fmt"

const (
	// PulsesPerPacket is the number of pulses per channel carried by a power command.
	PulsesPerPacket = 4

	// MaxStrength is the highest absolute channel strength accepted by the peripheral.
	MaxStrength = 200

	// MaxIntensity is the highest pulse intensity accepted by the peripheral.
	MaxIntensity = 100

	// MinPulseDuration and MaxPulseDuration bound a pulse in milliseconds.
	// A zero duration marks an empty slot.
	MinPulseDuration = 4
	MaxPulseDuration = 240
)

// Parameters are the per-channel limits and balances synced to the peripheral.
type Parameters struct {
	ALimit            uint8 `yaml:"a_limit" json:"a_limit"`
	BLimit            uint8 `yaml:"b_limit" json:"b_limit"`
	AFrequencyBalance uint8 `yaml:"a_frequency_balance" json:"a_frequency_balance"`
	BFrequencyBalance uint8 `yaml:"b_frequency_balance" json:"b_frequency_balance"`
	AIntensityBalance uint8 `yaml:"a_intensity_balance" json:"a_intensity_balance"`
	BIntensityBalance uint8 `yaml:"b_intensity_balance" json:"b_intensity_balance"`
}

// Strengths are absolute channel intensities in [0, MaxStrength].
type Strengths struct {
	A uint8 `json:"a" cbor:"a"`
	B uint8 `json:"b" cbor:"b"`
}

// Clamp returns a copy with both channels limited to MaxStrength.
func (s Strengths) Clamp() Strengths {
	return Strengths{A: min(s.A, MaxStrength), B: min(s.B, MaxStrength)}
}

func (s Strengths) String() string {
	return fmt.Sprintf("A=%d B=%d", s.A, s.B)
}

// Pulse is one waveform unit. Frequency is derived from Duration and only used for display.
type Pulse struct {
	Frequency int `json:"frequency" cbor:"frequency"`
	Duration  int `json:"duration" cbor:"duration"`
	Intensity int `json:"intensity" cbor:"intensity"`
}

// Valid reports whether the pulse can be put on the wire as-is.
func (p Pulse) Valid() bool {
	if p.Intensity < 0 || p.Intensity > MaxIntensity {
		return false
	}
	return p.Duration == 0 || (p.Duration >= MinPulseDuration && p.Duration <= MaxPulseDuration)
}

// Pulses is one packet worth of pulses, paired A/B.
type Pulses struct {
	A [PulsesPerPacket]Pulse `json:"a" cbor:"a"`
	B [PulsesPerPacket]Pulse `json:"b" cbor:"b"`
}

// ZeroPulses returns a packet that switches both outputs off.
func ZeroPulses() *Pulses {
	return &Pulses{}
}

// Mode is the two-bit strength interpretation of a power command.
type Mode uint8

const (
	ModeNoChange    Mode = 0b00
	ModeIncrease    Mode = 0b01
	ModeAbsoluteSet Mode = 0b10
	ModeDecrease    Mode = 0b11
)
