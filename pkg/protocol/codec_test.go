package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePulses(intensity int) *Pulses {
	p := &Pulses{}
	for i := range PulsesPerPacket {
		p.A[i] = Pulse{Frequency: 100, Duration: 10 + i, Intensity: intensity}
		p.B[i] = Pulse{Frequency: 50, Duration: 20 + i, Intensity: intensity / 2}
	}
	return p
}

func TestEncodeParameterSync(t *testing.T) {
	tests := []struct {
		name   string
		params Parameters
	}{
		{name: "zero values", params: Parameters{}},
		{name: "typical", params: Parameters{ALimit: 200, BLimit: 150, AFrequencyBalance: 160, BFrequencyBalance: 160, AIntensityBalance: 0, BIntensityBalance: 0}},
		{name: "all max", params: Parameters{255, 255, 255, 255, 255, 255}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := EncodeParameterSync(tt.params)

			require.Len(t, frame, ParameterSyncSize, "parameter frame MUST be 7 bytes")
			assert.Equal(t, CmdParameterSync, frame[0])
			assert.Equal(t, []byte{
				tt.params.ALimit, tt.params.BLimit,
				tt.params.AFrequencyBalance, tt.params.BFrequencyBalance,
				tt.params.AIntensityBalance, tt.params.BIntensityBalance,
			}, frame[1:], "fields MUST follow declared order")
		})
	}
}

func TestEncodePowerCommand_ControlByte(t *testing.T) {
	strengths := &Strengths{A: 30, B: 40}

	for seq := uint8(1); seq < SequenceModulo; seq++ {
		frame, err := EncodePowerCommand(strengths, nil, seq)
		require.NoError(t, err)
		assert.Equal(t, seq, frame[1]>>4, "strengths-present sends MUST carry the sequence nibble")
		assert.Equal(t, byte(ModeAbsoluteSet)<<2|byte(ModeAbsoluteSet), frame[1]&0x0F)
		assert.Equal(t, byte(30), frame[2])
		assert.Equal(t, byte(40), frame[3])
	}

	for seq := uint8(0); seq < SequenceModulo; seq++ {
		frame, err := EncodePowerCommand(nil, samplePulses(50), seq)
		require.NoError(t, err)
		assert.Equal(t, byte(0), frame[1], "pulses-only sends MUST force nibble and modes to zero")
		assert.Equal(t, byte(0), frame[2])
		assert.Equal(t, byte(0), frame[3])
	}
}

func TestEncodePowerCommand_PulseLayout(t *testing.T) {
	frame, err := EncodePowerCommand(nil, samplePulses(80), 0)
	require.NoError(t, err)
	require.Len(t, frame, PowerCommandSize)

	assert.Equal(t, []byte{10, 11, 12, 13}, frame[4:8], "channel A durations")
	assert.Equal(t, []byte{80, 80, 80, 80}, frame[8:12], "channel A intensities")
	assert.Equal(t, []byte{20, 21, 22, 23}, frame[12:16], "channel B durations")
	assert.Equal(t, []byte{40, 40, 40, 40}, frame[16:20], "channel B intensities")
}

func TestEncodePowerCommand_InvalidPulsesPad(t *testing.T) {
	tests := []struct {
		name  string
		patch func(p *Pulses)
	}{
		{name: "intensity above 100 on A", patch: func(p *Pulses) { p.A[2].Intensity = 101 }},
		{name: "negative intensity on B", patch: func(p *Pulses) { p.B[0].Intensity = -1 }},
		{name: "duration past one byte on A", patch: func(p *Pulses) { p.A[1].Duration = 300 }},
		{name: "duration above 240 on B", patch: func(p *Pulses) { p.B[3].Duration = 241 }},
		{name: "duration below 4 on A", patch: func(p *Pulses) { p.A[0].Duration = 3 }},
		{name: "negative duration on B", patch: func(p *Pulses) { p.B[1].Duration = -10 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pulses := samplePulses(60)
			tt.patch(pulses)
			strengths := &Strengths{A: 12, B: 34}

			frame, err := EncodePowerCommand(strengths, pulses, 3)
			require.NoError(t, err)

			assert.Equal(t, make([]byte, PulseBytes), frame[4:], "invalid pulses MUST be replaced by the zero pad")
			assert.Equal(t, byte(12), frame[2], "strengths MUST be unaffected")
			assert.Equal(t, byte(34), frame[3], "strengths MUST be unaffected")
			assert.Equal(t, uint8(3), frame[1]>>4)
		})
	}
}

func TestPulse_Valid(t *testing.T) {
	tests := []struct {
		name  string
		pulse Pulse
		valid bool
	}{
		{name: "empty slot", pulse: Pulse{}, valid: true},
		{name: "shortest", pulse: Pulse{Duration: MinPulseDuration, Intensity: 10}, valid: true},
		{name: "longest at full intensity", pulse: Pulse{Duration: MaxPulseDuration, Intensity: MaxIntensity}, valid: true},
		{name: "too short", pulse: Pulse{Duration: 1, Intensity: 10}},
		{name: "too long", pulse: Pulse{Duration: 300, Intensity: 10}},
		{name: "intensity too high", pulse: Pulse{Duration: 10, Intensity: 101}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.pulse.Valid())
		})
	}
}

func TestEncodePowerCommand_Errors(t *testing.T) {
	_, err := EncodePowerCommand(nil, nil, 1)
	assert.ErrorIs(t, err, ErrEmptyCommand)

	_, err = EncodePowerCommand(&Strengths{}, nil, 16)
	assert.Error(t, err)
}

func TestEncodePowerCommand_ClampsStrengths(t *testing.T) {
	frame, err := EncodePowerCommand(&Strengths{A: 250, B: 201}, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(MaxStrength), frame[2])
	assert.Equal(t, byte(MaxStrength), frame[3])
	assert.Equal(t, make([]byte, PulseBytes), frame[4:], "absent pulses MUST be padded")
}

func TestDecodeNotification(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected Notification
		err      error
	}{
		{name: "empty", input: nil, err: ErrEmptyFrame},
		{name: "power update", input: []byte{0xB1, 5, 20, 30}, expected: PowerUpdate{Seq: 5, A: 20, B: 30}},
		{name: "power update with trailing bytes", input: []byte{0xB1, 5, 20, 30, 99}, expected: PowerUpdate{Seq: 5, A: 20, B: 30}},
		{name: "short power update", input: []byte{0xB1, 5, 20}, err: ErrMalformedFrame},
		{name: "ack", input: []byte{0x51, 7}, expected: Ack{Seq: 7}},
		{name: "short ack", input: []byte{0x51}, err: ErrMalformedFrame},
		{name: "active power", input: []byte{0x53, 0, 11, 22}, expected: ActivePower{A: 11, B: 22}},
		{name: "short active power", input: []byte{0x53, 0}, err: ErrMalformedFrame},
		{name: "unknown", input: []byte{0x99, 1, 2}, expected: Unknown{Raw: []byte{0x99, 1, 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := DecodeNotification(tt.input)
			if tt.err != nil {
				assert.True(t, errors.Is(err, tt.err), "expected %v, got %v", tt.err, err)
				assert.Nil(t, n)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, n)
			assert.Equal(t, tt.input[0], n.Command())
		})
	}
}

func TestMalformedFrameError_Message(t *testing.T) {
	_, err := DecodeNotification([]byte{0x53, 1})
	var mf *MalformedFrameError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, byte(0x53), mf.Command)
	assert.Equal(t, 2, mf.Got)
	assert.Contains(t, err.Error(), "0x53")
}

func TestActivePowerFilter(t *testing.T) {
	var f ActivePowerFilter

	assert.Equal(t, ActivePower{}, f.Apply(ActivePower{A: 40, B: 50}), "first report of a session MUST read zero")
	assert.True(t, f.Seen())
	assert.Equal(t, ActivePower{A: 41, B: 51}, f.Apply(ActivePower{A: 41, B: 51}))

	f.Reset()
	assert.False(t, f.Seen())
	assert.Equal(t, ActivePower{}, f.Apply(ActivePower{A: 7, B: 8}), "reset MUST re-arm the stale value mask")
}
