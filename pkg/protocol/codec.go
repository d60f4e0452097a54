package protocol

import "fmt"

// Command identifiers.
const (
	CmdPowerCommand  byte = 0xB0
	CmdParameterSync byte = 0xBF
	CmdPowerUpdate   byte = 0xB1
	CmdAck           byte = 0x51
	CmdActivePower   byte = 0x53
)

const (
	// ParameterSyncSize is the length of an encoded parameter sync frame.
	ParameterSyncSize = 7

	// PulseBytes is the size of the pulse section of a power command.
	PulseBytes = 4 * PulsesPerPacket

	// PowerCommandSize is the length of an encoded power command.
	PowerCommandSize = 4 + PulseBytes
)

// EncodeParameterSync builds the 0xBF frame. The peripheral never acknowledges it.
func EncodeParameterSync(p Parameters) []byte {
	return []byte{
		CmdParameterSync,
		p.ALimit,
		p.BLimit,
		p.AFrequencyBalance,
		p.BFrequencyBalance,
		p.AIntensityBalance,
		p.BIntensityBalance,
	}
}

// ControlByte packs the sequence nibble and both channel modes.
func ControlByte(seq uint8, a, b Mode) byte {
	return (seq&0x0F)<<4 | byte(a&0x03)<<2 | byte(b&0x03)
}

// ValidPulses reports whether every pulse has an intensity in [0, MaxIntensity]
// and a duration the peripheral accepts.
func ValidPulses(p *Pulses) bool {
	if p == nil {
		return false
	}
	for i := range PulsesPerPacket {
		if !p.A[i].Valid() || !p.B[i].Valid() {
			return false
		}
	}
	return true
}

// EncodePowerCommand builds the 0xB0 frame.
//
// An acknowledgement is requested only when strengths are present: seq goes
// into the upper nibble and both channels use ModeAbsoluteSet. Without
// strengths the nibble is 0 and both channels use ModeNoChange. Absent or
// invalid pulses are sent as a zero pad.
func EncodePowerCommand(strengths *Strengths, pulses *Pulses, seq uint8) ([]byte, error) {
	if strengths == nil && pulses == nil {
		return nil, ErrEmptyCommand
	}
	if seq > 0x0F {
		return nil, fmt.Errorf("sequence %d out of range", seq)
	}

	mode := ModeNoChange
	var nibble uint8
	var a, b uint8
	if strengths != nil {
		s := strengths.Clamp()
		mode = ModeAbsoluteSet
		nibble = seq
		a, b = s.A, s.B
	}

	frame := make([]byte, PowerCommandSize)
	frame[0] = CmdPowerCommand
	frame[1] = ControlByte(nibble, mode, mode)
	frame[2] = a
	frame[3] = b

	if ValidPulses(pulses) {
		body := frame[4:]
		for i := range PulsesPerPacket {
			body[i] = byte(pulses.A[i].Duration)
			body[PulsesPerPacket+i] = byte(pulses.A[i].Intensity)
			body[2*PulsesPerPacket+i] = byte(pulses.B[i].Duration)
			body[3*PulsesPerPacket+i] = byte(pulses.B[i].Intensity)
		}
	}

	return frame, nil
}
