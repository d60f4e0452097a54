package protocol

// PowerCommand is a decoded 0xB0 frame.
type PowerCommand struct {
	Seq       uint8
	ModeA     Mode
	ModeB     Mode
	Strengths Strengths
	// Pulses carry duration and intensity only; Frequency is left zero.
	Pulses Pulses
}

// DecodePowerCommand parses a 0xB0 frame as written by EncodePowerCommand.
func DecodePowerCommand(b []byte) (PowerCommand, error) {
	if len(b) == 0 {
		return PowerCommand{}, ErrEmptyFrame
	}
	if b[0] != CmdPowerCommand || len(b) < PowerCommandSize {
		return PowerCommand{}, &MalformedFrameError{Command: b[0], Want: PowerCommandSize, Got: len(b)}
	}

	cmd := PowerCommand{
		Seq:       b[1] >> 4,
		ModeA:     Mode(b[1]>>2) & 0x03,
		ModeB:     Mode(b[1]) & 0x03,
		Strengths: Strengths{A: b[2], B: b[3]},
	}
	body := b[4:]
	for i := range PulsesPerPacket {
		cmd.Pulses.A[i] = Pulse{Duration: int(body[i]), Intensity: int(body[PulsesPerPacket+i])}
		cmd.Pulses.B[i] = Pulse{Duration: int(body[2*PulsesPerPacket+i]), Intensity: int(body[3*PulsesPerPacket+i])}
	}
	return cmd, nil
}

// DecodeParameterSync parses a 0xBF frame.
func DecodeParameterSync(b []byte) (Parameters, error) {
	if len(b) == 0 {
		return Parameters{}, ErrEmptyFrame
	}
	if b[0] != CmdParameterSync || len(b) < ParameterSyncSize {
		return Parameters{}, &MalformedFrameError{Command: b[0], Want: ParameterSyncSize, Got: len(b)}
	}
	return Parameters{
		ALimit:            b[1],
		BLimit:            b[2],
		AFrequencyBalance: b[3],
		BFrequencyBalance: b[4],
		AIntensityBalance: b[5],
		BIntensityBalance: b[6],
	}, nil
}
