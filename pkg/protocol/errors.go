package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyFrame is returned when a notification carries no bytes.
	ErrEmptyFrame = errors.New("empty frame")

	// ErrMalformedFrame matches any *MalformedFrameError via errors.Is.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrEmptyCommand is returned when a power command has neither strengths nor pulses.
	ErrEmptyCommand = errors.New("command carries neither strengths nor pulses")
)

// MalformedFrameError describes a notification that is too short for its command id
type MalformedFrameError struct {
	Command byte
	Want    int
	Got     int
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame 0x%02X: want at least %d bytes, got %d", e.Command, e.Want, e.Got)
}

// Is allows errors.Is(err, ErrMalformedFrame)
func (e *MalformedFrameError) Is(target error) bool {
	return target == ErrMalformedFrame
}
