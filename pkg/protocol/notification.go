package protocol

import (
	"fmt"
	"sync/atomic"
)

// Notification is a decoded status notification.
type Notification interface {
	Command() byte
}

// PowerUpdate is the authoritative channel strength report.
type PowerUpdate struct {
	Seq uint8
	A   uint8
	B   uint8
}

// Ack confirms an acknowledgement-requesting command.
type Ack struct {
	Seq uint8
}

// ActivePower reports the output power currently applied.
type ActivePower struct {
	A uint8
	B uint8
}

// Unknown carries any frame with an unrecognized command id.
type Unknown struct {
	Raw []byte
}

func (PowerUpdate) Command() byte { return CmdPowerUpdate }
func (Ack) Command() byte         { return CmdAck }
func (ActivePower) Command() byte { return CmdActivePower }

func (u Unknown) Command() byte {
	if len(u.Raw) == 0 {
		return 0
	}
	return u.Raw[0]
}

func (u Unknown) String() string {
	return fmt.Sprintf("unknown(% X)", u.Raw)
}

// DecodeNotification parses a status notification keyed by its first byte.
func DecodeNotification(b []byte) (Notification, error) {
	if len(b) == 0 {
		return nil, ErrEmptyFrame
	}

	switch b[0] {
	case CmdPowerUpdate:
		if len(b) < 4 {
			return nil, &MalformedFrameError{Command: b[0], Want: 4, Got: len(b)}
		}
		return PowerUpdate{Seq: b[1], A: b[2], B: b[3]}, nil
	case CmdAck:
		if len(b) < 2 {
			return nil, &MalformedFrameError{Command: b[0], Want: 2, Got: len(b)}
		}
		return Ack{Seq: b[1]}, nil
	case CmdActivePower:
		if len(b) < 4 {
			return nil, &MalformedFrameError{Command: b[0], Want: 4, Got: len(b)}
		}
		return ActivePower{A: b[2], B: b[3]}, nil
	default:
		raw := make([]byte, len(b))
		copy(raw, b)
		return Unknown{Raw: raw}, nil
	}
}

// ActivePowerFilter masks the stale active power value the peripheral emits
// right after connecting: the first report of a session reads (0,0).
type ActivePowerFilter struct {
	seen atomic.Bool
}

// Apply returns the value to report for n.
func (f *ActivePowerFilter) Apply(n ActivePower) ActivePower {
	if f.seen.CompareAndSwap(false, true) {
		return ActivePower{}
	}
	return n
}

// Seen reports whether the first active power of the session was consumed.
func (f *ActivePowerFilter) Seen() bool {
	return f.seen.Load()
}

// Reset starts a new session.
func (f *ActivePowerFilter) Reset() {
	f.seen.Store(false)
}
