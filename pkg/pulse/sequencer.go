package pulse

import (
	"math"
	"sync"
	"time"

	"github.com/srg/coyote/pkg/protocol"
)

// DefaultPacketInterval is the time covered by one packet of pulses.
const DefaultPacketInterval = 100 * time.Millisecond

// Control is the control signal sampled at one instant.
type Control struct {
	RawA       float64
	RawB       float64
	IntensityA float64
	IntensityB float64
}

// ControlFunc samples the control signal at t.
type ControlFunc func(t time.Time) Control

// Sequencer assembles packets of PulsesPerPacket pulses per channel on a fixed
// cadence. It is safe for use from one producer and any number of readers.
type Sequencer struct {
	a, b     *Generator
	control  ControlFunc
	interval time.Duration

	mu   sync.Mutex
	next time.Time
}

// NewSequencer creates a sequencer. A non-positive interval uses DefaultPacketInterval.
func NewSequencer(a, b *Generator, control ControlFunc, interval time.Duration) *Sequencer {
	if interval <= 0 {
		interval = DefaultPacketInterval
	}
	return &Sequencer{a: a, b: b, control: control, interval: interval}
}

// NextDue returns when the next packet is due. The zero time means immediately.
func (s *Sequencer) NextDue() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// GeneratePacket returns the packet due at now, or nil when none is due yet.
func (s *Sequencer) GeneratePacket(now time.Time) *protocol.Pulses {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Before(s.next) {
		return nil
	}

	step := s.interval / protocol.PulsesPerPacket
	packet := &protocol.Pulses{}
	for i := range protocol.PulsesPerPacket {
		c := s.control(now.Add(time.Duration(i) * step))
		packet.A[i] = s.a.Generate(c.RawA, c.IntensityA)
		packet.B[i] = s.b.Generate(c.RawB, c.IntensityB)
	}

	// Keep cadence unless we fell more than a packet behind.
	if s.next.IsZero() || now.Sub(s.next) > s.interval {
		s.next = now.Add(s.interval)
	} else {
		s.next = s.next.Add(s.interval)
	}

	return packet
}

// Constant returns a ControlFunc holding both channels at fixed values.
func Constant(raw, intensity float64) ControlFunc {
	return func(time.Time) Control {
		return Control{RawA: raw, RawB: raw, IntensityA: intensity, IntensityB: intensity}
	}
}

// Sine sweeps the normalized control value 0..100 over period, channel B in antiphase.
func Sine(start time.Time, period time.Duration, intensity float64) ControlFunc {
	return func(t time.Time) Control {
		phase := 2 * math.Pi * t.Sub(start).Seconds() / period.Seconds()
		a := 50 + 50*math.Sin(phase)
		return Control{RawA: a, RawB: 100 - a, IntensityA: intensity, IntensityB: intensity}
	}
}
