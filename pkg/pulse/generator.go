// Package pulse maps a continuous control signal into hardware-legal pulses.
package pulse

import (
	"fmt"
	"math"

	"github.com/srg/coyote/pkg/protocol"
)

// Hardware envelope of a single pulse.
const (
	MinDurationMs = protocol.MinPulseDuration
	MaxDurationMs = protocol.MaxPulseDuration
)

// Mode selects how the raw control value is read.
type Mode int

const (
	// Normalized reads raw as 0..100 across the frequency window.
	Normalized Mode = iota
	// Direct reads raw as a frequency in Hz, clamped to the window.
	Direct
)

func (m Mode) String() string {
	switch m {
	case Normalized:
		return "normalized"
	case Direct:
		return "direct"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts a config string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "normalized":
		return Normalized, nil
	case "direct":
		return Direct, nil
	default:
		return 0, fmt.Errorf("unknown pulse mode %q (must be normalized or direct)", s)
	}
}

// Window is the user frequency window in Hz.
type Window struct {
	MinHz float64
	MaxHz float64
}

// DurationLimits intersects the hardware envelope with the durations the
// window can produce. A degenerate window yields the hardware envelope.
func (w Window) DurationLimits() (lo, hi int) {
	if w.MinHz <= 0 || w.MaxHz <= 0 {
		return MinDurationMs, MaxDurationMs
	}
	lo = max(MinDurationMs, int(math.Round(1000/w.MaxHz)))
	hi = min(MaxDurationMs, int(math.Round(1000/w.MinHz)))
	if lo > hi {
		return MinDurationMs, MaxDurationMs
	}
	return lo, hi
}

// Generator produces one pulse per tick for a single channel.
//
// ResidualBound enables the rounding-drift accumulator when > 0; the carried
// residual never exceeds it in magnitude and is dropped whenever a clamp fires.
type Generator struct {
	Mode          Mode
	Window        Window
	ResidualBound float64

	residual float64
}

// NewGenerator returns a generator without residual carry.
func NewGenerator(mode Mode, window Window) *Generator {
	return &Generator{Mode: mode, Window: window}
}

// TargetHz maps raw into the requested frequency, never below 1 Hz.
func (g *Generator) TargetHz(raw float64) float64 {
	var target float64
	switch g.Mode {
	case Direct:
		target = clamp(raw, g.Window.MinHz, g.Window.MaxHz)
	default:
		n := clamp(raw, 0, 100) / 100
		target = g.Window.MinHz + n*(g.Window.MaxHz-g.Window.MinHz)
	}
	return math.Max(1, target)
}

// Generate builds the pulse for control value raw and the requested intensity.
func (g *Generator) Generate(raw, intensity float64) protocol.Pulse {
	target := g.TargetHz(raw)

	desired := 1000 / target
	base := clamp(desired, MinDurationMs, MaxDurationMs)
	clamped := base != desired

	duration := int(math.Round(base))
	if g.ResidualBound > 0 {
		duration = g.carry(base)
	}

	lo, hi := g.Window.DurationLimits()
	if duration < lo || duration > hi {
		duration = min(max(duration, lo), hi)
		clamped = true
	}
	if clamped {
		g.residual = 0
	}

	return protocol.Pulse{
		Frequency: DisplayFrequency(duration),
		Duration:  duration,
		Intensity: int(clamp(math.Round(intensity), 0, protocol.MaxIntensity)),
	}
}

// Residual returns the carried rounding error in ms.
func (g *Generator) Residual() float64 {
	return g.residual
}

// Reset drops the carried residual.
func (g *Generator) Reset() {
	g.residual = 0
}

func (g *Generator) carry(desired float64) int {
	acc := desired + g.residual
	rounded := math.Round(acc)
	g.residual = clamp(acc-rounded, -g.ResidualBound, g.ResidualBound)
	return max(1, int(rounded))
}

// DisplayFrequency is the frequency a duration actually plays at, in whole Hz.
func DisplayFrequency(durationMs int) int {
	if durationMs <= 0 {
		return 1
	}
	return max(1, int(math.Round(1000/float64(durationMs))))
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
