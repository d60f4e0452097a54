package lifecycle

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Profile names accepted by ParseProfile.
const (
	ProfileAuto        = "auto"
	ProfileStandard    = "standard"
	ProfileStaleHandle = "stale-handle"
)

// Platform isolates BLE stack quirks. It is chosen once at startup.
type Platform interface {
	Name() string

	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout() time.Duration

	// StaleHandle reports whether the stack keeps stale GATT handles across
	// reconnects, which enables the deferred-cache and refresh-scan paths.
	StaleHandle() bool

	// FailureBackoff returns the pause after a recoverable failure given the
	// consecutive connect failure streak, and whether an active nudge scan
	// should run during it.
	FailureBackoff(streak int) (time.Duration, bool)
}

// StandardPlatform is the branch-free path for well-behaved stacks.
type StandardPlatform struct {
	Connect time.Duration
	Backoff time.Duration
}

// NewStandardPlatform returns a StandardPlatform with the stock timeouts.
func NewStandardPlatform() *StandardPlatform {
	return &StandardPlatform{Connect: 8 * time.Second, Backoff: time.Second}
}

func (p *StandardPlatform) Name() string                  { return ProfileStandard }
func (p *StandardPlatform) ConnectTimeout() time.Duration { return p.Connect }
func (p *StandardPlatform) StaleHandle() bool             { return false }

func (p *StandardPlatform) FailureBackoff(int) (time.Duration, bool) {
	return p.Backoff, false
}

// StaleHandlePlatform tolerates stacks that need longer connects and benefit
// from a background active scan between attempts.
type StaleHandlePlatform struct {
	Connect    time.Duration
	MaxBackoff time.Duration
}

// NewStaleHandlePlatform returns a StaleHandlePlatform with the stock timeouts.
func NewStaleHandlePlatform() *StaleHandlePlatform {
	return &StaleHandlePlatform{Connect: 15 * time.Second, MaxBackoff: 5 * time.Second}
}

func (p *StaleHandlePlatform) Name() string                  { return ProfileStaleHandle }
func (p *StaleHandlePlatform) ConnectTimeout() time.Duration { return p.Connect }
func (p *StaleHandlePlatform) StaleHandle() bool             { return true }

// FailureBackoff scales as 1s + 1s per failure, capped at MaxBackoff.
func (p *StaleHandlePlatform) FailureBackoff(streak int) (time.Duration, bool) {
	d := time.Duration(1+max(streak, 0)) * time.Second
	return min(d, p.MaxBackoff), true
}

// ParseProfile resolves a profile name. "auto" and "" pick the stale-handle
// profile on windows and the standard one elsewhere.
func ParseProfile(name string) (Platform, error) {
	return parseProfile(name, runtime.GOOS)
}

func parseProfile(name, goos string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ProfileAuto:
		if goos == "windows" {
			return NewStaleHandlePlatform(), nil
		}
		return NewStandardPlatform(), nil
	case ProfileStandard:
		return NewStandardPlatform(), nil
	case ProfileStaleHandle, "stale_handle", "stalehandle":
		return NewStaleHandlePlatform(), nil
	default:
		return nil, fmt.Errorf("unknown stack profile %q (want %s, %s or %s)",
			name, ProfileAuto, ProfileStandard, ProfileStaleHandle)
	}
}
