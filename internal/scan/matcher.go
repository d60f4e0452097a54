package scan

import (
	"strings"

	"github.com/srg/coyote/internal/device"
)

// Default identification of the peripheral.
const (
	DefaultDeviceName = "47L121000"
	DefaultNamePrefix = "47l121"
)

// Matcher decides whether an advertisement is the target peripheral.
type Matcher struct {
	Name     string   // exact, case-insensitive
	Prefix   string   // case-insensitive
	Services []string // any advertised UUID matches
}

// DefaultMatcher matches the stock firmware; name overrides the exact name when set.
func DefaultMatcher(name string) Matcher {
	if name == "" {
		name = DefaultDeviceName
	}
	return Matcher{
		Name:     name,
		Prefix:   DefaultNamePrefix,
		Services: []string{device.ServiceUUID, device.HIDServiceUUID},
	}
}

// Match applies name, prefix and service rules.
func (m Matcher) Match(adv device.Advertisement) bool {
	if m.MatchName(adv) {
		return true
	}
	for _, want := range m.Services {
		if adv.HasService(want) {
			return true
		}
	}
	return false
}

// MatchName applies the name rules only.
func (m Matcher) MatchName(adv device.Advertisement) bool {
	name := strings.ToLower(adv.Name)
	if name == "" {
		return false
	}
	if m.Name != "" && name == strings.ToLower(m.Name) {
		return true
	}
	return m.Prefix != "" && strings.HasPrefix(name, strings.ToLower(m.Prefix))
}

// MatchExactName accepts only the configured name, ignoring the prefix rule.
func (m Matcher) MatchExactName(adv device.Advertisement) bool {
	return m.Name != "" && adv.Name != "" && strings.EqualFold(adv.Name, m.Name)
}
