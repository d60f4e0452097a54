package scan

import (
	"testing"

	"github.com/srg/coyote/internal/testutils"
	"github.com/stretchr/testify/assert"
)

func TestMatcher_Match(t *testing.T) {
	m := DefaultMatcher("")

	tests := []struct {
		name     string
		builder  *testutils.AdvertisementBuilder
		match    bool
		nameOnly bool
		exact    bool
	}{
		{"exact default name", testutils.NewAdvertisementBuilder().WithName("47L121000"), true, true, true},
		{"name is case-insensitive", testutils.NewAdvertisementBuilder().WithName("47l121000"), true, true, true},
		{"name prefix", testutils.NewAdvertisementBuilder().WithName("47L121007"), true, true, false},
		{"primary service only", testutils.NewAdvertisementBuilder().WithServices("0000180C-0000-1000-8000-00805F9B34FB"), true, false, false},
		{"hid service only", testutils.NewAdvertisementBuilder().WithServices("1812"), true, false, false},
		{"unrelated peripheral", testutils.NewAdvertisementBuilder().WithName("Heart Rate").WithServices("180d"), false, false, false},
		{"empty advertisement", testutils.NewAdvertisementBuilder(), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adv := tt.builder.WithAddress("AA:BB:CC:DD:EE:FF").Build()
			assert.Equal(t, tt.match, m.Match(adv), "Match MUST follow the name, prefix and service rules")
			assert.Equal(t, tt.nameOnly, m.MatchName(adv), "MatchName MUST ignore services")
			assert.Equal(t, tt.exact, m.MatchExactName(adv), "MatchExactName MUST ignore prefix and services")
		})
	}
}

func TestDefaultMatcher_NameOverride(t *testing.T) {
	m := DefaultMatcher("MyCoyote")

	adv := testutils.NewAdvertisementBuilder().WithName("mycoyote").Build()
	assert.True(t, m.MatchName(adv))
	assert.Equal(t, DefaultNamePrefix, m.Prefix, "override MUST keep the stock prefix rule")
}
