package lifecycle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{Disconnected, Scanning, true},
		{Disconnected, Connecting, false},
		{Scanning, Connecting, true},
		{Scanning, Scanning, true},
		{Scanning, ServiceDiscovery, false},
		{Connecting, ServiceDiscovery, true},
		{Connecting, Scanning, true},
		{Connecting, Connected, false},
		{ServiceDiscovery, StatusSubscribe, true},
		{ServiceDiscovery, SyncParameters, false},
		{StatusSubscribe, SyncParameters, true},
		{StatusSubscribe, Connected, false},
		{SyncParameters, Connected, true},
		{Connected, Scanning, true},
		{Connected, ServiceDiscovery, false},
		{Connected, Disconnected, true},
		{StatusSubscribe, Disconnected, true},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanTransition_ConnectedOnlyThroughDiscoveryAndSubscribe(t *testing.T) {
	// every path into Connected passes ServiceDiscovery then StatusSubscribe
	for from := Disconnected; from <= Connected; from++ {
		if CanTransition(from, Connected) {
			assert.Equal(t, SyncParameters, from, "only SyncParameters MAY lead to Connected")
		}
		if CanTransition(from, SyncParameters) {
			assert.Equal(t, StatusSubscribe, from)
		}
		if CanTransition(from, StatusSubscribe) {
			assert.Equal(t, ServiceDiscovery, from)
		}
	}
}

func TestStage_MarshalText(t *testing.T) {
	b, err := json.Marshal(map[string]Stage{"stage": SyncParameters})
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"sync_parameters"}`, string(b))
	assert.Equal(t, "unknown", Stage(42).String())
}

func TestParseProfile(t *testing.T) {
	tests := []struct {
		name    string
		goos    string
		want    string
		wantErr bool
	}{
		{"", "linux", ProfileStandard, false},
		{"auto", "darwin", ProfileStandard, false},
		{"auto", "windows", ProfileStaleHandle, false},
		{"standard", "windows", ProfileStandard, false},
		{"Stale-Handle", "linux", ProfileStaleHandle, false},
		{"winrt", "linux", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name+"/"+tt.goos, func(t *testing.T) {
			p, err := parseProfile(tt.name, tt.goos)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name())
		})
	}
}

func TestPlatform_Backoff(t *testing.T) {
	std := NewStandardPlatform()
	assert.Equal(t, 8*time.Second, std.ConnectTimeout())
	d, nudge := std.FailureBackoff(7)
	assert.Equal(t, time.Second, d)
	assert.False(t, nudge)

	stale := NewStaleHandlePlatform()
	assert.Equal(t, 15*time.Second, stale.ConnectTimeout())
	for streak, want := range map[int]time.Duration{0: time.Second, 1: 2 * time.Second, 3: 4 * time.Second, 4: 5 * time.Second, 9: 5 * time.Second} {
		d, nudge := stale.FailureBackoff(streak)
		assert.Equal(t, want, d, "streak %d", streak)
		assert.True(t, nudge)
	}
}

func TestTimings_ScanRetryDelay(t *testing.T) {
	tm := DefaultTimings().withDefaults()

	assert.Equal(t, 2*time.Second, tm.scanRetryDelay(1))
	assert.Equal(t, 3*time.Second, tm.scanRetryDelay(2))
	assert.Equal(t, 4*time.Second, tm.scanRetryDelay(3))
	assert.Equal(t, 4*time.Second, tm.scanRetryDelay(10), "delay MUST stay within [2s, 4s]")
}

func TestTimings_WithDefaults(t *testing.T) {
	tm := Timings{ParameterInterval: time.Second, ScanRetryMin: 6 * time.Second}.withDefaults()

	assert.Equal(t, time.Second, tm.ParameterInterval)
	assert.Equal(t, 10*time.Second, tm.BatteryInterval)
	assert.Equal(t, 3, tm.WriteAttempts)
	assert.Equal(t, 6*time.Second, tm.ScanRetryMax, "max MUST NOT undercut min")
}
