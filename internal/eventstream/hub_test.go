package eventstream

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/srg/coyote/internal/testutils"
	"github.com/srg/coyote/pkg/coyote"
	"github.com/srg/coyote/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(testutils.NewTestLogger())
	hub.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string) *websocket.Conn {
	t.Helper()
	want := hub.Len() + 1
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.True(t, testutils.Eventually(time.Second, func() bool { return hub.Len() == want }),
		"client MUST be registered")
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	return string(data)
}

func TestHub_JSONFrames(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url)
	ja := testutils.NewJSONAsserter(t)

	tests := []struct {
		name     string
		notify   func()
		expected string
	}{
		{
			name:     "connectivity",
			notify:   func() { hub.ConnectivityChanged(true, coyote.StageConnected) },
			expected: `{"type":"connectivity","connected":true,"stage":"connected","time":"<<ANY>>"}`,
		},
		{
			name:     "disconnected keeps the false flag",
			notify:   func() { hub.ConnectivityChanged(false, coyote.StageScanning) },
			expected: `{"type":"connectivity","connected":false,"stage":"scanning"}`,
		},
		{
			name:     "battery",
			notify:   func() { hub.BatteryChanged(0) },
			expected: `{"type":"battery","battery":0}`,
		},
		{
			name:     "power levels",
			notify:   func() { hub.PowerLevelsChanged(protocol.Strengths{A: 20, B: 40}) },
			expected: `{"type":"power_levels","strengths":{"a":20,"b":40}}`,
		},
		{
			name: "pulse",
			notify: func() {
				var p protocol.Pulses
				p.A[0] = protocol.Pulse{Frequency: 100, Duration: 10, Intensity: 50}
				hub.PulseSent(p)
			},
			expected: `{"type":"pulse","pulses":{"a":[{"frequency":100,"duration":10,"intensity":50},"<<ANY>>","<<ANY>>","<<ANY>>"],"b":"<<ANY>>"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.notify()
			ja.Assert(readText(t, conn), tt.expected)
		})
	}
}

func TestHub_CBORFrames(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url+"?format=cbor")

	hub.PowerLevelsChanged(protocol.Strengths{A: 7, B: 9})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind, "cbor clients MUST get binary frames")

	var msg Message
	require.NoError(t, cbor.Unmarshal(data, &msg))
	assert.Equal(t, TypePowerLevels, msg.Type)
	require.NotNil(t, msg.Strengths)
	assert.Equal(t, protocol.Strengths{A: 7, B: 9}, *msg.Strengths)
	assert.Nil(t, msg.Battery)
}

// GOAL: A client that goes away is dropped without disturbing the others.
func TestHub_DropsGoneClients(t *testing.T) {
	hub, url := startHub(t)
	gone := dial(t, hub, url)
	stay := dial(t, hub, url)

	require.NoError(t, gone.Close())
	require.True(t, testutils.Eventually(time.Second, func() bool {
		hub.BatteryChanged(50)
		return hub.Len() == 1
	}), "closed client MUST be removed")

	testutils.NewJSONAsserter(t).Assert(readText(t, stay), `{"type":"battery","battery":50}`)
}

func TestHub_BroadcastWithoutClients(t *testing.T) {
	hub := NewHub(nil)
	assert.NotPanics(t, func() { hub.BatteryChanged(10) })
	assert.Equal(t, 0, hub.Len())
}
