// Package eventstream pushes device notifications to websocket clients.
// Clients get JSON text frames by default and CBOR binary frames when they
// connect with ?format=cbor.
package eventstream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/coyote/pkg/coyote"
	"github.com/srg/coyote/pkg/protocol"
)

const (
	TypeConnectivity = "connectivity"
	TypeBattery      = "battery"
	TypePowerLevels  = "power_levels"
	TypePulse        = "pulse"
)

// DefaultWriteTimeout bounds one frame write to one client.
const DefaultWriteTimeout = 100 * time.Millisecond

// Message is one pushed notification.
type Message struct {
	Type      string              `json:"type" cbor:"type"`
	Time      time.Time           `json:"time" cbor:"time"`
	Connected *bool               `json:"connected,omitempty" cbor:"connected,omitempty"`
	Stage     string              `json:"stage,omitempty" cbor:"stage,omitempty"`
	Battery   *int                `json:"battery,omitempty" cbor:"battery,omitempty"`
	Strengths *protocol.Strengths `json:"strengths,omitempty" cbor:"strengths,omitempty"`
	Pulses    *protocol.Pulses    `json:"pulses,omitempty" cbor:"pulses,omitempty"`
}

type client struct {
	conn   *websocket.Conn
	binary bool
}

// Hub is a coyote.Observer that fans every notification out to the
// connected websocket clients.
type Hub struct {
	clients map[*client]struct{}
	mu      sync.Mutex

	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	now          func() time.Time
	logger       *logrus.Logger
}

var _ coyote.Observer = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeTimeout: DefaultWriteTimeout,
		now:          time.Now,
		logger:       logger,
	}
}

// ServeHTTP upgrades the request and registers the client until it goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithField("error", err).Warn("Websocket upgrade failed")
		return
	}

	c := &client{conn: conn, binary: r.URL.Query().Get("format") == "cbor"}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.WithFields(logrus.Fields{
		"remote": r.RemoteAddr,
		"cbor":   c.binary,
	}).Info("Event stream client connected")

	// control frames are only processed while reading
	go func() {
		defer h.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close drops every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for c := range clients {
		_ = c.conn.Close()
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		_ = c.conn.Close()
		h.logger.Debug("Event stream client removed")
	}
}

// Broadcast writes msg to every client in parallel. Clients whose write
// fails or times out are dropped.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	if len(clients) == 0 {
		return
	}

	text, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithField("error", err).Error("Failed to encode event as JSON")
		return
	}
	binary, err := cbor.Marshal(msg)
	if err != nil {
		h.logger.WithField("error", err).Error("Failed to encode event as CBOR")
		return
	}

	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   []*client
	)
	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			kind, payload := websocket.TextMessage, text
			if c.binary {
				kind, payload = websocket.BinaryMessage, binary
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(kind, payload); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	for _, c := range failed {
		h.remove(c)
	}
}

func (h *Hub) ConnectivityChanged(connected bool, stage coyote.Stage) {
	h.Broadcast(Message{Type: TypeConnectivity, Time: h.now(), Connected: &connected, Stage: stage.String()})
}

func (h *Hub) BatteryChanged(level int) {
	h.Broadcast(Message{Type: TypeBattery, Time: h.now(), Battery: &level})
}

func (h *Hub) PowerLevelsChanged(strengths protocol.Strengths) {
	h.Broadcast(Message{Type: TypePowerLevels, Time: h.now(), Strengths: &strengths})
}

func (h *Hub) PulseSent(pulses protocol.Pulses) {
	h.Broadcast(Message{Type: TypePulse, Time: h.now(), Pulses: &pulses})
}
