// Package lifecycle runs the connection state machine that owns the link to
// the peripheral: locate, connect, discover, subscribe, sync parameters and
// keep the session alive, recovering from every transient failure.
package lifecycle

// Stage is the connection lifecycle state.
type Stage int32

const (
	Disconnected Stage = iota
	Scanning
	Connecting
	ServiceDiscovery
	StatusSubscribe
	SyncParameters
	Connected
)

var stageNames = [...]string{
	Disconnected:     "disconnected",
	Scanning:         "scanning",
	Connecting:       "connecting",
	ServiceDiscovery: "service_discovery",
	StatusSubscribe:  "status_subscribe",
	SyncParameters:   "sync_parameters",
	Connected:        "connected",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// MarshalText renders the stage name in JSON and CBOR event payloads.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the forward edges. Any stage may also fall back to
// Disconnected on a control request.
var transitions = map[Stage][]Stage{
	Disconnected:     {Scanning},
	Scanning:         {Connecting, Scanning},
	Connecting:       {ServiceDiscovery, Scanning},
	ServiceDiscovery: {StatusSubscribe, Scanning},
	StatusSubscribe:  {SyncParameters, Scanning},
	SyncParameters:   {Connected, Scanning},
	Connected:        {Scanning},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Stage) bool {
	if to == Disconnected {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
