package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents a GATT resource missing from the discovered profile
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	switch len(e.UUIDs) {
	case 0:
		return fmt.Sprintf("%s not found", e.Resource)
	case 1:
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	default:
		return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
	}
}

// ConnectionState represents the specific kind of connection failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Sentinel connection errors
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// NormalizeError maps known BLE stack error strings to ConnectionError sentinels,
// wrapping the original error.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "is bluetooth turned on"), strings.Contains(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case strings.Contains(msg, "device not connected"), strings.Contains(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case strings.Contains(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case strings.Contains(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	default:
		return err
	}
}

// Advertisement is a received advertising report reduced to what matching needs.
type Advertisement struct {
	Address     string   `json:"address"`
	Name        string   `json:"name,omitempty"`
	Services    []string `json:"services,omitempty"` // normalized UUIDs
	RSSI        int      `json:"rssi"`
	Connectable bool     `json:"connectable"`
}

// HasService reports whether uuid is advertised.
func (a Advertisement) HasService(uuid string) bool {
	want := NormalizeUUID(uuid)
	for _, s := range a.Services {
		if s == want {
			return true
		}
	}
	return false
}

// ScanOptions tunes a single scan.
type ScanOptions struct {
	// Active requests scan responses, which carries names on most peripherals.
	Active bool
	// AllowDuplicates reports every advertisement instead of one per address.
	AllowDuplicates bool
}

// Adapter is the local BLE controller.
type Adapter interface {
	// Scan reports advertisements to handler until ctx ends. A ctx deadline or
	// cancellation is a normal end of scan and returns nil.
	Scan(ctx context.Context, opts ScanOptions, handler func(Advertisement)) error

	// Connect dials address and returns the established link.
	Connect(ctx context.Context, address string) (Link, error)
}

// Link is an established GATT connection. It is not safe for concurrent
// writers; the lifecycle machine is its only user.
type Link interface {
	Address() string

	// Discover fetches the GATT profile and returns the service UUIDs found.
	Discover(ctx context.Context) ([]string, error)

	Write(ctx context.Context, char string, data []byte, withResponse bool) error
	Read(ctx context.Context, char string) ([]byte, error)

	// Subscribe enables notifications on char. handler runs on the stack's
	// goroutine and must not block.
	Subscribe(ctx context.Context, char string, handler func([]byte)) error

	Disconnect(ctx context.Context) error

	// Disconnected is closed once the link is gone for any reason.
	Disconnected() <-chan struct{}
}

// DefaultOpTimeout bounds link operations when the caller's ctx has no deadline.
const DefaultOpTimeout = 5 * time.Second
