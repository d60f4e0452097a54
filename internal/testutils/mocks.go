package testutils

import (
	"context"
	"sync"

	"github.com/srg/coyote/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockAdapter is a testify mock of device.Adapter.
//
// Emit advertisements from a Scan expectation with Run:
//
//	adapter.On("Scan", mock.Anything, mock.Anything, mock.Anything).
//	    Run(testutils.EmitAdvertisements(adv)).
//	    Return(nil)
type MockAdapter struct {
	mock.Mock
}

// Scan implements device.Adapter.
func (m *MockAdapter) Scan(ctx context.Context, opts device.ScanOptions, handler func(device.Advertisement)) error {
	return m.Called(ctx, opts, handler).Error(0)
}

// Connect implements device.Adapter.
func (m *MockAdapter) Connect(ctx context.Context, address string) (device.Link, error) {
	args := m.Called(ctx, address)
	link, _ := args.Get(0).(device.Link)
	return link, args.Error(1)
}

// EmitAdvertisements returns a Run func delivering advs to the Scan handler.
func EmitAdvertisements(advs ...device.Advertisement) func(mock.Arguments) {
	return func(args mock.Arguments) {
		handler := args.Get(2).(func(device.Advertisement))
		for _, a := range advs {
			handler(a)
		}
	}
}

// Write is a frame written to a MockLink.
type Write struct {
	Char         string
	Data         []byte
	WithResponse bool
	Err          error
}

// MockLink is a testify mock of device.Link that also records writes, keeps
// the notification handler and owns a closable Disconnected channel.
type MockLink struct {
	mock.Mock

	Addr string

	mu       sync.Mutex
	writes   []Write
	handler  func([]byte)
	gone     chan struct{}
	goneOnce sync.Once
}

// NewMockLink creates a link for address.
func NewMockLink(address string) *MockLink {
	return &MockLink{Addr: address, gone: make(chan struct{})}
}

// Address implements device.Link.
func (m *MockLink) Address() string {
	return m.Addr
}

// Discover implements device.Link.
func (m *MockLink) Discover(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	services, _ := args.Get(0).([]string)
	return services, args.Error(1)
}

// Write implements device.Link.
func (m *MockLink) Write(ctx context.Context, char string, data []byte, withResponse bool) error {
	err := m.Called(ctx, char, data, withResponse).Error(0)

	buf := make([]byte, len(data))
	copy(buf, data)
	m.mu.Lock()
	m.writes = append(m.writes, Write{Char: char, Data: buf, WithResponse: withResponse, Err: err})
	m.mu.Unlock()

	return err
}

// Read implements device.Link.
func (m *MockLink) Read(ctx context.Context, char string) ([]byte, error) {
	args := m.Called(ctx, char)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

// Subscribe implements device.Link.
func (m *MockLink) Subscribe(ctx context.Context, char string, handler func([]byte)) error {
	err := m.Called(ctx, char, handler).Error(0)
	if err == nil {
		m.mu.Lock()
		m.handler = handler
		m.mu.Unlock()
	}
	return err
}

// Disconnect implements device.Link. It leaves Disconnected open so the same
// link can be handed out again by a MockAdapter; use Drop to simulate loss.
func (m *MockLink) Disconnect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// Disconnected implements device.Link.
func (m *MockLink) Disconnected() <-chan struct{} {
	return m.gone
}

// Drop simulates the peripheral going away.
func (m *MockLink) Drop() {
	m.goneOnce.Do(func() { close(m.gone) })
}

// Notify delivers a status notification through the subscribed handler.
// It reports false when nothing is subscribed.
func (m *MockLink) Notify(data []byte) bool {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// Writes returns every recorded write, successful or not.
func (m *MockLink) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.writes...)
}

// Frames returns the payloads of successful writes whose first byte is cmd.
func (m *MockLink) Frames(cmd byte) [][]byte {
	var out [][]byte
	for _, w := range m.Writes() {
		if w.Err == nil && len(w.Data) > 0 && w.Data[0] == cmd {
			out = append(out, w.Data)
		}
	}
	return out
}

// ResetWrites forgets recorded writes.
func (m *MockLink) ResetWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = nil
}
