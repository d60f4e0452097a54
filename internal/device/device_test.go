package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionError_Is(t *testing.T) {
	err := fmt.Errorf("write: %w", &ConnectionError{State: NotConnected, Msg: "link dropped"})

	assert.ErrorIs(t, err, ErrNotConnected, "errors.Is MUST match by state")
	assert.NotErrorIs(t, err, ErrAlreadyConnected)
	assert.True(t, IsConnectionState(err, NotConnected))
	assert.False(t, IsConnectionState(errors.New("plain"), NotConnected))
	assert.Equal(t, "not_connected: link dropped", errors.Unwrap(err).Error())
}

func TestNotFoundError_Message(t *testing.T) {
	tests := []struct {
		name     string
		err      *NotFoundError
		expected string
	}{
		{name: "no uuid", err: &NotFoundError{Resource: "service"}, expected: "service not found"},
		{name: "service", err: &NotFoundError{Resource: "service", UUIDs: []string{"180c"}}, expected: `service "180c" not found`},
		{name: "characteristic", err: &NotFoundError{Resource: "characteristic", UUIDs: []string{"180c", "150a"}}, expected: `characteristic "150a" not found in service "180c"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name  string
		input error
		want  error
	}{
		{name: "bluetooth off", input: errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), want: ErrBluetoothOff},
		{name: "not connected", input: errors.New("Device not connected"), want: ErrNotConnected},
		{name: "disconnected", input: errors.New("peripheral disconnected"), want: ErrNotConnected},
		{name: "already connected", input: errors.New("device already connected"), want: ErrAlreadyConnected},
		{name: "not initialized", input: errors.New("connection is not initialized"), want: ErrNotInitialized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.input)
			assert.ErrorIs(t, got, tt.want)
			assert.Contains(t, got.Error(), tt.input.Error(), "original message MUST be preserved")
		})
	}

	assert.Nil(t, NormalizeError(nil))
	other := errors.New("something else")
	assert.Same(t, other, NormalizeError(other))
}
