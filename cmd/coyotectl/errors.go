package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/coyote/internal/device"
	"github.com/srg/coyote/internal/scan"
	"github.com/srg/coyote/pkg/protocol"
)

// Command-level errors
var (
	// ErrNoDevice indicates the run ended without ever reaching the peripheral.
	ErrNoDevice = errors.New("device never connected")
)

// FormatUserError turns known failures into a hint the user can act on.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, scan.ErrNotFound):
		return "no Coyote found; check that it is powered on and in range"
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off"
	case errors.Is(err, ErrNoDevice):
		return "no Coyote connected before the run ended; check power and proximity"
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	case errors.Is(err, protocol.ErrMalformedFrame), errors.Is(err, protocol.ErrEmptyFrame):
		return fmt.Sprintf("cannot decode frame: %v", err)
	default:
		return err.Error()
	}
}
