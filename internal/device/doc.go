// Package device defines the BLE surface the Coyote link is built on.
//
// It holds:
//   - the Adapter and Link interfaces implemented by internal/device/go-ble
//   - the fixed GATT profile of the peripheral
//   - connection error types shared by the scan and lifecycle layers
//
// Nothing in this package talks to a radio.
package device
