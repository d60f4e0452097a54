// Package protocol implements the Coyote wire format.
//
// Three frame types exist:
//   - the parameter sync frame (0xBF), written without acknowledgement
//   - the power command frame (0xB0), carrying strengths and/or pulses
//   - status notifications pushed by the peripheral (power update, ack, active power)
//
// Frames are bit-exact with the peripheral firmware; nothing here allocates
// state except SequenceCounter and ActivePowerFilter.
package protocol
