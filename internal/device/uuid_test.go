package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "16-bit lowercase", input: "180c", expected: "180c"},
		{name: "16-bit uppercase", input: "150A", expected: "150a"},
		{name: "16-bit with 0x prefix", input: "0x1812", expected: "1812"},
		{name: "16-bit with 0X prefix", input: "0X1500", expected: "1500"},
		{name: "32-bit SIG form", input: "0000180c", expected: "180c"},
		{name: "full SIG UUID with dashes", input: "0000150b-0000-1000-8000-00805f9b34fb", expected: "150b"},
		{name: "full SIG UUID uppercase", input: "0000180A-0000-1000-8000-00805F9B34FB", expected: "180a"},
		{name: "custom 128-bit kept", input: "6e400001-b5a3-f393-e0a9-e50e24dcca9e", expected: "6e400001b5a3f393e0a9e50e24dcca9e"},
		{name: "wrong SIG prefix kept long", input: "AA00180c-0000-1000-8000-00805f9b34fb", expected: "aa00180c00001000800000805f9b34fb"},
		{name: "empty", input: "", expected: ""},
		{name: "not hex", input: "zz12", expected: ""},
		{name: "odd length", input: "18c", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs_DropsMalformed(t *testing.T) {
	assert.Equal(t, []string{"180c", "1812"}, NormalizeUUIDs([]string{"0x180C", "bogus", "00001812-0000-1000-8000-00805f9b34fb"}))
}

func TestFullUUID(t *testing.T) {
	assert.Equal(t, "0000180c-0000-1000-8000-00805f9b34fb", FullUUID("180c"))
	assert.Equal(t, "0000150a-0000-1000-8000-00805f9b34fb", FullUUID("0x150A"))
	assert.Equal(t, "6e400001-b5a3-f393-e0a9-e50e24dcca9e", FullUUID("6E400001B5A3F393E0A9E50E24DCCA9E"))
	assert.Equal(t, "nope", FullUUID("nope"))
}

func TestAdvertisement_HasService(t *testing.T) {
	adv := Advertisement{Services: []string{"180c", "1812"}}

	assert.True(t, adv.HasService("0x180C"))
	assert.True(t, adv.HasService("00001812-0000-1000-8000-00805f9b34fb"))
	assert.False(t, adv.HasService("180a"))
}
