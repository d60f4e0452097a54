package device

import (
	"strings"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

// GATT profile of the Coyote peripheral, in normalized form.
const (
	ServiceUUID        = "180c"
	WriteCharUUID      = "150a"
	NotifyCharUUID     = "150b"
	BatteryServiceUUID = "180a"
	BatteryCharUUID    = "1500"

	// HIDServiceUUID is advertised by some firmware revisions instead of ServiceUUID.
	HIDServiceUUID = "1812"
)

// NormalizeUUID converts a UUID string to the internal format: lowercase, no
// dashes, no 0x prefix. Full 128-bit UUIDs on the Bluetooth SIG base
// (0000xxxx-0000-1000-8000-00805f9b34fb) collapse to the 16-bit form.
// Returns "" for malformed input.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	if !isHex(u) {
		return ""
	}

	switch len(u) {
	case 4:
		return u
	case 8:
		if strings.HasPrefix(u, "0000") {
			return u[4:]
		}
		return u
	case 32:
		if strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
			return u[4:8]
		}
		return u
	default:
		return ""
	}
}

// NormalizeUUIDs normalizes every UUID, dropping malformed ones.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		if n := NormalizeUUID(u); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// FullUUID expands a 16-bit UUID onto the SIG base; longer UUIDs are returned dashed.
func FullUUID(uuid string) string {
	u := NormalizeUUID(uuid)
	if len(u) == 4 {
		u = "0000" + u + sigBaseSuffix
	}
	if len(u) != 32 {
		return uuid
	}
	return u[0:8] + "-" + u[8:12] + "-" + u[12:16] + "-" + u[16:20] + "-" + u[20:32]
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
