package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/coyote/internal/device"
)

// advertisementSource is the part of ble.Advertisement the scan path reads
type advertisementSource interface {
	LocalName() string
	Services() []ble.UUID
	RSSI() int
	Connectable() bool
	Addr() ble.Addr
}

// toAdvertisement converts a go-ble advertising report to device.Advertisement
func toAdvertisement(adv advertisementSource) device.Advertisement {
	out := device.Advertisement{
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
	}
	if addr := adv.Addr(); addr != nil {
		out.Address = addr.String()
	}

	services := adv.Services()
	out.Services = make([]string, 0, len(services))
	for _, u := range services {
		if n := device.NormalizeUUID(u.String()); n != "" {
			out.Services = append(out.Services, n)
		}
	}
	return out
}
