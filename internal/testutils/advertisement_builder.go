package testutils

import (
	"github.com/srg/coyote/internal/device"
)

// AdvertisementBuilder builds device.Advertisement values with a fluent API.
//
//	adv := testutils.NewAdvertisementBuilder().
//	    WithAddress("AA:BB:CC:DD:EE:FF").
//	    WithName("47L121000").
//	    WithServices("180C").
//	    Build()
type AdvertisementBuilder struct {
	adv device.Advertisement
}

// NewAdvertisementBuilder starts a connectable advertisement at -60 dBm.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: device.Advertisement{RSSI: -60, Connectable: true}}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.RSSI = rssi
	return b
}

// WithServices sets advertised service UUIDs in any accepted notation.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.Services = device.NormalizeUUIDs(uuids)
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.Connectable = c
	return b
}

func (b *AdvertisementBuilder) Build() device.Advertisement {
	out := b.adv
	out.Services = append([]string(nil), b.adv.Services...)
	return out
}

// CoyoteAdvertisement is the stock peripheral advertising under its default name.
func CoyoteAdvertisement(address string) device.Advertisement {
	return NewAdvertisementBuilder().
		WithAddress(address).
		WithName("47L121000").
		WithServices(device.ServiceUUID).
		Build()
}
