package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/coyote/internal/device"
)

// central is the ble.Device subset the adapter drives
type central interface {
	scan(ctx context.Context, allowDup bool, h func(advertisementSource)) error
	dial(ctx context.Context, address string) (gattClient, error)
}

// bleCentral wraps a ble.Device
type bleCentral struct {
	dev ble.Device
}

func (c bleCentral) scan(ctx context.Context, allowDup bool, h func(advertisementSource)) error {
	return c.dev.Scan(ctx, allowDup, func(a ble.Advertisement) { h(a) })
}

func (c bleCentral) dial(ctx context.Context, address string) (gattClient, error) {
	client, err := c.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Adapter implements device.Adapter on top of go-ble.
//
// go-ble owns the HCI/CoreBluetooth scan parameters, so ScanOptions.Active is
// advisory: both supported stacks already request scan responses.
type Adapter struct {
	logger *logrus.Logger

	mu      sync.Mutex
	central central
}

// NewAdapter creates an adapter; the ble.Device is created lazily on first use.
func NewAdapter(logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{logger: logger}
}

func newAdapterWithCentral(c central, logger *logrus.Logger) *Adapter {
	a := NewAdapter(logger)
	a.central = c
	return a
}

func (a *Adapter) ensureCentral() (central, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.central != nil {
		return a.central, nil
	}

	dev, err := DeviceFactory()
	if err != nil {
		a.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", device.NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)
	a.central = bleCentral{dev: dev}
	return a.central, nil
}

// Scan implements device.Adapter.
func (a *Adapter) Scan(ctx context.Context, opts device.ScanOptions, handler func(device.Advertisement)) error {
	c, err := a.ensureCentral()
	if err != nil {
		return err
	}

	a.logger.WithFields(logrus.Fields{
		"active":     opts.Active,
		"duplicates": opts.AllowDuplicates,
	}).Debug("Scanning...")

	err = c.scan(ctx, opts.AllowDuplicates, func(src advertisementSource) {
		handler(toAdvertisement(src))
	})
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return device.NormalizeError(err)
}

// Connect implements device.Adapter.
func (a *Adapter) Connect(ctx context.Context, address string) (device.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	c, err := a.ensureCentral()
	if err != nil {
		return nil, err
	}

	a.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := c.dial(ctx, address)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, device.ErrTimeout)
		}
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, device.NormalizeError(err))
	}

	a.logger.WithField("address", address).Info("BLE link established")
	return newLink(address, client, a.logger), nil
}
