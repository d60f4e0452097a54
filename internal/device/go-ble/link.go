package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/coyote/internal/device"
	"github.com/srg/coyote/internal/groutine"
)

// gattClient is the ble.Client subset a link needs
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	CancelConnection() error
}

// Link implements device.Link over a go-ble client.
type Link struct {
	address string
	client  gattClient
	logger  *logrus.Logger

	mu       sync.RWMutex
	chars    map[string]*ble.Characteristic // normalized char UUID -> characteristic
	services []string

	disconnected chan struct{}
	closeOnce    sync.Once
}

func newLink(address string, client gattClient, logger *logrus.Logger) *Link {
	l := &Link{
		address:      address,
		client:       client,
		logger:       logger,
		chars:        make(map[string]*ble.Characteristic),
		disconnected: make(chan struct{}),
	}

	// Both go-ble stacks expose Disconnected() on their client, but it is not
	// part of the gattClient contract.
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				l.logger.WithField("address", address).Warn("BLE stack reported disconnection")
				l.markDisconnected()
			case <-l.disconnected:
			}
		})
	} else {
		l.logger.Debug("Client does not support Disconnected() channel")
	}

	return l
}

// Address implements device.Link.
func (l *Link) Address() string {
	return l.address
}

// Disconnected implements device.Link.
func (l *Link) Disconnected() <-chan struct{} {
	return l.disconnected
}

func (l *Link) markDisconnected() {
	l.closeOnce.Do(func() { close(l.disconnected) })
}

func (l *Link) isClosed() bool {
	select {
	case <-l.disconnected:
		return true
	default:
		return false
	}
}

// Discover implements device.Link.
func (l *Link) Discover(ctx context.Context) ([]string, error) {
	if l.isClosed() {
		return nil, device.ErrNotConnected
	}

	profile, err := withTimeout(ctx, func() (*ble.Profile, error) {
		return l.client.DiscoverProfile(true)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	chars := make(map[string]*ble.Characteristic)
	services := make([]string, 0, len(profile.Services))
	for _, svc := range profile.Services {
		svcUUID := device.NormalizeUUID(svc.UUID.String())
		services = append(services, svcUUID)
		for _, c := range svc.Characteristics {
			chars[device.NormalizeUUID(c.UUID.String())] = c
		}
	}

	l.mu.Lock()
	l.chars = chars
	l.services = services
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"address":         l.address,
		"services":        len(services),
		"characteristics": len(chars),
	}).Debug("Profile discovered")

	return services, nil
}

func (l *Link) characteristic(uuid string) (*ble.Characteristic, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	c, ok := l.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return c, nil
}

// Write implements device.Link.
func (l *Link) Write(ctx context.Context, char string, data []byte, withResponse bool) error {
	if l.isClosed() {
		return device.ErrNotConnected
	}
	c, err := l.characteristic(char)
	if err != nil {
		return err
	}

	_, err = withTimeout(ctx, func() (struct{}, error) {
		return struct{}{}, l.client.WriteCharacteristic(c, data, !withResponse)
	})
	return err
}

// Read implements device.Link.
func (l *Link) Read(ctx context.Context, char string) ([]byte, error) {
	if l.isClosed() {
		return nil, device.ErrNotConnected
	}
	c, err := l.characteristic(char)
	if err != nil {
		return nil, err
	}

	return withTimeout(ctx, func() ([]byte, error) {
		return l.client.ReadCharacteristic(c)
	})
}

// Subscribe implements device.Link.
func (l *Link) Subscribe(ctx context.Context, char string, handler func([]byte)) error {
	if l.isClosed() {
		return device.ErrNotConnected
	}
	c, err := l.characteristic(char)
	if err != nil {
		return err
	}

	_, err = withTimeout(ctx, func() (struct{}, error) {
		return struct{}{}, l.client.Subscribe(c, false, func(b []byte) {
			buf := make([]byte, len(b))
			copy(buf, b)
			handler(buf)
		})
	})
	return err
}

// Disconnect implements device.Link. The link is considered gone even when the
// stack does not confirm within ctx.
func (l *Link) Disconnect(ctx context.Context) error {
	if l.isClosed() {
		return nil
	}
	defer l.markDisconnected()

	_, err := withTimeout(ctx, func() (struct{}, error) {
		return struct{}{}, l.client.CancelConnection()
	})
	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"address": l.address,
			"error":   err,
		}).Warn("BLE link disconnected with errors")
		return err
	}

	l.logger.WithField("address", l.address).Info("BLE link disconnected")
	return nil
}

// withTimeout runs a blocking go-ble call and gives up when ctx ends.
// Without a ctx deadline device.DefaultOpTimeout applies.
func withTimeout[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, device.DefaultOpTimeout)
		defer cancel()
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, device.NormalizeError(r.err)
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, device.ErrTimeout
		}
		return zero, ctx.Err()
	}
}
