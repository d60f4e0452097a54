// Package coyote is the public face of the link to a Coyote stimulation
// peripheral. A Device keeps the connection alive in the background, accepts
// power commands from any goroutine and reports state changes to observers.
package coyote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/coyote/internal/device"
	goble "github.com/srg/coyote/internal/device/go-ble"
	"github.com/srg/coyote/internal/groutine"
	"github.com/srg/coyote/internal/lifecycle"
	"github.com/srg/coyote/internal/scan"
	"github.com/srg/coyote/internal/settings"
	"github.com/srg/coyote/pkg/protocol"
)

// Stage is the connection lifecycle stage.
type Stage = lifecycle.Stage

const (
	StageDisconnected     = lifecycle.Disconnected
	StageScanning         = lifecycle.Scanning
	StageConnecting       = lifecycle.Connecting
	StageServiceDiscovery = lifecycle.ServiceDiscovery
	StageStatusSubscribe  = lifecycle.StatusSubscribe
	StageSyncParameters   = lifecycle.SyncParameters
	StageConnected        = lifecycle.Connected
)

// Timings tune the connection loop.
type Timings = lifecycle.Timings

// Clock abstracts time for the connection and update loops.
type Clock = lifecycle.Clock

// Options configure a Device. Zero values take the defaults.
type Options struct {
	// Name overrides the exact advertised name to match.
	Name string

	// Profile selects the BLE stack profile: auto, standard or stale-handle.
	Profile string

	// Platform, when set, takes precedence over Profile.
	Platform lifecycle.Platform

	Timings    Timings
	Parameters protocol.Parameters

	// Store persists the last known address. Defaults to an in-memory store.
	Store settings.AddressStore

	ScanStepTimeout    time.Duration
	ScanRefreshTimeout time.Duration

	// SendTimeout bounds how long SendCommand waits for the loop to write.
	SendTimeout time.Duration

	// DisconnectTimeout bounds a permanent Disconnect.
	DisconnectTimeout time.Duration

	// UpdatePoll is the longest pause of the update loop between checks.
	UpdatePoll time.Duration

	// BatteryPoll is how often the update loop asks for a battery read.
	BatteryPoll time.Duration

	// ObserverBuffer is the per-observer event backlog.
	ObserverBuffer int

	Clock Clock
}

func (o *Options) applyDefaults() error {
	if o.Platform == nil {
		p, err := lifecycle.ParseProfile(o.Profile)
		if err != nil {
			return err
		}
		o.Platform = p
	}
	if o.Store == nil {
		o.Store = settings.NewMemoryStore("")
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 2 * time.Second
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = 2 * time.Second
	}
	if o.UpdatePoll <= 0 {
		o.UpdatePoll = 100 * time.Millisecond
	}
	if o.BatteryPoll <= 0 {
		o.BatteryPoll = 5 * time.Second
	}
	if o.ObserverBuffer <= 0 {
		o.ObserverBuffer = 64
	}
	if o.Clock == nil {
		o.Clock = lifecycle.RealClock
	}
	return nil
}

// TickSource produces pulse packets on its own schedule. pulse.Sequencer
// implements it.
type TickSource interface {
	NextDue() time.Time
	GeneratePacket(now time.Time) *protocol.Pulses
}

// Device is the facade over the connection machine.
type Device struct {
	opts     Options
	logger   *logrus.Logger
	machine  *lifecycle.Machine
	strategy *scan.Strategy

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   <-chan struct{}

	updMu     sync.Mutex
	updCancel context.CancelFunc
	updDone   <-chan struct{}
	updating  atomic.Bool

	obsMu     sync.RWMutex
	observers map[int]*subscription
	nextObsID int
}

// New creates a Device on top of adapter. Call Start to begin connecting.
func New(adapter device.Adapter, opts Options, logger *logrus.Logger) (*Device, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}

	d := &Device{
		opts:      opts,
		logger:    logger,
		observers: make(map[int]*subscription),
	}
	d.strategy = scan.NewStrategy(adapter, opts.Store, scan.Options{
		Matcher:        scan.DefaultMatcher(opts.Name),
		StepTimeout:    opts.ScanStepTimeout,
		RefreshTimeout: opts.ScanRefreshTimeout,
		StaleHandle:    opts.Platform.StaleHandle(),
	}, logger)
	d.machine = lifecycle.New(adapter, d.strategy, lifecycle.Options{
		Platform:   opts.Platform,
		Timings:    opts.Timings,
		Parameters: opts.Parameters,
		Clock:      opts.Clock,
		OnEvent:    d.onMachineEvent,
	}, logger)
	return d, nil
}

// NewBLE creates a Device on the host Bluetooth adapter.
func NewBLE(opts Options, logger *logrus.Logger) (*Device, error) {
	return New(goble.NewAdapter(logger), opts, logger)
}

// Start launches the connection loop. It is a no-op when already started.
func (d *Device) Start(ctx context.Context) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.runDone != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.runCancel = cancel
	d.runDone = groutine.Go(runCtx, "coyote-connection", func(ctx context.Context) {
		if err := d.machine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.WithField("error", err).Warn("Connection loop exited")
		}
	})
}

// ----------------------------
// Snapshots
// ----------------------------

// Stage returns the current lifecycle stage.
func (d *Device) Stage() Stage {
	return d.machine.Stage()
}

// Strengths returns the last known channel strengths.
func (d *Device) Strengths() protocol.Strengths {
	return d.machine.Strengths()
}

// Battery returns the last battery level read, if any.
func (d *Device) Battery() (int, bool) {
	return d.machine.Battery()
}

// Parameters returns the synced parameters.
func (d *Device) Parameters() protocol.Parameters {
	return d.machine.Parameters()
}

// SetParameters replaces the parameters; they reach the peripheral on the
// next periodic sync.
func (d *Device) SetParameters(p protocol.Parameters) {
	d.machine.SetParameters(p)
}

// IsConnectedAndRunning reports whether the link is up and updates are attached.
func (d *Device) IsConnectedAndRunning() bool {
	return d.machine.Stage() == StageConnected && d.updating.Load()
}

// Seen returns every peripheral observed by the scan strategy, keyed by address.
func (d *Device) Seen() map[string]device.Advertisement {
	return d.strategy.Seen()
}

// ----------------------------
// Commands
// ----------------------------

// SendCommand writes a power command carrying strengths, pulses or both and
// reports whether it reached the peripheral. Pulses with an intensity or
// duration out of range are replaced by the zero pad; strengths still apply.
// While offline the strengths are recorded locally as a preview and false is
// returned.
func (d *Device) SendCommand(strengths *protocol.Strengths, pulses *protocol.Pulses) bool {
	return d.sendCommand(context.Background(), strengths, pulses)
}

// sendCommand is SendCommand bounded by ctx as well as SendTimeout.
func (d *Device) sendCommand(ctx context.Context, strengths *protocol.Strengths, pulses *protocol.Pulses) bool {
	if strengths == nil && pulses == nil {
		d.logger.Warn("Power command needs strengths or pulses")
		return false
	}

	validPulses := pulses != nil && protocol.ValidPulses(pulses)
	if pulses != nil && !validPulses {
		d.logger.Warn("Discarding pulses with out-of-range intensity or duration")
	}

	if d.machine.Stage() != StageConnected {
		d.preview(strengths)
		return false
	}

	sctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()

	if err := d.machine.Send(sctx, strengths, pulses); err != nil {
		switch {
		case errors.Is(err, device.ErrNotConnected):
			d.preview(strengths)
		case ctx.Err() != nil:
			d.logger.Debug("Power command abandoned")
		default:
			d.logger.WithField("error", err).Warn("Power command failed")
		}
		return false
	}

	if validPulses {
		d.broadcast(event{kind: eventPulse, pulses: *pulses})
	}
	return true
}

func (d *Device) preview(strengths *protocol.Strengths) {
	if strengths == nil {
		return
	}
	d.logger.WithField("strengths", strengths.Clamp()).Debug("Offline; applying strengths locally")
	d.machine.SetStrengths(*strengths)
}

// ResetConnection drops the link and reconnects. Updates stay attached.
func (d *Device) ResetConnection() {
	d.logger.Info("Connection reset requested")
	d.machine.Reset()
}

// Disconnect permanently tears the link down after a zero-pulse packet. The
// wait is bounded by DisconnectTimeout; on expiry it logs and returns the
// context error, the teardown continuing in the background.
func (d *Device) Disconnect(ctx context.Context) error {
	d.logger.Info("Disconnecting from peripheral")
	d.machine.Shutdown()

	d.runMu.Lock()
	done := d.runDone
	d.runMu.Unlock()
	if done == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.DisconnectTimeout)
	defer cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.WithField("timeout", d.opts.DisconnectTimeout).Warn("Disconnect did not finish in time")
		return ctx.Err()
	}
}

// Stop detaches updates, disconnects permanently and releases observers.
func (d *Device) Stop(ctx context.Context) error {
	d.StopUpdates()
	err := d.Disconnect(ctx)

	d.runMu.Lock()
	if d.runCancel != nil {
		d.runCancel()
	}
	d.runMu.Unlock()

	d.closeObservers(time.After(d.opts.DisconnectTimeout))
	return err
}

func (d *Device) onMachineEvent(ev lifecycle.Event) {
	switch ev.Kind {
	case lifecycle.EventStage:
		d.broadcast(event{kind: eventConnectivity, connected: ev.Stage == StageConnected, stage: ev.Stage})
	case lifecycle.EventBattery:
		d.broadcast(event{kind: eventBattery, battery: ev.Battery})
	case lifecycle.EventStrengths:
		d.broadcast(event{kind: eventPowerLevels, strengths: ev.Strengths})
	}
}
