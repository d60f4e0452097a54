package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/coyote/internal/device"
	"github.com/srg/coyote/internal/groutine"
	"github.com/srg/coyote/internal/ringchan"
	"github.com/srg/coyote/internal/scan"
	"github.com/srg/coyote/pkg/protocol"
)

// ErrAlreadyRunning is returned by Run when the loop was started before.
var ErrAlreadyRunning = errors.New("lifecycle: machine already running")

// Locator finds the peripheral address and learns from connect outcomes.
// *scan.Strategy implements it.
type Locator interface {
	Locate(ctx context.Context) (scan.Result, error)
	ReportConnectFailure(fromCache bool) bool
	ReportConnectSuccess()
	ForceRefresh()
}

// EventKind tells which snapshot an Event carries.
type EventKind int

const (
	EventStage EventKind = iota
	EventBattery
	EventStrengths
)

// Event is a state change published by the machine.
type Event struct {
	Kind      EventKind
	Stage     Stage
	Battery   int
	Strengths protocol.Strengths
}

// Options configure a Machine. Zero values take defaults.
type Options struct {
	Platform   Platform
	Timings    Timings
	Parameters protocol.Parameters
	Clock      Clock

	// OnEvent receives every state change. It is called from the loop
	// goroutine and from SetStrengths; it must not block.
	OnEvent func(Event)
}

type request uint32

const (
	requestReset request = 1 << iota
	requestShutdown
)

type sendIntent struct {
	ctx       context.Context
	strengths *protocol.Strengths
	pulses    *protocol.Pulses
	reply     chan error
}

const notificationBuffer = 32

// Machine is the connection state machine. Run owns the link: every link
// operation, including writes requested through Send, happens on the loop
// goroutine. Snapshot getters are safe from any goroutine.
type Machine struct {
	adapter  device.Adapter
	locator  Locator
	platform Platform
	timings  Timings
	clock    Clock
	onEvent  func(Event)
	logger   *logrus.Logger

	stage     atomic.Int32
	battery   atomic.Int32
	strengths atomic.Uint32
	params    atomic.Pointer[protocol.Parameters]

	requests   atomic.Uint32
	batteryDue atomic.Bool
	cancelOp   atomic.Pointer[context.CancelFunc]
	wake       chan struct{}
	intents    chan sendIntent
	notes      *ringchan.RingChannel[[]byte]

	running  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	// loop-owned
	link          device.Link
	target        scan.Result
	seq           *protocol.SequenceCounter
	filter        protocol.ActivePowerFilter
	connectStreak int
	scanMisses    int
	lastBattery   time.Time
	lastParams    time.Time
	payloadLogged bool
	halted        bool
}

// New creates a Machine in the Disconnected stage.
func New(adapter device.Adapter, locator Locator, opts Options, logger *logrus.Logger) *Machine {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Platform == nil {
		opts.Platform = NewStandardPlatform()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}

	m := &Machine{
		adapter:  adapter,
		locator:  locator,
		platform: opts.Platform,
		timings:  opts.Timings.withDefaults(),
		clock:    opts.Clock,
		onEvent:  opts.OnEvent,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		intents:  make(chan sendIntent, 8),
		notes:    ringchan.New[[]byte](notificationBuffer),
		done:     make(chan struct{}),
		seq:      protocol.NewSequenceCounter(),
	}
	m.battery.Store(-1)
	params := opts.Parameters
	m.params.Store(&params)
	return m
}

// Stage returns the current lifecycle stage.
func (m *Machine) Stage() Stage {
	return Stage(m.stage.Load())
}

// Battery returns the last battery level read, if any.
func (m *Machine) Battery() (int, bool) {
	v := m.battery.Load()
	return int(v), v >= 0
}

// Strengths returns the last known channel strengths.
func (m *Machine) Strengths() protocol.Strengths {
	v := m.strengths.Load()
	return protocol.Strengths{A: uint8(v >> 8), B: uint8(v)}
}

// SetStrengths records strengths without talking to the peripheral. Used for
// the optimistic preview while offline.
func (m *Machine) SetStrengths(s protocol.Strengths) {
	s = s.Clamp()
	m.strengths.Store(uint32(s.A)<<8 | uint32(s.B))
	m.emit(Event{Kind: EventStrengths, Strengths: s})
}

// Parameters returns the parameters synced on every (re)connection.
func (m *Machine) Parameters() protocol.Parameters {
	return *m.params.Load()
}

// SetParameters replaces the parameters; the next periodic sync sends them.
func (m *Machine) SetParameters(p protocol.Parameters) {
	m.params.Store(&p)
}

// Platform returns the stack profile in use.
func (m *Machine) Platform() Platform {
	return m.platform
}

// Reset requests a temporary disconnect. The loop tears the link down,
// passes through Disconnected and starts scanning again.
func (m *Machine) Reset() {
	m.request(requestReset)
}

// Shutdown requests a permanent disconnect. Run returns after one teardown.
func (m *Machine) Shutdown() {
	m.request(requestShutdown)
}

// RequestBattery asks for a battery read on the next connected iteration.
func (m *Machine) RequestBattery() {
	m.batteryDue.Store(true)
}

// Done is closed when Run returns.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

func (m *Machine) request(r request) {
	m.requests.Or(uint32(r))
	if cancel := m.cancelOp.Load(); cancel != nil {
		(*cancel)()
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Machine) takeRequest(r request) bool {
	return m.requests.And(^uint32(r))&uint32(r) != 0
}

// Send marshals a power command into the loop goroutine and waits for the
// write outcome. It fails with device.ErrNotConnected unless the machine is
// Connected when the intent is served.
func (m *Machine) Send(ctx context.Context, strengths *protocol.Strengths, pulses *protocol.Pulses) error {
	if strengths == nil && pulses == nil {
		return protocol.ErrEmptyCommand
	}

	in := sendIntent{ctx: ctx, strengths: strengths, pulses: pulses, reply: make(chan error, 1)}
	select {
	case m.intents <- in:
	case <-m.done:
		return device.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-in.reply:
		return err
	case <-m.done:
		return device.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the machine until Shutdown or ctx cancellation. A cancelled
// context still gets a clean teardown.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.finish()

	m.logger.WithFields(logrus.Fields{
		"platform":        m.platform.Name(),
		"connect_timeout": m.platform.ConnectTimeout(),
	}).Info("Connection loop started")

	for {
		if err := ctx.Err(); err != nil {
			m.teardown(ctx)
			m.setStage(Disconnected)
			return err
		}
		if !m.Step(ctx) {
			m.logger.Info("Connection loop stopped")
			return nil
		}
	}
}

func (m *Machine) finish() {
	m.notes.Close()
	if dropped := m.notes.Overwritten(); dropped > 0 {
		m.logger.WithFields(logrus.Fields{
			"received": m.notes.Written(),
			"dropped":  dropped,
		}).Warn("Notifications were dropped while the loop was busy")
	}
	m.doneOnce.Do(func() { close(m.done) })
	for {
		select {
		case in := <-m.intents:
			in.reply <- device.ErrNotConnected
		default:
			return
		}
	}
}

// Step runs one loop iteration and reports whether the loop should continue.
func (m *Machine) Step(ctx context.Context) bool {
	if m.halted {
		return false
	}

	// reset is checked ahead of shutdown
	if m.takeRequest(requestReset) {
		m.logger.Info("Temporary disconnect requested")
		m.teardown(ctx)
		m.setStage(Disconnected)
		return true
	}
	if m.takeRequest(requestShutdown) {
		m.logger.Info("Shutdown requested")
		m.teardown(ctx)
		m.setStage(Disconnected)
		m.halted = true
		return false
	}

	m.drainNotifications()

	if m.link != nil && m.linkDropped() {
		m.logger.WithFields(logrus.Fields{
			"stage":   m.Stage(),
			"address": m.link.Address(),
		}).Warn("Link dropped unexpectedly")
		m.releaseLink(ctx)
		m.toScanning()
		return true
	}

	switch m.Stage() {
	case Disconnected:
		m.wait(ctx, m.timings.Idle)
		m.toScanning()
	case Scanning:
		m.stepScanning(ctx)
	case Connecting:
		m.stepConnecting(ctx)
	case ServiceDiscovery:
		m.stepServiceDiscovery(ctx)
	case StatusSubscribe:
		m.stepStatusSubscribe(ctx)
	case SyncParameters:
		m.stepSyncParameters(ctx)
	case Connected:
		m.stepConnected(ctx)
	}
	return true
}

func (m *Machine) stepScanning(ctx context.Context) {
	opCtx, release := m.opContext(ctx)
	res, err := m.locator.Locate(opCtx)
	interrupted := opCtx.Err() != nil
	release()

	if err != nil {
		if interrupted {
			return
		}
		m.scanMisses++
		delay := m.timings.scanRetryDelay(m.scanMisses)
		m.logger.WithFields(logrus.Fields{
			"attempt": m.scanMisses,
			"retry":   delay,
			"error":   err,
		}).Info("Peripheral not located; retrying")
		m.wait(ctx, delay)
		return
	}

	m.target = res
	m.scanMisses = 0
	m.setStage(Connecting)
}

func (m *Machine) stepConnecting(ctx context.Context) {
	opCtx, release := m.opContext(ctx)
	connCtx, cancel := context.WithTimeout(opCtx, m.platform.ConnectTimeout())
	link, err := m.adapter.Connect(connCtx, m.target.Address)
	cancel()
	interrupted := opCtx.Err() != nil
	release()

	if err != nil {
		if interrupted {
			return
		}
		m.connectFailed(ctx, err)
		return
	}

	m.link = link
	m.connectStreak = 0
	m.locator.ReportConnectSuccess()
	m.logger.WithFields(logrus.Fields{
		"address": m.target.Address,
		"cached":  m.target.FromCache,
	}).Info("Connected to peripheral")
	m.setStage(ServiceDiscovery)
}

func (m *Machine) connectFailed(ctx context.Context, err error) {
	m.connectStreak++
	cleared := m.locator.ReportConnectFailure(m.target.FromCache)
	if m.platform.StaleHandle() && m.connectStreak >= 2 {
		m.locator.ForceRefresh()
	}

	m.logger.WithFields(logrus.Fields{
		"address": m.target.Address,
		"cached":  m.target.FromCache,
		"streak":  m.connectStreak,
		"cleared": cleared,
		"error":   device.NormalizeError(err),
	}).Warn("Connect failed")

	m.backoff(ctx)
	m.toScanning()
}

func (m *Machine) stepServiceDiscovery(ctx context.Context) {
	dctx, cancel := context.WithTimeout(ctx, m.timings.OpTimeout)
	services, err := m.link.Discover(dctx)
	cancel()
	if err == nil && len(services) == 0 {
		err = errors.New("no services discovered")
	}
	if err != nil {
		m.fail(ctx, "service discovery", err)
		return
	}
	m.logger.WithField("services", services).Debug("Services discovered")

	m.seq.Reset()
	if err := m.writePower(ctx, &protocol.Strengths{}, nil); err != nil {
		m.fail(ctx, "initial command", err)
		return
	}
	m.setStage(StatusSubscribe)
}

func (m *Machine) stepStatusSubscribe(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, m.timings.OpTimeout)
	err := m.link.Subscribe(sctx, device.NotifyCharUUID, m.onNotification)
	cancel()
	if err != nil {
		m.fail(ctx, "status subscribe", err)
		return
	}
	m.setStage(SyncParameters)
}

func (m *Machine) stepSyncParameters(ctx context.Context) {
	// completion is a successful write; the frame carries no ack
	if err := m.syncParameters(ctx); err != nil {
		m.fail(ctx, "parameter sync", err)
		return
	}
	m.setStage(Connected)
	m.readBattery(ctx)
}

func (m *Machine) stepConnected(ctx context.Context) {
	now := m.clock.Now()
	if m.batteryDue.Swap(false) || now.Sub(m.lastBattery) >= m.timings.BatteryInterval {
		m.readBattery(ctx)
	}
	if now.Sub(m.lastParams) >= m.timings.ParameterInterval {
		if err := m.syncParameters(ctx); err != nil {
			m.fail(ctx, "parameter resync", err)
			return
		}
	}
	m.wait(ctx, m.timings.ConnectedPoll)
}

// fail tears the link down after a recoverable failure and goes back to scanning.
func (m *Machine) fail(ctx context.Context, what string, err error) {
	m.logger.WithFields(logrus.Fields{
		"stage": m.Stage(),
		"error": device.NormalizeError(err),
	}).Warnf("%s failed", what)

	m.teardown(ctx)
	m.backoff(ctx)
	m.toScanning()
}

// backoff pauses per the platform policy, running the nudge scan alongside
// when the platform asks for it.
func (m *Machine) backoff(ctx context.Context) {
	d, nudge := m.platform.FailureBackoff(m.connectStreak)
	if !nudge {
		m.wait(ctx, d)
		return
	}

	nctx, cancel := context.WithTimeout(ctx, d)
	done := groutine.Go(nctx, "coyote-nudge-scan", func(ctx context.Context) {
		err := m.adapter.Scan(ctx, device.ScanOptions{Active: true}, func(device.Advertisement) {})
		if err != nil {
			m.logger.WithField("error", err).Debug("Nudge scan failed")
		}
	})
	m.logger.WithFields(logrus.Fields{"backoff": d, "streak": m.connectStreak}).Info("Backing off with active nudge scan")
	m.wait(ctx, d)
	cancel()
	<-done
}

func (m *Machine) toScanning() {
	m.filter.Reset()
	m.scanMisses = 0
	m.payloadLogged = false
	m.setStage(Scanning)
}

func (m *Machine) setStage(next Stage) {
	prev := m.Stage()
	if prev == next {
		return
	}
	if !CanTransition(prev, next) {
		m.logger.WithFields(logrus.Fields{"from": prev, "to": next}).Error("Rejected illegal stage transition")
		return
	}
	m.stage.Store(int32(next))
	m.logger.WithFields(logrus.Fields{"from": prev, "to": next}).Info("Connection stage changed")
	m.emit(Event{Kind: EventStage, Stage: next})
}

func (m *Machine) emit(ev Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

// opContext derives a context that Reset and Shutdown cancel, so long scans
// and connects yield to control requests.
func (m *Machine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(ctx)
	m.cancelOp.Store(&cancel)
	if m.requests.Load() != 0 {
		cancel()
	}
	return opCtx, func() {
		m.cancelOp.Store(nil)
		cancel()
	}
}

// wait blocks for d on the machine clock while serving send intents and
// notifications. Control requests and link drops end it early.
func (m *Machine) wait(ctx context.Context, d time.Duration) {
	timer := m.clock.After(d)
	var gone <-chan struct{}
	if m.link != nil {
		gone = m.link.Disconnected()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			return
		case <-gone:
			return
		case <-timer:
			return
		case in := <-m.intents:
			m.serve(ctx, in)
		case raw, ok := <-m.notes.C():
			if ok {
				m.handleNotification(raw)
			}
		}
	}
}

func (m *Machine) linkDropped() bool {
	select {
	case <-m.link.Disconnected():
		return true
	default:
		return false
	}
}

// serve writes an intent unless its sender already gave up; a write in
// flight is cancelled when the sender leaves.
func (m *Machine) serve(ctx context.Context, in sendIntent) {
	if err := in.ctx.Err(); err != nil {
		in.reply <- err
		return
	}
	if m.Stage() != Connected || m.link == nil {
		in.reply <- device.ErrNotConnected
		return
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(in.ctx, cancel)
	defer stop()

	in.reply <- m.writePower(wctx, in.strengths, in.pulses)
}

// writePower encodes and writes a power command. The sequence number only
// advances after a successful write of a strengths-carrying frame.
func (m *Machine) writePower(ctx context.Context, strengths *protocol.Strengths, pulses *protocol.Pulses) error {
	var seq uint8
	if strengths != nil {
		seq = m.seq.ForCommand()
	}
	frame, err := protocol.EncodePowerCommand(strengths, pulses, seq)
	if err != nil {
		return err
	}

	if !m.payloadLogged {
		m.logger.WithFields(logrus.Fields{
			"at":  m.clock.Now().Format(time.RFC3339Nano),
			"len": len(frame),
		}).Debug("First send payload")
		m.payloadLogged = true
	}

	if err := m.write(ctx, frame); err != nil {
		return err
	}
	if strengths != nil {
		m.seq.Advance()
	}
	m.logger.WithFields(logrus.Fields{"seq": seq, "frame": fmt.Sprintf("% X", frame)}).Trace("Power command sent")
	return nil
}

func (m *Machine) syncParameters(ctx context.Context) error {
	p := m.Parameters()
	m.lastParams = m.clock.Now()
	if err := m.write(ctx, protocol.EncodeParameterSync(p)); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"a_limit":             p.ALimit,
		"b_limit":             p.BLimit,
		"a_frequency_balance": p.AFrequencyBalance,
		"b_frequency_balance": p.BFrequencyBalance,
		"a_intensity_balance": p.AIntensityBalance,
		"b_intensity_balance": p.BIntensityBalance,
	}).Debug("Parameters synced")
	return nil
}

// write sends frame with the configured retry budget.
func (m *Machine) write(ctx context.Context, frame []byte) error {
	if m.link == nil {
		return device.ErrNotConnected
	}

	var err error
	for attempt := 1; attempt <= m.timings.WriteAttempts; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, m.timings.OpTimeout)
		err = m.link.Write(wctx, device.WriteCharUUID, frame, false)
		cancel()
		if err == nil {
			return nil
		}
		if attempt < m.timings.WriteAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.clock.After(m.timings.WriteRetryDelay):
			}
		}
	}

	m.logger.WithFields(logrus.Fields{
		"command":  fmt.Sprintf("0x%02X", frame[0]),
		"attempts": m.timings.WriteAttempts,
		"error":    err,
	}).Warn("Write failed")
	return fmt.Errorf("write 0x%02X failed after %d attempts: %w", frame[0], m.timings.WriteAttempts, err)
}

func (m *Machine) readBattery(ctx context.Context) {
	m.lastBattery = m.clock.Now()

	rctx, cancel := context.WithTimeout(ctx, m.timings.OpTimeout)
	data, err := m.link.Read(rctx, device.BatteryCharUUID)
	cancel()
	if err != nil || len(data) == 0 {
		m.logger.WithField("error", err).Debug("Battery read failed")
		return
	}

	level := int32(data[0])
	if prev := m.battery.Swap(level); prev != level {
		m.logger.WithField("level", level).Info("Battery level")
		m.emit(Event{Kind: EventBattery, Battery: int(level)})
	}
}

// teardown writes a zero-pulse packet, even if it may fail, then disconnects.
func (m *Machine) teardown(ctx context.Context) {
	if m.link == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	if err := m.writePower(ctx, nil, protocol.ZeroPulses()); err != nil {
		m.logger.WithField("error", err).Debug("Zero packet before disconnect failed")
	}
	m.releaseLink(ctx)
}

// releaseLink disconnects with a bounded wait and forgets the link either way.
func (m *Machine) releaseLink(ctx context.Context) {
	link := m.link
	m.link = nil
	if link == nil {
		return
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timings.DisconnectTimeout)
	defer cancel()
	err := link.Disconnect(dctx)
	switch {
	case err == nil:
		m.logger.WithField("address", link.Address()).Info("Disconnected from peripheral")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, device.ErrTimeout):
		m.logger.WithField("address", link.Address()).Warn("Disconnect timed out; forcing local cleanup")
	default:
		m.logger.WithFields(logrus.Fields{"address": link.Address(), "error": err}).Debug("Disconnect failed")
	}
}

// onNotification runs on the BLE stack's goroutine.
func (m *Machine) onNotification(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	if m.notes.Send(buf) {
		m.logger.Debug("Notification buffer full; dropped oldest")
	}
}

func (m *Machine) drainNotifications() {
	for {
		select {
		case raw, ok := <-m.notes.C():
			if !ok {
				return
			}
			m.handleNotification(raw)
		default:
			return
		}
	}
}

func (m *Machine) handleNotification(raw []byte) {
	n, err := protocol.DecodeNotification(raw)
	if err != nil {
		m.logger.WithFields(logrus.Fields{"raw": fmt.Sprintf("% X", raw), "error": err}).Warn("Dropped malformed notification")
		return
	}

	switch v := n.(type) {
	case protocol.PowerUpdate:
		s := protocol.Strengths{A: v.A, B: v.B}.Clamp()
		m.logger.WithFields(logrus.Fields{"seq": v.Seq, "a": s.A, "b": s.B}).Debug("Power update")
		m.SetStrengths(s)
	case protocol.Ack:
		m.logger.WithField("seq", v.Seq).Trace("Command acknowledged")
	case protocol.ActivePower:
		p := m.filter.Apply(v)
		m.logger.WithFields(logrus.Fields{"a": p.A, "b": p.B}).Debug("Active power update")
	case protocol.Unknown:
		m.logger.WithField("raw", v.String()).Warn("Unknown notification")
	}
}
