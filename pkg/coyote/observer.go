package coyote

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/coyote/internal/groutine"
	"github.com/srg/coyote/internal/ringchan"
	"github.com/srg/coyote/pkg/protocol"
)

// Observer receives device notifications. Calls for one observer are made
// sequentially from a dedicated goroutine; a slow observer only loses its
// own oldest pending events.
type Observer interface {
	ConnectivityChanged(connected bool, stage Stage)
	BatteryChanged(level int)
	PowerLevelsChanged(strengths protocol.Strengths)
	PulseSent(pulses protocol.Pulses)
}

// ObserverFuncs adapts optional callbacks to Observer.
type ObserverFuncs struct {
	OnConnectivity func(connected bool, stage Stage)
	OnBattery      func(level int)
	OnPowerLevels  func(strengths protocol.Strengths)
	OnPulse        func(pulses protocol.Pulses)
}

func (f ObserverFuncs) ConnectivityChanged(connected bool, stage Stage) {
	if f.OnConnectivity != nil {
		f.OnConnectivity(connected, stage)
	}
}

func (f ObserverFuncs) BatteryChanged(level int) {
	if f.OnBattery != nil {
		f.OnBattery(level)
	}
}

func (f ObserverFuncs) PowerLevelsChanged(strengths protocol.Strengths) {
	if f.OnPowerLevels != nil {
		f.OnPowerLevels(strengths)
	}
}

func (f ObserverFuncs) PulseSent(pulses protocol.Pulses) {
	if f.OnPulse != nil {
		f.OnPulse(pulses)
	}
}

// ----------------------------
// Fan-out
// ----------------------------

type eventKind int

const (
	eventConnectivity eventKind = iota
	eventBattery
	eventPowerLevels
	eventPulse
)

type event struct {
	kind      eventKind
	connected bool
	stage     Stage
	battery   int
	strengths protocol.Strengths
	pulses    protocol.Pulses
}

type subscription struct {
	observer Observer
	events   *ringchan.RingChannel[event]
	done     <-chan struct{}
}

func newSubscription(o Observer, capacity int) *subscription {
	sub := &subscription{
		observer: o,
		events:   ringchan.New[event](capacity),
	}
	sub.done = groutine.Go(context.Background(), "coyote-observer", func(context.Context) {
		for ev := range sub.events.C() {
			sub.dispatch(ev)
		}
	})
	return sub
}

// close stops accepting events and reports how many were dropped while the
// observer lagged.
func (s *subscription) close(logger *logrus.Logger) (dropped int64) {
	s.events.Close()
	dropped = s.events.Overwritten()
	if dropped > 0 {
		logger.WithFields(logrus.Fields{
			"sent":     s.events.Written(),
			"dropped":  dropped,
			"capacity": s.events.Cap(),
		}).Warn("Observer fell behind; oldest events were dropped")
	}
	return dropped
}

func (s *subscription) dispatch(ev event) {
	switch ev.kind {
	case eventConnectivity:
		s.observer.ConnectivityChanged(ev.connected, ev.stage)
	case eventBattery:
		s.observer.BatteryChanged(ev.battery)
	case eventPowerLevels:
		s.observer.PowerLevelsChanged(ev.strengths)
	case eventPulse:
		s.observer.PulseSent(ev.pulses)
	}
}

// Subscribe registers o and returns a function that unregisters it. Pending
// events are still delivered after unsubscribing.
func (d *Device) Subscribe(o Observer) (unsubscribe func()) {
	sub := newSubscription(o, d.opts.ObserverBuffer)

	d.obsMu.Lock()
	id := d.nextObsID
	d.nextObsID++
	d.observers[id] = sub
	d.obsMu.Unlock()

	return func() {
		d.obsMu.Lock()
		s, ok := d.observers[id]
		delete(d.observers, id)
		d.obsMu.Unlock()
		if ok {
			s.close(d.logger)
		}
	}
}

func (d *Device) broadcast(ev event) {
	d.obsMu.RLock()
	defer d.obsMu.RUnlock()
	for _, sub := range d.observers {
		if sub.events.Send(ev) {
			d.logger.WithField("kind", ev.kind).Debug("Observer lagging; dropped oldest event")
		}
	}
}

// closeObservers stops every observer goroutine once its backlog drains,
// waiting at most until deadline.
func (d *Device) closeObservers(deadline <-chan time.Time) {
	d.obsMu.Lock()
	subs := d.observers
	d.observers = make(map[int]*subscription)
	d.obsMu.Unlock()

	for _, sub := range subs {
		sub.close(d.logger)
	}
	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-deadline:
			d.logger.WithField("pending", sub.events.Len()).Warn("Observer still busy at shutdown")
			return
		}
	}
}
