package coyote

import (
	"context"
	"time"

	"github.com/srg/coyote/internal/groutine"
)

// StartUpdates attaches src. While attached the update loop forwards due
// packets through SendCommand and periodically asks for a battery read. A
// pending send is abandoned when the loop stops. A previously attached source
// is detached first.
func (d *Device) StartUpdates(src TickSource) {
	d.StopUpdates()

	d.updMu.Lock()
	defer d.updMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	d.updCancel = cancel
	d.updating.Store(true)
	d.updDone = groutine.Go(ctx, "coyote-updates", func(ctx context.Context) {
		d.updateLoop(ctx, src)
	})
	d.logger.Info("Updates started")
}

// StopUpdates detaches the tick source and waits for the loop to exit.
func (d *Device) StopUpdates() {
	d.updMu.Lock()
	cancel, done := d.updCancel, d.updDone
	d.updCancel, d.updDone = nil, nil
	d.updMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.updating.Store(false)
	d.logger.Info("Updates stopped")
}

func (d *Device) updateLoop(ctx context.Context, src TickSource) {
	clock := d.opts.Clock
	var lastBattery time.Time

	for {
		now := clock.Now()

		if now.Sub(lastBattery) >= d.opts.BatteryPoll {
			d.machine.RequestBattery()
			lastBattery = now
		}

		if d.machine.Stage() == StageConnected && !now.Before(src.NextDue()) {
			if pulses := src.GeneratePacket(now); pulses != nil {
				d.sendCommand(ctx, nil, pulses)
			}
		}

		wait := d.opts.UpdatePoll
		if until := src.NextDue().Sub(clock.Now()); until > 0 && until < wait {
			wait = until
		}

		select {
		case <-ctx.Done():
			return
		case <-clock.After(wait):
		}
	}
}
