package wspubsub

import (
	"context"
	"time"

	"github.com/openqos/shaperd/pkg/lifecycle"
	"github.com/openqos/shaperd/pkg/log"
)

// tickTimeoutMargin is subtracted from a cadence's period to form the
// timeout wrapping each producer call, so a slow producer's tick is
// discarded before the next one is due and can never stall the event
// loop.
const tickTimeoutMargin = 50 * time.Millisecond

// Dispatcher owns the three cadence tickers and calls every channel's
// producer on its schedule, publishing through Hub.
type Dispatcher struct {
	hub     *Hub
	sources *Sources
}

// NewDispatcher builds a Dispatcher over hub, reading from sources.
func NewDispatcher(hub *Hub, sources *Sources) *Dispatcher {
	return &Dispatcher{hub: hub, sources: sources}
}

// Run drives all three cadences until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	go d.runCadence(ctx, Cadence1s)
	go d.runCadence(ctx, Cadence2s)
	go d.runCadence(ctx, Cadence5s)
	<-ctx.Done()
}

func (d *Dispatcher) runCadence(ctx context.Context, cadence Cadence) {
	period := time.Duration(cadence.period()) * time.Second
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	channels := make([]Channel, 0)
	for _, ch := range AllChannels {
		if cadenceOf(ch) == cadence {
			channels = append(channels, ch)
		}
	}

	timeout := period - tickTimeoutMargin
	if timeout <= 0 {
		timeout = period
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(channels, timeout)
		}
	}
}

func (d *Dispatcher) tick(channels []Channel, timeout time.Duration) {
	defer lifecycle.RecoverAndLog("wspubsub")
	done := make(chan struct{})
	go func() {
		defer lifecycle.RecoverAndLog("wspubsub")
		defer close(done)
		for _, ch := range channels {
			if !d.hub.HasSubscribers(ch) {
				continue
			}
			fn, ok := producers[ch]
			if !ok {
				continue
			}
			eventName, data, ok := fn(d.sources)
			if !ok {
				continue
			}
			d.hub.Publish(ch, eventName, data)
		}
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.With("wspubsub").Warn().Dur("timeout", timeout).Msg("tick exceeded its budget, discarding remainder")
	}
}
