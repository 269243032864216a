package poller

import (
	"context"
	"time"
)

// WithClock overrides the time source used to stamp snapshots.
func WithClock(now func() time.Time) Options {
	return func(o *options) {
		o.now = now
	}
}

// Tick runs a single poll cycle.
func (p *Poller) Tick(ctx context.Context) {
	p.tick(ctx)
}
