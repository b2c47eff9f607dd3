package core

import (
	"context"
	"time"

	"webgate/internal/clock"
)

// Reaper evicts sessions whose agent stopped reporting, so a crashed agent
// cannot hold the decision in either direction forever.
type Reaper struct {
	Registry *Registry
	Interval time.Duration
	Clock    clock.Clock
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := r.Clock.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.Sweep()
		}
	}
}

// Sweep runs a single eviction pass.
func (r *Reaper) Sweep() int {
	return r.Registry.Reap(r.Clock.Now())
}
