package room

import (
	"context"
	"log"
	"time"
)

// Reaper turns TTL expiry into destroy broadcasts. The store drops expired
// keys on its own; the reaper only settles the matching DeadlineIndex entry
// and announces the destroy. Several reapers may run against one store:
// UnmarkBefore lets exactly one of them claim each deadline.
type Reaper struct {
	registry *Registry
	interval time.Duration
}

// NewReaper creates a reaper sweeping every interval. A non-positive
// interval uses the registry's ReapInterval.
func NewReaper(registry *Registry, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = registry.cfg.ReapInterval
	}
	if interval <= 0 {
		interval = DefaultConfig().ReapInterval
	}
	return &Reaper{registry: registry, interval: interval}
}

// Run sweeps on every tick until ctx is cancelled.
func (rp *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	log.Printf("[reaper] started interval=%s", rp.interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("[reaper] stopped")
			return
		case <-ticker.C:
			if _, err := rp.Sweep(ctx); err != nil {
				log.Printf("[reaper] sweep: %v", err)
			}
		}
	}
}

// Sweep settles every deadline that is due and returns how many rooms this
// call announced as destroyed.
func (rp *Reaper) Sweep(ctx context.Context) (int, error) {
	r := rp.registry
	now := r.now()

	due, err := r.store.MarkedBefore(ctx, DeadlineIndex, now)
	if err != nil {
		return 0, storeErr("sweep", DeadlineIndex, err)
	}

	expired := 0
	for _, id := range due {
		if ctx.Err() != nil {
			break
		}
		if r.claim(ctx, id, now, reasonExpired) {
			expired++
		}
	}
	if expired > 0 {
		log.Printf("[reaper] expired %d rooms", expired)
	}
	return expired, nil
}
