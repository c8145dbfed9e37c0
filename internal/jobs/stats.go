package jobs

import (
	"context"
	"fmt"
	"time"

	"scrapehub/internal/metrics"
)

// StatsCache serves derived success/error counters for a job. Counters are
// recomputed from result rows only when the cached copy is stale, so the
// per-item write path never pays for them.
type StatsCache struct {
	store      Store
	staleAfter time.Duration
	now        func() time.Time
}

func NewStatsCache(st Store, staleAfter time.Duration) *StatsCache {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Second
	}
	return &StatsCache{store: st, staleAfter: staleAfter, now: time.Now}
}

// Get returns the job's statistics, recomputing them when stale.
func (c *StatsCache) Get(ctx context.Context, job Job) (Stats, error) {
	if !c.stale(job) {
		return *job.Stats, nil
	}
	return c.Refresh(ctx, job)
}

// Refresh recomputes and persists the job's statistics unconditionally.
func (c *StatsCache) Refresh(ctx context.Context, job Job) (Stats, error) {
	stats, err := c.store.CountResults(ctx, job.ID)
	if err != nil {
		return Stats{}, fmt.Errorf("count results for job %s: %w", job.ID, err)
	}
	if err := c.store.SaveStats(ctx, job.ID, stats, c.now().UTC()); err != nil {
		return Stats{}, fmt.Errorf("save stats for job %s: %w", job.ID, err)
	}
	metrics.RecordStatsRecompute()
	return stats, nil
}

// stale reports whether the cached counters must be rebuilt. Counters
// taken after a job finished never go stale.
func (c *StatsCache) stale(job Job) bool {
	if job.Stats == nil || job.StatsUpdatedAt == nil {
		return true
	}
	at := *job.StatsUpdatedAt
	if job.CompletedAt != nil {
		return at.Before(*job.CompletedAt)
	}
	if !job.State.Active() {
		return at.Before(job.UpdatedAt)
	}
	return c.now().Sub(at) > c.staleAfter
}
