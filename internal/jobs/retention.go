package jobs

import (
	"context"
	"log/slog"
	"time"

	"scrapehub/internal/config"
	"scrapehub/internal/metrics"
)

// RetentionStats captures the number of jobs deleted by TTL cleanup.
type RetentionStats struct {
	JobsDeleted map[string]int64 `json:"jobsDeleted"`
}

// RetentionDays returns the effective TTL for a job kind, falling back to
// defaultDays when no kind-specific value is set.
func RetentionDays(cfg config.RetentionConfig, kind string) int {
	specific := 0
	switch kind {
	case "adstxt":
		specific = cfg.Jobs.AdsTxtDays
	case "page":
		specific = cfg.Jobs.PageDays
	}
	if specific > 0 {
		return specific
	}
	return cfg.Jobs.DefaultDays
}

// CleanupExpired deletes finished jobs older than their kind's TTL.
// Results and events go with them. Active jobs are never touched.
func CleanupExpired(ctx context.Context, cfg config.RetentionConfig, st JobStore, kinds []string, logger *slog.Logger) RetentionStats {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now().UTC()
	stats := RetentionStats{JobsDeleted: make(map[string]int64)}

	for _, kind := range kinds {
		days := RetentionDays(cfg, kind)
		if days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -days)
		n, err := st.DeleteExpiredJobs(ctx, kind, cutoff)
		if err != nil {
			logger.Warn("retention cleanup failed", "kind", kind, "error", err)
			continue
		}
		if n > 0 {
			stats.JobsDeleted[kind] += n
			metrics.RecordRetentionJobs(kind, n)
		}
	}

	return stats
}
