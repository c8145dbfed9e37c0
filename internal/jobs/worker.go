package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"scrapehub/internal/config"
)

type dispatchRequest struct {
	id   uuid.UUID
	from int
}

// Worker owns the goroutines that run jobs. It takes direct dispatches
// from a Controller in the same process, and periodically recovers
// running jobs that have no live runner (after a crash or restart, or
// when jobs were submitted by an api-only process).
type Worker struct {
	cfg    *config.Config
	store  Store
	runner *Runner
	kinds  []string
	logger *slog.Logger

	queue chan dispatchRequest
	wg    sync.WaitGroup
}

// NewWorker constructs a Worker. kinds lists the job kinds swept by
// retention cleanup.
func NewWorker(cfg *config.Config, st Store, runner *Runner, kinds []string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:    cfg,
		store:  st,
		runner: runner,
		kinds:  kinds,
		logger: logger,
		queue:  make(chan dispatchRequest, 256),
	}
}

// Dispatch queues a run. When the queue is full the job is left to the
// recovery poll.
func (w *Worker) Dispatch(id uuid.UUID, from int) {
	select {
	case w.queue <- dispatchRequest{id: id, from: from}:
	default:
		w.logger.Warn("dispatch queue full, deferring to recovery", "job_id", id.String())
	}
}

// Start runs the worker loop in the current goroutine until ctx is done,
// then waits for in-flight runners to checkpoint and exit.
func (w *Worker) Start(ctx context.Context) {
	pollInterval := config.Duration(w.cfg.Worker.PollIntervalMs)
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	recoveryInterval := config.Duration(w.cfg.Worker.RecoveryIntervalMs)
	if recoveryInterval <= 0 {
		recoveryInterval = 30 * time.Second
	}
	cleanupInterval := time.Duration(w.cfg.Retention.CleanupIntervalMinutes) * time.Minute
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}

	maxJobs := w.cfg.Worker.MaxConcurrentJobs
	if maxJobs <= 0 {
		maxJobs = 4
	}

	sem := make(chan struct{}, maxJobs)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastCleanup, lastRecovery time.Time

	// Pick up whatever was left running before this process started.
	w.recover(ctx, sem)
	lastRecovery = time.Now().UTC()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.logger.Info("worker stopped")
			return
		case req := <-w.queue:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				continue
			}
			w.spawn(sem, func() {
				if _, err := w.runner.Run(ctx, req.id, req.from); err != nil {
					w.logger.Error("job run failed", "job_id", req.id.String(), "error", err)
				}
			})
		case <-ticker.C:
			now := time.Now().UTC()

			// Periodically run TTL cleanup for finished jobs.
			if w.cfg.Retention.Enabled && (lastCleanup.IsZero() || now.Sub(lastCleanup) >= cleanupInterval) {
				CleanupExpired(ctx, w.cfg.Retention, w.store, w.kinds, w.logger)
				lastCleanup = now
			}

			if now.Sub(lastRecovery) >= recoveryInterval {
				w.recover(ctx, sem)
				lastRecovery = now
			}
		}
	}
}

// recover starts runners for running jobs whose lease is free, up to the
// spare capacity of the pool.
func (w *Worker) recover(ctx context.Context, sem chan struct{}) {
	capacity := cap(sem) - len(sem)
	if capacity <= 0 {
		return
	}

	running, err := w.store.ListJobs(ctx, JobFilter{State: StateRunning})
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("recovery poll failed", "error", err)
		}
		return
	}

	for _, job := range running {
		select {
		case sem <- struct{}{}:
		default:
			return
		}
		id, from := job.ID, job.Processed
		w.spawn(sem, func() {
			_, err := w.runner.TryRun(ctx, id, from)
			switch {
			case err == nil:
				w.logger.Info("recovered job", "job_id", id.String(), "from", from)
			case errors.Is(err, ErrLeaseHeld):
				// Another runner is on it.
			default:
				w.logger.Error("recovered job run failed", "job_id", id.String(), "error", err)
			}
		})
	}
}

func (w *Worker) spawn(sem chan struct{}, fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-sem }()
		fn()
	}()
}
