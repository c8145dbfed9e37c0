package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Dispatcher starts a runner for a job at the given offset. Dispatch
// must not block on the run itself.
type Dispatcher interface {
	Dispatch(jobID uuid.UUID, from int)
}

// Controller is the operator-facing side of the engine. It never touches
// items itself; it writes state and leaves the runner to observe it.
type Controller struct {
	store      Store
	events     *EventLog
	stats      *StatsCache
	processors Processors
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewController wires a controller. A nil dispatcher leaves running jobs
// for a worker's recovery poll, which is how an api-only process works.
func NewController(st Store, events *EventLog, stats *StatsCache, procs Processors, d Dispatcher, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = NewEventLog(st, nil, logger)
	}
	if stats == nil {
		stats = NewStatsCache(st, 0)
	}
	return &Controller{
		store:      st,
		events:     events,
		stats:      stats,
		processors: procs,
		dispatcher: d,
		logger:     logger,
		now:        time.Now,
	}
}

// Snapshot is a job together with its current statistics.
type Snapshot struct {
	Job   Job   `json:"job"`
	Stats Stats `json:"stats"`
}

// Submit creates a job over items and starts it.
func (c *Controller) Submit(ctx context.Context, kind string, items []string) (Job, error) {
	return c.submit(ctx, kind, items, nil)
}

func (c *Controller) submit(ctx context.Context, kind string, items []string, source *uuid.UUID) (Job, error) {
	if len(items) == 0 {
		return Job{}, ErrEmptyItems
	}
	if _, ok := c.processors.Lookup(kind); !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	now := c.now().UTC()
	job := Job{
		ID:          newJobID(),
		Kind:        kind,
		State:       StateQueued,
		Items:       append([]string(nil), items...),
		Total:       len(items),
		SourceJobID: source,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	job, err := c.store.CreateJob(ctx, job)
	if err != nil {
		return Job{}, fmt.Errorf("create job: %w", err)
	}

	job, err = c.store.Transition(ctx, job.ID, Transition{
		From:           []State{StateQueued},
		To:             StateRunning,
		BumpGeneration: true,
	})
	if err != nil {
		return Job{}, fmt.Errorf("start job %s: %w", job.ID, err)
	}

	c.events.Record(ctx, job.ID, EventStarted, "started with %d items", job.Total)
	c.logger.Info("job submitted", "job_id", job.ID.String(), "kind", kind, "total", job.Total)
	c.dispatch(job.ID, 0)
	return job, nil
}

// Preview runs kind's processor over a single item without creating a
// job or persisting anything.
func (c *Controller) Preview(ctx context.Context, kind, item string) (*ItemOutput, error) {
	proc, ok := c.processors.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if item == "" {
		return nil, ErrEmptyItems
	}
	return proc.Process(ctx, item)
}

// Pause asks the runner to stop after its current item.
func (c *Controller) Pause(ctx context.Context, id uuid.UUID) (Job, error) {
	job, err := c.store.Transition(ctx, id, Transition{
		From: []State{StateRunning},
		To:   StatePaused,
	})
	if err != nil {
		return Job{}, fmt.Errorf("pause job %s: %w", id, err)
	}
	c.events.Record(ctx, id, EventPaused, "paused at item %d", job.Processed)
	return job, nil
}

// Resume restarts a paused, auto-paused or failed job at its checkpoint.
// Stopped and completed jobs cannot be resumed.
func (c *Controller) Resume(ctx context.Context, id uuid.UUID) (Job, error) {
	job, err := c.store.Transition(ctx, id, Transition{
		From:            []State{StatePaused, StateAutoPaused, StateFailed},
		To:              StateRunning,
		BumpGeneration:  true,
		RetryCount:      intPtr(0),
		AutoPauseReason: strPtr(""),
		ErrorMessage:    strPtr(""),
	})
	if err != nil {
		return Job{}, fmt.Errorf("resume job %s: %w", id, err)
	}
	c.events.Record(ctx, id, EventResumed, "resumed at item %d", job.Processed)
	c.dispatch(id, job.Processed)
	return job, nil
}

// Stop ends a job permanently. Results recorded so far are kept.
func (c *Controller) Stop(ctx context.Context, id uuid.UUID) (Job, error) {
	job, err := c.store.Transition(ctx, id, Transition{
		From: sourcesOf(StateStopped),
		To:   StateStopped,
	})
	if err != nil {
		return Job{}, fmt.Errorf("stop job %s: %w", id, err)
	}
	c.events.Record(ctx, id, EventStopped, "stopped at item %d", job.Processed)
	return job, nil
}

func (c *Controller) Get(ctx context.Context, id uuid.UUID) (Job, error) {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// Status returns the job with statistics, recomputed when stale.
func (c *Controller) Status(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get job %s: %w", id, err)
	}
	stats, err := c.stats.Get(ctx, job)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Job: job, Stats: stats}, nil
}

// FreshStatus is Status with statistics recomputed from result rows
// regardless of the cache window.
func (c *Controller) FreshStatus(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get job %s: %w", id, err)
	}
	stats, err := c.stats.Refresh(ctx, job)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Job: job, Stats: stats}, nil
}

// RetryOptions controls RetryFailedItems. IsDefinitive defaults to
// DefinitiveSuccess.
type RetryOptions struct {
	DryRun       bool
	IsDefinitive func(Result) bool
}

// RetryPlan lists the items selected for retry. Job is nil on a dry run
// or when nothing needs retrying.
type RetryPlan struct {
	SourceID uuid.UUID `json:"sourceId"`
	Items    []string  `json:"items"`
	Job      *Job      `json:"job,omitempty"`
}

// RetryFailedItems submits a new job over every item of id that has no
// result or whose result is not a definitive success.
func (c *Controller) RetryFailedItems(ctx context.Context, id uuid.UUID, opts RetryOptions) (RetryPlan, error) {
	isDefinitive := opts.IsDefinitive
	if isDefinitive == nil {
		isDefinitive = DefinitiveSuccess
	}

	src, err := c.store.GetJob(ctx, id)
	if err != nil {
		return RetryPlan{}, fmt.Errorf("get job %s: %w", id, err)
	}

	done := make(map[int]bool, src.Total)
	err = c.store.StreamResults(ctx, id, func(r Result) error {
		if isDefinitive(r) {
			done[r.ItemIndex] = true
		}
		return nil
	})
	if err != nil {
		return RetryPlan{}, fmt.Errorf("scan results of job %s: %w", id, err)
	}

	plan := RetryPlan{SourceID: id}
	for i, item := range src.Items {
		if !done[i] {
			plan.Items = append(plan.Items, item)
		}
	}
	if opts.DryRun || len(plan.Items) == 0 {
		return plan, nil
	}

	job, err := c.submit(ctx, src.Kind, plan.Items, &src.ID)
	if err != nil {
		return RetryPlan{}, fmt.Errorf("retry job %s: %w", id, err)
	}
	plan.Job = &job
	return plan, nil
}

func (c *Controller) List(ctx context.Context, f JobFilter) ([]Job, error) {
	return c.store.ListJobs(ctx, f)
}

// Results pages through a job's results. The job must exist.
func (c *Controller) Results(ctx context.Context, id uuid.UUID, f ResultFilter) ([]Result, int, error) {
	if _, err := c.store.GetJob(ctx, id); err != nil {
		return nil, 0, fmt.Errorf("get job %s: %w", id, err)
	}
	return c.store.ListResults(ctx, id, f)
}

func (c *Controller) Events(ctx context.Context, id uuid.UUID) ([]Event, error) {
	if _, err := c.store.GetJob(ctx, id); err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return c.store.ListEvents(ctx, id)
}

// Export streams every result of a job in item order.
func (c *Controller) Export(ctx context.Context, id uuid.UUID, fn func(Result) error) (Job, error) {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if err := c.store.StreamResults(ctx, id, fn); err != nil {
		return job, fmt.Errorf("export job %s: %w", id, err)
	}
	return job, nil
}

// RecoverStuck completes running jobs whose checkpoint already covers
// every item, which happens when a runner dies between its last
// checkpoint and the completion write.
func (c *Controller) RecoverStuck(ctx context.Context) ([]uuid.UUID, error) {
	running, err := c.store.ListJobs(ctx, JobFilter{State: StateRunning})
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}

	var fixed []uuid.UUID
	for _, job := range running {
		if job.Processed < job.Total {
			continue
		}
		_, err := c.store.Transition(ctx, job.ID, Transition{
			From:       []State{StateRunning},
			To:         StateCompleted,
			Generation: job.Generation,
			Processed:  intPtr(job.Total),
			Completed:  true,
		})
		if err != nil {
			c.logger.Warn("stuck job recovery skipped", "job_id", job.ID.String(), "error", err)
			continue
		}
		c.events.Record(ctx, job.ID, EventCompleted, "completed %d items (recovered)", job.Total)
		fixed = append(fixed, job.ID)
	}
	return fixed, nil
}

// BackfillStats recomputes statistics for jobs that have none, or for
// every job when all is set. It returns the number of jobs refreshed.
func (c *Controller) BackfillStats(ctx context.Context, all bool) (int, error) {
	list, err := c.store.ListJobs(ctx, JobFilter{StatsMissing: !all})
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	n := 0
	for _, job := range list {
		if _, err := c.stats.Refresh(ctx, job); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (c *Controller) dispatch(id uuid.UUID, from int) {
	if c.dispatcher == nil {
		return
	}
	c.dispatcher.Dispatch(id, from)
}
