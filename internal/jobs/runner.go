package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"scrapehub/internal/config"
	"scrapehub/internal/lease"
	"scrapehub/internal/metrics"
)

// ItemProcessor does the per-item work of a job. The engine treats it as
// a black box: a returned error is recorded as the item's error result.
type ItemProcessor interface {
	Process(ctx context.Context, item string) (*ItemOutput, error)
}

// ProcessorFunc adapts a plain function to ItemProcessor.
type ProcessorFunc func(ctx context.Context, item string) (*ItemOutput, error)

func (f ProcessorFunc) Process(ctx context.Context, item string) (*ItemOutput, error) {
	return f(ctx, item)
}

// Processors resolves a job kind to its ItemProcessor.
type Processors interface {
	Lookup(kind string) (ItemProcessor, bool)
}

// Policy holds the runner's tunables.
type Policy struct {
	AutoPauseThreshold int
	CheckpointEvery    int
	ProgressEventEvery int
	BackoffBase        time.Duration
	ItemTimeout        time.Duration
	LeasePoll          time.Duration
	FinalWriteTimeout  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		AutoPauseThreshold: 3,
		CheckpointEvery:    10,
		ProgressEventEvery: 100,
		BackoffBase:        time.Second,
		ItemTimeout:        30 * time.Second,
		LeasePoll:          250 * time.Millisecond,
		FinalWriteTimeout:  5 * time.Second,
	}
}

// PolicyFromConfig builds a Policy from the engine config section,
// keeping defaults for anything unset.
func PolicyFromConfig(cfg config.EngineConfig) Policy {
	p := DefaultPolicy()
	if cfg.AutoPauseThreshold > 0 {
		p.AutoPauseThreshold = cfg.AutoPauseThreshold
	}
	if cfg.CheckpointEvery > 0 {
		p.CheckpointEvery = cfg.CheckpointEvery
	}
	if cfg.ProgressEventEvery > 0 {
		p.ProgressEventEvery = cfg.ProgressEventEvery
	}
	if cfg.BackoffBaseMs > 0 {
		p.BackoffBase = config.Duration(cfg.BackoffBaseMs)
	}
	if cfg.ItemTimeoutMs > 0 {
		p.ItemTimeout = config.Duration(cfg.ItemTimeoutMs)
	}
	if cfg.LeasePollMs > 0 {
		p.LeasePoll = config.Duration(cfg.LeasePollMs)
	}
	return p
}

// ExitReason says why a runner stopped walking its job.
type ExitReason string

const (
	ExitCompleted   ExitReason = "completed"
	ExitSuspended   ExitReason = "suspended"
	ExitAutoPaused  ExitReason = "auto_paused"
	ExitSuperseded  ExitReason = "superseded"
	ExitInterrupted ExitReason = "interrupted"
	ExitFailed      ExitReason = "failed"
)

// RunResult reports where a runner stopped. Index is the item the runner
// would have processed next.
type RunResult struct {
	Exit  ExitReason
	Index int
	State State
}

// Runner executes one job's items in order, checkpointing progress and
// reacting to pause/stop requests written by the controller.
type Runner struct {
	store      Store
	events     *EventLog
	processors Processors
	locker     lease.Locker
	policy     Policy
	logger     *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type RunnerOption func(*Runner)

// WithSleep replaces the backoff sleep, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RunnerOption {
	return func(r *Runner) { r.sleep = fn }
}

// WithClock replaces the time source used for result timestamps.
func WithClock(fn func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = fn }
}

func NewRunner(st Store, events *EventLog, procs Processors, locker lease.Locker, policy Policy, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = lease.NewLocal()
	}
	if events == nil {
		events = NewEventLog(st, nil, logger)
	}
	r := &Runner{
		store:      st,
		events:     events,
		processors: procs,
		locker:     locker,
		policy:     policy,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func leaseKey(id uuid.UUID) string { return "job:" + id.String() }

// Run waits for the job's lease and walks items starting at from.
func (r *Runner) Run(ctx context.Context, jobID uuid.UUID, from int) (RunResult, error) {
	ls, err := lease.Acquire(ctx, r.locker, leaseKey(jobID), r.policy.LeasePoll)
	if err != nil {
		if ctx.Err() != nil {
			return RunResult{Exit: ExitInterrupted, Index: from}, nil
		}
		return RunResult{Exit: ExitFailed, Index: from}, fmt.Errorf("acquire lease for job %s: %w", jobID, err)
	}
	defer r.release(ctx, jobID, ls)

	return r.runLeased(ctx, ls, jobID, from)
}

// TryRun starts a runner only if the job's lease is free. It returns
// ErrLeaseHeld when another runner owns the job.
func (r *Runner) TryRun(ctx context.Context, jobID uuid.UUID, from int) (RunResult, error) {
	ls, ok, err := r.locker.TryAcquire(ctx, leaseKey(jobID))
	if err != nil {
		return RunResult{Exit: ExitFailed, Index: from}, fmt.Errorf("acquire lease for job %s: %w", jobID, err)
	}
	if !ok {
		return RunResult{Exit: ExitSuperseded, Index: from}, ErrLeaseHeld
	}
	defer r.release(ctx, jobID, ls)

	return r.runLeased(ctx, ls, jobID, from)
}

func (r *Runner) release(ctx context.Context, jobID uuid.UUID, ls lease.Lease) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.finalTimeout())
	defer cancel()
	if err := ls.Release(relCtx); err != nil && !errors.Is(err, lease.ErrNotHeld) {
		r.logger.Warn("lease release failed", "job_id", jobID.String(), "error", err)
	}
}

// walk is the mutable state of one runner pass.
type walk struct {
	job        Job
	gen        int64
	processed  int
	retry      int
	streakAt   int
	lastErr    string
	sinceCheck int
}

func (r *Runner) runLeased(ctx context.Context, ls lease.Lease, jobID uuid.UUID, from int) (res RunResult, err error) {
	metrics.RunnerStarted()
	defer func() { metrics.RunnerExited(string(res.Exit)) }()

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return RunResult{Exit: ExitInterrupted, Index: from}, nil
		}
		return RunResult{Exit: ExitFailed, Index: from}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.State != StateRunning {
		return RunResult{Exit: ExitSuspended, Index: from, State: job.State}, nil
	}

	proc, ok := r.processors.Lookup(job.Kind)
	if !ok {
		return r.fail(ctx, &walk{job: job, gen: job.Generation, processed: job.Processed}, from,
			fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind))
	}

	if from < 0 {
		from = 0
	}
	w := &walk{
		job:       job,
		gen:       job.Generation,
		processed: job.Processed,
		retry:     job.RetryCount,
		streakAt:  -1,
	}

	logger := r.logger.With("job_id", jobID.String(), "kind", job.Kind, "generation", w.gen)
	logger.Info("runner started", "from", from, "total", job.Total)

	for i := from; i < job.Total; i++ {
		cur, err := r.store.GetJob(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupt(ctx, w, i)
			}
			return r.fail(ctx, w, i, fmt.Errorf("reload job: %w", err))
		}
		if cur.Generation != w.gen {
			logger.Info("runner superseded", "index", i, "current_generation", cur.Generation)
			return RunResult{Exit: ExitSuperseded, Index: i, State: cur.State}, nil
		}
		if cur.State != StateRunning {
			if err := r.checkpoint(ctx, w); err != nil {
				return r.checkpointFailed(ctx, w, i, err)
			}
			logger.Info("runner suspended", "index", i, "state", string(cur.State))
			return RunResult{Exit: ExitSuspended, Index: i, State: cur.State}, nil
		}
		if ctx.Err() != nil {
			return r.interrupt(ctx, w, i)
		}
		select {
		case <-ls.Lost():
			logger.Warn("runner lost its lease", "index", i)
			return RunResult{Exit: ExitSuperseded, Index: i, State: cur.State}, nil
		default:
		}

		recorded, exists, err := r.store.ResultOutcome(ctx, jobID, i)
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupt(ctx, w, i)
			}
			return r.fail(ctx, w, i, fmt.Errorf("check result %d: %w", i, err))
		}

		if exists {
			// A recovering runner replays the streak from recorded outcomes.
			// Errors past the checkpoint are already in the persisted count.
			if recorded == OutcomeSuccess {
				w.retry = 0
				w.streakAt = -1
				w.processed = i + 1
			} else if w.streakAt < 0 {
				w.streakAt = i
			}
		} else {
			item := job.Items[i]
			out, perr := r.process(ctx, proc, item)
			if perr != nil && ctx.Err() != nil {
				// Shutdown cut the item short; leave it for the recovering runner.
				return r.interrupt(ctx, w, i)
			}

			result := r.buildResult(jobID, i, item, out, perr)
			if _, err := r.store.InsertResult(ctx, result); err != nil {
				if ctx.Err() != nil {
					return r.interrupt(ctx, w, i)
				}
				return r.fail(ctx, w, i, fmt.Errorf("insert result %d: %w", i, err))
			}
			metrics.RecordItem(job.Kind, string(result.Outcome))

			if result.Outcome == OutcomeSuccess {
				w.retry = 0
				w.streakAt = -1
				w.processed = i + 1
			} else {
				if w.streakAt < 0 {
					w.streakAt = i
				}
				w.retry++
				w.lastErr = result.Error
				logger.Warn("item failed", "index", i, "item", item, "retry", w.retry, "error", result.Error)

				if w.retry >= r.policy.AutoPauseThreshold {
					return r.autoPause(ctx, w, i)
				}
				if err := r.sleep(ctx, r.backoff(w.retry)); err != nil {
					return r.interrupt(ctx, w, i+1)
				}
			}
		}

		w.sinceCheck++
		if r.policy.CheckpointEvery > 0 && w.sinceCheck >= r.policy.CheckpointEvery {
			if err := r.checkpoint(ctx, w); err != nil {
				return r.checkpointFailed(ctx, w, i+1, err)
			}
		}
		if r.policy.ProgressEventEvery > 0 && (i+1)%r.policy.ProgressEventEvery == 0 {
			r.events.Record(ctx, jobID, EventProgress, "processed %d/%d items", i+1, job.Total)
		}
	}

	return r.complete(ctx, w)
}

func (r *Runner) process(ctx context.Context, proc ItemProcessor, item string) (out *ItemOutput, err error) {
	if r.policy.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.policy.ItemTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("processor panic: %v", rec)
		}
	}()
	return proc.Process(ctx, item)
}

func (r *Runner) buildResult(jobID uuid.UUID, index int, item string, out *ItemOutput, perr error) Result {
	res := Result{
		JobID:     jobID,
		ItemIndex: index,
		Item:      item,
		CreatedAt: r.now().UTC(),
	}
	if perr != nil {
		res.Outcome = OutcomeError
		res.Error = perr.Error()
		return res
	}

	res.Outcome = OutcomeSuccess
	if out == nil {
		return res
	}
	res.Checks = out.Checks
	if out.Payload != nil {
		payload, err := json.Marshal(out.Payload)
		if err != nil {
			res.Outcome = OutcomeError
			res.Error = fmt.Sprintf("encode payload: %v", err)
			return res
		}
		res.Payload = payload
	}
	return res
}

func (r *Runner) backoff(retry int) time.Duration {
	return r.policy.BackoffBase * time.Duration(1<<retry)
}

func (r *Runner) checkpoint(ctx context.Context, w *walk) error {
	w.sinceCheck = 0
	return r.store.SaveProgress(ctx, w.job.ID, w.gen, w.processed, w.retry)
}

// checkpointFailed classifies a failed checkpoint: a superseded runner
// exits quietly, anything else is a storage failure.
func (r *Runner) checkpointFailed(ctx context.Context, w *walk, index int, err error) (RunResult, error) {
	if errors.Is(err, ErrStaleRunner) {
		return RunResult{Exit: ExitSuperseded, Index: index}, nil
	}
	if ctx.Err() != nil {
		return r.interrupt(ctx, w, index)
	}
	return r.fail(ctx, w, index, fmt.Errorf("checkpoint: %w", err))
}

// interrupt records progress after a shutdown and leaves the job running
// so the worker's recovery poll picks it up again.
func (r *Runner) interrupt(ctx context.Context, w *walk, index int) (RunResult, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.finalTimeout())
	defer cancel()
	if err := r.checkpoint(wctx, w); err != nil && !errors.Is(err, ErrStaleRunner) {
		r.logger.Warn("checkpoint on shutdown failed", "job_id", w.job.ID.String(), "error", err)
	}
	r.logger.Info("runner interrupted", "job_id", w.job.ID.String(), "index", index, "processed", w.processed)
	return RunResult{Exit: ExitInterrupted, Index: index, State: StateRunning}, nil
}

func (r *Runner) autoPause(ctx context.Context, w *walk, index int) (RunResult, error) {
	reason := w.lastErr
	t := Transition{
		From:            []State{StateRunning},
		To:              StateAutoPaused,
		Generation:      w.gen,
		Processed:       intPtr(w.streakAt),
		RetryCount:      intPtr(w.retry),
		AutoPauseReason: strPtr(reason),
	}
	job, err := r.store.Transition(ctx, w.job.ID, t)
	if err != nil {
		return r.transitionFailed(ctx, w, index+1, err)
	}

	r.events.Record(ctx, w.job.ID, EventAutoPaused,
		"auto-paused after %d consecutive failures at item %d: %s", w.retry, index, reason)
	r.logger.Warn("job auto-paused", "job_id", w.job.ID.String(), "index", index, "reason", reason)
	return RunResult{Exit: ExitAutoPaused, Index: index + 1, State: job.State}, nil
}

func (r *Runner) complete(ctx context.Context, w *walk) (RunResult, error) {
	total := w.job.Total
	t := Transition{
		From:       []State{StateRunning},
		To:         StateCompleted,
		Generation: w.gen,
		Processed:  intPtr(total),
		RetryCount: intPtr(w.retry),
		Completed:  true,
	}
	job, err := r.store.Transition(ctx, w.job.ID, t)
	if err != nil {
		return r.transitionFailed(ctx, w, total, err)
	}

	r.events.Record(ctx, w.job.ID, EventCompleted, "completed %d items", total)
	r.logger.Info("job completed", "job_id", w.job.ID.String(), "total", total)
	return RunResult{Exit: ExitCompleted, Index: total, State: job.State}, nil
}

// transitionFailed handles a rejected runner-side transition. When the
// operator changed the state underneath, their decision stands.
func (r *Runner) transitionFailed(ctx context.Context, w *walk, index int, err error) (RunResult, error) {
	if errors.Is(err, ErrStaleRunner) {
		return RunResult{Exit: ExitSuperseded, Index: index}, nil
	}
	var te *TransitionError
	if errors.As(err, &te) {
		if cerr := r.checkpoint(ctx, w); cerr != nil && !errors.Is(cerr, ErrStaleRunner) {
			r.logger.Warn("checkpoint after rejected transition failed", "job_id", w.job.ID.String(), "error", cerr)
		}
		return RunResult{Exit: ExitSuspended, Index: index, State: te.From}, nil
	}
	if ctx.Err() != nil {
		return r.interrupt(ctx, w, index)
	}
	return r.fail(ctx, w, index, err)
}

// fail is the best-effort move to failed after a storage error. The
// original error is returned either way.
func (r *Runner) fail(ctx context.Context, w *walk, index int, cause error) (RunResult, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.finalTimeout())
	defer cancel()

	msg := cause.Error()
	t := Transition{
		From:         []State{StateRunning},
		To:           StateFailed,
		Generation:   w.gen,
		Processed:    intPtr(w.processed),
		ErrorMessage: strPtr(msg),
	}
	if _, err := r.store.Transition(wctx, w.job.ID, t); err != nil {
		r.logger.Error("failed to mark job failed", "job_id", w.job.ID.String(), "cause", msg, "error", err)
	} else {
		r.events.Record(wctx, w.job.ID, EventFailed, "job failed at item %d: %s", index, msg)
	}
	r.logger.Error("runner failed", "job_id", w.job.ID.String(), "index", index, "error", cause)
	return RunResult{Exit: ExitFailed, Index: index, State: StateFailed}, fmt.Errorf("run job %s: %w", w.job.ID, cause)
}

func (r *Runner) finalTimeout() time.Duration {
	if r.policy.FinalWriteTimeout > 0 {
		return r.policy.FinalWriteTimeout
	}
	return 5 * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
