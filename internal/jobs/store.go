package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobStore persists job records. Implementations must apply Transition
// and SaveProgress atomically per row so that a stale controller request
// or a superseded runner cannot clobber newer state.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) (Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]Job, error)
	Transition(ctx context.Context, id uuid.UUID, t Transition) (Job, error)
	SaveProgress(ctx context.Context, id uuid.UUID, generation int64, processed, retryCount int) error
	SaveStats(ctx context.Context, id uuid.UUID, stats Stats, at time.Time) error
	DeleteExpiredJobs(ctx context.Context, kind string, cutoff time.Time) (int64, error)
}

// ResultStore persists per-item results. InsertResult must ignore a
// second insert for the same (job, index) and report inserted=false.
type ResultStore interface {
	// ResultOutcome returns the outcome already recorded for an item;
	// found is false when the item has no result yet.
	ResultOutcome(ctx context.Context, jobID uuid.UUID, index int) (outcome Outcome, found bool, err error)
	InsertResult(ctx context.Context, r Result) (inserted bool, err error)
	ListResults(ctx context.Context, jobID uuid.UUID, f ResultFilter) ([]Result, int, error)
	StreamResults(ctx context.Context, jobID uuid.UUID, fn func(Result) error) error
	CountResults(ctx context.Context, jobID uuid.UUID) (Stats, error)
}

// EventStore is the append-only lifecycle log.
type EventStore interface {
	InsertEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, jobID uuid.UUID) ([]Event, error)
}

// Store groups everything the engine needs from persistence.
type Store interface {
	JobStore
	ResultStore
	EventStore
}

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	State        State
	Kind         string
	StatsMissing bool
	Limit        int
	Offset       int
}

// ResultFilter narrows and pages ListResults. Category restricts to
// results carrying a check with that name; CategoryOK additionally
// restricts on the check's ok flag.
type ResultFilter struct {
	Outcome    Outcome
	Category   string
	CategoryOK *bool
	Search     string
	Offset     int
	Limit      int
}

// Transition is a compare-and-swap on a job's state. The update applies
// only when the current state is one of From and, if Generation is
// non-zero, the current generation equals it. Optional fields are
// written alongside the new state.
type Transition struct {
	From           []State
	To             State
	Generation     int64
	BumpGeneration bool

	Processed       *int
	RetryCount      *int
	AutoPauseReason *string
	ErrorMessage    *string
	Completed       bool
}

// Check validates the transition against the job's current row and
// returns ErrStaleRunner or a *TransitionError when it must be rejected.
func (t Transition) Check(j Job) error {
	if t.Generation != 0 && j.Generation != t.Generation {
		return ErrStaleRunner
	}
	for _, s := range t.From {
		if s == j.State {
			return nil
		}
	}
	return &TransitionError{From: j.State, To: t.To}
}

// Apply mutates j as the store would. Callers must have run Check first.
func (t Transition) Apply(j *Job, now time.Time) {
	j.State = t.To
	if t.BumpGeneration {
		j.Generation++
	}
	if t.Processed != nil {
		j.Processed = ClampProgress(j.Processed, *t.Processed, j.Total)
	}
	if t.RetryCount != nil {
		j.RetryCount = *t.RetryCount
	}
	if t.AutoPauseReason != nil {
		j.AutoPauseReason = *t.AutoPauseReason
	}
	if t.ErrorMessage != nil {
		j.ErrorMessage = *t.ErrorMessage
	}
	if t.Completed {
		at := now
		j.CompletedAt = &at
	}
	j.UpdatedAt = now
}

// ClampProgress keeps processed monotonic and within [0, total].
func ClampProgress(current, next, total int) int {
	if next > total {
		next = total
	}
	if next < current {
		return current
	}
	return next
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }
