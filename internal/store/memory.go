package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"scrapehub/internal/jobs"
)

// Memory is an in-process jobs.Store for tests and single-process dev
// runs. It gives the same atomicity guarantees as the Postgres store by
// serialising every operation behind one mutex.
type Memory struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]jobs.Job
	results map[uuid.UUID]map[int]jobs.Result
	events  map[uuid.UUID][]jobs.Event

	nextResultID int64
	nextEventID  int64
	now          func() time.Time
}

var _ jobs.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[uuid.UUID]jobs.Job),
		results: make(map[uuid.UUID]map[int]jobs.Result),
		events:  make(map[uuid.UUID][]jobs.Event),
		now:     time.Now,
	}
}

// copyJob detaches a job from the map's backing arrays.
func copyJob(j jobs.Job) jobs.Job {
	j.Items = append([]string(nil), j.Items...)
	if j.Stats != nil {
		st := *j.Stats
		if st.Categories != nil {
			cats := make(map[string]jobs.CategoryStats, len(st.Categories))
			for k, v := range st.Categories {
				cats[k] = v
			}
			st.Categories = cats
		}
		j.Stats = &st
	}
	return j
}

func (m *Memory) CreateJob(_ context.Context, job jobs.Job) (jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return jobs.Job{}, fmt.Errorf("%w: %s", jobs.ErrAlreadyExists, job.ID)
	}
	now := m.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	job.Total = len(job.Items)
	job = copyJob(job)
	m.jobs[job.ID] = job
	return copyJob(job), nil
}

func (m *Memory) GetJob(_ context.Context, id uuid.UUID) (jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return copyJob(j), nil
}

func (m *Memory) ListJobs(_ context.Context, f jobs.JobFilter) ([]jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []jobs.Job
	for _, j := range m.jobs {
		if f.State != "" && j.State != f.State {
			continue
		}
		if f.Kind != "" && j.Kind != f.Kind {
			continue
		}
		if f.StatsMissing && j.Stats != nil {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID.String() > out[k].ID.String()
	})
	return page(out, f.Offset, f.Limit), nil
}

func (m *Memory) Transition(_ context.Context, id uuid.UUID, t jobs.Transition) (jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	if err := t.Check(j); err != nil {
		return jobs.Job{}, err
	}
	t.Apply(&j, m.now().UTC())
	m.jobs[id] = j
	return copyJob(j), nil
}

func (m *Memory) SaveProgress(_ context.Context, id uuid.UUID, generation int64, processed, retryCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return jobs.ErrNotFound
	}
	if j.Generation != generation {
		return jobs.ErrStaleRunner
	}
	j.Processed = jobs.ClampProgress(j.Processed, processed, j.Total)
	j.RetryCount = retryCount
	j.UpdatedAt = m.now().UTC()
	m.jobs[id] = j
	return nil
}

func (m *Memory) SaveStats(_ context.Context, id uuid.UUID, stats jobs.Stats, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return jobs.ErrNotFound
	}
	j.Stats = &stats
	j.StatsUpdatedAt = &at
	m.jobs[id] = copyJob(j)
	return nil
}

func (m *Memory) DeleteExpiredJobs(_ context.Context, kind string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, j := range m.jobs {
		if j.Kind != kind || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		switch j.State {
		case jobs.StateCompleted, jobs.StateStopped, jobs.StateFailed:
		default:
			continue
		}
		delete(m.jobs, id)
		delete(m.results, id)
		delete(m.events, id)
		n++
	}
	return n, nil
}

func (m *Memory) ResultOutcome(_ context.Context, jobID uuid.UUID, index int) (jobs.Outcome, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.results[jobID][index]
	if !ok {
		return "", false, nil
	}
	return r.Outcome, true, nil
}

func (m *Memory) InsertResult(_ context.Context, r jobs.Result) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[r.JobID]; !ok {
		return false, jobs.ErrNotFound
	}
	byIndex := m.results[r.JobID]
	if byIndex == nil {
		byIndex = make(map[int]jobs.Result)
		m.results[r.JobID] = byIndex
	}
	if _, ok := byIndex[r.ItemIndex]; ok {
		return false, nil
	}
	m.nextResultID++
	r.ID = m.nextResultID
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now().UTC()
	}
	r.Checks = append([]jobs.Check(nil), r.Checks...)
	byIndex[r.ItemIndex] = r
	return true, nil
}

// sortedResults returns a job's results ordered by item index. Callers
// must hold m.mu.
func (m *Memory) sortedResults(jobID uuid.UUID) []jobs.Result {
	byIndex := m.results[jobID]
	out := make([]jobs.Result, 0, len(byIndex))
	for _, r := range byIndex {
		out = append(out, r)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ItemIndex < out[k].ItemIndex })
	return out
}

func matchResult(r jobs.Result, f jobs.ResultFilter) bool {
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	if f.Category != "" {
		c, ok := r.Check(f.Category)
		if !ok {
			return false
		}
		if f.CategoryOK != nil && c.OK != *f.CategoryOK {
			return false
		}
	}
	if s := strings.ToLower(strings.TrimSpace(f.Search)); s != "" {
		if !strings.Contains(strings.ToLower(r.Item), s) && !strings.Contains(strings.ToLower(r.Error), s) {
			return false
		}
	}
	return true
}

func (m *Memory) ListResults(_ context.Context, jobID uuid.UUID, f jobs.ResultFilter) ([]jobs.Result, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []jobs.Result
	for _, r := range m.sortedResults(jobID) {
		if matchResult(r, f) {
			matched = append(matched, r)
		}
	}
	return page(matched, f.Offset, f.Limit), len(matched), nil
}

// StreamResults snapshots the results first so fn may call back into
// the store.
func (m *Memory) StreamResults(_ context.Context, jobID uuid.UUID, fn func(jobs.Result) error) error {
	m.mu.Lock()
	all := m.sortedResults(jobID)
	m.mu.Unlock()

	for _, r := range all {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) CountResults(_ context.Context, jobID uuid.UUID) (jobs.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := jobs.Stats{Categories: map[string]jobs.CategoryStats{}}
	for _, r := range m.results[jobID] {
		switch r.Outcome {
		case jobs.OutcomeSuccess:
			st.Success++
		case jobs.OutcomeError:
			st.Error++
		}
		for _, c := range r.Checks {
			cs := st.Categories[c.Name]
			if c.OK {
				cs.Success++
			} else {
				cs.Error++
			}
			st.Categories[c.Name] = cs
		}
	}
	return st, nil
}

func (m *Memory) InsertEvent(_ context.Context, e jobs.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[e.JobID]; !ok {
		return jobs.ErrNotFound
	}
	m.nextEventID++
	e.ID = m.nextEventID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now().UTC()
	}
	m.events[e.JobID] = append(m.events[e.JobID], e)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, jobID uuid.UUID) ([]jobs.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]jobs.Event(nil), m.events[jobID]...), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
