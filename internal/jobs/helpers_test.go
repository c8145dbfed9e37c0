package jobs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"scrapehub/internal/jobs"
	"scrapehub/internal/lease"
	"scrapehub/internal/store"
)

type registry map[string]jobs.ItemProcessor

func (r registry) Lookup(kind string) (jobs.ItemProcessor, bool) {
	p, ok := r[kind]
	return p, ok
}

// calls counts processor invocations per item.
type calls struct {
	mu sync.Mutex
	n  map[string]int
}

func newCalls() *calls { return &calls{n: make(map[string]int)} }

func (c *calls) add(item string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[item]++
}

func (c *calls) get(item string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[item]
}

// recordedSleep captures backoff durations without waiting.
type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type harness struct {
	store  *store.Memory
	ctrl   *jobs.Controller
	runner *jobs.Runner
	sleep  *recordedSleep
	calls  *calls
}

func testPolicy() jobs.Policy {
	p := jobs.DefaultPolicy()
	p.LeasePoll = 5 * time.Millisecond
	p.ItemTimeout = time.Second
	return p
}

// newHarness wires a controller and runner over an in-memory store. wrap,
// when set, decorates the store the engine sees.
func newHarness(t *testing.T, proc jobs.ProcessorFunc, policy jobs.Policy, wrap func(*store.Memory) jobs.Store) *harness {
	t.Helper()
	mem := store.NewMemory()
	var st jobs.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	h := &harness{store: mem, sleep: &recordedSleep{}, calls: newCalls()}

	wrapped := jobs.ProcessorFunc(func(ctx context.Context, item string) (*jobs.ItemOutput, error) {
		h.calls.add(item)
		return proc(ctx, item)
	})
	procs := registry{"test": wrapped}
	events := jobs.NewEventLog(st, nil, nil)

	h.runner = jobs.NewRunner(st, events, procs, lease.NewLocal(), policy, nil, jobs.WithSleep(h.sleep.sleep))
	h.ctrl = jobs.NewController(st, events, jobs.NewStatsCache(st, time.Minute), procs, nil, nil)
	return h
}

func (h *harness) job(t *testing.T, id uuid.UUID) jobs.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return j
}

func (h *harness) eventTypes(t *testing.T, id uuid.UUID) []jobs.EventType {
	t.Helper()
	evs, err := h.store.ListEvents(context.Background(), id)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	out := make([]jobs.EventType, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func (h *harness) results(t *testing.T, id uuid.UUID) []jobs.Result {
	t.Helper()
	rs, _, err := h.store.ListResults(context.Background(), id, jobs.ResultFilter{})
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	return rs
}

func ok(context.Context, string) (*jobs.ItemOutput, error) {
	return &jobs.ItemOutput{Payload: map[string]string{"status": "ok"}}, nil
}

var errItem = errors.New("item failed")

func countType(types []jobs.EventType, want jobs.EventType) int {
	n := 0
	for _, typ := range types {
		if typ == want {
			n++
		}
	}
	return n
}
