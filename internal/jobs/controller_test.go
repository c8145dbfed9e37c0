package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"scrapehub/internal/jobs"
)

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ok, testPolicy(), nil)

	if _, err := h.ctrl.Submit(ctx, "test", nil); !errors.Is(err, jobs.ErrEmptyItems) {
		t.Fatalf("expected ErrEmptyItems, got %v", err)
	}
	if _, err := h.ctrl.Submit(ctx, "nope", []string{"a"}); !errors.Is(err, jobs.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if list, _ := h.ctrl.List(ctx, jobs.JobFilter{}); len(list) != 0 {
		t.Fatalf("rejected submissions must not create jobs, got %d", len(list))
	}
}

func TestIllegalTransitionsAreRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ok, testPolicy(), nil)
	job, _ := h.ctrl.Submit(ctx, "test", []string{"a"})

	if _, err := h.ctrl.Resume(ctx, job.ID); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("resume of running job: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := h.runner.Run(ctx, job.ID, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	before := h.job(t, job.ID)

	if _, err := h.ctrl.Pause(ctx, job.ID); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("pause of completed job: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := h.ctrl.Stop(ctx, job.ID); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("stop of completed job: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := h.ctrl.Resume(ctx, job.ID); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("resume of completed job: expected ErrInvalidTransition, got %v", err)
	}

	after := h.job(t, job.ID)
	if after.State != before.State || after.Generation != before.Generation || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("rejected transitions changed the job")
	}
	if _, err := h.ctrl.Pause(ctx, uuid.New()); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompletionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ok, testPolicy(), nil)
	job, _ := h.ctrl.Submit(ctx, "test", []string{"a", "b"})

	if _, err := h.runner.Run(ctx, job.ID, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	first := h.job(t, job.ID)

	res, err := h.runner.Run(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Exit != jobs.ExitSuspended {
		t.Fatalf("expected second run to do nothing, got %+v", res)
	}
	second := h.job(t, job.ID)
	if !second.CompletedAt.Equal(*first.CompletedAt) || second.Processed != 2 {
		t.Fatalf("second run changed a completed job")
	}
	if countType(h.eventTypes(t, job.ID), jobs.EventCompleted) != 1 {
		t.Fatalf("expected exactly one completed event")
	}
}

func adsChecks(adsStatus, appStatus int) []jobs.Check {
	def := func(code int) bool { return code == 200 || code == 404 }
	return []jobs.Check{
		{Name: "ads_txt", OK: adsStatus == 200, Definitive: def(adsStatus)},
		{Name: "app_ads_txt", OK: appStatus == 200, Definitive: def(appStatus)},
	}
}

func TestRetryFailedItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(ctx context.Context, item string) (*jobs.ItemOutput, error) {
		switch item {
		case "fail":
			return nil, errItem
		case "flaky":
			return &jobs.ItemOutput{Checks: adsChecks(200, 503)}, nil
		case "missing":
			return &jobs.ItemOutput{Checks: adsChecks(404, 404)}, nil
		}
		return &jobs.ItemOutput{Checks: adsChecks(200, 200)}, nil
	}, testPolicy(), nil)

	items := []string{"ok", "fail", "flaky", "missing", "fine"}
	job, _ := h.ctrl.Submit(ctx, "test", items)

	if _, err := h.runner.Run(ctx, job.ID, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	src := h.job(t, job.ID)
	if src.State != jobs.StateCompleted {
		t.Fatalf("expected completed source job, got %s", src.State)
	}

	plan, err := h.ctrl.RetryFailedItems(ctx, job.ID, jobs.RetryOptions{DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if plan.Job != nil {
		t.Fatalf("dry run must not create a job")
	}
	want := []string{"fail", "flaky"}
	if len(plan.Items) != len(want) || plan.Items[0] != want[0] || plan.Items[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, plan.Items)
	}

	plan, err = h.ctrl.RetryFailedItems(ctx, job.ID, jobs.RetryOptions{})
	if err != nil {
		t.Fatalf("RetryFailedItems: %v", err)
	}
	if plan.Job == nil || plan.Job.SourceJobID == nil || *plan.Job.SourceJobID != job.ID {
		t.Fatalf("expected new job linked to source, got %+v", plan.Job)
	}
	if plan.Job.State != jobs.StateRunning || plan.Job.Total != 2 {
		t.Fatalf("unexpected retry job: %+v", plan.Job)
	}
}

func TestRetryFailedItemsIncludesUnprocessed(t *testing.T) {
	ctx := context.Background()
	var (
		h  *harness
		id uuid.UUID
	)
	h = newHarness(t, func(ctx context.Context, item string) (*jobs.ItemOutput, error) {
		if item == "b" {
			_, _ = h.ctrl.Stop(ctx, id)
		}
		return &jobs.ItemOutput{Checks: adsChecks(200, 200)}, nil
	}, testPolicy(), nil)

	job, _ := h.ctrl.Submit(ctx, "test", []string{"a", "b", "c", "d"})
	id = job.ID
	if _, err := h.runner.Run(ctx, id, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	plan, err := h.ctrl.RetryFailedItems(ctx, id, jobs.RetryOptions{
		DryRun:       true,
		IsDefinitive: func(r jobs.Result) bool { return r.Outcome == jobs.OutcomeSuccess },
	})
	if err != nil {
		t.Fatalf("RetryFailedItems: %v", err)
	}
	if len(plan.Items) != 2 || plan.Items[0] != "c" || plan.Items[1] != "d" {
		t.Fatalf("expected unprocessed items c,d, got %v", plan.Items)
	}
}

func TestStatusRecomputesStaleStats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(ctx context.Context, item string) (*jobs.ItemOutput, error) {
		if item == "b" {
			return nil, errItem
		}
		return &jobs.ItemOutput{Checks: adsChecks(200, 404)}, nil
	}, testPolicy(), nil)

	job, _ := h.ctrl.Submit(ctx, "test", []string{"a", "b", "c"})
	snap, err := h.ctrl.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.Stats.Success != 0 || snap.Stats.Error != 0 {
		t.Fatalf("expected empty stats before run, got %+v", snap.Stats)
	}

	if _, err := h.runner.Run(ctx, job.ID, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap, err = h.ctrl.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.Stats.Success != 2 || snap.Stats.Error != 1 {
		t.Fatalf("expected stats recomputed after completion, got %+v", snap.Stats)
	}
	if c := snap.Stats.Categories["app_ads_txt"]; c.Success != 0 || c.Error != 2 {
		t.Fatalf("unexpected app_ads_txt stats: %+v", c)
	}
	if snap.Job.Progress() != 100 {
		t.Fatalf("expected 100%% progress, got %d", snap.Job.Progress())
	}

	stored := h.job(t, job.ID)
	if stored.Stats == nil || stored.StatsUpdatedAt == nil {
		t.Fatalf("expected stats persisted on the job")
	}
}

func TestRecoverStuck(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ok, testPolicy(), nil)

	stuck, _ := h.ctrl.Submit(ctx, "test", []string{"a", "b"})
	live, _ := h.ctrl.Submit(ctx, "test", []string{"a", "b"})
	if err := h.store.SaveProgress(ctx, stuck.ID, stuck.Generation, 2, 0); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}

	fixed, err := h.ctrl.RecoverStuck(ctx)
	if err != nil {
		t.Fatalf("RecoverStuck: %v", err)
	}
	if len(fixed) != 1 || fixed[0] != stuck.ID {
		t.Fatalf("expected only the stuck job fixed, got %v", fixed)
	}
	if got := h.job(t, stuck.ID); got.State != jobs.StateCompleted || got.CompletedAt == nil {
		t.Fatalf("expected stuck job completed, got %s", got.State)
	}
	if got := h.job(t, live.ID); got.State != jobs.StateRunning {
		t.Fatalf("expected live job untouched, got %s", got.State)
	}
}

func TestBackfillStats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ok, testPolicy(), nil)
	a, _ := h.ctrl.Submit(ctx, "test", []string{"x"})
	b, _ := h.ctrl.Submit(ctx, "test", []string{"y"})
	_, _ = h.runner.Run(ctx, a.ID, 0)
	_, _ = h.runner.Run(ctx, b.ID, 0)

	if err := h.store.SaveStats(ctx, a.ID, jobs.Stats{Success: 1}, time.Now()); err != nil {
		t.Fatalf("SaveStats: %v", err)
	}

	n, err := h.ctrl.BackfillStats(ctx, false)
	if err != nil || n != 1 {
		t.Fatalf("expected one missing job backfilled, got %d err=%v", n, err)
	}
	n, err = h.ctrl.BackfillStats(ctx, true)
	if err != nil || n != 2 {
		t.Fatalf("expected all jobs backfilled, got %d err=%v", n, err)
	}
	if got := h.job(t, b.ID); got.Stats == nil || got.Stats.Success != 1 {
		t.Fatalf("expected stats on job b, got %+v", got.Stats)
	}
}

func TestResultsAndEventsAreJobScoped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ok, testPolicy(), nil)

	if _, _, err := h.ctrl.Results(ctx, uuid.New(), jobs.ResultFilter{}); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for results of unknown job, got %v", err)
	}
	if _, err := h.ctrl.Events(ctx, uuid.New()); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for events of unknown job, got %v", err)
	}

	a, _ := h.ctrl.Submit(ctx, "test", []string{"a1", "a2"})
	b, _ := h.ctrl.Submit(ctx, "test", []string{"b1"})
	_, _ = h.runner.Run(ctx, a.ID, 0)
	_, _ = h.runner.Run(ctx, b.ID, 0)

	rs, total, err := h.ctrl.Results(ctx, b.ID, jobs.ResultFilter{})
	if err != nil || total != 1 || rs[0].Item != "b1" {
		t.Fatalf("expected only job b's result, got %v total=%d err=%v", rs, total, err)
	}

	var exported []string
	if _, err := h.ctrl.Export(ctx, a.ID, func(r jobs.Result) error {
		exported = append(exported, r.Item)
		return nil
	}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(exported) != 2 || exported[0] != "a1" || exported[1] != "a2" {
		t.Fatalf("unexpected export order: %v", exported)
	}
}
