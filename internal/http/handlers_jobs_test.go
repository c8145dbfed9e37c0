package http

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"scrapehub/internal/config"
	"scrapehub/internal/jobs"
	"scrapehub/internal/store"
)

type kinds map[string]bool

func (k kinds) Lookup(kind string) (jobs.ItemProcessor, bool) {
	if !k[kind] {
		return nil, false
	}
	return jobs.ProcessorFunc(func(ctx context.Context, item string) (*jobs.ItemOutput, error) {
		return &jobs.ItemOutput{Payload: item}, nil
	}), true
}

type testEnv struct {
	app   *fiber.App
	store *store.Memory
	ctrl  *jobs.Controller
}

// newTestEnv serves the API over an in-memory store. No dispatcher is
// wired, so submitted jobs stay running until a test moves them.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg, err := config.Decode(strings.NewReader(""))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Auth.Enabled = false

	st := store.NewMemory()
	ctrl := jobs.NewController(st, nil, nil, kinds{"adstxt": true}, nil, nil)
	srv := NewServer(cfg, Deps{Controller: ctrl}, nil)
	return &testEnv{app: srv.App(), store: st, ctrl: ctrl}
}

func (e *testEnv) do(t *testing.T, method, target, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (e *testEnv) submit(t *testing.T, items ...string) uuid.UUID {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"kind": "adstxt", "items": items})
	resp, data := e.do(t, http.MethodPost, "/v1/jobs", string(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d: %s", resp.StatusCode, data)
	}
	var out SubmitJobResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode submit: %v", err)
	}
	if !out.Success || !strings.HasSuffix(out.URL, "/v1/jobs/"+out.ID) {
		t.Fatalf("unexpected submit response: %+v", out)
	}
	return uuid.MustParse(out.ID)
}

func TestSubmitJobValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		body string
		code string
	}{
		{`{"kind":"adstxt","items":[]}`, "EMPTY_ITEMS"},
		{`{"kind":"adstxt","items":["  ", ""]}`, "EMPTY_ITEMS"},
		{`{"kind":"ecommerce","items":["a"]}`, "UNKNOWN_KIND"},
		{`{"kind":"adstxt","urls":42}`, "BAD_REQUEST"},
		{`not json`, "BAD_REQUEST"},
	}
	for _, tc := range cases {
		resp, data := env.do(t, http.MethodPost, "/v1/jobs", tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.body, resp.StatusCode)
		}
		var er ErrorResponse
		_ = json.Unmarshal(data, &er)
		if er.Success || er.Code != tc.code {
			t.Fatalf("%s: expected code %s, got %+v", tc.body, tc.code, er)
		}
	}
}

func TestSubmitAcceptsNewlineSeparatedURLs(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodPost, "/v1/jobs", `{"kind":"adstxt","urls":"a.com\n\n b.com \n"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	var out SubmitJobResponse
	_ = json.Unmarshal(data, &out)

	job, err := env.store.GetJob(context.Background(), uuid.MustParse(out.ID))
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Total != 2 || job.Items[0] != "a.com" || job.Items[1] != "b.com" {
		t.Fatalf("unexpected items: %v", job.Items)
	}
}

func TestJobLifecycleActions(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "a.com", "b.com")
	base := "/v1/jobs/" + id.String()

	steps := []struct {
		action string
		status int
		state  jobs.State
	}{
		{"pause", http.StatusOK, jobs.StatePaused},
		{"pause", http.StatusBadRequest, ""},
		{"resume", http.StatusOK, jobs.StateRunning},
		{"stop", http.StatusOK, jobs.StateStopped},
		{"resume", http.StatusBadRequest, ""},
		{"stop", http.StatusBadRequest, ""},
	}
	for i, s := range steps {
		resp, data := env.do(t, http.MethodPost, base+"/"+s.action, "")
		if resp.StatusCode != s.status {
			t.Fatalf("step %d (%s): expected %d, got %d: %s", i, s.action, s.status, resp.StatusCode, data)
		}
		if s.status != http.StatusOK {
			var er ErrorResponse
			_ = json.Unmarshal(data, &er)
			if er.Code != "INVALID_TRANSITION" {
				t.Fatalf("step %d: expected INVALID_TRANSITION, got %+v", i, er)
			}
			continue
		}
		var out JobActionResponse
		_ = json.Unmarshal(data, &out)
		if !out.Success || out.Status != s.state {
			t.Fatalf("step %d: unexpected response %+v", i, out)
		}
	}
}

func TestJobNotFoundAndInvalidID(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/v1/jobs/not-a-uuid", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	missing := "/v1/jobs/" + uuid.New().String()
	for _, target := range []string{missing, missing + "/results", missing + "/events", missing + "/export"} {
		resp, _ := env.do(t, http.MethodGet, target, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", target, resp.StatusCode)
		}
	}
	resp, _ = env.do(t, http.MethodPost, missing+"/pause", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on pause of unknown job, got %d", resp.StatusCode)
	}
}

// seedResults records one success and one error for a two-item job.
func seedResults(t *testing.T, env *testEnv, id uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	ok := jobs.Result{
		JobID: id, ItemIndex: 0, Item: "a.com", Outcome: jobs.OutcomeSuccess,
		Payload: json.RawMessage(`{"homepage_url":"https://a.com/"}`),
		Checks: []jobs.Check{
			{Name: "ads_txt", OK: true, Definitive: true, Status: "OK"},
			{Name: "app_ads_txt", Definitive: true, Status: "HTTP 404"},
		},
	}
	bad := jobs.Result{JobID: id, ItemIndex: 1, Item: "b.com", Outcome: jobs.OutcomeError, Error: "Timeout"}
	for _, r := range []jobs.Result{ok, bad} {
		if _, err := env.store.InsertResult(ctx, r); err != nil {
			t.Fatalf("InsertResult: %v", err)
		}
	}
}

func TestJobDetailIncludesStats(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "a.com", "b.com")
	seedResults(t, env, id)

	resp, data := env.do(t, http.MethodGet, "/v1/jobs/"+id.String()+"?items=true", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out JobDetailResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Job.State != jobs.StateRunning || out.Job.Total != 2 || len(out.Job.Items) != 2 {
		t.Fatalf("unexpected job: %+v", out.Job)
	}
	if out.Job.Stats == nil || out.Job.Stats.Success != 1 || out.Job.Stats.Error != 1 {
		t.Fatalf("unexpected stats: %+v", out.Job.Stats)
	}
	if out.Job.Stats.Categories["ads_txt"].Success != 1 {
		t.Fatalf("unexpected category stats: %+v", out.Job.Stats.Categories)
	}
}

func TestJobResultsFiltersAndPaging(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "a.com", "b.com")
	seedResults(t, env, id)
	base := "/v1/jobs/" + id.String() + "/results"

	get := func(query string) JobResultsResponse {
		t.Helper()
		resp, data := env.do(t, http.MethodGet, base+query, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", query, resp.StatusCode, data)
		}
		var out JobResultsResponse
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out
	}

	if out := get(""); out.Total != 2 || len(out.Results) != 2 || out.Page != 1 {
		t.Fatalf("unexpected unfiltered page: %+v", out)
	}
	if out := get("?outcome=error"); out.Total != 1 || out.Results[0].Item != "b.com" {
		t.Fatalf("unexpected outcome filter: %+v", out)
	}
	if out := get("?category=app_ads_txt&categoryOk=false"); out.Total != 1 || out.Results[0].Item != "a.com" {
		t.Fatalf("unexpected category filter: %+v", out)
	}
	if out := get("?page=2&pageSize=1"); out.Total != 2 || len(out.Results) != 1 || out.Results[0].ItemIndex != 1 {
		t.Fatalf("unexpected second page: %+v", out)
	}

	for _, bad := range []string{"?outcome=maybe", "?page=0", "?categoryOk=perhaps"} {
		resp, _ := env.do(t, http.MethodGet, base+bad, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", bad, resp.StatusCode)
		}
	}
}

func TestRetryFailedEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "a.com", "b.com", "c.com")
	seedResults(t, env, id)
	base := "/v1/jobs/" + id.String() + "/retry-failed"

	resp, data := env.do(t, http.MethodPost, base+"?dryRun=true", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var dry RetryFailedResponse
	_ = json.Unmarshal(data, &dry)
	// b.com failed and c.com never ran.
	if dry.Count != 2 || dry.ID != "" || len(dry.Items) != 2 {
		t.Fatalf("unexpected dry run: %+v", dry)
	}

	resp, data = env.do(t, http.MethodPost, base, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var real RetryFailedResponse
	_ = json.Unmarshal(data, &real)
	if real.Count != 2 || real.ID == "" {
		t.Fatalf("unexpected retry: %+v", real)
	}
	retry, err := env.store.GetJob(context.Background(), uuid.MustParse(real.ID))
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if retry.SourceJobID == nil || *retry.SourceJobID != id {
		t.Fatalf("expected retry to reference source job")
	}
}

func TestJobEventsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "a.com")
	env.do(t, http.MethodPost, "/v1/jobs/"+id.String()+"/pause", "")

	resp, data := env.do(t, http.MethodGet, "/v1/jobs/"+id.String()+"/events", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out JobEventsResponse
	_ = json.Unmarshal(data, &out)
	if len(out.Events) != 2 || out.Events[0].Type != jobs.EventStarted || out.Events[1].Type != jobs.EventPaused {
		t.Fatalf("unexpected events: %+v", out.Events)
	}
}

func TestJobExportCSVAndJSON(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "a.com", "b.com")
	seedResults(t, env, id)
	base := "/v1/jobs/" + id.String() + "/export"

	resp, data := env.do(t, http.MethodGet, base+"?format=csv", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/csv") {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	wantHeader := "item_index,item,outcome,error,ads_txt_ok,ads_txt_status,app_ads_txt_ok,app_ads_txt_status,payload"
	if got := strings.Join(rows[0], ","); got != wantHeader {
		t.Fatalf("header = %s", got)
	}
	if rows[1][4] != "true" || rows[1][7] != "HTTP 404" || rows[2][3] != "Timeout" {
		t.Fatalf("unexpected rows: %v", rows[1:])
	}

	resp, data = env.do(t, http.MethodGet, base, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var results []jobs.Result
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("decode json export: %v (%s)", err, data)
	}
	if len(results) != 2 || results[0].Item != "a.com" {
		t.Fatalf("unexpected json export: %+v", results)
	}

	resp, _ = env.do(t, http.MethodGet, base+"?format=xml", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", resp.StatusCode)
	}
}

func TestJobsListFilters(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, "a.com")
	env.submit(t, "b.com")
	env.do(t, http.MethodPost, "/v1/jobs/"+a.String()+"/pause", "")

	resp, data := env.do(t, http.MethodGet, "/v1/jobs?state=paused", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out ListJobsResponse
	_ = json.Unmarshal(data, &out)
	if len(out.Jobs) != 1 || out.Jobs[0].ID != a.String() {
		t.Fatalf("unexpected list: %+v", out.Jobs)
	}

	for _, bad := range []string{"?state=sleeping", "?limit=0", "?offset=-1"} {
		resp, _ := env.do(t, http.MethodGet, "/v1/jobs"+bad, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", bad, resp.StatusCode)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/healthz?deep=true", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	env.submit(t, "a.com")
	resp, data := env.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "scrapehub_") {
		t.Fatalf("unexpected metrics response: %d %s", resp.StatusCode, data)
	}
}

func TestPreviewRunsProcessorWithoutPersisting(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodPost, "/v1/preview", `{"kind":"adstxt","item":" example.com "}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	var out PreviewResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Success || out.Item != "example.com" || out.Data != "example.com" {
		t.Fatalf("unexpected preview response: %+v", out)
	}

	list, err := env.ctrl.List(context.Background(), jobs.JobFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("preview must not create jobs, found %d", len(list))
	}

	for body, code := range map[string]string{
		`{"kind":"ecommerce","item":"a"}`: "UNKNOWN_KIND",
		`{"kind":"adstxt","item":"  "}`:   "BAD_REQUEST",
		`{"item":"a"}`:                    "BAD_REQUEST",
	} {
		resp, data := env.do(t, http.MethodPost, "/v1/preview", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, resp.StatusCode)
		}
		var er ErrorResponse
		_ = json.Unmarshal(data, &er)
		if er.Code != code {
			t.Fatalf("%s: expected %s, got %+v", body, code, er)
		}
	}
}

func TestJobExportCSVIncludesChecksAddedAfterCachedStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.submit(t, "a.com", "b.com", "c.com")

	// Cache stats while no result carries a check.
	bad := jobs.Result{JobID: id, ItemIndex: 0, Item: "a.com", Outcome: jobs.OutcomeError, Error: "Timeout"}
	if _, err := env.store.InsertResult(ctx, bad); err != nil {
		t.Fatalf("InsertResult: %v", err)
	}
	if _, err := env.ctrl.Status(ctx, id); err != nil {
		t.Fatalf("Status: %v", err)
	}

	good := jobs.Result{
		JobID: id, ItemIndex: 1, Item: "b.com", Outcome: jobs.OutcomeSuccess,
		Checks: []jobs.Check{{Name: "ads_txt", OK: true, Definitive: true, Status: "OK"}},
	}
	if _, err := env.store.InsertResult(ctx, good); err != nil {
		t.Fatalf("InsertResult: %v", err)
	}

	resp, data := env.do(t, http.MethodGet, "/v1/jobs/"+id.String()+"/export?format=csv", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	wantHeader := "item_index,item,outcome,error,ads_txt_ok,ads_txt_status,payload"
	if got := strings.Join(rows[0], ","); got != wantHeader {
		t.Fatalf("header = %s", got)
	}
	if len(rows) != 3 || rows[2][4] != "true" || rows[2][5] != "OK" {
		t.Fatalf("unexpected rows: %v", rows[1:])
	}
}
