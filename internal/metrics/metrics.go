package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for HTTP requests and the job engine.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	itemsTotal     = make(map[itemKey]int64)
	eventsTotal    = make(map[string]int64)
	runnerExits    = make(map[string]int64)
	runnersActive  int64
	statsRecompute int64

	retentionJobsDeleted = make(map[string]int64)
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type itemKey struct {
	Kind    string
	Outcome string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordItem counts one processed item by job kind and outcome.
func RecordItem(kind, outcome string) {
	mu.Lock()
	defer mu.Unlock()
	itemsTotal[itemKey{Kind: kind, Outcome: outcome}]++
}

// RecordJobEvent counts lifecycle events by type.
func RecordJobEvent(eventType string) {
	mu.Lock()
	defer mu.Unlock()
	eventsTotal[eventType]++
}

// RunnerStarted and RunnerExited track live runners and why they stop.
func RunnerStarted() {
	mu.Lock()
	defer mu.Unlock()
	runnersActive++
}

func RunnerExited(reason string) {
	mu.Lock()
	defer mu.Unlock()
	runnersActive--
	runnerExits[reason]++
}

// RecordStatsRecompute counts statistics cache refreshes.
func RecordStatsRecompute() {
	mu.Lock()
	defer mu.Unlock()
	statsRecompute++
}

// RecordRetentionJobs increments the counter of jobs deleted by TTL for
// a given job kind.
func RecordRetentionJobs(kind string, deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionJobsDeleted[kind] += deleted
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP scrapehub_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE scrapehub_http_requests_total counter\n")

	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})
	for _, k := range reqKeys {
		fmt.Fprintf(&b, "scrapehub_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	b.WriteString("# HELP scrapehub_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE scrapehub_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP scrapehub_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE scrapehub_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})
	for _, k := range latKeys {
		fmt.Fprintf(&b, "scrapehub_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "scrapehub_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	b.WriteString("# HELP scrapehub_job_items_total Items processed by job kind and outcome\n")
	b.WriteString("# TYPE scrapehub_job_items_total counter\n")

	var itemKeys []itemKey
	for k := range itemsTotal {
		itemKeys = append(itemKeys, k)
	}
	sort.Slice(itemKeys, func(i, j int) bool {
		if itemKeys[i].Kind != itemKeys[j].Kind {
			return itemKeys[i].Kind < itemKeys[j].Kind
		}
		return itemKeys[i].Outcome < itemKeys[j].Outcome
	})
	for _, k := range itemKeys {
		fmt.Fprintf(&b, "scrapehub_job_items_total{kind=\"%s\",outcome=\"%s\"} %d\n",
			k.Kind, k.Outcome, itemsTotal[k])
	}

	writeLabeled(&b, "scrapehub_job_events_total", "Job lifecycle events by type", "type", eventsTotal)
	writeLabeled(&b, "scrapehub_runner_exits_total", "Runner exits by reason", "reason", runnerExits)

	b.WriteString("# HELP scrapehub_runners_active Runners currently walking a job\n")
	b.WriteString("# TYPE scrapehub_runners_active gauge\n")
	fmt.Fprintf(&b, "scrapehub_runners_active %d\n", runnersActive)

	b.WriteString("# HELP scrapehub_stats_recompute_total Statistics cache recomputations\n")
	b.WriteString("# TYPE scrapehub_stats_recompute_total counter\n")
	fmt.Fprintf(&b, "scrapehub_stats_recompute_total %d\n", statsRecompute)

	writeLabeled(&b, "scrapehub_retention_jobs_deleted_total", "Total jobs deleted by TTL", "kind", retentionJobsDeleted)

	return b.String()
}

func writeLabeled(b *strings.Builder, name, help, label string, values map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=\"%s\"} %d\n", name, label, k, values[k])
	}
}
