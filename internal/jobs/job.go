package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job is one execution of a bulk item-processing request. Items is
// write-once; Processed is the resumption offset and never decreases.
type Job struct {
	ID              uuid.UUID  `json:"id"`
	Kind            string     `json:"kind"`
	State           State      `json:"state"`
	Items           []string   `json:"items,omitempty"`
	Total           int        `json:"total"`
	Processed       int        `json:"processed"`
	RetryCount      int        `json:"retryCount"`
	AutoPauseReason string     `json:"autoPauseReason,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	Generation      int64      `json:"generation"`
	SourceJobID     *uuid.UUID `json:"sourceJobId,omitempty"`
	Stats           *Stats     `json:"stats,omitempty"`
	StatsUpdatedAt  *time.Time `json:"statsUpdatedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// Progress returns the processed share of the job as a whole percentage.
func (j Job) Progress() int {
	if j.Total == 0 {
		return 0
	}
	return j.Processed * 100 / j.Total
}

// Outcome is the terminal result of processing one item.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Check is one named sub-result of an item, for example the ads.txt and
// app-ads.txt lookups performed for a single site. Definitive marks
// answers that will not change on retry (a 404 is as final as a 200).
type Check struct {
	Name       string `json:"name"`
	OK         bool   `json:"ok"`
	Definitive bool   `json:"definitive"`
	Status     string `json:"status,omitempty"`
}

// Result is the persisted outcome for one item of a job. There is at
// most one Result per (JobID, ItemIndex).
type Result struct {
	ID        int64           `json:"id"`
	JobID     uuid.UUID       `json:"jobId"`
	ItemIndex int             `json:"itemIndex"`
	Item      string          `json:"item"`
	Outcome   Outcome         `json:"outcome"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Checks    []Check         `json:"checks,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Check returns the named check, if the result carries one.
func (r Result) Check(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// DefinitiveSuccess reports whether r needs no retry: the item succeeded
// and every check it carries holds a definitive answer.
func DefinitiveSuccess(r Result) bool {
	if r.Outcome != OutcomeSuccess {
		return false
	}
	for _, c := range r.Checks {
		if !c.Definitive {
			return false
		}
	}
	return true
}

// Event is one entry of the append-only job lifecycle log.
type Event struct {
	ID        int64     `json:"id"`
	JobID     uuid.UUID `json:"jobId"`
	Type      EventType `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// CategoryStats counts successes and errors for one check name.
type CategoryStats struct {
	Success int `json:"success"`
	Error   int `json:"error"`
}

// Stats are derived counters over a job's results. They are a cache and
// can always be rebuilt from the result rows.
type Stats struct {
	Success    int                      `json:"success"`
	Error      int                      `json:"error"`
	Categories map[string]CategoryStats `json:"categories,omitempty"`
}

// ItemOutput is what an ItemProcessor returns for a successful item.
// Payload is stored as JSON.
type ItemOutput struct {
	Payload any
	Checks  []Check
}

// newJobID prefers a time-ordered uuidv7 and falls back to v4.
func newJobID() uuid.UUID {
	if id, err := uuid.NewV7(); err == nil {
		return id
	}
	return uuid.New()
}
