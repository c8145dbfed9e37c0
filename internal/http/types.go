package http

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"scrapehub/internal/jobs"
)

// ErrorResponse is the error envelope shared by every endpoint.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// SubmitJobRequest accepts items as a list. urls is accepted as an alias,
// either as a list or as one newline-separated string.
type SubmitJobRequest struct {
	Kind  string          `json:"kind"`
	Items []string        `json:"items"`
	URLs  json.RawMessage `json:"urls,omitempty"`
}

type SubmitJobResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	URL     string `json:"url"`
}

type JobItem struct {
	ID              string      `json:"id"`
	Kind            string      `json:"kind"`
	State           jobs.State  `json:"state"`
	Processed       int         `json:"processed"`
	Total           int         `json:"total"`
	Progress        int         `json:"progress"`
	RetryCount      int         `json:"retryCount"`
	AutoPauseReason string      `json:"autoPauseReason,omitempty"`
	ErrorMessage    string      `json:"errorMessage,omitempty"`
	SourceJobID     string      `json:"sourceJobId,omitempty"`
	Stats           *jobs.Stats `json:"stats,omitempty"`
	StatsUpdatedAt  *time.Time  `json:"statsUpdatedAt,omitempty"`
	Items           []string    `json:"items,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	CompletedAt     *time.Time  `json:"completedAt,omitempty"`
}

type ListJobsResponse struct {
	Success bool      `json:"success"`
	Jobs    []JobItem `json:"jobs"`
}

type JobDetailResponse struct {
	Success bool     `json:"success"`
	Job     *JobItem `json:"job"`
}

type JobActionResponse struct {
	Success bool       `json:"success"`
	Status  jobs.State `json:"status"`
}

type RetryFailedResponse struct {
	Success bool     `json:"success"`
	ID      string   `json:"id,omitempty"`
	Count   int      `json:"count"`
	DryRun  bool     `json:"dryRun,omitempty"`
	Items   []string `json:"items,omitempty"`
}

type JobResultsResponse struct {
	Success  bool          `json:"success"`
	Results  []jobs.Result `json:"results"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"pageSize"`
}

type JobEventsResponse struct {
	Success bool         `json:"success"`
	Events  []jobs.Event `json:"events"`
}

func toJobItem(j jobs.Job, withItems bool) JobItem {
	item := JobItem{
		ID:              j.ID.String(),
		Kind:            j.Kind,
		State:           j.State,
		Processed:       j.Processed,
		Total:           j.Total,
		Progress:        j.Progress(),
		RetryCount:      j.RetryCount,
		AutoPauseReason: j.AutoPauseReason,
		ErrorMessage:    j.ErrorMessage,
		Stats:           j.Stats,
		StatsUpdatedAt:  j.StatsUpdatedAt,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		CompletedAt:     j.CompletedAt,
	}
	if j.SourceJobID != nil {
		item.SourceJobID = j.SourceJobID.String()
	}
	if withItems {
		item.Items = j.Items
	}
	return item
}

// jobError writes err as an error envelope, mapping engine sentinels to
// HTTP statuses.
func jobError(c *fiber.Ctx, err error) error {
	status, code := fiber.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		status, code = fiber.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, jobs.ErrInvalidTransition):
		status, code = fiber.StatusBadRequest, "INVALID_TRANSITION"
	case errors.Is(err, jobs.ErrEmptyItems):
		status, code = fiber.StatusBadRequest, "EMPTY_ITEMS"
	case errors.Is(err, jobs.ErrUnknownKind):
		status, code = fiber.StatusBadRequest, "UNKNOWN_KIND"
	case errors.Is(err, jobs.ErrStaleRunner), errors.Is(err, jobs.ErrLeaseHeld):
		status, code = fiber.StatusConflict, "CONFLICT"
	}
	return c.Status(status).JSON(ErrorResponse{
		Success: false,
		Code:    code,
		Error:   err.Error(),
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Success: false,
		Code:    "BAD_REQUEST",
		Error:   msg,
	})
}

// PreviewRequest is the body of POST /v1/preview.
type PreviewRequest struct {
	Kind string `json:"kind"`
	Item string `json:"item"`
}

type PreviewResponse struct {
	Success bool         `json:"success"`
	Kind    string       `json:"kind"`
	Item    string       `json:"item"`
	Checks  []jobs.Check `json:"checks,omitempty"`
	Data    any          `json:"data,omitempty"`
}
