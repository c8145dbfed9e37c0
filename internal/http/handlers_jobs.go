package http

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"scrapehub/internal/jobs"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func controllerFrom(c *fiber.Ctx) *jobs.Controller {
	return c.Locals("controller").(*jobs.Controller)
}

func jobIDParam(c *fiber.Ctx) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Params("id"))
	return id, err == nil
}

// submitItems merges items with the urls alias and drops blank lines.
func submitItems(req SubmitJobRequest) ([]string, error) {
	items := req.Items
	if len(req.URLs) > 0 && string(req.URLs) != "null" {
		var list []string
		if err := json.Unmarshal(req.URLs, &list); err != nil {
			var text string
			if err := json.Unmarshal(req.URLs, &text); err != nil {
				return nil, err
			}
			list = strings.Split(text, "\n")
		}
		items = append(items, list...)
	}

	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out, nil
}

func submitJobHandler(c *fiber.Ctx) error {
	ctrl := controllerFrom(c)

	var req SubmitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	items, err := submitItems(req)
	if err != nil {
		return badRequest(c, "urls must be a list or a newline-separated string")
	}

	job, err := ctrl.Submit(c.Context(), req.Kind, items)
	if err != nil {
		return jobError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(SubmitJobResponse{
		Success: true,
		ID:      job.ID.String(),
		URL:     c.BaseURL() + "/v1/jobs/" + job.ID.String(),
	})
}

func jobsListHandler(c *fiber.Ctx) error {
	ctrl := controllerFrom(c)

	f := jobs.JobFilter{Kind: c.Query("kind"), Limit: defaultPageSize}
	if s := c.Query("state"); s != "" {
		st := jobs.State(s)
		if !st.Valid() {
			return badRequest(c, "invalid state value")
		}
		f.State = st
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return badRequest(c, "invalid limit value")
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		f.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest(c, "invalid offset value")
		}
		f.Offset = n
	}

	list, err := ctrl.List(c.Context(), f)
	if err != nil {
		return jobError(c, err)
	}

	items := make([]JobItem, 0, len(list))
	for _, j := range list {
		items = append(items, toJobItem(j, false))
	}
	return c.JSON(ListJobsResponse{Success: true, Jobs: items})
}

func jobDetailHandler(c *fiber.Ctx) error {
	ctrl := controllerFrom(c)

	id, ok := jobIDParam(c)
	if !ok {
		return badRequest(c, "invalid job id")
	}

	snap, err := ctrl.Status(c.Context(), id)
	if err != nil {
		return jobError(c, err)
	}

	item := toJobItem(snap.Job, c.QueryBool("items", false))
	item.Stats = &snap.Stats
	return c.JSON(JobDetailResponse{Success: true, Job: &item})
}

// jobActionHandler serves one operator action: pause, resume or stop.
func jobActionHandler(action func(*jobs.Controller, context.Context, uuid.UUID) (jobs.Job, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, ok := jobIDParam(c)
		if !ok {
			return badRequest(c, "invalid job id")
		}
		job, err := action(controllerFrom(c), c.Context(), id)
		if err != nil {
			return jobError(c, err)
		}
		return c.JSON(JobActionResponse{Success: true, Status: job.State})
	}
}

var (
	pauseJobHandler  = jobActionHandler((*jobs.Controller).Pause)
	resumeJobHandler = jobActionHandler((*jobs.Controller).Resume)
	stopJobHandler   = jobActionHandler((*jobs.Controller).Stop)
)

func retryFailedHandler(c *fiber.Ctx) error {
	ctrl := controllerFrom(c)

	id, ok := jobIDParam(c)
	if !ok {
		return badRequest(c, "invalid job id")
	}
	dryRun := c.QueryBool("dryRun", false)

	plan, err := ctrl.RetryFailedItems(c.Context(), id, jobs.RetryOptions{DryRun: dryRun})
	if err != nil {
		return jobError(c, err)
	}

	resp := RetryFailedResponse{Success: true, Count: len(plan.Items), DryRun: dryRun}
	if plan.Job != nil {
		resp.ID = plan.Job.ID.String()
	}
	if dryRun {
		resp.Items = plan.Items
	}
	return c.JSON(resp)
}

func jobResultsHandler(c *fiber.Ctx) error {
	ctrl := controllerFrom(c)

	id, ok := jobIDParam(c)
	if !ok {
		return badRequest(c, "invalid job id")
	}

	page := c.QueryInt("page", 1)
	if page < 1 {
		return badRequest(c, "invalid page value")
	}
	pageSize := c.QueryInt("pageSize", defaultPageSize)
	if pageSize <= 0 {
		return badRequest(c, "invalid pageSize value")
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	f := jobs.ResultFilter{
		Category: c.Query("category"),
		Search:   strings.TrimSpace(c.Query("search")),
		Offset:   (page - 1) * pageSize,
		Limit:    pageSize,
	}
	switch o := jobs.Outcome(c.Query("outcome")); o {
	case "":
	case jobs.OutcomeSuccess, jobs.OutcomeError:
		f.Outcome = o
	default:
		return badRequest(c, "invalid outcome value; expected success or error")
	}
	if v := c.Query("categoryOk"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest(c, "invalid categoryOk value; expected true or false")
		}
		f.CategoryOK = &b
	}

	results, total, err := ctrl.Results(c.Context(), id, f)
	if err != nil {
		return jobError(c, err)
	}
	if results == nil {
		results = []jobs.Result{}
	}
	return c.JSON(JobResultsResponse{
		Success:  true,
		Results:  results,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

func jobEventsHandler(c *fiber.Ctx) error {
	ctrl := controllerFrom(c)

	id, ok := jobIDParam(c)
	if !ok {
		return badRequest(c, "invalid job id")
	}
	events, err := ctrl.Events(c.Context(), id)
	if err != nil {
		return jobError(c, err)
	}
	if events == nil {
		events = []jobs.Event{}
	}
	return c.JSON(JobEventsResponse{Success: true, Events: events})
}
