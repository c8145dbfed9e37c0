package http

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"scrapehub/internal/jobs"
)

const exportTimeout = 10 * time.Minute

// jobExportHandler streams every result of a job as CSV or JSON. The job
// is looked up before the body starts so an unknown id still gets a 404,
// and its stats name the CSV check columns.
func jobExportHandler(c *fiber.Ctx) error {
	ctrl := controllerFrom(c)

	id, ok := jobIDParam(c)
	if !ok {
		return badRequest(c, "invalid job id")
	}
	// Query strings are only valid inside the handler; the stream writer
	// runs after it returns.
	var format string
	switch c.Query("format", "json") {
	case "json":
		format = "json"
	case "csv":
		format = "csv"
	default:
		return badRequest(c, "invalid format; expected csv or json")
	}

	// CSV columns come from every check name recorded so far.
	snap, err := ctrl.FreshStatus(c.Context(), id)
	if err != nil {
		return jobError(c, err)
	}
	checks := make([]string, 0, len(snap.Stats.Categories))
	for name := range snap.Stats.Categories {
		checks = append(checks, name)
	}
	sort.Strings(checks)

	filename := fmt.Sprintf("job_%s_results.%s", id, format)
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
	if format == "csv" {
		c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	} else {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSONCharsetUTF8)
	}

	logger := loggerFrom(c)
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		// The request context is gone once the handler returns.
		ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
		defer cancel()

		var err error
		if format == "csv" {
			err = writeCSV(ctx, ctrl, id, checks, w)
		} else {
			err = writeJSON(ctx, ctrl, id, w)
		}
		if err != nil {
			logger.Warn("job export aborted", "job_id", id.String(), "format", format, "error", err)
		}
		_ = w.Flush()
	})
	return nil
}

// writeCSV emits one row per result with an ok and status column for
// every check category the job has recorded.
func writeCSV(ctx context.Context, ctrl *jobs.Controller, id uuid.UUID, checks []string, w *bufio.Writer) error {
	cw := csv.NewWriter(w)

	cols := []string{"item_index", "item", "outcome", "error"}
	for _, name := range checks {
		cols = append(cols, name+"_ok", name+"_status")
	}
	cols = append(cols, "payload")
	if err := cw.Write(cols); err != nil {
		return err
	}

	n := 0
	_, err := ctrl.Export(ctx, id, func(r jobs.Result) error {
		row := []string{strconv.Itoa(r.ItemIndex), r.Item, string(r.Outcome), r.Error}
		for _, name := range checks {
			ch, ok := r.Check(name)
			if !ok {
				row = append(row, "", "")
				continue
			}
			row = append(row, strconv.FormatBool(ch.OK), ch.Status)
		}
		row = append(row, string(r.Payload))
		if err := cw.Write(row); err != nil {
			return err
		}
		n++
		if n%500 == 0 {
			cw.Flush()
			return w.Flush()
		}
		return nil
	})
	cw.Flush()
	if err != nil {
		return err
	}
	return cw.Error()
}

// writeJSON emits a JSON array of results without buffering the whole job.
func writeJSON(ctx context.Context, ctrl *jobs.Controller, id uuid.UUID, w *bufio.Writer) error {
	if _, err := w.WriteString("["); err != nil {
		return err
	}
	first := true
	_, err := ctrl.Export(ctx, id, func(r jobs.Result) error {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if !first {
			if err := w.WriteByte(','); err != nil {
				return err
			}
		}
		first = false
		_, err = w.Write(b)
		return err
	})
	if _, werr := w.WriteString("]"); err == nil {
		err = werr
	}
	return err
}
