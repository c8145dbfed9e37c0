package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"scrapehub/internal/jobs"
)

const resultColumns = `id, job_id, item_index, item, outcome, payload, error, checks, created_at`

func scanResult(row rowScanner) (jobs.Result, error) {
	var (
		r       jobs.Result
		outcome string
		payload pqtype.NullRawMessage
		checks  pqtype.NullRawMessage
	)
	if err := row.Scan(&r.ID, &r.JobID, &r.ItemIndex, &r.Item, &outcome, &payload, &r.Error, &checks, &r.CreatedAt); err != nil {
		return jobs.Result{}, err
	}
	r.Outcome = jobs.Outcome(outcome)
	if payload.Valid {
		r.Payload = payload.RawMessage
	}
	if checks.Valid {
		if err := json.Unmarshal(checks.RawMessage, &r.Checks); err != nil {
			return jobs.Result{}, fmt.Errorf("decode checks: %w", err)
		}
	}
	return r, nil
}

func nullJSON(raw []byte) pqtype.NullRawMessage {
	if len(raw) == 0 {
		return pqtype.NullRawMessage{}
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}
}

// ResultOutcome returns the recorded outcome for item index of the job.
func (s *Store) ResultOutcome(ctx context.Context, jobID uuid.UUID, index int) (jobs.Outcome, bool, error) {
	var outcome string
	err := s.DB.QueryRowContext(ctx,
		`SELECT outcome FROM job_results WHERE job_id = $1 AND item_index = $2`,
		jobID, index).Scan(&outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return jobs.Outcome(outcome), true, nil
}

// InsertResult stores a result. A second insert for the same item is
// ignored and reported as inserted=false.
func (s *Store) InsertResult(ctx context.Context, r jobs.Result) (bool, error) {
	var checks []byte
	if len(r.Checks) > 0 {
		raw, err := json.Marshal(r.Checks)
		if err != nil {
			return false, err
		}
		checks = raw
	}

	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO job_results (job_id, item_index, item, outcome, payload, error, checks, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id, item_index) DO NOTHING`,
		r.JobID, r.ItemIndex, r.Item, string(r.Outcome), nullJSON(r.Payload), r.Error, nullJSON(checks), r.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListResults returns one page of a job's results ordered by item index,
// plus the total number of matching rows.
func (s *Store) ListResults(ctx context.Context, jobID uuid.UUID, f jobs.ResultFilter) ([]jobs.Result, int, error) {
	where, a := buildResultWhere(jobID, f)

	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM job_results WHERE `+where, a...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + resultColumns + ` FROM job_results WHERE ` + where + ` ORDER BY item_index`
	if f.Limit > 0 {
		query += " LIMIT " + a.add(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + a.add(f.Offset)
	}

	rows, err := s.DB.QueryContext(ctx, query, a...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []jobs.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func buildResultWhere(jobID uuid.UUID, f jobs.ResultFilter) (string, args) {
	var a args
	where := []string{"job_id = " + a.add(jobID)}
	if f.Outcome != "" {
		where = append(where, "outcome = "+a.add(string(f.Outcome)))
	}
	if f.Category != "" {
		cond := "c->>'name' = " + a.add(f.Category)
		if f.CategoryOK != nil {
			cond += " AND (c->>'ok')::boolean = " + a.add(*f.CategoryOK)
		}
		where = append(where, "EXISTS (SELECT 1 FROM jsonb_array_elements(COALESCE(checks, '[]'::jsonb)) c WHERE "+cond+")")
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		p := a.add("%" + s + "%")
		where = append(where, "(item ILIKE "+p+" OR error ILIKE "+p+")")
	}
	return strings.Join(where, " AND "), a
}

// StreamResults calls fn for every result of the job in item order
// without loading them all into memory.
func (s *Store) StreamResults(ctx context.Context, jobID uuid.UUID, fn func(jobs.Result) error) error {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM job_results WHERE job_id = $1 ORDER BY item_index`, jobID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountResults recomputes job statistics with grouped counts.
func (s *Store) CountResults(ctx context.Context, jobID uuid.UUID) (jobs.Stats, error) {
	st := jobs.Stats{Categories: map[string]jobs.CategoryStats{}}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT outcome, count(*) FROM job_results WHERE job_id = $1 GROUP BY outcome`, jobID)
	if err != nil {
		return jobs.Stats{}, err
	}
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			rows.Close()
			return jobs.Stats{}, err
		}
		switch jobs.Outcome(outcome) {
		case jobs.OutcomeSuccess:
			st.Success = n
		case jobs.OutcomeError:
			st.Error = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return jobs.Stats{}, err
	}

	rows, err = s.DB.QueryContext(ctx, `
		SELECT c->>'name', COALESCE((c->>'ok')::boolean, false), count(*)
		FROM job_results r
		CROSS JOIN LATERAL jsonb_array_elements(COALESCE(r.checks, '[]'::jsonb)) c
		WHERE r.job_id = $1
		GROUP BY 1, 2`, jobID)
	if err != nil {
		return jobs.Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name string
			ok   bool
			n    int
		)
		if err := rows.Scan(&name, &ok, &n); err != nil {
			return jobs.Stats{}, err
		}
		cs := st.Categories[name]
		if ok {
			cs.Success += n
		} else {
			cs.Error += n
		}
		st.Categories[name] = cs
	}
	return st, rows.Err()
}

// InsertEvent appends to the job event log.
func (s *Store) InsertEvent(ctx context.Context, e jobs.Event) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO job_events (job_id, type, message, created_at) VALUES ($1, $2, $3, $4)`,
		e.JobID, string(e.Type), e.Message, e.CreatedAt)
	return err
}

// ListEvents returns a job's events in insertion order.
func (s *Store) ListEvents(ctx context.Context, jobID uuid.UUID) ([]jobs.Event, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, job_id, type, message, created_at FROM job_events WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []jobs.Event
	for rows.Next() {
		var (
			e   jobs.Event
			typ string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &typ, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = jobs.EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
