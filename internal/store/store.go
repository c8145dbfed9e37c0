package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sqlc-dev/pqtype"

	"scrapehub/internal/jobs"
)

// Store is the Postgres implementation of jobs.Store.
type Store struct {
	DB *sql.DB
}

var _ jobs.Store = (*Store)(nil)

// New creates a new Store that uses a shared *sql.DB with pooling.
func New(database *sql.DB) *Store {
	return &Store{DB: database}
}

// Open connects to Postgres through the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

const jobColumns = `id, kind, state, items, total, processed, retry_count,
	auto_pause_reason, error_message, generation, source_job_id,
	stats, stats_updated_at, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (jobs.Job, error) {
	var (
		j          jobs.Job
		state      string
		items      []byte
		source     uuid.NullUUID
		stats      pqtype.NullRawMessage
		statsAt    sql.NullTime
		completeAt sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Kind, &state, &items, &j.Total, &j.Processed, &j.RetryCount,
		&j.AutoPauseReason, &j.ErrorMessage, &j.Generation, &source,
		&stats, &statsAt, &j.CreatedAt, &j.UpdatedAt, &completeAt)
	if err != nil {
		return jobs.Job{}, err
	}

	j.State = jobs.State(state)
	if len(items) > 0 {
		if err := json.Unmarshal(items, &j.Items); err != nil {
			return jobs.Job{}, fmt.Errorf("decode items: %w", err)
		}
	}
	if source.Valid {
		id := source.UUID
		j.SourceJobID = &id
	}
	if stats.Valid {
		var st jobs.Stats
		if err := json.Unmarshal(stats.RawMessage, &st); err != nil {
			return jobs.Job{}, fmt.Errorf("decode stats: %w", err)
		}
		j.Stats = &st
	}
	if statsAt.Valid {
		t := statsAt.Time
		j.StatsUpdatedAt = &t
	}
	if completeAt.Valid {
		t := completeAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job jobs.Job) (jobs.Job, error) {
	items, err := json.Marshal(job.Items)
	if err != nil {
		return jobs.Job{}, err
	}
	var source uuid.NullUUID
	if job.SourceJobID != nil {
		source = uuid.NullUUID{UUID: *job.SourceJobID, Valid: true}
	}

	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO jobs (id, kind, state, items, total, processed, retry_count,
			auto_pause_reason, error_message, generation, source_job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, '', '', $6, $7, $8, $8)
		RETURNING `+jobColumns,
		job.ID, job.Kind, string(job.State), items, job.Total, job.Generation, source, job.CreatedAt)

	out, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return jobs.Job{}, fmt.Errorf("%w: %s", jobs.ErrAlreadyExists, job.ID)
		}
		return jobs.Job{}, err
	}
	return out, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (jobs.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return job, err
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, f jobs.JobFilter) ([]jobs.Job, error) {
	query, args := buildListJobs(f)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Transition applies a compare-and-swap state change in one UPDATE. When
// no row matches, the current row is read back to say why.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, t jobs.Transition) (jobs.Job, error) {
	query, args := buildTransition(id, t, time.Now().UTC())
	job, err := scanJob(s.DB.QueryRowContext(ctx, query, args...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, err
	}

	cur, err := s.GetJob(ctx, id)
	if err != nil {
		return jobs.Job{}, err
	}
	if err := t.Check(cur); err != nil {
		return jobs.Job{}, err
	}
	// The row changed between the UPDATE and the read.
	return jobs.Job{}, &jobs.TransitionError{From: cur.State, To: t.To}
}

// SaveProgress checkpoints processed and retryCount for the runner that
// owns generation. processed never moves backwards.
func (s *Store) SaveProgress(ctx context.Context, id uuid.UUID, generation int64, processed, retryCount int) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET processed = LEAST(GREATEST(processed, $3), total),
		    retry_count = $4,
		    updated_at = $5
		WHERE id = $1 AND generation = $2`,
		id, generation, processed, retryCount, time.Now().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return jobs.ErrStaleRunner
}

// SaveStats stores recomputed statistics on the job row.
func (s *Store) SaveStats(ctx context.Context, id uuid.UUID, stats jobs.Stats, at time.Time) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET stats = $2, stats_updated_at = $3 WHERE id = $1`,
		id, pqtype.NullRawMessage{RawMessage: raw, Valid: true}, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

// DeleteExpiredJobs deletes finished jobs of kind last touched before
// cutoff. Results and events are removed by cascade.
func (s *Store) DeleteExpiredJobs(ctx context.Context, kind string, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE kind = $1
		  AND state IN ('completed', 'stopped', 'failed')
		  AND updated_at < $2`, kind, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// args collects positional parameters for dynamically built queries.
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

func buildListJobs(f jobs.JobFilter) (string, []any) {
	var (
		a     args
		where []string
	)
	if f.State != "" {
		where = append(where, "state = "+a.add(string(f.State)))
	}
	if f.Kind != "" {
		where = append(where, "kind = "+a.add(f.Kind))
	}
	if f.StatsMissing {
		where = append(where, "stats IS NULL")
	}

	var b strings.Builder
	b.WriteString("SELECT " + jobColumns + " FROM jobs")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT " + a.add(f.Limit))
	}
	if f.Offset > 0 {
		b.WriteString(" OFFSET " + a.add(f.Offset))
	}
	return b.String(), a
}

func buildTransition(id uuid.UUID, t jobs.Transition, now time.Time) (string, []any) {
	var a args
	idParam := a.add(id)

	set := []string{
		"state = " + a.add(string(t.To)),
		"updated_at = " + a.add(now),
	}
	if t.BumpGeneration {
		set = append(set, "generation = generation + 1")
	}
	if t.Processed != nil {
		set = append(set, "processed = LEAST(GREATEST(processed, "+a.add(*t.Processed)+"), total)")
	}
	if t.RetryCount != nil {
		set = append(set, "retry_count = "+a.add(*t.RetryCount))
	}
	if t.AutoPauseReason != nil {
		set = append(set, "auto_pause_reason = "+a.add(*t.AutoPauseReason))
	}
	if t.ErrorMessage != nil {
		set = append(set, "error_message = "+a.add(*t.ErrorMessage))
	}
	if t.Completed {
		set = append(set, "completed_at = "+a.add(now))
	}

	from := make([]string, 0, len(t.From))
	for _, st := range t.From {
		from = append(from, a.add(string(st)))
	}
	where := []string{"id = " + idParam}
	if len(from) > 0 {
		where = append(where, "state IN ("+strings.Join(from, ", ")+")")
	} else {
		where = append(where, "FALSE")
	}
	if t.Generation != 0 {
		where = append(where, "generation = "+a.add(t.Generation))
	}

	query := "UPDATE jobs SET " + strings.Join(set, ", ") +
		" WHERE " + strings.Join(where, " AND ") +
		" RETURNING " + jobColumns
	return query, a
}
