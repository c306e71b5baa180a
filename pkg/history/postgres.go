// Package history records pipeline runs and their stage transitions in Postgres.
// It is an audit trail only; live task state stays in memory.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Run is one pipeline execution for a task round.
type Run struct {
	ID         string
	TaskID     string
	Round      int
	Status     string
	Repository string
	CommitSHA  string
	PagesURL   string
	Ready      bool
	Error      string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Event is a stage transition within a run.
type Event struct {
	Stage     string
	Detail    string
	CreatedAt time.Time
}

// PostgresStore persists runs and stage events.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    round INTEGER NOT NULL,
    status TEXT NOT NULL,
    repository TEXT,
    commit_sha TEXT,
    pages_url TEXT,
    ready BOOLEAN NOT NULL DEFAULT FALSE,
    error TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS pipeline_runs_task_idx ON pipeline_runs (task_id, created_at DESC);
CREATE TABLE IF NOT EXISTS pipeline_run_events (
    id BIGSERIAL PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
    stage TEXT NOT NULL,
    detail TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StartRun inserts run in its initial state.
func (s *PostgresStore) StartRun(ctx context.Context, run Run) error {
	query := `INSERT INTO pipeline_runs (id, task_id, round, status, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`
	_, err := s.db.ExecContext(ctx, query, run.ID, run.TaskID, run.Round, run.Status, run.CreatedAt)
	return err
}

// FinishRun stores the terminal outcome of run.
func (s *PostgresStore) FinishRun(ctx context.Context, run Run) error {
	query := `UPDATE pipeline_runs SET status=$1, repository=$2, commit_sha=$3, pages_url=$4, ready=$5, error=$6, finished_at=$7 WHERE id=$8`
	_, err := s.db.ExecContext(ctx, query,
		run.Status,
		nullString(run.Repository),
		nullString(run.CommitSHA),
		nullString(run.PagesURL),
		run.Ready,
		nullString(run.Error),
		run.FinishedAt,
		run.ID,
	)
	return err
}

func (s *PostgresStore) AppendEvent(ctx context.Context, runID, stage, detail string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO pipeline_run_events (run_id, stage, detail) VALUES ($1,$2,$3)`, runID, stage, nullString(detail))
	return err
}

// ListRuns returns the most recent runs for taskID, newest first. An empty taskID
// lists runs across all tasks.
func (s *PostgresStore) ListRuns(ctx context.Context, taskID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, round, status, repository, commit_sha, pages_url, ready, error, created_at, finished_at
FROM pipeline_runs WHERE ($1 = '' OR task_id = $1) ORDER BY created_at DESC LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var repo, commit, pages, errMsg sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Round, &r.Status, &repo, &commit, &pages, &r.Ready, &errMsg, &r.CreatedAt, &finishedAt); err != nil {
			return nil, err
		}
		r.Repository = repo.String
		r.CommitSHA = commit.String
		r.PagesURL = pages.String
		r.Error = errMsg.String
		if finishedAt.Valid {
			r.FinishedAt = finishedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) ListEvents(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, detail, created_at FROM pipeline_run_events WHERE run_id=$1 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var detail sql.NullString
		if err := rows.Scan(&e.Stage, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
