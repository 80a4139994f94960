// Package archive persists terminal jobs to PostgreSQL. The in-memory store
// evicts old jobs; the archive is the durable record behind /jobs/recent.
// The service runs without it when no database is configured.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"signforge/internal/domain"
)

// PostgresArchive records jobs into the generation_jobs table.
type PostgresArchive struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPostgresArchive(pool *pgxpool.Pool, logger zerolog.Logger) *PostgresArchive {
	return &PostgresArchive{pool: pool, logger: logger}
}

// EnsureSchema creates the archive table when it does not exist yet.
func (a *PostgresArchive) EnsureSchema(ctx context.Context) error {
	query := `
CREATE TABLE IF NOT EXISTS generation_jobs (
    id           TEXT PRIMARY KEY,
    session      TEXT NOT NULL,
    status       TEXT NOT NULL,
    total_steps  INT NOT NULL DEFAULT 0,
    result_json  JSONB,
    error_text   TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS generation_jobs_created_idx ON generation_jobs (created_at DESC);
`
	if _, err := a.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("archive: ensure schema: %w", err)
	}
	return nil
}

// Record upserts one terminal job. Re-recording the same job is harmless;
// the later write wins.
func (a *PostgresArchive) Record(ctx context.Context, session string, job domain.Job) error {
	var resultJSON []byte
	if job.Result != nil {
		var err error
		resultJSON, err = json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("archive: marshal result: %w", err)
		}
	}

	query := `
INSERT INTO generation_jobs (id, session, status, total_steps, result_json, error_text, created_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    result_json = EXCLUDED.result_json,
    error_text = EXCLUDED.error_text,
    completed_at = EXCLUDED.completed_at;
`
	_, err := a.pool.Exec(ctx, query,
		job.ID,
		session,
		string(job.Status),
		job.TotalSteps,
		resultJSON,
		job.Error,
		job.CreatedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("archive: record job: %w", err)
	}
	return nil
}

// ArchivedJob is the row shape served by /jobs/recent.
type ArchivedJob struct {
	ID          string         `json:"id"`
	Session     string         `json:"session"`
	Status      string         `json:"status"`
	Result      *domain.Result `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// RecentJobs lists the newest archived jobs, most recent first.
func (a *PostgresArchive) RecentJobs(ctx context.Context, limit int) ([]ArchivedJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `
SELECT id, session, status, result_json, error_text, created_at, completed_at
FROM generation_jobs
ORDER BY created_at DESC
LIMIT $1;
`
	rows, err := a.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query recent: %w", err)
	}
	defer rows.Close()

	var out []ArchivedJob
	for rows.Next() {
		var (
			row        ArchivedJob
			resultJSON []byte
		)
		if err := rows.Scan(&row.ID, &row.Session, &row.Status, &resultJSON, &row.Error, &row.CreatedAt, &row.CompletedAt); err != nil {
			return nil, fmt.Errorf("archive: scan row: %w", err)
		}
		if len(resultJSON) > 0 {
			var res domain.Result
			if err := json.Unmarshal(resultJSON, &res); err != nil {
				a.logger.Warn().Err(err).Str("job_id", row.ID).Msg("archive: bad result json")
			} else {
				row.Result = &res
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
