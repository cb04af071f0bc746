package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/patagon3d/renovation-back/internal/domain"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	category        TEXT NOT NULL,
	status          TEXT NOT NULL,
	detail          TEXT NOT NULL DEFAULT '',
	input           TEXT,
	result          TEXT,
	error_message   TEXT NOT NULL DEFAULT '',
	provider_handle TEXT NOT NULL DEFAULT '',
	fallback        INTEGER NOT NULL DEFAULT 0,
	attempts        INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_category_created_idx ON jobs (category, created_at);
`

// Fixed width so lexical order in created_at matches chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteJobColumns = `id, category, status, detail, input, result, error_message, provider_handle, fallback, attempts, created_at, updated_at`

// SQLiteJobsRepository persists jobs in a single local database file. All
// access goes through one connection, which serializes writers.
type SQLiteJobsRepository struct {
	db *sql.DB
}

func NewSQLiteJobsRepository(path string) (*SQLiteJobsRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ensure sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure jobs schema: %w", err)
	}
	return &SQLiteJobsRepository{db: db}, nil
}

func (r *SQLiteJobsRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *SQLiteJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (`+sqliteJobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		string(job.Category),
		string(job.Status),
		job.Detail,
		nullString(job.Input),
		nullString(job.Result),
		job.ErrorMessage,
		job.ProviderHandle,
		boolToInt(job.Fallback),
		job.Attempts,
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *SQLiteJobsRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (r *SQLiteJobsRepository) MutateJob(
	ctx context.Context,
	jobID string,
	fn func(job *domain.Job) error,
) (*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load job: %w", err)
	}

	if err := fn(job); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
UPDATE jobs
SET status = ?, detail = ?, result = ?, error_message = ?, provider_handle = ?, fallback = ?, attempts = ?, updated_at = ?
WHERE id = ?`,
		string(job.Status),
		job.Detail,
		nullString(job.Result),
		job.ErrorMessage,
		job.ProviderHandle,
		boolToInt(job.Fallback),
		job.Attempts,
		formatTime(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit job update: %w", err)
	}
	return job, nil
}

func (r *SQLiteJobsRepository) ListJobs(
	ctx context.Context,
	category domain.JobCategory,
	limit int,
) ([]*domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+sqliteJobColumns+`
FROM jobs
WHERE category = ?
ORDER BY created_at DESC
LIMIT ?`, string(category), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		items = append(items, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return items, nil
}

func scanSQLiteJob(row rowScanner) (*domain.Job, error) {
	var (
		job       domain.Job
		category  string
		status    string
		input     sql.NullString
		result    sql.NullString
		fallback  int
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&job.ID,
		&category,
		&status,
		&job.Detail,
		&input,
		&result,
		&job.ErrorMessage,
		&job.ProviderHandle,
		&fallback,
		&job.Attempts,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Category = domain.JobCategory(category)
	job.Status = domain.JobStatus(status)
	job.Fallback = fallback != 0
	if input.Valid {
		job.Input = []byte(input.String)
	}
	if result.Valid && result.String != "" {
		job.Result = []byte(result.String)
	}
	if job.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &job, nil
}

func nullString(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func formatTime(value time.Time) string {
	return value.UTC().Format(sqliteTimeLayout)
}
