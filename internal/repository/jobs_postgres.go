package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/patagon3d/renovation-back/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	category        TEXT NOT NULL,
	status          TEXT NOT NULL,
	detail          TEXT NOT NULL DEFAULT '',
	input           JSONB,
	result          JSONB,
	error_message   TEXT NOT NULL DEFAULT '',
	provider_handle TEXT NOT NULL DEFAULT '',
	fallback        BOOLEAN NOT NULL DEFAULT FALSE,
	attempts        INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_category_created_idx ON jobs (category, created_at DESC);
`

const postgresJobColumns = `id, category, status, detail, input, result, error_message, provider_handle, fallback, attempts, created_at, updated_at`

type PostgresJobsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresJobsRepository(ctx context.Context, databaseURL string) (*PostgresJobsRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure jobs schema: %w", err)
	}
	return &PostgresJobsRepository{pool: pool}, nil
}

func (r *PostgresJobsRepository) Close() {
	r.pool.Close()
}

func (r *PostgresJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO jobs (`+postgresJobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		job.ID,
		string(job.Category),
		string(job.Status),
		job.Detail,
		nullableJSON(job.Input),
		nullableJSON(job.Result),
		job.ErrorMessage,
		job.ProviderHandle,
		job.Fallback,
		job.Attempts,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *PostgresJobsRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+postgresJobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (r *PostgresJobsRepository) MutateJob(
	ctx context.Context,
	jobID string,
	fn func(job *domain.Job) error,
) (*domain.Job, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `SELECT `+postgresJobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock job: %w", err)
	}

	if err := fn(job); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2,
			detail = $3,
			result = $4,
			error_message = $5,
			provider_handle = $6,
			fallback = $7,
			attempts = $8,
			updated_at = $9
		WHERE id = $1
	`,
		job.ID,
		string(job.Status),
		job.Detail,
		nullableJSON(job.Result),
		job.ErrorMessage,
		job.ProviderHandle,
		job.Fallback,
		job.Attempts,
		job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit job update: %w", err)
	}
	return job, nil
}

func (r *PostgresJobsRepository) ListJobs(
	ctx context.Context,
	category domain.JobCategory,
	limit int,
) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+postgresJobColumns+`
		FROM jobs
		WHERE category = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(category), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		items = append(items, job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate jobs: %w", rows.Err())
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job      domain.Job
		category string
		status   string
		input    []byte
		result   []byte
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
		&job.Fallback,
		&job.Attempts,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Category = domain.JobCategory(category)
	job.Status = domain.JobStatus(status)
	job.Input = input
	if len(result) > 0 {
		job.Result = result
	}
	return &job, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
