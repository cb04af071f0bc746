package repository

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/patagon3d/renovation-back/internal/domain"
)

var ErrNotFound = errors.New("resource not found")

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// JobsRepository abstracts job persistence. MutateJob applies fn to the
// stored record atomically: either every change fn made is visible to later
// readers or none is.
type JobsRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	MutateJob(ctx context.Context, jobID string, fn func(job *domain.Job) error) (*domain.Job, error)
	ListJobs(ctx context.Context, category domain.JobCategory, limit int) ([]*domain.Job, error)
}

// MemoryJobsRepository keeps jobs for the lifetime of the process. Entries
// are never evicted.
type MemoryJobsRepository struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

func NewMemoryJobsRepository() *MemoryJobsRepository {
	return &MemoryJobsRepository{
		jobs: make(map[string]*domain.Job),
	}
}

func (r *MemoryJobsRepository) CreateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return errors.New("job id already exists")
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryJobsRepository) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryJobsRepository) MutateJob(
	_ context.Context,
	jobID string,
	fn func(job *domain.Job) error,
) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	draft := current.Clone()
	if err := fn(draft); err != nil {
		return nil, err
	}
	r.jobs[jobID] = draft
	return draft.Clone(), nil
}

func (r *MemoryJobsRepository) ListJobs(
	_ context.Context,
	category domain.JobCategory,
	limit int,
) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if job.Category != category {
			continue
		}
		items = append(items, job.Clone())
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	limit = normalizeLimit(limit)
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
