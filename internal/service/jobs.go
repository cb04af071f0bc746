package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patagon3d/renovation-back/internal/domain"
	"github.com/patagon3d/renovation-back/internal/provider"
	"github.com/patagon3d/renovation-back/internal/queue"
	"github.com/patagon3d/renovation-back/internal/repository"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownCategory = errors.New("unknown job category")
	ErrConfiguration   = errors.New("provider not configured")
	ErrInvalidInput    = domain.ErrInvalidInput
)

type ProviderLookup interface {
	For(category domain.JobCategory) (provider.Adapter, bool)
	Configured() map[string]bool
}

// UploadClaimer hands each buffered upload to at most one job.
type UploadClaimer interface {
	Claim(uploadID, jobID string) bool
	Unclaim(uploadID, jobID string)
	Release(uploadID, jobID string)
}

type JobsService struct {
	repo      repository.JobsRepository
	producer  queue.Producer
	providers ProviderLookup
	uploads   UploadClaimer
	logger    zerolog.Logger
}

func NewJobsService(
	repo repository.JobsRepository,
	producer queue.Producer,
	providers ProviderLookup,
	uploads UploadClaimer,
	logger zerolog.Logger,
) *JobsService {
	return &JobsService{
		repo:      repo,
		producer:  producer,
		providers: providers,
		uploads:   uploads,
		logger:    logger,
	}
}

// Submit validates the request, records a pending job and dispatches it.
// Configuration and input errors are returned before any record exists.
func (s *JobsService) Submit(ctx context.Context, categoryName string, raw json.RawMessage) (*domain.Job, error) {
	category, ok := domain.ParseJobCategory(categoryName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, categoryName)
	}
	adapter, ok := s.providers.For(category)
	if !ok {
		return nil, fmt.Errorf("%w: no provider for %s", ErrConfiguration, category)
	}
	if !adapter.Configured() {
		return nil, fmt.Errorf("%w: %s API key not configured", ErrConfiguration, adapter.Name())
	}

	input, err := s.parseInput(category, raw)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode job input: %w", err)
	}

	jobID := uuid.NewString()
	if input.UploadID != "" {
		if s.uploads == nil || !s.uploads.Claim(input.UploadID, jobID) {
			return nil, errors.Join(ErrInvalidInput, fmt.Errorf("upload_id %s is unknown or already used by another job", input.UploadID))
		}
	}

	now := time.Now().UTC()
	job := domain.NewJob(jobID, category, encoded, now)
	if err := s.repo.CreateJob(ctx, job); err != nil {
		if input.UploadID != "" {
			s.uploads.Unclaim(input.UploadID, jobID)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	message := domain.QueueMessage{
		JobID:       job.ID,
		Category:    job.Category,
		Attempt:     0,
		RequestedAt: now,
	}
	if err := s.producer.Enqueue(ctx, message); err != nil {
		enqueueErr := fmt.Errorf("enqueue job: %w", err)
		if _, failErr := s.repo.MutateJob(context.WithoutCancel(ctx), job.ID, func(j *domain.Job) error {
			return j.Fail(enqueueErr.Error(), time.Now().UTC())
		}); failErr != nil {
			s.logger.Error().Err(failErr).Str("job_id", job.ID).Msg("mark undispatched job failed")
		}
		if input.UploadID != "" {
			s.uploads.Release(input.UploadID, job.ID)
		}
		return nil, enqueueErr
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("category", string(category)).
		Str("provider", adapter.Name()).
		Msg("job accepted")
	return job, nil
}

func (s *JobsService) parseInput(category domain.JobCategory, raw json.RawMessage) (domain.JobInput, error) {
	var input domain.JobInput
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &input); err != nil {
			return input, errors.Join(ErrInvalidInput, fmt.Errorf("decode body: %w", err))
		}
	}
	input.Normalize()
	if err := input.Validate(category); err != nil {
		return input, err
	}
	return input, nil
}

// GetJob returns a snapshot of the job. Ids that belong to another category
// are reported as not found.
func (s *JobsService) GetJob(ctx context.Context, categoryName, jobID string) (*domain.Job, error) {
	category, ok := domain.ParseJobCategory(categoryName)
	if !ok {
		return nil, repository.ErrNotFound
	}
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Category != category {
		return nil, repository.ErrNotFound
	}
	return job, nil
}

func (s *JobsService) ListJobs(ctx context.Context, categoryName string, limit int) ([]*domain.Job, error) {
	category, ok := domain.ParseJobCategory(categoryName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, categoryName)
	}
	return s.repo.ListJobs(ctx, category, limit)
}

// ProviderStatus maps provider names to whether their credentials are set.
func (s *JobsService) ProviderStatus() map[string]bool {
	return s.providers.Configured()
}
