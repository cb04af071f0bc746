// Package orchestrator drives jobs from pending to a terminal state against
// the provider registered for their category.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patagon3d/renovation-back/internal/domain"
	"github.com/patagon3d/renovation-back/internal/events"
	"github.com/patagon3d/renovation-back/internal/provider"
	"github.com/patagon3d/renovation-back/internal/repository"
	"github.com/rs/zerolog"
)

// TimeoutMessage is the error recorded when polling runs out of attempts.
const TimeoutMessage = "timeout"

const finalWriteTimeout = 5 * time.Second

type TimeoutPolicy string

const (
	TimeoutFail     TimeoutPolicy = "fail"
	TimeoutFallback TimeoutPolicy = "fallback"
)

func ParseTimeoutPolicy(value string) (TimeoutPolicy, error) {
	switch TimeoutPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", TimeoutFail:
		return TimeoutFail, nil
	case TimeoutFallback:
		return TimeoutFallback, nil
	default:
		return "", fmt.Errorf("unknown timeout policy %q", value)
	}
}

// fallbackResult marks a timed out job completed in degraded mode. The job's
// Fallback flag is what tells it apart from a real result.
var fallbackResult = json.RawMessage(`{"mode":"demo","reason":"timeout"}`)

type AdapterLookup interface {
	For(category domain.JobCategory) (provider.Adapter, bool)
}

type UploadReleaser interface {
	Release(uploadID, jobID string)
}

type Config struct {
	Repo          repository.JobsRepository
	Adapters      AdapterLookup
	Publisher     events.Publisher
	Uploads       UploadReleaser
	TimeoutPolicy TimeoutPolicy
	Logger        zerolog.Logger
	Now           func() time.Time
}

type Orchestrator struct {
	repo          repository.JobsRepository
	adapters      AdapterLookup
	publisher     events.Publisher
	uploads       UploadReleaser
	timeoutPolicy TimeoutPolicy
	logger        zerolog.Logger
	now           func() time.Time
}

func New(cfg Config) *Orchestrator {
	if cfg.Publisher == nil {
		cfg.Publisher = events.NoopPublisher{}
	}
	if cfg.TimeoutPolicy == "" {
		cfg.TimeoutPolicy = TimeoutFail
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		repo:          cfg.Repo,
		adapters:      cfg.Adapters,
		publisher:     cfg.Publisher,
		uploads:       cfg.Uploads,
		timeoutPolicy: cfg.TimeoutPolicy,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
}

// Run drives one job to completed or failed. Every failure, including a
// provider panic or ctx cancellation, ends up on the job record.
func (o *Orchestrator) Run(ctx context.Context, jobID string) {
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		o.logger.Error().Err(err).Str("job_id", jobID).Msg("load job for run")
		if errors.Is(err, repository.ErrNotFound) {
			return
		}
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
		defer cancel()
		logger := o.logger.With().Str("job_id", jobID).Logger()
		if failed := o.finish(abortCtx, jobID, provider.Failure("load job: "+err.Error()), false, logger); failed != nil {
			o.releaseUpload(failed)
		}
		return
	}
	if job.Status.Terminal() {
		return
	}
	logger := o.logger.With().
		Str("job_id", job.ID).
		Str("category", string(job.Category)).
		Logger()
	defer o.releaseUpload(job)

	outcome, fallback := o.execute(ctx, job, logger)
	o.finish(ctx, job.ID, outcome, fallback, logger)
}

// Abort fails a job that is not terminal yet.
func (o *Orchestrator) Abort(ctx context.Context, jobID string, reason string) {
	logger := o.logger.With().Str("job_id", jobID).Logger()
	o.finish(ctx, jobID, provider.Failure(reason), false, logger)
}

func (o *Orchestrator) execute(
	ctx context.Context,
	job *domain.Job,
	logger zerolog.Logger,
) (outcome provider.Outcome, fallback bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error().Interface("panic", recovered).Msg("job run panicked")
			outcome, fallback = provider.Failure(fmt.Sprintf("internal error: %v", recovered)), false
		}
	}()

	adapter, ok := o.adapters.For(job.Category)
	if !ok {
		return provider.Failure(fmt.Sprintf("no provider registered for %s", job.Category)), false
	}
	logger = logger.With().Str("provider", adapter.Name()).Logger()

	if _, err := o.repo.MutateJob(ctx, job.ID, func(j *domain.Job) error {
		return j.MarkProcessing("submitting to "+adapter.Name(), o.now())
	}); err != nil {
		return provider.Failure(fmt.Sprintf("mark processing: %v", err)), false
	}

	submission, err := adapter.Submit(ctx, job.Input)
	if err != nil {
		logger.Warn().Err(err).Msg("provider submission failed")
		return provider.Failure(err.Error()), false
	}

	if submission.Handle != "" {
		logger = logger.With().Str("handle", submission.Handle).Logger()
		detail := firstNonEmpty(submission.Outcome.Detail, "waiting for "+adapter.Name())
		if _, err := o.repo.MutateJob(ctx, job.ID, func(j *domain.Job) error {
			if err := j.SetProviderHandle(submission.Handle, o.now()); err != nil {
				return err
			}
			return j.RecordAttempt(0, detail, o.now())
		}); err != nil {
			return provider.Failure(fmt.Sprintf("store provider handle: %v", err)), false
		}
	}

	if submission.Outcome.Terminal() {
		return submission.Outcome, false
	}
	return o.poll(ctx, job.ID, adapter, submission.Handle, logger)
}

func (o *Orchestrator) poll(
	ctx context.Context,
	jobID string,
	adapter provider.Adapter,
	handle string,
	logger zerolog.Logger,
) (provider.Outcome, bool) {
	schedule := adapter.Schedule()
	if schedule.MaxAttempts <= 0 {
		return provider.Failure(adapter.Name() + " returned no result"), false
	}

	for attempt := 1; attempt <= schedule.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, schedule.Interval); err != nil {
				return provider.Failure(err.Error()), false
			}
		}

		outcome, err := adapter.Poll(ctx, handle)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("provider poll failed")
			return provider.Failure(err.Error()), false
		}
		if outcome.Terminal() {
			if _, err := o.repo.MutateJob(ctx, jobID, func(j *domain.Job) error {
				return j.RecordAttempt(attempt, j.Detail, o.now())
			}); err != nil {
				logger.Warn().Err(err).Msg("record final poll attempt")
			}
			return outcome, false
		}

		detail := fmt.Sprintf("%s (attempt %d/%d)", firstNonEmpty(outcome.Detail, "running"), attempt, schedule.MaxAttempts)
		if _, err := o.repo.MutateJob(ctx, jobID, func(j *domain.Job) error {
			return j.RecordAttempt(attempt, detail, o.now())
		}); err != nil {
			return provider.Failure(fmt.Sprintf("record poll attempt: %v", err)), false
		}
		logger.Debug().Int("attempt", attempt).Msg(detail)
	}

	logger.Warn().Int("max_attempts", schedule.MaxAttempts).Str("policy", string(o.timeoutPolicy)).Msg("provider polling timed out")
	if o.timeoutPolicy == TimeoutFallback {
		return provider.Success(fallbackResult), true
	}
	return provider.Failure(TimeoutMessage), false
}

// finish writes the terminal state and returns the stored job, or nil when
// nothing was written. A cancelled ctx still gets the write through a
// detached, short lived context.
func (o *Orchestrator) finish(
	ctx context.Context,
	jobID string,
	outcome provider.Outcome,
	fallback bool,
	logger zerolog.Logger,
) *domain.Job {
	writeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
		defer cancel()
	}

	if outcome.Kind == provider.Succeeded && len(outcome.Result) == 0 {
		outcome = provider.Failure("provider returned an empty result")
	}
	if outcome.Kind == provider.StillRunning {
		outcome = provider.Failure("run ended without a terminal outcome")
	}

	job, err := o.repo.MutateJob(writeCtx, jobID, func(j *domain.Job) error {
		if outcome.Kind == provider.Succeeded {
			return j.Complete(outcome.Result, fallback, o.now())
		}
		return j.Fail(outcome.Reason, o.now())
	})
	if err != nil {
		if errors.Is(err, domain.ErrTerminal) {
			logger.Warn().Msg("job already terminal, outcome dropped")
			return nil
		}
		logger.Error().Err(err).Msg("write terminal job state")
		return nil
	}

	level := zerolog.InfoLevel
	if job.Status == domain.JobStatusFailed {
		level = zerolog.WarnLevel
	}
	logger.WithLevel(level).
		Str("status", string(job.Status)).
		Str("error", job.ErrorMessage).
		Bool("fallback", job.Fallback).
		Int("attempts", job.Attempts).
		Msg("job finished")

	if err := o.publisher.Publish(writeCtx, domain.EventFromJob(job)); err != nil {
		logger.Error().Err(err).Msg("publish job event")
	}
	return job
}

func (o *Orchestrator) releaseUpload(job *domain.Job) {
	if o.uploads == nil || len(job.Input) == 0 {
		return
	}
	var input domain.JobInput
	if err := json.Unmarshal(job.Input, &input); err != nil {
		return
	}
	o.uploads.Release(input.UploadID, job.ID)
}

func sleep(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
