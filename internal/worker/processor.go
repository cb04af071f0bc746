package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patagon3d/renovation-back/internal/domain"
	"github.com/patagon3d/renovation-back/internal/queue"
	"github.com/patagon3d/renovation-back/internal/repository"
	"github.com/rs/zerolog"
)

// Scheduler starts a job run without waiting for it to finish.
type Scheduler interface {
	Go(jobID string) bool
}

// Processor consumes dispatch messages and hands each job to the scheduler.
type Processor struct {
	consumer  queue.Consumer
	repo      repository.JobsRepository
	scheduler Scheduler
	logger    zerolog.Logger
}

func NewProcessor(
	consumer queue.Consumer,
	repo repository.JobsRepository,
	scheduler Scheduler,
	logger zerolog.Logger,
) *Processor {
	return &Processor{
		consumer:  consumer,
		repo:      repo,
		scheduler: scheduler,
		logger:    logger,
	}
}

func (p *Processor) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logger.Error().Err(err).Msg("worker consume loop error")

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Processor) processMessage(ctx context.Context, message domain.QueueMessage) error {
	job, err := p.repo.GetJob(ctx, message.JobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			p.logger.Warn().Str("job_id", message.JobID).Msg("dropping message for unknown job")
			return nil
		}
		return fmt.Errorf("load job %s: %w", message.JobID, err)
	}
	if job.Status.Terminal() {
		p.logger.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("dropping message for finished job")
		return nil
	}

	if !p.scheduler.Go(job.ID) {
		p.logger.Debug().Str("job_id", job.ID).Msg("job already running")
		return nil
	}
	p.logger.Debug().
		Str("job_id", job.ID).
		Str("category", string(job.Category)).
		Dur("queue_latency", time.Since(message.RequestedAt)).
		Msg("job dispatched")
	return nil
}
