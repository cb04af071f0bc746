package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Runner is what the supervisor schedules. Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, jobID string)
	Abort(ctx context.Context, jobID string, reason string)
}

// Supervisor runs one task per job on a bounded errgroup. A job id is never
// run twice at the same time, and a panic escaping the runner is turned into
// a failed job.
type Supervisor struct {
	ctx    context.Context
	runner Runner
	group  errgroup.Group
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewSupervisor binds tasks to ctx: cancelling it asks every run to stop and
// record its job as failed.
func NewSupervisor(ctx context.Context, runner Runner, limit int, logger zerolog.Logger) *Supervisor {
	s := &Supervisor{
		ctx:      ctx,
		runner:   runner,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
	if limit > 0 {
		s.group.SetLimit(limit)
	}
	return s
}

// Go schedules jobID. It blocks while the concurrency limit is reached and
// returns false when the job is already running.
func (s *Supervisor) Go(jobID string) bool {
	s.mu.Lock()
	if _, running := s.inflight[jobID]; running {
		s.mu.Unlock()
		return false
	}
	s.inflight[jobID] = struct{}{}
	s.mu.Unlock()

	s.group.Go(func() error {
		defer s.done(jobID)
		defer func() {
			if recovered := recover(); recovered != nil {
				s.logger.Error().Str("job_id", jobID).Interface("panic", recovered).Msg("job task panicked")
				s.runner.Abort(context.WithoutCancel(s.ctx), jobID, fmt.Sprintf("internal error: %v", recovered))
			}
		}()
		s.runner.Run(s.ctx, jobID)
		return nil
	})
	return true
}

func (s *Supervisor) done(jobID string) {
	s.mu.Lock()
	delete(s.inflight, jobID)
	s.mu.Unlock()
}

// Running reports how many jobs are in flight.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Wait blocks until every scheduled task has returned.
func (s *Supervisor) Wait() error {
	return s.group.Wait()
}
