package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patagon3d/renovation-back/internal/domain"
	"github.com/patagon3d/renovation-back/internal/provider"
	"github.com/patagon3d/renovation-back/internal/repository"
	"github.com/rs/zerolog"
)

type stubAdapter struct {
	name     string
	schedule provider.Schedule
	submit   func(ctx context.Context, input json.RawMessage) (provider.Submission, error)
	poll     func(ctx context.Context, call int) (provider.Outcome, error)

	polls atomic.Int32
}

func (s *stubAdapter) Name() string                { return s.name }
func (s *stubAdapter) Configured() bool            { return true }
func (s *stubAdapter) Schedule() provider.Schedule { return s.schedule }

func (s *stubAdapter) Submit(ctx context.Context, input json.RawMessage) (provider.Submission, error) {
	return s.submit(ctx, input)
}

func (s *stubAdapter) Poll(ctx context.Context, _ string) (provider.Outcome, error) {
	call := int(s.polls.Add(1))
	return s.poll(ctx, call)
}

func handleSubmit(handle string) func(context.Context, json.RawMessage) (provider.Submission, error) {
	return func(context.Context, json.RawMessage) (provider.Submission, error) {
		return provider.Submission{Handle: handle}, nil
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type recordingReleaser struct {
	mu       sync.Mutex
	released []string
}

func (r *recordingReleaser) Release(id, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, id)
}

type harness struct {
	repo      *repository.MemoryJobsRepository
	registry  *provider.Registry
	publisher *recordingPublisher
	releaser  *recordingReleaser
	orch      *Orchestrator
}

func newHarness(t *testing.T, policy TimeoutPolicy) *harness {
	t.Helper()
	h := &harness{
		repo:      repository.NewMemoryJobsRepository(),
		registry:  provider.NewRegistry(),
		publisher: &recordingPublisher{},
		releaser:  &recordingReleaser{},
	}
	h.orch = New(Config{
		Repo:          h.repo,
		Adapters:      h.registry,
		Publisher:     h.publisher,
		Uploads:       h.releaser,
		TimeoutPolicy: policy,
		Logger:        zerolog.Nop(),
	})
	return h
}

func (h *harness) createJob(t *testing.T, id string, category domain.JobCategory, input string) {
	t.Helper()
	job := domain.NewJob(id, category, json.RawMessage(input), time.Now().UTC())
	if err := h.repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
}

func (h *harness) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := h.repo.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

func assertTerminalInvariant(t *testing.T, job *domain.Job) {
	t.Helper()
	if !job.Status.Terminal() {
		t.Fatalf("expected terminal status, got %s", job.Status)
	}
	hasResult := len(job.Result) > 0
	hasError := job.ErrorMessage != ""
	if hasResult == hasError {
		t.Fatalf("expected exactly one of result/error, got result=%s error=%q", job.Result, job.ErrorMessage)
	}
}

func TestRunSynchronousSuccessSkipsPolling(t *testing.T) {
	h := newHarness(t, TimeoutFail)
	adapter := &stubAdapter{
		name:     "sync",
		schedule: provider.Schedule{Interval: time.Millisecond, MaxAttempts: 5},
		submit: func(context.Context, json.RawMessage) (provider.Submission, error) {
			return provider.Submission{Outcome: provider.Success(json.RawMessage(`{"images":["a"]}`))}, nil
		},
		poll: func(context.Context, int) (provider.Outcome, error) {
			return provider.Running(""), nil
		},
	}
	h.registry.Register(domain.JobCategoryRenovation, adapter)
	h.createJob(t, "job-sync", domain.JobCategoryRenovation, `{"upload_id":"up-1"}`)

	h.orch.Run(context.Background(), "job-sync")

	job := h.job(t, "job-sync")
	assertTerminalInvariant(t, job)
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.ErrorMessage)
	}
	if string(job.Result) != `{"images":["a"]}` {
		t.Fatalf("expected stub result, got %s", job.Result)
	}
	if adapter.polls.Load() != 0 {
		t.Fatalf("expected no poll calls, got %d", adapter.polls.Load())
	}
	if len(h.releaser.released) != 1 || h.releaser.released[0] != "up-1" {
		t.Fatalf("expected upload up-1 released, got %v", h.releaser.released)
	}
	if h.publisher.count() != 1 || h.publisher.events[0].Status != domain.JobStatusCompleted {
		t.Fatalf("expected one completed event, got %+v", h.publisher.events)
	}
}

func TestRunPollsUntilSuccess(t *testing.T) {
	h := newHarness(t, TimeoutFail)
	var stillRunning atomic.Int32
	adapter := &stubAdapter{
		name:     "async",
		schedule: provider.Schedule{Interval: time.Millisecond, MaxAttempts: 10},
		submit:   handleSubmit("gen-1"),
		poll: func(_ context.Context, call int) (provider.Outcome, error) {
			if call <= 3 {
				stillRunning.Add(1)
				return provider.Running("dreaming"), nil
			}
			return provider.Success(json.RawMessage(`{"video_url":"https://cdn/v.mp4"}`)), nil
		},
	}
	h.registry.Register(domain.JobCategoryVideo, adapter)
	h.createJob(t, "job-video", domain.JobCategoryVideo, `{}`)

	h.orch.Run(context.Background(), "job-video")

	job := h.job(t, "job-video")
	assertTerminalInvariant(t, job)
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.ErrorMessage)
	}
	if stillRunning.Load() != 3 {
		t.Fatalf("expected 3 intermediate polls, got %d", stillRunning.Load())
	}
	if adapter.polls.Load() != 4 {
		t.Fatalf("expected 4 poll calls in total, got %d", adapter.polls.Load())
	}
	if job.ProviderHandle != "gen-1" {
		t.Fatalf("expected provider handle stored, got %q", job.ProviderHandle)
	}
	if job.Attempts != 4 {
		t.Fatalf("expected 4 recorded attempts, got %d", job.Attempts)
	}
	if job.Fallback {
		t.Fatalf("expected genuine success, got fallback")
	}
}

func TestRunSubmissionErrorFailsJob(t *testing.T) {
	h := newHarness(t, TimeoutFail)
	adapter := &stubAdapter{
		name: "rejecting",
		submit: func(context.Context, json.RawMessage) (provider.Submission, error) {
			return provider.Submission{}, &provider.SubmissionError{Provider: "rejecting", StatusCode: 503, Body: "bad gateway"}
		},
	}
	h.registry.Register(domain.JobCategoryVideo, adapter)
	h.createJob(t, "job-503", domain.JobCategoryVideo, `{}`)

	h.orch.Run(context.Background(), "job-503")

	job := h.job(t, "job-503")
	assertTerminalInvariant(t, job)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if !strings.Contains(job.ErrorMessage, "503") {
		t.Fatalf("expected error containing 503, got %q", job.ErrorMessage)
	}
	if job.ProviderHandle != "" {
		t.Fatalf("expected no provider handle, got %q", job.ProviderHandle)
	}
}

func TestRunProviderFailureReason(t *testing.T) {
	h := newHarness(t, TimeoutFail)
	adapter := &stubAdapter{
		name:     "async",
		schedule: provider.Schedule{Interval: time.Millisecond, MaxAttempts: 3},
		submit:   handleSubmit("gen-2"),
		poll: func(context.Context, int) (provider.Outcome, error) {
			return provider.Failure("content policy"), nil
		},
	}
	h.registry.Register(domain.JobCategoryVideo, adapter)
	h.createJob(t, "job-policy", domain.JobCategoryVideo, `{}`)

	h.orch.Run(context.Background(), "job-policy")

	job := h.job(t, "job-policy")
	if job.Status != domain.JobStatusFailed || job.ErrorMessage != "content policy" {
		t.Fatalf("expected provider reason recorded, got %s %q", job.Status, job.ErrorMessage)
	}
}

func TestRunTimeoutPolicies(t *testing.T) {
	tests := []struct {
		policy       TimeoutPolicy
		wantStatus   domain.JobStatus
		wantError    string
		wantFallback bool
	}{
		{policy: TimeoutFail, wantStatus: domain.JobStatusFailed, wantError: TimeoutMessage},
		{policy: TimeoutFallback, wantStatus: domain.JobStatusCompleted, wantFallback: true},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			h := newHarness(t, tt.policy)
			adapter := &stubAdapter{
				name:     "slow",
				schedule: provider.Schedule{Interval: time.Millisecond, MaxAttempts: 4},
				submit:   handleSubmit("gen-slow"),
				poll: func(context.Context, int) (provider.Outcome, error) {
					return provider.Running("queued"), nil
				},
			}
			h.registry.Register(domain.JobCategoryVideo, adapter)
			h.createJob(t, "job-slow", domain.JobCategoryVideo, `{}`)

			h.orch.Run(context.Background(), "job-slow")

			job := h.job(t, "job-slow")
			assertTerminalInvariant(t, job)
			if job.Status != tt.wantStatus {
				t.Fatalf("expected %s, got %s", tt.wantStatus, job.Status)
			}
			if job.ErrorMessage != tt.wantError {
				t.Fatalf("expected error %q, got %q", tt.wantError, job.ErrorMessage)
			}
			if job.Fallback != tt.wantFallback {
				t.Fatalf("expected fallback=%v, got %v", tt.wantFallback, job.Fallback)
			}
			if adapter.polls.Load() != 4 {
				t.Fatalf("expected max attempts polled, got %d", adapter.polls.Load())
			}
		})
	}
}

func TestRunRecoversFromProviderPanic(t *testing.T) {
	h := newHarness(t, TimeoutFail)
	adapter := &stubAdapter{
		name:     "panicky",
		schedule: provider.Schedule{Interval: time.Millisecond, MaxAttempts: 3},
		submit:   handleSubmit("gen-p"),
		poll: func(context.Context, int) (provider.Outcome, error) {
			panic("nil map write")
		},
	}
	h.registry.Register(domain.JobCategoryVideo, adapter)
	h.createJob(t, "job-panic", domain.JobCategoryVideo, `{}`)

	h.orch.Run(context.Background(), "job-panic")

	job := h.job(t, "job-panic")
	assertTerminalInvariant(t, job)
	if !strings.Contains(job.ErrorMessage, "nil map write") {
		t.Fatalf("expected panic message recorded, got %q", job.ErrorMessage)
	}
}

func TestRunPollTransportErrorFailsJob(t *testing.T) {
	h := newHarness(t, TimeoutFail)
	adapter := &stubAdapter{
		name:     "flaky",
		schedule: provider.Schedule{Interval: time.Millisecond, MaxAttempts: 3},
		submit:   handleSubmit("gen-f"),
		poll: func(context.Context, int) (provider.Outcome, error) {
			return provider.Outcome{}, errors.New("connection reset by peer")
		},
	}
	h.registry.Register(domain.JobCategoryVideo, adapter)
	h.createJob(t, "job-flaky", domain.JobCategoryVideo, `{}`)

	h.orch.Run(context.Background(), "job-flaky")

	job := h.job(t, "job-flaky")
	if job.Status != domain.JobStatusFailed || !strings.Contains(job.ErrorMessage, "connection reset") {
		t.Fatalf("expected transport error recorded, got %s %q", job.Status, job.ErrorMessage)
	}
}

func TestRunUnknownCategoryFails(t *testing.T) {
	h := newHarness(t, TimeoutFail)
	h.createJob(t, "job-orphan", domain.JobCategoryMeasurement, `{}`)

	h.orch.Run(context.Background(), "job-orphan")

	job := h.job(t, "job-orphan")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
}

func TestRunCancelledContextStillRecordsFailure(t *testing.T) {
	h := newHarness(t, TimeoutFail)
	ctx, cancel := context.WithCancel(context.Background())
	adapter := &stubAdapter{
		name:     "slow",
		schedule: provider.Schedule{Interval: time.Hour, MaxAttempts: 5},
		submit:   handleSubmit("gen-c"),
		poll: func(context.Context, int) (provider.Outcome, error) {
			cancel()
			return provider.Running("queued"), nil
		},
	}
	h.registry.Register(domain.JobCategoryVideo, adapter)
	h.createJob(t, "job-cancel", domain.JobCategoryVideo, `{}`)

	done := make(chan struct{})
	go func() {
		h.orch.Run(ctx, "job-cancel")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancellation")
	}

	job := h.job(t, "job-cancel")
	assertTerminalInvariant(t, job)
	if !strings.Contains(job.ErrorMessage, context.Canceled.Error()) {
		t.Fatalf("expected context error recorded, got %q", job.ErrorMessage)
	}
}

func TestRunSkipsTerminalJob(t *testing.T) {
	h := newHarness(t, TimeoutFail)
	adapter := &stubAdapter{
		name: "unused",
		submit: func(context.Context, json.RawMessage) (provider.Submission, error) {
			t.Fatalf("submit must not be called for a finished job")
			return provider.Submission{}, nil
		},
	}
	h.registry.Register(domain.JobCategoryScan, adapter)
	h.createJob(t, "job-done", domain.JobCategoryScan, `{}`)
	_, _ = h.repo.MutateJob(context.Background(), "job-done", func(j *domain.Job) error {
		return j.Fail("earlier failure", time.Now())
	})

	h.orch.Run(context.Background(), "job-done")

	if h.publisher.count() != 0 {
		t.Fatalf("expected no events for a skipped job")
	}
}

func TestRunObservedProgressIsMonotonic(t *testing.T) {
	h := newHarness(t, TimeoutFail)
	adapter := &stubAdapter{
		name:     "async",
		schedule: provider.Schedule{Interval: time.Millisecond, MaxAttempts: 20},
		submit:   handleSubmit("gen-m"),
		poll: func(_ context.Context, call int) (provider.Outcome, error) {
			if call < 10 {
				return provider.Running("working"), nil
			}
			return provider.Success(json.RawMessage(`{"ok":true}`)), nil
		},
	}
	h.registry.Register(domain.JobCategoryVideo, adapter)
	h.createJob(t, "job-mono", domain.JobCategoryVideo, `{}`)

	rank := map[domain.JobStatus]int{
		domain.JobStatusPending:    0,
		domain.JobStatusProcessing: 1,
		domain.JobStatusCompleted:  2,
		domain.JobStatusFailed:     2,
	}

	done := make(chan struct{})
	go func() {
		h.orch.Run(context.Background(), "job-mono")
		close(done)
	}()

	last := 0
	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		default:
		}
		job := h.job(t, "job-mono")
		if rank[job.Status] < last {
			t.Fatalf("observed status going backwards to %s", job.Status)
		}
		last = rank[job.Status]
		if job.Status.Terminal() {
			assertTerminalInvariant(t, job)
		}
	}
	if last != 2 {
		t.Fatalf("expected terminal status at the end")
	}
}

func TestParseTimeoutPolicy(t *testing.T) {
	if policy, err := ParseTimeoutPolicy(""); err != nil || policy != TimeoutFail {
		t.Fatalf("expected fail default, got %s %v", policy, err)
	}
	if policy, err := ParseTimeoutPolicy("Fallback"); err != nil || policy != TimeoutFallback {
		t.Fatalf("expected fallback, got %s %v", policy, err)
	}
	if _, err := ParseTimeoutPolicy("retry"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

type unreadableRepo struct {
	*repository.MemoryJobsRepository
}

func (unreadableRepo) GetJob(context.Context, string) (*domain.Job, error) {
	return nil, errors.New("connection reset")
}

func TestRunLoadErrorFailsPendingJob(t *testing.T) {
	h := newHarness(t, TimeoutFail)
	h.orch = New(Config{
		Repo:          unreadableRepo{h.repo},
		Adapters:      h.registry,
		Publisher:     h.publisher,
		Uploads:       h.releaser,
		TimeoutPolicy: TimeoutFail,
		Logger:        zerolog.Nop(),
	})
	h.createJob(t, "job-unreadable", domain.JobCategoryScan, `{"upload_id":"up-9"}`)

	h.orch.Run(context.Background(), "job-unreadable")

	job := h.job(t, "job-unreadable")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if !strings.Contains(job.ErrorMessage, "connection reset") {
		t.Fatalf("expected load error recorded, got %q", job.ErrorMessage)
	}
	assertTerminalInvariant(t, job)
	if h.publisher.count() != 1 {
		t.Fatalf("expected 1 event, got %d", h.publisher.count())
	}
	if len(h.releaser.released) != 1 || h.releaser.released[0] != "up-9" {
		t.Fatalf("expected upload up-9 released, got %v", h.releaser.released)
	}
}

func TestRunMissingJobIsIgnored(t *testing.T) {
	h := newHarness(t, TimeoutFail)

	h.orch.Run(context.Background(), "job-missing")

	if h.publisher.count() != 0 {
		t.Fatalf("expected no events, got %d", h.publisher.count())
	}
}
