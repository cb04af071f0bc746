package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrTerminal is returned when a transition is attempted on a finished job.
var ErrTerminal = errors.New("job already in terminal state")

type JobCategory string

const (
	JobCategoryMeasurement JobCategory = "measurement"
	JobCategoryRenovation  JobCategory = "renovation"
	JobCategoryVideo       JobCategory = "video"
	JobCategoryScan        JobCategory = "scan"
)

// ParseJobCategory maps a path segment to a known category.
func ParseJobCategory(value string) (JobCategory, bool) {
	switch JobCategory(value) {
	case JobCategoryMeasurement, JobCategoryRenovation, JobCategoryVideo, JobCategoryScan:
		return JobCategory(value), true
	default:
		return "", false
	}
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusCompleted, JobStatusFailed:
		return 2
	default:
		return -1
	}
}

// Job is the record of one asynchronous unit of work. Status only moves
// forward along pending -> processing -> completed|failed; Result is set only
// when completed and ErrorMessage only when failed.
type Job struct {
	ID             string
	Category       JobCategory
	Status         JobStatus
	Detail         string
	Input          json.RawMessage
	Result         json.RawMessage
	ErrorMessage   string
	ProviderHandle string
	Fallback       bool
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func NewJob(id string, category JobCategory, input json.RawMessage, now time.Time) *Job {
	return &Job{
		ID:        id,
		Category:  category,
		Status:    JobStatusPending,
		Input:     append(json.RawMessage(nil), input...),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (j *Job) MarkProcessing(detail string, now time.Time) error {
	if err := j.advance(JobStatusProcessing); err != nil {
		return err
	}
	j.Detail = detail
	j.UpdatedAt = now
	return nil
}

func (j *Job) SetProviderHandle(handle string, now time.Time) error {
	if j.Status.Terminal() {
		return ErrTerminal
	}
	j.ProviderHandle = handle
	j.UpdatedAt = now
	return nil
}

// RecordAttempt counts a poll call and refreshes the human readable detail.
func (j *Job) RecordAttempt(attempt int, detail string, now time.Time) error {
	if j.Status.Terminal() {
		return ErrTerminal
	}
	j.Attempts = attempt
	j.Detail = detail
	j.UpdatedAt = now
	return nil
}

func (j *Job) Complete(result json.RawMessage, fallback bool, now time.Time) error {
	if len(result) == 0 {
		return errors.New("completed job requires a result")
	}
	if j.Status == JobStatusPending {
		return fmt.Errorf("invalid transition %s -> %s", j.Status, JobStatusCompleted)
	}
	if err := j.advance(JobStatusCompleted); err != nil {
		return err
	}
	j.Result = append(json.RawMessage(nil), result...)
	j.ErrorMessage = ""
	j.Fallback = fallback
	j.Detail = ""
	j.UpdatedAt = now
	return nil
}

func (j *Job) Fail(message string, now time.Time) error {
	if message == "" {
		message = "unknown error"
	}
	if err := j.advance(JobStatusFailed); err != nil {
		return err
	}
	j.ErrorMessage = message
	j.Result = nil
	j.Fallback = false
	j.Detail = ""
	j.UpdatedAt = now
	return nil
}

func (j *Job) advance(next JobStatus) error {
	if j.Status.Terminal() {
		return ErrTerminal
	}
	if next.rank() < j.Status.rank() {
		return fmt.Errorf("invalid transition %s -> %s", j.Status, next)
	}
	j.Status = next
	return nil
}

// Clone returns a deep copy safe to hand to readers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Input = append(json.RawMessage(nil), j.Input...)
	if j.Result != nil {
		clone.Result = append(json.RawMessage(nil), j.Result...)
	}
	return &clone
}

// QueueMessage is the transport format sent to queue backends.
type QueueMessage struct {
	JobID       string      `json:"job_id"`
	Category    JobCategory `json:"category"`
	Attempt     int         `json:"attempt"`
	RequestedAt time.Time   `json:"requested_at"`
}

// JobEvent is published on every terminal transition.
type JobEvent struct {
	JobID      string      `json:"job_id"`
	Category   JobCategory `json:"category"`
	Status     JobStatus   `json:"status"`
	Error      string      `json:"error,omitempty"`
	Fallback   bool        `json:"fallback"`
	OccurredAt time.Time   `json:"occurred_at"`
}

func EventFromJob(job *Job) JobEvent {
	return JobEvent{
		JobID:      job.ID,
		Category:   job.Category,
		Status:     job.Status,
		Error:      job.ErrorMessage,
		Fallback:   job.Fallback,
		OccurredAt: job.UpdatedAt,
	}
}
