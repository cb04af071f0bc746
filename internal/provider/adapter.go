// Package provider wraps the external AI services behind one submit/poll
// contract so the orchestrator never sees provider specific payloads.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patagon3d/renovation-back/internal/domain"
)

var ErrMissingCredentials = errors.New("provider credentials not configured")

type OutcomeKind int

const (
	StillRunning OutcomeKind = iota
	Succeeded
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "still_running"
	}
}

// Outcome is the normalized answer of a submit or poll call. Result is set
// only for Succeeded, Reason only for Failed. Detail is free text for logs and
// the job record.
type Outcome struct {
	Kind   OutcomeKind
	Result json.RawMessage
	Reason string
	Detail string
}

func Running(detail string) Outcome {
	return Outcome{Kind: StillRunning, Detail: detail}
}

func Success(result json.RawMessage) Outcome {
	return Outcome{Kind: Succeeded, Result: result}
}

func Failure(reason string) Outcome {
	return Outcome{Kind: Failed, Reason: reason}
}

func (o Outcome) Terminal() bool {
	return o.Kind == Succeeded || o.Kind == Failed
}

// Submission is what Submit returns. A terminal Outcome means the provider
// answered synchronously and no polling is needed.
type Submission struct {
	Handle  string
	Outcome Outcome
}

// Schedule bounds the poll loop. MaxAttempts of zero means the provider is
// synchronous.
type Schedule struct {
	Interval    time.Duration
	MaxAttempts int
}

type Adapter interface {
	Name() string
	Configured() bool
	Schedule() Schedule
	Submit(ctx context.Context, input json.RawMessage) (Submission, error)
	Poll(ctx context.Context, handle string) (Outcome, error)
}

// SubmissionError reports a provider rejecting the initial request.
type SubmissionError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s submission failed: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// stateVocabulary maps one provider's status strings onto OutcomeKind.
type stateVocabulary struct {
	succeeded []string
	failed    []string
}

func (v stateVocabulary) classify(state string) OutcomeKind {
	normalized := strings.ToLower(strings.TrimSpace(state))
	for _, candidate := range v.succeeded {
		if normalized == candidate {
			return Succeeded
		}
	}
	for _, candidate := range v.failed {
		if normalized == candidate {
			return Failed
		}
	}
	return StillRunning
}

func decodeInput(raw json.RawMessage) (domain.JobInput, error) {
	var input domain.JobInput
	if len(raw) == 0 {
		return input, nil
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return input, fmt.Errorf("decode job input: %w", err)
	}
	return input, nil
}

func encodeResult(value any) (json.RawMessage, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return encoded, nil
}

// pollNotSupported is embedded by synchronous adapters.
type pollNotSupported struct{ name string }

func (p pollNotSupported) Poll(context.Context, string) (Outcome, error) {
	return Outcome{}, fmt.Errorf("%s does not support polling", p.name)
}
