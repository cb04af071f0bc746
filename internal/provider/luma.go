package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patagon3d/renovation-back/internal/prompts"
)

var lumaStates = stateVocabulary{
	succeeded: []string{"completed", "complete", "done", "ready"},
	failed:    []string{"failed", "error"},
}

type LumaConfig struct {
	APIKey       string
	BaseURL      string
	AspectRatio  string
	Timeout      time.Duration
	MaxRetries   int
	PollInterval time.Duration
	MaxAttempts  int
	HTTPClient   *http.Client
	Prompts      *prompts.Catalog
}

// Luma generates walkthrough videos. Generations are asynchronous: Submit
// returns the generation id and Poll follows it to a terminal state.
type Luma struct {
	apiKey      string
	baseURL     string
	aspectRatio string
	schedule    Schedule
	caller      httpCaller
	prompts     *prompts.Catalog
}

func NewLuma(cfg LumaConfig) *Luma {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.lumalabs.ai/dream-machine/v1"
	}
	if cfg.AspectRatio == "" {
		cfg.AspectRatio = "16:9"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 60
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompts.Default()
	}
	return &Luma{
		apiKey:      strings.TrimSpace(cfg.APIKey),
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		aspectRatio: cfg.AspectRatio,
		schedule:    Schedule{Interval: cfg.PollInterval, MaxAttempts: cfg.MaxAttempts},
		caller:      newHTTPCaller("luma", cfg.HTTPClient, cfg.Timeout, cfg.MaxRetries),
		prompts:     cfg.Prompts,
	}
}

func (l *Luma) Name() string       { return l.caller.name }
func (l *Luma) Configured() bool   { return l.apiKey != "" }
func (l *Luma) Schedule() Schedule { return l.schedule }

func (l *Luma) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + l.apiKey}
}

func (l *Luma) Submit(ctx context.Context, raw json.RawMessage) (Submission, error) {
	if !l.Configured() {
		return Submission{}, ErrMissingCredentials
	}
	input, err := decodeInput(raw)
	if err != nil {
		return Submission{}, err
	}
	prompt, err := l.prompts.VideoPrompt(input)
	if err != nil {
		return Submission{}, err
	}

	payload := map[string]any{
		"prompt":       prompt,
		"aspect_ratio": l.aspectRatio,
		"loop":         false,
	}
	build, err := jsonRequest(http.MethodPost, l.baseURL+"/generations", payload, l.headers())
	if err != nil {
		return Submission{}, err
	}
	response, err := l.caller.do(ctx, build)
	if err != nil {
		return Submission{}, err
	}
	if !response.ok() {
		return Submission{}, l.caller.submissionError(response)
	}

	var generation lumaGeneration
	if err := json.Unmarshal(response.Body, &generation); err != nil {
		return Submission{}, fmt.Errorf("decode luma response: %w", err)
	}
	if generation.ID == "" {
		return Submission{}, errors.New("luma response without generation id")
	}
	return Submission{Handle: generation.ID, Outcome: Running("generation " + generation.ID + " queued")}, nil
}

func (l *Luma) Poll(ctx context.Context, handle string) (Outcome, error) {
	build, err := jsonRequest(http.MethodGet, l.baseURL+"/generations/"+url.PathEscape(handle), nil, l.headers())
	if err != nil {
		return Outcome{}, err
	}
	response, err := l.caller.do(ctx, build)
	if err != nil {
		return Outcome{}, err
	}
	// Luma answers transient errors on the status endpoint; keep waiting.
	if response.StatusCode != http.StatusOK {
		return Running(fmt.Sprintf("status check returned %d", response.StatusCode)), nil
	}

	var generation lumaGeneration
	if err := json.Unmarshal(response.Body, &generation); err != nil {
		return Outcome{}, fmt.Errorf("decode luma status: %w", err)
	}
	return generation.outcome()
}

type lumaGeneration struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
	Assets        struct {
		Video     string `json:"video"`
		Thumbnail string `json:"thumbnail"`
	} `json:"assets"`
	Video struct {
		URL string `json:"url"`
	} `json:"video"`
	Thumbnail struct {
		URL string `json:"url"`
	} `json:"thumbnail"`
}

func (g lumaGeneration) outcome() (Outcome, error) {
	state := firstNonEmpty(g.State, g.Status)
	switch lumaStates.classify(state) {
	case Succeeded:
		videoURL := firstNonEmpty(g.Assets.Video, g.Video.URL)
		if videoURL == "" {
			return Failure("generation completed without a video asset"), nil
		}
		result := map[string]any{
			"generation_id": g.ID,
			"video_url":     videoURL,
		}
		if thumbnail := firstNonEmpty(g.Assets.Thumbnail, g.Thumbnail.URL); thumbnail != "" {
			result["thumbnail_url"] = thumbnail
		}
		encoded, err := encodeResult(result)
		if err != nil {
			return Outcome{}, err
		}
		return Success(encoded), nil
	case Failed:
		return Failure(firstNonEmpty(g.FailureReason, "video generation failed")), nil
	default:
		return Running("generation " + firstNonEmpty(state, "pending")), nil
	}
}
