package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/patagon3d/renovation-back/internal/prompts"
)

type OpenAIVisionConfig struct {
	APIKey       string
	BaseURL      string
	Organization string
	Model        string
	Timeout      time.Duration
	MaxRetries   int
	HTTPClient   *http.Client
	Prompts      *prompts.Catalog
	Uploads      UploadSource
}

// OpenAIVision estimates room measurements from a photo with a chat
// completions vision model. It answers synchronously.
type OpenAIVision struct {
	pollNotSupported

	apiKey       string
	baseURL      string
	organization string
	model        string
	caller       httpCaller
	prompts      *prompts.Catalog
	uploads      UploadSource
}

func NewOpenAIVision(cfg OpenAIVisionConfig) *OpenAIVision {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompts.Default()
	}
	const name = "openai-vision"
	return &OpenAIVision{
		pollNotSupported: pollNotSupported{name: name},
		apiKey:           strings.TrimSpace(cfg.APIKey),
		baseURL:          strings.TrimSuffix(cfg.BaseURL, "/"),
		organization:     strings.TrimSpace(cfg.Organization),
		model:            cfg.Model,
		caller:           newHTTPCaller(name, cfg.HTTPClient, cfg.Timeout, cfg.MaxRetries),
		prompts:          cfg.Prompts,
		uploads:          cfg.Uploads,
	}
}

func (v *OpenAIVision) Name() string       { return v.caller.name }
func (v *OpenAIVision) Configured() bool   { return v.apiKey != "" }
func (v *OpenAIVision) Schedule() Schedule { return Schedule{} }

func (v *OpenAIVision) Submit(ctx context.Context, raw json.RawMessage) (Submission, error) {
	if !v.Configured() {
		return Submission{}, ErrMissingCredentials
	}
	input, err := decodeInput(raw)
	if err != nil {
		return Submission{}, err
	}
	source, err := resolveSource(v.uploads, input)
	if err != nil {
		return Submission{}, err
	}
	if source.empty() {
		return Submission{}, errors.New("measurement requires a room image")
	}
	instructions, err := v.prompts.MeasurementInstructions(input)
	if err != nil {
		return Submission{}, err
	}

	payload := map[string]any{
		"model":           v.model,
		"max_tokens":      1500,
		"response_format": map[string]string{"type": "json_object"},
		"messages": []any{
			map[string]any{"role": "system", "content": instructions},
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{"type": "text", "text": "Estimate the measurements of this room."},
					map[string]any{"type": "image_url", "image_url": map[string]string{"url": source.dataURL()}},
				},
			},
		},
	}
	build, err := jsonRequest(http.MethodPost, v.baseURL+"/chat/completions", payload, openAIHeaders(v.apiKey, v.organization))
	if err != nil {
		return Submission{}, err
	}

	response, err := v.caller.do(ctx, build)
	if err != nil {
		return Submission{}, err
	}
	if !response.ok() {
		return Submission{}, v.caller.submissionError(response)
	}

	var decoded chatCompletionResponse
	if err := json.Unmarshal(response.Body, &decoded); err != nil {
		return Submission{}, fmt.Errorf("decode %s response: %w", v.Name(), err)
	}
	content := decoded.text()
	if content == "" {
		return Submission{Handle: decoded.ID, Outcome: Failure("vision model returned an empty answer")}, nil
	}

	result := map[string]any{"model": firstNonEmpty(decoded.Model, v.model)}
	if trimmed := []byte(content); bytes.HasPrefix(trimmed, []byte("{")) && json.Valid(trimmed) {
		result["measurements"] = json.RawMessage(trimmed)
	} else {
		result["text"] = content
	}
	encoded, err := encodeResult(result)
	if err != nil {
		return Submission{}, err
	}
	return Submission{Handle: decoded.ID, Outcome: Success(encoded)}, nil
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (r chatCompletionResponse) text() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Choices[0].Message.Content)
}

func openAIHeaders(apiKey, organization string) map[string]string {
	headers := map[string]string{"Authorization": "Bearer " + apiKey}
	if organization != "" {
		headers["OpenAI-Organization"] = organization
	}
	return headers
}
