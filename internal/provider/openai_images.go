package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/patagon3d/renovation-back/internal/prompts"
	"github.com/patagon3d/renovation-back/internal/storage"
)

type OpenAIImagesConfig struct {
	APIKey       string
	BaseURL      string
	Organization string
	Model        string
	EditModel    string
	Size         string
	Quality      string
	Timeout      time.Duration
	MaxRetries   int
	HTTPClient   *http.Client
	Prompts      *prompts.Catalog
	Uploads      UploadSource
	Blobs        storage.BlobStore
}

// OpenAIImages renders one renovation image per catalog style. With an
// uploaded room photo it edits the photo, otherwise it generates from text.
type OpenAIImages struct {
	pollNotSupported

	apiKey       string
	baseURL      string
	organization string
	model        string
	editModel    string
	size         string
	quality      string
	caller       httpCaller
	prompts      *prompts.Catalog
	uploads      UploadSource
	blobs        storage.BlobStore
}

func NewOpenAIImages(cfg OpenAIImagesConfig) *OpenAIImages {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "dall-e-3"
	}
	if cfg.EditModel == "" {
		cfg.EditModel = "gpt-image-1"
	}
	if cfg.Size == "" {
		cfg.Size = "1024x1024"
	}
	if cfg.Quality == "" {
		cfg.Quality = "standard"
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompts.Default()
	}
	const name = "openai-images"
	return &OpenAIImages{
		pollNotSupported: pollNotSupported{name: name},
		apiKey:           strings.TrimSpace(cfg.APIKey),
		baseURL:          strings.TrimSuffix(cfg.BaseURL, "/"),
		organization:     strings.TrimSpace(cfg.Organization),
		model:            cfg.Model,
		editModel:        cfg.EditModel,
		size:             cfg.Size,
		quality:          cfg.Quality,
		caller:           newHTTPCaller(name, cfg.HTTPClient, cfg.Timeout, cfg.MaxRetries),
		prompts:          cfg.Prompts,
		uploads:          cfg.Uploads,
		blobs:            cfg.Blobs,
	}
}

func (o *OpenAIImages) Name() string       { return o.caller.name }
func (o *OpenAIImages) Configured() bool   { return o.apiKey != "" }
func (o *OpenAIImages) Schedule() Schedule { return Schedule{} }

func (o *OpenAIImages) Submit(ctx context.Context, raw json.RawMessage) (Submission, error) {
	if !o.Configured() {
		return Submission{}, ErrMissingCredentials
	}
	input, err := decodeInput(raw)
	if err != nil {
		return Submission{}, err
	}
	source, err := resolveSource(o.uploads, input)
	if err != nil {
		return Submission{}, err
	}

	return renderVariants(ctx, o.prompts, o.blobs, input, func(ctx context.Context, prompt string) (imageData, error) {
		if source.hasBytes() {
			return o.edit(ctx, source, prompt)
		}
		return o.generate(ctx, prompt)
	})
}

func (o *OpenAIImages) generate(ctx context.Context, prompt string) (imageData, error) {
	payload := map[string]any{
		"model":   o.model,
		"prompt":  prompt,
		"n":       1,
		"size":    o.size,
		"quality": o.quality,
	}
	build, err := jsonRequest(http.MethodPost, o.baseURL+"/images/generations", payload, openAIHeaders(o.apiKey, o.organization))
	if err != nil {
		return imageData{}, err
	}
	return o.call(ctx, build)
}

func (o *OpenAIImages) edit(ctx context.Context, source sourceImage, prompt string) (imageData, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	fields := map[string]string{
		"model":  o.editModel,
		"prompt": prompt,
		"n":      "1",
		"size":   o.size,
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return imageData{}, fmt.Errorf("write %s field: %w", key, err)
		}
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="room.png"`)
	header.Set("Content-Type", source.contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return imageData{}, fmt.Errorf("create image part: %w", err)
	}
	if _, err := part.Write(source.data); err != nil {
		return imageData{}, fmt.Errorf("write image part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return imageData{}, fmt.Errorf("close multipart body: %w", err)
	}

	encoded := body.Bytes()
	contentType := writer.FormDataContentType()
	headers := openAIHeaders(o.apiKey, o.organization)
	build := func(ctx context.Context) (*http.Request, error) {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/images/edits", bytes.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		request.Header.Set("Content-Type", contentType)
		request.Header.Set("Accept", "application/json")
		for key, value := range headers {
			request.Header.Set(key, value)
		}
		return request, nil
	}
	return o.call(ctx, build)
}

func (o *OpenAIImages) call(ctx context.Context, build requestFactory) (imageData, error) {
	response, err := o.caller.do(ctx, build)
	if err != nil {
		return imageData{}, err
	}
	if !response.ok() {
		return imageData{}, o.caller.submissionError(response)
	}

	var decoded struct {
		Data []struct {
			URL           string `json:"url"`
			B64JSON       string `json:"b64_json"`
			RevisedPrompt string `json:"revised_prompt"`
		} `json:"data"`
	}
	if err := json.Unmarshal(response.Body, &decoded); err != nil {
		return imageData{}, fmt.Errorf("decode %s response: %w", o.Name(), err)
	}
	if len(decoded.Data) == 0 {
		return imageData{}, fmt.Errorf("%s returned no image", o.Name())
	}
	first := decoded.Data[0]
	return imageData{URL: first.URL, Base64: first.B64JSON, RevisedPrompt: first.RevisedPrompt}, nil
}
