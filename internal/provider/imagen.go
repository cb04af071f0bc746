package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/patagon3d/renovation-back/internal/prompts"
	"github.com/patagon3d/renovation-back/internal/storage"
)

type ImagenConfig struct {
	ProjectID   string
	Location    string
	Model       string
	AccessToken string
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
	HTTPClient  *http.Client
	Prompts     *prompts.Catalog
	Uploads     UploadSource
	Blobs       storage.BlobStore
}

// Imagen renders renovation variants through the Vertex AI predict endpoint.
// Predictions come back inline and are moved to blob storage.
type Imagen struct {
	pollNotSupported

	projectID   string
	location    string
	model       string
	accessToken string
	baseURL     string
	caller      httpCaller
	prompts     *prompts.Catalog
	uploads     UploadSource
	blobs       storage.BlobStore
}

func NewImagen(cfg ImagenConfig) *Imagen {
	if cfg.Location == "" {
		cfg.Location = "us-central1"
	}
	if cfg.Model == "" {
		cfg.Model = "imagen-3.0-generate-002"
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", cfg.Location)
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompts.Default()
	}
	const name = "imagen"
	return &Imagen{
		pollNotSupported: pollNotSupported{name: name},
		projectID:        strings.TrimSpace(cfg.ProjectID),
		location:         cfg.Location,
		model:            cfg.Model,
		accessToken:      strings.TrimSpace(cfg.AccessToken),
		baseURL:          strings.TrimSuffix(cfg.BaseURL, "/"),
		caller:           newHTTPCaller(name, cfg.HTTPClient, cfg.Timeout, cfg.MaxRetries),
		prompts:          cfg.Prompts,
		uploads:          cfg.Uploads,
		blobs:            cfg.Blobs,
	}
}

func (g *Imagen) Name() string       { return g.caller.name }
func (g *Imagen) Configured() bool   { return g.accessToken != "" && g.projectID != "" }
func (g *Imagen) Schedule() Schedule { return Schedule{} }

func (g *Imagen) endpoint() string {
	return fmt.Sprintf("%s/projects/%s/locations/%s/publishers/google/models/%s:predict",
		g.baseURL, g.projectID, g.location, g.model)
}

func (g *Imagen) Submit(ctx context.Context, raw json.RawMessage) (Submission, error) {
	if !g.Configured() {
		return Submission{}, ErrMissingCredentials
	}
	input, err := decodeInput(raw)
	if err != nil {
		return Submission{}, err
	}
	source, err := resolveSource(g.uploads, input)
	if err != nil {
		return Submission{}, err
	}

	return renderVariants(ctx, g.prompts, g.blobs, input, func(ctx context.Context, prompt string) (imageData, error) {
		return g.predict(ctx, prompt, source)
	})
}

func (g *Imagen) predict(ctx context.Context, prompt string, source sourceImage) (imageData, error) {
	instance := map[string]any{"prompt": prompt}
	if source.hasBytes() {
		instance["image"] = map[string]string{
			"bytesBase64Encoded": base64.StdEncoding.EncodeToString(source.data),
		}
	}
	payload := map[string]any{
		"instances": []any{instance},
		"parameters": map[string]any{
			"sampleCount": 1,
			"aspectRatio": "1:1",
		},
	}
	headers := map[string]string{"Authorization": "Bearer " + g.accessToken}
	build, err := jsonRequest(http.MethodPost, g.endpoint(), payload, headers)
	if err != nil {
		return imageData{}, err
	}

	response, err := g.caller.do(ctx, build)
	if err != nil {
		return imageData{}, err
	}
	if !response.ok() {
		return imageData{}, g.caller.submissionError(response)
	}

	var decoded struct {
		Predictions []struct {
			BytesBase64Encoded string `json:"bytesBase64Encoded"`
			MimeType           string `json:"mimeType"`
		} `json:"predictions"`
	}
	if err := json.Unmarshal(response.Body, &decoded); err != nil {
		return imageData{}, fmt.Errorf("decode imagen response: %w", err)
	}
	if len(decoded.Predictions) == 0 || decoded.Predictions[0].BytesBase64Encoded == "" {
		return imageData{}, fmt.Errorf("imagen returned no prediction")
	}
	return imageData{
		Base64:   decoded.Predictions[0].BytesBase64Encoded,
		MimeType: decoded.Predictions[0].MimeType,
	}, nil
}
