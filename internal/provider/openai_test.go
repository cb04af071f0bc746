package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patagon3d/renovation-back/internal/domain"
	"github.com/patagon3d/renovation-back/internal/storage"
)

func TestOpenAIVisionParsesJSONAnswer(t *testing.T) {
	uploads := storage.NewUploadBuffer()
	upload := uploads.Put("room.jpg", "image/jpeg", []byte("jpeg-bytes"))

	var sawDataURL atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		sawDataURL.Store(strings.Contains(string(raw), "data:image/jpeg;base64,"))
		_, _ = w.Write([]byte(`{
			"id":"chatcmpl-1",
			"model":"gpt-4o",
			"choices":[{"message":{"content":"{\"room_type\":\"kitchen\",\"confidence\":0.8}"}}]
		}`))
	}))
	defer server.Close()

	vision := NewOpenAIVision(OpenAIVisionConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Timeout: 2 * time.Second,
		Uploads: uploads,
	})
	submission, err := vision.Submit(context.Background(), json.RawMessage(`{"upload_id":"`+upload.ID+`","unit":"metric"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submission.Outcome.Kind != Succeeded {
		t.Fatalf("expected synchronous success, got %s", submission.Outcome.Kind)
	}
	if !sawDataURL.Load() {
		t.Fatalf("expected uploaded bytes to be sent as data url")
	}

	var result struct {
		Model        string         `json:"model"`
		Measurements map[string]any `json:"measurements"`
	}
	if err := json.Unmarshal(submission.Outcome.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Measurements["room_type"] != "kitchen" {
		t.Fatalf("unexpected measurements %v", result.Measurements)
	}
}

func TestOpenAIVisionKeepsFreeText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"About 4 by 5 meters."}}]}`))
	}))
	defer server.Close()

	vision := NewOpenAIVision(OpenAIVisionConfig{APIKey: "k", BaseURL: server.URL})
	submission, err := vision.Submit(context.Background(), json.RawMessage(`{"image_url":"https://img/room.jpg"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(string(submission.Outcome.Result), `"text":"About 4 by 5 meters."`) {
		t.Fatalf("expected free text result, got %s", submission.Outcome.Result)
	}
}

func TestOpenAIVisionMissingUpload(t *testing.T) {
	vision := NewOpenAIVision(OpenAIVisionConfig{APIKey: "k", Uploads: storage.NewUploadBuffer()})
	_, err := vision.Submit(context.Background(), json.RawMessage(`{"upload_id":"gone"}`))
	if !errors.Is(err, ErrUploadMissing) {
		t.Fatalf("expected ErrUploadMissing, got %v", err)
	}
}

func TestOpenAIImagesGeneratesEveryStyle(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/generations" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var payload map[string]any
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &payload)
		if payload["model"] != "dall-e-3" || payload["size"] != "1024x1024" || payload["quality"] != "standard" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch atomic.AddInt32(&calls, 1) {
		case 2:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"content_policy_violation"}`))
		case 3:
			_, _ = w.Write([]byte(`{"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString([]byte("png-bytes")) + `"}]}`))
		default:
			_, _ = w.Write([]byte(`{"data":[{"url":"https://cdn/one.png","revised_prompt":"revised"}]}`))
		}
	}))
	defer server.Close()

	blobs := storage.NewMemoryBlobStore("http://api.local")
	images := NewOpenAIImages(OpenAIImagesConfig{APIKey: "k", BaseURL: server.URL, Blobs: blobs})
	submission, err := images.Submit(context.Background(), json.RawMessage(`{"prompt":"white oak","element_type":"cabinets"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submission.Outcome.Kind != Succeeded {
		t.Fatalf("expected success, got %s (%s)", submission.Outcome.Kind, submission.Outcome.Reason)
	}

	var result struct {
		Images []renovationImage `json:"images"`
	}
	if err := json.Unmarshal(submission.Outcome.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Images) != 2 {
		t.Fatalf("expected failed variant to be skipped, got %d images", len(result.Images))
	}
	if result.Images[0].URL != "https://cdn/one.png" || result.Images[0].RevisedPrompt != "revised" {
		t.Fatalf("unexpected first image %+v", result.Images[0])
	}
	if !strings.HasPrefix(result.Images[1].URL, "http://api.local/blobs/renovations/") {
		t.Fatalf("expected inline image stored as blob, got %s", result.Images[1].URL)
	}
	if result.Images[1].Style != "sleek contemporary luxury style" {
		t.Fatalf("expected third style on second image, got %s", result.Images[1].Style)
	}
}

func TestOpenAIImagesAllVariantsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"billing_hard_limit_reached"}`))
	}))
	defer server.Close()

	images := NewOpenAIImages(OpenAIImagesConfig{APIKey: "k", BaseURL: server.URL})
	_, err := images.Submit(context.Background(), json.RawMessage(`{"prompt":"p","element_type":"e"}`))
	var submissionErr *SubmissionError
	if !errors.As(err, &submissionErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if !strings.Contains(err.Error(), "billing_hard_limit_reached") {
		t.Fatalf("expected raw body in message, got %q", err.Error())
	}
}

func TestOpenAIImagesEditsUploadedPhoto(t *testing.T) {
	uploads := storage.NewUploadBuffer()
	upload := uploads.Put("room.png", "image/png", []byte("\x89PNG room"))

	var edits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/edits" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.FormValue("model") != "gpt-image-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("image"); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		atomic.AddInt32(&edits, 1)
		_, _ = w.Write([]byte(`{"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString([]byte("edited")) + `"}]}`))
	}))
	defer server.Close()

	images := NewOpenAIImages(OpenAIImagesConfig{
		APIKey:  "k",
		BaseURL: server.URL,
		Uploads: uploads,
		Blobs:   storage.NewMemoryBlobStore(""),
	})
	submission, err := images.Submit(context.Background(), json.RawMessage(`{"prompt":"p","element_type":"e","upload_id":"`+upload.ID+`"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submission.Outcome.Kind != Succeeded {
		t.Fatalf("expected success, got %s", submission.Outcome.Kind)
	}
	if atomic.LoadInt32(&edits) != 3 {
		t.Fatalf("expected one edit per style, got %d", atomic.LoadInt32(&edits))
	}
}

func TestImagenPredictsAndStoresImages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/projects/proj/locations/us-central1/publishers/google/models/imagen-3.0-generate-002:predict") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"predictions":[{"bytesBase64Encoded":"` + base64.StdEncoding.EncodeToString([]byte("img")) + `","mimeType":"image/png"}]}`))
	}))
	defer server.Close()

	blobs := storage.NewMemoryBlobStore("")
	imagen := NewImagen(ImagenConfig{ProjectID: "proj", AccessToken: "token", BaseURL: server.URL, Blobs: blobs})
	submission, err := imagen.Submit(context.Background(), json.RawMessage(`{"prompt":"p","element_type":"e"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var result struct {
		Images []renovationImage `json:"images"`
	}
	_ = json.Unmarshal(submission.Outcome.Result, &result)
	if len(result.Images) != 3 {
		t.Fatalf("expected 3 images, got %d", len(result.Images))
	}
	key := strings.TrimPrefix(result.Images[0].URL, "/blobs/")
	data, contentType, err := blobs.Get(key)
	if err != nil || string(data) != "img" || contentType != "image/png" {
		t.Fatalf("expected stored prediction, got %q %q %v", data, contentType, err)
	}
}

func TestRegistryReportsConfiguration(t *testing.T) {
	registry := NewRegistry()
	registry.Register(domain.JobCategoryVideo, NewLuma(LumaConfig{}))
	registry.Register(domain.JobCategoryScan, NewDemoScan(Schedule{}))

	status := registry.Configured()
	if status["luma"] {
		t.Fatalf("expected luma unconfigured")
	}
	if !status["demo-scan"] {
		t.Fatalf("expected demo scan configured")
	}
	if _, ok := registry.For(domain.JobCategoryMeasurement); ok {
		t.Fatalf("expected no adapter for measurement")
	}
}

func TestDemoScanCompletesSynchronously(t *testing.T) {
	submission, err := NewDemoScan(Schedule{}).Submit(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submission.Outcome.Kind != Succeeded {
		t.Fatalf("expected success, got %s", submission.Outcome.Kind)
	}
	if !strings.Contains(string(submission.Outcome.Result), `"model_url":null`) {
		t.Fatalf("expected null model url, got %s", submission.Outcome.Result)
	}
}
