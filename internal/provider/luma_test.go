package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLuma(baseURL string) *Luma {
	return NewLuma(LumaConfig{
		APIKey:       "luma-key",
		BaseURL:      baseURL,
		Timeout:      2 * time.Second,
		PollInterval: time.Millisecond,
		MaxAttempts:  3,
	})
}

func TestLumaSubmitReturnsHandle(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/generations" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer luma-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		bodies <- body
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"gen-42","state":"queued"}`))
	}))
	defer server.Close()

	submission, err := newTestLuma(server.URL).Submit(context.Background(), json.RawMessage(`{"prompt":"walnut island","element_type":"island"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submission.Handle != "gen-42" {
		t.Fatalf("expected handle gen-42, got %q", submission.Handle)
	}
	if submission.Outcome.Terminal() {
		t.Fatalf("expected non-terminal submission, got %s", submission.Outcome.Kind)
	}
	body := <-bodies
	if body["aspect_ratio"] != "16:9" || body["loop"] != false {
		t.Fatalf("unexpected payload %v", body)
	}
	if prompt, _ := body["prompt"].(string); !strings.Contains(prompt, "walnut island") {
		t.Fatalf("expected prompt to carry design details, got %q", prompt)
	}
}

func TestLumaSubmitRejectedCarriesStatusAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("bad gateway"))
	}))
	defer server.Close()

	_, err := newTestLuma(server.URL).Submit(context.Background(), json.RawMessage(`{"prompt":"p","element_type":"e"}`))
	var submissionErr *SubmissionError
	if !errors.As(err, &submissionErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if submissionErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", submissionErr.StatusCode)
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "bad gateway") {
		t.Fatalf("expected status and body in message, got %q", err.Error())
	}
}

func TestLumaSubmitWithoutKey(t *testing.T) {
	luma := NewLuma(LumaConfig{})
	if luma.Configured() {
		t.Fatalf("expected unconfigured adapter")
	}
	if _, err := luma.Submit(context.Background(), nil); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestLumaPollNormalizesStates(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind OutcomeKind
		check    func(t *testing.T, outcome Outcome)
	}{
		{
			name:     "dreaming is still running",
			status:   http.StatusOK,
			body:     `{"id":"g","state":"dreaming"}`,
			wantKind: StillRunning,
		},
		{
			name:     "completed with assets",
			status:   http.StatusOK,
			body:     `{"id":"g","state":"completed","assets":{"video":"https://cdn/v.mp4","thumbnail":"https://cdn/t.jpg"}}`,
			wantKind: Succeeded,
			check: func(t *testing.T, outcome Outcome) {
				var result map[string]any
				_ = json.Unmarshal(outcome.Result, &result)
				if result["video_url"] != "https://cdn/v.mp4" || result["thumbnail_url"] != "https://cdn/t.jpg" {
					t.Fatalf("unexpected result %v", result)
				}
			},
		},
		{
			name:     "done via status field and nested video",
			status:   http.StatusOK,
			body:     `{"id":"g","status":"Done","video":{"url":"https://cdn/nested.mp4"}}`,
			wantKind: Succeeded,
			check: func(t *testing.T, outcome Outcome) {
				if !strings.Contains(string(outcome.Result), "nested.mp4") {
					t.Fatalf("expected nested video url, got %s", outcome.Result)
				}
			},
		},
		{
			name:     "failed with reason",
			status:   http.StatusOK,
			body:     `{"id":"g","state":"failed","failure_reason":"content policy"}`,
			wantKind: Failed,
			check: func(t *testing.T, outcome Outcome) {
				if outcome.Reason != "content policy" {
					t.Fatalf("expected provider reason, got %q", outcome.Reason)
				}
			},
		},
		{
			name:     "completed without asset fails",
			status:   http.StatusOK,
			body:     `{"id":"g","state":"ready"}`,
			wantKind: Failed,
		},
		{
			name:     "non ok status keeps waiting",
			status:   http.StatusNotFound,
			body:     `{"detail":"not found"}`,
			wantKind: StillRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/generations/g" {
					w.WriteHeader(http.StatusTeapot)
					return
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			outcome, err := newTestLuma(server.URL).Poll(context.Background(), "g")
			if err != nil {
				t.Fatalf("poll: %v", err)
			}
			if outcome.Kind != tt.wantKind {
				t.Fatalf("expected %s, got %s", tt.wantKind, outcome.Kind)
			}
			if tt.check != nil {
				tt.check(t, outcome)
			}
		})
	}
}

func TestHTTPCallerRetriesOnRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"id":"gen-1"}`))
	}))
	defer server.Close()

	luma := NewLuma(LumaConfig{APIKey: "k", BaseURL: server.URL, MaxRetries: 1, Timeout: time.Second})
	submission, err := luma.Submit(context.Background(), json.RawMessage(`{"prompt":"p","element_type":"e"}`))
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if submission.Handle != "gen-1" {
		t.Fatalf("expected gen-1, got %q", submission.Handle)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", atomic.LoadInt32(&calls))
	}
}
