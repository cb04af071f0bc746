package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 64 << 20

type httpResponse struct {
	StatusCode int
	Body       []byte
}

func (r httpResponse) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

type requestFactory func(ctx context.Context) (*http.Request, error)

// httpCaller is the transport shared by every adapter: per-call timeout and a
// bounded retry on 429, 5xx and transport timeouts.
type httpCaller struct {
	name       string
	client     *http.Client
	timeout    time.Duration
	maxRetries int
}

func newHTTPCaller(name string, client *http.Client, timeout time.Duration, maxRetries int) httpCaller {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return httpCaller{name: name, client: client, timeout: timeout, maxRetries: maxRetries}
}

func (c httpCaller) do(ctx context.Context, build requestFactory) (httpResponse, error) {
	var (
		last    httpResponse
		lastErr error
	)
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		response, err := c.once(ctx, build)
		last, lastErr = response, err

		if err == nil && !retryableStatus(response.StatusCode) {
			return response, nil
		}
		if err != nil && (!isRetryableError(err) || ctx.Err() != nil) {
			return response, err
		}
		if attempt == c.maxRetries {
			break
		}

		backoff := time.Duration(350*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return httpResponse{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return last, lastErr
}

func (c httpCaller) once(ctx context.Context, build requestFactory) (httpResponse, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := build(timeoutCtx)
	if err != nil {
		return httpResponse{}, fmt.Errorf("create %s request: %w", c.name, err)
	}

	response, err := c.client.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return httpResponse{}, fmt.Errorf("%s timeout: %w", c.name, err)
		}
		return httpResponse{}, fmt.Errorf("%s transport error: %w", c.name, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return httpResponse{}, fmt.Errorf("read %s body: %w", c.name, err)
	}
	return httpResponse{StatusCode: response.StatusCode, Body: body}, nil
}

func (c httpCaller) submissionError(response httpResponse) *SubmissionError {
	return &SubmissionError{
		Provider:   c.name,
		StatusCode: response.StatusCode,
		Body:       truncate(strings.TrimSpace(string(response.Body)), 700),
	}
}

func jsonRequest(method, url string, payload any, headers map[string]string) (requestFactory, error) {
	var encoded []byte
	if payload != nil {
		var err error
		if encoded, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
	}
	return func(ctx context.Context) (*http.Request, error) {
		var body io.Reader
		if encoded != nil {
			body = bytes.NewReader(encoded)
		}
		request, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		if encoded != nil {
			request.Header.Set("Content-Type", "application/json")
		}
		request.Header.Set("Accept", "application/json")
		for key, value := range headers {
			request.Header.Set(key, value)
		}
		return request, nil
	}, nil
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "timeout") || strings.Contains(message, "tempor")
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
