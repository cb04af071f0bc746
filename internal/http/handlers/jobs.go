package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/patagon3d/renovation-back/internal/domain"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type acceptedResponse struct {
	ID         string             `json:"id"`
	Status     domain.JobStatus   `json:"status"`
	Category   domain.JobCategory `json:"category"`
	StatusURL  string             `json:"status_url"`
	AcceptedAt string             `json:"accepted_at"`
}

type jobResponse struct {
	ID             string             `json:"id"`
	Category       domain.JobCategory `json:"category"`
	Status         domain.JobStatus   `json:"status"`
	Detail         string             `json:"detail,omitempty"`
	Result         any                `json:"result"`
	Error          *string            `json:"error"`
	ProviderHandle string             `json:"provider_handle,omitempty"`
	Fallback       bool               `json:"fallback"`
	Attempts       int                `json:"attempts"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func newJobResponse(job *domain.Job) jobResponse {
	response := jobResponse{
		ID:             job.ID,
		Category:       job.Category,
		Status:         job.Status,
		Detail:         job.Detail,
		ProviderHandle: job.ProviderHandle,
		Fallback:       job.Fallback,
		Attempts:       job.Attempts,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
	if len(job.Result) > 0 {
		response.Result = jsonRawOrFallback(job.Result)
	}
	if message := strings.TrimSpace(job.ErrorMessage); message != "" {
		response.Error = &message
	}
	return response
}

// SubmitJob accepts a job for the category in the path. The body is the
// category input; an Idempotency-Key header makes retries return the job the
// first request created.
func (api *API) SubmitJob(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJobBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey == "" {
		job, err := api.jobs.Submit(r.Context(), category, body)
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
		api.writeAccepted(w, job)
		return
	}

	var submitted *domain.Job
	jobID, replayed, err := api.idempotency.Resolve(category+":"+idempotencyKey, hashPayload(body), func() (string, error) {
		job, err := api.jobs.Submit(r.Context(), category, body)
		if err != nil {
			return "", err
		}
		submitted = job
		return job.ID, nil
	})
	if err != nil {
		if errors.Is(err, errIdempotencyConflict) {
			writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
			return
		}
		api.writeServiceError(w, r, err)
		return
	}
	if !replayed {
		api.writeAccepted(w, submitted)
		return
	}

	job, err := api.jobs.GetJob(r.Context(), category, jobID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeAccepted(w, job)
}

func (api *API) writeAccepted(w http.ResponseWriter, job *domain.Job) {
	statusURL := api.statusURL(job)
	w.Header().Set("Location", statusURL)
	w.Header().Set("Retry-After", "2")
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		ID:         job.ID,
		Status:     job.Status,
		Category:   job.Category,
		StatusURL:  statusURL,
		AcceptedAt: job.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (api *API) statusURL(job *domain.Job) string {
	return strings.TrimRight(api.publicBaseURL, "/") + "/jobs/" + string(job.Category) + "/" + job.ID
}

func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "id"))
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job id is required")
		return
	}

	job, err := api.jobs.GetJob(r.Context(), chi.URLParam(r, "category"), jobID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (api *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxListLimit)
	}

	jobs, err := api.jobs.ListJobs(r.Context(), chi.URLParam(r, "category"), limit)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	items := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, newJobResponse(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  items,
		"count": len(items),
	})
}

func jsonRawOrFallback(value []byte) any {
	var decoded any
	if err := json.Unmarshal(value, &decoded); err == nil {
		return decoded
	}
	return string(value)
}
