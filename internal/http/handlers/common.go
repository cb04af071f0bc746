package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/patagon3d/renovation-back/internal/domain"
	"github.com/patagon3d/renovation-back/internal/http/middleware"
	"github.com/patagon3d/renovation-back/internal/repository"
	"github.com/patagon3d/renovation-back/internal/service"
	"github.com/patagon3d/renovation-back/internal/storage"
	"github.com/rs/zerolog"
)

const (
	maxJobBodyBytes    = 1 << 20
	idempotencyTTL     = 24 * time.Hour
	defaultServiceName = "Patagon3d"
)

// JobsService is the part of service.JobsService the handlers call.
type JobsService interface {
	Submit(ctx context.Context, category string, raw json.RawMessage) (*domain.Job, error)
	GetJob(ctx context.Context, category, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, category string, limit int) ([]*domain.Job, error)
	ProviderStatus() map[string]bool
}

// BlobReader serves blobs kept in process memory.
type BlobReader interface {
	Get(key string) ([]byte, string, error)
}

type APIConfig struct {
	Jobs           JobsService
	Uploads        *storage.UploadBuffer
	Blobs          BlobReader
	UploadMaxBytes int64
	PublicBaseURL  string
	ServiceName    string
	Logger         zerolog.Logger
}

type API struct {
	jobs           JobsService
	uploads        *storage.UploadBuffer
	blobs          BlobReader
	uploadMaxBytes int64
	publicBaseURL  string
	serviceName    string
	logger         zerolog.Logger
	idempotency    *idempotencyStore
}

func NewAPI(cfg APIConfig) *API {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	uploadMaxBytes := cfg.UploadMaxBytes
	if uploadMaxBytes <= 0 {
		uploadMaxBytes = 20 << 20
	}
	return &API{
		jobs:           cfg.Jobs,
		uploads:        cfg.Uploads,
		blobs:          cfg.Blobs,
		uploadMaxBytes: uploadMaxBytes,
		publicBaseURL:  cfg.PublicBaseURL,
		serviceName:    serviceName,
		logger:         cfg.Logger,
		idempotency:    newIdempotencyStore(idempotencyTTL),
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	middleware.WriteError(w, r, statusCode, code, message)
}

// writeServiceError maps service and store errors onto the HTTP envelope.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownCategory):
		writeError(w, r, http.StatusNotFound, "unknown_category", err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, service.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, service.ErrConfiguration):
		writeError(w, r, http.StatusInternalServerError, "configuration_error", err.Error())
	default:
		api.logger.Error().
			Err(err).
			Str("request_id", middleware.GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

var errIdempotencyConflict = errors.New("idempotency key reused with a different payload")

type idempotencyEntry struct {
	PayloadHash uint64
	JobID       string
	CreatedAt   time.Time
}

// idempotencyStore remembers which job an Idempotency-Key created. Submissions
// that carry a key are serialized so two concurrent retries cannot both create
// a job.
type idempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]idempotencyEntry
}

func newIdempotencyStore(ttl time.Duration) *idempotencyStore {
	return &idempotencyStore{
		ttl:     ttl,
		entries: make(map[string]idempotencyEntry),
	}
}

// Resolve returns the job id already recorded for key, or runs submit and
// records the id it returns. replayed reports whether submit was skipped.
func (s *idempotencyStore) Resolve(
	key string,
	payloadHash uint64,
	submit func() (string, error),
) (jobID string, replayed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.prune(now)
	if entry, ok := s.entries[key]; ok {
		if entry.PayloadHash != payloadHash {
			return "", false, errIdempotencyConflict
		}
		return entry.JobID, true, nil
	}

	jobID, err = submit()
	if err != nil {
		return "", false, err
	}
	s.entries[key] = idempotencyEntry{
		PayloadHash: payloadHash,
		JobID:       jobID,
		CreatedAt:   now,
	}
	return jobID, false, nil
}

func (s *idempotencyStore) prune(now time.Time) {
	for key, entry := range s.entries {
		if now.Sub(entry.CreatedAt) > s.ttl {
			delete(s.entries, key)
		}
	}
}

func hashPayload(payload []byte) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}
