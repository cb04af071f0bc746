package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/patagon3d/renovation-back/internal/storage"
)

const uploadFormField = "file"

// Upload stores a multipart file in the upload buffer so a later job can
// reference it by upload_id.
func (api *API) Upload(w http.ResponseWriter, r *http.Request) {
	if api.uploads == nil {
		writeError(w, r, http.StatusServiceUnavailable, "uploads_disabled", "uploads are not enabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, api.uploadMaxBytes)
	file, header, err := r.FormFile(uploadFormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "upload exceeds size limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request", "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "failed to read upload")
		return
	}
	if len(data) == 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "upload is empty")
		return
	}

	contentType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	upload := api.uploads.Put(header.Filename, contentType, data)
	api.logger.Debug().
		Str("upload_id", upload.ID).
		Str("content_type", contentType).
		Int("size", len(data)).
		Msg("upload buffered")

	writeJSON(w, http.StatusCreated, map[string]any{
		"upload_id":    upload.ID,
		"size":         len(data),
		"content_type": contentType,
	})
}

// Blob serves objects written to the in-memory blob store.
func (api *API) Blob(w http.ResponseWriter, r *http.Request) {
	if api.blobs == nil {
		writeError(w, r, http.StatusNotFound, "not_found", "blob not found")
		return
	}

	key := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	data, contentType, err := api.blobs.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "blob not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to read blob")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
