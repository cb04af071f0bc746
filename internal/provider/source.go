package provider

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/patagon3d/renovation-back/internal/domain"
	"github.com/patagon3d/renovation-back/internal/storage"
)

var ErrUploadMissing = errors.New("upload not found or already consumed")

// UploadSource resolves upload ids referenced by job input.
type UploadSource interface {
	Get(id string) (storage.Upload, bool)
}

// sourceImage is the room photo a job refers to: uploaded bytes or a remote
// URL, never both.
type sourceImage struct {
	data        []byte
	contentType string
	url         string
}

func (s sourceImage) hasBytes() bool {
	return len(s.data) > 0
}

func (s sourceImage) empty() bool {
	return len(s.data) == 0 && s.url == ""
}

// dataURL inlines uploaded bytes, or returns the remote URL unchanged.
func (s sourceImage) dataURL() string {
	if !s.hasBytes() {
		return s.url
	}
	return "data:" + s.contentType + ";base64," + base64.StdEncoding.EncodeToString(s.data)
}

func resolveSource(uploads UploadSource, input domain.JobInput) (sourceImage, error) {
	if input.UploadID != "" {
		if uploads == nil {
			return sourceImage{}, ErrUploadMissing
		}
		upload, ok := uploads.Get(input.UploadID)
		if !ok {
			return sourceImage{}, ErrUploadMissing
		}
		contentType := upload.ContentType
		if contentType == "" || contentType == "application/octet-stream" {
			contentType = http.DetectContentType(upload.Data)
		}
		return sourceImage{data: upload.Data, contentType: contentType}, nil
	}
	return sourceImage{url: input.ImageURL}, nil
}
