package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/patagon3d/renovation-back/internal/domain"
	"github.com/patagon3d/renovation-back/internal/prompts"
	"github.com/patagon3d/renovation-back/internal/storage"
)

type renovationImage struct {
	URL           string `json:"url"`
	Style         string `json:"style"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// imageData is one generated image as the provider returned it: a hosted URL
// or inline base64 bytes.
type imageData struct {
	URL           string
	Base64        string
	MimeType      string
	RevisedPrompt string
}

type renderFunc func(ctx context.Context, prompt string) (imageData, error)

// renderVariants renders one image per catalog style. A failed variant is
// skipped; the first error is returned only when every variant failed.
func renderVariants(
	ctx context.Context,
	catalog *prompts.Catalog,
	blobs storage.BlobStore,
	input domain.JobInput,
	render renderFunc,
) (Submission, error) {
	batch := uuid.NewString()
	images := make([]renovationImage, 0)
	var firstErr error
	for index, style := range catalog.RenovationStyles() {
		prompt, err := catalog.RenovationPrompt(input, style)
		if err != nil {
			return Submission{}, err
		}

		image, err := render(ctx, prompt)
		if err == nil {
			image.URL, err = materialize(ctx, blobs, image, fmt.Sprintf("renovations/%s/%d.png", batch, index))
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if ctx.Err() != nil {
				return Submission{}, ctx.Err()
			}
			continue
		}

		images = append(images, renovationImage{
			URL:           image.URL,
			Style:         style,
			RevisedPrompt: image.RevisedPrompt,
		})
	}

	if len(images) == 0 {
		if firstErr != nil {
			return Submission{}, firstErr
		}
		return Submission{Handle: batch, Outcome: Failure("no renovation images generated")}, nil
	}

	result, err := encodeResult(map[string]any{"images": images})
	if err != nil {
		return Submission{}, err
	}
	return Submission{Handle: batch, Outcome: Success(result)}, nil
}

// materialize returns a fetchable URL for image, uploading inline bytes to
// blob storage under key.
func materialize(ctx context.Context, blobs storage.BlobStore, image imageData, key string) (string, error) {
	if image.Base64 == "" {
		if image.URL == "" {
			return "", fmt.Errorf("image without url or data")
		}
		return image.URL, nil
	}
	if blobs == nil {
		return "", fmt.Errorf("blob storage not configured for inline image")
	}
	data, err := base64.StdEncoding.DecodeString(image.Base64)
	if err != nil {
		return "", fmt.Errorf("decode image data: %w", err)
	}
	contentType := image.MimeType
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	url, err := blobs.Put(ctx, key, contentType, data)
	if err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	return url, nil
}
