package domain

import (
	"errors"
	"strings"
)

var ErrInvalidInput = errors.New("invalid job input")

// JobInput is the request payload accepted for every category. Each provider
// reads the fields it needs.
type JobInput struct {
	Prompt       string `json:"prompt,omitempty"`
	ElementType  string `json:"element_type,omitempty"`
	Style        string `json:"style,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	UploadID     string `json:"upload_id,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Unit         string `json:"unit,omitempty"`
}

func (in *JobInput) Normalize() {
	in.Prompt = strings.TrimSpace(in.Prompt)
	in.ElementType = strings.TrimSpace(in.ElementType)
	in.Style = strings.TrimSpace(in.Style)
	in.ImageURL = strings.TrimSpace(in.ImageURL)
	in.UploadID = strings.TrimSpace(in.UploadID)
	in.Instructions = strings.TrimSpace(in.Instructions)
	in.Unit = strings.ToLower(strings.TrimSpace(in.Unit))
}

// Validate checks the fields each category requires.
func (in JobInput) Validate(category JobCategory) error {
	if len(in.Prompt) > 4000 || len(in.Instructions) > 4000 {
		return errors.Join(ErrInvalidInput, errors.New("prompt too long"))
	}
	switch category {
	case JobCategoryMeasurement:
		if in.ImageURL == "" && in.UploadID == "" {
			return errors.Join(ErrInvalidInput, errors.New("image_url or upload_id is required"))
		}
		if in.Unit != "" && in.Unit != "metric" && in.Unit != "imperial" {
			return errors.Join(ErrInvalidInput, errors.New("unit must be metric or imperial"))
		}
	case JobCategoryRenovation, JobCategoryVideo:
		if in.Prompt == "" {
			return errors.Join(ErrInvalidInput, errors.New("prompt is required"))
		}
		if in.ElementType == "" {
			return errors.Join(ErrInvalidInput, errors.New("element_type is required"))
		}
	case JobCategoryScan:
	default:
		return errors.Join(ErrInvalidInput, errors.New("unknown category"))
	}
	return nil
}
