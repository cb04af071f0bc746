package provider

import (
	"context"
	"encoding/json"
)

// DemoScan stands in for a 3D reconstruction service. Every scan completes
// immediately with a demo placeholder and no model.
type DemoScan struct {
	pollNotSupported
	schedule Schedule
}

func NewDemoScan(schedule Schedule) *DemoScan {
	return &DemoScan{pollNotSupported: pollNotSupported{name: "demo-scan"}, schedule: schedule}
}

func (d *DemoScan) Name() string       { return d.name }
func (d *DemoScan) Configured() bool   { return true }
func (d *DemoScan) Schedule() Schedule { return d.schedule }

func (d *DemoScan) Submit(_ context.Context, raw json.RawMessage) (Submission, error) {
	input, err := decodeInput(raw)
	if err != nil {
		return Submission{}, err
	}
	result, err := encodeResult(map[string]any{
		"mode":      "demo",
		"model_url": nil,
		"source":    firstNonEmpty(input.UploadID, input.ImageURL, "none"),
	})
	if err != nil {
		return Submission{}, err
	}
	return Submission{Outcome: Success(result)}, nil
}
