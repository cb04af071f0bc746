package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Upload is a file received over HTTP and held until a job consumes it.
type Upload struct {
	ID          string
	Filename    string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
	// ClaimedBy is the id of the job that owns the upload, empty until a job
	// is accepted with it.
	ClaimedBy string
}

// UploadBuffer holds uploaded files in memory. Each upload has a single
// owner: one job claims it at submission and releases it when its run ends.
type UploadBuffer struct {
	mu    sync.Mutex
	items map[string]Upload
}

func NewUploadBuffer() *UploadBuffer {
	return &UploadBuffer{items: make(map[string]Upload)}
}

func (b *UploadBuffer) Put(filename, contentType string, data []byte) Upload {
	upload := Upload{
		ID:          uuid.NewString(),
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
		CreatedAt:   time.Now().UTC(),
	}

	b.mu.Lock()
	b.items[upload.ID] = upload
	b.mu.Unlock()
	return upload
}

func (b *UploadBuffer) Get(id string) (Upload, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	upload, ok := b.items[id]
	return upload, ok
}

func (b *UploadBuffer) Has(id string) bool {
	_, ok := b.Get(id)
	return ok
}

// Claim makes jobID the owner of the upload. It fails when the upload is
// unknown or already owned by another job.
func (b *UploadBuffer) Claim(id, jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	upload, ok := b.items[id]
	if !ok || (upload.ClaimedBy != "" && upload.ClaimedBy != jobID) {
		return false
	}
	upload.ClaimedBy = jobID
	b.items[id] = upload
	return true
}

// Unclaim hands the upload back when jobID was never recorded.
func (b *UploadBuffer) Unclaim(id, jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	upload, ok := b.items[id]
	if !ok || upload.ClaimedBy != jobID {
		return
	}
	upload.ClaimedBy = ""
	b.items[id] = upload
}

// Release drops the upload once its owner is done with it. Uploads owned by
// another job are left alone.
func (b *UploadBuffer) Release(id, jobID string) {
	if id == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	upload, ok := b.items[id]
	if !ok || (upload.ClaimedBy != "" && upload.ClaimedBy != jobID) {
		return
	}
	delete(b.items, id)
}

func (b *UploadBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Sweep drops uploads older than maxAge that no job claimed. It runs until
// ctx is cancelled.
func (b *UploadBuffer) Sweep(ctx context.Context, every, maxAge time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.dropOlderThan(now.Add(-maxAge))
		}
	}
}

func (b *UploadBuffer) dropOlderThan(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for id, upload := range b.items {
		if upload.ClaimedBy == "" && upload.CreatedAt.Before(cutoff) {
			delete(b.items, id)
			dropped++
		}
	}
	return dropped
}
