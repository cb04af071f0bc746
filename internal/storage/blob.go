package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrBlobNotFound = errors.New("blob not found")

// BlobStore persists generated assets and returns a URL clients can fetch.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

type blob struct {
	contentType string
	data        []byte
}

// MemoryBlobStore keeps assets in process memory. The HTTP layer serves them
// under /blobs/{key}.
type MemoryBlobStore struct {
	baseURL string

	mu    sync.RWMutex
	items map[string]blob
}

func NewMemoryBlobStore(baseURL string) *MemoryBlobStore {
	return &MemoryBlobStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		items:   make(map[string]blob),
	}
}

func (s *MemoryBlobStore) Put(_ context.Context, key, contentType string, data []byte) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", errors.New("blob key is required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	s.mu.Lock()
	s.items[key] = blob{contentType: contentType, data: append([]byte(nil), data...)}
	s.mu.Unlock()

	return s.baseURL + "/blobs/" + key, nil
}

func (s *MemoryBlobStore) Get(key string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[strings.TrimPrefix(key, "/")]
	if !ok {
		return nil, "", ErrBlobNotFound
	}
	return item.data, item.contentType, nil
}
