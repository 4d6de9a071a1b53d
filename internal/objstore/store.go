// Package objstore provides the object-storage client that persists page
// images.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrMissingURL indicates the store did not return a URL for every image
// in a batch. The caller must treat the whole batch as failed.
var ErrMissingURL = errors.New("object store returned no URL for image")

// StoreRequest is a batch of page images to persist.
type StoreRequest struct {
	JobID       string
	FileID      string
	IDs         []string // one document id per image
	Images      [][]byte
	Filenames   []string
	PageNumbers []int
	Format      string
	Quality     int
}

// ImageStore defines the object-storage operations the pipeline needs.
type ImageStore interface {
	// StoreImagesBatch persists a batch and returns a URL per document id.
	// A missing URL for any id is an error.
	StoreImagesBatch(ctx context.Context, req StoreRequest) (map[string]string, error)

	// DeleteByJob removes every image written by a job and returns the
	// number deleted.
	DeleteByJob(ctx context.Context, jobID string) (int, error)
}

// MemoryStore is an in-memory ImageStore for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]storedImage // document id -> image
}

type storedImage struct {
	jobID string
	data  []byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]storedImage)}
}

// StoreImagesBatch stores the batch and returns mem:// URLs.
func (s *MemoryStore) StoreImagesBatch(ctx context.Context, req StoreRequest) (map[string]string, error) {
	if len(req.IDs) != len(req.Images) {
		return nil, fmt.Errorf("id/image count mismatch: %d vs %d", len(req.IDs), len(req.Images))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	urls := make(map[string]string, len(req.IDs))
	for i, id := range req.IDs {
		s.objects[id] = storedImage{jobID: req.JobID, data: req.Images[i]}
		urls[id] = fmt.Sprintf("mem://%s/%s.%s", req.JobID, id, req.Format)
	}
	return urls, nil
}

// DeleteByJob removes every image written by the job.
func (s *MemoryStore) DeleteByJob(ctx context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, obj := range s.objects {
		if obj.jobID == jobID {
			delete(s.objects, id)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of stored images.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

var _ ImageStore = (*MemoryStore)(nil)
