// Package vectordb provides the vector-database client used by the
// indexing stage and by job cleanup.
package vectordb

import (
	"context"
	"sync"
)

// Point is one page entry in the vector index. Vectors are named so a
// point can carry the full patch embedding alongside pooled variants.
type Point struct {
	ID      string                 `json:"id"`
	Vectors map[string][]float32   `json:"vectors"`
	Payload map[string]interface{} `json:"payload"`
}

// Named vector keys.
const (
	VectorPage       = "page"
	VectorPooledRows = "pooled_rows"
	VectorPooledCols = "pooled_cols"
)

// Index defines the vector-database operations the pipeline needs.
type Index interface {
	// Upsert inserts or replaces points.
	Upsert(ctx context.Context, points []Point) error

	// DeleteByJob removes every point written by a job and returns the
	// number deleted.
	DeleteByJob(ctx context.Context, jobID string) (int, error)

	// CountByJob returns the number of points a job has written.
	CountByJob(ctx context.Context, jobID string) (int64, error)

	// Close releases resources.
	Close() error
}

// MemoryIndex is an in-memory Index for development and tests.
type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]Point
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]Point)}
}

// Upsert inserts or replaces points.
func (m *MemoryIndex) Upsert(ctx context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range points {
		m.points[p.ID] = p
	}
	return nil
}

// DeleteByJob removes every point whose payload carries the job id.
func (m *MemoryIndex) DeleteByJob(ctx context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, p := range m.points {
		if jid, _ := p.Payload["job_id"].(string); jid == jobID {
			delete(m.points, id)
			deleted++
		}
	}
	return deleted, nil
}

// CountByJob counts points written by the job.
func (m *MemoryIndex) CountByJob(ctx context.Context, jobID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, p := range m.points {
		if jid, _ := p.Payload["job_id"].(string); jid == jobID {
			count++
		}
	}
	return count, nil
}

// Get returns a stored point, for tests and diagnostics.
func (m *MemoryIndex) Get(id string) (Point, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.points[id]
	return p, ok
}

// Len returns the total number of stored points.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

// Close releases resources.
func (m *MemoryIndex) Close() error {
	return nil
}

var _ Index = (*MemoryIndex)(nil)
