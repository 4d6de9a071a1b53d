// Package pipeline implements the concurrent multi-stage ingestion
// pipeline: rasterize, storage, embed, index. Stages communicate over
// bounded channels, with channel close as the end-of-stream marker.
package pipeline

import (
	"context"
	"errors"
	"time"
)

// ErrJobCancelled is the cancellation cause carried on a job's context.
// Stages check it structurally with errors.Is, never by message content.
var ErrJobCancelled = errors.New("job cancelled")

// PageImage is one rasterized page on disk.
type PageImage struct {
	PageNumber int // 1-based
	Path       string
	Width      int
	Height     int
}

// Rasterizer converts a PDF into per-page images written under outDir.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath, outDir string, quality int) ([]PageImage, error)
}

// PageRecord is one page moving through the pipeline. DocumentID and
// ImageURL are assigned by the storage stage. Ownership transfers with
// each channel send; a record is never shared across stages.
type PageRecord struct {
	JobID      string
	FileID     string
	PageIndex  int // 0-based
	TotalPages int
	ImagePath  string
	Filename   string
	FileSize   int64
	Width      int
	Height     int
	DocumentID string
	ImageURL   string
}

// EmbeddingRecord pairs a stored page with its embedding. The pooled
// vectors are present only when pooled vectors are enabled.
type EmbeddingRecord struct {
	Page      PageRecord
	Vector    []float32
	PooledRow []float32
	PooledCol []float32
}

// Config holds the pipeline's concurrency and reliability settings.
type Config struct {
	BatchSize          int
	VectorBatchSize    int
	MaxInFlightBatches int
	MaxConcurrentFiles int
	StorageConcurrency int
	EmbedConcurrency   int
	MaxRetries         int
	RetryBase          time.Duration
	RasterQuality      int
	RasterWorkers      int
	TempDir            string
	StorageFormat      string
	StorageQuality     int
	PooledVectors      bool
}

func (c *Config) applyDefaults() {
	if c.BatchSize < 1 {
		c.BatchSize = 4
	}
	if c.VectorBatchSize < 1 {
		c.VectorBatchSize = 16
	}
	if c.MaxInFlightBatches < 1 {
		c.MaxInFlightBatches = 4
	}
	if c.MaxConcurrentFiles < 1 {
		c.MaxConcurrentFiles = 1
	}
	if c.StorageConcurrency < 1 {
		c.StorageConcurrency = 4
	}
	if c.EmbedConcurrency < 1 {
		c.EmbedConcurrency = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RasterQuality < 1 || c.RasterQuality > 100 {
		c.RasterQuality = 90
	}
	if c.RasterWorkers < 1 {
		c.RasterWorkers = 2
	}
	if c.StorageFormat == "" {
		c.StorageFormat = "jpeg"
	}
	if c.StorageQuality < 1 || c.StorageQuality > 100 {
		c.StorageQuality = 90
	}
}

// channelCap is the bounded-channel capacity between stages. Twice the
// in-flight cap so a stage can stay busy while the next drains.
func (c *Config) channelCap() int {
	return 2 * c.MaxInFlightBatches
}
