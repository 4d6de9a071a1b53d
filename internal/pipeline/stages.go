package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pagelens/pagelens/internal/catalog"
	"github.com/pagelens/pagelens/internal/embedding"
	"github.com/pagelens/pagelens/internal/objstore"
	"github.com/pagelens/pagelens/internal/progress"
	"github.com/pagelens/pagelens/internal/vectordb"
)

// runStages runs the four stages for one file concurrently. Channel
// close is the end-of-stream marker; the group context cancels every
// sibling the moment any stage reports a terminal error.
func (o *Orchestrator) runStages(ctx context.Context, st *fileState) error {
	g, gctx := errgroup.WithContext(ctx)

	pagesCh := make(chan []PageRecord, o.cfg.channelCap())
	storedCh := make(chan []PageRecord, o.cfg.channelCap())
	embeddedCh := make(chan []EmbeddingRecord, o.cfg.channelCap())

	g.Go(func() error { return o.runRasterize(gctx, st, pagesCh) })
	g.Go(func() error { return o.runStorage(gctx, st, pagesCh, storedCh) })
	g.Go(func() error { return o.runEmbed(gctx, st, storedCh, embeddedCh) })
	g.Go(func() error { return o.runIndex(gctx, st, embeddedCh) })

	if err := g.Wait(); err != nil {
		return err
	}
	return cause(ctx)
}

// runRasterize converts the PDF on the worker pool and feeds page
// batches downstream. A rasterization failure aborts the whole file;
// partial rasterization is unusable downstream.
func (o *Orchestrator) runRasterize(ctx context.Context, st *fileState, out chan<- []PageRecord) error {
	defer close(out)

	pages, err := o.rasterize(ctx, st)
	if err != nil {
		return fmt.Errorf("rasterize %s: %w", st.filename, err)
	}
	if len(pages) == 0 {
		return fmt.Errorf("rasterize %s: document has no pages", st.filename)
	}

	done, total := st.track.addTotal(len(pages))
	o.deps.Broadcaster.Emit(progress.Event{
		JobID:   st.jobID,
		Stage:   progress.StageRasterize,
		FileID:  st.fileID,
		Counts:  map[string]int{"done": done, "total": total},
		Percent: percent(done, total),
		Message: fmt.Sprintf("%s: %d pages rasterized", st.filename, len(pages)),
	})

	batch := make([]PageRecord, 0, o.cfg.BatchSize)
	for _, page := range pages {
		batch = append(batch, PageRecord{
			JobID:      st.jobID,
			FileID:     st.fileID,
			PageIndex:  page.PageNumber - 1,
			TotalPages: len(pages),
			ImagePath:  page.Path,
			Filename:   st.filename,
			FileSize:   st.fileSize,
			Width:      page.Width,
			Height:     page.Height,
		})
		if len(batch) == o.cfg.BatchSize {
			if err := send(ctx, out, batch); err != nil {
				return err
			}
			batch = make([]PageRecord, 0, o.cfg.BatchSize)
		}
	}
	if len(batch) > 0 {
		return send(ctx, out, batch)
	}
	return nil
}

type rasterResult struct {
	pages []PageImage
	err   error
}

// rasterize hands the CPU-bound conversion to the worker pool and waits
// for it, honoring cancellation while queued.
func (o *Orchestrator) rasterize(ctx context.Context, st *fileState) ([]PageImage, error) {
	resCh := make(chan rasterResult, 1)

	err := o.rasterPool.Submit(func() {
		pages, err := o.deps.Rasterizer.Rasterize(ctx, st.path, st.outDir, o.cfg.RasterQuality)
		resCh <- rasterResult{pages: pages, err: err}
	})
	if err != nil {
		return nil, fmt.Errorf("submit to raster pool: %w", err)
	}

	select {
	case res := <-resCh:
		return res.pages, res.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// runStorage uploads page batches. The inbound channel bounds queued
// batches; the semaphore bounds batches actively uploading.
func (o *Orchestrator) runStorage(ctx context.Context, st *fileState, in <-chan []PageRecord, out chan<- []PageRecord) error {
	defer close(out)

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(o.cfg.StorageConcurrency))

recv:
	for {
		select {
		case batch, ok := <-in:
			if !ok {
				break recv
			}
			if err := sem.Acquire(gctx, 1); err != nil {
				break recv
			}
			b := batch
			g.Go(func() error {
				defer sem.Release(1)

				stored, err := o.storeBatch(gctx, st, b)
				if err != nil {
					return err
				}
				return send(gctx, out, stored)
			})
		case <-gctx.Done():
			break recv
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return cause(ctx)
}

// storeBatch loads the batch's image bytes, assigns a fresh document id
// per page, and uploads with retry. Every page must come back with a
// URL or the batch fails.
func (o *Orchestrator) storeBatch(ctx context.Context, st *fileState, batch []PageRecord) ([]PageRecord, error) {
	req := objstore.StoreRequest{
		JobID:       st.jobID,
		FileID:      st.fileID,
		IDs:         make([]string, len(batch)),
		Images:      make([][]byte, len(batch)),
		Filenames:   make([]string, len(batch)),
		PageNumbers: make([]int, len(batch)),
		Format:      o.cfg.StorageFormat,
		Quality:     o.cfg.StorageQuality,
	}

	for i := range batch {
		data, err := os.ReadFile(batch[i].ImagePath)
		if err != nil {
			return nil, fmt.Errorf("read page image: %w", err)
		}
		batch[i].DocumentID = uuid.New().String()
		req.IDs[i] = batch[i].DocumentID
		req.Images[i] = data
		req.Filenames[i] = batch[i].Filename
		req.PageNumbers[i] = batch[i].PageIndex + 1
	}

	var urls map[string]string
	err := o.withRetry(ctx, "storage upload", func(ctx context.Context) error {
		// In-flight uploads run to completion even if the job is
		// cancelled mid-call.
		var err error
		urls, err = o.deps.Store.StoreImagesBatch(context.WithoutCancel(ctx), req)
		return err
	})
	if err != nil {
		return nil, err
	}

	for i := range batch {
		url := urls[batch[i].DocumentID]
		if url == "" {
			return nil, fmt.Errorf("%w: page %d of %s", objstore.ErrMissingURL, batch[i].PageIndex+1, st.filename)
		}
		batch[i].ImageURL = url
	}
	return batch, nil
}

// runEmbed calls the embedding service per batch, one rate-limiter
// token per batch, concurrency bounded by its own semaphore. The
// limiter serializes the call rate regardless of concurrency.
func (o *Orchestrator) runEmbed(ctx context.Context, st *fileState, in <-chan []PageRecord, out chan<- []EmbeddingRecord) error {
	defer close(out)

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(o.cfg.EmbedConcurrency))

recv:
	for {
		select {
		case batch, ok := <-in:
			if !ok {
				break recv
			}
			if err := sem.Acquire(gctx, 1); err != nil {
				break recv
			}
			b := batch
			g.Go(func() error {
				defer sem.Release(1)

				if err := o.deps.Limiter.Wait(gctx); err != nil {
					return context.Cause(gctx)
				}

				records, err := o.embedBatch(gctx, st, b)
				if err != nil {
					return err
				}
				return send(gctx, out, records)
			})
		case <-gctx.Done():
			break recv
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return cause(ctx)
}

func (o *Orchestrator) embedBatch(ctx context.Context, st *fileState, batch []PageRecord) ([]EmbeddingRecord, error) {
	images := make([][]byte, len(batch))
	for i := range batch {
		data, err := os.ReadFile(batch[i].ImagePath)
		if err != nil {
			return nil, fmt.Errorf("read page image: %w", err)
		}
		images[i] = data
	}

	var result *embedding.Result
	err := o.withRetry(ctx, "embedding call", func(ctx context.Context) error {
		var err error
		result, err = o.deps.Embedder.EmbedImages(context.WithoutCancel(ctx), images)
		return err
	})
	if err != nil {
		return nil, err
	}

	records := make([]EmbeddingRecord, len(batch))
	for i := range batch {
		rec := EmbeddingRecord{Page: batch[i], Vector: result.Vectors[i]}
		if o.cfg.PooledVectors {
			if i < len(result.PooledRows) {
				rec.PooledRow = result.PooledRows[i]
			}
			if i < len(result.PooledCols) {
				rec.PooledCol = result.PooledCols[i]
			}
		}
		records[i] = rec
	}
	return records, nil
}

// runIndex accumulates embeddings into vector-DB sized flushes,
// decoupling upstream batch granularity from the database's preferred
// write size. The remainder is flushed on end-of-stream.
func (o *Orchestrator) runIndex(ctx context.Context, st *fileState, in <-chan []EmbeddingRecord) error {
	var buffer []EmbeddingRecord

	for {
		select {
		case records, ok := <-in:
			if !ok {
				if len(buffer) > 0 {
					return o.flushIndex(ctx, st, buffer)
				}
				return nil
			}
			buffer = append(buffer, records...)
			for len(buffer) >= o.cfg.VectorBatchSize {
				if err := o.flushIndex(ctx, st, buffer[:o.cfg.VectorBatchSize]); err != nil {
					return err
				}
				buffer = buffer[o.cfg.VectorBatchSize:]
			}
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// flushIndex upserts one write's worth of points, records them in the
// catalog, and publishes the job-wide progress counts.
func (o *Orchestrator) flushIndex(ctx context.Context, st *fileState, records []EmbeddingRecord) error {
	points := make([]vectordb.Point, len(records))
	for i, rec := range records {
		vectors := map[string][]float32{vectordb.VectorPage: rec.Vector}
		if rec.PooledRow != nil {
			vectors[vectordb.VectorPooledRows] = rec.PooledRow
		}
		if rec.PooledCol != nil {
			vectors[vectordb.VectorPooledCols] = rec.PooledCol
		}
		points[i] = vectordb.Point{
			ID:      rec.Page.DocumentID,
			Vectors: vectors,
			Payload: map[string]interface{}{
				"job_id":      rec.Page.JobID,
				"file_id":     rec.Page.FileID,
				"filename":    rec.Page.Filename,
				"page_index":  rec.Page.PageIndex,
				"total_pages": rec.Page.TotalPages,
				"image_url":   rec.Page.ImageURL,
			},
		}
	}

	err := o.withRetry(ctx, "vector upsert", func(ctx context.Context) error {
		return o.deps.Index.Upsert(context.WithoutCancel(ctx), points)
	})
	if err != nil {
		return err
	}

	if o.deps.Catalog != nil {
		rows := make([]catalog.PageRow, len(records))
		for i, rec := range records {
			rows[i] = catalog.PageRow{
				DocumentID: rec.Page.DocumentID,
				JobID:      rec.Page.JobID,
				FileID:     rec.Page.FileID,
				Filename:   rec.Page.Filename,
				PageNumber: rec.Page.PageIndex + 1,
				ImageURL:   rec.Page.ImageURL,
			}
		}
		if err := o.deps.Catalog.InsertPages(context.WithoutCancel(ctx), rows); err != nil {
			o.logger.Warn().Err(err).Str("job_id", st.jobID).Msg("Catalog insert failed")
		}
	}

	done, total := st.track.add(len(records))
	o.deps.Registry.SetProgress(st.jobUUID, done, total)
	o.deps.Broadcaster.Emit(progress.Event{
		JobID:   st.jobID,
		Stage:   progress.StageIndex,
		FileID:  st.fileID,
		Counts:  map[string]int{"done": done, "total": total},
		Percent: percent(done, total),
	})
	return nil
}
