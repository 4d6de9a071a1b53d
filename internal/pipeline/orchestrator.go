package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/semaphore"

	"github.com/pagelens/pagelens/internal/catalog"
	"github.com/pagelens/pagelens/internal/cleanup"
	"github.com/pagelens/pagelens/internal/embedding"
	"github.com/pagelens/pagelens/internal/objstore"
	"github.com/pagelens/pagelens/internal/observability"
	"github.com/pagelens/pagelens/internal/progress"
	"github.com/pagelens/pagelens/internal/ratelimit"
	"github.com/pagelens/pagelens/internal/registry"
	"github.com/pagelens/pagelens/internal/vectordb"
)

// Cataloger records indexed pages in the relational catalog. Optional;
// catalog writes are best-effort and never fail a job.
type Cataloger interface {
	InsertPages(ctx context.Context, rows []catalog.PageRow) error
}

// Deps are the collaborators the orchestrator moves data between.
type Deps struct {
	Rasterizer  Rasterizer
	Store       objstore.ImageStore
	Embedder    embedding.Embedder
	Index       vectordb.Index
	Catalog     Cataloger // may be nil
	Registry    *registry.Registry
	Broadcaster *progress.Broadcaster
	Limiter     *ratelimit.Limiter
	Cleanup     *cleanup.Coordinator
	Notifier    *cleanup.Notifier
	Logger      *observability.Logger
}

// Orchestrator runs ingestion jobs: one stage pipeline per file, files
// concurrent up to a cap, per-job progress and terminal bookkeeping.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *observability.Logger

	// CPU-bound rasterization runs on this pool so it cannot starve the
	// I/O-bound stages.
	rasterPool *ants.Pool

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelCauseFunc
	wg      sync.WaitGroup
	closed  bool
}

// NewOrchestrator creates a pipeline orchestrator.
func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg.applyDefaults()

	if deps.Rasterizer == nil || deps.Store == nil || deps.Embedder == nil || deps.Index == nil {
		return nil, fmt.Errorf("rasterizer, store, embedder and index are required")
	}
	if deps.Registry == nil || deps.Broadcaster == nil {
		return nil, fmt.Errorf("registry and broadcaster are required")
	}
	if deps.Logger == nil {
		deps.Logger = observability.DefaultLogger()
	}

	pool, err := ants.NewPool(cfg.RasterWorkers)
	if err != nil {
		return nil, fmt.Errorf("create raster pool: %w", err)
	}

	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		logger:     deps.Logger.With().Str("component", "pipeline").Logger(),
		rasterPool: pool,
		cancels:    make(map[uuid.UUID]context.CancelCauseFunc),
	}, nil
}

// Submit registers a job for the given PDF paths and starts it in the
// background. The returned job is already in the registry in the queued
// state.
func (o *Orchestrator) Submit(ctx context.Context, files []string) (registry.Job, error) {
	if len(files) == 0 {
		return registry.Job{}, fmt.Errorf("no files submitted")
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return registry.Job{}, fmt.Errorf("file not readable: %s: %w", f, err)
		}
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return registry.Job{}, fmt.Errorf("orchestrator is shut down")
	}

	job := o.deps.Registry.Create(files)

	jobCtx, cancel := context.WithCancelCause(context.Background())
	o.cancels[job.ID] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	o.deps.Broadcaster.Emit(progress.Event{
		JobID:   job.ID.String(),
		Stage:   progress.StageQueued,
		Message: fmt.Sprintf("queued %d file(s)", len(files)),
	})

	go o.run(jobCtx, job)
	return job, nil
}

// Cancel flags the job for cooperative cancellation. The pipeline stops
// issuing new work once it observes the flag; in-flight service calls
// are allowed to finish.
func (o *Orchestrator) Cancel(jobID uuid.UUID) error {
	o.mu.Lock()
	cancel, ok := o.cancels[jobID]
	o.mu.Unlock()

	if !ok {
		job, err := o.deps.Registry.Get(jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return fmt.Errorf("job %s already %s", jobID, job.Status)
		}
		return registry.ErrNotFound
	}

	cancel(ErrJobCancelled)
	o.logger.Info().Str("job_id", jobID.String()).Msg("Job cancellation requested")
	return nil
}

// Close waits for running jobs to finish and releases the raster pool.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.wg.Wait()
	o.rasterPool.Release()
}

func (o *Orchestrator) run(ctx context.Context, job registry.Job) {
	defer o.wg.Done()

	jobID := job.ID.String()
	logger := o.logger.WithJob(jobID)

	tmpDir, err := os.MkdirTemp(o.cfg.TempDir, "pagelens-job-*")
	if err != nil {
		o.finish(ctx, job, nil, fmt.Errorf("create temp dir: %w", err))
		return
	}
	// Temp pages are owned by the job and removed on every exit path.
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove job temp dir")
		}
	}()

	if _, err := o.deps.Registry.UpdateStatus(job.ID, registry.StatusRunning, ""); err != nil {
		// Cancelled between Submit and here.
		o.finish(ctx, job, nil, nil)
		return
	}
	o.deps.Broadcaster.Emit(progress.Event{
		JobID: jobID,
		Stage: progress.StageRunning,
	})
	logger.Info().Int("files", len(job.Files)).Msg("Job started")

	track := newTracker()
	sem := semaphore.NewWeighted(int64(o.cfg.MaxConcurrentFiles))

	var (
		fileWG   sync.WaitGroup
		errMu    sync.Mutex
		fileErrs []error
	)

	for i, path := range job.Files {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		fileWG.Add(1)
		go func(idx int, path string) {
			defer fileWG.Done()
			defer sem.Release(1)

			fileID := fmt.Sprintf("file-%d", idx+1)
			if err := o.runFile(ctx, job, track, fileID, path, tmpDir); err != nil {
				errMu.Lock()
				fileErrs = append(fileErrs, err)
				errMu.Unlock()

				if !errors.Is(err, ErrJobCancelled) {
					logger.Error().Err(err).Str("file_id", fileID).Msg("File pipeline failed")
				}
			}
		}(i, path)
	}
	fileWG.Wait()

	o.finish(ctx, job, track, errors.Join(fileErrs...))
}

// finish resolves the terminal status, runs cleanup for failure and
// cancellation, and emits the terminal event.
func (o *Orchestrator) finish(ctx context.Context, job registry.Job, track *tracker, runErr error) {
	jobID := job.ID.String()

	cancelled := errors.Is(context.Cause(ctx), ErrJobCancelled) || errors.Is(runErr, ErrJobCancelled)

	var (
		status registry.JobStatus
		stage  string
		errMsg string
	)
	switch {
	case cancelled:
		status, stage = registry.StatusCancelled, progress.StageCancelled
	case runErr != nil:
		status, stage = registry.StatusFailed, progress.StageError
		errMsg = runErr.Error()
	default:
		status, stage = registry.StatusCompleted, progress.StageCompleted
	}

	if status != registry.StatusCompleted {
		// Cleanup must run even though the job context is dead.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
		defer cancel()

		if o.deps.Notifier != nil {
			o.deps.Notifier.NotifyAll(cleanupCtx, jobID)
		}
		if o.deps.Cleanup != nil {
			o.deps.Cleanup.CleanupJob(cleanupCtx, jobID)
		}
	}

	if _, err := o.deps.Registry.UpdateStatus(job.ID, status, errMsg); err != nil {
		o.logger.Warn().Err(err).Str("job_id", jobID).Msg("Terminal status update rejected")
	}

	evt := progress.Event{
		JobID: jobID,
		Stage: stage,
		Error: errMsg,
	}
	if track != nil {
		done, total := track.counts()
		evt.Counts = map[string]int{"done": done, "total": total}
		evt.Percent = percent(done, total)
	}
	o.deps.Broadcaster.Emit(evt)

	o.mu.Lock()
	if cancel, ok := o.cancels[job.ID]; ok {
		cancel(nil)
		delete(o.cancels, job.ID)
	}
	o.mu.Unlock()

	o.logger.Info().
		Str("job_id", jobID).
		Str("status", string(status)).
		Msg("Job finished")
}

// runFile wires the four stages for one file over bounded channels and
// waits for all of them. Any stage's terminal error cancels the file's
// siblings through the group context.
func (o *Orchestrator) runFile(ctx context.Context, job registry.Job, track *tracker, fileID, path, jobTmp string) error {
	outDir := filepath.Join(jobTmp, fileID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create file temp dir: %w", err)
	}

	st := &fileState{
		jobID:    job.ID.String(),
		jobUUID:  job.ID,
		fileID:   fileID,
		path:     path,
		filename: filepath.Base(path),
		outDir:   outDir,
		track:    track,
	}
	if fi, err := os.Stat(path); err == nil {
		st.fileSize = fi.Size()
	}

	return o.runStages(ctx, st)
}

type fileState struct {
	jobID    string
	jobUUID  uuid.UUID
	fileID   string
	path     string
	filename string
	fileSize int64
	outDir   string
	track    *tracker
}
