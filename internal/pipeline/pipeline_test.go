package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagelens/pagelens/internal/cleanup"
	"github.com/pagelens/pagelens/internal/embedding"
	"github.com/pagelens/pagelens/internal/objstore"
	"github.com/pagelens/pagelens/internal/observability"
	"github.com/pagelens/pagelens/internal/progress"
	"github.com/pagelens/pagelens/internal/registry"
	"github.com/pagelens/pagelens/internal/vectordb"
)

// fakeRasterizer writes placeholder page images to outDir so the
// storage and embed stages have real files to read.
type fakeRasterizer struct {
	pages int
	err   error
}

func (f *fakeRasterizer) Rasterize(ctx context.Context, pdfPath, outDir string, quality int) ([]PageImage, error) {
	if f.err != nil {
		return nil, f.err
	}

	out := make([]PageImage, f.pages)
	for i := range out {
		p := filepath.Join(outDir, fmt.Sprintf("page_%04d.jpg", i+1))
		if err := os.WriteFile(p, []byte(fmt.Sprintf("%s-img-%d", filepath.Base(pdfPath), i+1)), 0o644); err != nil {
			return nil, err
		}
		out[i] = PageImage{PageNumber: i + 1, Path: p, Width: 800, Height: 1000}
	}
	return out, nil
}

// flakyEmbedder injects a fixed number of failures before delegating to
// the deterministic mock. delay slows calls after the first so tests
// can cancel between batches.
type flakyEmbedder struct {
	mu       sync.Mutex
	inner    embedding.Embedder
	failures int
	calls    int
	delay    time.Duration
}

func (f *flakyEmbedder) EmbedImages(ctx context.Context, images [][]byte) (*embedding.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if f.delay > 0 && call > 1 {
		time.Sleep(f.delay)
	}
	if fail {
		return nil, errors.New("embedding service unavailable")
	}
	return f.inner.EmbedImages(ctx, images)
}

func (f *flakyEmbedder) Model() string  { return f.inner.Model() }
func (f *flakyEmbedder) Dimension() int { return f.inner.Dimension() }

func (f *flakyEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// spyIndex counts upserts so tests can assert writes stop after
// cancellation is observed.
type spyIndex struct {
	*vectordb.MemoryIndex
	mu      sync.Mutex
	upserts int
}

func newSpyIndex() *spyIndex {
	return &spyIndex{MemoryIndex: vectordb.NewMemoryIndex()}
}

func (s *spyIndex) Upsert(ctx context.Context, points []vectordb.Point) error {
	s.mu.Lock()
	s.upserts++
	s.mu.Unlock()
	return s.MemoryIndex.Upsert(ctx, points)
}

func (s *spyIndex) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

type testEnv struct {
	orch     *Orchestrator
	store    *objstore.MemoryStore
	index    *spyIndex
	reg      *registry.Registry
	bc       *progress.Broadcaster
	embedder *flakyEmbedder

	cleanupMu    sync.Mutex
	cleanupCalls int
}

func newTestEnv(t *testing.T, cfg Config, embedder *flakyEmbedder) *testEnv {
	t.Helper()

	logger := observability.Discard()
	env := &testEnv{
		store:    objstore.NewMemoryStore(),
		index:    newSpyIndex(),
		reg:      registry.NewRegistry(logger, time.Minute, nil),
		bc:       progress.NewBroadcaster(logger),
		embedder: embedder,
	}
	t.Cleanup(env.reg.Close)

	coord := cleanup.NewCoordinator(logger,
		cleanup.NewBackend("vector_db", func(ctx context.Context, jobID string) (int, error) {
			env.cleanupMu.Lock()
			env.cleanupCalls++
			env.cleanupMu.Unlock()
			return env.index.DeleteByJob(ctx, jobID)
		}),
		cleanup.NewBackend("object_storage", env.store.DeleteByJob),
	)

	cfg.TempDir = t.TempDir()
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}

	orch, err := NewOrchestrator(cfg, Deps{
		Rasterizer:  &fakeRasterizer{pages: 3},
		Store:       env.store,
		Embedder:    embedder,
		Index:       env.index,
		Registry:    env.reg,
		Broadcaster: env.bc,
		Cleanup:     coord,
		Logger:      logger,
	})
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	env.orch = orch
	return env
}

func (e *testEnv) cleanupCount() int {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()
	return e.cleanupCalls
}

func writeTestPDF(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 test"), 0o644))
	return path
}

func waitTerminal(t *testing.T, env *testEnv, jobID string) []progress.Event {
	t.Helper()

	sub := env.bc.Subscribe(jobID)
	defer env.bc.Unsubscribe(sub)

	var events []progress.Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case evt := <-sub.C:
			events = append(events, evt)
			if evt.Terminal() {
				return events
			}
		case <-deadline:
			t.Fatalf("job %s did not reach a terminal state, events: %+v", jobID, events)
		}
	}
}

func TestEndToEnd_ThreePagesOneTransientFailure(t *testing.T) {
	embedder := &flakyEmbedder{
		inner:    embedding.NewMockEmbedder(16, false),
		failures: 1,
	}
	env := newTestEnv(t, Config{
		BatchSize:       2,
		VectorBatchSize: 1,
		MaxRetries:      3,
	}, embedder)
	env.orch.deps.Rasterizer = &fakeRasterizer{pages: 3}

	job, err := env.orch.Submit(context.Background(), []string{writeTestPDF(t, "report.pdf")})
	require.NoError(t, err)

	events := waitTerminal(t, env, job.ID.String())
	final := events[len(events)-1]
	assert.Equal(t, progress.StageCompleted, final.Stage)

	// All three pages indexed, none dropped or duplicated.
	count, err := env.index.CountByJob(context.Background(), job.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// Index flushes of size 1 produce counts 1/3, 2/3, 3/3.
	var doneSeen []int
	for _, evt := range events {
		if evt.Stage == progress.StageIndex {
			doneSeen = append(doneSeen, evt.Counts["done"])
			assert.Equal(t, 3, evt.Counts["total"])
		}
	}
	assert.Equal(t, []int{1, 2, 3}, doneSeen)

	got, err := env.reg.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.PagesDone)
	assert.Equal(t, 3, got.PagesTotal)

	// The single transient failure cost exactly one extra call.
	assert.Equal(t, 3, embedder.callCount())

	// Successful jobs are never cleaned up.
	assert.Equal(t, 0, env.cleanupCount())
}

func TestConservation_AllPagesIndexed(t *testing.T) {
	cases := []struct {
		batchSize int
		vecBatch  int
		pages     int
	}{
		{batchSize: 1, vecBatch: 1, pages: 5},
		{batchSize: 2, vecBatch: 3, pages: 7},
		{batchSize: 4, vecBatch: 16, pages: 4},
		{batchSize: 3, vecBatch: 2, pages: 1},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(fmt.Sprintf("B%d_V%d_N%d", tc.batchSize, tc.vecBatch, tc.pages), func(t *testing.T) {
			embedder := &flakyEmbedder{inner: embedding.NewMockEmbedder(8, false)}
			env := newTestEnv(t, Config{
				BatchSize:       tc.batchSize,
				VectorBatchSize: tc.vecBatch,
			}, embedder)
			env.orch.deps.Rasterizer = &fakeRasterizer{pages: tc.pages}

			job, err := env.orch.Submit(context.Background(), []string{writeTestPDF(t, "doc.pdf")})
			require.NoError(t, err)

			events := waitTerminal(t, env, job.ID.String())
			assert.Equal(t, progress.StageCompleted, events[len(events)-1].Stage)

			count, err := env.index.CountByJob(context.Background(), job.ID.String())
			require.NoError(t, err)
			assert.Equal(t, int64(tc.pages), count)
		})
	}
}

func TestProgress_MonotonicAndExact(t *testing.T) {
	embedder := &flakyEmbedder{inner: embedding.NewMockEmbedder(8, false)}
	env := newTestEnv(t, Config{BatchSize: 2, VectorBatchSize: 2}, embedder)
	env.orch.deps.Rasterizer = &fakeRasterizer{pages: 6}

	job, err := env.orch.Submit(context.Background(), []string{writeTestPDF(t, "doc.pdf")})
	require.NoError(t, err)

	events := waitTerminal(t, env, job.ID.String())

	last := 0
	for _, evt := range events {
		if evt.Stage != progress.StageIndex {
			continue
		}
		assert.GreaterOrEqual(t, evt.Counts["done"], last)
		last = evt.Counts["done"]
	}

	final := events[len(events)-1]
	assert.Equal(t, progress.StageCompleted, final.Stage)
	assert.Equal(t, 6, final.Counts["done"])
	assert.Equal(t, 6, final.Counts["total"])
}

func TestRetry_ExhaustionFailsJobAndTriggersCleanup(t *testing.T) {
	embedder := &flakyEmbedder{
		inner:    embedding.NewMockEmbedder(8, false),
		failures: 100, // never recovers
	}
	env := newTestEnv(t, Config{
		BatchSize:       4,
		VectorBatchSize: 4,
		MaxRetries:      2,
	}, embedder)
	env.orch.deps.Rasterizer = &fakeRasterizer{pages: 2}

	// Seed a stored object so cleanup has something to delete.
	job, err := env.orch.Submit(context.Background(), []string{writeTestPDF(t, "doc.pdf")})
	require.NoError(t, err)

	events := waitTerminal(t, env, job.ID.String())
	final := events[len(events)-1]
	assert.Equal(t, progress.StageError, final.Stage)
	assert.Contains(t, final.Error, "embedding")

	got, err := env.reg.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, got.Status)

	// MaxRetries=2 means 3 attempts for the single batch.
	assert.Equal(t, 3, embedder.callCount())

	assert.Equal(t, 1, env.cleanupCount())

	// Partial writes are gone.
	assert.Eventually(t, func() bool { return env.store.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRetry_RecoversWithinBudget(t *testing.T) {
	embedder := &flakyEmbedder{
		inner:    embedding.NewMockEmbedder(8, false),
		failures: 2,
	}
	env := newTestEnv(t, Config{
		BatchSize:       4,
		VectorBatchSize: 4,
		MaxRetries:      2,
	}, embedder)
	env.orch.deps.Rasterizer = &fakeRasterizer{pages: 2}

	job, err := env.orch.Submit(context.Background(), []string{writeTestPDF(t, "doc.pdf")})
	require.NoError(t, err)

	events := waitTerminal(t, env, job.ID.String())
	assert.Equal(t, progress.StageCompleted, events[len(events)-1].Stage)
	assert.Equal(t, 3, embedder.callCount())
	assert.Equal(t, 0, env.cleanupCount())
}

func TestRasterizeFailure_FailsFile(t *testing.T) {
	embedder := &flakyEmbedder{inner: embedding.NewMockEmbedder(8, false)}
	env := newTestEnv(t, Config{BatchSize: 2, VectorBatchSize: 2}, embedder)
	env.orch.deps.Rasterizer = &fakeRasterizer{err: errors.New("corrupt xref table")}

	job, err := env.orch.Submit(context.Background(), []string{writeTestPDF(t, "broken.pdf")})
	require.NoError(t, err)

	events := waitTerminal(t, env, job.ID.String())
	final := events[len(events)-1]
	assert.Equal(t, progress.StageError, final.Stage)
	assert.Contains(t, final.Error, "corrupt xref table")

	assert.Equal(t, 0, embedder.callCount())
	assert.Equal(t, 1, env.cleanupCount())
}

func TestCancellation_StopsIndexWritesAndCleansUp(t *testing.T) {
	embedder := &flakyEmbedder{
		inner: embedding.NewMockEmbedder(8, false),
		delay: 150 * time.Millisecond, // slow calls after the first
	}
	env := newTestEnv(t, Config{
		BatchSize:        1,
		VectorBatchSize:  1,
		EmbedConcurrency: 1,
	}, embedder)
	env.orch.deps.Rasterizer = &fakeRasterizer{pages: 3}

	job, err := env.orch.Submit(context.Background(), []string{writeTestPDF(t, "doc.pdf")})
	require.NoError(t, err)

	sub := env.bc.Subscribe(job.ID.String())
	defer env.bc.Unsubscribe(sub)

	// Cancel once page 1 has been indexed.
	deadline := time.After(10 * time.Second)
wait:
	for {
		select {
		case evt := <-sub.C:
			if evt.Stage == progress.StageIndex && evt.Counts["done"] >= 1 {
				break wait
			}
			if evt.Terminal() {
				t.Fatalf("job ended before first indexed page: %+v", evt)
			}
		case <-deadline:
			t.Fatal("first indexed page never arrived")
		}
	}
	require.NoError(t, env.orch.Cancel(job.ID))

	for {
		select {
		case evt := <-sub.C:
			if evt.Terminal() {
				assert.Equal(t, progress.StageCancelled, evt.Stage)
				goto done
			}
		case <-deadline:
			t.Fatal("job never reached a terminal state after cancel")
		}
	}
done:

	got, err := env.reg.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCancelled, got.Status)

	// Only the pre-cancel flush wrote to the index.
	assert.Equal(t, 1, env.index.upsertCount())
	assert.Equal(t, 1, env.cleanupCount())
}

func TestMultiFile_SharedCounterSpansFiles(t *testing.T) {
	embedder := &flakyEmbedder{inner: embedding.NewMockEmbedder(8, false)}
	env := newTestEnv(t, Config{
		BatchSize:          2,
		VectorBatchSize:    2,
		MaxConcurrentFiles: 2,
	}, embedder)
	env.orch.deps.Rasterizer = &fakeRasterizer{pages: 3}

	files := []string{writeTestPDF(t, "a.pdf"), writeTestPDF(t, "b.pdf")}
	job, err := env.orch.Submit(context.Background(), files)
	require.NoError(t, err)

	events := waitTerminal(t, env, job.ID.String())
	final := events[len(events)-1]
	assert.Equal(t, progress.StageCompleted, final.Stage)
	assert.Equal(t, 6, final.Counts["done"])
	assert.Equal(t, 6, final.Counts["total"])

	count, err := env.index.CountByJob(context.Background(), job.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(6), count)
}

func TestSubmit_Validation(t *testing.T) {
	embedder := &flakyEmbedder{inner: embedding.NewMockEmbedder(8, false)}
	env := newTestEnv(t, Config{}, embedder)

	_, err := env.orch.Submit(context.Background(), nil)
	assert.Error(t, err)

	_, err = env.orch.Submit(context.Background(), []string{"/nonexistent/doc.pdf"})
	assert.Error(t, err)
}

func TestCancel_UnknownJob(t *testing.T) {
	embedder := &flakyEmbedder{inner: embedding.NewMockEmbedder(8, false)}
	env := newTestEnv(t, Config{}, embedder)

	err := env.orch.Cancel(uuid.New())
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestPooledVectors_CarriedToIndex(t *testing.T) {
	embedder := &flakyEmbedder{inner: embedding.NewMockEmbedder(8, true)}
	env := newTestEnv(t, Config{
		BatchSize:       2,
		VectorBatchSize: 2,
		PooledVectors:   true,
	}, embedder)
	env.orch.deps.Rasterizer = &fakeRasterizer{pages: 2}

	job, err := env.orch.Submit(context.Background(), []string{writeTestPDF(t, "doc.pdf")})
	require.NoError(t, err)

	events := waitTerminal(t, env, job.ID.String())
	require.Equal(t, progress.StageCompleted, events[len(events)-1].Stage)

	count, err := env.index.CountByJob(context.Background(), job.ID.String())
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}
