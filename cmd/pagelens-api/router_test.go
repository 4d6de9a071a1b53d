package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagelens/pagelens/internal/cleanup"
	"github.com/pagelens/pagelens/internal/config"
	"github.com/pagelens/pagelens/internal/embedding"
	"github.com/pagelens/pagelens/internal/objstore"
	"github.com/pagelens/pagelens/internal/observability"
	"github.com/pagelens/pagelens/internal/pipeline"
	"github.com/pagelens/pagelens/internal/progress"
	"github.com/pagelens/pagelens/internal/ratelimit"
	"github.com/pagelens/pagelens/internal/registry"
	"github.com/pagelens/pagelens/internal/vectordb"
)

// stubRasterizer produces fixed-size placeholder pages without MuPDF.
type stubRasterizer struct {
	pages int
}

func (s *stubRasterizer) Rasterize(ctx context.Context, pdfPath, outDir string, quality int) ([]pipeline.PageImage, error) {
	out := make([]pipeline.PageImage, s.pages)
	for i := range out {
		p := filepath.Join(outDir, fmt.Sprintf("page_%04d.jpg", i+1))
		if err := os.WriteFile(p, []byte(fmt.Sprintf("img-%d", i+1)), 0o644); err != nil {
			return nil, err
		}
		out[i] = pipeline.PageImage{PageNumber: i + 1, Path: p, Width: 640, Height: 800}
	}
	return out, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()

	logger := observability.Discard()
	reg := registry.NewRegistry(logger, time.Minute, nil)
	t.Cleanup(reg.Close)

	bc := progress.NewBroadcaster(logger)
	index := vectordb.NewMemoryIndex()
	store := objstore.NewMemoryStore()

	orch, err := pipeline.NewOrchestrator(pipeline.Config{
		BatchSize:       2,
		VectorBatchSize: 2,
		TempDir:         t.TempDir(),
		RetryBase:       time.Millisecond,
	}, pipeline.Deps{
		Rasterizer:  &stubRasterizer{pages: 3},
		Store:       store,
		Embedder:    embedding.NewMockEmbedder(8, false),
		Index:       index,
		Registry:    reg,
		Broadcaster: bc,
		Limiter:     ratelimit.New(0),
		Cleanup: cleanup.NewCoordinator(logger,
			cleanup.NewBackend("vector_db", index.DeleteByJob),
			cleanup.NewBackend("object_storage", store.DeleteByJob),
		),
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	router := newRouter(logger, config.DefaultConfig(), orch, reg, bc)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return srv, reg
}

func writeTestPDF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 test"), 0o644))
	return path
}

func submitJob(t *testing.T, srv *httptest.Server, files []string) registry.Job {
	t.Helper()

	body, err := json.Marshal(map[string][]string{"files": files})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/api/v1/ingest", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var job registry.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	return job
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestIngest_AcceptsAndCompletes(t *testing.T) {
	srv, reg := newTestServer(t)

	job := submitJob(t, srv, []string{writeTestPDF(t)})
	assert.Equal(t, registry.StatusQueued, job.Status)

	assert.Eventually(t, func() bool {
		got, err := reg.Get(job.ID)
		return err == nil && got.Status == registry.StatusCompleted
	}, 10*time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/api/v1/jobs/" + job.ID.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got registry.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, registry.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.PagesDone)
	assert.Equal(t, 3, got.PagesTotal)
}

func TestIngest_Validation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/ingest", "application/json", strings.NewReader(`{"files":[]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/ingest", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/ingest", "application/json", strings.NewReader(`{"files":["/nonexistent.pdf"]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetJob_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/jobs/6a9c5bb1-0000-0000-0000-000000000000")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/jobs/not-a-uuid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancel_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/jobs/6a9c5bb1-0000-0000-0000-000000000000/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamProgress_SSE(t *testing.T) {
	srv, _ := newTestServer(t)

	job := submitJob(t, srv, []string{writeTestPDF(t)})

	resp, err := http.Get(srv.URL + "/api/v1/jobs/" + job.ID.String() + "/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The stream ends after the terminal event.
	var sawTerminal bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var evt progress.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt))
		assert.Equal(t, job.ID.String(), evt.JobID)
		if evt.Terminal() {
			sawTerminal = true
			assert.Equal(t, progress.StageCompleted, evt.Stage)
		}
	}
	assert.True(t, sawTerminal)
}
