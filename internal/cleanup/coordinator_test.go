package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagelens/pagelens/internal/observability"
)

func TestCleanupJob_AggregatesAcrossBackends(t *testing.T) {
	c := NewCoordinator(observability.Discard(),
		NewBackend("vectordb", func(ctx context.Context, jobID string) (int, error) {
			return 12, nil
		}),
		NewBackend("objstore", func(ctx context.Context, jobID string) (int, error) {
			return 0, errors.New("connection refused")
		}),
		NewBackend("catalog", func(ctx context.Context, jobID string) (int, error) {
			return 12, nil
		}),
	)

	res := c.CleanupJob(context.Background(), "job-1")

	require.Len(t, res.Services, 3)
	assert.True(t, res.Success)

	assert.True(t, res.Services["vectordb"].Success)
	assert.Equal(t, 12, res.Services["vectordb"].Deleted)

	assert.False(t, res.Services["objstore"].Success)
	assert.Contains(t, res.Services["objstore"].Error, "connection refused")

	assert.True(t, res.Services["catalog"].Success)
}

func TestCleanupJob_AllBackendsFail(t *testing.T) {
	fail := func(ctx context.Context, jobID string) (int, error) {
		return 0, errors.New("down")
	}
	c := NewCoordinator(observability.Discard(),
		NewBackend("a", fail),
		NewBackend("b", fail),
	)

	res := c.CleanupJob(context.Background(), "job-1")
	assert.False(t, res.Success)
	assert.Len(t, res.Services, 2)
}

func TestCleanupJob_RunsBackendsInParallel(t *testing.T) {
	slow := func(ctx context.Context, jobID string) (int, error) {
		time.Sleep(100 * time.Millisecond)
		return 1, nil
	}
	c := NewCoordinator(observability.Discard(),
		NewBackend("a", slow),
		NewBackend("b", slow),
		NewBackend("c", slow),
	)

	start := time.Now()
	res := c.CleanupJob(context.Background(), "job-1")

	// Parallel: roughly the slowest backend, not the sum of all three.
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.True(t, res.Success)
}

func TestCleanupJob_NoBackends(t *testing.T) {
	c := NewCoordinator(observability.Discard())
	res := c.CleanupJob(context.Background(), "job-1")
	assert.False(t, res.Success)
	assert.Empty(t, res.Services)
}

type cancellableService struct {
	called bool
	err    error
}

func (s *cancellableService) CancelJob(ctx context.Context, jobID string) error {
	s.called = true
	return s.err
}

type plainService struct{}

func TestNotifier_ResolvesCapabilityAtConstruction(t *testing.T) {
	withCancel := &cancellableService{}
	n := NewNotifier(observability.Discard(), map[string]any{
		"embedding": withCancel,
		"vectordb":  &plainService{},
	})

	results := n.NotifyAll(context.Background(), "job-1")

	// Only the cancellable service appears in the result map.
	require.Len(t, results, 1)
	assert.True(t, results["embedding"])
	assert.True(t, withCancel.called)
}

func TestNotifier_ReportsFailures(t *testing.T) {
	n := NewNotifier(observability.Discard(), map[string]any{
		"ok":     &cancellableService{},
		"broken": &cancellableService{err: errors.New("timeout")},
	})

	results := n.NotifyAll(context.Background(), "job-1")

	assert.True(t, results["ok"])
	assert.False(t, results["broken"])
}
