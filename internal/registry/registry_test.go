package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagelens/pagelens/internal/cache"
	"github.com/pagelens/pagelens/internal/observability"
)

func newTestRegistry(ttl time.Duration) *Registry {
	return NewRegistry(observability.Discard(), ttl, nil)
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry(time.Minute)
	defer r.Close()

	job := r.Create([]string{"a.pdf", "b.pdf"})
	assert.Equal(t, StatusQueued, job.Status)

	got, err := r.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, got.Files)
}

func TestGet_Unknown(t *testing.T) {
	r := newTestRegistry(time.Minute)
	defer r.Close()

	_, err := r.Get(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatus_MonotonicTransitions(t *testing.T) {
	r := newTestRegistry(time.Minute)
	defer r.Close()

	job := r.Create([]string{"a.pdf"})

	_, err := r.UpdateStatus(job.ID, StatusRunning, "")
	require.NoError(t, err)

	// No transition back to an earlier state.
	_, err = r.UpdateStatus(job.ID, StatusQueued, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = r.UpdateStatus(job.ID, StatusCompleted, "")
	require.NoError(t, err)

	// Terminal states are immutable.
	_, err = r.UpdateStatus(job.ID, StatusFailed, "boom")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := r.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestSetProgress(t *testing.T) {
	r := newTestRegistry(time.Minute)
	defer r.Close()

	job := r.Create([]string{"a.pdf"})
	r.SetProgress(job.ID, 2, 5)

	got, err := r.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.PagesDone)
	assert.Equal(t, 5, got.PagesTotal)
}

func TestTerminalJobsSweptAfterTTL(t *testing.T) {
	r := newTestRegistry(50 * time.Millisecond)
	defer r.Close()

	job := r.Create([]string{"a.pdf"})
	_, err := r.UpdateStatus(job.ID, StatusRunning, "")
	require.NoError(t, err)
	_, err = r.UpdateStatus(job.ID, StatusFailed, "boom")
	require.NoError(t, err)

	// Still readable inside the TTL window.
	got, err := r.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", got.Error)

	assert.Eventually(t, func() bool {
		_, err := r.Get(job.ID)
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestActiveJobsNotSwept(t *testing.T) {
	r := newTestRegistry(30 * time.Millisecond)
	defer r.Close()

	job := r.Create([]string{"a.pdf"})
	time.Sleep(150 * time.Millisecond)

	_, err := r.Get(job.ID)
	assert.NoError(t, err)
}

func TestMirrorReceivesSnapshots(t *testing.T) {
	mirror := cache.NewMemoryClient()
	defer mirror.Close()

	r := NewRegistry(observability.Discard(), time.Minute, mirror)
	defer r.Close()

	job := r.Create([]string{"a.pdf"})

	data, err := mirror.Get(context.Background(), "job:"+job.ID.String())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"queued"`)

	_, err = r.UpdateStatus(job.ID, StatusRunning, "")
	require.NoError(t, err)

	data, err = mirror.Get(context.Background(), "job:"+job.ID.String())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"running"`)
}

func TestGet_ReadsThroughMirrorOnLocalMiss(t *testing.T) {
	mirror := cache.NewMemoryClient()
	defer mirror.Close()

	writer := NewRegistry(observability.Discard(), time.Minute, mirror)
	defer writer.Close()

	// A second replica sharing the same cache serves reads for jobs it
	// never saw locally.
	reader := NewRegistry(observability.Discard(), time.Minute, mirror)
	defer reader.Close()

	job := writer.Create([]string{"a.pdf"})
	writer.SetProgress(job.ID, 2, 5)

	got, err := reader.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, 2, got.PagesDone)

	_, err = reader.Get(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
}
