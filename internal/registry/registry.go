// Package registry provides in-memory job bookkeeping with a documented
// TTL for terminal jobs, so polling clients keep a window to read final
// status after a job ends.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagelens/pagelens/internal/cache"
	"github.com/pagelens/pagelens/internal/observability"
)

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

// Job statuses. Transitions are monotonic; terminal states are immutable.
const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s JobStatus) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	default:
		return 2
	}
}

// Registry errors.
var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Job is the registry's view of an ingestion job.
type Job struct {
	ID         uuid.UUID `json:"id"`
	Files      []string  `json:"files"`
	Status     JobStatus `json:"status"`
	PagesDone  int       `json:"pages_done"`
	PagesTotal int       `json:"pages_total"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type entry struct {
	job       Job
	expiresAt time.Time // zero until the job reaches a terminal status
}

// Registry tracks job state in memory. Terminal jobs are retained for the
// configured TTL and then swept. An optional cache mirror receives
// serialized snapshots on every update so status reads can be served from
// Redis across replicas.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[uuid.UUID]*entry
	ttl    time.Duration
	mirror cache.Client
	logger *observability.Logger
	stop   chan struct{}
	once   sync.Once
}

// mirrorActiveTTL bounds the mirror lifetime of jobs that never reach a
// terminal status (e.g. process crash mid-job).
const mirrorActiveTTL = 24 * time.Hour

// NewRegistry creates a job registry. mirror may be nil.
func NewRegistry(logger *observability.Logger, ttl time.Duration, mirror cache.Client) *Registry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	r := &Registry{
		jobs:   make(map[uuid.UUID]*entry),
		ttl:    ttl,
		mirror: mirror,
		logger: logger,
		stop:   make(chan struct{}),
	}
	go r.sweep()
	return r
}

// Create registers a new queued job.
func (r *Registry) Create(files []string) Job {
	now := time.Now()
	job := Job{
		ID:        uuid.New(),
		Files:     append([]string(nil), files...),
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.jobs[job.ID] = &entry{job: job}
	r.mu.Unlock()

	r.mirrorJob(job)
	return job
}

// Get returns a snapshot of the job. On a local miss the mirror, when
// configured, is consulted so any replica can serve status reads.
func (r *Registry) Get(id uuid.UUID) (Job, error) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	if ok {
		job := e.job
		r.mu.RUnlock()
		return job, nil
	}
	r.mu.RUnlock()

	return r.mirrorGet(id)
}

// UpdateStatus moves a job to a new status. Transitions back to an earlier
// state, and any transition out of a terminal state, are rejected.
func (r *Registry) UpdateStatus(id uuid.UUID, status JobStatus, errMsg string) (Job, error) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return Job{}, ErrNotFound
	}

	current := e.job.Status
	if current.Terminal() || status.rank() < current.rank() {
		r.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	e.job.Status = status
	e.job.Error = errMsg
	e.job.UpdatedAt = time.Now()
	if status.Terminal() {
		e.expiresAt = time.Now().Add(r.ttl)
	}
	job := e.job
	r.mu.Unlock()

	r.mirrorJob(job)
	return job, nil
}

// SetProgress records the shared pages-done counter for polling clients.
func (r *Registry) SetProgress(id uuid.UUID, done, total int) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.job.PagesDone = done
	e.job.PagesTotal = total
	e.job.UpdatedAt = time.Now()
	job := e.job
	r.mu.Unlock()

	r.mirrorJob(job)
}

// Close stops the background sweeper.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.stop) })
}

func (r *Registry) mirrorJob(job Job) {
	if r.mirror == nil {
		return
	}

	data, err := json.Marshal(job)
	if err != nil {
		r.logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("Failed to serialize job for mirror")
		return
	}

	ttl := mirrorActiveTTL
	if job.Status.Terminal() {
		ttl = r.ttl
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.mirror.Set(ctx, "job:"+job.ID.String(), data, ttl); err != nil {
		r.logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("Failed to mirror job status")
	}
}

// mirrorGet fetches a job snapshot written by another replica.
func (r *Registry) mirrorGet(id uuid.UUID) (Job, error) {
	if r.mirror == nil {
		return Job{}, ErrNotFound
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := r.mirror.Get(ctx, "job:"+id.String())
	if err != nil {
		return Job{}, ErrNotFound
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		r.logger.Warn().Err(err).Str("job_id", id.String()).Msg("Corrupt mirrored job snapshot")
		return Job{}, ErrNotFound
	}
	return job, nil
}

// sweepInterval derives the sweep cadence from the TTL, clamped so tests
// with very short TTLs still see expiry promptly.
func (r *Registry) sweepInterval() time.Duration {
	interval := r.ttl / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	return interval
}

func (r *Registry) sweep() {
	ticker := time.NewTicker(r.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			now := time.Now()
			r.mu.Lock()
			for id, e := range r.jobs {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(r.jobs, id)
				}
			}
			r.mu.Unlock()
		}
	}
}
