// Package cleanup removes partially-written job data across storage
// backends and notifies collaborating services of cancellation.
package cleanup

import (
	"context"
	"sync"

	"github.com/pagelens/pagelens/internal/observability"
)

// Backend deletes everything a job wrote to one store.
type Backend interface {
	Name() string
	CleanupJob(ctx context.Context, jobID string) (deleted int, err error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc struct {
	name string
	fn   func(ctx context.Context, jobID string) (int, error)
}

// NewBackend wraps a delete function as a named cleanup backend.
func NewBackend(name string, fn func(ctx context.Context, jobID string) (int, error)) BackendFunc {
	return BackendFunc{name: name, fn: fn}
}

// Name returns the backend name.
func (b BackendFunc) Name() string { return b.name }

// CleanupJob invokes the wrapped delete function.
func (b BackendFunc) CleanupJob(ctx context.Context, jobID string) (int, error) {
	return b.fn(ctx, jobID)
}

// BackendResult is the per-backend outcome of a cleanup run.
type BackendResult struct {
	Deleted int    `json:"deleted"`
	Error   string `json:"error,omitempty"`
	Success bool   `json:"success"`
}

// Result aggregates cleanup outcomes across backends. Success means at
// least one backend cleaned successfully.
type Result struct {
	JobID    string                   `json:"job_id"`
	Services map[string]BackendResult `json:"services"`
	Success  bool                     `json:"success"`
}

// Coordinator runs job cleanup across every registered backend in
// parallel. One backend failing never prevents the others from being
// attempted.
type Coordinator struct {
	backends []Backend
	logger   *observability.Logger
}

// NewCoordinator creates a cleanup coordinator over the given backends.
func NewCoordinator(logger *observability.Logger, backends ...Backend) *Coordinator {
	return &Coordinator{
		backends: backends,
		logger:   logger,
	}
}

// CleanupJob deletes the job's data from all backends concurrently and
// aggregates per-service results. The call returns within the time of the
// slowest backend, not the sum.
func (c *Coordinator) CleanupJob(ctx context.Context, jobID string) Result {
	result := Result{
		JobID:    jobID,
		Services: make(map[string]BackendResult, len(c.backends)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, backend := range c.backends {
		wg.Add(1)
		go func(b Backend) {
			defer wg.Done()

			deleted, err := b.CleanupJob(ctx, jobID)
			br := BackendResult{Deleted: deleted, Success: err == nil}
			if err != nil {
				br.Error = err.Error()
				c.logger.Warn().
					Err(err).
					Str("job_id", jobID).
					Str("backend", b.Name()).
					Msg("Cleanup backend failed")
			} else {
				c.logger.Debug().
					Str("job_id", jobID).
					Str("backend", b.Name()).
					Int("deleted", deleted).
					Msg("Cleanup backend finished")
			}

			mu.Lock()
			result.Services[b.Name()] = br
			if br.Success {
				result.Success = true
			}
			mu.Unlock()
		}(backend)
	}
	wg.Wait()

	c.logger.Info().
		Str("job_id", jobID).
		Bool("success", result.Success).
		Int("backends", len(c.backends)).
		Msg("Job cleanup finished")

	return result
}

// JobCanceller is the optional capability a collaborating service exposes
// to abort server-side work for a job.
type JobCanceller interface {
	CancelJob(ctx context.Context, jobID string) error
}

// Notifier sends best-effort cancellation notices to collaborating
// services. Capability detection happens once at construction: services
// that do not implement JobCanceller are logged and skipped.
type Notifier struct {
	cancellers map[string]JobCanceller
	logger     *observability.Logger
}

// NewNotifier resolves the cancel capability for each named service.
func NewNotifier(logger *observability.Logger, services map[string]any) *Notifier {
	cancellers := make(map[string]JobCanceller)
	for name, svc := range services {
		if jc, ok := svc.(JobCanceller); ok {
			cancellers[name] = jc
			continue
		}
		logger.Debug().Str("service", name).Msg("Service has no cancel capability, skipping")
	}

	return &Notifier{
		cancellers: cancellers,
		logger:     logger,
	}
}

// NotifyAll fires cancellation notices to every cancellable service in
// parallel and returns a per-service success map for observability.
func (n *Notifier) NotifyAll(ctx context.Context, jobID string) map[string]bool {
	results := make(map[string]bool, len(n.cancellers))

	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, jc := range n.cancellers {
		wg.Add(1)
		go func(name string, jc JobCanceller) {
			defer wg.Done()

			err := jc.CancelJob(ctx, jobID)
			if err != nil {
				n.logger.Warn().
					Err(err).
					Str("job_id", jobID).
					Str("service", name).
					Msg("Cancellation notice failed")
			}

			mu.Lock()
			results[name] = err == nil
			mu.Unlock()
		}(name, jc)
	}
	wg.Wait()

	return results
}
