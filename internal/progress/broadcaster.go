// Package progress provides per-job progress events and their fan-out to
// live subscribers.
package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagelens/pagelens/internal/observability"
)

// Stage names carried on progress events.
const (
	StageQueued    = "queued"
	StageRunning   = "running"
	StageRasterize = "rasterize"
	StageStorage   = "storage"
	StageEmbed     = "embed"
	StageIndex     = "index"
	StageCompleted = "completed"
	StageError     = "error"
	StageCancelled = "cancelled"
)

// Event is a snapshot of job progress. The broadcaster retains the single
// latest event per job so late subscribers can catch up without the history.
type Event struct {
	JobID   string         `json:"job_id"`
	Stage   string         `json:"stage"`
	FileID  string         `json:"file_id,omitempty"`
	Counts  map[string]int `json:"counts,omitempty"`
	Percent float64        `json:"percent,omitempty"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Terminal reports whether the event marks the end of a job.
func (e Event) Terminal() bool {
	return e.Stage == StageCompleted || e.Stage == StageError || e.Stage == StageCancelled
}

// Subscription is a live feed of events for one job.
type Subscription struct {
	ID    uuid.UUID
	JobID string
	C     <-chan Event
}

type subscriber struct {
	mu       sync.Mutex
	ch       chan Event
	closed   bool
	failures int
}

// offer enqueues the event, waiting at most timeout. A closed subscriber
// reports success so the publisher does not count it as a failure.
func (s *subscriber) offer(evt Event, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}

	select {
	case s.ch <- evt:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.ch <- evt:
		return true
	case <-timer.C:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		close(s.ch)
		s.closed = true
	}
}

type jobStream struct {
	snapshot *Event
	subs     map[uuid.UUID]*subscriber
}

// Broadcaster fans out progress events to zero or more subscribers per job.
// Slow consumers lose events; the publisher is never blocked beyond the
// per-subscriber send timeout.
type Broadcaster struct {
	mu          sync.Mutex
	jobs        map[string]*jobStream
	logger      *observability.Logger
	bufSize     int
	sendTimeout time.Duration
	maxFailures int
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithSendTimeout overrides the per-subscriber enqueue timeout.
func WithSendTimeout(d time.Duration) Option {
	return func(b *Broadcaster) { b.sendTimeout = d }
}

// WithBufferSize overrides the subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) { b.bufSize = n }
}

// NewBroadcaster creates an event broadcaster.
func NewBroadcaster(logger *observability.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		jobs:        make(map[string]*jobStream),
		logger:      logger,
		bufSize:     100,
		sendTimeout: 50 * time.Millisecond,
		maxFailures: 3,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber for the job. If a snapshot exists it
// is enqueued immediately so a just-connected client sees current status.
func (b *Broadcaster) Subscribe(jobID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream, ok := b.jobs[jobID]
	if !ok {
		stream = &jobStream{subs: make(map[uuid.UUID]*subscriber)}
		b.jobs[jobID] = stream
	}

	sub := &subscriber{ch: make(chan Event, b.bufSize)}
	id := uuid.New()
	stream.subs[id] = sub

	if stream.snapshot != nil {
		sub.ch <- *stream.snapshot
	}

	return &Subscription{ID: id, JobID: jobID, C: sub.ch}
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// multiple times.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	stream, ok := b.jobs[sub.JobID]
	if !ok {
		return
	}
	if s, ok := stream.subs[sub.ID]; ok {
		delete(stream.subs, sub.ID)
		s.close()
	}
}

// Emit updates the retained snapshot and fans the event out to every
// subscriber. A subscriber whose queue stays full for the send timeout has
// the event dropped, and is removed after maxFailures consecutive drops.
// A delivered event resets the subscriber's failure count.
func (b *Broadcaster) Emit(evt Event) {
	b.mu.Lock()
	stream, ok := b.jobs[evt.JobID]
	if !ok {
		stream = &jobStream{subs: make(map[uuid.UUID]*subscriber)}
		b.jobs[evt.JobID] = stream
	}
	snapshot := evt
	stream.snapshot = &snapshot

	targets := make(map[uuid.UUID]*subscriber, len(stream.subs))
	for id, s := range stream.subs {
		targets[id] = s
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	delivered := make(map[uuid.UUID]bool, len(targets))
	for id, s := range targets {
		delivered[id] = s.offer(evt, b.sendTimeout)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ok := range delivered {
		s, live := stream.subs[id]
		if !live {
			continue
		}
		if ok {
			s.failures = 0
			continue
		}
		s.failures++
		if s.failures >= b.maxFailures {
			delete(stream.subs, id)
			s.close()
			b.logger.Warn().
				Str("job_id", evt.JobID).
				Str("subscriber", id.String()).
				Msg("Dropping slow progress subscriber")
		}
	}
}

// Snapshot returns the latest retained event for the job, if any.
func (b *Broadcaster) Snapshot(jobID string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream, ok := b.jobs[jobID]
	if !ok || stream.snapshot == nil {
		return Event{}, false
	}
	return *stream.snapshot, true
}

// CleanupJob releases all resources held for the job. Safe to call multiple
// times.
func (b *Broadcaster) CleanupJob(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream, ok := b.jobs[jobID]
	if !ok {
		return
	}
	for _, s := range stream.subs {
		s.close()
	}
	delete(b.jobs, jobID)
}

// SubscriberCount returns the number of live subscribers for a job.
func (b *Broadcaster) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream, ok := b.jobs[jobID]
	if !ok {
		return 0
	}
	return len(stream.subs)
}
