package progress

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagelens/pagelens/internal/observability"
)

func newTestBroadcaster(opts ...Option) *Broadcaster {
	return NewBroadcaster(observability.Discard(), opts...)
}

func TestSubscribe_ReceivesEmittedEvents(t *testing.T) {
	b := newTestBroadcaster()
	sub := b.Subscribe("job-1")

	b.Emit(Event{JobID: "job-1", Stage: StageRunning})

	select {
	case evt := <-sub.C:
		assert.Equal(t, StageRunning, evt.Stage)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSubscribe_LateSubscriberGetsLatestOnly(t *testing.T) {
	b := newTestBroadcaster()

	for i := 1; i <= 5; i++ {
		b.Emit(Event{
			JobID:  "job-1",
			Stage:  StageIndex,
			Counts: map[string]int{"done": i, "total": 5},
		})
	}

	sub := b.Subscribe("job-1")

	select {
	case evt := <-sub.C:
		assert.Equal(t, 5, evt.Counts["done"])
	case <-time.After(time.Second):
		t.Fatal("snapshot not replayed to late subscriber")
	}

	// Only the snapshot, not the history.
	select {
	case evt := <-sub.C:
		t.Fatalf("unexpected extra event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmit_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := newTestBroadcaster(WithBufferSize(1), WithSendTimeout(10*time.Millisecond))
	b.Subscribe("job-1") // never drained

	start := time.Now()
	for i := 0; i < 10; i++ {
		b.Emit(Event{JobID: "job-1", Stage: StageIndex})
	}
	// 10 emits, at most ~10ms timeout each, plus slack.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestEmit_RemovesSubscriberAfterRepeatedFailures(t *testing.T) {
	b := newTestBroadcaster(WithBufferSize(1), WithSendTimeout(5*time.Millisecond))
	b.Subscribe("job-1") // never drained; buffer fills after one event

	require.Equal(t, 1, b.SubscriberCount("job-1"))

	for i := 0; i < 5; i++ {
		b.Emit(Event{JobID: "job-1", Stage: StageIndex})
	}

	assert.Equal(t, 0, b.SubscriberCount("job-1"))
}

func TestEmit_DeliveryResetsFailureCount(t *testing.T) {
	b := newTestBroadcaster(WithBufferSize(1), WithSendTimeout(5*time.Millisecond))
	sub := b.Subscribe("job-1")

	emit := func(n int) {
		for i := 0; i < n; i++ {
			b.Emit(Event{JobID: "job-1", Stage: StageIndex})
		}
	}

	emit(1) // fills the buffer
	emit(2) // two dropped offers
	require.Equal(t, 1, b.SubscriberCount("job-1"))

	<-sub.C // drain, making room
	emit(1) // delivered, resetting the count
	emit(2) // two more drops, still below the threshold
	assert.Equal(t, 1, b.SubscriberCount("job-1"))

	emit(1) // third consecutive drop
	assert.Equal(t, 0, b.SubscriberCount("job-1"))
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := newTestBroadcaster()
	sub := b.Subscribe("job-1")

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	assert.Equal(t, 0, b.SubscriberCount("job-1"))
}

func TestCleanupJob_Idempotent(t *testing.T) {
	b := newTestBroadcaster()
	sub := b.Subscribe("job-1")
	b.Emit(Event{JobID: "job-1", Stage: StageCompleted})

	b.CleanupJob("job-1")
	b.CleanupJob("job-1")

	_, ok := b.Snapshot("job-1")
	assert.False(t, ok)

	// Subscriber channel is closed after cleanup.
	for {
		if _, open := <-sub.C; !open {
			break
		}
	}
}

func TestEmit_ManySubscribersAllReceive(t *testing.T) {
	b := newTestBroadcaster()

	subs := make([]*Subscription, 10)
	for i := range subs {
		subs[i] = b.Subscribe("job-1")
	}

	b.Emit(Event{JobID: "job-1", Stage: StageCompleted, Message: "done"})

	for i, sub := range subs {
		select {
		case evt := <-sub.C:
			assert.Equal(t, "done", evt.Message, fmt.Sprintf("subscriber %d", i))
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, Event{Stage: StageCompleted}.Terminal())
	assert.True(t, Event{Stage: StageError}.Terminal())
	assert.True(t, Event{Stage: StageCancelled}.Terminal())
	assert.False(t, Event{Stage: StageIndex}.Terminal())
}
