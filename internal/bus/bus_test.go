package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

func collect(t *testing.T, sub *Subscription, n int) []models.Event {
	t.Helper()
	var events []models.Event
	timeout := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed after %d events, wanted %d", len(events), n)
			}
			events = append(events, evt)
		case <-timeout:
			t.Fatalf("timed out after %d events, wanted %d", len(events), n)
		}
	}
	return events
}

func TestPublishAssignsMonotonicSequence(t *testing.T) {
	b := New(0)
	defer b.Close()

	sub := b.Subscribe(nil, 0)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(models.Event{Type: models.EventTaskSubmitted, Source: "test"})
	}

	events := collect(t, sub, 5)
	for i, evt := range events {
		require.Equal(t, uint64(i+1), evt.Seq)
		require.False(t, evt.Timestamp.IsZero())
	}
}

func TestSubscribeFiltersByKind(t *testing.T) {
	b := New(0)
	defer b.Close()

	sub := b.Subscribe([]models.EventType{models.EventTaskCompleted}, 0)
	defer sub.Close()

	b.Publish(models.Event{Type: models.EventTaskSubmitted})
	b.Publish(models.Event{Type: models.EventTaskCompleted, TaskID: "t-1"})
	b.Publish(models.Event{Type: models.EventWorkerSpawned})
	b.Publish(models.Event{Type: models.EventTaskCompleted, TaskID: "t-2"})

	events := collect(t, sub, 2)
	require.Equal(t, "t-1", events[0].TaskID)
	require.Equal(t, "t-2", events[1].TaskID)
}

func TestResumeFromSequence(t *testing.T) {
	b := New(0)
	defer b.Close()

	b.Publish(models.Event{Type: models.EventTaskSubmitted, TaskID: "t-1"})
	b.Publish(models.Event{Type: models.EventTaskSubmitted, TaskID: "t-2"})
	b.Publish(models.Event{Type: models.EventTaskSubmitted, TaskID: "t-3"})

	sub := b.Subscribe(nil, 1)
	defer sub.Close()

	events := collect(t, sub, 2)
	require.Equal(t, "t-2", events[0].TaskID)
	require.Equal(t, "t-3", events[1].TaskID)
}

func TestOverflowDropsOldestWithMarker(t *testing.T) {
	b := New(4)
	defer b.Close()

	// Subscriber that does not read until publishing is done.
	sub := b.Subscribe(nil, 0)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.Publish(models.Event{Type: models.EventTaskSubmitted})
	}

	// Give the pump a moment to pull the head event into the send; the
	// remaining buffer holds the newest events.
	events := collect(t, sub, 2)

	var sawMarker bool
	for _, evt := range events {
		if evt.Type == models.EventsDropped {
			sawMarker = true
		}
	}
	require.True(t, sawMarker, "expected an events_dropped marker, got %+v", events)
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := New(2)
	defer b.Close()

	sub := b.Subscribe(nil, 0)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(models.Event{Type: models.EventTaskSubmitted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

// recordingEmitter captures emitted events for assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingEmitter) Emit(evt models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// panicEmitter always panics to exercise adapter containment.
type panicEmitter struct{}

func (panicEmitter) Emit(models.Event) { panic("adapter fault") }

func TestEmitterFanOutSurvivesPanic(t *testing.T) {
	b := New(0)
	defer b.Close()

	rec := &recordingEmitter{}
	b.RegisterEmitter(panicEmitter{})
	b.RegisterEmitter(rec)

	b.Publish(models.Event{Type: models.EventTaskCompleted})

	require.Eventually(t, func() bool { return rec.count() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestCloseClosesSubscriberStreams(t *testing.T) {
	b := New(0)
	sub := b.Subscribe(nil, 0)

	b.Close()

	select {
	case _, ok := <-sub.Events():
		require.False(t, ok, "stream should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
}
