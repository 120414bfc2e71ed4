package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"memcore/internal/logging"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := New(logging.NewLogger(logging.ERROR))

	var mu sync.Mutex
	var received []string
	bus.Subscribe(TypeChunkWritten, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e.ChunkID)
	})

	bus.Publish(Event{Type: TypeChunkWritten, ChunkID: "c1"})
	bus.Publish(Event{Type: TypeChunkDeleted, ChunkID: "c2"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1"}, received)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := New(logging.NewLogger(logging.ERROR))

	count := 0
	unsubscribe := bus.Subscribe(TypeIndexRebuilt, func(e Event) { count++ })
	bus.Publish(Event{Type: TypeIndexRebuilt})
	unsubscribe()
	bus.Publish(Event{Type: TypeIndexRebuilt})

	assert.Equal(t, 1, count)
}

func TestBus_ListenerPanicIsolated(t *testing.T) {
	bus := New(logging.NewLogger(logging.ERROR))

	secondCalled := false
	bus.Subscribe(TypeFeedbackRecorded, func(e Event) { panic("boom") })
	bus.Subscribe(TypeFeedbackRecorded, func(e Event) { secondCalled = true })

	assert.NotPanics(t, func() {
		bus.Publish(Event{Type: TypeFeedbackRecorded})
	})
	assert.True(t, secondCalled)

	stats := bus.Stats()
	assert.Equal(t, int64(1), stats.Panics)
}
