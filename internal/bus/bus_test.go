package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSync(t *testing.T) {
	b := NewEventBus()
	var got atomic.Int32
	b.Subscribe(EventTypeAvatarTouched, func(e Event) { got.Add(1) })
	b.Subscribe(EventTypeAvatarTouched, func(e Event) { got.Add(10) })
	b.Subscribe(EventTypeAvatarReady, func(e Event) { got.Add(100) })

	b.PublishSync(Event{Type: EventTypeAvatarTouched})
	assert.Equal(t, int32(11), got.Load())
}

func TestUnsubscribe(t *testing.T) {
	b := NewEventBus()
	var got atomic.Int32
	cancel := b.Subscribe(EventTypeAudioRequested, func(e Event) { got.Add(1) })
	b.PublishSync(Event{Type: EventTypeAudioRequested})
	cancel()
	cancel()
	b.PublishSync(Event{Type: EventTypeAudioRequested})
	assert.Equal(t, int32(1), got.Load())
}

func TestSubscribeMultiple(t *testing.T) {
	b := NewEventBus()
	var got atomic.Int32
	cancel := b.SubscribeMultiple([]EventType{EventTypeAvatarReady, EventTypeAvatarError}, func(e Event) { got.Add(1) })
	b.PublishSync(Event{Type: EventTypeAvatarReady})
	b.PublishSync(Event{Type: EventTypeAvatarError})
	cancel()
	b.PublishSync(Event{Type: EventTypeAvatarReady})
	assert.Equal(t, int32(2), got.Load())

	b.Clear()
}

func TestSubscribeOrdered_KeepsPublishOrder(t *testing.T) {
	b := NewEventBus()
	var mu sync.Mutex
	var got []int
	cancel := b.SubscribeOrdered([]EventType{EventTypeAvatarProgress, EventTypeAvatarModelLoaded}, func(e Event) {
		// A slow handler must not let later events overtake it.
		time.Sleep(100 * time.Microsecond)
		mu.Lock()
		got = append(got, e.Data["progress"].(int))
		mu.Unlock()
	})
	defer cancel()

	for i := 0; i <= 100; i++ {
		et := EventTypeAvatarProgress
		if i%25 == 0 {
			et = EventTypeAvatarModelLoaded
		}
		b.Publish(Event{Type: et, Data: map[string]any{"progress": i}})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 101
	}, 2*time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for i, p := range got {
		assert.Equal(t, i, p)
	}
}

func TestSubscribeOrdered_UnsubscribeDropsPending(t *testing.T) {
	b := NewEventBus()
	release := make(chan struct{})
	var got atomic.Int32
	cancel := b.SubscribeOrdered([]EventType{EventTypeAvatarTouched}, func(e Event) {
		<-release
		got.Add(1)
	})

	for i := 0; i < 5; i++ {
		b.PublishSync(Event{Type: EventTypeAvatarTouched})
	}
	// Unsubscribe must not wait for the blocked handler.
	cancel()
	close(release)
	b.Publish(Event{Type: EventTypeAvatarTouched})

	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, got.Load(), int32(1))
}
