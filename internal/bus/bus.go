// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

// Event types for the avatar bridge
const (
	// Renderer lifecycle
	EventTypeAvatarReady       EventType = "avatar.ready"
	EventTypeAvatarProgress    EventType = "avatar.progress"
	EventTypeAvatarModelLoaded EventType = "avatar.model_loaded"
	EventTypeAvatarError       EventType = "avatar.error"
	EventTypeAvatarTouched     EventType = "avatar.touched"
	EventTypeAvatarModels      EventType = "avatar.models"

	// Controller inputs
	EventTypeAvatarStateChanged EventType = "avatar.state_changed"
	EventTypeSpeakingChanged    EventType = "avatar.speaking_changed"
	EventTypeSelectionChanged   EventType = "avatar.selection_changed"

	// Audio is played by the host, never by a renderer
	EventTypeAudioRequested EventType = "avatar.audio_requested"

	// Development
	EventTypeModelChanged EventType = "assets.model_changed"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
	// ordered handlers only enqueue, so they are called inline
	ordered bool
}

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventType][]subscription
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe adds a handler for an event type and returns a function that
// removes it again.
func (b *EventBus) Subscribe(eventType EventType, handler Handler) (unsubscribe func()) {
	return b.subscribe(eventType, subscription{handler: handler})
}

func (b *EventBus) subscribe(eventType EventType, sub subscription) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub.id = id
	b.handlers[eventType] = append(b.handlers[eventType], sub)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(eventType, id) })
	}
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) (unsubscribe func()) {
	cancels := make([]func(), 0, len(eventTypes))
	for _, et := range eventTypes {
		cancels = append(cancels, b.Subscribe(et, handler))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// SubscribeOrdered delivers events of every given type to handler one at a
// time, in the order they were published, on a goroutine owned by the
// subscription. Events still queued when unsubscribe is called are dropped.
func (b *EventBus) SubscribeOrdered(eventTypes []EventType, handler Handler) (unsubscribe func()) {
	q := newOrderedQueue(handler)
	cancels := make([]func(), 0, len(eventTypes))
	for _, et := range eventTypes {
		cancels = append(cancels, b.subscribe(et, subscription{handler: q.push, ordered: true}))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
		q.close()
	}
}

func (b *EventBus) remove(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (b *EventBus) snapshot(eventType EventType) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]subscription(nil), b.handlers[eventType]...)
}

// Publish sends an event to all subscribed handlers
func (b *EventBus) Publish(event Event) {
	for _, s := range b.snapshot(event.Type) {
		if s.ordered {
			s.handler(event)
			continue
		}
		// Call handlers in goroutines to avoid blocking
		go s.handler(event)
	}
}

// PublishSync sends an event and waits for all unordered handlers to
// complete. Ordered subscribers only have it queued.
func (b *EventBus) PublishSync(event Event) {
	var wg sync.WaitGroup
	for _, s := range b.snapshot(event.Type) {
		if s.ordered {
			s.handler(event)
			continue
		}
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(s.handler)
	}
	wg.Wait()
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]subscription)
}

// orderedQueue is an unbounded FIFO drained by one goroutine.
type orderedQueue struct {
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	closed  bool
}

func newOrderedQueue(handler Handler) *orderedQueue {
	q := &orderedQueue{handler: handler}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *orderedQueue) push(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, e)
	q.cond.Signal()
}

func (q *orderedQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.pending = nil
	q.cond.Signal()
}

func (q *orderedQueue) run() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending[0] = Event{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.handler(e)
	}
}
