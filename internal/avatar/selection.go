package avatar

import (
	"sync"

	"github.com/normanking/avatarbridge/internal/asset"
	"github.com/normanking/avatarbridge/internal/bus"
)

// Choice is the avatar the user picked.
type Choice struct {
	Backend Backend              `json:"backend"`
	Model   asset.ModelReference `json:"model"`
}

// Selection holds the current avatar choice shared across screens. Set is the
// only writer; readers subscribe.
type Selection struct {
	bus *bus.EventBus

	mu      sync.Mutex
	current Choice
	nextID  uint64
	subs    map[uint64]func(Choice)
}

// NewSelection creates a store holding initial.
func NewSelection(initial Choice, b *bus.EventBus) *Selection {
	return &Selection{bus: b, current: initial, subs: make(map[uint64]func(Choice))}
}

// Current returns the current choice.
func (s *Selection) Current() Choice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set replaces the choice and notifies subscribers when it changed.
func (s *Selection) Set(c Choice) bool {
	s.mu.Lock()
	if c == s.current {
		s.mu.Unlock()
		return false
	}
	s.current = c
	fns := make([]func(Choice), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Type: bus.EventTypeSelectionChanged,
			Data: map[string]any{"backend": string(c.Backend), "model": c.Model.String()},
		})
	}
	return true
}

// Subscribe calls fn with the current choice and then with every change until
// the returned cancel is called.
func (s *Selection) Subscribe(fn func(Choice)) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	current := s.current
	s.mu.Unlock()

	fn(current)
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Follow keeps c bound to the selection. Each change triggers a full reload
// cycle with the new backend and model.
func (c *Controller) Follow(s *Selection) (cancel func()) {
	return s.Subscribe(func(ch Choice) {
		if err := c.ensure(Spec{Backend: orBackend(ch.Backend, c.opts.Backend), Model: ch.Model}); err != nil {
			c.logger.Warn().Err(err).Msg("Applying avatar selection failed")
		}
	})
}

func orBackend(b, fallback Backend) Backend {
	if b == "" {
		return fallback
	}
	return b
}
