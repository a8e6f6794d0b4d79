// Package bridge connects the host to avatar renderers: the Channel that
// speaks the sandbox protocol, and the Wails bindings the frontend calls.
package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/normanking/avatarbridge/internal/asset"
	"github.com/normanking/avatarbridge/internal/avatar"
	"github.com/normanking/avatarbridge/internal/bus"
	"github.com/rs/zerolog"
	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// Frontend event names.
const (
	EventReady            = "avatar:ready"
	EventProgress         = "avatar:progress"
	EventModelLoaded      = "avatar:modelLoaded"
	EventError            = "avatar:error"
	EventTouched          = "avatar:touched"
	EventModels           = "avatar:models"
	EventStateChanged     = "avatar:stateChanged"
	EventSpeakingChanged  = "avatar:speakingChanged"
	EventSelectionChanged = "avatar:selectionChanged"
	EventPlayAudio        = "avatar:playAudio"
	EventModelChanged     = "avatar:modelChanged"
	EventFrame            = "avatar:frame"
)

var forwarded = map[bus.EventType]string{
	bus.EventTypeAvatarReady:        EventReady,
	bus.EventTypeAvatarProgress:     EventProgress,
	bus.EventTypeAvatarModelLoaded:  EventModelLoaded,
	bus.EventTypeAvatarError:        EventError,
	bus.EventTypeAvatarTouched:      EventTouched,
	bus.EventTypeAvatarModels:       EventModels,
	bus.EventTypeAvatarStateChanged: EventStateChanged,
	bus.EventTypeSpeakingChanged:    EventSpeakingChanged,
	bus.EventTypeSelectionChanged:   EventSelectionChanged,
	bus.EventTypeAudioRequested:     EventPlayAudio,
	bus.EventTypeModelChanged:       EventModelChanged,
}

// EmitFunc delivers an event to the frontend.
type EmitFunc func(ctx context.Context, name string, data ...any)

// AvatarBridge exposes the avatar screen to the frontend
type AvatarBridge struct {
	controller *avatar.Controller
	selection  *avatar.Selection
	eventBus   *bus.EventBus
	emit       EmitFunc
	logger     zerolog.Logger

	mu    sync.Mutex
	ctx   context.Context
	unsub func()
}

// NewAvatarBridge creates the avatar bridge. A nil emit uses the Wails runtime.
func NewAvatarBridge(controller *avatar.Controller, selection *avatar.Selection, eventBus *bus.EventBus, emit EmitFunc, logger zerolog.Logger) *AvatarBridge {
	if emit == nil {
		emit = runtime.EventsEmit
	}
	return &AvatarBridge{
		controller: controller,
		selection:  selection,
		eventBus:   eventBus,
		emit:       emit,
		logger:     logger.With().Str("component", "avatar-bridge").Logger(),
	}
}

// Bind sets the Wails runtime context and starts forwarding bus events to
// the frontend.
func (b *AvatarBridge) Bind(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsub != nil {
		b.unsub()
	}
	b.ctx = ctx

	types := make([]bus.EventType, 0, len(forwarded))
	for t := range forwarded {
		types = append(types, t)
	}
	// One queue for every type keeps progress and lifecycle in publish order.
	b.unsub = b.eventBus.SubscribeOrdered(types, func(e bus.Event) {
		b.send(forwarded[e.Type], payload(e))
	})
}

// Unbind stops forwarding.
func (b *AvatarBridge) Unbind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
	b.ctx = nil
}

// payload flattens single-valued events so the frontend receives the value.
func payload(e bus.Event) any {
	switch e.Type {
	case bus.EventTypeAvatarProgress:
		return e.Data["progress"]
	case bus.EventTypeAvatarStateChanged:
		return e.Data["state"]
	case bus.EventTypeSpeakingChanged:
		return e.Data["speaking"]
	case bus.EventTypeAudioRequested:
		return e.Data["url"]
	case bus.EventTypeAvatarModels:
		return e.Data["models"]
	}
	return e.Data
}

func (b *AvatarBridge) send(name string, data any) {
	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()
	if ctx == nil {
		return
	}
	b.emit(ctx, name, data)
}

// FrameSink returns a sink that emits every frame to the frontend.
func FrameSink[F any](b *AvatarBridge) func(F) {
	return func(f F) { b.send(EventFrame, f) }
}

// Select switches the shared avatar selection. An empty model keeps the
// backend's default.
func (b *AvatarBridge) Select(backend, model string) error {
	be, err := avatar.ParseBackend(backend)
	if err != nil {
		return err
	}
	var ref asset.ModelReference
	if model != "" {
		if ref, err = asset.ParseReference(model); err != nil {
			return err
		}
	}
	if b.selection.Set(avatar.Choice{Backend: be, Model: ref}) {
		b.logger.Info().Str("backend", backend).Str("model", model).Msg("Avatar selection changed")
	}
	return nil
}

// GetSelection returns the current avatar selection.
func (b *AvatarBridge) GetSelection() avatar.Choice {
	return b.selection.Current()
}

// SetState sets the avatar state by name.
func (b *AvatarBridge) SetState(state string) error {
	s, err := avatar.ParseState(state)
	if err != nil {
		return err
	}
	return b.controller.SetState(s)
}

// SetSpeaking sets the speaking flag.
func (b *AvatarBridge) SetSpeaking(speaking bool) {
	b.controller.SetSpeaking(speaking)
}

// PlayAudio asks the active renderer to play url.
func (b *AvatarBridge) PlayAudio(url string) error {
	if url == "" {
		return fmt.Errorf("play audio: empty url")
	}
	return b.controller.PlayAudio(url)
}

// GetModels returns the models the renderer last reported.
func (b *AvatarBridge) GetModels() []string {
	return b.controller.Models()
}

// GetStatus returns the controller status
func (b *AvatarBridge) GetStatus() avatar.Status {
	return b.controller.Status()
}

// GetStates lists the avatar states the frontend can set.
func (b *AvatarBridge) GetStates() []string {
	out := make([]string, len(avatar.States))
	for i, s := range avatar.States {
		out[i] = string(s)
	}
	return out
}

// Reload rebuilds the renderer; it is the recovery path after a failed load.
func (b *AvatarBridge) Reload() error {
	return b.controller.Reload()
}
