package avatar

import (
	"context"

	"github.com/normanking/avatarbridge/internal/asset"
	"github.com/normanking/avatarbridge/internal/protocol"
)

// Renderer is one live renderer instance bound to one sandbox (or native
// surface). Every call is fire-and-forget; results arrive later as Events.
// The controller owns a Renderer exclusively and never shares it.
type Renderer interface {
	LoadModel(ref asset.ModelReference) error
	SetExpression(state State) error
	StartLipSync() error
	StopLipSync() error
	// PlayAudio hands url to the host audio sink without interpreting it.
	PlayAudio(url string) error
	// Close stops every loop and timer of the renderer and releases its
	// sandbox before returning.
	Close() error
}

// Spec is what a renderer is built for.
type Spec struct {
	Backend Backend
	Model   asset.ModelReference
}

// Factory builds a renderer. emit may be called from any goroutine until
// Close returns.
type Factory func(ctx context.Context, spec Spec, emit func(Event)) (Renderer, error)

// EventKind classifies renderer events.
type EventKind string

const (
	EventReady             EventKind = "ready"
	EventProgress          EventKind = "progress"
	EventModelLoaded       EventKind = "modelLoaded"
	EventError             EventKind = "error"
	EventTouched           EventKind = "touched"
	EventExpressionChanged EventKind = "expressionChanged"
	EventLipSync           EventKind = "lipSync"
	EventModels            EventKind = "models"
	EventLog               EventKind = "log"
)

// Event is a normalized renderer event. Handle identifies the emitting
// renderer instance; the controller fills it in.
type Event struct {
	Kind       EventKind
	Handle     string
	Progress   int
	Success    bool
	Message    string
	ErrKind    protocol.ErrorKind
	Expression string
	Active     bool
	Models     []string
}

// FromMessage converts a sandbox event into an Event. ok is false for
// messages with no host-side meaning.
func FromMessage(m protocol.Message) (Event, bool) {
	switch m.Type {
	case protocol.TypeReady:
		return Event{Kind: EventReady}, true
	case protocol.TypeLoadingProgress:
		return Event{Kind: EventProgress, Progress: m.Percent()}, true
	case protocol.TypeModelLoaded:
		return Event{Kind: EventModelLoaded, Success: m.Succeeded(), Message: m.Error}, true
	case protocol.TypeError:
		kind := protocol.ErrorKind(m.Kind)
		if kind == "" {
			kind = protocol.KindTransport
		}
		return Event{Kind: EventError, Message: m.Message, ErrKind: kind}, true
	case protocol.TypeTouched:
		return Event{Kind: EventTouched}, true
	case protocol.TypeExpressionChanged:
		return Event{Kind: EventExpressionChanged, Expression: m.Expression}, true
	case protocol.TypeLipSyncStarted:
		return Event{Kind: EventLipSync, Active: true}, true
	case protocol.TypeLipSyncStopped:
		return Event{Kind: EventLipSync, Active: false}, true
	case protocol.TypeModelList:
		return Event{Kind: EventModels, Models: m.Models}, true
	case protocol.TypeLog:
		return Event{Kind: EventLog, Message: m.Message}, true
	}
	return Event{}, false
}

// ErrorEvent builds an error event from err.
func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Message: err.Error(), ErrKind: protocol.KindOf(err)}
}
