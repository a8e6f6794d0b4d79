// Package avatar is the screen-facing side of the avatar: the semantic state
// enum, the renderer abstraction every backend implements, and the
// controller that keeps one renderer in sync with screen inputs.
package avatar

import (
	"fmt"
	"strings"
)

// State is the externally driven conversational/emotional state the avatar
// reflects. Exactly one is active at a time.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
	StateHappy     State = "happy"
	StateSurprised State = "surprised"
	StateSad       State = "sad"
)

// States lists every State.
var States = []State{StateIdle, StateListening, StateThinking, StateSpeaking, StateHappy, StateSurprised, StateSad}

// Valid reports whether s is one of States.
func (s State) Valid() bool {
	for _, v := range States {
		if v == s {
			return true
		}
	}
	return false
}

// ParseState parses a state name case-insensitively.
func ParseState(name string) (State, error) {
	s := State(strings.ToLower(strings.TrimSpace(name)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown avatar state %q", name)
	}
	return s, nil
}

// Backend selects a renderer implementation.
type Backend string

const (
	BackendRigged3D  Backend = "rigged3d"
	BackendRigged2D  Backend = "rigged2d"
	BackendNative    Backend = "native"
	BackendAnimation Backend = "animation"
)

// Backends lists every Backend.
var Backends = []Backend{BackendRigged3D, BackendRigged2D, BackendNative, BackendAnimation}

// ParseBackend parses a backend name.
func ParseBackend(name string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(name)))
	for _, v := range Backends {
		if v == b {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown avatar backend %q", name)
}

// Bridged reports whether the backend talks to a sandbox over a bridge.
func (b Backend) Bridged() bool {
	return b == BackendRigged3D || b == BackendRigged2D
}

// UsesAsset reports whether the backend renders a model asset.
func (b Backend) UsesAsset() bool {
	return b != BackendAnimation
}
