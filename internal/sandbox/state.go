// Package sandbox is the program that runs on the far side of the bridge. It
// owns the scene and at most one bound model, executes commands, and reports
// lifecycle, progress and interaction events back to the host.
package sandbox

import "time"

// State is the runtime's lifecycle position.
type State int

const (
	Uninitialized State = iota
	SceneReady
	ModelLoading
	ModelReady
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case SceneReady:
		return "scene_ready"
	case ModelLoading:
		return "model_loading"
	case ModelReady:
		return "model_ready"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent view of the runtime, published by the event loop
// before it acknowledges each command.
type Snapshot struct {
	State      State
	Model      string
	Expression string
	LipSync    bool
	MouthOpen  float32
	Pulse      bool
	Params     map[string]float32
	// FrameLoop and LipSyncLoop report whether the idle-animation ticker and
	// the lip-sync ticker are running.
	FrameLoop   bool
	LipSyncLoop bool
	ReadySent   bool
	UpdatedAt   time.Time
}
