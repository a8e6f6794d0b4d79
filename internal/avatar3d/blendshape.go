// Package avatar3d is the rigged-3D backend: glTF/GLB avatars animated through
// ARKit-style blendshapes.
package avatar3d

type BlendshapeIndex int

const (
	BrowDownLeft BlendshapeIndex = iota
	BrowDownRight
	BrowInnerUp
	BrowOuterUpLeft
	BrowOuterUpRight
	CheekPuff
	CheekSquintLeft
	CheekSquintRight
	EyeBlinkLeft
	EyeBlinkRight
	EyeLookDownLeft
	EyeLookDownRight
	EyeLookInLeft
	EyeLookInRight
	EyeLookOutLeft
	EyeLookOutRight
	EyeLookUpLeft
	EyeLookUpRight
	EyeSquintLeft
	EyeSquintRight
	EyeWideLeft
	EyeWideRight
	JawForward
	JawLeft
	JawOpen
	JawRight
	MouthClose
	MouthDimpleLeft
	MouthDimpleRight
	MouthFrownLeft
	MouthFrownRight
	MouthFunnel
	MouthLeft
	MouthLowerDownLeft
	MouthLowerDownRight
	MouthPressLeft
	MouthPressRight
	MouthPucker
	MouthRight
	MouthRollLower
	MouthRollUpper
	MouthShrugLower
	MouthShrugUpper
	MouthSmileLeft
	MouthSmileRight
	MouthStretchLeft
	MouthStretchRight
	MouthUpperUpLeft
	MouthUpperUpRight
	NoseSneerLeft
	NoseSneerRight
	TongueOut
	BlendshapeCount
)

var BlendshapeNames = [BlendshapeCount]string{
	"browDownLeft",
	"browDownRight",
	"browInnerUp",
	"browOuterUpLeft",
	"browOuterUpRight",
	"cheekPuff",
	"cheekSquintLeft",
	"cheekSquintRight",
	"eyeBlinkLeft",
	"eyeBlinkRight",
	"eyeLookDownLeft",
	"eyeLookDownRight",
	"eyeLookInLeft",
	"eyeLookInRight",
	"eyeLookOutLeft",
	"eyeLookOutRight",
	"eyeLookUpLeft",
	"eyeLookUpRight",
	"eyeSquintLeft",
	"eyeSquintRight",
	"eyeWideLeft",
	"eyeWideRight",
	"jawForward",
	"jawLeft",
	"jawOpen",
	"jawRight",
	"mouthClose",
	"mouthDimpleLeft",
	"mouthDimpleRight",
	"mouthFrownLeft",
	"mouthFrownRight",
	"mouthFunnel",
	"mouthLeft",
	"mouthLowerDownLeft",
	"mouthLowerDownRight",
	"mouthPressLeft",
	"mouthPressRight",
	"mouthPucker",
	"mouthRight",
	"mouthRollLower",
	"mouthRollUpper",
	"mouthShrugLower",
	"mouthShrugUpper",
	"mouthSmileLeft",
	"mouthSmileRight",
	"mouthStretchLeft",
	"mouthStretchRight",
	"mouthUpperUpLeft",
	"mouthUpperUpRight",
	"noseSneerLeft",
	"noseSneerRight",
	"tongueOut",
}

// BlendshapeWeights is a dense ARKit weight vector.
type BlendshapeWeights [BlendshapeCount]float32

func (w *BlendshapeWeights) Set(idx BlendshapeIndex, value float32) {
	w[idx] = clamp(value, 0, 1)
}

func (w *BlendshapeWeights) Get(idx BlendshapeIndex) float32 {
	return w[idx]
}

// Map returns the non-zero weights keyed by blendshape name.
func (w *BlendshapeWeights) Map() map[string]float32 {
	out := make(map[string]float32)
	for i, v := range w {
		if v != 0 {
			out[BlendshapeNames[i]] = v
		}
	}
	return out
}

// WeightsFromMap builds a dense vector from named weights, ignoring names
// outside the ARKit set.
func WeightsFromMap(values map[string]float32) BlendshapeWeights {
	var w BlendshapeWeights
	for name, v := range values {
		if idx := BlendshapeIndexFromName(name); idx >= 0 {
			w.Set(idx, v)
		}
	}
	return w
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var blendshapeIndex = func() map[string]BlendshapeIndex {
	m := make(map[string]BlendshapeIndex, BlendshapeCount)
	for i, n := range BlendshapeNames {
		m[n] = BlendshapeIndex(i)
	}
	return m
}()

// BlendshapeIndexFromName returns the index of an ARKit name, or -1.
func BlendshapeIndexFromName(name string) BlendshapeIndex {
	if idx, ok := blendshapeIndex[name]; ok {
		return idx
	}
	return -1
}
