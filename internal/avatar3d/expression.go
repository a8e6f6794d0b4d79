package avatar3d

func preset(set func(w *BlendshapeWeights)) BlendshapeWeights {
	var w BlendshapeWeights
	set(&w)
	return w
}

// Presets holds the expression overlay per avatar state. idle and speaking
// have none.
var Presets = map[string]BlendshapeWeights{
	"listening": preset(func(w *BlendshapeWeights) {
		w.Set(BrowInnerUp, 0.15)
		w.Set(BrowOuterUpLeft, 0.05)
		w.Set(EyeWideLeft, 0.1)
		w.Set(EyeWideRight, 0.1)
		w.Set(MouthSmileLeft, 0.05)
		w.Set(MouthSmileRight, 0.05)
	}),
	"thinking": preset(func(w *BlendshapeWeights) {
		w.Set(BrowInnerUp, 0.25)
		w.Set(EyeLookUpLeft, 0.3)
		w.Set(EyeLookUpRight, 0.3)
		w.Set(MouthPressLeft, 0.1)
		w.Set(MouthPressRight, 0.1)
	}),
	"happy": preset(func(w *BlendshapeWeights) {
		w.Set(MouthSmileLeft, 0.6)
		w.Set(MouthSmileRight, 0.6)
		w.Set(CheekSquintLeft, 0.25)
		w.Set(CheekSquintRight, 0.25)
		w.Set(EyeSquintLeft, 0.15)
		w.Set(EyeSquintRight, 0.15)
	}),
	"surprised": preset(func(w *BlendshapeWeights) {
		w.Set(BrowInnerUp, 0.4)
		w.Set(BrowOuterUpLeft, 0.3)
		w.Set(BrowOuterUpRight, 0.3)
		w.Set(EyeWideLeft, 0.4)
		w.Set(EyeWideRight, 0.4)
		w.Set(JawOpen, 0.2)
	}),
	"sad": preset(func(w *BlendshapeWeights) {
		w.Set(BrowInnerUp, 0.4)
		w.Set(BrowDownLeft, 0.1)
		w.Set(BrowDownRight, 0.1)
		w.Set(MouthFrownLeft, 0.25)
		w.Set(MouthFrownRight, 0.25)
		w.Set(EyeSquintLeft, 0.1)
		w.Set(EyeSquintRight, 0.1)
	}),
}

// expressionShapes are the discrete weights presets may drive. Eye blink and
// look weights used for gaze stay out so blinking survives expression resets.
var expressionShapes = []BlendshapeIndex{
	BrowDownLeft, BrowDownRight, BrowInnerUp, BrowOuterUpLeft, BrowOuterUpRight,
	CheekPuff, CheekSquintLeft, CheekSquintRight,
	EyeLookUpLeft, EyeLookUpRight,
	EyeSquintLeft, EyeSquintRight, EyeWideLeft, EyeWideRight,
	MouthDimpleLeft, MouthDimpleRight, MouthFrownLeft, MouthFrownRight,
	MouthPressLeft, MouthPressRight, MouthSmileLeft, MouthSmileRight,
	NoseSneerLeft, NoseSneerRight,
}

// mouthShapes are owned by lip-sync.
var mouthShapes = []BlendshapeIndex{
	JawOpen, MouthClose, MouthFunnel, MouthPucker,
	MouthLowerDownLeft, MouthLowerDownRight,
	MouthUpperUpLeft, MouthUpperUpRight,
	MouthStretchLeft, MouthStretchRight,
}

// openMouth blends an "aa" shape at full openness with a rounded "o" shape
// around the middle of the range.
func openMouth(open float32) BlendshapeWeights {
	open = clamp(open, 0, 1)
	round := open * (1 - open) * 2
	var w BlendshapeWeights
	w.Set(JawOpen, 0.6*open)
	w.Set(MouthLowerDownLeft, 0.25*open)
	w.Set(MouthLowerDownRight, 0.25*open)
	w.Set(MouthUpperUpLeft, 0.15*open)
	w.Set(MouthUpperUpRight, 0.15*open)
	w.Set(MouthStretchLeft, 0.2*open)
	w.Set(MouthStretchRight, 0.2*open)
	w.Set(MouthFunnel, 0.5*round)
	w.Set(MouthPucker, 0.3*round)
	w.Set(MouthClose, 0.3*(1-open)*boolf(open > 0))
	return w
}

func boolf(b bool) float32 {
	if b {
		return 1
	}
	return 0
}

func names(idx []BlendshapeIndex) []string {
	out := make([]string, len(idx))
	for i, v := range idx {
		out[i] = BlendshapeNames[v]
	}
	return out
}
