package scene

// Rig describes how one family of models is decoded and animated. It maps the
// semantic animation vocabulary (expressions, blink, mouth) onto the rig's own
// parameter names.
type Rig interface {
	// Name identifies the rig ("rigged3d", "rigged2d").
	Name() string
	// Decode parses a model asset. Failures are ModelParseErrors.
	Decode(name string, data []byte) (Model, error)
	// ExpressionParams lists every discrete expression weight that
	// SetExpression resets.
	ExpressionParams() []string
	// Preset returns the weights for expression, or nil when the expression
	// has no overlay (idle, speaking).
	Preset(expression string) map[string]float32
	// MouthParams lists the weights owned by lip-sync.
	MouthParams() []string
	// MouthShape maps an openness in [0, 1] to mouth weights.
	MouthShape(open float32) map[string]float32
	// BlinkShape maps eye closure in [0, 1] to eye weights.
	BlinkShape(closed float32) map[string]float32
}

// WithoutMouth returns a copy of weights minus any parameter lip-sync owns.
func WithoutMouth(r Rig, weights map[string]float32) map[string]float32 {
	if weights == nil {
		return nil
	}
	mouth := make(map[string]struct{})
	for _, p := range r.MouthParams() {
		mouth[p] = struct{}{}
	}
	out := make(map[string]float32, len(weights))
	for k, v := range weights {
		if _, owned := mouth[k]; owned {
			continue
		}
		out[k] = v
	}
	return out
}
