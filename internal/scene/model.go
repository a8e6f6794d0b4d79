// Package scene holds the rig-agnostic parts of an avatar scene: the bound
// model, its pose and bounds, and the per-frame animator.
package scene

import (
	"sort"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/normanking/avatarbridge/internal/protocol"
)

// Model is a decoded avatar bound to a scene. Parameters are the rig's named
// weights (blendshapes for 3D rigs, Live2D-style parameters for 2D rigs).
type Model interface {
	Name() string
	Parameters() []string
	Parameter(name string) float32
	// SetParameter fails with a RuntimeAnimationError when the rig has no
	// such parameter.
	SetParameter(name string, value float32) error
	Values() map[string]float32
	Pose() Pose
	SetPose(Pose)
	Bounds() Bounds
	Dispose()
	Disposed() bool
}

// Pose is the whole-body transform driven by idle motion.
type Pose struct {
	Scale float32
	Sway  float32 // radians around the vertical axis
	Lean  float32 // horizontal offset in model units
}

// RestPose is the neutral pose.
var RestPose = Pose{Scale: 1}

// Matrix returns the model matrix for the pose.
func (p Pose) Matrix() mgl32.Mat4 {
	s := p.Scale
	if s == 0 {
		s = 1
	}
	return mgl32.Translate3D(p.Lean, 0, 0).
		Mul4(mgl32.HomogRotate3DY(p.Sway)).
		Mul4(mgl32.Scale3D(s, s, s))
}

// Bounds is an axis-aligned box in model space.
type Bounds struct {
	Min mgl32.Vec3
	Max mgl32.Vec3
}

// UnitBounds is used when a model carries no usable extent.
var UnitBounds = Bounds{Min: mgl32.Vec3{-0.5, -0.5, -0.5}, Max: mgl32.Vec3{0.5, 0.5, 0.5}}

// Empty reports whether b has no volume in x or y.
func (b Bounds) Empty() bool {
	return b.Max.X() <= b.Min.X() || b.Max.Y() <= b.Min.Y()
}

// Extend grows b to include p.
func (b Bounds) Extend(p mgl32.Vec3) Bounds {
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] {
			b.Min[i] = p[i]
		}
		if p[i] > b.Max[i] {
			b.Max[i] = p[i]
		}
	}
	return b
}

// Contains reports whether the screen-plane point (x, y) falls inside the
// projection of b after transforming it by m.
func (b Bounds) Contains(m mgl32.Mat4, x, y float32) bool {
	if b.Empty() {
		return false
	}
	first := true
	var lo, hi mgl32.Vec2
	for i := 0; i < 8; i++ {
		c := mgl32.Vec3{b.Min.X(), b.Min.Y(), b.Min.Z()}
		if i&1 != 0 {
			c[0] = b.Max.X()
		}
		if i&2 != 0 {
			c[1] = b.Max.Y()
		}
		if i&4 != 0 {
			c[2] = b.Max.Z()
		}
		p := mgl32.TransformCoordinate(c, m)
		if first {
			lo = mgl32.Vec2{p.X(), p.Y()}
			hi = lo
			first = false
			continue
		}
		lo = mgl32.Vec2{min(lo.X(), p.X()), min(lo.Y(), p.Y())}
		hi = mgl32.Vec2{max(hi.X(), p.X()), max(hi.Y(), p.Y())}
	}
	return x >= lo.X() && x <= hi.X() && y >= lo.Y() && y <= hi.Y()
}

// ParamModel is a Model backed by a fixed set of named parameters. Rigs
// decode their assets into one.
type ParamModel struct {
	name     string
	order    []string
	params   map[string]float32
	pose     Pose
	bounds   Bounds
	disposed bool
}

// NewParamModel creates a model exposing params, all initially zero.
func NewParamModel(name string, params []string, bounds Bounds) *ParamModel {
	m := &ParamModel{
		name:   name,
		params: make(map[string]float32, len(params)),
		pose:   RestPose,
		bounds: bounds,
	}
	for _, p := range params {
		if _, dup := m.params[p]; dup {
			continue
		}
		m.params[p] = 0
		m.order = append(m.order, p)
	}
	return m
}

func (m *ParamModel) Name() string { return m.name }

func (m *ParamModel) Parameters() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *ParamModel) Parameter(name string) float32 { return m.params[name] }

func (m *ParamModel) SetParameter(name string, value float32) error {
	if m.disposed {
		return protocol.Errorf(protocol.KindRuntimeAnimation, "set parameter", "model %s is disposed", m.name)
	}
	if _, ok := m.params[name]; !ok {
		return protocol.Errorf(protocol.KindRuntimeAnimation, "set parameter", "model %s has no parameter %q", m.name, name)
	}
	m.params[name] = value
	return nil
}

func (m *ParamModel) Values() map[string]float32 {
	out := make(map[string]float32, len(m.params))
	for k, v := range m.params {
		out[k] = v
	}
	return out
}

func (m *ParamModel) Pose() Pose     { return m.pose }
func (m *ParamModel) SetPose(p Pose) { m.pose = p }
func (m *ParamModel) Bounds() Bounds { return m.bounds }

func (m *ParamModel) Dispose() {
	m.disposed = true
	m.params = map[string]float32{}
	m.order = nil
}

func (m *ParamModel) Disposed() bool { return m.disposed }

// SortedNames returns the keys of weights in lexical order.
func SortedNames(weights map[string]float32) []string {
	names := make([]string, 0, len(weights))
	for k := range weights {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
