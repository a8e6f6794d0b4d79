package avatar3d

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/normanking/avatarbridge/internal/protocol"
	"github.com/normanking/avatarbridge/internal/scene"
	"github.com/qmuntal/gltf"
)

const RigName = "rigged3d"

// Rig3D decodes glTF/GLB/VRM models and animates their ARKit blendshapes.
type Rig3D struct{}

var _ scene.Rig = Rig3D{}

func (Rig3D) Name() string { return RigName }

func (Rig3D) Decode(name string, data []byte) (scene.Model, error) {
	if len(data) == 0 {
		return nil, protocol.Errorf(protocol.KindModelParse, "decode gltf", "empty asset")
	}
	doc := new(gltf.Document)
	if err := gltf.NewDecoder(bytes.NewReader(data)).Decode(doc); err != nil {
		return nil, protocol.Wrap(protocol.KindModelParse, "decode gltf", err)
	}
	if len(doc.Meshes) == 0 {
		return nil, protocol.Errorf(protocol.KindModelParse, "decode gltf", "%s contains no meshes", name)
	}

	bounds, ok := meshBounds(doc)
	if !ok {
		bounds = scene.UnitBounds
	}
	return scene.NewParamModel(name, MorphTargets(doc), bounds), nil
}

func (Rig3D) ExpressionParams() []string { return names(expressionShapes) }

func (Rig3D) Preset(expression string) map[string]float32 {
	w, ok := Presets[expression]
	if !ok {
		return nil
	}
	return w.Map()
}

func (Rig3D) MouthParams() []string { return names(mouthShapes) }

func (Rig3D) MouthShape(open float32) map[string]float32 {
	w := openMouth(open)
	out := make(map[string]float32, len(mouthShapes))
	for _, idx := range mouthShapes {
		out[BlendshapeNames[idx]] = w.Get(idx)
	}
	return out
}

func (Rig3D) BlinkShape(closed float32) map[string]float32 {
	closed = clamp(closed, 0, 1)
	return map[string]float32{
		BlendshapeNames[EyeBlinkLeft]:  closed,
		BlendshapeNames[EyeBlinkRight]: closed,
	}
}

// MorphTargets lists the morph target names declared on the document's
// meshes, in first-seen order. Names come from the conventional
// "targetNames" mesh extra; unnamed targets are skipped.
func MorphTargets(doc *gltf.Document) []string {
	seen := make(map[string]bool)
	var out []string
	for _, mesh := range doc.Meshes {
		for _, n := range targetNames(mesh.Extras) {
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func targetNames(extras any) []string {
	m, ok := extras.(map[string]any)
	if !ok {
		return nil
	}
	switch v := m["targetNames"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, n := range v {
			if s, ok := n.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func meshBounds(doc *gltf.Document) (scene.Bounds, bool) {
	b := scene.Bounds{
		Min: mgl32.Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32},
		Max: mgl32.Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32},
	}
	found := false
	for _, mesh := range doc.Meshes {
		for _, prim := range mesh.Primitives {
			idx, ok := prim.Attributes[gltf.POSITION]
			if !ok || idx >= len(doc.Accessors) {
				continue
			}
			acc := doc.Accessors[idx]
			if len(acc.Min) < 3 || len(acc.Max) < 3 {
				continue
			}
			b = b.Extend(mgl32.Vec3{float32(acc.Min[0]), float32(acc.Min[1]), float32(acc.Min[2])})
			b = b.Extend(mgl32.Vec3{float32(acc.Max[0]), float32(acc.Max[1]), float32(acc.Max[2])})
			found = true
		}
	}
	if !found || b.Empty() {
		return scene.Bounds{}, false
	}
	return b, true
}

// Placeholder is the model shown when no asset is bound: a unit sphere that
// exposes the full ARKit set.
func Placeholder() *scene.ParamModel {
	all := make([]string, BlendshapeCount)
	copy(all, BlendshapeNames[:])
	return scene.NewParamModel("placeholder", all, scene.UnitBounds)
}

// Describe renders non-zero weights for logs.
func Describe(values map[string]float32) string {
	keys := make([]string, 0, len(values))
	for k, v := range values {
		if v != 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(' ')
		}
		fmt.Fprintf(&buf, "%s=%.2f", k, values[k])
	}
	return buf.String()
}
