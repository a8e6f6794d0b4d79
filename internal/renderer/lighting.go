package renderer

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

// maxLights matches MAX_LIGHTS in the avatar fragment shader.
const maxLights = 4

// Light is a point light.
type Light struct {
	Position  mgl32.Vec3
	Color     mgl32.Vec3
	Intensity float32
}

// LightingRig represents a collection of lights for a scene
type LightingRig struct {
	Lights       []Light
	AmbientColor mgl32.Vec3
}

// NewStudioLighting is a key, fill and rim setup around a subject at the
// origin, scaled by the subject's distance from the camera.
func NewStudioLighting(distance float32) *LightingRig {
	d := distance
	return &LightingRig{
		Lights: []Light{
			{Position: mgl32.Vec3{1.2 * d, 0.8 * d, 1.2 * d}, Color: mgl32.Vec3{1.0, 0.98, 0.95}, Intensity: 1.0},
			{Position: mgl32.Vec3{-d, 0.4 * d, d}, Color: mgl32.Vec3{0.95, 0.97, 1.0}, Intensity: 0.5},
			{Position: mgl32.Vec3{0, 0.8 * d, -d}, Color: mgl32.Vec3{1.0, 0.95, 0.9}, Intensity: 0.35},
		},
		AmbientColor: mgl32.Vec3{0.15, 0.15, 0.18},
	}
}

// SetLightUniforms sets light uniforms on a shader
func (rig *LightingRig) SetLightUniforms(s *Shader) {
	n := min(len(rig.Lights), maxLights)
	for i, light := range rig.Lights[:n] {
		prefix := fmt.Sprintf("uLights[%d].", i)
		s.SetVec3(prefix+"position", light.Position)
		s.SetVec3(prefix+"color", light.Color)
		s.SetFloat(prefix+"intensity", light.Intensity)
	}
	s.SetInt("uLightCount", int32(n))
	s.SetVec3("uAmbientColor", rig.AmbientColor)
}
