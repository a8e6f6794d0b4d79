package renderer

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/normanking/avatarbridge/internal/adapter"
	"github.com/normanking/avatarbridge/internal/avatar3d"
	"github.com/normanking/avatarbridge/internal/scene"
)

// Palette tints the placeholder per expression.
var Palette = map[string]mgl32.Vec3{
	"idle":      {0.55, 0.62, 0.78},
	"listening": {0.45, 0.70, 0.85},
	"thinking":  {0.62, 0.55, 0.85},
	"speaking":  {0.50, 0.75, 0.65},
	"happy":     {0.95, 0.75, 0.35},
	"surprised": {0.95, 0.55, 0.55},
	"sad":       {0.40, 0.48, 0.65},
}

// Look is everything the avatar shader needs for one frame.
type Look struct {
	Model  mgl32.Mat4
	Radius float32
	Tint   mgl32.Vec3
	Glow   float32
	Mouth  float32
	Eyes   float32
}

// LookFor derives the placeholder's appearance from a native frame.
func LookFor(f adapter.Frame) Look {
	b := f.Bounds
	if b.Empty() {
		b = scene.UnitBounds
	}
	tint, ok := Palette[f.Expression]
	if !ok {
		tint = Palette["idle"]
	}

	glow := float32(0.15)
	if f.Pulsing {
		glow = 0.9
	}

	jaw := f.Values[avatar3d.BlendshapeNames[avatar3d.JawOpen]] / 0.6
	blink := (f.Values[avatar3d.BlendshapeNames[avatar3d.EyeBlinkLeft]] +
		f.Values[avatar3d.BlendshapeNames[avatar3d.EyeBlinkRight]]) / 2

	center := b.Min.Add(b.Max).Mul(0.5)
	return Look{
		Model:  f.Matrix.Mul4(mgl32.Translate3D(center.X(), center.Y(), center.Z())),
		Radius: (b.Max.Y() - b.Min.Y()) / 2,
		Tint:   tint,
		Glow:   glow,
		Mouth:  mgl32.Clamp(max(f.MouthOpen, jaw), 0, 1),
		Eyes:   mgl32.Clamp(1-blink, 0, 1),
	}
}
