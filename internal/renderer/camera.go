// Package renderer draws native avatar frames in a GLFW window with OpenGL.
// The placeholder sphere stands in for the model; its tint, glow and mouth
// band follow the animator's expression and lip-sync values.
package renderer

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/normanking/avatarbridge/internal/scene"
)

// Camera is a perspective camera looking down -Z at the avatar.
type Camera struct {
	Position mgl32.Vec3
	Target   mgl32.Vec3
	Up       mgl32.Vec3

	FOV         float32 // vertical, degrees
	AspectRatio float32
	NearPlane   float32
	FarPlane    float32

	viewMatrix       mgl32.Mat4
	projectionMatrix mgl32.Mat4
	dirty            bool
}

// NewCamera creates a new camera
func NewCamera(position, target, up mgl32.Vec3, fov, aspect, near, far float32) *Camera {
	c := &Camera{
		Position:    position,
		Target:      target,
		Up:          up,
		FOV:         fov,
		AspectRatio: aspect,
		NearPlane:   near,
		FarPlane:    far,
		dirty:       true,
	}
	c.updateMatrices()
	return c
}

// NewPortraitCamera frames b head-on with a narrow portrait lens.
func NewPortraitCamera(aspect float32, b scene.Bounds) *Camera {
	c := NewCamera(mgl32.Vec3{0, 0, 1}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}, 30, aspect, 0.05, 50)
	c.Frame(b)
	return c
}

// Frame moves the camera so b fills about 80% of the view height.
func (c *Camera) Frame(b scene.Bounds) {
	if b.Empty() {
		b = scene.UnitBounds
	}
	center := b.Min.Add(b.Max).Mul(0.5)
	height := b.Max.Y() - b.Min.Y()
	half := float64(mgl32.DegToRad(c.FOV)) / 2
	dist := float32(float64(height/0.8) / 2 / math.Tan(half))

	c.Target = center
	c.Position = mgl32.Vec3{center.X(), center.Y(), b.Max.Z() + dist}
	c.dirty = true
}

// ViewMatrix returns the view matrix
func (c *Camera) ViewMatrix() mgl32.Mat4 {
	if c.dirty {
		c.updateMatrices()
	}
	return c.viewMatrix
}

// ProjectionMatrix returns the projection matrix
func (c *Camera) ProjectionMatrix() mgl32.Mat4 {
	if c.dirty {
		c.updateMatrices()
	}
	return c.projectionMatrix
}

func (c *Camera) updateMatrices() {
	c.viewMatrix = mgl32.LookAtV(c.Position, c.Target, c.Up)
	c.projectionMatrix = mgl32.Perspective(mgl32.DegToRad(c.FOV), c.AspectRatio, c.NearPlane, c.FarPlane)
	c.dirty = false
}

// SetAspectRatio updates aspect ratio
func (c *Camera) SetAspectRatio(aspect float32) {
	c.AspectRatio = aspect
	c.dirty = true
}

// Zoom moves camera toward/away from target
func (c *Camera) Zoom(delta float32) {
	direction := c.Target.Sub(c.Position).Normalize()
	c.Position = c.Position.Add(direction.Mul(delta))
	if c.Position.Sub(c.Target).Len() < c.NearPlane*2 {
		c.Position = c.Target.Add(direction.Mul(-c.NearPlane * 2))
	}
	c.dirty = true
}

// PlanePoint maps a window pixel to the z=0 plane the avatar stands in. Pixel
// (0,0) is the top-left corner.
func (c *Camera) PlanePoint(px, py float64, width, height int) (x, y float32, ok bool) {
	if width <= 0 || height <= 0 {
		return 0, 0, false
	}
	view, proj := c.ViewMatrix(), c.ProjectionMatrix()
	wx, wy := float32(px), float32(height)-float32(py)

	near, err := mgl32.UnProject(mgl32.Vec3{wx, wy, 0}, view, proj, 0, 0, width, height)
	if err != nil {
		return 0, 0, false
	}
	far, err := mgl32.UnProject(mgl32.Vec3{wx, wy, 1}, view, proj, 0, 0, width, height)
	if err != nil {
		return 0, 0, false
	}
	dir := far.Sub(near)
	if mgl32.Abs(dir.Z()) < 1e-6 {
		return 0, 0, false
	}
	t := -near.Z() / dir.Z()
	if t < 0 {
		return 0, 0, false
	}
	hit := near.Add(dir.Mul(t))
	return hit.X(), hit.Y(), true
}
