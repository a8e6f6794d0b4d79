package renderer

import (
	"math"

	"github.com/go-gl/gl/v4.1-core/gl"
)

// SphereGeometry returns interleaved position/normal vertices and triangle
// indices for a sphere of radius r.
func SphereGeometry(r float32, segments, rings int) (vertices []float32, indices []uint32) {
	for y := 0; y <= rings; y++ {
		v := float64(y) / float64(rings)
		for x := 0; x <= segments; x++ {
			u := float64(x) / float64(segments)
			nx := float32(math.Cos(2*math.Pi*u) * math.Sin(math.Pi*v))
			ny := float32(math.Cos(math.Pi * v))
			nz := float32(math.Sin(2*math.Pi*u) * math.Sin(math.Pi*v))
			vertices = append(vertices, nx*r, ny*r, nz*r, nx, ny, nz)
		}
	}
	for y := 0; y < rings; y++ {
		for x := 0; x < segments; x++ {
			a := uint32(y*(segments+1) + x)
			b := a + uint32(segments+1)
			indices = append(indices, a, b, a+1, b, b+1, a+1)
		}
	}
	return vertices, indices
}

// Mesh is an indexed triangle mesh on the GPU.
type Mesh struct {
	vao, vbo, ebo uint32
	count         int32
}

func newMesh(vertices []float32, indices []uint32) *Mesh {
	m := &Mesh{count: int32(len(indices))}
	gl.GenVertexArrays(1, &m.vao)
	gl.GenBuffers(1, &m.vbo)
	gl.GenBuffers(1, &m.ebo)

	gl.BindVertexArray(m.vao)
	gl.BindBuffer(gl.ARRAY_BUFFER, m.vbo)
	gl.BufferData(gl.ARRAY_BUFFER, len(vertices)*4, gl.Ptr(vertices), gl.STATIC_DRAW)
	gl.BindBuffer(gl.ELEMENT_ARRAY_BUFFER, m.ebo)
	gl.BufferData(gl.ELEMENT_ARRAY_BUFFER, len(indices)*4, gl.Ptr(indices), gl.STATIC_DRAW)

	stride := int32(6 * 4)
	gl.VertexAttribPointerWithOffset(0, 3, gl.FLOAT, false, stride, 0)
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointerWithOffset(1, 3, gl.FLOAT, false, stride, 3*4)
	gl.EnableVertexAttribArray(1)
	gl.BindVertexArray(0)
	return m
}

func (m *Mesh) Draw() {
	gl.BindVertexArray(m.vao)
	gl.DrawElements(gl.TRIANGLES, m.count, gl.UNSIGNED_INT, nil)
	gl.BindVertexArray(0)
}

func (m *Mesh) Delete() {
	gl.DeleteVertexArrays(1, &m.vao)
	gl.DeleteBuffers(1, &m.vbo)
	gl.DeleteBuffers(1, &m.ebo)
}
