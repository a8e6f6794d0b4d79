package renderer

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/normanking/avatarbridge/internal/adapter"
	"github.com/normanking/avatarbridge/internal/scene"
	"github.com/rs/zerolog"
)

type Config struct {
	Width         int
	Height        int
	Title         string
	VSync         bool
	MSAA          int
	TransparentBG bool
}

func DefaultConfig() Config {
	return Config{
		Width:  480,
		Height: 640,
		Title:  "Avatar",
		VSync:  true,
		MSAA:   4,
	}
}

// Window is a native avatar surface. Present may be called from any
// goroutine; every other method must run on the goroutine that called Open,
// which must be locked to its OS thread.
type Window struct {
	cfg    Config
	logger zerolog.Logger
	window *glfw.Window
	shader *Shader
	sphere *Mesh
	camera *Camera
	lights *LightingRig
	framed scene.Bounds

	mu     sync.Mutex
	latest adapter.Frame
	onTap  func(x, y float32)
}

var _ adapter.Surface = (*Window)(nil)

// Open creates the window and GL context.
func Open(cfg Config, logger zerolog.Logger) (*Window, error) {
	if err := glfw.Init(); err != nil {
		return nil, fmt.Errorf("init glfw: %w", err)
	}

	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 1)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)
	if cfg.MSAA > 0 {
		glfw.WindowHint(glfw.Samples, cfg.MSAA)
	}
	if cfg.TransparentBG {
		glfw.WindowHint(glfw.TransparentFramebuffer, glfw.True)
	}

	win, err := glfw.CreateWindow(cfg.Width, cfg.Height, cfg.Title, nil, nil)
	if err != nil {
		glfw.Terminate()
		return nil, fmt.Errorf("create window: %w", err)
	}
	win.MakeContextCurrent()
	if err := gl.Init(); err != nil {
		win.Destroy()
		glfw.Terminate()
		return nil, fmt.Errorf("init gl: %w", err)
	}
	if cfg.VSync {
		glfw.SwapInterval(1)
	} else {
		glfw.SwapInterval(0)
	}

	shader, err := NewShader(avatarVertSrc, avatarFragSrc)
	if err != nil {
		win.Destroy()
		glfw.Terminate()
		return nil, err
	}

	fbW, fbH := win.GetFramebufferSize()
	w := &Window{
		cfg:    cfg,
		logger: logger.With().Str("component", "native-surface").Logger(),
		window: win,
		shader: shader,
		sphere: newMesh(SphereGeometry(1, 48, 32)),
		camera: NewPortraitCamera(float32(fbW)/float32(max(fbH, 1)), scene.UnitBounds),
		framed: scene.UnitBounds,
	}
	w.lights = NewStudioLighting(w.camera.Position.Sub(w.camera.Target).Len())

	gl.Viewport(0, 0, int32(fbW), int32(fbH))
	gl.Enable(gl.DEPTH_TEST)
	gl.DepthFunc(gl.LESS)
	if cfg.MSAA > 0 {
		gl.Enable(gl.MULTISAMPLE)
	}

	win.SetFramebufferSizeCallback(func(_ *glfw.Window, width, height int) {
		gl.Viewport(0, 0, int32(width), int32(height))
		w.camera.SetAspectRatio(float32(width) / float32(max(height, 1)))
	})
	win.SetScrollCallback(func(_ *glfw.Window, _, yoff float64) {
		w.camera.Zoom(float32(yoff) * 0.1 * w.camera.Position.Sub(w.camera.Target).Len())
	})
	win.SetMouseButtonCallback(w.mouseButton)

	w.logger.Info().Int("width", cfg.Width).Int("height", cfg.Height).Msg("Native surface opened")
	return w, nil
}

// Present records the frame to draw next.
func (w *Window) Present(f adapter.Frame) {
	w.mu.Lock()
	w.latest = f
	w.mu.Unlock()
}

// OnTap registers fn for clicks, in avatar plane coordinates.
func (w *Window) OnTap(fn func(x, y float32)) {
	w.mu.Lock()
	w.onTap = fn
	w.mu.Unlock()
}

func (w *Window) mouseButton(win *glfw.Window, button glfw.MouseButton, action glfw.Action, _ glfw.ModifierKey) {
	if button != glfw.MouseButtonLeft || action != glfw.Press {
		return
	}
	cx, cy := win.GetCursorPos()
	width, height := win.GetSize()
	x, y, ok := w.camera.PlanePoint(cx, cy, width, height)
	if !ok {
		return
	}
	w.mu.Lock()
	fn := w.onTap
	w.mu.Unlock()
	if fn != nil {
		fn(x, y)
	}
}

// Run draws the latest frame every refresh until the window is closed or
// ctx is done.
func (w *Window) Run(ctx context.Context) error {
	for !w.window.ShouldClose() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		w.draw()
		w.window.SwapBuffers()
		glfw.PollEvents()
	}
	return nil
}

func (w *Window) draw() {
	w.mu.Lock()
	f := w.latest
	w.mu.Unlock()

	if !f.Bounds.Empty() && f.Bounds != w.framed {
		w.camera.Frame(f.Bounds)
		w.framed = f.Bounds
	}

	if w.cfg.TransparentBG {
		gl.ClearColor(0, 0, 0, 0)
	} else {
		gl.ClearColor(0.1, 0.1, 0.12, 1)
	}
	gl.Clear(gl.COLOR_BUFFER_BIT | gl.DEPTH_BUFFER_BIT)
	if f.Model == "" {
		return
	}

	look := LookFor(f)
	s := w.shader
	s.Use()
	s.SetMat4("uModel", look.Model.Mul4(mgl32.Scale3D(look.Radius, look.Radius, look.Radius)))
	s.SetMat4("uView", w.camera.ViewMatrix())
	s.SetMat4("uProjection", w.camera.ProjectionMatrix())
	s.SetVec3("uCameraPos", w.camera.Position)
	s.SetVec3("uTint", look.Tint)
	s.SetFloat("uGlow", look.Glow)
	s.SetFloat("uMouth", look.Mouth)
	s.SetFloat("uEyes", look.Eyes)
	w.lights.SetLightUniforms(s)
	w.sphere.Draw()
}

// Close releases GL resources and the window.
func (w *Window) Close() {
	w.sphere.Delete()
	w.shader.Delete()
	w.window.Destroy()
	glfw.Terminate()
}
