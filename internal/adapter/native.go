package adapter

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/normanking/avatarbridge/internal/asset"
	"github.com/normanking/avatarbridge/internal/avatar"
	"github.com/normanking/avatarbridge/internal/avatar3d"
	"github.com/normanking/avatarbridge/internal/protocol"
	"github.com/normanking/avatarbridge/internal/scene"
	"github.com/rs/zerolog"
)

// Frame is what a native surface draws each tick.
type Frame struct {
	Model      string
	Matrix     mgl32.Mat4
	Bounds     scene.Bounds
	Values     map[string]float32
	Expression string
	MouthOpen  float32
	Pulsing    bool
}

// Surface presents native frames. Present is called from the renderer's loop
// goroutine and must not block for long.
type Surface interface {
	Present(Frame)
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(Frame)

func (f SurfaceFunc) Present(fr Frame) { f(fr) }

// NativeConfig configures a Native renderer.
type NativeConfig struct {
	Loader          *asset.Loader
	Surface         Surface
	Audio           AudioSink
	FrameInterval   time.Duration
	LipSyncInterval time.Duration
	PulseDuration   time.Duration
	Rand            *rand.Rand
	Logger          zerolog.Logger
}

// Native renders in a local GPU context with no bridge. Every command is a
// synchronous call on the animator; events are emitted before the call
// returns. Until a model loads it shows the placeholder sphere.
type Native struct {
	cfg    NativeConfig
	rig    avatar3d.Rig3D
	emit   func(avatar.Event)
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	animator   *scene.Animator
	expression string
	lipSync    bool
	closed     bool

	stop chan struct{}
	done chan struct{}
}

// NewNative starts the render loop and reports ready.
func NewNative(ctx context.Context, cfg NativeConfig, emit func(avatar.Event)) *Native {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 16 * time.Millisecond
	}
	if cfg.LipSyncInterval <= 0 {
		cfg.LipSyncInterval = 50 * time.Millisecond
	}
	if cfg.PulseDuration <= 0 {
		cfg.PulseDuration = 1200 * time.Millisecond
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	ctx, cancel := context.WithCancel(ctx)
	n := &Native{
		cfg:        cfg,
		emit:       emit,
		logger:     cfg.Logger.With().Str("component", "native-renderer").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		expression: "idle",
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	n.animator = scene.NewAnimator(n.rig, avatar3d.Placeholder(), cfg.Rand, cfg.Logger)
	go n.loop()
	emit(avatar.Event{Kind: avatar.EventReady})
	return n
}

// LoadModel loads and decodes ref on the calling goroutine, then binds it.
// On failure the previous model stays bound. Close aborts a load in flight.
func (n *Native) LoadModel(ref asset.ModelReference) error {
	if n.isClosed() {
		return protocol.Errorf(protocol.KindTransport, "load model", "renderer closed")
	}
	progress := asset.NewProgress(func(p int) {
		n.emit(avatar.Event{Kind: avatar.EventProgress, Progress: p})
	})

	model, err := n.decode(ref, progress)
	if err != nil {
		n.logger.Warn().Err(err).Str("model", ref.String()).Msg("Native model load failed")
		if protocol.IsKind(err, protocol.KindModelParse) {
			n.emit(avatar.Event{Kind: avatar.EventModelLoaded, Success: false, Message: err.Error()})
		} else {
			n.emit(avatar.ErrorEvent(err))
		}
		return nil
	}
	progress.Parse(90)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		model.Dispose()
		return nil
	}
	old := n.animator.Model()
	n.animator = scene.NewAnimator(n.rig, model, n.cfg.Rand, n.cfg.Logger)
	n.animator.SetExpression(n.expression)
	if n.lipSync {
		n.animator.StartLipSync()
	}
	n.mu.Unlock()
	old.Dispose()

	n.logger.Info().Str("model", model.Name()).Int("params", len(model.Parameters())).Msg("Native model bound")
	n.emit(avatar.Event{Kind: avatar.EventModelLoaded, Success: true})
	return nil
}

func (n *Native) decode(ref asset.ModelReference, progress *asset.Progress) (scene.Model, error) {
	if n.cfg.Loader == nil {
		return nil, protocol.Errorf(protocol.KindAssetFetch, "load", "no asset loader configured")
	}
	uri, err := n.cfg.Loader.Load(n.ctx, ref, progress.Fetch)
	if err != nil {
		return nil, err
	}
	data, err := protocol.DecodeDataURI(string(uri))
	if err != nil {
		return nil, protocol.Wrap(protocol.KindAssetEncode, "decode data uri", err)
	}
	progress.Parse(40)
	return n.rig.Decode(ref.Name(), data)
}

func (n *Native) SetExpression(state avatar.State) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return protocol.Errorf(protocol.KindTransport, "set expression", "renderer closed")
	}
	if state != avatar.StateSpeaking {
		n.expression = string(state)
	}
	n.animator.SetExpression(string(state))
	n.mu.Unlock()
	n.emit(avatar.Event{Kind: avatar.EventExpressionChanged, Expression: string(state)})
	return nil
}

func (n *Native) StartLipSync() error { return n.setLipSync(true) }

func (n *Native) StopLipSync() error { return n.setLipSync(false) }

func (n *Native) setLipSync(on bool) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return protocol.Errorf(protocol.KindTransport, "lip-sync", "renderer closed")
	}
	n.lipSync = on
	if on {
		n.animator.StartLipSync()
	} else {
		n.animator.StopLipSync()
	}
	n.mu.Unlock()
	n.emit(avatar.Event{Kind: avatar.EventLipSync, Active: on})
	return nil
}

func (n *Native) PlayAudio(url string) error {
	if n.cfg.Audio == nil {
		return nil
	}
	return n.cfg.Audio(url)
}

// Tap resolves a tap against the model bounds. A hit plays the happy pulse
// and reports touched.
func (n *Native) Tap(x, y float32) bool {
	n.mu.Lock()
	hit := !n.closed && n.animator.Hit(x, y)
	if hit {
		n.animator.Pulse(n.cfg.PulseDuration)
	}
	n.mu.Unlock()
	if hit {
		n.emit(avatar.Event{Kind: avatar.EventTouched})
	}
	return hit
}

// Current returns the frame the surface would draw now.
func (n *Native) Current() Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.frameLocked()
}

// Close stops the render loop and disposes the model before returning.
func (n *Native) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.cancel()
	close(n.stop)
	<-n.done

	n.mu.Lock()
	n.animator.StopLipSync()
	n.animator.Model().Dispose()
	n.mu.Unlock()
	return nil
}

func (n *Native) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *Native) loop() {
	defer close(n.done)
	frame := time.NewTicker(n.cfg.FrameInterval)
	defer frame.Stop()
	lip := time.NewTicker(n.cfg.LipSyncInterval)
	defer lip.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-frame.C:
			n.mu.Lock()
			n.animator.Tick(n.cfg.FrameInterval)
			fr := n.frameLocked()
			n.mu.Unlock()
			if n.cfg.Surface != nil {
				n.cfg.Surface.Present(fr)
			}
		case <-lip.C:
			n.mu.Lock()
			n.animator.LipSyncStep(n.cfg.LipSyncInterval)
			n.mu.Unlock()
		}
	}
}

func (n *Native) frameLocked() Frame {
	m := n.animator.Model()
	return Frame{
		Model:      m.Name(),
		Matrix:     m.Pose().Matrix(),
		Bounds:     m.Bounds(),
		Values:     m.Values(),
		Expression: n.animator.Expression(),
		MouthOpen:  n.animator.MouthOpen(),
		Pulsing:    n.animator.Pulsing(),
	}
}
