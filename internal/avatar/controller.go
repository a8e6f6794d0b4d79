package avatar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/google/uuid"
	"github.com/normanking/avatarbridge/internal/asset"
	"github.com/normanking/avatarbridge/internal/bus"
	"github.com/normanking/avatarbridge/internal/protocol"
	"github.com/rs/zerolog"
)

// DefaultFrameBudget is how long isSpeaking must hold still before a
// lip-sync edge is dispatched.
const DefaultFrameBudget = 16 * time.Millisecond

var (
	ErrNotReady   = errors.New("avatar renderer not ready")
	ErrNoRenderer = errors.New("no avatar renderer")
	ErrClosed     = errors.New("avatar controller closed")
)

// Callbacks observe the active renderer. They run on the controller's event
// goroutine, one at a time, and must not call Close.
type Callbacks struct {
	OnReady       func()
	OnModelLoaded func(success bool)
	OnError       func(message string)
	OnTouched     func()
	OnProgress    func(percent int)
	OnModels      func(models []string)
}

// Options configures a Controller.
type Options struct {
	Factory Factory
	// Backend is used when Props leave it empty.
	Backend Backend
	// Fallback replaces a renderer whose load failed. Empty disables it.
	Fallback Backend
	// LoadTimeout bounds a load cycle. Zero waits forever.
	LoadTimeout time.Duration
	FrameBudget time.Duration
	Bus         *bus.EventBus
	Callbacks
	Logger zerolog.Logger
}

// Props are the screen inputs the controller keeps the renderer in sync with.
type Props struct {
	Backend    Backend
	Model      asset.ModelReference
	State      State
	IsSpeaking bool
}

// Status is a point-in-time view of the controller.
type Status struct {
	Handle     string               `json:"handle"`
	Backend    Backend              `json:"backend"`
	Model      asset.ModelReference `json:"model"`
	Ready      bool                 `json:"ready"`
	Loading    bool                 `json:"loading"`
	Loaded     bool                 `json:"loaded"`
	Progress   int                  `json:"progress"`
	State      State                `json:"state"`
	Speaking   bool                 `json:"speaking"`
	FellBack   bool                 `json:"fellBack"`
	LastError  string               `json:"lastError,omitempty"`
	Expression string               `json:"expression,omitempty"`
	Models     []string             `json:"models,omitempty"`
}

// Controller is the single object a screen holds. It owns at most one
// renderer, forwards inputs only once that renderer is ready, and replaces it
// whole whenever the backend or model changes.
type Controller struct {
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  *eventQueue
	done   chan struct{}
	wg     sync.WaitGroup
	settle func(func())

	// switchMu serializes renderer replacement; it is taken before mu.
	switchMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	requested Spec
	active    Spec
	fellBack  bool
	renderer  Renderer
	handle    string
	ready     bool
	loading   bool
	loaded    bool
	progress  *asset.Progress
	watchdog  *time.Timer
	lastError string

	desired         State
	sent            State
	desiredSpeaking bool
	sentSpeaking    bool
	acked           string
	models          []string
}

// NewController creates a controller with no renderer. The first Update or
// LoadModel builds one.
func NewController(opts Options) *Controller {
	if opts.Backend == "" {
		opts.Backend = BackendAnimation
	}
	if opts.FrameBudget <= 0 {
		opts.FrameBudget = DefaultFrameBudget
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "avatar-controller").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		queue:    newEventQueue(),
		done:     make(chan struct{}),
		settle:   debounce.New(opts.FrameBudget),
		progress: asset.NewProgress(nil),
	}
	go c.dispatch()
	return c
}

// Update applies screen inputs. A changed backend or model triggers a full
// reload cycle; state and speaking changes are forwarded once ready.
func (c *Controller) Update(p Props) error {
	if err := c.ensure(Spec{Backend: orBackend(p.Backend, c.opts.Backend), Model: p.Model}); err != nil {
		return err
	}
	if p.State != "" {
		if err := c.SetState(p.State); err != nil {
			return err
		}
	}
	c.SetSpeaking(p.IsSpeaking)
	return nil
}

// ensure loads spec unless it is already the requested one.
func (c *Controller) ensure(spec Spec) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	changed := spec != c.requested || c.handle == ""
	c.mu.Unlock()
	if !changed {
		return nil
	}
	return c.load(spec)
}

// LoadModel replaces the renderer with one of the current backend bound to ref.
func (c *Controller) LoadModel(ref asset.ModelReference) error {
	c.mu.Lock()
	backend := c.requested.Backend
	c.mu.Unlock()
	if backend == "" {
		backend = c.opts.Backend
	}
	return c.load(Spec{Backend: backend, Model: ref})
}

// Reload rebuilds the renderer for the last requested backend and model.
// This is the only recovery path after a failed load.
func (c *Controller) Reload() error {
	c.mu.Lock()
	spec := c.requested
	c.mu.Unlock()
	if spec.Backend == "" {
		spec.Backend = c.opts.Backend
	}
	return c.load(spec)
}

// ReloadIf reloads when ref is the model currently requested.
func (c *Controller) ReloadIf(ref asset.ModelReference) (bool, error) {
	c.mu.Lock()
	match := !ref.IsZero() && c.requested.Model == ref
	c.mu.Unlock()
	if !match {
		return false, nil
	}
	return true, c.Reload()
}

// SetExpression forwards state to a ready renderer when it differs from the
// last state sent. Before ready the call is dropped with ErrNotReady.
func (c *Controller) SetExpression(state State) error {
	return c.setExpression(state, true)
}

// SetState records the screen's avatar state. Unlike SetExpression it is kept
// before ready and reapplied to every renderer the controller builds.
func (c *Controller) SetState(state State) error {
	return c.setExpression(state, false)
}

// SetSpeaking records the speaking flag. Flips that settle back within the
// frame budget produce no lip-sync traffic.
func (c *Controller) SetSpeaking(speaking bool) {
	c.mu.Lock()
	if c.closed || c.desiredSpeaking == speaking {
		c.mu.Unlock()
		return
	}
	c.desiredSpeaking = speaking
	c.mu.Unlock()
	c.settle(c.flushLipSync)
}

// StartLipSync starts lip-sync on a ready renderer unless it already runs.
func (c *Controller) StartLipSync() error { return c.lipSync(true) }

// StopLipSync stops lip-sync on a ready renderer unless it is already stopped.
func (c *Controller) StopLipSync() error { return c.lipSync(false) }

// PlayAudio hands url to the active renderer.
func (c *Controller) PlayAudio(url string) error {
	c.mu.Lock()
	r := c.renderer
	c.mu.Unlock()
	if r == nil {
		return ErrNoRenderer
	}
	return r.PlayAudio(url)
}

// Models returns the model names last reported by the renderer.
func (c *Controller) Models() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.models...)
}

// Status reports the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Handle:     c.handle,
		Backend:    c.active.Backend,
		Model:      c.active.Model,
		Ready:      c.ready,
		Loading:    c.loading,
		Loaded:     c.loaded,
		Progress:   c.progress.Value(),
		State:      c.desired,
		Speaking:   c.sentSpeaking,
		FellBack:   c.fellBack,
		LastError:  c.lastError,
		Expression: c.acked,
		Models:     append([]string(nil), c.models...),
	}
}

// Close tears down the renderer and stops every goroutine the controller
// started.
func (c *Controller) Close() error {
	// A renderer may still be loading under switchMu; cancelling first
	// aborts its fetch.
	c.cancel()
	c.switchMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.switchMu.Unlock()
		return nil
	}
	c.closed = true
	old := c.detachLocked()
	c.mu.Unlock()

	var err error
	if old != nil {
		err = old.Close()
	}
	c.switchMu.Unlock()

	c.queue.close()
	<-c.done
	c.wg.Wait()
	return err
}

func (c *Controller) load(spec Spec) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.requested = spec
	c.fellBack = false
	c.lastError = ""
	c.mu.Unlock()
	return c.switchLocked(spec)
}

// switchLocked replaces the renderer. The old renderer is closed before the
// new one is built so two sandboxes never coexist. switchMu must be held.
func (c *Controller) switchLocked(spec Spec) error {
	c.mu.Lock()
	old := c.detachLocked()
	handle := uuid.NewString()
	c.handle = handle
	c.active = spec
	c.loading = !spec.Backend.UsesAsset() || !spec.Model.IsZero()
	c.progress = asset.NewProgress(c.reportProgress(handle))
	c.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Closing previous renderer failed")
		}
	}

	g := &gate{handle: handle, queue: c.queue}
	r, err := c.opts.Factory(c.ctx, spec, g.emit)
	if err != nil {
		c.logger.Error().Err(err).Str("backend", string(spec.Backend)).Msg("Failed to build renderer")
		g.release()
		c.queue.push(Event{Kind: EventError, Handle: handle, Message: err.Error(), ErrKind: kindOr(err, protocol.KindSandboxInit)})
		return fmt.Errorf("build %s renderer: %w", spec.Backend, err)
	}

	c.mu.Lock()
	if c.handle != handle || c.closed {
		c.mu.Unlock()
		return r.Close()
	}
	c.renderer = r
	if c.opts.LoadTimeout > 0 && c.loading {
		c.watchdog = time.AfterFunc(c.opts.LoadTimeout, func() {
			c.queue.push(Event{
				Kind:    EventError,
				Handle:  handle,
				Message: fmt.Sprintf("model load timed out after %s", c.opts.LoadTimeout),
				ErrKind: protocol.KindLoadTimeout,
			})
		})
	}
	c.mu.Unlock()

	c.logger.Info().
		Str("handle", handle).
		Str("backend", string(spec.Backend)).
		Str("model", spec.Model.String()).
		Msg("Renderer attached")
	g.release()

	if spec.Backend.UsesAsset() && !spec.Model.IsZero() {
		if err := r.LoadModel(spec.Model); err != nil {
			c.queue.push(Event{Kind: EventError, Handle: handle, Message: err.Error(), ErrKind: kindOr(err, protocol.KindTransport)})
		}
	}
	return nil
}

// detachLocked forgets the current renderer and returns it for closing.
func (c *Controller) detachLocked() Renderer {
	old := c.renderer
	c.renderer = nil
	c.handle = ""
	c.ready = false
	c.loading = false
	c.loaded = false
	c.sent = ""
	c.sentSpeaking = false
	c.acked = ""
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	return old
}

func (c *Controller) setExpression(state State, imperative bool) error {
	if !state.Valid() {
		return fmt.Errorf("set expression: unknown state %q", state)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.ready || c.renderer == nil {
		if imperative {
			c.logger.Debug().Str("state", string(state)).Msg("Dropping expression before ready")
			return ErrNotReady
		}
		c.desired = state
		return nil
	}
	c.desired = state
	return c.sendExpressionLocked()
}

func (c *Controller) sendExpressionLocked() error {
	if c.desired == "" || c.desired == c.sent {
		return nil
	}
	if err := c.renderer.SetExpression(c.desired); err != nil {
		return err
	}
	c.sent = c.desired
	c.publish(bus.EventTypeAvatarStateChanged, map[string]any{"state": string(c.desired)})
	return nil
}

func (c *Controller) lipSync(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.ready || c.renderer == nil {
		c.logger.Debug().Bool("on", on).Msg("Dropping lip-sync before ready")
		return ErrNotReady
	}
	c.desiredSpeaking = on
	return c.sendLipSyncLocked()
}

func (c *Controller) flushLipSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.ready || c.renderer == nil {
		return
	}
	if err := c.sendLipSyncLocked(); err != nil {
		c.logger.Warn().Err(err).Msg("Lip-sync dispatch failed")
	}
}

func (c *Controller) sendLipSyncLocked() error {
	if c.desiredSpeaking == c.sentSpeaking {
		return nil
	}
	var err error
	if c.desiredSpeaking {
		err = c.renderer.StartLipSync()
	} else {
		err = c.renderer.StopLipSync()
	}
	if err != nil {
		return err
	}
	c.sentSpeaking = c.desiredSpeaking
	c.publish(bus.EventTypeSpeakingChanged, map[string]any{"speaking": c.sentSpeaking})
	return nil
}

func (c *Controller) reportProgress(handle string) func(int) {
	return func(p int) {
		c.publish(bus.EventTypeAvatarProgress, map[string]any{"handle": handle, "progress": p})
		if c.opts.OnProgress != nil {
			c.opts.OnProgress(p)
		}
	}
}

func (c *Controller) dispatch() {
	defer close(c.done)
	for {
		e, ok := c.queue.pop()
		if !ok {
			return
		}
		c.handleEvent(e)
	}
}

// handleEvent applies one renderer event. Events from replaced renderers are
// dropped. Callbacks run after the lock is released.
func (c *Controller) handleEvent(e Event) {
	var notify []func()

	c.mu.Lock()
	if c.closed || e.Handle == "" || e.Handle != c.handle {
		c.mu.Unlock()
		c.logger.Debug().Str("kind", string(e.Kind)).Str("handle", e.Handle).Msg("Dropping stale renderer event")
		return
	}
	progress := c.progress

	switch e.Kind {
	case EventReady:
		if c.ready {
			c.mu.Unlock()
			c.logger.Warn().Str("handle", e.Handle).Msg("Dropping duplicate ready")
			return
		}
		c.ready = true
		if c.renderer != nil {
			if err := c.sendExpressionLocked(); err != nil {
				c.logger.Warn().Err(err).Msg("Expression reconcile failed")
			}
			if err := c.sendLipSyncLocked(); err != nil {
				c.logger.Warn().Err(err).Msg("Lip-sync reconcile failed")
			}
		}
		c.publish(bus.EventTypeAvatarReady, map[string]any{"handle": e.Handle})
		if fn := c.opts.OnReady; fn != nil {
			notify = append(notify, fn)
		}

	case EventProgress:
		if !c.loading {
			break
		}
		p := e.Progress
		notify = append(notify, func() { progress.Overall(p) })

	case EventModelLoaded:
		if !c.loading {
			c.logger.Debug().Bool("success", e.Success).Msg("Ignoring modelLoaded outside a load")
			break
		}
		c.finishLoadLocked(e.Success, e.Message)
		success := e.Success
		if success {
			notify = append(notify, progress.Complete)
		}
		c.publish(bus.EventTypeAvatarModelLoaded, map[string]any{"handle": e.Handle, "success": success, "error": e.Message})
		if fn := c.opts.OnModelLoaded; fn != nil {
			notify = append(notify, func() { fn(success) })
		}
		if !success {
			c.scheduleFallbackLocked(e.Handle, nil)
		}

	case EventError:
		msg := e.Message
		c.lastError = msg
		c.publish(bus.EventTypeAvatarError, map[string]any{"handle": e.Handle, "kind": string(e.ErrKind), "message": msg})
		if fn := c.opts.OnError; fn != nil {
			notify = append(notify, func() { fn(msg) })
		}
		terminal := e.ErrKind != protocol.KindRuntimeAnimation
		if c.loading && terminal {
			c.finishLoadLocked(false, msg)
			c.publish(bus.EventTypeAvatarModelLoaded, map[string]any{"handle": e.Handle, "success": false, "error": msg})
			if fn := c.opts.OnModelLoaded; fn != nil {
				notify = append(notify, func() { fn(false) })
			}
		}
		if e.ErrKind == protocol.KindTransport || e.ErrKind == protocol.KindSandboxInit {
			c.ready = false
			c.scheduleTeardownLocked(e.Handle)
		} else if terminal && !c.loaded {
			var abort Renderer
			if e.ErrKind == protocol.KindLoadTimeout {
				// A synchronous load may still hold switchMu.
				abort = c.renderer
			}
			c.scheduleFallbackLocked(e.Handle, abort)
		}
		c.logger.Warn().Str("kind", string(e.ErrKind)).Str("message", msg).Msg("Renderer error")

	case EventTouched:
		c.publish(bus.EventTypeAvatarTouched, map[string]any{"handle": e.Handle})
		if fn := c.opts.OnTouched; fn != nil {
			notify = append(notify, fn)
		}

	case EventExpressionChanged:
		c.acked = e.Expression

	case EventLipSync:
		c.logger.Debug().Bool("active", e.Active).Msg("Lip-sync acknowledged")

	case EventModels:
		c.models = append([]string(nil), e.Models...)
		models := c.models
		c.publish(bus.EventTypeAvatarModels, map[string]any{"models": models})
		if fn := c.opts.OnModels; fn != nil {
			notify = append(notify, func() { fn(models) })
		}

	case EventLog:
		c.logger.Debug().Str("handle", e.Handle).Msg(e.Message)
	}
	c.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

func (c *Controller) finishLoadLocked(success bool, msg string) {
	c.loading = false
	c.loaded = success
	if !success {
		c.lastError = msg
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

// scheduleFallbackLocked swaps in the fallback backend unless the failed
// renderer has since been replaced. A non-nil abort is closed first so a
// stalled load gives up switchMu.
func (c *Controller) scheduleFallbackLocked(handle string, abort Renderer) {
	if !c.canFallBackLocked() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if abort != nil {
			if err := abort.Close(); err != nil {
				c.logger.Debug().Err(err).Msg("Closing timed out renderer")
			}
		}
		c.switchMu.Lock()
		defer c.switchMu.Unlock()
		c.fallBack(handle)
	}()
}

// scheduleTeardownLocked releases a renderer whose channel broke and falls
// back when configured.
func (c *Controller) scheduleTeardownLocked(handle string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.switchMu.Lock()
		defer c.switchMu.Unlock()

		c.mu.Lock()
		if c.closed || c.handle != handle {
			c.mu.Unlock()
			return
		}
		r := c.renderer
		c.renderer = nil
		c.mu.Unlock()
		if r != nil {
			if err := r.Close(); err != nil {
				c.logger.Debug().Err(err).Msg("Closing broken renderer")
			}
		}
		c.fallBack(handle)
	}()
}

func (c *Controller) canFallBackLocked() bool {
	fb := c.opts.Fallback
	return fb != "" && fb != c.active.Backend
}

// fallBack must be called with switchMu held.
func (c *Controller) fallBack(handle string) {
	c.mu.Lock()
	if c.closed || c.handle != handle || !c.canFallBackLocked() {
		c.mu.Unlock()
		return
	}
	c.fellBack = true
	fb := c.opts.Fallback
	cause := c.lastError
	c.mu.Unlock()

	c.logger.Warn().Str("backend", string(fb)).Str("cause", cause).Msg("Falling back to another renderer")
	if err := c.switchLocked(Spec{Backend: fb}); err != nil {
		c.logger.Error().Err(err).Msg("Fallback renderer failed")
	}
}

func (c *Controller) publish(t bus.EventType, data map[string]any) {
	if c.opts.Bus != nil {
		c.opts.Bus.Publish(bus.Event{Type: t, Data: data})
	}
}

func kindOr(err error, fallback protocol.ErrorKind) protocol.ErrorKind {
	if k := protocol.KindOf(err); k != "" {
		return k
	}
	return fallback
}

// gate holds a new renderer's events until the controller has attached it,
// then forwards them in order.
type gate struct {
	handle string
	queue  *eventQueue

	mu   sync.Mutex
	open bool
	held []Event
}

func (g *gate) emit(e Event) {
	e.Handle = g.handle
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.held = append(g.held, e)
		return
	}
	g.queue.push(e)
}

func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.held {
		g.queue.push(e)
	}
	g.held = nil
	g.open = true
}
