package avatar

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/normanking/avatarbridge/internal/asset"
	"github.com/normanking/avatarbridge/internal/bus"
	"github.com/normanking/avatarbridge/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const wait = 2 * time.Second

type fakeRenderer struct {
	spec Spec
	emit func(Event)

	mu     sync.Mutex
	calls  []string
	closed bool
}

func (r *fakeRenderer) record(call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("renderer closed")
	}
	r.calls = append(r.calls, call)
	return nil
}

func (r *fakeRenderer) LoadModel(ref asset.ModelReference) error {
	return r.record("load:" + ref.String())
}

func (r *fakeRenderer) SetExpression(s State) error { return r.record("expr:" + string(s)) }
func (r *fakeRenderer) StartLipSync() error         { return r.record("start") }
func (r *fakeRenderer) StopLipSync() error          { return r.record("stop") }
func (r *fakeRenderer) PlayAudio(url string) error  { return r.record("audio:" + url) }

func (r *fakeRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRenderer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRenderer) count(call string) int {
	n := 0
	for _, c := range r.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (r *fakeRenderer) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakeFactory struct {
	mu        sync.Mutex
	renderers []*fakeRenderer
	overlap   atomic.Bool
	fail      map[Backend]error
}

func (f *fakeFactory) build(_ context.Context, spec Spec, emit func(Event)) (Renderer, error) {
	if err := f.fail[spec.Backend]; err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.renderers {
		if !r.isClosed() {
			f.overlap.Store(true)
		}
	}
	r := &fakeRenderer{spec: spec, emit: emit}
	f.renderers = append(f.renderers, r)
	return r, nil
}

func (f *fakeFactory) last() *fakeRenderer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.renderers) == 0 {
		return nil
	}
	return f.renderers[len(f.renderers)-1]
}

func (f *fakeFactory) built() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.renderers)
}

type recorder struct {
	mu       sync.Mutex
	ready    int
	loaded   []bool
	errors   []string
	touched  int
	progress []int
	models   []string
}

func (rec *recorder) callbacks() Callbacks {
	return Callbacks{
		OnReady:       func() { rec.mu.Lock(); rec.ready++; rec.mu.Unlock() },
		OnModelLoaded: func(ok bool) { rec.mu.Lock(); rec.loaded = append(rec.loaded, ok); rec.mu.Unlock() },
		OnError:       func(m string) { rec.mu.Lock(); rec.errors = append(rec.errors, m); rec.mu.Unlock() },
		OnTouched:     func() { rec.mu.Lock(); rec.touched++; rec.mu.Unlock() },
		OnProgress:    func(p int) { rec.mu.Lock(); rec.progress = append(rec.progress, p); rec.mu.Unlock() },
		OnModels:      func(m []string) { rec.mu.Lock(); rec.models = m; rec.mu.Unlock() },
	}
}

func (rec *recorder) snapshot() recorder {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return recorder{
		ready:    rec.ready,
		loaded:   append([]bool(nil), rec.loaded...),
		errors:   append([]string(nil), rec.errors...),
		touched:  rec.touched,
		progress: append([]int(nil), rec.progress...),
		models:   rec.models,
	}
}

func newTestController(t *testing.T, mutate func(*Options)) (*Controller, *fakeFactory, *recorder) {
	t.Helper()
	f := &fakeFactory{}
	rec := &recorder{}
	opts := Options{
		Factory:   f.build,
		Backend:   BackendRigged3D,
		Callbacks: rec.callbacks(),
		Logger:    zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := NewController(opts)
	t.Cleanup(func() { c.Close() })
	return c, f, rec
}

// readyAndLoaded brings the last renderer to a loaded model.
func readyAndLoaded(t *testing.T, c *Controller, f *fakeFactory) *fakeRenderer {
	t.Helper()
	r := f.last()
	require.NotNil(t, r)
	r.emit(Event{Kind: EventReady})
	r.emit(Event{Kind: EventModelLoaded, Success: true})
	require.Eventually(t, func() bool { s := c.Status(); return s.Ready && s.Loaded }, wait, time.Millisecond)
	return r
}

var modelA = asset.Bundled("a.glb")
var modelB = asset.Bundled("b.glb")

func TestController_ExpressionOnlyOnChange(t *testing.T) {
	c, f, _ := newTestController(t, nil)
	require.NoError(t, c.Update(Props{Model: modelA, State: StateListening}))
	r := readyAndLoaded(t, c, f)

	for _, s := range []State{StateListening, StateListening, StateHappy, StateHappy, StateHappy, StateListening, StateSad, StateSad} {
		require.NoError(t, c.Update(Props{Model: modelA, State: s}))
	}
	var exprs []string
	for _, call := range r.Calls() {
		if len(call) > 5 && call[:5] == "expr:" {
			exprs = append(exprs, call[5:])
		}
	}
	assert.Equal(t, []string{"listening", "happy", "listening", "sad"}, exprs)
}

func TestController_DropsImperativeCommandsBeforeReady(t *testing.T) {
	c, f, _ := newTestController(t, nil)
	require.NoError(t, c.LoadModel(modelA))
	r := f.last()

	assert.ErrorIs(t, c.SetExpression(StateHappy), ErrNotReady)
	assert.ErrorIs(t, c.StartLipSync(), ErrNotReady)
	assert.ErrorIs(t, c.StopLipSync(), ErrNotReady)
	assert.Equal(t, []string{"load:bundle://a.glb"}, r.Calls())

	r.emit(Event{Kind: EventReady})
	require.Eventually(t, func() bool { return c.Status().Ready }, wait, time.Millisecond)
	assert.Equal(t, []string{"load:bundle://a.glb"}, r.Calls(), "dropped commands are not replayed")

	require.NoError(t, c.SetExpression(StateHappy))
	require.NoError(t, c.StartLipSync())
	require.NoError(t, c.StartLipSync())
	assert.Equal(t, []string{"load:bundle://a.glb", "expr:happy", "start"}, r.Calls())
}

func TestController_ReconcilesInputsOnReady(t *testing.T) {
	c, f, _ := newTestController(t, func(o *Options) { o.FrameBudget = 5 * time.Millisecond })
	require.NoError(t, c.Update(Props{Model: modelA, State: StateThinking, IsSpeaking: true}))
	r := f.last()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"load:bundle://a.glb"}, r.Calls())

	r.emit(Event{Kind: EventReady})
	require.Eventually(t, func() bool { return len(r.Calls()) == 3 }, wait, time.Millisecond)
	assert.Equal(t, []string{"load:bundle://a.glb", "expr:thinking", "start"}, r.Calls())
}

func TestController_DuplicateReadyIgnored(t *testing.T) {
	c, f, rec := newTestController(t, nil)
	require.NoError(t, c.Update(Props{Model: modelA, State: StateIdle}))
	r := f.last()
	r.emit(Event{Kind: EventReady})
	r.emit(Event{Kind: EventReady})
	r.emit(Event{Kind: EventTouched})

	require.Eventually(t, func() bool { return rec.snapshot().touched == 1 }, wait, time.Millisecond)
	assert.Equal(t, 1, rec.snapshot().ready)
	assert.Equal(t, 1, r.count("expr:idle"))
}

func TestController_LipSyncSettlesWithinFrameBudget(t *testing.T) {
	c, f, _ := newTestController(t, func(o *Options) { o.FrameBudget = 30 * time.Millisecond })
	require.NoError(t, c.Update(Props{Model: modelA}))
	r := readyAndLoaded(t, c, f)

	c.SetSpeaking(true)
	require.Eventually(t, func() bool { return r.count("start") == 1 }, wait, time.Millisecond)

	c.SetSpeaking(false)
	c.SetSpeaking(true)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, r.count("start"))
	assert.Equal(t, 0, r.count("stop"))

	c.SetSpeaking(false)
	c.SetSpeaking(true)
	c.SetSpeaking(false)
	require.Eventually(t, func() bool { return r.count("stop") == 1 }, wait, time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, r.count("start"))
	assert.Equal(t, 1, r.count("stop"))
	assert.False(t, c.Status().Speaking)
}

func TestController_ProgressMonotonicAndCompleteOnSuccess(t *testing.T) {
	c, f, rec := newTestController(t, nil)
	require.NoError(t, c.LoadModel(modelA))
	r := f.last()
	r.emit(Event{Kind: EventReady})
	for _, p := range []int{5, 20, 50, 40, 80, 90, 100} {
		r.emit(Event{Kind: EventProgress, Progress: p})
	}
	r.emit(Event{Kind: EventModelLoaded, Success: true})

	require.Eventually(t, func() bool { return len(rec.snapshot().loaded) == 1 }, wait, time.Millisecond)
	snap := rec.snapshot()
	assert.Equal(t, []int{5, 20, 50, 80, 90, 99, 100}, snap.progress)
	assert.Equal(t, []bool{true}, snap.loaded)
	assert.Equal(t, 100, c.Status().Progress)
}

func TestController_FailedLoadNeverReaches100(t *testing.T) {
	c, f, rec := newTestController(t, nil)
	require.NoError(t, c.LoadModel(modelA))
	r := f.last()
	r.emit(Event{Kind: EventReady})
	r.emit(Event{Kind: EventProgress, Progress: 80})
	r.emit(Event{Kind: EventProgress, Progress: 100})
	r.emit(Event{Kind: EventModelLoaded, Success: false, Message: "bad magic"})
	r.emit(Event{Kind: EventProgress, Progress: 100})

	require.Eventually(t, func() bool { return len(rec.snapshot().loaded) == 1 }, wait, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	snap := rec.snapshot()
	assert.Equal(t, []int{80, 99}, snap.progress)
	assert.Equal(t, []bool{false}, snap.loaded)
	assert.Empty(t, snap.errors, "modelLoaded failure is the only terminal signal")

	st := c.Status()
	assert.False(t, st.Loading)
	assert.False(t, st.Loaded)
	assert.Equal(t, "bad magic", st.LastError)
}

func TestController_SwitchTearsDownPreviousFirst(t *testing.T) {
	c, f, rec := newTestController(t, nil)
	require.NoError(t, c.Update(Props{Model: modelA, State: StateHappy}))
	a := readyAndLoaded(t, c, f)

	require.NoError(t, c.Update(Props{Model: modelB, State: StateHappy}))
	b := f.last()
	require.NotSame(t, a, b)
	assert.True(t, a.isClosed())
	assert.False(t, f.overlap.Load(), "old and new renderers must never coexist")

	a.emit(Event{Kind: EventTouched})
	a.emit(Event{Kind: EventModelLoaded, Success: false})
	b.emit(Event{Kind: EventReady})
	b.emit(Event{Kind: EventModelLoaded, Success: true})
	require.Eventually(t, func() bool { return c.Status().Loaded }, wait, time.Millisecond)

	snap := rec.snapshot()
	assert.Zero(t, snap.touched, "events from a replaced renderer are dropped")
	assert.Equal(t, []bool{true, true}, snap.loaded)
	assert.Equal(t, []string{"load:bundle://b.glb", "expr:happy"}, b.Calls(), "new renderer receives the current state")
	assert.Equal(t, modelB, c.Status().Model)
}

func TestController_SameInputsDoNotReload(t *testing.T) {
	c, f, _ := newTestController(t, nil)
	require.NoError(t, c.Update(Props{Model: modelA}))
	require.NoError(t, c.Update(Props{Model: modelA, State: StateSad}))
	assert.Equal(t, 1, f.built())

	require.NoError(t, c.Reload())
	assert.Equal(t, 2, f.built())

	reloaded, err := c.ReloadIf(modelB)
	require.NoError(t, err)
	assert.False(t, reloaded)
	reloaded, err = c.ReloadIf(modelA)
	require.NoError(t, err)
	assert.True(t, reloaded)
	assert.Equal(t, 3, f.built())
}

func TestController_WatchdogClearsLoading(t *testing.T) {
	c, f, rec := newTestController(t, func(o *Options) { o.LoadTimeout = 30 * time.Millisecond })
	require.NoError(t, c.LoadModel(modelA))
	f.last().emit(Event{Kind: EventReady})

	require.Eventually(t, func() bool { return len(rec.snapshot().loaded) == 1 }, wait, time.Millisecond)
	snap := rec.snapshot()
	assert.Equal(t, []bool{false}, snap.loaded)
	require.Len(t, snap.errors, 1)
	assert.Contains(t, snap.errors[0], "timed out")
	assert.False(t, c.Status().Loading)
}

func TestController_FallsBackAfterFailure(t *testing.T) {
	c, f, rec := newTestController(t, func(o *Options) {
		o.Fallback = BackendAnimation
	})
	require.NoError(t, c.Update(Props{Model: modelA, State: StateListening}))
	first := f.last()
	first.emit(Event{Kind: EventReady})
	first.emit(Event{Kind: EventError, ErrKind: protocol.KindAssetFetch, Message: "no such asset"})

	require.Eventually(t, func() bool { return f.built() == 2 }, wait, time.Millisecond)
	fb := f.last()
	assert.Equal(t, BackendAnimation, fb.spec.Backend)
	assert.True(t, first.isClosed())

	fb.emit(Event{Kind: EventReady})
	fb.emit(Event{Kind: EventModelLoaded, Success: true})
	require.Eventually(t, func() bool { return c.Status().Loaded }, wait, time.Millisecond)

	st := c.Status()
	assert.True(t, st.FellBack)
	assert.Equal(t, "no such asset", st.LastError)
	assert.Equal(t, []string{"expr:listening"}, fb.Calls())
	assert.Equal(t, []bool{false, true}, rec.snapshot().loaded)

	require.NoError(t, c.Update(Props{Model: modelA, State: StateListening}))
	assert.Equal(t, 2, f.built(), "unchanged inputs do not undo the fallback")
}

func TestController_TransportErrorTearsDown(t *testing.T) {
	c, f, rec := newTestController(t, nil)
	require.NoError(t, c.Update(Props{Model: modelA}))
	r := readyAndLoaded(t, c, f)

	r.emit(Event{Kind: EventError, ErrKind: protocol.KindTransport, Message: "pipe broke"})
	require.Eventually(t, r.isClosed, wait, time.Millisecond)
	assert.ErrorIs(t, c.PlayAudio("x.mp3"), ErrNoRenderer)
	assert.ErrorIs(t, c.SetExpression(StateHappy), ErrNotReady)
	assert.Equal(t, []string{"pipe broke"}, rec.snapshot().errors)
}

func TestController_RuntimeAnimationErrorIsNotTerminal(t *testing.T) {
	c, f, rec := newTestController(t, func(o *Options) { o.Fallback = BackendAnimation })
	require.NoError(t, c.LoadModel(modelA))
	r := f.last()
	r.emit(Event{Kind: EventReady})
	r.emit(Event{Kind: EventError, ErrKind: protocol.KindRuntimeAnimation, Message: "no cheek"})
	require.Eventually(t, func() bool { return len(rec.snapshot().errors) == 1 }, wait, time.Millisecond)

	assert.True(t, c.Status().Loading)
	assert.Equal(t, 1, f.built())
}

func TestController_FactoryFailure(t *testing.T) {
	c, f, rec := newTestController(t, func(o *Options) { o.Fallback = BackendAnimation })
	f.fail = map[Backend]error{BackendRigged3D: protocol.Errorf(protocol.KindSandboxInit, "start", "no gpu")}

	err := c.LoadModel(modelA)
	require.Error(t, err)
	assert.Equal(t, protocol.KindSandboxInit, protocol.KindOf(err))

	require.Eventually(t, func() bool { return f.built() == 1 }, wait, time.Millisecond)
	assert.Equal(t, BackendAnimation, f.last().spec.Backend)
	assert.Equal(t, []bool{false}, rec.snapshot().loaded)
}

func TestController_PlayAudioModelsTouched(t *testing.T) {
	b := bus.NewEventBus()
	touched := make(chan struct{}, 1)
	unsub := b.Subscribe(bus.EventTypeAvatarTouched, func(bus.Event) { touched <- struct{}{} })
	defer unsub()

	c, f, rec := newTestController(t, func(o *Options) { o.Bus = b })
	require.NoError(t, c.Update(Props{Model: modelA}))
	r := readyAndLoaded(t, c, f)

	require.NoError(t, c.PlayAudio("https://cdn/x.mp3"))
	assert.Equal(t, 1, r.count("audio:https://cdn/x.mp3"))

	r.emit(Event{Kind: EventModels, Models: []string{"a.glb", "b.glb"}})
	r.emit(Event{Kind: EventExpressionChanged, Expression: "happy"})
	r.emit(Event{Kind: EventTouched})
	select {
	case <-touched:
	case <-time.After(wait):
		t.Fatal("touched not published")
	}
	require.Eventually(t, func() bool { return rec.snapshot().touched == 1 }, wait, time.Millisecond)
	assert.Equal(t, []string{"a.glb", "b.glb"}, c.Models())
	assert.Equal(t, []string{"a.glb", "b.glb"}, rec.snapshot().models)
	assert.Equal(t, "happy", c.Status().Expression)
}

func TestController_CloseStopsEverything(t *testing.T) {
	c, f, _ := newTestController(t, func(o *Options) { o.LoadTimeout = time.Hour })
	require.NoError(t, c.Update(Props{Model: modelA, IsSpeaking: true}))
	r := f.last()

	require.NoError(t, c.Close())
	assert.True(t, r.isClosed())
	assert.ErrorIs(t, c.Update(Props{Model: modelB}), ErrClosed)
	assert.ErrorIs(t, c.SetExpression(StateHappy), ErrClosed)
	r.emit(Event{Kind: EventReady})
	require.NoError(t, c.Close())
}

func TestParseStateAndBackend(t *testing.T) {
	s, err := ParseState(" Happy ")
	require.NoError(t, err)
	assert.Equal(t, StateHappy, s)
	_, err = ParseState("angry")
	assert.Error(t, err)

	b, err := ParseBackend("RIGGED2D")
	require.NoError(t, err)
	assert.Equal(t, BackendRigged2D, b)
	assert.True(t, b.Bridged())
	assert.False(t, BackendAnimation.UsesAsset())
	_, err = ParseBackend("css")
	assert.Error(t, err)

	for _, st := range States {
		assert.True(t, protocol.ValidExpression(string(st)))
	}
}

func TestFromMessage(t *testing.T) {
	e, ok := FromMessage(protocol.LoadingProgress(42))
	require.True(t, ok)
	assert.Equal(t, Event{Kind: EventProgress, Progress: 42}, e)

	e, ok = FromMessage(protocol.ModelLoaded(false, "boom"))
	require.True(t, ok)
	assert.False(t, e.Success)
	assert.Equal(t, "boom", e.Message)

	e, _ = FromMessage(protocol.ErrorEvent(protocol.KindModelParse, "x"))
	assert.Equal(t, protocol.KindModelParse, e.ErrKind)

	_, ok = FromMessage(protocol.SetExpression("happy"))
	assert.False(t, ok)
}
