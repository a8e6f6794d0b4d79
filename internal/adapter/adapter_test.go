package adapter

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/normanking/avatarbridge/internal/asset"
	"github.com/normanking/avatarbridge/internal/avatar"
	"github.com/normanking/avatarbridge/internal/avatar2d"
	"github.com/normanking/avatarbridge/internal/bus"
	"github.com/normanking/avatarbridge/internal/sandbox"
	"github.com/normanking/avatarbridge/internal/transport"
	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const wait = 5 * time.Second

// glb builds a binary glTF with a 2x2x2 head and the given morph targets,
// padded past size bytes.
func glb(t *testing.T, size int, targets ...string) []byte {
	t.Helper()
	doc := gltf.NewDocument()
	pos := modeler.WritePosition(doc, [][3]float32{
		{-1, -1, -1}, {1, -1, -1}, {1, 1, 1}, {-1, 1, 1},
	})
	doc.Meshes = append(doc.Meshes, &gltf.Mesh{
		Name:       "Head",
		Primitives: []*gltf.Primitive{{Attributes: map[string]int{gltf.POSITION: pos}}},
		Extras:     map[string]any{"targetNames": targets},
	})
	if size > 0 {
		doc.Asset.Extras = map[string]any{"padding": strings.Repeat("0", size)}
	}
	var buf bytes.Buffer
	enc := gltf.NewEncoder(&buf)
	enc.AsBinary = true
	require.NoError(t, enc.Encode(doc))
	return buf.Bytes()
}

const rig2D = `
name: %s
canvas: {width: 2, height: 2}
parameters:
  - {id: ParamEyeLOpen, default: 1}
  - {id: ParamEyeROpen, default: 1}
  - {id: ParamEyeLSmile}
  - {id: ParamEyeRSmile}
  - {id: ParamMouthForm}
  - {id: ParamMouthOpenY}
`

func rigFile(name string) []byte {
	return []byte(strings.Replace(rig2D, "%s", name, 1))
}

var faceTargets = []string{"jawOpen", "mouthFunnel", "mouthSmileLeft", "mouthSmileRight", "eyeBlinkLeft", "eyeBlinkRight", "cheekSquintLeft"}

func newLoader(bundle fstest.MapFS) *asset.Loader {
	return asset.NewLoader(asset.LoaderConfig{Bundle: bundle, Fs: afero.NewMemMapFs(), CacheDir: "/cache"}, zerolog.Nop())
}

type events struct {
	mu       sync.Mutex
	ready    int
	loaded   []bool
	errors   []string
	progress []int
	touched  int
}

func (e *events) callbacks() avatar.Callbacks {
	return avatar.Callbacks{
		OnReady:       func() { e.mu.Lock(); e.ready++; e.mu.Unlock() },
		OnModelLoaded: func(ok bool) { e.mu.Lock(); e.loaded = append(e.loaded, ok); e.mu.Unlock() },
		OnError:       func(m string) { e.mu.Lock(); e.errors = append(e.errors, m); e.mu.Unlock() },
		OnProgress:    func(p int) { e.mu.Lock(); e.progress = append(e.progress, p); e.mu.Unlock() },
		OnTouched:     func() { e.mu.Lock(); e.touched++; e.mu.Unlock() },
	}
}

func (e *events) loadedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.loaded)
}

func (e *events) copy() events {
	e.mu.Lock()
	defer e.mu.Unlock()
	return events{
		ready:    e.ready,
		loaded:   append([]bool(nil), e.loaded...),
		errors:   append([]string(nil), e.errors...),
		progress: append([]int(nil), e.progress...),
		touched:  e.touched,
	}
}

func inProcessController(t *testing.T, loader *asset.Loader, ev *events, mutate func(*avatar.Options)) *avatar.Controller {
	t.Helper()
	dial := InProcess(sandbox.Options{Logger: zerolog.Nop(), Models: loader.Models}, Rigs())
	opts := avatar.Options{
		Factory:   NewFactory(Config{Loader: loader, Dial: dial, Logger: zerolog.Nop()}),
		Backend:   avatar.BackendRigged3D,
		Callbacks: ev.callbacks(),
		Logger:    zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := avatar.NewController(opts)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBridged_LoadsTwoMegabyteBundledModel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	loader := newLoader(fstest.MapFS{"models/hannah.glb": {Data: glb(t, 2<<20, faceTargets...)}})
	ev := &events{}
	c := inProcessController(t, loader, ev, nil)

	require.NoError(t, c.Update(avatar.Props{Model: asset.Bundled("models/hannah.glb"), State: avatar.StateListening}))
	require.Eventually(t, func() bool { return ev.loadedCount() == 1 }, wait, 5*time.Millisecond)

	got := ev.copy()
	assert.Equal(t, []bool{true}, got.loaded)
	assert.Equal(t, 1, got.ready)
	require.NotEmpty(t, got.progress)
	assert.GreaterOrEqual(t, got.progress[0], 5)
	assert.Equal(t, 100, got.progress[len(got.progress)-1])
	for i := 1; i < len(got.progress); i++ {
		assert.Greater(t, got.progress[i], got.progress[i-1])
	}
	assert.Contains(t, got.progress, asset.FetchPhaseEnd)

	require.NoError(t, c.SetExpression(avatar.StateHappy))
	require.Eventually(t, func() bool { return c.Status().Expression == "happy" }, wait, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(c.Models()) == 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, []string{"models/hannah.glb"}, c.Models())

	require.NoError(t, c.Close())
}

func TestBridged_CorruptModel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	loader := newLoader(fstest.MapFS{"bad.glb": {Data: []byte("not a model at all")}})
	ev := &events{}
	c := inProcessController(t, loader, ev, nil)

	require.NoError(t, c.Update(avatar.Props{Model: asset.Bundled("bad.glb")}))
	require.Eventually(t, func() bool { return ev.loadedCount() == 1 }, wait, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	got := ev.copy()
	assert.Equal(t, []bool{false}, got.loaded)
	assert.Equal(t, 1, got.ready)
	assert.Empty(t, got.errors)
	assert.NotContains(t, got.progress, 100)

	st := c.Status()
	assert.False(t, st.Loading)
	assert.False(t, st.Loaded)
	assert.Contains(t, st.LastError, "ModelParseError")

	require.NoError(t, c.Close())
}

func TestBridged_MissingAssetFallsBack(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	loader := newLoader(fstest.MapFS{})
	ev := &events{}
	c := inProcessController(t, loader, ev, func(o *avatar.Options) { o.Fallback = avatar.BackendAnimation })

	require.NoError(t, c.Update(avatar.Props{Model: asset.Bundled("gone.glb"), State: avatar.StateSad}))
	require.Eventually(t, func() bool { return c.Status().Backend == avatar.BackendAnimation && c.Status().Loaded }, wait, 5*time.Millisecond)

	got := ev.copy()
	assert.Equal(t, []bool{false, true}, got.loaded)
	require.Len(t, got.errors, 1)
	assert.Contains(t, got.errors[0], "AssetFetchError")
	assert.True(t, c.Status().FellBack)
	require.Eventually(t, func() bool { return c.Status().Expression == "sad" }, wait, 5*time.Millisecond)

	require.NoError(t, c.Close())
}

func TestBridged_SwitchLeavesNothingRunning(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	loader := newLoader(fstest.MapFS{
		"a.yaml": {Data: rigFile("a")},
		"b.yaml": {Data: rigFile("b")},
	})
	ev := &events{}
	c := inProcessController(t, loader, ev, func(o *avatar.Options) { o.Backend = avatar.BackendRigged2D })

	require.NoError(t, c.Update(avatar.Props{Model: asset.Bundled("a.yaml"), IsSpeaking: true}))
	require.Eventually(t, func() bool { return ev.loadedCount() == 1 }, wait, 5*time.Millisecond)
	first := c.Status().Handle

	require.NoError(t, c.Update(avatar.Props{Model: asset.Bundled("b.yaml"), IsSpeaking: true}))
	require.Eventually(t, func() bool { return ev.loadedCount() == 2 }, wait, 5*time.Millisecond)
	assert.NotEqual(t, first, c.Status().Handle)
	assert.Equal(t, []bool{true, true}, ev.copy().loaded)
	require.Eventually(t, func() bool { return c.Status().Speaking }, wait, 5*time.Millisecond)

	require.NoError(t, c.Close())
}

func TestBridged_OverWebSocket(t *testing.T) {
	srv := httptest.NewServer(sandbox.NewServer(sandbox.Options{Logger: zerolog.Nop()}, avatar2d.Rig2D{}))
	defer srv.Close()

	loader := newLoader(fstest.MapFS{"mika.yaml": {Data: rigFile("mika")}})
	ev := &events{}
	c := avatar.NewController(avatar.Options{
		Factory: NewFactory(Config{
			Loader: loader,
			Dial:   WebSocket("ws"+strings.TrimPrefix(srv.URL, "http"), time.Second, zerolog.Nop()),
			Logger: zerolog.Nop(),
		}),
		Backend:   avatar.BackendRigged2D,
		Callbacks: ev.callbacks(),
		Logger:    zerolog.Nop(),
	})
	defer c.Close()

	require.NoError(t, c.Update(avatar.Props{Model: asset.Bundled("mika.yaml"), State: avatar.StateThinking}))
	require.Eventually(t, func() bool { return ev.loadedCount() == 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, []bool{true}, ev.copy().loaded)
	require.Eventually(t, func() bool { return c.Status().Expression == "thinking" }, wait, 5*time.Millisecond)
}

// loopback is an in-memory Wails event bus.
type loopback struct {
	mu       sync.Mutex
	handlers map[string][]func(...any)
	emitted  []string
}

func (l *loopback) Emit(name string, data ...any) {
	l.mu.Lock()
	l.emitted = append(l.emitted, name)
	hs := append([]func(...any){}, l.handlers[name]...)
	l.mu.Unlock()
	for _, h := range hs {
		h(data...)
	}
}

func (l *loopback) On(name string, fn func(...any)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handlers == nil {
		l.handlers = make(map[string][]func(...any))
	}
	l.handlers[name] = append(l.handlers[name], fn)
	idx := len(l.handlers[name]) - 1
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.handlers[name][idx] = func(...any) {}
	}
}

func (l *loopback) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.emitted...)
}

func TestWebViewDial_MountsAndUnmounts(t *testing.T) {
	lb := &loopback{}
	rt := sandbox.New(transport.NewWebViewSandbox(lb), sandbox.Options{Rig: avatar2d.Rig2D{}, Logger: zerolog.Nop()})

	tr, err := WebView(lb)(context.Background(), avatar.BackendRigged2D)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go rt.Run(ctx)
	defer func() { cancel(); <-rt.Stopped() }()

	loader := newLoader(fstest.MapFS{"a.yaml": {Data: rigFile("a")}})
	got := make(chan avatar.Event, 32)
	b := NewBridged(context.Background(), avatar.BackendRigged2D, tr, loader, nil, func(e avatar.Event) { got <- e }, zerolog.Nop())
	require.NoError(t, b.LoadModel(asset.Bundled("a.yaml")))

	deadline := time.After(wait)
	for loaded := false; !loaded; {
		select {
		case e := <-got:
			if e.Kind == avatar.EventModelLoaded {
				assert.True(t, e.Success)
				loaded = true
			}
		case <-deadline:
			t.Fatal("model never loaded over the WebView bridge")
		}
	}
	require.NoError(t, b.Close())
	assert.Contains(t, lb.names(), EventSandboxMount)
	assert.Contains(t, lb.names(), EventSandboxUnmount)
}

func TestNative_SynchronousCommands(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	loader := newLoader(fstest.MapFS{"hannah.glb": {Data: glb(t, 0, faceTargets...)}})
	var mu sync.Mutex
	var frames int
	var evs []avatar.Event
	emit := func(e avatar.Event) { mu.Lock(); evs = append(evs, e); mu.Unlock() }

	n := NewNative(context.Background(), NativeConfig{
		Loader:        loader,
		Surface:       SurfaceFunc(func(Frame) { mu.Lock(); frames++; mu.Unlock() }),
		FrameInterval: 5 * time.Millisecond,
		Logger:        zerolog.Nop(),
	}, emit)
	assert.Equal(t, "placeholder", n.Current().Model)

	require.NoError(t, n.LoadModel(asset.Bundled("hannah.glb")))
	assert.Equal(t, "hannah.glb", n.Current().Model)

	require.NoError(t, n.SetExpression(avatar.StateHappy))
	assert.Equal(t, "happy", n.Current().Expression)
	require.NoError(t, n.StartLipSync())
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, n.StopLipSync())
	fr := n.Current()
	assert.Zero(t, fr.MouthOpen)
	assert.Zero(t, fr.Values["jawOpen"])
	assert.Zero(t, fr.Values["mouthFunnel"])

	assert.True(t, n.Tap(0, 0))
	assert.True(t, n.Current().Pulsing)
	assert.False(t, n.Tap(50, 50))

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, frames)
	kinds := make([]avatar.EventKind, 0, len(evs))
	for _, e := range evs {
		if e.Kind != avatar.EventProgress {
			kinds = append(kinds, e.Kind)
		}
	}
	assert.Equal(t, []avatar.EventKind{
		avatar.EventReady,
		avatar.EventModelLoaded,
		avatar.EventExpressionChanged,
		avatar.EventLipSync,
		avatar.EventLipSync,
		avatar.EventTouched,
	}, kinds)
}

func TestNative_CorruptModelKeepsPlaceholder(t *testing.T) {
	loader := newLoader(fstest.MapFS{"bad.glb": {Data: []byte("nope")}})
	var evs []avatar.Event
	n := NewNative(context.Background(), NativeConfig{Loader: loader, Logger: zerolog.Nop()}, func(e avatar.Event) { evs = append(evs, e) })
	defer n.Close()

	require.NoError(t, n.LoadModel(asset.Bundled("bad.glb")))
	last := evs[len(evs)-1]
	assert.Equal(t, avatar.EventModelLoaded, last.Kind)
	assert.False(t, last.Success)
	assert.Equal(t, "placeholder", n.Current().Model)
}

func TestNative_CloseAbortsStalledRemoteLoad(t *testing.T) {
	requested := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(requested) })
		<-r.Context().Done()
	}))
	defer srv.Close()

	ev := &events{}
	c := avatar.NewController(avatar.Options{
		Factory:     NewFactory(Config{Loader: newLoader(fstest.MapFS{}), Logger: zerolog.Nop()}),
		Backend:     avatar.BackendNative,
		LoadTimeout: 100 * time.Millisecond,
		Callbacks:   ev.callbacks(),
		Logger:      zerolog.Nop(),
	})

	updated := make(chan error, 1)
	go func() {
		updated <- c.Update(avatar.Props{Backend: avatar.BackendNative, Model: asset.Remote(srv.URL + "/slow.glb")})
	}()
	select {
	case <-requested:
	case <-time.After(wait):
		t.Fatal("remote model was never requested")
	}
	// Let the load watchdog fire while the fetch is still stalled.
	time.Sleep(150 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind the stalled load")
	}
	select {
	case <-updated:
	case <-time.After(time.Second):
		t.Fatal("Update never returned")
	}
	assert.NotContains(t, ev.copy().loaded, true)
}

func TestNative_StalledLoadTimesOutToFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ev := &events{}
	c := avatar.NewController(avatar.Options{
		Factory:     NewFactory(Config{Loader: newLoader(fstest.MapFS{}), FrameInterval: 5 * time.Millisecond, Logger: zerolog.Nop()}),
		Backend:     avatar.BackendNative,
		Fallback:    avatar.BackendAnimation,
		LoadTimeout: 100 * time.Millisecond,
		Callbacks:   ev.callbacks(),
		Logger:      zerolog.Nop(),
	})
	defer c.Close()

	go c.Update(avatar.Props{Backend: avatar.BackendNative, Model: asset.Remote(srv.URL + "/slow.glb")})

	require.Eventually(t, func() bool {
		st := c.Status()
		return st.Backend == avatar.BackendAnimation && st.Loaded
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.Status().FellBack)
	got := ev.copy()
	require.NotEmpty(t, got.errors)
	assert.Contains(t, got.errors[0], "timed out")
}

func TestNative_CloseCancelsLoadInFlight(t *testing.T) {
	requested := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(requested) })
		<-r.Context().Done()
	}))
	defer srv.Close()

	var mu sync.Mutex
	var evs []avatar.Event
	n := NewNative(context.Background(), NativeConfig{Loader: newLoader(fstest.MapFS{}), Logger: zerolog.Nop()}, func(e avatar.Event) {
		mu.Lock()
		evs = append(evs, e)
		mu.Unlock()
	})

	loaded := make(chan error, 1)
	go func() { loaded <- n.LoadModel(asset.Remote(srv.URL + "/slow.glb")) }()
	<-requested
	require.NoError(t, n.Close())

	select {
	case err := <-loaded:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("LoadModel kept running after Close")
	}
	assert.Equal(t, "placeholder", n.Current().Model)
	mu.Lock()
	defer mu.Unlock()
	for _, e := range evs {
		assert.False(t, e.Kind == avatar.EventModelLoaded && e.Success)
	}
}

func TestAnimation_CompleteAtConstruction(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	frames := make(chan AnimationFrame, 64)
	var evs []avatar.Event
	a := NewAnimation(AnimationConfig{
		Sink: func(f AnimationFrame) {
			select {
			case frames <- f:
			default:
			}
		},
		FrameInterval: 5 * time.Millisecond,
		Logger:        zerolog.Nop(),
	}, func(e avatar.Event) { evs = append(evs, e) })

	require.Len(t, evs, 3)
	assert.Equal(t, avatar.EventReady, evs[0].Kind)
	assert.Equal(t, 100, evs[1].Progress)
	assert.True(t, evs[2].Success)

	require.NoError(t, a.SetExpression(avatar.StateThinking))
	require.NoError(t, a.StartLipSync())
	f := a.Sample()
	assert.Equal(t, "thinking", f.Timeline)
	assert.True(t, f.Speaking)

	require.NoError(t, a.StopLipSync())
	assert.Zero(t, a.Sample().Values["mouth"])

	a.Tap()
	assert.Equal(t, "happy", a.Sample().Timeline)
	assert.Equal(t, avatar.EventTouched, evs[len(evs)-1].Kind)

	select {
	case <-frames:
	case <-time.After(wait):
		t.Fatal("no animation frames")
	}
	require.NoError(t, a.Close())
}

func TestBusAudio(t *testing.T) {
	b := bus.NewEventBus()
	got := make(chan string, 1)
	defer b.Subscribe(bus.EventTypeAudioRequested, func(e bus.Event) { got <- e.Data["url"].(string) })()

	a := NewAnimation(AnimationConfig{Audio: BusAudio(b), Logger: zerolog.Nop()}, func(avatar.Event) {})
	defer a.Close()
	require.NoError(t, a.PlayAudio("https://cdn.example.com/hi.mp3"))

	select {
	case url := <-got:
		assert.Equal(t, "https://cdn.example.com/hi.mp3", url)
	case <-time.After(wait):
		t.Fatal("audio request not published")
	}
}
