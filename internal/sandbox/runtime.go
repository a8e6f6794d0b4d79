package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/normanking/avatarbridge/internal/protocol"
	"github.com/normanking/avatarbridge/internal/scene"
	"github.com/normanking/avatarbridge/internal/transport"
	"github.com/rs/zerolog"
)

// Defaults for Options.
const (
	DefaultFrameInterval   = 16 * time.Millisecond
	DefaultLipSyncInterval = 50 * time.Millisecond
	DefaultPulseDuration   = 1200 * time.Millisecond

	maxRemoteModel = 256 << 20
)

// ErrNoRig is reported when a runtime is started without a rig.
var ErrNoRig = errors.New("no rig configured")

// Options configures a Runtime.
type Options struct {
	Rig             scene.Rig
	FrameInterval   time.Duration
	LipSyncInterval time.Duration
	PulseDuration   time.Duration
	// Models answers getModels; nil answers with an empty list.
	Models     func() []string
	HTTPClient *http.Client
	// MaxModelBytes caps remote model downloads; zero means 256 MiB.
	MaxModelBytes int64
	Rand       *rand.Rand
	Logger     zerolog.Logger
}

type tap struct{ x, y float32 }

type fetchResult struct {
	gen  uint64
	name string
	data []byte
	err  error
}

// Runtime is one sandbox instance. All scene state is owned by the goroutine
// running Run; other goroutines interact through the transport, Tap and
// Snapshot.
type Runtime struct {
	t      transport.Transport
	opts   Options
	logger zerolog.Logger

	taps    chan tap
	fetched chan fetchResult
	stopped chan struct{}

	mu   sync.Mutex
	snap Snapshot

	// loop-owned
	state      State
	animator   *scene.Animator
	expression string
	lipSync    bool
	lastSeq    uint64
	readySent  bool

	loadGen     uint64
	cancelFetch context.CancelFunc

	frame   *time.Ticker
	lipTick *time.Ticker
}

// New creates a runtime speaking over t.
func New(t transport.Transport, opts Options) *Runtime {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}
	if opts.LipSyncInterval <= 0 {
		opts.LipSyncInterval = DefaultLipSyncInterval
	}
	if opts.PulseDuration <= 0 {
		opts.PulseDuration = DefaultPulseDuration
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.MaxModelBytes <= 0 {
		opts.MaxModelBytes = maxRemoteModel
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	rigName := "none"
	if opts.Rig != nil {
		rigName = opts.Rig.Name()
	}
	return &Runtime{
		t:          t,
		opts:       opts,
		logger:     opts.Logger.With().Str("component", "sandbox").Str("rig", rigName).Logger(),
		taps:       make(chan tap, 8),
		fetched:    make(chan fetchResult, 1),
		stopped:    make(chan struct{}),
		expression: "idle",
	}
}

// Run builds the scene, announces ready and serves commands until ctx is done
// or the transport breaks. Every timer is stopped and the model disposed
// before Run returns.
func (r *Runtime) Run(ctx context.Context) error {
	defer close(r.stopped)
	defer r.teardown()

	if err := r.buildScene(); err != nil {
		r.emit(protocol.ErrorEvent(protocol.KindSandboxInit, err.Error()))
		return protocol.Wrap(protocol.KindSandboxInit, "build scene", err)
	}
	r.state = SceneReady
	r.readySent = true
	r.publish()
	if err := r.emit(protocol.Ready()); err != nil {
		return err
	}
	r.logger.Info().Msg("Scene ready")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.t.Done():
			return r.t.Err()
		case raw := <-r.t.Receive():
			if err := r.handleRaw(ctx, raw); err != nil {
				return err
			}
		case res := <-r.fetched:
			if err := r.handleFetched(res); err != nil {
				return err
			}
		case tp := <-r.taps:
			if err := r.handleTap(tp); err != nil {
				return err
			}
		case <-tickC(r.frame):
			r.animator.Tick(r.opts.FrameInterval)
			r.publish()
		case <-tickC(r.lipTick):
			r.animator.LipSyncStep(r.opts.LipSyncInterval)
			r.publish()
		}
	}
}

// Stopped is closed once Run has returned and released everything.
func (r *Runtime) Stopped() <-chan struct{} { return r.stopped }

// Tap delivers a user tap at screen point (x, y). It never blocks.
func (r *Runtime) Tap(x, y float32) {
	select {
	case r.taps <- tap{x, y}:
	case <-r.stopped:
	default:
		r.logger.Debug().Msg("Dropping tap, queue full")
	}
}

// Snapshot returns the latest published state.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snap
	s.Params = make(map[string]float32, len(r.snap.Params))
	for k, v := range r.snap.Params {
		s.Params[k] = v
	}
	return s
}

func (r *Runtime) buildScene() error {
	if r.opts.Rig == nil {
		return ErrNoRig
	}
	return nil
}

func (r *Runtime) handleRaw(ctx context.Context, raw string) error {
	msg, err := protocol.Decode(raw)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Dropping malformed message")
		return r.emit(protocol.Log("dropped malformed message: " + err.Error()))
	}
	if !protocol.IsCommand(msg.Type) {
		return r.emit(protocol.Log(fmt.Sprintf("ignoring non-command %q", msg.Type)))
	}
	if msg.Seq != 0 {
		if msg.Seq <= r.lastSeq {
			r.logger.Debug().Uint64("seq", msg.Seq).Msg("Dropping duplicate command")
			return nil
		}
		r.lastSeq = msg.Seq
	}

	switch msg.Type {
	case protocol.TypeLoadModel:
		return r.loadRemote(ctx, msg.URL)
	case protocol.TypeLoadModelDataURL:
		if err := r.beginLoad(); err != nil {
			return err
		}
		return r.loadDataURL(msg.DataURL)
	case protocol.TypeSetExpression:
		return r.setExpression(msg.Expression)
	case protocol.TypeStartLipSync:
		return r.startLipSync()
	case protocol.TypeStopLipSync:
		return r.stopLipSync()
	case protocol.TypeGetModels:
		var models []string
		if r.opts.Models != nil {
			models = r.opts.Models()
		}
		return r.emit(protocol.ModelList(models))
	}
	return nil
}

// beginLoad disposes the bound model and supersedes any pending fetch. There
// is no cross-fade: the scene is empty until the next model is bound.
func (r *Runtime) beginLoad() error {
	r.loadGen++
	if r.cancelFetch != nil {
		r.cancelFetch()
		r.cancelFetch = nil
		if err := r.emit(protocol.ModelLoaded(false, "superseded by a newer load")); err != nil {
			return err
		}
	}
	r.unbind()
	r.state = ModelLoading
	r.publish()
	return r.emit(protocol.LoadingProgress(0))
}

func (r *Runtime) loadRemote(ctx context.Context, url string) error {
	if err := r.beginLoad(); err != nil {
		return err
	}
	if strings.HasPrefix(url, "data:") {
		return r.loadDataURL(url)
	}
	fctx, cancel := context.WithCancel(ctx)
	r.cancelFetch = cancel
	gen := r.loadGen
	name := modelName(url)
	r.logger.Info().Str("url", url).Msg("Fetching model")
	go func() {
		data, err := r.fetch(fctx, url)
		select {
		case r.fetched <- fetchResult{gen: gen, name: name, data: data, err: err}:
		case <-fctx.Done():
		}
	}()
	return nil
}

func (r *Runtime) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindAssetFetch, "fetch model", err)
	}
	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindAssetFetch, "fetch model", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, protocol.Errorf(protocol.KindAssetFetch, "fetch model", "unexpected status %d", resp.StatusCode)
	}
	limit := r.opts.MaxModelBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, protocol.Wrap(protocol.KindAssetFetch, "fetch model", err)
	}
	if int64(len(data)) > limit {
		return nil, protocol.Errorf(protocol.KindAssetFetch, "fetch model", "model too large: over %d bytes", limit)
	}
	return data, nil
}

func (r *Runtime) handleFetched(res fetchResult) error {
	if res.gen != r.loadGen {
		return nil
	}
	if r.cancelFetch != nil {
		r.cancelFetch()
		r.cancelFetch = nil
	}
	if res.err != nil {
		return r.failLoad(res.err)
	}
	if err := r.emit(protocol.LoadingProgress(40)); err != nil {
		return err
	}
	return r.bind(res.name, res.data)
}

func (r *Runtime) loadDataURL(dataURL string) error {
	data, err := protocol.DecodeDataURI(dataURL)
	if err != nil {
		return r.failLoad(protocol.Wrap(protocol.KindModelParse, "decode data url", err))
	}
	if err := r.emit(protocol.LoadingProgress(40)); err != nil {
		return err
	}
	return r.bind("", data)
}

func (r *Runtime) bind(name string, data []byte) error {
	if name == "" {
		name = "model"
	}
	model, err := r.opts.Rig.Decode(name, data)
	if err != nil {
		return r.failLoad(err)
	}
	if err := r.emit(protocol.LoadingProgress(90)); err != nil {
		return err
	}

	r.animator = scene.NewAnimator(r.opts.Rig, model, r.opts.Rand, r.logger)
	r.animator.SetExpression(r.expression)
	r.frame = time.NewTicker(r.opts.FrameInterval)
	if r.lipSync {
		r.animator.StartLipSync()
		r.lipTick = time.NewTicker(r.opts.LipSyncInterval)
	}
	r.state = ModelReady
	r.publish()

	r.logger.Info().Str("model", model.Name()).Int("params", len(model.Parameters())).Msg("Model bound")
	if err := r.emit(protocol.LoadingProgress(100)); err != nil {
		return err
	}
	return r.emit(protocol.ModelLoaded(true, ""))
}

func (r *Runtime) failLoad(err error) error {
	r.unbind()
	r.state = SceneReady
	r.publish()
	r.logger.Warn().Err(err).Msg("Model load failed")
	return r.emit(protocol.ModelLoaded(false, err.Error()))
}

func (r *Runtime) setExpression(expression string) error {
	if !protocol.ValidExpression(expression) {
		return r.emit(protocol.Log(fmt.Sprintf("unknown expression %q", expression)))
	}
	if expression != "speaking" {
		r.expression = expression
		if r.animator != nil {
			r.animator.SetExpression(expression)
		}
	}
	r.publish()
	return r.emit(protocol.ExpressionChanged(expression))
}

func (r *Runtime) startLipSync() error {
	if !r.lipSync {
		r.lipSync = true
		if r.animator != nil {
			r.animator.StartLipSync()
			r.lipTick = time.NewTicker(r.opts.LipSyncInterval)
		}
	}
	r.publish()
	return r.emit(protocol.LipSyncStarted())
}

func (r *Runtime) stopLipSync() error {
	r.lipSync = false
	stopTicker(&r.lipTick)
	if r.animator != nil {
		r.animator.StopLipSync()
	}
	r.publish()
	return r.emit(protocol.LipSyncStopped())
}

func (r *Runtime) handleTap(tp tap) error {
	if r.state != ModelReady || !r.animator.Hit(tp.x, tp.y) {
		return nil
	}
	r.animator.Pulse(r.opts.PulseDuration)
	r.publish()
	return r.emit(protocol.Touched())
}

// unbind stops the model's timers and disposes it.
func (r *Runtime) unbind() {
	stopTicker(&r.frame)
	stopTicker(&r.lipTick)
	if r.animator != nil {
		r.animator.Model().Dispose()
		r.animator = nil
	}
}

func (r *Runtime) teardown() {
	if r.cancelFetch != nil {
		r.cancelFetch()
		r.cancelFetch = nil
	}
	r.unbind()
	r.publish()
}

func (r *Runtime) publish() {
	s := Snapshot{
		State:       r.state,
		Expression:  r.expression,
		LipSync:     r.lipSync,
		FrameLoop:   r.frame != nil,
		LipSyncLoop: r.lipTick != nil,
		ReadySent:   r.readySent,
		UpdatedAt:   time.Now(),
	}
	if r.animator != nil {
		m := r.animator.Model()
		s.Model = m.Name()
		s.Params = m.Values()
		s.Pulse = r.animator.Pulsing()
		s.MouthOpen = r.animator.MouthOpen()
	}
	r.mu.Lock()
	r.snap = s
	r.mu.Unlock()
}

func (r *Runtime) emit(m protocol.Message) error {
	s, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if err := r.t.Send(s); err != nil {
		return protocol.Wrap(protocol.KindTransport, "send "+string(m.Type), err)
	}
	return nil
}

func tickC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTicker(t **time.Ticker) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func modelName(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[i+1:]
	}
	return url
}
