package adapter

import (
	"sync"
	"time"

	"github.com/normanking/avatarbridge/internal/asset"
	"github.com/normanking/avatarbridge/internal/avatar"
	"github.com/normanking/avatarbridge/internal/motion"
	"github.com/rs/zerolog"
)

// AnimationFrame is one sampled frame of the animation renderer.
type AnimationFrame struct {
	Timeline string       `json:"timeline"`
	Speaking bool         `json:"speaking"`
	Values   motion.Frame `json:"values"`
}

// AnimationConfig configures an Animation renderer.
type AnimationConfig struct {
	// Sink receives every frame; nil drops them.
	Sink          func(AnimationFrame)
	Audio         AudioSink
	FrameInterval time.Duration
	PulseDuration time.Duration
	Logger        zerolog.Logger
}

// Animation renders no asset. It samples declarative timelines chosen by
// (state, speaking) and is complete as soon as it exists.
type Animation struct {
	cfg    AnimationConfig
	emit   func(avatar.Event)
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      avatar.State
	speaking   bool
	timeline   motion.Timeline
	started    time.Time
	pulseUntil time.Time
	closed     bool

	stop chan struct{}
	done chan struct{}
}

// NewAnimation starts the timeline loop and reports ready and a completed load.
func NewAnimation(cfg AnimationConfig, emit func(avatar.Event)) *Animation {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 33 * time.Millisecond
	}
	if cfg.PulseDuration <= 0 {
		cfg.PulseDuration = 1200 * time.Millisecond
	}
	a := &Animation{
		cfg:    cfg,
		emit:   emit,
		logger: cfg.Logger.With().Str("component", "animation-renderer").Logger(),
		now:    time.Now,
		state:  avatar.StateIdle,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	a.timeline = motion.Compose(string(a.state), false)
	a.started = a.now()

	emit(avatar.Event{Kind: avatar.EventReady})
	emit(avatar.Event{Kind: avatar.EventProgress, Progress: asset.Complete})
	emit(avatar.Event{Kind: avatar.EventModelLoaded, Success: true})
	go a.loop()
	return a
}

// LoadModel is a no-op: this renderer has no asset.
func (a *Animation) LoadModel(asset.ModelReference) error { return nil }

func (a *Animation) SetExpression(state avatar.State) error {
	a.mu.Lock()
	if a.state != state {
		a.state = state
		a.timeline = motion.Compose(string(state), a.speaking)
		a.started = a.now()
	}
	a.mu.Unlock()
	a.emit(avatar.Event{Kind: avatar.EventExpressionChanged, Expression: string(state)})
	return nil
}

func (a *Animation) StartLipSync() error { return a.setSpeaking(true) }

func (a *Animation) StopLipSync() error { return a.setSpeaking(false) }

func (a *Animation) setSpeaking(on bool) error {
	a.mu.Lock()
	a.speaking = on
	a.timeline = motion.Compose(string(a.state), on)
	a.mu.Unlock()
	a.emit(avatar.Event{Kind: avatar.EventLipSync, Active: on})
	return nil
}

func (a *Animation) PlayAudio(url string) error {
	if a.cfg.Audio == nil {
		return nil
	}
	return a.cfg.Audio(url)
}

// Tap plays the happy timeline briefly and reports touched. The whole avatar
// is the hit target.
func (a *Animation) Tap() {
	a.mu.Lock()
	a.pulseUntil = a.now().Add(a.cfg.PulseDuration)
	a.mu.Unlock()
	a.emit(avatar.Event{Kind: avatar.EventTouched})
}

// Sample returns the frame at the current time.
func (a *Animation) Sample() AnimationFrame {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	tl := a.timeline
	if now.Before(a.pulseUntil) {
		tl = motion.Compose(string(avatar.StateHappy), a.speaking)
	}
	return AnimationFrame{Timeline: tl.Name, Speaking: a.speaking, Values: tl.Sample(now.Sub(a.started))}
}

func (a *Animation) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	close(a.stop)
	<-a.done
	return nil
}

func (a *Animation) loop() {
	defer close(a.done)
	t := time.NewTicker(a.cfg.FrameInterval)
	defer t.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-t.C:
			if a.cfg.Sink != nil {
				a.cfg.Sink(a.Sample())
			}
		}
	}
}
