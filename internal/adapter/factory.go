package adapter

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/normanking/avatarbridge/internal/asset"
	"github.com/normanking/avatarbridge/internal/avatar"
	"github.com/normanking/avatarbridge/internal/avatar2d"
	"github.com/normanking/avatarbridge/internal/avatar3d"
	"github.com/normanking/avatarbridge/internal/bus"
	"github.com/normanking/avatarbridge/internal/protocol"
	"github.com/normanking/avatarbridge/internal/scene"
	"github.com/rs/zerolog"
)

// Config wires every backend.
type Config struct {
	Loader *asset.Loader
	// Dial opens sandboxes for the bridged backends.
	Dial DialFunc
	// Surface draws native frames.
	Surface Surface
	// Frames receives animation frames.
	Frames          func(AnimationFrame)
	Audio           AudioSink
	FrameInterval   time.Duration
	LipSyncInterval time.Duration
	PulseDuration   time.Duration
	Rand            *rand.Rand
	Logger          zerolog.Logger
}

// Rigs maps each bridged backend to its rig.
func Rigs() map[avatar.Backend]scene.Rig {
	return map[avatar.Backend]scene.Rig{
		avatar.BackendRigged3D: avatar3d.Rig3D{},
		avatar.BackendRigged2D: avatar2d.Rig2D{},
	}
}

// NewFactory returns the factory the controller uses to build renderers.
func NewFactory(cfg Config) avatar.Factory {
	return func(ctx context.Context, spec avatar.Spec, emit func(avatar.Event)) (avatar.Renderer, error) {
		switch spec.Backend {
		case avatar.BackendRigged3D, avatar.BackendRigged2D:
			if cfg.Dial == nil {
				return nil, protocol.Errorf(protocol.KindSandboxInit, "dial", "no sandbox dialer for %s", spec.Backend)
			}
			if cfg.Loader == nil {
				return nil, protocol.Errorf(protocol.KindSandboxInit, "dial", "no asset loader for %s", spec.Backend)
			}
			t, err := cfg.Dial(ctx, spec.Backend)
			if err != nil {
				return nil, protocol.Wrap(protocol.KindSandboxInit, "dial "+string(spec.Backend), err)
			}
			return NewBridged(ctx, spec.Backend, t, cfg.Loader, cfg.Audio, emit, cfg.Logger), nil
		case avatar.BackendNative:
			return NewNative(ctx, NativeConfig{
				Loader:          cfg.Loader,
				Surface:         cfg.Surface,
				Audio:           cfg.Audio,
				FrameInterval:   cfg.FrameInterval,
				LipSyncInterval: cfg.LipSyncInterval,
				PulseDuration:   cfg.PulseDuration,
				Rand:            cfg.Rand,
				Logger:          cfg.Logger,
			}, emit), nil
		case avatar.BackendAnimation:
			return NewAnimation(AnimationConfig{
				Sink:          cfg.Frames,
				Audio:         cfg.Audio,
				FrameInterval: cfg.FrameInterval,
				PulseDuration: cfg.PulseDuration,
				Logger:        cfg.Logger,
			}, emit), nil
		}
		return nil, fmt.Errorf("unknown backend %q", spec.Backend)
	}
}

// BusAudio publishes playAudio requests on the event bus for the host audio
// player.
func BusAudio(b *bus.EventBus) AudioSink {
	return func(url string) error {
		b.Publish(bus.Event{Type: bus.EventTypeAudioRequested, Data: map[string]any{"url": url}})
		return nil
	}
}
