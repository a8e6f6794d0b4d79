// Package adapter implements the avatar renderer backends: bridged sandboxes
// for rigged 3D and 2D models, a native GPU placeholder and the asset-free
// animation fallback.
package adapter

import (
	"context"
	"sync"

	"github.com/normanking/avatarbridge/internal/asset"
	"github.com/normanking/avatarbridge/internal/avatar"
	"github.com/normanking/avatarbridge/internal/bridge"
	"github.com/normanking/avatarbridge/internal/protocol"
	"github.com/normanking/avatarbridge/internal/transport"
	"github.com/rs/zerolog"
)

// AudioSink receives playAudio requests. Renderers never interpret the URL.
type AudioSink func(url string) error

// Bridged drives a sandbox over a bridge channel. Model assets are loaded on
// the host and shipped as data URIs.
type Bridged struct {
	backend avatar.Backend
	ch      *bridge.Channel
	loader  *asset.Loader
	audio   AudioSink
	emit    func(avatar.Event)
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	gen        uint64
	cancelLoad context.CancelFunc
	progress   *asset.Progress
}

// NewBridged starts talking to the sandbox behind t and asks it for its model
// list. The request waits in the channel until the sandbox is ready.
func NewBridged(ctx context.Context, backend avatar.Backend, t transport.Transport, loader *asset.Loader, audio AudioSink, emit func(avatar.Event), logger zerolog.Logger) *Bridged {
	ctx, cancel := context.WithCancel(ctx)
	b := &Bridged{
		backend:  backend,
		ch:       bridge.NewChannel(t, logger),
		loader:   loader,
		audio:    audio,
		emit:     emit,
		logger:   logger.With().Str("component", "bridged-renderer").Str("backend", string(backend)).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		progress: asset.NewProgress(nil),
	}
	b.ch.Start(ctx)
	b.wg.Add(1)
	go b.pump()
	if err := b.ch.Send(protocol.GetModels()); err != nil {
		b.logger.Debug().Err(err).Msg("getModels not sent")
	}
	return b
}

// LoadModel fetches and encodes ref in the background, then ships it. A newer
// load cancels an older one still fetching.
func (b *Bridged) LoadModel(ref asset.ModelReference) error {
	if err := b.ctx.Err(); err != nil {
		return protocol.Wrap(protocol.KindTransport, "load model", bridge.ErrChannelClosed)
	}
	ctx, cancel := context.WithCancel(b.ctx)

	b.mu.Lock()
	if b.cancelLoad != nil {
		b.cancelLoad()
	}
	b.gen++
	gen := b.gen
	b.cancelLoad = cancel
	progress := asset.NewProgress(func(p int) {
		b.emit(avatar.Event{Kind: avatar.EventProgress, Progress: p})
	})
	b.progress = progress
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()

		uri, err := b.loader.Load(ctx, ref, progress.Fetch)
		if !b.current(gen) {
			return
		}
		if err != nil {
			b.logger.Warn().Err(err).Str("model", ref.String()).Msg("Model load failed")
			b.emit(avatar.ErrorEvent(err))
			return
		}
		if err := b.ch.Send(protocol.LoadModelDataURL(string(uri))); err != nil {
			b.emit(avatar.ErrorEvent(err))
		}
	}()
	return nil
}

func (b *Bridged) SetExpression(state avatar.State) error {
	return b.ch.Send(protocol.SetExpression(string(state)))
}

func (b *Bridged) StartLipSync() error { return b.ch.Send(protocol.StartLipSync()) }

func (b *Bridged) StopLipSync() error { return b.ch.Send(protocol.StopLipSync()) }

func (b *Bridged) PlayAudio(url string) error {
	if b.audio == nil {
		return nil
	}
	return b.audio(url)
}

// Close cancels pending loads and closes the channel, which releases the
// sandbox.
func (b *Bridged) Close() error {
	b.cancel()
	err := b.ch.Close()
	b.wg.Wait()
	return err
}

func (b *Bridged) current(gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return gen == b.gen && b.ctx.Err() == nil
}

// pump turns sandbox events into renderer events. Sandbox progress covers the
// parse phase only and is folded into the load cycle's combined percentage.
func (b *Bridged) pump() {
	defer b.wg.Done()
	for m := range b.ch.Events() {
		e, ok := avatar.FromMessage(m)
		if !ok {
			continue
		}
		if e.Kind == avatar.EventProgress {
			b.mu.Lock()
			p := b.progress
			b.mu.Unlock()
			p.Parse(e.Progress)
			continue
		}
		b.emit(e)
	}
}
