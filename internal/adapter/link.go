package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/normanking/avatarbridge/internal/avatar"
	"github.com/normanking/avatarbridge/internal/sandbox"
	"github.com/normanking/avatarbridge/internal/scene"
	"github.com/normanking/avatarbridge/internal/transport"
	"github.com/rs/zerolog"
)

// DialFunc opens the host end of a fresh sandbox for backend. Closing the
// returned transport releases that sandbox.
type DialFunc func(ctx context.Context, backend avatar.Backend) (transport.Transport, error)

// Frontend events asking the WebView to mount or unmount a sandbox.
const (
	EventSandboxMount   = "avatar:sandbox:mount"
	EventSandboxUnmount = "avatar:sandbox:unmount"
)

// inProcess is a pipe to a sandbox runtime goroutine. Close returns only once
// the runtime has stopped every loop.
type inProcess struct {
	*transport.Pipe
	runtime *sandbox.Runtime
	cancel  context.CancelFunc
}

func (l *inProcess) Close() error {
	err := l.Pipe.Close()
	l.cancel()
	<-l.runtime.Stopped()
	return err
}

// Tap forwards a tap to the sandbox.
func (l *inProcess) Tap(x, y float32) { l.runtime.Tap(x, y) }

// Snapshot exposes the sandbox state.
func (l *inProcess) Snapshot() sandbox.Snapshot { return l.runtime.Snapshot() }

// InProcess runs each sandbox as a goroutine behind an in-memory pipe. rigs
// maps backends to the rig their sandbox uses.
func InProcess(base sandbox.Options, rigs map[avatar.Backend]scene.Rig) DialFunc {
	return func(ctx context.Context, backend avatar.Backend) (transport.Transport, error) {
		rig, ok := rigs[backend]
		if !ok {
			return nil, fmt.Errorf("no rig for backend %s", backend)
		}
		host, sb := transport.NewPipe()
		opts := base
		opts.Rig = rig
		rt := sandbox.New(sb, opts)
		ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		go func() {
			if err := rt.Run(ctx); err != nil {
				base.Logger.Debug().Err(err).Str("backend", string(backend)).Msg("In-process sandbox stopped")
			}
		}()
		return &inProcess{Pipe: host, runtime: rt, cancel: cancel}, nil
	}
}

// WebSocket connects to a sandbox server, one connection per sandbox.
func WebSocket(baseURL string, timeout time.Duration, logger zerolog.Logger) DialFunc {
	baseURL = strings.TrimSuffix(baseURL, "/")
	return func(ctx context.Context, backend avatar.Backend) (transport.Transport, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return transport.Dial(ctx, baseURL+sandbox.PathPrefix+string(backend), logger)
	}
}

// webViewLink unmounts the frontend sandbox when closed.
type webViewLink struct {
	*transport.WebView
	events  transport.Events
	backend avatar.Backend
}

func (l *webViewLink) Close() error {
	err := l.WebView.Close()
	l.events.Emit(EventSandboxUnmount, string(l.backend))
	return err
}

// WebView mounts the sandbox script inside the app's WebView and talks to it
// over Wails events.
func WebView(events transport.Events) DialFunc {
	return func(ctx context.Context, backend avatar.Backend) (transport.Transport, error) {
		host := transport.NewWebViewHost(events)
		events.Emit(EventSandboxMount, string(backend))
		return &webViewLink{WebView: host, events: events, backend: backend}, nil
	}
}
