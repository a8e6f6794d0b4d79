package transport

import (
	"context"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// Event names used on the Wails event bus. The sandbox script listens on both
// command names; hosts emit on one of them depending on the WebView flavour.
const (
	EventHostToSandbox    = "avatar:bridge:command"
	EventHostToSandboxAlt = "avatar:bridge:message"
	EventSandboxToHost    = "avatar:bridge:event"
)

// Events is the subset of the Wails runtime event API the WebView transport needs.
type Events interface {
	Emit(name string, data ...any)
	On(name string, fn func(data ...any)) (cancel func())
}

// WailsEvents binds Events to a Wails runtime context.
type WailsEvents struct {
	Ctx context.Context
}

func (w WailsEvents) Emit(name string, data ...any) {
	runtime.EventsEmit(w.Ctx, name, data...)
}

func (w WailsEvents) On(name string, fn func(data ...any)) func() {
	return runtime.EventsOn(w.Ctx, name, fn)
}

// WebView is a transport over the WebView event bus.
type WebView struct {
	closer
	events  Events
	outName string

	in      *inbox
	cancels []func()
}

// NewWebViewHost returns the host end: it emits commands and listens for
// sandbox events.
func NewWebViewHost(events Events) *WebView {
	return newWebView(events, EventHostToSandbox, EventSandboxToHost)
}

// NewWebViewSandbox returns the sandbox end. It listens on both command event
// names so either host flavour reaches it; duplicates are filtered by the
// receiver using message sequence numbers.
func NewWebViewSandbox(events Events) *WebView {
	return newWebView(events, EventSandboxToHost, EventHostToSandbox, EventHostToSandboxAlt)
}

func newWebView(events Events, out string, in ...string) *WebView {
	w := &WebView{
		closer:  newCloser(),
		events:  events,
		outName: out,
		in:      newInbox(),
	}
	for _, name := range in {
		w.cancels = append(w.cancels, events.On(name, w.onEvent))
	}
	go w.in.drain(w.done)
	return w
}

func (w *WebView) Send(msg string) error {
	if w.closed() {
		return ErrClosed
	}
	w.events.Emit(w.outName, msg)
	return nil
}

func (w *WebView) Receive() <-chan string { return w.in.out }

func (w *WebView) Close() error {
	if !w.shut(nil) {
		return nil
	}
	for _, cancel := range w.cancels {
		if cancel != nil {
			cancel()
		}
	}
	return nil
}

// onEvent runs on the Wails dispatcher and must not block.
func (w *WebView) onEvent(data ...any) {
	if len(data) == 0 {
		return
	}
	msg, ok := data[0].(string)
	if !ok {
		return
	}
	w.in.push(msg)
}
