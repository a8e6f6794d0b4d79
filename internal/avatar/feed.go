package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/normanking/avatarbridge/internal/sse"
	"github.com/rs/zerolog"
)

// FeedUpdate is one conversational state pushed by the external voice service.
type FeedUpdate struct {
	State    State `json:"state"`
	Speaking *bool `json:"speaking,omitempty"`
}

// Feed follows the voice service's server-sent event stream of avatar states
// and applies them to a controller. It reconnects with backoff until stopped.
type Feed struct {
	url    string
	apply  func(FeedUpdate)
	logger zerolog.Logger
	client *http.Client

	mu        sync.RWMutex
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewFeed creates a feed that reads url and hands every update to apply.
func NewFeed(url string, apply func(FeedUpdate), logger zerolog.Logger) *Feed {
	return &Feed{
		url:    url,
		apply:  apply,
		logger: logger.With().Str("component", "avatar-feed").Logger(),
		client: &http.Client{Timeout: 0},
	}
}

// Drive returns an apply func that forwards updates to c.
func Drive(c *Controller) func(FeedUpdate) {
	return func(u FeedUpdate) {
		if u.State != "" {
			if err := c.SetState(u.State); err != nil {
				c.logger.Warn().Err(err).Msg("Feed state rejected")
			}
		}
		if u.Speaking != nil {
			c.SetSpeaking(*u.Speaking)
		}
	}
}

// Connect starts following the stream in the background.
func (f *Feed) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.done = make(chan struct{})
	done := f.done
	f.mu.Unlock()
	go func() {
		defer close(done)
		f.connectLoop(ctx)
	}()
}

// Disconnect stops the feed and waits for it to exit.
func (f *Feed) Disconnect() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.connected = false
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// IsConnected reports whether the stream is currently open.
func (f *Feed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

func (f *Feed) connectLoop(ctx context.Context) {
	backoff := 3 * time.Second
	maxBackoff := 60 * time.Second
	failures := 0

	for {
		err := f.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		f.setConnected(false)
		if err == nil {
			backoff = 3 * time.Second
			failures = 0
		} else {
			failures++
			if failures == 3 {
				f.logger.Warn().Err(err).Int("failures", failures).Msg("Avatar state feed unavailable, retrying less often")
				backoff = maxBackoff
			} else if failures > 3 {
				f.logger.Debug().Int("failures", failures).Msg("Avatar state feed still unavailable")
			} else {
				f.logger.Warn().Err(err).Msg("Avatar state feed failed, reconnecting")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

func (f *Feed) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		return fmt.Errorf("unexpected content-type: %s", ct)
	}

	f.setConnected(true)
	f.logger.Info().Str("url", f.url).Msg("Connected to avatar state feed")

	events := sse.NewReader(resp.Body)
	for {
		ev, err := events.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ev.Data != "" {
			f.handleEvent(ev.Type, ev.Data)
		}
	}
}

func (f *Feed) handleEvent(event, data string) {
	var u FeedUpdate
	switch event {
	case "", "state":
		if err := json.Unmarshal([]byte(data), &u); err != nil {
			f.logger.Warn().Err(err).Msg("Failed to parse state event")
			return
		}
		if u.State != "" && !u.State.Valid() {
			f.logger.Warn().Str("state", string(u.State)).Msg("Ignoring unknown state")
			u.State = ""
		}
	case "speaking":
		var v struct {
			Speaking bool `json:"speaking"`
		}
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			f.logger.Warn().Err(err).Msg("Failed to parse speaking event")
			return
		}
		u.Speaking = &v.Speaking
	default:
		f.logger.Debug().Str("type", event).Msg("Unknown feed event")
		return
	}
	f.apply(u)
}

func (f *Feed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}
