package asset

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// SettleDelay is how long a file must stay quiet before a change is reported.
const SettleDelay = 150 * time.Millisecond

// Watcher observes an on-disk bundle directory during development. When a
// model file changes its cached copy is evicted and onChange is told which
// bundled reference went stale. Bursts of writes to one file are reported once.
type Watcher struct {
	dir      string
	loader   *Loader
	watcher  *fsnotify.Watcher
	onChange func(ModelReference)
	logger   zerolog.Logger

	mu       sync.Mutex
	settlers map[string]func(func())
}

// NewWatcher starts watching dir. Call Run to process events.
func NewWatcher(dir string, loader *Loader, onChange func(ModelReference), logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:      dir,
		loader:   loader,
		watcher:  fw,
		onChange: onChange,
		logger:   logger.With().Str("component", "asset-watcher").Logger(),
		settlers: make(map[string]func(func())),
	}, nil
}

// Run blocks until ctx is done or the watcher fails.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := event.Name
			w.settler(name)(func() { w.handle(name) })
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) settler(name string) func(func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.settlers[name]
	if !ok {
		d = debounce.New(SettleDelay)
		w.settlers[name] = d
	}
	return d
}

func (w *Watcher) handle(name string) {
	rel, err := filepath.Rel(w.dir, name)
	if err != nil {
		return
	}
	ref := Bundled(filepath.ToSlash(rel))
	if err := w.loader.Evict(ref); err != nil {
		w.logger.Warn().Err(err).Str("model", ref.String()).Msg("Failed to evict cached model")
	}
	w.logger.Info().Str("model", ref.String()).Msg("Bundled model changed")
	if w.onChange != nil {
		w.onChange(ref)
	}
}
