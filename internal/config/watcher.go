package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher holds the live configuration and reloads it when the file
// changes on disk. Published configs are never mutated after a swap, so
// a snapshot stays valid for the lifetime of the request that took it.
type Watcher struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]

	onReload []func(*Config)

	watcher       *fsnotify.Watcher
	watchMu       sync.Mutex
	watchWg       sync.WaitGroup
	watchCancel   context.CancelFunc
	watchDebounce time.Duration
}

// NewWatcher loads the configuration at path and returns a watcher
// primed with it. Watching does not start until Start is called.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		path:          path,
		logger:        logger.With("component", "config"),
		watchDebounce: 250 * time.Millisecond,
	}
	w.current.Store(cfg)
	return w, nil
}

// Snapshot returns the current configuration. The caller must treat it
// as read-only; reloads swap in a fresh pointer instead of mutating.
func (w *Watcher) Snapshot() *Config {
	return w.current.Load()
}

// OnReload registers fn to run after each successful reload. Must be
// called before Start.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.onReload = append(w.onReload, fn)
}

// Start begins watching the config file for changes. The parent
// directory is watched rather than the file itself so that
// rename-replace saves keep triggering events.
func (w *Watcher) Start(ctx context.Context) error {
	w.watchMu.Lock()
	if w.watcher != nil {
		w.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.watchMu.Unlock()
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		w.watchMu.Unlock()
		return err
	}
	w.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	w.watchCancel = cancel
	debounce := w.watchDebounce
	w.watchMu.Unlock()

	w.watchWg.Add(1)
	go w.watchLoop(watchCtx, debounce)
	return nil
}

// Close stops watching. The last loaded configuration stays available
// through Snapshot.
func (w *Watcher) Close() error {
	w.watchMu.Lock()
	if w.watchCancel != nil {
		w.watchCancel()
		w.watchCancel = nil
	}
	watcher := w.watcher
	w.watcher = nil
	w.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	w.watchWg.Wait()
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context, debounce time.Duration) {
	defer w.watchWg.Done()
	w.watchMu.Lock()
	watcher := w.watcher
	w.watchMu.Unlock()
	if watcher == nil {
		return
	}

	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	target := filepath.Clean(w.path)

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, w.reload)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

// reload parses the file and swaps the current pointer. A config that
// fails to load leaves the previous one in place.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous", "path", w.path, "error", err)
		return
	}
	w.current.Store(cfg)
	w.logger.Info("config reloaded", "path", w.path)
	for _, fn := range w.onReload {
		fn(cfg)
	}
}
