package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/logger"
)

// ReloadCallback receives the freshly loaded config after a file change.
type ReloadCallback func(*Config) error

// Watcher reloads configuration when the watched file changes. Callbacks
// apply the tunables that are safe to change live (planner scan cadence);
// everything else requires a restart.
type Watcher struct {
	path      string
	watcher   *fsnotify.Watcher
	mu        sync.Mutex
	callbacks []ReloadCallback
	debounce  *time.Timer
	done      chan struct{}
}

// NewWatcher watches path for writes. Callers must Start it.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating fsnotify watcher")
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "watching %s", path)
	}
	return &Watcher{
		path:    path,
		watcher: fsw,
		done:    make(chan struct{}),
	}, nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop closes the watcher.
func (w *Watcher) Stop() {
	close(w.done)
	w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Editors fire bursts of events; debounce before reloading.
			w.mu.Lock()
			if w.debounce != nil {
				w.debounce.Stop()
			}
			w.debounce = time.AfterFunc(500*time.Millisecond, w.reload)
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Reload()
	if err != nil {
		logger.Errorw("Config reload failed, keeping previous configuration",
			"path", w.path,
			"error", err)
		return
	}

	logger.Infow("Configuration reloaded", "path", w.path)

	w.mu.Lock()
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			logger.Errorw("Config reload callback failed", "error", err)
		}
	}
}
