package config

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the Loader when its config file changes on disk.
// Editors often replace files by rename, so the parent directory is
// watched and events are filtered to the config file itself.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	loader    *Loader
	callbacks []func(*Config)
	mu        sync.Mutex // protects callbacks slice
	done      chan struct{}
	logger    *slog.Logger
}

// NewWatcher creates a Watcher for the file the Loader last loaded.
// Call Start to begin processing events.
func NewWatcher(loader *Loader, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		fsWatcher: fsw,
		loader:    loader,
		done:      make(chan struct{}),
		logger:    logger.With("component", "config.Watcher"),
	}

	if err := fsw.Add(filepath.Dir(loader.FilePath())); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// OnReload registers a callback invoked with the new config after each
// successful reload. Callbacks run on the watcher goroutine.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop shuts down the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name != w.loader.FilePath() {
		return
	}
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
		return
	}

	if err := w.loader.Reload(); err != nil {
		// Keep the previous config; a broken edit must not disturb
		// active tracing.
		w.logger.Warn("config reload failed, keeping previous settings",
			"path", event.Name,
			"error", err,
		)
		return
	}

	cfg := w.loader.Get()
	w.logger.Info("config reloaded",
		"path", event.Name,
		"trace_level", cfg.TraceLevel,
	)

	w.mu.Lock()
	cbs := make([]func(*Config), len(w.callbacks))
	copy(cbs, w.callbacks)
	w.mu.Unlock()

	for _, fn := range cbs {
		fn(cfg)
	}
}
