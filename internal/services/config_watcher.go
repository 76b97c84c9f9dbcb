package services

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Reloader re-reads configuration on request.
type Reloader interface {
	Reload(explicit bool) error
}

// ConfigWatcher reloads the tunnel configuration when its file changes on disk. The parent
// directory is watched so editors that replace the file by rename are picked up too.
type ConfigWatcher struct {
	Path     string
	Debounce time.Duration
	Target   Reloader
	Logger   zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewConfigWatcher creates a watcher for path that calls target.Reload(false).
func NewConfigWatcher(path string, target Reloader, logger zerolog.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		Path:     path,
		Debounce: 250 * time.Millisecond,
		Target:   target,
		Logger:   logger,
	}
}

// Start begins watching.
func (w *ConfigWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return errors.New("config watcher is already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	path, err := filepath.Abs(w.Path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	w.watcher = watcher
	w.done = make(chan struct{})
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(watcher, path, w.done)
	}()

	w.Logger.Info().Str("path", path).Msg("ConfigWatcher started successfully")
	return nil
}

// Stop ends watching.
func (w *ConfigWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return errors.New("config watcher is not running")
	}
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	w.watcher = nil

	w.Logger.Info().Msg("ConfigWatcher stopped successfully")
	return err
}

func (w *ConfigWatcher) run(watcher *fsnotify.Watcher, path string, done <-chan struct{}) {
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.Debounce, w.reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.Logger.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *ConfigWatcher) reload() {
	if err := w.Target.Reload(false); err != nil {
		w.Logger.Error().Err(err).Str("path", w.Path).Msg("Failed to reload tunnel configuration")
		return
	}
	w.Logger.Info().Str("path", w.Path).Msg("Tunnel configuration reloaded")
}
