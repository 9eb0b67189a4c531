package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hemsd/hemsd/infra/logger"
)

// Event carries the result of a configuration reload.
type Event struct {
	Config *Config
	Err    error
}

// Watcher reloads the configuration file whenever it changes on disk.
// Editors often replace files via rename, so the parent directory is watched
// and events are filtered down to the configured file.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	events   chan Event
	debounce time.Duration
	log      logger.Logger
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	return &Watcher{
		path:     abs,
		watcher:  fsWatcher,
		events:   make(chan Event, 4),
		debounce: 200 * time.Millisecond,
		log:      logger.New("config_watcher"),
	}, nil
}

// Events returns the channel receiving reload results.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start begins watching until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	go w.run(ctx)
	return nil
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	var pending *time.Time
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				now := time.Now()
				pending = &now
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.emit(ctx, Event{Err: err})

		case <-ticker.C:
			if pending == nil || time.Since(*pending) < w.debounce {
				continue
			}
			pending = nil
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Errorf("reload %s: %v", w.path, err)
				w.emit(ctx, Event{Err: fmt.Errorf("reload %s: %w", w.path, err)})
				continue
			}
			w.log.Infof("configuration reloaded from %s", w.path)
			w.emit(ctx, Event{Config: cfg})
		}
	}
}

func (w *Watcher) emit(ctx context.Context, ev Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}
