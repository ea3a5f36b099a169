package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a configuration file when it changes.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	closed   chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// Watch calls onChange with the reparsed file every time path is written or
// replaced. Invalid revisions are logged and skipped; the last good
// configuration stays in effect. Watching stops when ctx ends or Close is
// called.
func Watch(ctx context.Context, path string, onChange func(*Config)) (*Watcher, error) {
	if onChange == nil {
		return nil, &Error{Type: ErrorTypeInvalid, Path: path, Message: "nil change callback"}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &Error{Type: ErrorTypeRead, Path: path, Message: err.Error()}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors and deploy tools replace files by rename.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		watcher:  watcher,
		onChange: onChange,
		closed:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop(ctx)
	return w, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Warnw("config reload failed, keeping previous configuration", "path", w.path, "error", err)
				continue
			}
			log.Infow("config reloaded", "path", w.path)
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnw("config watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) shutdown() {
	w.once.Do(func() {
		close(w.closed)
		_ = w.watcher.Close()
	})
}

// Close stops watching and waits for any in-progress reload.
func (w *Watcher) Close() error {
	w.shutdown()
	w.wg.Wait()
	return nil
}
