// Package configwatch watches the fabric connection configuration file and
// invokes a callback when it changes. The monitor uses it to force the
// shared service connection to reconnect with fresh settings.
package configwatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceWindow = 500 * time.Millisecond

// Watcher observes one file for writes, creates, and renames. Editors often
// replace files rather than writing in place, so the watch is placed on the
// parent directory and filtered by name.
type Watcher struct {
	path     string
	onChange func()
	log      *slog.Logger
	fsw      *fsnotify.Watcher
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the watcher's logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Watcher) { w.log = log }
}

// New creates a Watcher for path. onChange is invoked at most once per
// debounce window, from the watcher's own goroutine.
func New(path string, onChange func(), opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &Watcher{path: path, onChange: onChange, log: slog.Default(), fsw: fsw}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run consumes watch events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	name := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, func() {
				w.log.Info("configwatch.changed", slog.String("path", w.path))
				w.onChange()
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Debug("configwatch.error", slog.String("err", err.Error()))
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
