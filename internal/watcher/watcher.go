// Package watcher triggers a callback when watched files change.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"communityhub/internal/logging"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce collapses bursts of writes from editors
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches files for changes
type Watcher struct {
	files    map[string]bool
	onChange func(path string)
	debounce time.Duration
	logger   *zap.Logger
}

// Options configures a Watcher
type Options struct {
	Logger   *zap.Logger
	Debounce time.Duration
}

// New creates a watcher calling onChange with the absolute path of a changed
// file. Paths that cannot be resolved are skipped.
func New(paths []string, onChange func(path string), opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	w := &Watcher{
		files:    make(map[string]bool),
		onChange: onChange,
		debounce: opts.Debounce,
		logger:   logging.OrNop(opts.Logger),
	}
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			w.files[abs] = true
		}
	}
	return w
}

// Watch blocks until the context is cancelled or the watcher fails to start
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch directories so replaced files (editor saves) keep being seen
	dirs := make(map[string]bool)
	for path := range w.files {
		dir := filepath.Dir(path)
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			return err
		}
		dirs[dir] = true
		w.logger.Info("watching for changes", zap.String("path", path))
	}

	var mu sync.Mutex
	timers := make(map[string]*time.Timer)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			path, err := filepath.Abs(event.Name)
			if err != nil || !w.files[path] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			mu.Lock()
			if t, exists := timers[path]; exists {
				t.Stop()
			}
			timers[path] = time.AfterFunc(w.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				w.logger.Info("file changed", zap.String("path", path))
				w.onChange(path)
			})
			mu.Unlock()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
