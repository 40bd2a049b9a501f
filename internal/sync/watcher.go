package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a pairing's local root and fires a trigger once the
// filesystem has been quiet for the debounce interval. The trigger
// typically starts a sync run; rapid bursts of writes collapse into a
// single run.
type Watcher struct {
	root     string
	debounce time.Duration
	trigger  func()
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

func NewWatcher(root string, debounce time.Duration, trigger func(), logger *slog.Logger) *Watcher {
	return &Watcher{
		root:     root,
		debounce: debounce,
		trigger:  trigger,
		logger:   logger,
	}
}

// Watch blocks until the context is cancelled. Directories are watched
// recursively; directories created while watching are picked up from
// their create events.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	if err := w.addRecursive(w.root); err != nil {
		return fmt.Errorf("watching %s: %w", w.root, err)
	}

	w.logger.Info("file watcher started", slog.String("dir", w.root))

	// Debounce: collapse event bursts into one trigger after a quiet
	// period.
	var (
		dirty     bool
		lastEvent time.Time
	)

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if w.shouldIgnore(event.Name) {
				continue
			}

			dirty = true
			lastEvent = time.Now()

			// If a new directory was created, watch it recursively.
			// Use Lstat to avoid following symlinks that could point
			// outside the sync root.
			if event.Has(fsnotify.Create) {
				info, err := os.Lstat(event.Name)
				if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
					_ = w.addRecursive(event.Name)
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// Remove watch for deleted directories. On Linux inotify
				// handles this automatically, but other platforms may leak.
				_ = watcher.Remove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if dirty && time.Since(lastEvent) >= w.debounce {
				dirty = false

				w.logger.Debug("change detected, triggering sync", slog.String("dir", w.root))
				w.trigger()
			}
		}
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if w.shouldIgnore(path) {
			return filepath.SkipDir
		}

		// Skip symlinked directories to prevent watching outside the
		// sync root.
		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		return w.watcher.Add(path)
	})
}

func (w *Watcher) shouldIgnore(path string) bool {
	if path == w.root {
		return false
	}

	base := filepath.Base(path)

	if strings.HasPrefix(base, ".") {
		return true
	}

	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return true
	}

	return false
}
