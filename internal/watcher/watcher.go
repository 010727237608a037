// Package watcher reports filesystem changes under a root directory, debounced.
package watcher

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 300 * time.Millisecond

// Watcher monitors a directory tree and calls onChange with the relative
// paths that changed once events settle.
type Watcher struct {
	root     string
	debounce time.Duration
	onChange func(paths []string)
	log      *slog.Logger
	watcher  *fsnotify.Watcher
}

// New creates a watcher for root.
func New(root string, debounce time.Duration, onChange func(paths []string), log *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Watcher{
		root:     root,
		debounce: debounce,
		onChange: onChange,
		log:      log,
		watcher:  w,
	}, nil
}

// Start watches until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	w.log.Debug("watching", "root", w.root)

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}

			rel := w.toRelPath(event.Name)
			if rel == "" {
				continue
			}
			pending[rel] = struct{}{}
			timer.Reset(w.debounce)

			// New directories need their own watch.
			if event.Has(fsnotify.Create) {
				_ = w.addRecursive(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "err", err)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			pending = make(map[string]struct{})
			w.log.Debug("changes settled", "paths", len(paths))
			w.onChange(paths)
		}
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Vanished between event and walk.
			return nil
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (w *Watcher) toRelPath(absPath string) string {
	rel, err := filepath.Rel(w.root, absPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}
