package loader

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/lo"
)

const debounceInterval = 300 * time.Millisecond

// Watcher monitors the working directory for changes to image files and
// delivers debounced batches of changed keys.
type Watcher struct {
	watcher *fsnotify.Watcher
	batches chan []Key

	mu  sync.Mutex
	dir string
}

// NewWatcher creates a watcher with nothing watched yet.
func NewWatcher() (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher: w,
		batches: make(chan []Key, 8),
	}, nil
}

// Watch replaces the watched directory with dir.
func (w *Watcher) Watch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if dir == w.dir {
		return nil
	}
	if w.dir != "" {
		w.watcher.Remove(w.dir) //nolint:errcheck
	}
	if err := w.watcher.Add(dir); err != nil {
		w.dir = ""
		return err
	}
	w.dir = dir
	sub("watcher").Info("watching", "dir", dir)
	return nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dir
}

// Batches delivers sets of changed keys, one batch per quiet period.
func (w *Watcher) Batches() <-chan []Key {
	return w.batches
}

// Start debounces filesystem events until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	l := sub("watcher")

	pending := make(map[Key]struct{})
	timer := time.NewTimer(debounceInterval)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			base := filepath.Base(event.Name)
			if strings.HasPrefix(base, ".") || !IsSupported(base) {
				continue
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(event.Name) != w.Dir() {
				continue
			}
			pending[Key(event.Name)] = struct{}{}
			timer.Reset(debounceInterval)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			l.Warn("watch error", "err", err)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			keys := lo.Keys(pending)
			pending = make(map[Key]struct{})
			select {
			case w.batches <- keys:
				l.Debug("flushed", "count", len(keys))
			default:
				l.Warn("batch dropped, consumer behind", "count", len(keys))
			}
		}
	}
}

// Close closes the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
