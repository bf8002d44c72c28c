// Package watcher reloads configuration files when they change on disk.
package watcher

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a file must be quiet before it is reloaded.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc is called with the changed file's path.
type ReloadFunc func(path string) error

// Watcher monitors individual files for changes. It watches each file's
// directory so that editors replacing the file by rename are seen too.
type Watcher struct {
	mu        sync.Mutex
	fsWatcher *fsnotify.Watcher
	files     map[string]ReloadFunc // cleaned absolute path → callback
	dirs      map[string]bool
	timers    map[string]*time.Timer
	debounce  time.Duration
	logger    *slog.Logger

	cancel    chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
}

// New creates a watcher and starts its event loop.
func New(debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		fsWatcher: fsW,
		files:     make(map[string]ReloadFunc),
		dirs:      make(map[string]bool),
		timers:    make(map[string]*time.Timer),
		debounce:  debounce,
		logger:    logger,
		cancel:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// Watch calls reload whenever the file at path is written or replaced.
func (w *Watcher) Watch(path string, reload ReloadFunc) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.dirs[dir] {
		if err := w.fsWatcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	w.files[abs] = reload
	return nil
}

// Unwatch stops reloading path. The directory stays watched.
func (w *Watcher) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.files, abs)
	if t, ok := w.timers[abs]; ok {
		t.Stop()
		delete(w.timers, abs)
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop() {
	defer close(w.loopDone)

	for {
		select {
		case <-w.cancel:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule(filepath.Clean(event.Name))

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "err", err)
		}
	}
}

// schedule (re)starts the debounce timer for path if it is watched.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.files[path]; !ok {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.reload(path)
	})
}

func (w *Watcher) reload(path string) {
	w.mu.Lock()
	fn, ok := w.files[path]
	delete(w.timers, path)
	w.mu.Unlock()

	if !ok {
		return
	}
	if err := fn(path); err != nil {
		w.logger.Error("reload failed", "path", path, "err", err)
		return
	}
	w.logger.Info("reloaded", "path", path)
}

// Close stops the watcher. Pending reloads are dropped.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.cancel)
		err = w.fsWatcher.Close()
		<-w.loopDone

		w.mu.Lock()
		for path, t := range w.timers {
			t.Stop()
			delete(w.timers, path)
		}
		w.files = make(map[string]ReloadFunc)
		w.mu.Unlock()
	})
	return err
}
