package trust

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher refreshes a Store when its backing file changes on disk.
// Editors and external tooling often write via rename, so the parent
// directory is watched rather than the file itself. Rapid change bursts
// are debounced before reloading.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	logger   *zap.SugaredLogger
	debounce time.Duration
	done     chan struct{}
}

// NewWatcher starts watching the store's trust file. Close() stops it.
func NewWatcher(store *Store, logger *zap.SugaredLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(store.path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		store:    store,
		watcher:  fsw,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	target := filepath.Clean(w.store.path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.store.Reload(); err != nil {
				w.logger.Warnw("Trust file changed but reload failed",
					"path", w.store.path,
					"error", err,
				)
				continue
			}
			w.logger.Infow("Trust policy refreshed from file change", "path", w.store.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Trust file watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
