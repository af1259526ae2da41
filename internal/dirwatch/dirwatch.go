// Package dirwatch watches a peer's download directory so files dropped
// in after login are auto-announced without waiting for the next
// restart.
package dirwatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/peernet/peernet/internal/logging"
)

// AnnounceFunc is called, debounced, for each path that settled after a
// create/write event.
type AnnounceFunc func(path string)

// Watcher monitors a download directory and debounces filesystem events
// before triggering an announce, mirroring the teacher's package-change
// debounce pattern.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	announce  AnnounceFunc
	debounce  time.Duration
	log       *logging.Logger

	mu      sync.Mutex
	pending map[string]time.Time

	stop chan struct{}
}

// New creates a Watcher over dir. debounce bounds how long a file must
// sit unchanged before it is announced (avoids announcing a
// still-being-written file).
func New(dir string, debounce time.Duration, announce AnnounceFunc, log *logging.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("dirwatch: failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsWatcher: fsWatcher,
		dir:       dir,
		announce:  announce,
		debounce:  debounce,
		log:       log,
		pending:   make(map[string]time.Time),
		stop:      make(chan struct{}),
	}, nil
}

// Start begins watching the directory.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.dir); err != nil {
		return fmt.Errorf("dirwatch: failed to watch %s: %w", w.dir, err)
	}
	w.log.Printf("watching download directory %s", w.dir)

	go w.processEvents()
	go w.processPending()
	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	close(w.stop)
	w.fsWatcher.Close()
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Printf("watcher error: %v", err)
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) processPending() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.checkPending()
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) checkPending() {
	now := time.Now()
	w.mu.Lock()
	var ready []string
	for path, seen := range w.pending {
		if now.Sub(seen) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.announce(path)
	}
}
