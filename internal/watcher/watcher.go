// Package watcher monitors the capture database file so reader processes
// can react to appends (live feed) and to the file being deleted.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher watches a database file through its parent directory (fsnotify
// cannot watch files that may not exist yet). Change events are debounced:
// a burst of appends produces one callback.
type Watcher struct {
	watcher    *fsnotify.Watcher
	onChange   func()
	onDelete   func()
	ctx        context.Context
	cancel     context.CancelFunc
	targetPath string
	parentPath string
	debounce   time.Duration
	mu         sync.Mutex
	running    bool
}

// New creates a watcher for the given database file. Either callback may
// be nil.
func New(targetPath string, onChange, onDelete func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		targetPath: filepath.Clean(targetPath),
		parentPath: filepath.Dir(targetPath),
		onChange:   onChange,
		onDelete:   onDelete,
		watcher:    fsw,
		ctx:        ctx,
		cancel:     cancel,
		debounce:   200 * time.Millisecond,
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addWatch(); err != nil {
		log.Warn().Err(err).Str("path", w.parentPath).Msg("Failed to add initial watch")
	}

	go w.watchLoop()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	w.cancel()
	return w.watcher.Close()
}

func (w *Watcher) addWatch() error {
	if _, err := os.Stat(w.parentPath); os.IsNotExist(err) {
		return err
	}
	return w.watcher.Add(w.parentPath)
}

// isTargetEvent matches the database file and its WAL sidecars, since in
// WAL mode appends land in <db>-wal before a checkpoint.
func (w *Watcher) isTargetEvent(name string) bool {
	clean := filepath.Clean(name)
	return clean == w.targetPath ||
		clean == w.targetPath+"-wal" ||
		clean == w.targetPath+"-shm"
}

func (w *Watcher) watchLoop() {
	var changeTimer *time.Timer

	for {
		select {
		case <-w.ctx.Done():
			if changeTimer != nil {
				changeTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Parent recreated: re-establish the watch.
			if filepath.Clean(event.Name) == w.parentPath && event.Op&fsnotify.Create != 0 {
				_ = w.addWatch()
				continue
			}
			if !w.isTargetEvent(event.Name) {
				continue
			}

			if event.Op&fsnotify.Remove != 0 && filepath.Clean(event.Name) == w.targetPath {
				log.Warn().Str("path", w.targetPath).Msg("Capture database deleted")
				if w.onDelete != nil {
					w.onDelete()
				}
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && w.onChange != nil {
				if changeTimer != nil {
					changeTimer.Stop()
				}
				changeTimer = time.AfterFunc(w.debounce, w.onChange)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}
