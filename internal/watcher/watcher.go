// Package watcher reloads configuration on file change so routing rules,
// backend definitions, and credential files take effect without a restart.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// debounce collapses editor write bursts into one reload.
const debounce = 500 * time.Millisecond

// Watcher invokes a callback whenever one of the watched paths changes.
type Watcher struct {
	fs       *fsnotify.Watcher
	watched  map[string]bool
	onChange func(path string)

	mu          sync.Mutex
	pending     *time.Timer
	pendingPath string
}

// New builds a watcher over the given files. Each file's parent directory
// is watched so create/rename (the atomic-save pattern) is seen too; empty
// paths are skipped.
func New(onChange func(path string), paths ...string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{fs: fs, watched: make(map[string]bool), onChange: onChange}
	dirs := make(map[string]bool)
	for _, path := range paths {
		if path == "" {
			continue
		}
		w.watched[filepath.Clean(path)] = true
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := fs.Add(dir); err != nil {
			log.Warnf("watcher: cannot watch %s: %v", dir, err)
		}
	}
	return w, nil
}

// Run processes events until the context ends.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				w.schedule(event.Name)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warnf("watcher: %v", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return w.watched[filepath.Clean(event.Name)]
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pendingPath = path
	if w.pending == nil {
		w.pending = time.AfterFunc(debounce, w.fire)
		return
	}
	w.pending.Reset(debounce)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	path := w.pendingPath
	w.pending = nil
	w.mu.Unlock()
	w.onChange(path)
}
