package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Event is one observed change to a watched worktree.
type Event struct {
	Path string // tree-relative
	Op   string // created, modified, removed, renamed
}

// Watcher reports filesystem changes under a worktree root as they
// happen. New directories are added to the watch set automatically.
type Watcher struct {
	tree    *WorkTree
	watcher *fsnotify.Watcher
	events  chan Event
	logger  *zap.Logger
}

// NewWatcher starts watching every directory under the worktree root
// except ignored ones.
func NewWatcher(wt *WorkTree, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		tree:    wt,
		watcher: fsw,
		events:  make(chan Event, 64),
		logger:  logger,
	}

	if err := w.addWatches(); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("initializing watches: %w", err)
	}

	go w.watchLoop()

	return w, nil
}

func (w *Watcher) addWatches() error {
	return filepath.Walk(w.tree.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != w.tree.Root && ignoredDirs[info.Name()] {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// Events delivers observed changes. The channel is closed when the
// watcher is closed.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) watchLoop() {
	defer close(w.events)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	relPath, err := filepath.Rel(w.tree.Root, event.Name)
	if err != nil {
		w.logger.Error("getting relative path", zap.Error(err))
		return
	}
	relPath = filepath.ToSlash(relPath)

	if w.shouldIgnore(relPath) {
		return
	}

	var op string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		// New directories need watching too.
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Error("adding new directory to watcher", zap.Error(err))
			}
		}
		op = "created"
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		op = "removed"
	case event.Op&fsnotify.Write == fsnotify.Write:
		op = "modified"
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		op = "renamed"
	default:
		return
	}

	select {
	case w.events <- Event{Path: relPath, Op: op}:
	default:
		w.logger.Debug("dropping event, consumer too slow", zap.String("path", relPath))
	}
}

func (w *Watcher) shouldIgnore(relPath string) bool {
	if relPath == "" || relPath == "." {
		return true
	}
	for _, part := range strings.Split(relPath, "/") {
		if ignoredDirs[part] {
			return true
		}
	}
	return shouldIgnoreFile(filepath.Base(relPath))
}

// Close stops watching and closes the event channel.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
