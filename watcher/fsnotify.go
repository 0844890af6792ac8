package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/devctx/contextcache/types"
)

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".idea":        true,
	"dist":         true,
	"build":        true,
}

type subscription struct {
	id       int64
	root     string
	pattern  string
	onChange func(types.ChangeEvent)

	// dirs holds every directory this subscription pinned into the
	// fsnotify watch set, so closing the handle can release them.
	dirs []string
}

// FSWatcher implements types.ChangeWatcher on top of fsnotify. fsnotify
// watches single directories, so Watch walks the subscription root and
// registers every directory under it; events are matched against each
// subscription's glob relative to its root.
type FSWatcher struct {
	logger types.Logger
	fw     *fsnotify.Watcher
	mu     sync.Mutex
	subs   map[int64]*subscription
	dirs   map[string]int
	nextID int64
	done   chan struct{}
	closed bool
}

func New(logger types.Logger) (*FSWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, types.WrapError(err, "failed to create fsnotify watcher")
	}

	w := &FSWatcher{
		logger: logger,
		fw:     fw,
		subs:   make(map[int64]*subscription),
		dirs:   make(map[string]int),
		done:   make(chan struct{}),
	}

	go w.loop()

	return w, nil
}

func (w *FSWatcher) Watch(root, pattern string, onChange func(types.ChangeEvent)) (types.WatchHandle, error) {
	if pattern == "" {
		return nil, types.ErrRulePatternEmpty
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, types.Errorf(types.ErrWatchSetupFailed, "invalid pattern: %s", pattern)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, types.WrapError(err, "failed to resolve watch root")
	}

	if _, err := os.Stat(absRoot); err != nil {
		return nil, types.Errorf(types.ErrWatchSetupFailed, "root not accessible: %s", absRoot)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, types.ErrWatcherClosed
	}

	w.nextID++
	sub := &subscription{
		id:       w.nextID,
		root:     absRoot,
		pattern:  pattern,
		onChange: onChange,
	}
	if err := w.addDirTreeLocked(sub, absRoot); err != nil {
		return nil, err
	}
	w.subs[sub.id] = sub

	w.logger.Debug("Watch registered",
		zap.String("root", absRoot),
		zap.String("pattern", pattern))

	return &fsHandle{watcher: w, id: sub.id}, nil
}

func (w *FSWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.subs = make(map[int64]*subscription)
	w.mu.Unlock()

	err := w.fw.Close()
	<-w.done
	return err
}

func (w *FSWatcher) loop() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.dispatch(event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (w *FSWatcher) dispatch(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	// New directories join the watch set so nested creates keep firing.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.mu.Lock()
			if !w.closed {
				for _, sub := range w.subs {
					if rel, err := filepath.Rel(sub.root, event.Name); err == nil &&
						rel != ".." && !filepath.IsAbs(rel) {
						_ = w.addDirTreeLocked(sub, event.Name)
					}
				}
			}
			w.mu.Unlock()
		}
	}

	w.mu.Lock()
	matched := make([]*subscription, 0, 2)
	for _, sub := range w.subs {
		rel, err := filepath.Rel(sub.root, event.Name)
		if err != nil || rel == ".." || filepath.IsAbs(rel) {
			continue
		}
		if ok, _ := doublestar.Match(sub.pattern, filepath.ToSlash(rel)); ok {
			matched = append(matched, sub)
		}
	}
	w.mu.Unlock()

	now := time.Now()
	for _, sub := range matched {
		sub.onChange(types.ChangeEvent{
			Path:    event.Name,
			Pattern: sub.pattern,
			Time:    now,
		})
	}
}

func (w *FSWatcher) addDirTreeLocked(sub *subscription, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if skipDirs[d.Name()] && path != root {
			return filepath.SkipDir
		}

		if w.dirs[path] == 0 {
			if err := w.fw.Add(path); err != nil {
				w.logger.Debug("Failed to watch directory",
					zap.String("dir", path), zap.Error(err))
				return nil
			}
		}
		w.dirs[path]++
		sub.dirs = append(sub.dirs, path)
		return nil
	})
}

func (w *FSWatcher) releaseDirsLocked(sub *subscription) {
	for _, dir := range sub.dirs {
		w.dirs[dir]--
		if w.dirs[dir] > 0 {
			continue
		}
		delete(w.dirs, dir)
		_ = w.fw.Remove(dir)
	}
	sub.dirs = nil
}

type fsHandle struct {
	watcher *FSWatcher
	id      int64
	once    sync.Once
}

func (h *fsHandle) Close() error {
	h.once.Do(func() {
		h.watcher.mu.Lock()
		if sub, ok := h.watcher.subs[h.id]; ok {
			delete(h.watcher.subs, h.id)
			if !h.watcher.closed {
				h.watcher.releaseDirsLocked(sub)
			}
		}
		h.watcher.mu.Unlock()
	})
	return nil
}
