package watcher

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/devctx/contextcache/types"
)

// Fake is an in-memory ChangeWatcher for tests. Trigger simulates a
// filesystem event for a path and fires every matching subscription
// synchronously.
type Fake struct {
	mu     sync.Mutex
	subs   map[int64]*subscription
	nextID int64
	closed bool
}

func NewFake() *Fake {
	return &Fake{subs: make(map[int64]*subscription)}
}

func (f *Fake) Watch(root, pattern string, onChange func(types.ChangeEvent)) (types.WatchHandle, error) {
	if pattern == "" {
		return nil, types.ErrRulePatternEmpty
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, types.ErrWatcherClosed
	}

	f.nextID++
	sub := &subscription{
		id:       f.nextID,
		root:     root,
		pattern:  pattern,
		onChange: onChange,
	}
	f.subs[sub.id] = sub

	return &fakeHandle{fake: f, id: sub.id}, nil
}

// Trigger fires subscriptions whose pattern matches path relative to their
// root. Returns the number of subscriptions notified.
func (f *Fake) Trigger(path string) int {
	f.mu.Lock()
	matched := make([]*subscription, 0, 2)
	for _, sub := range f.subs {
		rel := path
		if sub.root != "" {
			if r, err := filepath.Rel(sub.root, path); err == nil {
				rel = r
			}
		}
		if ok, _ := doublestar.Match(sub.pattern, filepath.ToSlash(rel)); ok {
			matched = append(matched, sub)
		}
	}
	f.mu.Unlock()

	now := time.Now()
	for _, sub := range matched {
		sub.onChange(types.ChangeEvent{Path: path, Pattern: sub.pattern, Time: now})
	}
	return len(matched)
}

// ActiveWatches reports the number of live subscriptions.
func (f *Fake) ActiveWatches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.subs = make(map[int64]*subscription)
	return nil
}

type fakeHandle struct {
	fake *Fake
	id   int64
	once sync.Once
}

func (h *fakeHandle) Close() error {
	h.once.Do(func() {
		h.fake.mu.Lock()
		delete(h.fake.subs, h.id)
		h.fake.mu.Unlock()
	})
	return nil
}
