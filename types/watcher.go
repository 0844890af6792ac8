package types

import "time"

type ChangeEvent struct {
	Path    string    `json:"path"`
	Pattern string    `json:"pattern"`
	Time    time.Time `json:"time"`
}

type WatchHandle interface {
	Close() error
}

// ChangeWatcher abstracts filesystem watching so invalidation logic stays
// portable and testable with a fake. Watch registers a callback for events
// under root matching pattern (doublestar glob, relative to root).
type ChangeWatcher interface {
	Watch(root, pattern string, onChange func(ChangeEvent)) (WatchHandle, error)
	Close() error
}
