package cache

import (
	"go.uber.org/zap"

	"github.com/devctx/contextcache/types"
)

// dependency_update rules without an explicit pattern watch the common
// dependency manifests, conservatively firing on any write.
var defaultManifestPatterns = []string{
	"package.json",
	"go.mod",
	"go.sum",
	"requirements.txt",
	"Cargo.toml",
}

type watchRef struct {
	handle types.WatchHandle
	keys   map[string]bool
}

// registerRuleWatches attaches filesystem watches for file_change and
// dependency_update rules. Watch setup may block on I/O, so it runs outside
// the store lock; a failed setup degrades that rule to time-based behavior
// only. Watches are deduplicated per (root, pattern), shared across entries.
func (c *Cache) registerRuleWatches(key string, meta *types.EntryMetadata, rules []types.InvalidationRule) {
	if c.watcher == nil || len(rules) == 0 {
		return
	}

	root := meta.ProjectPath
	if root == "" {
		root = "."
	}

	for i := range rules {
		rule := &rules[i]
		switch rule.Type {
		case types.RuleFileChange:
			if rule.Pattern == "" {
				c.logger.Warn("file_change rule without pattern ignored",
					zap.String("key", key))
				continue
			}
			c.addWatch(key, root, rule.Pattern)
		case types.RuleDependencyUpdate:
			if rule.Pattern != "" {
				c.addWatch(key, root, rule.Pattern)
				continue
			}
			for _, pattern := range defaultManifestPatterns {
				c.addWatch(key, root, pattern)
			}
		}
	}
}

func (c *Cache) addWatch(key, root, pattern string) {
	watchKey := root + "\x00" + pattern

	c.watchMu.Lock()
	if ref, ok := c.watches[watchKey]; ok {
		ref.keys[key] = true
		c.watchMu.Unlock()
		return
	}
	c.watchMu.Unlock()

	handle, err := c.watcher.Watch(root, pattern, func(event types.ChangeEvent) {
		c.onWatchEvent(watchKey, event)
	})
	if err != nil {
		// Degraded, not fatal: the entry still expires through its TTL.
		c.logger.Warn("Watch setup failed, falling back to time-based invalidation",
			zap.String("key", key),
			zap.String("pattern", pattern),
			zap.Error(err))
		return
	}

	c.watchMu.Lock()
	if ref, ok := c.watches[watchKey]; ok {
		ref.keys[key] = true
		c.watchMu.Unlock()
		_ = handle.Close()
		return
	}
	c.watches[watchKey] = &watchRef{
		handle: handle,
		keys:   map[string]bool{key: true},
	}
	c.watchMu.Unlock()
}

// onWatchEvent invalidates every entry referencing the fired watch. Not
// debounced: the next Get after an event is guaranteed to miss.
func (c *Cache) onWatchEvent(watchKey string, event types.ChangeEvent) {
	c.watchMu.Lock()
	ref, ok := c.watches[watchKey]
	var keys []string
	if ok {
		keys = make([]string, 0, len(ref.keys))
		for key := range ref.keys {
			keys = append(keys, key)
		}
	}
	c.watchMu.Unlock()

	for _, key := range keys {
		c.invalidateKey(key, "changed: "+event.Path)
	}
}

// releaseWatches drops key from every watch reference; a handle closes once
// its last referencing entry is gone.
func (c *Cache) releaseWatches(key string) {
	c.watchMu.Lock()
	var toClose []types.WatchHandle
	for watchKey, ref := range c.watches {
		if !ref.keys[key] {
			continue
		}
		delete(ref.keys, key)
		if len(ref.keys) == 0 {
			toClose = append(toClose, ref.handle)
			delete(c.watches, watchKey)
		}
	}
	c.watchMu.Unlock()

	for _, handle := range toClose {
		_ = handle.Close()
	}
}

func (c *Cache) closeAllWatches() {
	c.watchMu.Lock()
	handles := make([]types.WatchHandle, 0, len(c.watches))
	for watchKey, ref := range c.watches {
		handles = append(handles, ref.handle)
		delete(c.watches, watchKey)
	}
	c.watchMu.Unlock()

	for _, handle := range handles {
		_ = handle.Close()
	}
}

// invalidateKey removes the entry from both tiers. The memory removal is the
// synchronous critical section; the disk removal follows outside the lock so
// a concurrent Get sees the entry fully present or fully absent.
func (c *Cache) invalidateKey(key, reason string) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		c.removeEntryLocked(entry)
	}
	c.mu.Unlock()

	c.releaseWatches(key)
	c.deleteFromStore(key)

	if ok || c.store != nil {
		c.stats.recordInvalidation(key)
		c.events.publish(types.EventInvalidate, key, reason)
	}
}
