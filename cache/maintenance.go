package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devctx/contextcache/types"
)

// startMaintenance schedules the periodic background sweep. The cron spec
// comes from configuration; flushing of dirty entries runs on its own faster
// interval so a crash loses at most one flush window of writes.
func (c *Cache) startMaintenance() error {
	if _, err := c.cron.AddFunc(c.maintenanceSpec, func() {
		c.runMaintenance(c.ctx)
	}); err != nil {
		return types.WrapError(err, "maintenance schedule")
	}
	c.cron.Start()

	if c.flushInterval > 0 {
		go c.flushLoop()
	}
	return nil
}

func (c *Cache) flushLoop() {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.flushDirty(c.ctx)
		}
	}
}

// runMaintenance performs one full sweep: expire stale entries, persist
// dirty ones, flush learning buffers and re-check storage limits.
func (c *Cache) runMaintenance(ctx context.Context) {
	started := c.now()

	expired := c.sweepExpired()
	c.flushDirty(ctx)

	if c.recorder != nil {
		if err := c.recorder.Flush(); err != nil {
			c.logger.Warn("learning flush failed", zap.Error(err))
		}
	}

	c.enforceLimits(c.diskUsage(ctx))
	c.updateGauges(ctx)

	c.logger.Debug("maintenance sweep complete",
		zap.Int("expired", expired),
		zap.Duration("elapsed", time.Since(started)))
}

// sweepExpired proactively removes entries whose TTL or time_based rule has
// elapsed, so expired entries do not linger until the next lookup touches
// them. Victims are collected under the lock, removed from disk outside it.
func (c *Cache) sweepExpired() int {
	now := c.now()

	c.mu.Lock()
	var victims []*types.CacheEntry
	for _, entry := range c.entries {
		if entry.IsExpired(now) {
			victims = append(victims, entry)
		}
	}
	for _, entry := range victims {
		c.removeEntryLocked(entry)
	}
	c.mu.Unlock()

	for _, entry := range victims {
		c.releaseWatches(entry.Key)
		c.deleteFromStore(entry.Key)
		c.stats.recordExpiration(entry.Key)
		c.events.publish(types.EventExpire, entry.Key, "ttl elapsed")
	}
	return len(victims)
}

// flushDirty persists entries whose metadata changed since the last flush.
// Access metadata is persisted lazily here rather than on every hit, keeping
// the hot path free of disk writes.
func (c *Cache) flushDirty(ctx context.Context) {
	if c.store == nil {
		return
	}

	c.mu.Lock()
	if len(c.dirty) == 0 {
		c.mu.Unlock()
		return
	}
	batch := make([]*types.CacheEntry, 0, len(c.dirty))
	for key := range c.dirty {
		if entry, ok := c.entries[key]; ok {
			batch = append(batch, snapshotEntry(entry))
		}
		delete(c.dirty, key)
	}
	c.mu.Unlock()

	for _, entry := range batch {
		if err := c.store.Save(ctx, entry); err != nil {
			c.logger.Warn("entry persist failed",
				zap.String("key", entry.Key),
				zap.Error(err))
			c.markDirty(entry.Key)
		}
	}
}

func (c *Cache) markDirty(key string) {
	c.mu.Lock()
	c.dirty[key] = true
	c.mu.Unlock()
}

func (c *Cache) diskUsage(ctx context.Context) int64 {
	if c.store == nil {
		return 0
	}
	usage, err := c.store.Usage(ctx)
	if err != nil {
		c.logger.Warn("store usage check failed", zap.Error(err))
		return 0
	}
	return usage
}

func (c *Cache) updateGauges(ctx context.Context) {
	c.mu.RLock()
	entries := len(c.entries)
	memory := c.memoryUsage
	c.mu.RUnlock()

	c.metrics.Gauge("cache_entries", nil).Set(float64(entries))
	c.metrics.Gauge("cache_memory_bytes", nil).Set(float64(memory))
	c.metrics.Gauge("cache_disk_bytes", nil).Set(float64(c.diskUsage(ctx)))
}
