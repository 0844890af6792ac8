package cache

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/devctx/contextcache/types"
)

// access recency decays with a one-hour half-life so a heavily reused older
// entry can outlive a rarely-touched fresh one
const evictionHalfLife = time.Hour

// entryScore blends frequency and decayed recency; the lowest score is
// evicted first. Pure computation, called only inside the store lock.
func entryScore(entry *types.CacheEntry, now time.Time) float64 {
	age := now.Sub(entry.Metadata.LastAccessed)
	if age < 0 {
		age = 0
	}
	decay := math.Pow(0.5, float64(age)/float64(evictionHalfLife))
	return float64(1+entry.Metadata.AccessCount) * decay
}

// enforceLimits removes lowest-value entries until entry count, memory usage
// and disk usage are all back under their limits. The victim set is computed
// synchronously under the lock; disk records are removed after release, so a
// concurrent Get sees each entry fully present or fully absent.
func (c *Cache) enforceLimits(diskUsage int64) {
	now := c.now()

	c.mu.Lock()
	var victims []*types.CacheEntry
	for c.overLimitLocked(diskUsage) {
		victim := c.lowestScoreLocked(now)
		if victim == nil {
			break
		}
		c.removeEntryLocked(victim)
		victims = append(victims, victim)
		diskUsage -= victim.Metadata.Size
	}
	c.mu.Unlock()

	for _, victim := range victims {
		c.releaseWatches(victim.Key)
		c.deleteFromStore(victim.Key)
		c.stats.recordEviction(victim.Key)
		c.events.publish(types.EventEvict, victim.Key, "limit exceeded")
		c.logger.Debug("Entry evicted", zap.String("key", victim.Key))
	}
}

func (c *Cache) overLimitLocked(diskUsage int64) bool {
	if len(c.entries) == 0 {
		return false
	}

	cfg := c.config.Cache
	if len(c.entries) > cfg.MaxEntries {
		return true
	}
	if c.memoryUsage > cfg.MemoryLimit {
		return true
	}
	return diskUsage > cfg.DiskLimit
}

// lowestScoreLocked picks the eviction victim; score ties go to the oldest
// insertion sequence.
func (c *Cache) lowestScoreLocked(now time.Time) *types.CacheEntry {
	var victim *types.CacheEntry
	var victimScore float64

	for _, entry := range c.entries {
		score := entryScore(entry, now)
		if victim == nil || score < victimScore ||
			(score == victimScore && entry.Seq < victim.Seq) {
			victim = entry
			victimScore = score
		}
	}

	return victim
}
