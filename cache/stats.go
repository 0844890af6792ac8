package cache

import (
	"sync"
	"time"

	"github.com/devctx/contextcache/types"
)

const activityLogSize = 50

var getDurationBuckets = []float64{0.0001, 0.001, 0.01, 0.1, 1.0}

// statsCollector owns the hit/miss counters and the bounded recent-activity
// log, and forwards operation outcomes to the metrics manager.
type statsCollector struct {
	metrics types.MetricsManager

	mu            sync.Mutex
	hits          uint64
	misses        uint64
	simHits       uint64
	invalidations uint64
	evictions     uint64
	expirations   uint64
	getCount      uint64
	getDuration   time.Duration
	activity      []types.ActivityRecord
	activityPos   int
}

func newStatsCollector(metrics types.MetricsManager) *statsCollector {
	return &statsCollector{
		metrics:  metrics,
		activity: make([]types.ActivityRecord, 0, activityLogSize),
	}
}

func (s *statsCollector) recordHit(key string, elapsed time.Duration) {
	s.mu.Lock()
	s.hits++
	s.observeGetLocked(key, "hit", elapsed)
	s.mu.Unlock()

	s.recordMetric("get", "hit", elapsed)
}

func (s *statsCollector) recordMiss(key string, elapsed time.Duration) {
	s.mu.Lock()
	s.misses++
	s.observeGetLocked(key, "miss", elapsed)
	s.mu.Unlock()

	s.recordMetric("get", "miss", elapsed)
}

func (s *statsCollector) recordSimilarityHit(key string, elapsed time.Duration) {
	s.mu.Lock()
	s.simHits++
	s.observeGetLocked(key, "similarity_hit", elapsed)
	s.mu.Unlock()

	s.recordMetric("get", "similarity_hit", elapsed)
}

func (s *statsCollector) recordSet(key string) {
	s.mu.Lock()
	s.appendActivityLocked("set", key)
	s.mu.Unlock()

	s.recordMetric("set", "success", 0)
}

func (s *statsCollector) recordInvalidation(key string) {
	s.mu.Lock()
	s.invalidations++
	s.appendActivityLocked("invalidate", key)
	s.mu.Unlock()

	s.recordMetric("invalidate", "success", 0)
}

func (s *statsCollector) recordEviction(key string) {
	s.mu.Lock()
	s.evictions++
	s.appendActivityLocked("evict", key)
	s.mu.Unlock()

	s.recordMetric("evict", "success", 0)
}

func (s *statsCollector) recordExpiration(key string) {
	s.mu.Lock()
	s.expirations++
	s.appendActivityLocked("expire", key)
	s.mu.Unlock()
}

// snapshot returns a read-only copy; counters are never mutated by reads.
func (s *statsCollector) snapshot() types.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := types.CacheStats{
		TotalHits:      s.hits,
		TotalMisses:    s.misses,
		SimilarityHits: s.simHits,
		Invalidations:  s.invalidations,
		Evictions:      s.evictions,
		Expirations:    s.expirations,
	}

	lookups := s.hits + s.simHits + s.misses
	if lookups > 0 {
		stats.HitRate = float64(s.hits+s.simHits) / float64(lookups)
	}
	if s.getCount > 0 {
		stats.AvgResponseTime = s.getDuration / time.Duration(s.getCount)
	}

	stats.RecentActivity = make([]types.ActivityRecord, len(s.activity))
	copy(stats.RecentActivity, s.activity)

	return stats
}

func (s *statsCollector) observeGetLocked(key, kind string, elapsed time.Duration) {
	s.getCount++
	s.getDuration += elapsed
	s.appendActivityLocked(kind, key)
}

func (s *statsCollector) appendActivityLocked(kind, key string) {
	record := types.ActivityRecord{Time: time.Now(), Kind: kind, Key: key}
	if len(s.activity) < activityLogSize {
		s.activity = append(s.activity, record)
		return
	}
	s.activity[s.activityPos] = record
	s.activityPos = (s.activityPos + 1) % activityLogSize
}

func (s *statsCollector) recordMetric(operation, result string, elapsed time.Duration) {
	s.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	if elapsed > 0 {
		s.metrics.Histogram("cache_operation_duration_seconds",
			getDurationBuckets,
			map[string]string{"operation": operation},
		).Observe(elapsed.Seconds())
	}
}
