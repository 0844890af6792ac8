package types

import (
	"context"
	"time"
)

type RuleType string

const (
	RuleFileChange       RuleType = "file_change"
	RuleDependencyUpdate RuleType = "dependency_update"
	RuleTimeBased        RuleType = "time_based"
	RuleManual           RuleType = "manual"
)

// InvalidationRule removes an entry when its condition fires, regardless of
// the entry TTL. Multiple rules on one entry combine with OR semantics.
type InvalidationRule struct {
	Type      RuleType               `json:"type"`
	Pattern   string                 `json:"pattern,omitempty"`
	MaxAge    time.Duration          `json:"max_age,omitempty"`
	Condition func(*CacheEntry) bool `json:"-"`
}

type Dependency struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type EntryMetadata struct {
	ProjectPath  string       `json:"project_path,omitempty"`
	FilePatterns []string     `json:"file_patterns,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
	AccessCount  uint64       `json:"access_count"`
	LastAccessed time.Time    `json:"last_accessed"`
	Size         int64        `json:"size"`
	Tags         []string     `json:"tags,omitempty"`
	Similarity   float64      `json:"similarity,omitempty"`
}

type CacheEntry struct {
	ID        string             `json:"id"`
	Key       string             `json:"key"`
	Data      interface{}        `json:"data"`
	Metadata  EntryMetadata      `json:"metadata"`
	ExpiresAt time.Time          `json:"expires_at,omitempty"`
	Rules     []InvalidationRule `json:"rules,omitempty"`

	// Seq is an insertion sequence number breaking eviction ties; oldest
	// insertion loses.
	Seq uint64 `json:"seq"`
}

// IsExpired reports whether the entry is past its TTL or past the MaxAge of
// any time_based rule, or has a manual rule whose condition holds.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
		return true
	}

	for i := range e.Rules {
		rule := &e.Rules[i]
		switch rule.Type {
		case RuleTimeBased:
			if rule.MaxAge > 0 && now.Sub(e.Metadata.Timestamp) > rule.MaxAge {
				return true
			}
		case RuleManual:
			if rule.Condition != nil && rule.Condition(e) {
				return true
			}
		}
	}

	return false
}

// ProjectSignature is a compact fingerprint used only for similarity
// comparison, never for exact-key lookup.
type ProjectSignature struct {
	FilePatterns  []string     `json:"file_patterns,omitempty"`
	Dependencies  []Dependency `json:"dependencies,omitempty"`
	Technologies  []string     `json:"technologies,omitempty"`
	StructureHash string       `json:"structure_hash,omitempty"`
}

type SimilarityMatch struct {
	Entry      *CacheEntry `json:"entry"`
	Similarity float64     `json:"similarity"`
	Confidence float64     `json:"confidence"`
	Reasons    []string    `json:"reasons"`
}

type PatternCount struct {
	Pattern string `json:"pattern"`
	Count   uint64 `json:"count"`
}

type ActivityRecord struct {
	Time time.Time `json:"time"`
	Kind string    `json:"kind"`
	Key  string    `json:"key"`
}

type CacheStats struct {
	TotalHits       uint64           `json:"total_hits"`
	TotalMisses     uint64           `json:"total_misses"`
	SimilarityHits  uint64           `json:"similarity_hits"`
	Invalidations   uint64           `json:"invalidations"`
	Evictions       uint64           `json:"evictions"`
	Expirations     uint64           `json:"expirations"`
	HitRate         float64          `json:"hit_rate"`
	AvgResponseTime time.Duration    `json:"avg_response_time"`
	MemoryUsage     int64            `json:"memory_usage"`
	DiskUsage       int64            `json:"disk_usage"`
	EntryCount      int              `json:"entry_count"`
	TopPatterns     []PatternCount   `json:"top_patterns,omitempty"`
	RecentActivity  []ActivityRecord `json:"recent_activity,omitempty"`
}

type EventType string

const (
	EventHit           EventType = "hit"
	EventMiss          EventType = "miss"
	EventSimilarityHit EventType = "similarity_hit"
	EventSet           EventType = "set"
	EventInvalidate    EventType = "invalidate"
	EventEvict         EventType = "evict"
	EventExpire        EventType = "expire"
)

type CacheEvent struct {
	Type   EventType `json:"type"`
	Key    string    `json:"key"`
	Time   time.Time `json:"time"`
	Detail string    `json:"detail,omitempty"`
}

// ContextCache is the public surface of the intelligent context cache.
type ContextCache interface {
	LifecycleManager
	Get(key string) (interface{}, bool)
	GetForProject(ctx context.Context, key, projectPath string) (interface{}, *SimilarityMatch, bool)
	Set(key string, data interface{}, meta *EntryMetadata, rules []InvalidationRule) error
	Invalidate(key string) error
	Clear() error
	Warmup(ctx context.Context, projectPath string) error
	ScanAndCache(ctx context.Context, projectPath string) (*ContextScanResult, error)
	Stats() CacheStats
	Export(path string) error
	Import(path string) error
	Subscribe(buffer int) (<-chan CacheEvent, func())
}

// EntryStore mirrors cache entries to durable storage. A store never returns
// a half-written record: corrupt records are deleted and reported as
// ErrStoreNotFound on the next load.
type EntryStore interface {
	Save(ctx context.Context, entry *CacheEntry) error
	Load(ctx context.Context, key string) (*CacheEntry, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	LoadAll(ctx context.Context) ([]*CacheEntry, error)
	Usage(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
	Close() error
}

type EntryStoreCreator func(config interface{}) (EntryStore, error)
