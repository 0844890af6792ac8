package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/devctx/contextcache/analyzer"
	"github.com/devctx/contextcache/learning"
	"github.com/devctx/contextcache/logger"
	"github.com/devctx/contextcache/metrics"
	"github.com/devctx/contextcache/persist"
	"github.com/devctx/contextcache/similarity"
	"github.com/devctx/contextcache/types"
	"github.com/devctx/contextcache/watcher"
)

const (
	statusStopped = "stopped"
	statusRunning = "running"
)

const (
	defaultMaintenanceSpec = "@every 1m"
	defaultFlushInterval   = 30 * time.Second
	preloadHintLimit       = 10
	topPatternLimit        = 10
)

// Cache is the two-tier context cache: a memory map in front of an optional
// durable EntryStore, with similarity-based reuse across projects.
//
// Locking: c.mu guards the entry map, memory accounting and the dirty set.
// Watch refcounts live under the separate watchMu so watch setup, which may
// block on filesystem I/O, never runs inside the store lock. No disk I/O
// happens while either lock is held.
type Cache struct {
	ctx    context.Context
	cancel context.CancelFunc

	config   *types.Config
	logger   types.Logger
	metrics  types.MetricsManager
	analyzer types.ProjectAnalyzer
	watcher  types.ChangeWatcher
	store    types.EntryStore
	engine   *similarity.Engine
	recorder *learning.Recorder

	mu          sync.RWMutex
	entries     map[string]*types.CacheEntry
	memoryUsage int64
	seq         uint64
	dirty       map[string]bool

	watchMu sync.Mutex
	watches map[string]*watchRef

	stats  *statsCollector
	events *eventBus
	cron   *cron.Cron
	scans  singleflight.Group
	state  atomic.Value

	maintenanceSpec string
	flushInterval   time.Duration

	// now is replaceable in tests to simulate clock advancement.
	now func() time.Time
}

var _ types.ContextCache = (*Cache)(nil)

func New(config *types.Config, log types.Logger, metricsManager types.MetricsManager) (*Cache, error) {
	if config == nil || config.Cache == nil {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "cache config missing")
	}
	if err := validateCacheConfig(config.Cache); err != nil {
		return nil, err
	}

	if log == nil {
		log = logger.NewNop()
	}
	if metricsManager == nil {
		metricsManager = metrics.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		ctx:             ctx,
		cancel:          cancel,
		config:          config,
		logger:          log,
		metrics:         metricsManager,
		analyzer:        analyzer.New(log),
		engine:          similarity.NewEngine(config.Cache.SimilarityThreshold),
		entries:         make(map[string]*types.CacheEntry),
		dirty:           make(map[string]bool),
		watches:         make(map[string]*watchRef),
		stats:           newStatsCollector(metricsManager),
		events:          newEventBus(),
		cron:            cron.New(),
		maintenanceSpec: defaultMaintenanceSpec,
		flushInterval:   defaultFlushInterval,
		now:             time.Now,
	}

	if config.Maintenance != nil {
		if config.Maintenance.Spec != "" {
			c.maintenanceSpec = config.Maintenance.Spec
		}
		if config.Maintenance.FlushInterval > 0 {
			c.flushInterval = config.Maintenance.FlushInterval
		}
	}

	if config.Cache.PersistentStorage {
		store, err := persist.New(log, config.Persistence, config.Cache)
		if err != nil {
			cancel()
			return nil, err
		}
		c.store = store
	}

	if config.Cache.LearningEnabled {
		recorder, err := learning.NewRecorder(log, config.Learning)
		if err != nil {
			cancel()
			return nil, err
		}
		c.recorder = recorder
	}

	if fs, err := watcher.New(log); err != nil {
		// No watcher means file_change rules degrade to time-based expiry.
		log.Warn("filesystem watcher unavailable", zap.Error(err))
	} else {
		c.watcher = fs
	}

	c.engine = c.engine.WithClock(func() time.Time { return c.now() })
	c.state.Store(statusStopped)
	return c, nil
}

func validateCacheConfig(cfg *types.CacheConfig) error {
	if cfg.MemoryLimit <= 0 {
		return types.Errorf(types.ErrConfigLimitInvalid, "memory_limit %d", cfg.MemoryLimit)
	}
	if cfg.DiskLimit <= 0 {
		return types.Errorf(types.ErrConfigLimitInvalid, "disk_limit %d", cfg.DiskLimit)
	}
	if cfg.TTL <= 0 {
		return types.Errorf(types.ErrConfigLimitInvalid, "ttl %s", cfg.TTL)
	}
	if cfg.MaxEntries <= 0 {
		return types.Errorf(types.ErrConfigLimitInvalid, "max_entries %d", cfg.MaxEntries)
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		return types.Errorf(types.ErrConfigThresholdRange, "%v", cfg.SimilarityThreshold)
	}
	for _, pattern := range cfg.PreloadPatterns {
		if !doublestar.ValidatePattern(pattern) {
			return types.Errorf(types.ErrConfigPatternInvalid, "%q", pattern)
		}
	}
	return nil
}

func (c *Cache) Start() error {
	if !c.state.CompareAndSwap(statusStopped, statusRunning) {
		return types.ErrCacheAlreadyRunning
	}

	if c.store != nil {
		c.loadPersisted()
	}
	if err := c.startMaintenance(); err != nil {
		c.state.Store(statusStopped)
		return err
	}

	c.logger.Info("context cache started",
		zap.Int("entries", c.entryCount()),
		zap.Bool("persistent", c.store != nil),
		zap.Bool("learning", c.recorder != nil))
	return nil
}

func (c *Cache) Stop() error {
	if !c.state.CompareAndSwap(statusRunning, statusStopped) {
		return types.ErrCacheNotRunning
	}

	<-c.cron.Stop().Done()
	c.cancel()

	// Final flush uses a fresh context: the cache context is already gone.
	c.flushDirty(context.Background())

	g := new(errgroup.Group)
	g.Go(func() error {
		c.closeAllWatches()
		if c.watcher != nil {
			return c.watcher.Close()
		}
		return nil
	})
	if c.recorder != nil {
		g.Go(func() error {
			if err := c.recorder.Flush(); err != nil {
				c.logger.Warn("final learning flush failed", zap.Error(err))
			}
			return c.recorder.Close()
		})
	}
	err := g.Wait()

	if c.store != nil {
		if closeErr := c.store.Close(); err == nil {
			err = closeErr
		}
	}

	c.events.close()
	c.logger.Info("context cache stopped")
	return err
}

func (c *Cache) IsRunning() bool {
	return c.state.Load() == statusRunning
}

// loadPersisted restores the durable tier into memory on startup. Entries
// that expired while the process was down are discarded, everything else gets
// its invalidation watches re-registered. Manual rule conditions do not
// survive restarts; those entries fall back to their TTL.
func (c *Cache) loadPersisted() {
	entries, err := c.store.LoadAll(c.ctx)
	if err != nil {
		c.logger.Warn("persisted entry load failed", zap.Error(err))
		return
	}

	now := c.now()
	restored := 0
	for _, entry := range entries {
		if entry.IsExpired(now) {
			c.deleteFromStore(entry.Key)
			continue
		}

		c.mu.Lock()
		c.entries[entry.Key] = entry
		c.memoryUsage += entry.Metadata.Size
		if entry.Seq >= c.seq {
			c.seq = entry.Seq + 1
		}
		c.mu.Unlock()

		c.registerRuleWatches(entry.Key, &entry.Metadata, entry.Rules)
		restored++
	}

	c.enforceLimits(c.diskUsage(c.ctx))
	c.logger.Info("persisted entries restored",
		zap.Int("restored", restored),
		zap.Int("discarded", len(entries)-restored))
}

// Get returns the cached payload for an exact key, promoting from the
// durable tier when the entry is not in memory.
func (c *Cache) Get(key string) (interface{}, bool) {
	started := time.Now()

	data, ok := c.lookup(key, started)
	if !ok {
		c.stats.recordMiss(key, time.Since(started))
		c.events.publish(types.EventMiss, key, "")
	}
	return data, ok
}

// lookup is the exact-match path shared by Get and GetForProject. It records
// hits and expirations but leaves the miss accounting to the caller, so a
// similarity fallback is never double-counted as a plain miss.
func (c *Cache) lookup(key string, started time.Time) (interface{}, bool) {
	if key == "" {
		return nil, false
	}
	now := c.now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		if entry.IsExpired(now) {
			c.removeEntryLocked(entry)
			c.mu.Unlock()
			c.dropExpired(key)
			return nil, false
		}
		c.touchLocked(entry, now)
		data := entry.Data
		tags, project := entry.Metadata.Tags, entry.Metadata.ProjectPath
		c.mu.Unlock()
		c.afterHit(key, tags, project, started)
		return data, true
	}
	c.mu.Unlock()

	if c.store == nil {
		return nil, false
	}

	stored, err := c.store.Load(c.ctx, key)
	if err != nil {
		if !types.IsError(err, types.ErrStoreNotFound) {
			c.logger.Warn("store load failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	if stored.IsExpired(now) {
		c.dropExpired(key)
		return nil, false
	}

	// Promote to memory. A concurrent lookup may have won the race; the
	// resident entry stays authoritative.
	c.mu.Lock()
	if resident, ok := c.entries[key]; ok {
		c.touchLocked(resident, now)
		data := resident.Data
		tags, project := resident.Metadata.Tags, resident.Metadata.ProjectPath
		c.mu.Unlock()
		c.afterHit(key, tags, project, started)
		return data, true
	}
	c.entries[key] = stored
	c.memoryUsage += stored.Metadata.Size
	if stored.Seq >= c.seq {
		c.seq = stored.Seq + 1
	}
	c.touchLocked(stored, now)
	data := stored.Data
	tags, project := stored.Metadata.Tags, stored.Metadata.ProjectPath
	c.mu.Unlock()

	c.registerRuleWatches(key, &stored.Metadata, stored.Rules)
	c.afterHit(key, tags, project, started)
	return data, true
}

func (c *Cache) touchLocked(entry *types.CacheEntry, now time.Time) {
	entry.Metadata.AccessCount++
	entry.Metadata.LastAccessed = now
	c.dirty[entry.Key] = true
}

func (c *Cache) afterHit(key string, tags []string, projectPath string, started time.Time) {
	c.stats.recordHit(key, time.Since(started))
	c.events.publish(types.EventHit, key, "")
	if c.recorder != nil {
		c.recorder.RecordAccess(key, tags, projectPath)
	}
}

func (c *Cache) dropExpired(key string) {
	c.releaseWatches(key)
	c.deleteFromStore(key)
	c.stats.recordExpiration(key)
	c.events.publish(types.EventExpire, key, "expired on access")
}

// GetForProject is the similarity-aware lookup: an exact miss falls back to
// the best sufficiently similar cached project, whose payload is adapted to
// the requesting project before being returned. The source entry is left
// untouched apart from its access bookkeeping.
func (c *Cache) GetForProject(ctx context.Context, key, projectPath string) (interface{}, *types.SimilarityMatch, bool) {
	started := time.Now()

	if data, ok := c.lookup(key, started); ok {
		return data, nil, true
	}
	if projectPath == "" {
		c.stats.recordMiss(key, time.Since(started))
		c.events.publish(types.EventMiss, key, "")
		return nil, nil, false
	}

	sig, err := c.analyzer.Signature(ctx, projectPath)
	if err != nil {
		c.logger.Debug("project signature failed",
			zap.String("project", projectPath),
			zap.Error(err))
		sig = nil
	}

	var match *types.SimilarityMatch
	if sig != nil {
		candidates := c.collectCandidates(ctx, key)
		match, _ = c.engine.BestMatch(sig, candidates)
	}
	if match == nil {
		c.stats.recordMiss(key, time.Since(started))
		c.events.publish(types.EventMiss, key, "")
		return nil, nil, false
	}

	adapted := similarity.AdaptForProject(match.Entry.Data, projectPath)
	c.bumpSource(match.Entry.Key)

	if c.recorder != nil {
		c.recorder.RecordAdoption(match.Entry.Key, projectPath, match.Similarity)
	}
	c.stats.recordSimilarityHit(key, time.Since(started))
	c.events.publish(types.EventSimilarityHit, key, "adapted from "+match.Entry.Key)
	return adapted, match, true
}

// collectCandidates snapshots every live entry other than the requested key,
// memory tier first, then durable records not already resident.
func (c *Cache) collectCandidates(ctx context.Context, excludeKey string) []*types.CacheEntry {
	now := c.now()

	c.mu.RLock()
	candidates := make([]*types.CacheEntry, 0, len(c.entries))
	resident := make(map[string]bool, len(c.entries))
	for key, entry := range c.entries {
		resident[key] = true
		if key == excludeKey || entry.IsExpired(now) {
			continue
		}
		candidates = append(candidates, snapshotEntry(entry))
	}
	c.mu.RUnlock()

	if c.store == nil {
		return candidates
	}

	stored, err := c.store.LoadAll(ctx)
	if err != nil {
		c.logger.Warn("candidate load from store failed", zap.Error(err))
		return candidates
	}
	for _, entry := range stored {
		if resident[entry.Key] || entry.Key == excludeKey || entry.IsExpired(now) {
			continue
		}
		candidates = append(candidates, entry)
	}
	return candidates
}

func (c *Cache) bumpSource(key string) {
	now := c.now()
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		c.touchLocked(entry, now)
	}
	c.mu.Unlock()
}

// Set stores a payload under key, replacing any previous entry. The memory
// tier is updated synchronously; persistence happens write-behind so the hot
// path never waits on disk.
func (c *Cache) Set(key string, data interface{}, meta *types.EntryMetadata, rules []types.InvalidationRule) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}
	if data == nil {
		return types.ErrCacheDataIsNil
	}
	if err := validateRules(rules); err != nil {
		return err
	}

	now := c.now()
	metadata := cloneMetadata(meta)
	if metadata.Timestamp.IsZero() {
		metadata.Timestamp = now
	}
	metadata.LastAccessed = now
	metadata.Size = calculateSize(data)

	entry := &types.CacheEntry{
		ID:       uuid.NewString(),
		Key:      key,
		Data:     data,
		Metadata: metadata,
		Rules:    append([]types.InvalidationRule(nil), rules...),
	}
	if ttl := c.config.Cache.TTL; ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	replaced := false
	if old, ok := c.entries[key]; ok {
		c.removeEntryLocked(old)
		replaced = true
	}
	entry.Seq = c.seq
	c.seq++
	c.entries[key] = entry
	c.memoryUsage += entry.Metadata.Size
	c.mu.Unlock()

	if replaced {
		c.releaseWatches(key)
	}
	c.registerRuleWatches(key, &entry.Metadata, entry.Rules)

	c.stats.recordSet(key)
	c.events.publish(types.EventSet, key, "")

	c.enforceLimits(c.diskUsage(c.ctx))
	c.persistAsync(entry)
	return nil
}

func validateRules(rules []types.InvalidationRule) error {
	for i := range rules {
		switch rules[i].Type {
		case types.RuleFileChange, types.RuleDependencyUpdate, types.RuleTimeBased, types.RuleManual:
		default:
			return types.Errorf(types.ErrRuleTypeUnknown, "%q", rules[i].Type)
		}
	}
	return nil
}

func (c *Cache) persistAsync(entry *types.CacheEntry) {
	if c.store == nil {
		return
	}

	c.mu.RLock()
	snap := snapshotEntry(entry)
	c.mu.RUnlock()

	go func() {
		if err := c.store.Save(c.ctx, snap); err != nil {
			c.logger.Warn("entry persist failed",
				zap.String("key", snap.Key),
				zap.Error(err))
			c.markDirty(snap.Key)
		}
	}()
}

func (c *Cache) Invalidate(key string) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}
	c.invalidateKey(key, "manual")
	return nil
}

func (c *Cache) Clear() error {
	c.mu.Lock()
	c.entries = make(map[string]*types.CacheEntry)
	c.dirty = make(map[string]bool)
	c.memoryUsage = 0
	c.mu.Unlock()

	c.closeAllWatches()

	if c.store != nil {
		if err := c.store.Clear(c.ctx); err != nil {
			return types.WrapError(err, "clear persistent tier")
		}
	}
	c.logger.Info("cache cleared")
	return nil
}

// Warmup scans the project, then pre-populates memory from learned access
// patterns and the configured preload globs.
func (c *Cache) Warmup(ctx context.Context, projectPath string) error {
	if projectPath == "" {
		return types.ErrProjectPathEmpty
	}
	if _, err := c.ScanAndCache(ctx, projectPath); err != nil {
		return err
	}

	if c.recorder != nil {
		hints, err := c.recorder.PreloadHints(projectPath, preloadHintLimit)
		if err != nil {
			c.logger.Warn("preload hints unavailable", zap.Error(err))
		}
		for _, key := range hints {
			c.promote(ctx, key)
		}
	}

	patterns := c.config.Cache.PreloadPatterns
	if c.store == nil || len(patterns) == 0 {
		return nil
	}
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return types.WrapError(err, "preload key listing")
	}
	for _, key := range keys {
		for _, pattern := range patterns {
			if ok, _ := doublestar.Match(pattern, key); ok {
				c.promote(ctx, key)
				break
			}
		}
	}
	return nil
}

// promote loads a durable entry into memory without touching hit/miss
// accounting. Used by warmup paths only.
func (c *Cache) promote(ctx context.Context, key string) {
	c.mu.RLock()
	_, resident := c.entries[key]
	c.mu.RUnlock()
	if resident || c.store == nil {
		return
	}

	entry, err := c.store.Load(ctx, key)
	if err != nil {
		return
	}
	if entry.IsExpired(c.now()) {
		c.deleteFromStore(key)
		return
	}

	c.mu.Lock()
	if _, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return
	}
	c.entries[key] = entry
	c.memoryUsage += entry.Metadata.Size
	if entry.Seq >= c.seq {
		c.seq = entry.Seq + 1
	}
	c.mu.Unlock()

	c.registerRuleWatches(key, &entry.Metadata, entry.Rules)
}

// ScanAndCache analyzes a project and caches the result under its canonical
// key. Concurrent scans of the same path collapse into one analysis; a
// cancelled or failed scan caches nothing.
func (c *Cache) ScanAndCache(ctx context.Context, projectPath string) (*types.ContextScanResult, error) {
	if projectPath == "" {
		return nil, types.ErrProjectPathEmpty
	}
	if c.analyzer == nil {
		return nil, types.ErrAnalyzerNotSet
	}

	v, err, _ := c.scans.Do(projectPath, func() (interface{}, error) {
		result, err := c.analyzer.Analyze(ctx, projectPath)
		if err != nil {
			return nil, err
		}

		key := ProjectCacheKey(projectPath)
		meta := &types.EntryMetadata{
			ProjectPath:  result.ProjectPath,
			FilePatterns: result.Patterns,
			Dependencies: result.Dependencies,
			Tags:         result.Technologies,
		}
		rules := []types.InvalidationRule{
			{Type: types.RuleDependencyUpdate},
			{Type: types.RuleTimeBased, MaxAge: c.config.Cache.TTL},
		}
		if err := c.Set(key, result, meta, rules); err != nil {
			return nil, err
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.ContextScanResult), nil
}

func (c *Cache) Stats() types.CacheStats {
	stats := c.stats.snapshot()

	c.mu.RLock()
	stats.EntryCount = len(c.entries)
	stats.MemoryUsage = c.memoryUsage
	c.mu.RUnlock()

	stats.DiskUsage = c.diskUsage(c.ctx)

	if c.recorder != nil {
		if top, err := c.recorder.TopPatterns(topPatternLimit); err == nil {
			stats.TopPatterns = top
		}
	}
	return stats
}

func (c *Cache) Subscribe(buffer int) (<-chan types.CacheEvent, func()) {
	return c.events.subscribe(buffer)
}

func (c *Cache) removeEntryLocked(entry *types.CacheEntry) {
	current, ok := c.entries[entry.Key]
	if !ok || current != entry {
		return
	}
	delete(c.entries, entry.Key)
	delete(c.dirty, entry.Key)
	c.memoryUsage -= entry.Metadata.Size
	if c.memoryUsage < 0 {
		c.memoryUsage = 0
	}
}

func (c *Cache) deleteFromStore(key string) {
	if c.store == nil {
		return
	}
	if err := c.store.Delete(c.ctx, key); err != nil && !types.IsError(err, types.ErrStoreNotFound) {
		c.logger.Warn("store delete failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) entryCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// snapshotEntry copies an entry so it can be read or serialized outside the
// store lock while lookups keep mutating the resident metadata.
func snapshotEntry(entry *types.CacheEntry) *types.CacheEntry {
	clone := *entry
	clone.Metadata = cloneMetadata(&entry.Metadata)
	clone.Rules = append([]types.InvalidationRule(nil), entry.Rules...)
	return &clone
}
