package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devctx/contextcache/types"
	"github.com/devctx/contextcache/watcher"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubAnalyzer struct {
	sig     *types.ProjectSignature
	scan    *types.ContextScanResult
	err     error
	scanned int
}

func (s *stubAnalyzer) Analyze(ctx context.Context, projectPath string) (*types.ContextScanResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	s.scanned++
	scan := *s.scan
	scan.ProjectPath = projectPath
	return &scan, nil
}

func (s *stubAnalyzer) Signature(ctx context.Context, projectPath string) (*types.ProjectSignature, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.sig, nil
}

func testConfig() *types.Config {
	return &types.Config{
		Name: "cache-test",
		Cache: &types.CacheConfig{
			MemoryLimit:         64 << 20,
			DiskLimit:           256 << 20,
			TTL:                 time.Hour,
			MaxEntries:          100,
			SimilarityThreshold: 0.7,
		},
	}
}

// newTestCache builds a cache with a deterministic clock and an in-memory
// fake watcher. Callers mutate cfg before construction via the mutate hook.
func newTestCache(t *testing.T, mutate func(*types.Config)) (*Cache, *watcher.Fake, *fakeClock) {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	c, err := New(cfg, nil, nil)
	require.NoError(t, err)

	if c.watcher != nil {
		require.NoError(t, c.watcher.Close())
	}
	fake := watcher.NewFake()
	c.watcher = fake

	clock := newFakeClock()
	c.now = clock.Now

	t.Cleanup(func() {
		c.cancel()
		if c.store != nil {
			_ = c.store.Close()
		}
	})
	return c, fake, clock
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*types.CacheConfig)
		want   error
	}{
		{"zero memory limit", func(c *types.CacheConfig) { c.MemoryLimit = 0 }, types.ErrConfigLimitInvalid},
		{"negative disk limit", func(c *types.CacheConfig) { c.DiskLimit = -1 }, types.ErrConfigLimitInvalid},
		{"zero ttl", func(c *types.CacheConfig) { c.TTL = 0 }, types.ErrConfigLimitInvalid},
		{"zero max entries", func(c *types.CacheConfig) { c.MaxEntries = 0 }, types.ErrConfigLimitInvalid},
		{"threshold above one", func(c *types.CacheConfig) { c.SimilarityThreshold = 1.5 }, types.ErrConfigThresholdRange},
		{"bad preload pattern", func(c *types.CacheConfig) { c.PreloadPatterns = []string{"[unclosed"} }, types.ErrConfigPatternInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(cfg.Cache)
			_, err := New(cfg, nil, nil)
			require.Error(t, err)
			assert.True(t, types.IsError(err, tc.want))
		})
	}
}

func TestSetAndGet(t *testing.T) {
	c, _, _ := newTestCache(t, nil)

	require.NoError(t, c.Set("answer", 42, nil, nil))

	data, ok := c.Get("answer")
	require.True(t, ok)
	assert.Equal(t, 42, data)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.TotalHits)
	assert.Equal(t, 1, stats.EntryCount)
	assert.Greater(t, stats.MemoryUsage, int64(0))
}

func TestSetValidation(t *testing.T) {
	c, _, _ := newTestCache(t, nil)

	assert.ErrorIs(t, c.Set("", 1, nil, nil), types.ErrCacheKeyEmpty)
	assert.ErrorIs(t, c.Set("k", nil, nil, nil), types.ErrCacheDataIsNil)

	err := c.Set("k", 1, nil, []types.InvalidationRule{{Type: "bogus"}})
	assert.True(t, types.IsError(err, types.ErrRuleTypeUnknown))
}

func TestGetMiss(t *testing.T) {
	c, _, _ := newTestCache(t, nil)

	_, ok := c.Get("absent")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.TotalMisses)
	assert.Zero(t, stats.HitRate)
}

func TestGetExpiredByTTL(t *testing.T) {
	c, _, clock := newTestCache(t, nil)

	require.NoError(t, c.Set("stale", "v", nil, nil))
	clock.Advance(2 * time.Hour)

	_, ok := c.Get("stale")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Expirations)
	assert.Equal(t, uint64(1), stats.TotalMisses)
	assert.Zero(t, stats.EntryCount)
}

func TestTimeBasedRuleOverridesTTL(t *testing.T) {
	c, _, clock := newTestCache(t, nil)

	rules := []types.InvalidationRule{{Type: types.RuleTimeBased, MaxAge: 10 * time.Minute}}
	require.NoError(t, c.Set("short", "v", nil, rules))

	clock.Advance(5 * time.Minute)
	_, ok := c.Get("short")
	assert.True(t, ok)

	clock.Advance(6 * time.Minute)
	_, ok = c.Get("short")
	assert.False(t, ok)
}

func TestManualRuleCondition(t *testing.T) {
	c, _, _ := newTestCache(t, nil)

	var invalid bool
	rules := []types.InvalidationRule{{
		Type:      types.RuleManual,
		Condition: func(*types.CacheEntry) bool { return invalid },
	}}
	require.NoError(t, c.Set("guarded", "v", nil, rules))

	_, ok := c.Get("guarded")
	assert.True(t, ok)

	invalid = true
	_, ok = c.Get("guarded")
	assert.False(t, ok)
}

func TestSetReplacesExistingEntry(t *testing.T) {
	c, _, _ := newTestCache(t, nil)

	require.NoError(t, c.Set("k", "old", nil, nil))
	require.NoError(t, c.Set("k", "new", nil, nil))

	data, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "new", data)
	assert.Equal(t, 1, c.entryCount())
}

func TestAccessBookkeeping(t *testing.T) {
	c, _, clock := newTestCache(t, nil)

	require.NoError(t, c.Set("k", "v", nil, nil))
	clock.Advance(time.Minute)

	_, _ = c.Get("k")
	_, _ = c.Get("k")

	c.mu.RLock()
	entry := c.entries["k"]
	c.mu.RUnlock()

	assert.Equal(t, uint64(2), entry.Metadata.AccessCount)
	assert.Equal(t, clock.Now(), entry.Metadata.LastAccessed)
	assert.True(t, c.dirty["k"])
}

func TestInvalidate(t *testing.T) {
	c, _, _ := newTestCache(t, nil)

	require.NoError(t, c.Set("k", "v", nil, nil))
	require.NoError(t, c.Invalidate("k"))

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Invalidations)

	assert.ErrorIs(t, c.Invalidate(""), types.ErrCacheKeyEmpty)
}

func TestClear(t *testing.T) {
	c, fake, _ := newTestCache(t, nil)

	require.NoError(t, c.Set("a", 1, &types.EntryMetadata{ProjectPath: "/p"},
		[]types.InvalidationRule{{Type: types.RuleFileChange, Pattern: "**/*.go"}}))
	require.NoError(t, c.Set("b", 2, nil, nil))

	require.NoError(t, c.Clear())

	assert.Zero(t, c.entryCount())
	assert.Zero(t, fake.ActiveWatches())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	c, _, _ := newTestCache(t, nil)

	events, cancel := c.Subscribe(16)
	defer cancel()

	require.NoError(t, c.Set("k", "v", nil, nil))
	_, _ = c.Get("k")
	require.NoError(t, c.Invalidate("k"))

	var kinds []types.EventType
	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	assert.Equal(t, []types.EventType{types.EventSet, types.EventHit, types.EventInvalidate}, kinds)
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	c, _, _ := newTestCache(t, nil)

	events, cancel := c.Subscribe(1)
	cancel()

	require.NoError(t, c.Set("k", "v", nil, nil))

	_, open := <-events
	assert.False(t, open)
}

func TestStatsHitRate(t *testing.T) {
	c, _, _ := newTestCache(t, nil)

	require.NoError(t, c.Set("k", "v", nil, nil))
	_, _ = c.Get("k")
	_, _ = c.Get("k")
	_, _ = c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.TotalHits)
	assert.Equal(t, uint64(1), stats.TotalMisses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
	assert.NotEmpty(t, stats.RecentActivity)
}

func TestLifecycle(t *testing.T) {
	c, _, _ := newTestCache(t, nil)

	require.NoError(t, c.Start())
	assert.True(t, c.IsRunning())
	assert.ErrorIs(t, c.Start(), types.ErrCacheAlreadyRunning)

	require.NoError(t, c.Stop())
	assert.False(t, c.IsRunning())
	assert.ErrorIs(t, c.Stop(), types.ErrCacheNotRunning)
}

func TestScanAndCache(t *testing.T) {
	c, _, _ := newTestCache(t, nil)

	stub := &stubAnalyzer{
		scan: &types.ContextScanResult{
			Technologies: []string{"go"},
			Dependencies: []types.Dependency{{Name: "zap"}},
			Patterns:     []string{"**/*.go"},
		},
	}
	c.analyzer = stub

	result, err := c.ScanAndCache(context.Background(), "/projects/app")
	require.NoError(t, err)
	assert.Equal(t, "/projects/app", result.ProjectPath)
	assert.Equal(t, 1, stub.scanned)

	key := ProjectCacheKey("/projects/app")
	data, ok := c.Get(key)
	require.True(t, ok)
	assert.Same(t, result, data)
}

func TestScanAndCacheValidation(t *testing.T) {
	c, _, _ := newTestCache(t, nil)

	_, err := c.ScanAndCache(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrProjectPathEmpty)
}

func TestScanAndCacheCancellation(t *testing.T) {
	c, _, _ := newTestCache(t, nil)
	c.analyzer = &stubAnalyzer{scan: &types.ContextScanResult{}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ScanAndCache(ctx, "/projects/app")
	require.Error(t, err)

	_, ok := c.Get(ProjectCacheKey("/projects/app"))
	assert.False(t, ok, "cancelled scan must cache nothing")
}

func TestWarmupPromotesPreloadMatches(t *testing.T) {
	c, _, _ := newTestCache(t, func(cfg *types.Config) {
		cfg.Cache.PersistentStorage = true
		cfg.Cache.PreloadPatterns = []string{"warm:*"}
		cfg.Persistence = &types.PersistenceConfig{Type: "file", Dir: t.TempDir()}
	})
	c.analyzer = &stubAnalyzer{scan: &types.ContextScanResult{}}

	assert.ErrorIs(t, c.Warmup(context.Background(), ""), types.ErrProjectPathEmpty)

	for _, key := range []string{"warm:alpha", "cold:beta"} {
		entry := &types.CacheEntry{
			ID:        key,
			Key:       key,
			Data:      "payload",
			Metadata:  types.EntryMetadata{Timestamp: c.now(), Size: 9},
			ExpiresAt: c.now().Add(time.Hour),
		}
		require.NoError(t, c.store.Save(context.Background(), entry))
	}

	require.NoError(t, c.Warmup(context.Background(), "/projects/app"))

	c.mu.RLock()
	_, warm := c.entries["warm:alpha"]
	_, cold := c.entries["cold:beta"]
	c.mu.RUnlock()
	assert.True(t, warm, "preload glob match must become memory resident")
	assert.False(t, cold, "keys outside the preload globs stay on disk")

	// warmup promotion bypasses hit/miss accounting
	stats := c.Stats()
	assert.Zero(t, stats.TotalHits)
	assert.Zero(t, stats.TotalMisses)
}

func TestWarmupPromotesLearnedHints(t *testing.T) {
	c, _, _ := newTestCache(t, func(cfg *types.Config) {
		cfg.Cache.PersistentStorage = true
		cfg.Cache.LearningEnabled = true
		cfg.Persistence = &types.PersistenceConfig{Type: "file", Dir: t.TempDir()}
		cfg.Learning = &types.LearningConfig{Path: filepath.Join(t.TempDir(), "learning")}
	})
	c.analyzer = &stubAnalyzer{scan: &types.ContextScanResult{}}
	t.Cleanup(func() { _ = c.recorder.Close() })

	c.recorder.RecordAccess("warm:hinted", nil, "/projects/app")
	require.NoError(t, c.recorder.Flush())

	entry := &types.CacheEntry{
		ID:        "warm:hinted",
		Key:       "warm:hinted",
		Data:      "payload",
		Metadata:  types.EntryMetadata{Timestamp: c.now(), Size: 9},
		ExpiresAt: c.now().Add(time.Hour),
	}
	require.NoError(t, c.store.Save(context.Background(), entry))

	require.NoError(t, c.Warmup(context.Background(), "/projects/app"))

	c.mu.RLock()
	_, resident := c.entries["warm:hinted"]
	c.mu.RUnlock()
	assert.True(t, resident, "learned hint must become memory resident")
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mutate := func(cfg *types.Config) {
		cfg.Cache.PersistentStorage = true
		cfg.Persistence = &types.PersistenceConfig{Type: "file", Dir: dir}
	}

	c1, _, _ := newTestCache(t, mutate)
	require.NoError(t, c1.Set("persisted", map[string]interface{}{"answer": float64(42)}, nil, nil))

	// write-behind persistence is asynchronous
	require.Eventually(t, func() bool {
		_, err := c1.store.Load(context.Background(), "persisted")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c1.store.Close())

	c2, _, _ := newTestCache(t, mutate)
	c2.loadPersisted()

	data, ok := c2.Get("persisted")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"answer": float64(42)}, data)
}

func TestDiskPromotion(t *testing.T) {
	dir := t.TempDir()
	c, _, _ := newTestCache(t, func(cfg *types.Config) {
		cfg.Cache.PersistentStorage = true
		cfg.Persistence = &types.PersistenceConfig{Type: "file", Dir: dir}
	})

	entry := &types.CacheEntry{
		ID:        "id-1",
		Key:       "cold",
		Data:      "payload",
		Metadata:  types.EntryMetadata{Timestamp: c.now(), Size: 9},
		ExpiresAt: c.now().Add(time.Hour),
	}
	require.NoError(t, c.store.Save(context.Background(), entry))

	data, ok := c.Get("cold")
	require.True(t, ok)
	assert.Equal(t, "payload", data)
	assert.Equal(t, 1, c.entryCount(), "promoted entry must be memory resident")

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.TotalHits)
}

func TestExportImport(t *testing.T) {
	c1, _, _ := newTestCache(t, nil)
	require.NoError(t, c1.Set("a", "alpha", &types.EntryMetadata{Tags: []string{"go"}}, nil))
	require.NoError(t, c1.Set("b", "beta", nil, nil))
	_, _ = c1.Get("a")

	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, c1.Export(path))

	c2, _, _ := newTestCache(t, nil)
	require.NoError(t, c2.Import(path))

	data, ok := c2.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", data)

	c2.mu.RLock()
	imported := c2.entries["a"]
	c2.mu.RUnlock()
	require.NotNil(t, imported)
	// access history does not travel with the snapshot
	assert.Equal(t, uint64(1), imported.Metadata.AccessCount)

	_, ok = c2.Get("b")
	assert.True(t, ok)
}

func TestImportRejectsGarbage(t *testing.T) {
	c, _, _ := newTestCache(t, nil)

	path := filepath.Join(t.TempDir(), "garbage.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	err := c.Import(path)
	assert.True(t, types.IsError(err, types.ErrImportFormatInvalid))

	assert.ErrorIs(t, c.Export(""), types.ErrExportPathEmpty)
	assert.ErrorIs(t, c.Import(""), types.ErrExportPathEmpty)
}
