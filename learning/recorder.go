package learning

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/devctx/contextcache/types"
)

const (
	patternsCollection  = "access_patterns"
	adoptionsCollection = "adoptions"
)

type pendingAccess struct {
	key     string
	tags    []string
	project string
	count   uint64
}

type pendingAdoption struct {
	sourceKey  string
	project    string
	similarity float64
	at         time.Time
}

// Recorder accumulates access and adoption observations in memory and
// flushes them to a clover collection on the maintenance tick, so learned
// patterns survive restarts. Hints ranked by access count feed predictive
// pre-caching.
type Recorder struct {
	logger      types.Logger
	db          *clover.DB
	maxPatterns int

	mu        sync.Mutex
	accesses  map[string]*pendingAccess
	adoptions []pendingAdoption
	closed    bool
}

func NewRecorder(logger types.Logger, config *types.LearningConfig) (*Recorder, error) {
	path := ""
	maxPatterns := 1000
	if config != nil {
		path = config.Path
		if config.MaxPatterns > 0 {
			maxPatterns = config.MaxPatterns
		}
	}

	db, err := clover.Open(path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open learning store")
	}

	for _, collection := range []string{patternsCollection, adoptionsCollection} {
		exists, err := db.HasCollection(collection)
		if err != nil {
			_ = db.Close()
			return nil, types.WrapError(err, "failed to check learning collection")
		}
		if !exists {
			if err := db.CreateCollection(collection); err != nil {
				_ = db.Close()
				return nil, types.WrapError(err, "failed to create learning collection")
			}
		}
	}

	return &Recorder{
		logger:      logger,
		db:          db,
		maxPatterns: maxPatterns,
		accesses:    make(map[string]*pendingAccess),
	}, nil
}

// RecordAccess buffers one hit or similarity adoption against a key. Cheap:
// no disk I/O until Flush.
func (r *Recorder) RecordAccess(key string, tags []string, projectPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	if pending, ok := r.accesses[key]; ok {
		pending.count++
		return
	}
	r.accesses[key] = &pendingAccess{
		key:     key,
		tags:    tags,
		project: projectPath,
		count:   1,
	}
}

func (r *Recorder) RecordAdoption(sourceKey, projectPath string, similarity float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	r.adoptions = append(r.adoptions, pendingAdoption{
		sourceKey:  sourceKey,
		project:    projectPath,
		similarity: similarity,
		at:         time.Now(),
	})
}

// Flush merges buffered observations into the clover collections and prunes
// the pattern collection down to maxPatterns.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	accesses := r.accesses
	adoptions := r.adoptions
	r.accesses = make(map[string]*pendingAccess)
	r.adoptions = nil
	closed := r.closed
	r.mu.Unlock()

	if closed {
		return types.ErrStoreClosed
	}
	if len(accesses) == 0 && len(adoptions) == 0 {
		return nil
	}

	now := time.Now().Unix()

	for _, pending := range accesses {
		if err := r.upsertPattern(pending, now); err != nil {
			r.logger.Warn("Failed to persist access pattern",
				zap.String("key", pending.key), zap.Error(err))
		}
	}

	for _, adoption := range adoptions {
		doc := clover.NewDocument()
		doc.Set("id", uuid.New().String())
		doc.Set("source_key", adoption.sourceKey)
		doc.Set("project_path", adoption.project)
		doc.Set("similarity", adoption.similarity)
		doc.Set("at", adoption.at.Unix())
		if err := r.db.Insert(adoptionsCollection, doc); err != nil {
			r.logger.Warn("Failed to persist adoption", zap.Error(err))
		}
	}

	return r.prune()
}

func (r *Recorder) upsertPattern(pending *pendingAccess, now int64) error {
	query := r.db.Query(patternsCollection).Where(clover.Field("key").Eq(pending.key))

	docs, err := query.FindAll()
	if err != nil {
		return err
	}

	if len(docs) > 0 {
		count := asInt64(docs[0].Get("count")) + int64(pending.count)
		return query.Update(map[string]interface{}{
			"count":     count,
			"last_seen": now,
		})
	}

	doc := clover.NewDocument()
	doc.Set("id", uuid.New().String())
	doc.Set("key", pending.key)
	doc.Set("tags", pending.tags)
	doc.Set("project_path", pending.project)
	doc.Set("count", int64(pending.count))
	doc.Set("last_seen", now)
	return r.db.Insert(patternsCollection, doc)
}

func (r *Recorder) prune() error {
	count, err := r.db.Query(patternsCollection).Count()
	if err != nil || count <= r.maxPatterns {
		return err
	}

	excess := count - r.maxPatterns
	return r.db.Query(patternsCollection).
		Sort(clover.SortOption{Field: "count", Direction: 1}).
		Limit(excess).
		Delete()
}

// PreloadHints returns the most frequently requested keys, optionally scoped
// to one project, for predictive pre-caching.
func (r *Recorder) PreloadHints(projectPath string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}

	query := r.db.Query(patternsCollection)
	if projectPath != "" {
		query = query.Where(clover.Field("project_path").Eq(projectPath))
	}

	docs, err := query.
		Sort(clover.SortOption{Field: "count", Direction: -1}).
		Limit(limit).
		FindAll()
	if err != nil {
		return nil, types.WrapError(err, "failed to read preload hints")
	}

	hints := make([]string, 0, len(docs))
	for _, doc := range docs {
		if key, ok := doc.Get("key").(string); ok {
			hints = append(hints, key)
		}
	}
	return hints, nil
}

// TopPatterns reports the highest-count access patterns for stats snapshots.
func (r *Recorder) TopPatterns(limit int) ([]types.PatternCount, error) {
	if limit <= 0 {
		limit = 5
	}

	docs, err := r.db.Query(patternsCollection).
		Sort(clover.SortOption{Field: "count", Direction: -1}).
		Limit(limit).
		FindAll()
	if err != nil {
		return nil, types.WrapError(err, "failed to read top patterns")
	}

	patterns := make([]types.PatternCount, 0, len(docs))
	for _, doc := range docs {
		key, _ := doc.Get("key").(string)
		patterns = append(patterns, types.PatternCount{
			Pattern: key,
			Count:   uint64(asInt64(doc.Get("count"))),
		})
	}

	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Count > patterns[j].Count })
	return patterns, nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	return r.db.Close()
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}
