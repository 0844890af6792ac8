package similarity

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devctx/contextcache/types"
)

func deps(names ...string) []types.Dependency {
	out := make([]types.Dependency, 0, len(names))
	for _, name := range names {
		out = append(out, types.Dependency{Name: name, Version: "1.0.0"})
	}
	return out
}

func TestCompareIdenticalSignatures(t *testing.T) {
	engine := NewEngine(0.7)

	sig := &types.ProjectSignature{
		FilePatterns:  []string{"**/*.ts", "**/*.tsx"},
		Dependencies:  deps("react", "typescript", "webpack"),
		Technologies:  []string{"nodejs", "typescript", "react"},
		StructureHash: structureHash([]string{"src", "src/components", "test"}),
	}

	score, comparedWeight, reasons := engine.Compare(sig, sig)
	assert.InDelta(t, 1.0, score, 1e-9)
	assert.InDelta(t, 1.0, comparedWeight, 1e-9)
	assert.NotEmpty(t, reasons)
}

func TestCompareHighDependencyOverlapWithoutStructure(t *testing.T) {
	engine := NewEngine(0.7)

	shared := make([]string, 0, 38)
	for i := 0; i < 38; i++ {
		shared = append(shared, fmt.Sprintf("lib-%d", i))
	}

	query := &types.ProjectSignature{
		Dependencies: deps(append(shared, "extra-a", "extra-b")...),
		Technologies: []string{"nodejs", "typescript", "react"},
	}
	candidate := &types.ProjectSignature{
		Dependencies: deps(append(shared, "other-a", "other-b")...),
		Technologies: []string{"nodejs", "typescript", "react"},
	}

	score, comparedWeight, reasons := engine.Compare(query, candidate)

	// Structure is not comparable on either side, so the score renormalizes
	// over the remaining components instead of being capped at 0.8.
	assert.Greater(t, score, 0.9)
	assert.InDelta(t, 0.8, comparedWeight, 1e-9)
	assert.Contains(t, reasons, "same technology stack: nodejs, react, typescript")
}

func TestCompareDisjointProjects(t *testing.T) {
	engine := NewEngine(0.7)

	query := &types.ProjectSignature{
		Dependencies: deps("gin", "zap"),
		Technologies: []string{"go"},
	}
	candidate := &types.ProjectSignature{
		Dependencies: deps("django", "celery"),
		Technologies: []string{"python"},
	}

	score, _, _ := engine.Compare(query, candidate)
	assert.Zero(t, score)
}

func TestCompareNothingComparable(t *testing.T) {
	engine := NewEngine(0.7)

	score, comparedWeight, reasons := engine.Compare(
		&types.ProjectSignature{Dependencies: deps("react")},
		&types.ProjectSignature{Technologies: []string{"go"}},
	)
	assert.Zero(t, score)
	assert.Zero(t, comparedWeight)
	assert.Nil(t, reasons)
}

func TestBestMatchRespectsThreshold(t *testing.T) {
	engine := NewEngine(0.7)
	now := time.Now()

	entries := []*types.CacheEntry{
		{
			Key: "proj:weak",
			Metadata: types.EntryMetadata{
				Dependencies: deps("flask"),
				Tags:         []string{"python"},
				Timestamp:    now,
			},
			Data: "payload",
		},
	}

	query := &types.ProjectSignature{
		Dependencies: deps("react", "webpack"),
		Technologies: []string{"nodejs"},
	}

	match, ok := engine.BestMatch(query, entries)
	assert.False(t, ok)
	assert.Nil(t, match)
}

func TestBestMatchPicksHighestScore(t *testing.T) {
	engine := NewEngine(0.5)
	now := time.Now()

	base := deps("react", "webpack", "typescript", "jest")
	entries := []*types.CacheEntry{
		{
			Key: "proj:partial",
			Metadata: types.EntryMetadata{
				Dependencies: deps("react", "webpack", "rollup", "mocha"),
				Tags:         []string{"nodejs"},
				Timestamp:    now,
			},
			Data: "partial",
		},
		{
			Key: "proj:exact",
			Metadata: types.EntryMetadata{
				Dependencies: base,
				Tags:         []string{"nodejs"},
				Timestamp:    now,
			},
			Data: "exact",
		},
	}

	query := &types.ProjectSignature{
		Dependencies: base,
		Technologies: []string{"nodejs"},
	}

	match, ok := engine.BestMatch(query, entries)
	require.True(t, ok)
	assert.Equal(t, "proj:exact", match.Entry.Key)
	assert.InDelta(t, 1.0, match.Similarity, 1e-9)
	assert.NotEmpty(t, match.Reasons)
}

func TestConfidenceDecaysWithAge(t *testing.T) {
	now := time.Now()
	engine := NewEngine(0.5).WithClock(func() time.Time { return now })

	fresh := &types.CacheEntry{
		Metadata: types.EntryMetadata{LastAccessed: now},
	}
	stale := &types.CacheEntry{
		Metadata: types.EntryMetadata{LastAccessed: now.Add(-7 * 24 * time.Hour)},
	}

	freshConf := engine.calculateConfidence(1.0, 1.0, fresh)
	staleConf := engine.calculateConfidence(1.0, 1.0, stale)

	assert.InDelta(t, 1.0, freshConf, 1e-9)
	assert.InDelta(t, 0.5, staleConf, 1e-6)
}

func TestConfidenceDiscountsPartialComparison(t *testing.T) {
	now := time.Now()
	engine := NewEngine(0.5).WithClock(func() time.Time { return now })

	entry := &types.CacheEntry{
		Metadata: types.EntryMetadata{LastAccessed: now},
	}

	conf := engine.calculateConfidence(1.0, 0.8, entry)
	assert.InDelta(t, 0.8, conf, 1e-9)
}

func TestAdaptForProjectCopiesPayload(t *testing.T) {
	original := &types.ContextScanResult{
		ProjectPath:  "/projects/source",
		Technologies: []string{"go"},
	}

	adapted := AdaptForProject(original, "/projects/target")

	result, ok := adapted.(*types.ContextScanResult)
	require.True(t, ok)
	assert.Equal(t, "/projects/target", result.ProjectPath)
	assert.Equal(t, "/projects/source", original.ProjectPath)
}

func TestAdaptForProjectRewritesDeserializedMap(t *testing.T) {
	original := map[string]interface{}{
		"project_path": "/projects/source",
		"technologies": []interface{}{"go"},
	}

	adapted := AdaptForProject(original, "/projects/target")

	result, ok := adapted.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "/projects/target", result["project_path"])
	assert.Equal(t, "/projects/source", original["project_path"])
}

func TestSignatureFromMetadataUsesPayloadStructure(t *testing.T) {
	meta := &types.EntryMetadata{
		FilePatterns: []string{"**/*.go"},
		Dependencies: deps("zap"),
		Tags:         []string{"go"},
	}
	data := &types.ContextScanResult{
		Structure: types.ProjectStructure{Directories: []string{"cmd", "internal"}},
	}

	sig := SignatureFromMetadata(meta, data)
	assert.Equal(t, structureHash([]string{"internal", "cmd"}), sig.StructureHash)
	assert.Equal(t, []string{"**/*.go"}, sig.FilePatterns)
	assert.Equal(t, []string{"go"}, sig.Technologies)
}
