package learning

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devctx/contextcache/types"
)

func newTestRecorder(t *testing.T, maxPatterns int) *Recorder {
	t.Helper()

	recorder, err := NewRecorder(nil, &types.LearningConfig{
		Path:        filepath.Join(t.TempDir(), "learning"),
		MaxPatterns: maxPatterns,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = recorder.Close() })

	return recorder
}

func TestRecordAccessBuffersUntilFlush(t *testing.T) {
	recorder := newTestRecorder(t, 100)

	recorder.RecordAccess("proj:alpha", []string{"analysis"}, "/work/alpha")
	recorder.RecordAccess("proj:alpha", nil, "/work/alpha")
	recorder.RecordAccess("proj:beta", nil, "/work/beta")

	patterns, err := recorder.TopPatterns(10)
	require.NoError(t, err)
	assert.Empty(t, patterns, "nothing persisted before flush")

	require.NoError(t, recorder.Flush())

	patterns, err = recorder.TopPatterns(10)
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	assert.Equal(t, "proj:alpha", patterns[0].Pattern)
	assert.Equal(t, uint64(2), patterns[0].Count)
	assert.Equal(t, "proj:beta", patterns[1].Pattern)
	assert.Equal(t, uint64(1), patterns[1].Count)
}

func TestFlushUpsertsExistingPattern(t *testing.T) {
	recorder := newTestRecorder(t, 100)

	recorder.RecordAccess("proj:alpha", nil, "/work/alpha")
	require.NoError(t, recorder.Flush())

	recorder.RecordAccess("proj:alpha", nil, "/work/alpha")
	recorder.RecordAccess("proj:alpha", nil, "/work/alpha")
	require.NoError(t, recorder.Flush())

	patterns, err := recorder.TopPatterns(1)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, uint64(3), patterns[0].Count)
}

func TestFlushWithNothingBufferedIsNoop(t *testing.T) {
	recorder := newTestRecorder(t, 100)

	require.NoError(t, recorder.Flush())

	patterns, err := recorder.TopPatterns(5)
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestPreloadHintsOrderedByCount(t *testing.T) {
	recorder := newTestRecorder(t, 100)

	for i := 0; i < 3; i++ {
		recorder.RecordAccess("proj:hot", nil, "/work/hot")
	}
	recorder.RecordAccess("proj:warm", nil, "/work/warm")
	recorder.RecordAccess("proj:warm", nil, "/work/warm")
	recorder.RecordAccess("proj:cold", nil, "/work/cold")
	require.NoError(t, recorder.Flush())

	hints, err := recorder.PreloadHints("", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"proj:hot", "proj:warm"}, hints)
}

func TestPreloadHintsScopedToProject(t *testing.T) {
	recorder := newTestRecorder(t, 100)

	recorder.RecordAccess("proj:alpha", nil, "/work/alpha")
	recorder.RecordAccess("proj:alpha", nil, "/work/alpha")
	recorder.RecordAccess("proj:beta", nil, "/work/beta")
	require.NoError(t, recorder.Flush())

	hints, err := recorder.PreloadHints("/work/beta", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"proj:beta"}, hints)
}

func TestFlushPrunesLowestCountPatterns(t *testing.T) {
	recorder := newTestRecorder(t, 3)

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("proj:p%d", i)
		for j := 0; j <= i; j++ {
			recorder.RecordAccess(key, nil, "/work")
		}
	}
	require.NoError(t, recorder.Flush())

	patterns, err := recorder.TopPatterns(10)
	require.NoError(t, err)
	require.Len(t, patterns, 3)
	assert.Equal(t, "proj:p4", patterns[0].Pattern)
	assert.Equal(t, "proj:p3", patterns[1].Pattern)
	assert.Equal(t, "proj:p2", patterns[2].Pattern)
}

func TestRecordAdoptionPersisted(t *testing.T) {
	recorder := newTestRecorder(t, 100)

	recorder.RecordAdoption("proj:source", "/work/new", 0.91)
	require.NoError(t, recorder.Flush())

	docs, err := recorder.db.Query(adoptionsCollection).FindAll()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "proj:source", docs[0].Get("source_key"))
	assert.Equal(t, "/work/new", docs[0].Get("project_path"))
	assert.InDelta(t, 0.91, docs[0].Get("similarity"), 1e-9)
}

func TestClosedRecorderDropsObservations(t *testing.T) {
	recorder := newTestRecorder(t, 100)
	require.NoError(t, recorder.Close())

	recorder.RecordAccess("proj:alpha", nil, "/work/alpha")
	recorder.RecordAdoption("proj:alpha", "/work/beta", 0.8)

	err := recorder.Flush()
	assert.ErrorIs(t, err, types.ErrStoreClosed)
}

func TestCloseIdempotent(t *testing.T) {
	recorder := newTestRecorder(t, 100)

	require.NoError(t, recorder.Close())
	require.NoError(t, recorder.Close())
}
