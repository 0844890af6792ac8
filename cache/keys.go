package cache

import (
	"path/filepath"

	"github.com/devctx/contextcache/types"
	"github.com/devctx/contextcache/utils"
)

// ProjectCacheKey derives the canonical cache key for a project path. The
// base name stays readable for debugging; the hash keeps distinct paths with
// equal base names apart.
func ProjectCacheKey(projectPath string) string {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		abs = projectPath
	}
	return "proj:" + filepath.Base(abs) + ":" + utils.HashString(abs)
}

// calculateSize estimates the serialized footprint of a payload. Best
// effort: payloads sonic cannot encode count as zero-sized toward the
// memory limit.
func calculateSize(data interface{}) int64 {
	encoded, err := utils.Marshal(data)
	if err != nil {
		return 0
	}
	return int64(len(encoded))
}

func cloneMetadata(meta *types.EntryMetadata) types.EntryMetadata {
	if meta == nil {
		return types.EntryMetadata{}
	}

	clone := *meta
	clone.FilePatterns = append([]string(nil), meta.FilePatterns...)
	clone.Dependencies = append([]types.Dependency(nil), meta.Dependencies...)
	clone.Tags = append([]string(nil), meta.Tags...)
	return clone
}
