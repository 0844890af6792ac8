package cache

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/devctx/contextcache/types"
	"github.com/devctx/contextcache/utils"
)

const snapshotVersion = 1

// snapshot is the portable on-disk form of a full cache export. Manual rule
// conditions are functions and cannot travel; imported entries fall back to
// their remaining rules and TTL.
type snapshot struct {
	Version    int                 `json:"version"`
	ExportedAt time.Time           `json:"exported_at"`
	Entries    []*types.CacheEntry `json:"entries"`
}

// Export writes every live entry, memory and durable tier combined, to a
// single JSON snapshot. The write is atomic: a crash mid-export never leaves
// a truncated file at the target path.
func (c *Cache) Export(path string) error {
	if path == "" {
		return types.ErrExportPathEmpty
	}

	now := c.now()

	c.mu.RLock()
	entries := make([]*types.CacheEntry, 0, len(c.entries))
	resident := make(map[string]bool, len(c.entries))
	for key, entry := range c.entries {
		resident[key] = true
		if entry.IsExpired(now) {
			continue
		}
		entries = append(entries, snapshotEntry(entry))
	}
	c.mu.RUnlock()

	if c.store != nil {
		stored, err := c.store.LoadAll(c.ctx)
		if err != nil {
			return types.WrapError(err, "export store scan")
		}
		for _, entry := range stored {
			if resident[entry.Key] || entry.IsExpired(now) {
				continue
			}
			entries = append(entries, entry)
		}
	}

	encoded, err := utils.Marshal(snapshot{
		Version:    snapshotVersion,
		ExportedAt: now,
		Entries:    entries,
	})
	if err != nil {
		return types.WrapError(err, "export encode")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return types.WrapError(err, "export dir")
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return types.WrapError(err, "export write")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return types.WrapError(err, "export rename")
	}

	c.logger.Info("cache exported",
		zap.String("path", path),
		zap.Int("entries", len(entries)))
	return nil
}

// Import loads a snapshot produced by Export. Entries re-enter through the
// normal Set path, so access metadata starts fresh, watches are registered
// and limits enforced; entries already expired in the snapshot are skipped.
func (c *Cache) Import(path string) error {
	if path == "" {
		return types.ErrExportPathEmpty
	}

	encoded, err := os.ReadFile(path)
	if err != nil {
		return types.WrapError(err, "import read")
	}

	var snap snapshot
	if err := utils.Unmarshal(encoded, &snap); err != nil {
		return types.Errorf(types.ErrImportFormatInvalid, "%v", err)
	}
	if snap.Version != snapshotVersion {
		return types.Errorf(types.ErrImportFormatInvalid, "unsupported version %d", snap.Version)
	}

	now := c.now()
	imported := 0
	for _, entry := range snap.Entries {
		if entry == nil || entry.Key == "" || entry.Data == nil {
			continue
		}
		if entry.IsExpired(now) {
			continue
		}

		meta := entry.Metadata
		meta.AccessCount = 0
		meta.LastAccessed = time.Time{}
		if err := c.Set(entry.Key, entry.Data, &meta, entry.Rules); err != nil {
			return types.WrapError(err, "import entry "+entry.Key)
		}
		imported++
	}

	c.logger.Info("cache imported",
		zap.String("path", path),
		zap.Int("entries", imported))
	return nil
}
