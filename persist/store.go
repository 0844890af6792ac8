package persist

import (
	"github.com/devctx/contextcache/types"
)

var customStoreCreators = make(map[string]types.EntryStoreCreator)

// RegisterEntryStore makes a custom backend available to New under the given
// type name.
func RegisterEntryStore(storeType string, creator types.EntryStoreCreator) {
	customStoreCreators[storeType] = creator
}

// New builds the entry store named by the persistence config. The cache-wide
// compression and encryption switches apply to the file backend; redis
// relies on transport-level protection instead.
func New(logger types.Logger, persistence *types.PersistenceConfig, cache *types.CacheConfig) (types.EntryStore, error) {
	storeType := "file"
	if persistence != nil && persistence.Type != "" {
		storeType = persistence.Type
	}

	switch storeType {
	case "file":
		dir := ".contextcache"
		if persistence != nil && persistence.Dir != "" {
			dir = persistence.Dir
		}
		return NewFileStore(logger, &FileStoreConfig{
			Dir:           dir,
			Compress:      cache != nil && cache.CompressionEnabled,
			EncryptionKey: encryptionKey(cache),
		})
	case "redis":
		var backendConfig interface{}
		if persistence != nil {
			backendConfig = persistence.Config
		}
		return NewRedisStore(logger, backendConfig)
	default:
		if creator, exists := customStoreCreators[storeType]; exists {
			var backendConfig interface{}
			if persistence != nil {
				backendConfig = persistence.Config
			}
			return creator(backendConfig)
		}
		return nil, types.Errorf(types.ErrStoreTypeUnknown, "type: %s", storeType)
	}
}

func encryptionKey(cache *types.CacheConfig) string {
	if cache == nil {
		return ""
	}
	return cache.EncryptionKey
}
