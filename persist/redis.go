package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devctx/contextcache/types"
	"github.com/devctx/contextcache/utils"
)

type RedisStoreConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	Password     string        `json:"password"`
	DB           int           `json:"db"`
	PoolSize     int           `json:"pool_size"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	KeyPrefix    string        `json:"key_prefix"`
}

// RedisStore mirrors entries into redis: one string value per record plus a
// sizes hash acting as the index. Redis guarantees write atomicity per
// command, so the file store's temp-and-rename dance is unnecessary here.
type RedisStore struct {
	logger types.Logger
	config *RedisStoreConfig
	client *redis.Client
}

func NewRedisStore(logger types.Logger, config interface{}) (*RedisStore, error) {
	redisConfig := &RedisStoreConfig{
		Host:         "localhost",
		Port:         6379,
		DB:           0,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "contextcache",
	}

	if config != nil {
		if err := utils.UnmarshalConfig(config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis store config")
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		DialTimeout:  redisConfig.DialTimeout,
		ReadTimeout:  redisConfig.ReadTimeout,
		WriteTimeout: redisConfig.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisConfig.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.WrapError(err, "failed to connect to redis")
	}

	return &RedisStore{
		logger: logger,
		config: redisConfig,
		client: client,
	}, nil
}

func (r *RedisStore) Save(ctx context.Context, entry *types.CacheEntry) error {
	if entry == nil || entry.Key == "" {
		return types.ErrCacheKeyEmpty
	}

	data, err := utils.Marshal(entry)
	if err != nil {
		return types.WrapError(err, "failed to marshal cache record")
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recordKey(entry.Key), data, 0)
	pipe.HSet(ctx, r.sizesKey(), entry.Key, len(data))
	if _, err := pipe.Exec(ctx); err != nil {
		return types.WrapError(err, "failed to write cache record to redis")
	}

	return nil
}

func (r *RedisStore) Load(ctx context.Context, key string) (*types.CacheEntry, error) {
	result, err := r.client.Get(ctx, r.recordKey(key)).Result()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, types.ErrStoreNotFound
		}
		return nil, types.WrapError(err, "failed to read cache record from redis")
	}

	var entry types.CacheEntry
	if err := utils.Unmarshal([]byte(result), &entry); err != nil {
		r.logger.Warn("Dropping corrupt redis cache record",
			zap.String("key", key), zap.Error(err))
		_ = r.Delete(ctx, key)
		return nil, types.ErrStoreNotFound
	}

	return &entry, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.recordKey(key))
	pipe.HDel(ctx, r.sizesKey(), key)
	_, err := pipe.Exec(ctx)
	return types.WrapError(err, "failed to delete cache record from redis")
}

func (r *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := r.client.HKeys(ctx, r.sizesKey()).Result()
	if err != nil {
		return nil, types.WrapError(err, "failed to list cache keys from redis")
	}
	return keys, nil
}

func (r *RedisStore) LoadAll(ctx context.Context) ([]*types.CacheEntry, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]*types.CacheEntry, 0, len(keys))
	for _, key := range keys {
		entry, err := r.Load(ctx, key)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func (r *RedisStore) Usage(ctx context.Context) (int64, error) {
	sizes, err := r.client.HVals(ctx, r.sizesKey()).Result()
	if err != nil {
		return 0, types.WrapError(err, "failed to read cache sizes from redis")
	}

	var total int64
	for _, raw := range sizes {
		var size int64
		if _, err := fmt.Sscanf(raw, "%d", &size); err == nil {
			total += size
		}
	}
	return total, nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	keys, err := r.Keys(ctx)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	for _, key := range keys {
		pipe.Del(ctx, r.recordKey(key))
	}
	pipe.Del(ctx, r.sizesKey())
	_, err = pipe.Exec(ctx)
	return types.WrapError(err, "failed to clear redis cache records")
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) recordKey(key string) string {
	return r.config.KeyPrefix + ":record:" + key
}

func (r *RedisStore) sizesKey() string {
	return r.config.KeyPrefix + ":sizes"
}
