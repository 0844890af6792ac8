package config

import (
	"context"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/devctx/contextcache/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(configPath string) (*types.Config, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.WrapError(err, "file not found: "+configPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := l.readFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.WrapError(err, "failed to parse YAML config")
	}

	if err := l.Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate enforces struct tags plus the constraints tags cannot express:
// preload patterns must be well-formed globs.
func (l *Loader) Validate(config *types.Config) error {
	if config == nil {
		return types.ErrConfigNotFound
	}

	if err := l.validator.Struct(config); err != nil {
		return types.WrapError(err, "config validation failed")
	}

	for _, pattern := range config.Cache.PreloadPatterns {
		if !doublestar.ValidatePattern(pattern) {
			return types.Errorf(types.ErrConfigPatternInvalid, "pattern: %s", pattern)
		}
	}

	return nil
}

func (l *Loader) readFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.Config {
	return &types.Config{
		Name:    "contextcache",
		Version: "dev",
		Cache: &types.CacheConfig{
			MemoryLimit:         256 << 20,
			DiskLimit:           1 << 30,
			TTL:                 time.Hour,
			MaxEntries:          10000,
			PersistentStorage:   true,
			DistributedMode:     false,
			LearningEnabled:     true,
			PreloadPatterns:     nil,
			CompressionEnabled:  false,
			SimilarityThreshold: 0.7,
		},
		Logger: &types.LoggerConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Metrics: &types.MetricsConfig{
			Enabled:   false,
			Namespace: "contextcache",
		},
		Persistence: &types.PersistenceConfig{
			Type: "file",
			Dir:  ".contextcache",
		},
		Maintenance: &types.MaintenanceConfig{
			Spec:          "@every 1m",
			FlushInterval: 30 * time.Second,
		},
		Learning: &types.LearningConfig{
			Path:        ".contextcache/learning",
			MaxPatterns: 1000,
		},
		Server: &types.ServerConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    8717,
		},
		Notify: &types.NotifyConfig{
			Enabled:        false,
			ReconnectDelay: 5 * time.Second,
			MaxRetries:     10,
		},
	}
}
