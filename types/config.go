package types

import "time"

type ConfigManager interface {
	Load() error
	GetConfig() *Config
}

type Config struct {
	Name        string             `yaml:"name" json:"name" validate:"required"`
	Version     string             `yaml:"version" json:"version"`
	Cache       *CacheConfig       `yaml:"cache" json:"cache" validate:"required"`
	Logger      *LoggerConfig      `yaml:"logger" json:"logger"`
	Metrics     *MetricsConfig     `yaml:"metrics" json:"metrics"`
	Persistence *PersistenceConfig `yaml:"persistence" json:"persistence"`
	Maintenance *MaintenanceConfig `yaml:"maintenance" json:"maintenance"`
	Learning    *LearningConfig    `yaml:"learning" json:"learning"`
	Server      *ServerConfig      `yaml:"server" json:"server"`
	Notify      *NotifyConfig      `yaml:"notify" json:"notify"`
}

// CacheConfig carries the cache limits and feature switches. All numeric
// limits must be strictly positive; construction fails otherwise.
type CacheConfig struct {
	MemoryLimit         int64         `yaml:"memory_limit" json:"memory_limit" validate:"gt=0"`
	DiskLimit           int64         `yaml:"disk_limit" json:"disk_limit" validate:"gt=0"`
	TTL                 time.Duration `yaml:"ttl" json:"ttl" validate:"gt=0"`
	MaxEntries          int           `yaml:"max_entries" json:"max_entries" validate:"gt=0"`
	PersistentStorage   bool          `yaml:"persistent_storage" json:"persistent_storage"`
	DistributedMode     bool          `yaml:"distributed_mode" json:"distributed_mode"`
	LearningEnabled     bool          `yaml:"learning_enabled" json:"learning_enabled"`
	PreloadPatterns     []string      `yaml:"preload_patterns" json:"preload_patterns"`
	CompressionEnabled  bool          `yaml:"compression_enabled" json:"compression_enabled"`
	EncryptionKey       string        `yaml:"encryption_key,omitempty" json:"encryption_key,omitempty"`
	SimilarityThreshold float64       `yaml:"similarity_threshold" json:"similarity_threshold" validate:"gt=0,lte=1"`
}

type LoggerConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

type PersistenceConfig struct {
	Type   string      `yaml:"type" json:"type" validate:"omitempty,oneof=file redis"`
	Dir    string      `yaml:"dir" json:"dir"`
	Config interface{} `yaml:"config" json:"config"`
}

type MaintenanceConfig struct {
	Spec          string        `yaml:"spec" json:"spec"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

type LearningConfig struct {
	Path        string `yaml:"path" json:"path"`
	MaxPatterns int    `yaml:"max_patterns" json:"max_patterns"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
}

type NotifyConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	URL            string        `yaml:"url" json:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
}
