package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
	ErrConfigLimitInvalid   = errors.New("config limit must be positive")
	ErrConfigPatternInvalid = errors.New("config preload pattern invalid")
	ErrConfigThresholdRange = errors.New("similarity threshold out of range")
)

var (
	ErrCacheKeyEmpty       = errors.New("cache key empty")
	ErrCacheNotRunning     = errors.New("cache not running")
	ErrCacheAlreadyRunning = errors.New("cache already running")
	ErrCacheDataIsNil      = errors.New("cache data is nil")
)

var (
	ErrStoreTypeUnknown   = errors.New("entry store type unknown")
	ErrStoreNotFound      = errors.New("entry store record not found")
	ErrStoreCorruptRecord = errors.New("entry store record corrupt")
	ErrStoreClosed        = errors.New("entry store closed")
)

var (
	ErrRuleTypeUnknown   = errors.New("invalidation rule type unknown")
	ErrRulePatternEmpty  = errors.New("invalidation rule pattern empty")
	ErrWatcherClosed     = errors.New("watcher closed")
	ErrWatchSetupFailed  = errors.New("watch setup failed")
	ErrWatchHandleExists = errors.New("watch handle already registered")
)

var (
	ErrAnalyzerNotSet   = errors.New("project analyzer not configured")
	ErrProjectPathEmpty = errors.New("project path empty")
	ErrScanCancelled    = errors.New("project scan cancelled")
)

var (
	ErrExportPathEmpty     = errors.New("export path empty")
	ErrImportFormatInvalid = errors.New("import snapshot format invalid")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrBrokerNotConnected   = errors.New("notify broker not connected")
	ErrMetricsIsDisabled    = errors.New("metrics manager is disabled")
	ErrLearningIsDisabled   = errors.New("learning recorder is disabled")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
