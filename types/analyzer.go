package types

import (
	"context"
	"time"
)

// ProjectAnalyzer performs the expensive project analysis the cache memoizes.
// Analyze is potentially slow and must honor context cancellation. Signature
// is the cheap variant used for fuzzy lookup: a fingerprint built without a
// full scan.
type ProjectAnalyzer interface {
	Analyze(ctx context.Context, projectPath string) (*ContextScanResult, error)
	Signature(ctx context.Context, projectPath string) (*ProjectSignature, error)
}

type ProjectStructure struct {
	Directories []string       `json:"directories"`
	FileCount   int            `json:"file_count"`
	Languages   map[string]int `json:"languages,omitempty"`
}

type CodeMetrics struct {
	TotalFiles    int            `json:"total_files"`
	TotalDirs     int            `json:"total_dirs"`
	FilesByExt    map[string]int `json:"files_by_ext,omitempty"`
	ManifestFiles []string       `json:"manifest_files,omitempty"`
}

// ContextScanResult is the opaque analyzer payload. Once stored the cache
// treats it as immutable; only adopted copies are rewritten.
type ContextScanResult struct {
	ProjectPath     string                 `json:"project_path"`
	Structure       ProjectStructure       `json:"structure"`
	Dependencies    []Dependency           `json:"dependencies,omitempty"`
	Configurations  map[string]interface{} `json:"configurations,omitempty"`
	Metrics         CodeMetrics            `json:"metrics"`
	Recommendations []string               `json:"recommendations,omitempty"`
	Patterns        []string               `json:"patterns,omitempty"`
	Technologies    []string               `json:"technologies,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
	ScanDuration    time.Duration          `json:"scan_duration"`
}
