package analyzer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devctx/contextcache/types"
	"github.com/devctx/contextcache/utils"
)

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".idea":        true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
}

const (
	defaultMaxDepth   = 8
	signatureMaxDepth = 3
)

// Analyzer is the default types.ProjectAnalyzer: it walks the project tree,
// parses dependency manifests, detects the technology stack and derives
// simple metrics and recommendations.
type Analyzer struct {
	logger   types.Logger
	maxDepth int
}

func New(logger types.Logger) *Analyzer {
	return &Analyzer{
		logger:   logger,
		maxDepth: defaultMaxDepth,
	}
}

func (a *Analyzer) Analyze(ctx context.Context, projectPath string) (*types.ContextScanResult, error) {
	if projectPath == "" {
		return nil, types.ErrProjectPathEmpty
	}

	start := time.Now()

	scan, err := a.walk(ctx, projectPath, a.maxDepth)
	if err != nil {
		return nil, err
	}

	deps, manifests, err := a.parseManifests(ctx, projectPath)
	if err != nil {
		return nil, err
	}

	technologies := detectTechnologies(deps, manifests, scan.extCounts)

	result := &types.ContextScanResult{
		ProjectPath: projectPath,
		Structure: types.ProjectStructure{
			Directories: scan.dirs,
			FileCount:   scan.fileCount,
			Languages:   languagesFromExts(scan.extCounts),
		},
		Dependencies: deps,
		Metrics: types.CodeMetrics{
			TotalFiles:    scan.fileCount,
			TotalDirs:     len(scan.dirs),
			FilesByExt:    scan.extCounts,
			ManifestFiles: manifests,
		},
		Patterns:        patternsFromExts(scan.extCounts),
		Technologies:    technologies,
		Recommendations: recommend(technologies, scan, manifests),
		Timestamp:       time.Now(),
		ScanDuration:    time.Since(start),
	}

	a.logger.Debug("Project analyzed",
		zap.String("project", projectPath),
		zap.Int("files", scan.fileCount),
		zap.Int("deps", len(deps)),
		zap.Duration("took", result.ScanDuration))

	return result, nil
}

// Signature is the cheap fingerprint used for fuzzy lookup: a shallow walk
// plus manifest parse, no metrics or recommendations.
func (a *Analyzer) Signature(ctx context.Context, projectPath string) (*types.ProjectSignature, error) {
	if projectPath == "" {
		return nil, types.ErrProjectPathEmpty
	}

	scan, err := a.walk(ctx, projectPath, signatureMaxDepth)
	if err != nil {
		return nil, err
	}

	deps, manifests, err := a.parseManifests(ctx, projectPath)
	if err != nil {
		return nil, err
	}

	return &types.ProjectSignature{
		FilePatterns:  patternsFromExts(scan.extCounts),
		Dependencies:  deps,
		Technologies:  detectTechnologies(deps, manifests, scan.extCounts),
		StructureHash: StructureHash(scan.dirs),
	}, nil
}

// StructureHash digests the directory layout: sorted relative paths, content
// independent.
func StructureHash(dirs []string) string {
	sorted := make([]string, len(dirs))
	copy(sorted, dirs)
	sort.Strings(sorted)
	return utils.HashStrings(sorted)
}

type walkResult struct {
	dirs      []string
	fileCount int
	extCounts map[string]int
}

func (a *Analyzer) walk(ctx context.Context, root string, maxDepth int) (*walkResult, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, types.WrapError(err, "project path not accessible")
	}

	result := &walkResult{extCounts: make(map[string]int)}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return types.WrapError(ctx.Err(), "project scan cancelled")
		default:
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}

		if d.IsDir() {
			if path == root {
				return nil
			}
			if skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if strings.Count(rel, string(filepath.Separator))+1 > maxDepth {
				return filepath.SkipDir
			}
			result.dirs = append(result.dirs, filepath.ToSlash(rel))
			return nil
		}

		result.fileCount++
		if ext := filepath.Ext(d.Name()); ext != "" {
			result.extCounts[ext]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func patternsFromExts(extCounts map[string]int) []string {
	patterns := make([]string, 0, len(extCounts))
	for ext := range extCounts {
		patterns = append(patterns, "**/*"+ext)
	}
	sort.Strings(patterns)
	return patterns
}

func languagesFromExts(extCounts map[string]int) map[string]int {
	langs := make(map[string]int)
	for ext, count := range extCounts {
		if lang, ok := extLanguages[ext]; ok {
			langs[lang] += count
		}
	}
	return langs
}

var extLanguages = map[string]string{
	".go":   "go",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".py":   "python",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
	".c":    "c",
	".cpp":  "cpp",
	".cs":   "csharp",
	".php":  "php",
}

func recommend(technologies []string, scan *walkResult, manifests []string) []string {
	var recs []string

	hasLock := false
	for _, m := range manifests {
		base := filepath.Base(m)
		if base == "package-lock.json" || base == "go.sum" || base == "yarn.lock" {
			hasLock = true
		}
	}
	if len(manifests) > 0 && !hasLock {
		recs = append(recs, "no lockfile found; dependency versions are not pinned")
	}

	if scan.fileCount > 5000 {
		recs = append(recs, "large project; consider narrowing analysis scope")
	}

	for _, tech := range technologies {
		if tech == "typescript" {
			if _, ok := scan.extCounts[".js"]; ok {
				recs = append(recs, "mixed JavaScript and TypeScript sources detected")
			}
		}
	}

	return recs
}
