package similarity

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/devctx/contextcache/types"
	"github.com/devctx/contextcache/utils"
)

const (
	weightTechnologies = 0.4
	weightDependencies = 0.4
	weightStructure    = 0.2

	// confidence halves for every week a candidate goes untouched
	ageHalfLife = 7 * 24 * time.Hour
)

// Engine scores candidate cache entries against a query signature. Scoring
// is pure in-memory computation; the engine holds no locks and never blocks.
type Engine struct {
	threshold float64
	now       func() time.Time
}

func NewEngine(threshold float64) *Engine {
	return &Engine{
		threshold: threshold,
		now:       time.Now,
	}
}

// WithClock overrides the engine clock. Test helper.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) Threshold() float64 { return e.threshold }

// SignatureFromMetadata builds a candidate signature from stored entry
// metadata, pulling the structural hash from the payload when it is a scan
// result.
func SignatureFromMetadata(meta *types.EntryMetadata, data interface{}) *types.ProjectSignature {
	sig := &types.ProjectSignature{
		FilePatterns: dedupSorted(meta.FilePatterns),
		Dependencies: meta.Dependencies,
		Technologies: dedupSorted(meta.Tags),
	}

	switch result := data.(type) {
	case *types.ContextScanResult:
		if result != nil {
			sig.StructureHash = structureHash(result.Structure.Directories)
			if len(sig.Technologies) == 0 {
				sig.Technologies = dedupSorted(result.Technologies)
			}
			if len(sig.Dependencies) == 0 {
				sig.Dependencies = result.Dependencies
			}
		}
	case types.ContextScanResult:
		sig.StructureHash = structureHash(result.Structure.Directories)
	}

	return sig
}

// Compare combines dependency, structure and technology overlap into one
// weighted score in [0,1]. Components missing on either side are excluded
// from the weighted average; comparedWeight reports how much of the total
// weight was actually comparable, feeding the confidence discount.
func (e *Engine) Compare(query, candidate *types.ProjectSignature) (score, comparedWeight float64, reasons []string) {
	if query == nil || candidate == nil {
		return 0, 0, nil
	}

	var weighted float64

	if len(query.Dependencies) > 0 && len(candidate.Dependencies) > 0 {
		depScore, shared := compareDependencies(query.Dependencies, candidate.Dependencies)
		weighted += depScore * weightDependencies
		comparedWeight += weightDependencies
		if depScore > 0 {
			reasons = append(reasons, fmt.Sprintf("%d%% dependency overlap (%d shared)",
				int(math.Round(depScore*100)), shared))
		}
	}

	if structComparable(query, candidate) {
		structScore := compareFileStructures(query, candidate)
		weighted += structScore * weightStructure
		comparedWeight += weightStructure
		if query.StructureHash != "" && query.StructureHash == candidate.StructureHash {
			reasons = append(reasons, "matching structure fingerprint")
		} else if structScore > 0.5 {
			reasons = append(reasons, fmt.Sprintf("%d%% file pattern overlap",
				int(math.Round(structScore*100))))
		}
	}

	if len(query.Technologies) > 0 && len(candidate.Technologies) > 0 {
		techScore, shared := compareTechnologyStacks(query.Technologies, candidate.Technologies)
		weighted += techScore * weightTechnologies
		comparedWeight += weightTechnologies
		if techScore == 1 {
			reasons = append(reasons, "same technology stack: "+strings.Join(shared, ", "))
		} else if len(shared) > 0 {
			reasons = append(reasons, "shared technologies: "+strings.Join(shared, ", "))
		}
	}

	if comparedWeight == 0 {
		return 0, 0, nil
	}

	score = clamp01(weighted / comparedWeight)
	return score, comparedWeight, reasons
}

// BestMatch scans candidates and returns the highest-scoring entry at or
// above the threshold, with confidence and human-auditable reasons attached.
func (e *Engine) BestMatch(query *types.ProjectSignature, candidates []*types.CacheEntry) (*types.SimilarityMatch, bool) {
	var best *types.SimilarityMatch

	for _, entry := range candidates {
		candidate := SignatureFromMetadata(&entry.Metadata, entry.Data)
		score, comparedWeight, reasons := e.Compare(query, candidate)
		if score < e.threshold {
			continue
		}
		if best != nil && score <= best.Similarity {
			continue
		}

		best = &types.SimilarityMatch{
			Entry:      entry,
			Similarity: score,
			Confidence: e.calculateConfidence(score, comparedWeight, entry),
			Reasons:    reasons,
		}
	}

	return best, best != nil
}

// calculateConfidence discounts raw similarity by candidate staleness and by
// how complete the signature comparison was.
func (e *Engine) calculateConfidence(score, comparedWeight float64, entry *types.CacheEntry) float64 {
	reference := entry.Metadata.Timestamp
	if entry.Metadata.LastAccessed.After(reference) {
		reference = entry.Metadata.LastAccessed
	}

	age := e.now().Sub(reference)
	if age < 0 {
		age = 0
	}
	ageFactor := math.Pow(0.5, float64(age)/float64(ageHalfLife))

	totalWeight := weightDependencies + weightStructure + weightTechnologies
	completeness := comparedWeight / totalWeight

	return clamp01(score * ageFactor * completeness)
}

// AdaptForProject rewrites project-specific fields in a copy of the adopted
// payload. The cached original is never mutated.
func AdaptForProject(data interface{}, projectPath string) interface{} {
	switch result := data.(type) {
	case *types.ContextScanResult:
		if result == nil {
			return nil
		}
		adapted := *result
		adapted.ProjectPath = projectPath
		return &adapted
	case types.ContextScanResult:
		result.ProjectPath = projectPath
		return result
	case map[string]interface{}:
		// Payloads restored from disk or an import snapshot arrive as
		// generic maps rather than scan result structs.
		adapted := make(map[string]interface{}, len(result))
		for k, v := range result {
			adapted[k] = v
		}
		if _, ok := adapted["project_path"]; ok {
			adapted["project_path"] = projectPath
		}
		return adapted
	default:
		return data
	}
}

func compareDependencies(query, candidate []types.Dependency) (float64, int) {
	queryNames := make(map[string]bool, len(query))
	for _, dep := range query {
		queryNames[dep.Name] = true
	}

	candidateNames := make(map[string]bool, len(candidate))
	shared := 0
	for _, dep := range candidate {
		if candidateNames[dep.Name] {
			continue
		}
		candidateNames[dep.Name] = true
		if queryNames[dep.Name] {
			shared++
		}
	}

	union := len(queryNames) + len(candidateNames) - shared
	if union == 0 {
		return 0, 0
	}

	return float64(shared) / float64(union), shared
}

func structComparable(query, candidate *types.ProjectSignature) bool {
	if query.StructureHash != "" && candidate.StructureHash != "" {
		return true
	}
	return len(query.FilePatterns) > 0 && len(candidate.FilePatterns) > 0
}

// compareFileStructures blends hash-prefix agreement with file pattern
// overlap; the hash alone is too brittle across near-identical layouts.
func compareFileStructures(query, candidate *types.ProjectSignature) float64 {
	var hashScore float64
	hasHashes := query.StructureHash != "" && candidate.StructureHash != ""
	if hasHashes {
		hashScore = hashPrefixAgreement(query.StructureHash, candidate.StructureHash)
	}

	var patternScore float64
	hasPatterns := len(query.FilePatterns) > 0 && len(candidate.FilePatterns) > 0
	if hasPatterns {
		patternScore = setJaccard(query.FilePatterns, candidate.FilePatterns)
	}

	switch {
	case hasHashes && hasPatterns:
		return 0.5*hashScore + 0.5*patternScore
	case hasHashes:
		return hashScore
	default:
		return patternScore
	}
}

func compareTechnologyStacks(query, candidate []string) (float64, []string) {
	querySet := make(map[string]bool, len(query))
	for _, tech := range query {
		querySet[tech] = true
	}

	var shared []string
	candidateSet := make(map[string]bool, len(candidate))
	for _, tech := range candidate {
		if candidateSet[tech] {
			continue
		}
		candidateSet[tech] = true
		if querySet[tech] {
			shared = append(shared, tech)
		}
	}
	sort.Strings(shared)

	union := len(querySet) + len(candidateSet) - len(shared)
	if union == 0 {
		return 0, nil
	}

	return float64(len(shared)) / float64(union), shared
}

func hashPrefixAgreement(a, b string) float64 {
	if a == b {
		return 1
	}
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	if max == 0 {
		return 0
	}
	agree := 0
	for i := 0; i < max; i++ {
		if a[i] != b[i] {
			break
		}
		agree++
	}
	return float64(agree) / float64(max)
}

func setJaccard(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	for _, s := range a {
		setA[s] = true
	}
	setB := make(map[string]bool, len(b))
	shared := 0
	for _, s := range b {
		if setB[s] {
			continue
		}
		setB[s] = true
		if setA[s] {
			shared++
		}
	}
	union := len(setA) + len(setB) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

func structureHash(dirs []string) string {
	if len(dirs) == 0 {
		return ""
	}
	sorted := make([]string, len(dirs))
	copy(sorted, dirs)
	sort.Strings(sorted)
	return utils.HashStrings(sorted)
}

func dedupSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
