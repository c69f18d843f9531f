package sources

import (
	"sort"
	"strings"

	"github.com/mstolbov/corpusd/internal/storage"
)

// diversityFreeSlots is how many results one source may place before the
// diversity penalty applies to its further results.
const diversityFreeSlots = 3

// Result is one retrieved passage moving through source-level ranking.
// Similarity is the raw vector-index score; Score carries the priority
// re-weighting and the diversity penalty.
type Result struct {
	ID          string  `json:"id"`
	DocumentID  string  `json:"document_id"`
	SourceID    string  `json:"source_id"`
	SourceName  string  `json:"source_name,omitempty"`
	ChunkIndex  int     `json:"chunk_index"`
	Text        string  `json:"text"`
	Similarity  float64 `json:"similarity"`
	Score       float64 `json:"score"`
	Quality     float64 `json:"quality"`
	Credibility float64 `json:"credibility"`
}

// RankResults filters raw candidates against per-source policy, re-scores
// them by source priority, and applies the diversity pass. It returns the
// ranked results and the ids of sources that contributed at least one.
func (m *Manager) RankResults(results []Result, candidates []Candidate) ([]Result, []string) {
	bySource := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		bySource[c.Source.ID] = c
	}

	kept := make([]Result, 0, len(results))
	for _, res := range results {
		cand, ok := bySource[res.SourceID]
		if !ok {
			continue
		}
		src := cand.Source
		if res.Similarity < src.RelevanceThreshold {
			continue
		}
		if !matchesPatterns(res.Text, src) {
			continue
		}
		res.SourceName = src.Name
		res.Credibility = src.CredibilityScore
		res.Score = res.Similarity * (1 + cand.FinalPriority/10)
		kept = append(kept, res)
	}

	sortByScore(kept)
	m.applyDiversity(kept)
	kept = capPerSource(kept, bySource)

	used := make([]string, 0, len(bySource))
	seen := make(map[string]bool)
	for _, res := range kept {
		if !seen[res.SourceID] {
			seen[res.SourceID] = true
			used = append(used, res.SourceID)
		}
	}
	return kept, used
}

// capPerSource enforces each source's configured max chunks per query,
// keeping the best-ranked results. A non-positive max means unlimited.
func capPerSource(results []Result, bySource map[string]Candidate) []Result {
	counts := make(map[string]int)
	kept := results[:0]
	for _, res := range results {
		max := bySource[res.SourceID].Source.MaxChunks
		if max > 0 && counts[res.SourceID] >= max {
			continue
		}
		counts[res.SourceID]++
		kept = append(kept, res)
	}
	return kept
}

// applyDiversity walks results best-first and penalizes each source's results
// beyond its free slots, then re-sorts. A zero diversity weight leaves every
// score, and therefore the order, untouched.
func (m *Manager) applyDiversity(results []Result) {
	if m.cfg.DiversityWeight <= 0 {
		return
	}
	counts := make(map[string]int)
	for i := range results {
		if counts[results[i].SourceID] >= diversityFreeSlots {
			results[i].Score *= 1 - m.cfg.DiversityWeight
		}
		counts[results[i].SourceID]++
	}
	sortByScore(results)
}

func sortByScore(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}

// matchesPatterns enforces a source's include/exclude text patterns. With
// include patterns present, at least one must appear in the text; any exclude
// hit drops the result. Matching is case-insensitive substring.
func matchesPatterns(text string, src storage.Source) bool {
	lower := strings.ToLower(text)
	for _, pat := range decodeList(src.ExcludePatterns) {
		if pat != "" && strings.Contains(lower, strings.ToLower(pat)) {
			return false
		}
	}
	include := decodeList(src.IncludePatterns)
	if len(include) == 0 {
		return true
	}
	for _, pat := range include {
		if pat != "" && strings.Contains(lower, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}
