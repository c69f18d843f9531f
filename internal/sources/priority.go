package sources

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mstolbov/corpusd/internal/storage"
)

// Weighted-quality dimension weights.
const (
	weightAccuracy     = 0.25
	weightCompleteness = 0.20
	weightTimeliness   = 0.15
	weightConsistency  = 0.20
	weightReliability  = 0.20
)

// Boost tuning for dynamic prioritization.
const (
	// usageBoost rewards sources whose historical average relevance exceeds
	// usageBoostFloor.
	usageBoost      = 1.0
	usageBoostFloor = 0.8
	// overlapBoostPerHit is added per query term found in a source's tags or
	// description, capped at overlapBoostCap.
	overlapBoostPerHit = 0.5
	overlapBoostCap    = 2.0
	// minOverlapTermLen skips short stop-word-ish query terms.
	minOverlapTermLen = 4
)

// QueryContext carries optional query metadata consulted by priority rules
// and keyword matching.
type QueryContext struct {
	Type string   `json:"type,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

// Candidate is an eligible source with its computed final priority for one
// query.
type Candidate struct {
	Source        storage.Source
	FinalPriority float64
}

// QualityScore is the weighted average of the five quality dimensions.
func QualityScore(src storage.Source) float64 {
	return src.Accuracy*weightAccuracy +
		src.Completeness*weightCompleteness +
		src.Timeliness*weightTimeliness +
		src.Consistency*weightConsistency +
		src.Reliability*weightReliability
}

// eligible applies the static filter: enabled, credible enough, and (when
// quality filtering is on) above the quality floor.
func (m *Manager) eligible(src storage.Source) bool {
	if !src.Enabled {
		return false
	}
	if src.CredibilityScore < m.cfg.MinCredibility {
		return false
	}
	if m.cfg.QualityFilter && QualityScore(src) < m.cfg.MinQualityScore {
		return false
	}
	return true
}

// Select returns the eligible sources for a query, each with its final
// priority, ordered best first.
func (m *Manager) Select(query string, qctx QueryContext) ([]Candidate, error) {
	all, err := m.store.ListSources(true)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	rules, err := m.store.ListRules(true)
	if err != nil {
		return nil, fmt.Errorf("listing priority rules: %w", err)
	}

	candidates := make([]Candidate, 0, len(all))
	for _, src := range all {
		if !m.eligible(src) {
			continue
		}
		dynamic := ruleBoost(rules, src.ID, query, qctx) + overlapBoost(query, src)
		candidates = append(candidates, Candidate{
			Source:        src,
			FinalPriority: m.finalPriority(src, dynamic),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].FinalPriority > candidates[j].FinalPriority
	})
	return candidates, nil
}

// finalPriority combines the static priority with usage history, quality, and
// the per-query dynamic boost.
func (m *Manager) finalPriority(src storage.Source, dynamic float64) float64 {
	p := float64(src.Priority)
	if src.QueryCount > 0 && src.AvgRelevance > usageBoostFloor {
		p += usageBoost
	}
	p += QualityScore(src) * 2
	p += dynamic * m.cfg.PriorityWeightFactor
	if m.cfg.CredibilityWeighting {
		p *= 1 + src.CredibilityScore
	}
	return p
}

// ruleBoost sums the multipliers of enabled rules that match the query and
// name this source.
func ruleBoost(rules []storage.PriorityRule, sourceID, query string, qctx QueryContext) float64 {
	var boost float64
	for _, rule := range rules {
		if !ruleMatches(rule, query, qctx) {
			continue
		}
		for _, id := range decodeList(rule.SourceIDs) {
			if id == sourceID {
				boost += rule.Multiplier
				break
			}
		}
	}
	return boost
}

// ruleMatches reports whether any of the rule's conditions fires. A rule with
// no conditions never matches.
func ruleMatches(rule storage.PriorityRule, query string, qctx QueryContext) bool {
	if rule.Substring != "" && strings.Contains(strings.ToLower(query), strings.ToLower(rule.Substring)) {
		return true
	}
	if rule.QueryType != "" && rule.QueryType == qctx.Type {
		return true
	}
	for _, ruleTag := range decodeList(rule.Tags) {
		for _, qTag := range qctx.Tags {
			if strings.EqualFold(ruleTag, qTag) {
				return true
			}
		}
	}
	return false
}

// overlapBoost scores keyword overlap between the query terms and a source's
// tags and description.
func overlapBoost(query string, src storage.Source) float64 {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return 0
	}

	haystack := make(map[string]bool)
	for _, tag := range decodeList(src.Tags) {
		haystack[strings.ToLower(tag)] = true
	}
	for _, w := range strings.Fields(strings.ToLower(src.Description)) {
		haystack[strings.Trim(w, ".,;:!?")] = true
	}

	var boost float64
	for term := range terms {
		if haystack[term] {
			boost += overlapBoostPerHit
		}
	}
	if boost > overlapBoostCap {
		boost = overlapBoostCap
	}
	return boost
}

func queryTerms(query string) map[string]bool {
	terms := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,;:!?")
		if len(w) >= minOverlapTermLen {
			terms[w] = true
		}
	}
	return terms
}
