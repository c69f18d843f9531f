package sources

import (
	"fmt"
	"time"

	"github.com/mstolbov/corpusd/internal/storage"
)

// Feedback smoothing and recomputation cadence.
const (
	// relevanceSmoothing is the EWMA factor for average relevance: new
	// observations move the average by a tenth of their distance.
	relevanceSmoothing = 0.1
	// credibilityEvery recomputes credibility once per this many queries.
	credibilityEvery = 10
)

// Credibility component weights. Success rate and user rating fall back to a
// neutral prior when no signal exists yet.
const (
	credWeightTypeBase = 0.3
	credWeightQuality  = 0.3
	credWeightSuccess  = 0.2
	credWeightRating   = 0.1
	credNeutralPrior   = 0.5
)

// RecordUsage updates usage counters and smoothed relevance for every source
// that contributed to a served result set. Every credibilityEvery queries a
// source's credibility is recomputed from its accumulated signals.
func (m *Manager) RecordUsage(served []Result) error {
	type usage struct {
		count int
		sum   float64
	}
	perSource := make(map[string]*usage)
	for _, res := range served {
		u := perSource[res.SourceID]
		if u == nil {
			u = &usage{}
			perSource[res.SourceID] = u
		}
		u.count++
		u.sum += res.Similarity
	}

	now := time.Now().UTC()
	for id, u := range perSource {
		src, err := m.store.GetSource(id)
		if err != nil {
			return fmt.Errorf("loading source %s for feedback: %w", id, err)
		}

		batchAvg := u.sum / float64(u.count)
		avg := batchAvg
		if src.QueryCount > 0 {
			avg = src.AvgRelevance*(1-relevanceSmoothing) + batchAvg*relevanceSmoothing
		}

		queryCount := src.QueryCount + 1
		credibility := src.CredibilityScore
		if queryCount%credibilityEvery == 0 {
			credibility = recomputeCredibility(src, avg)
			m.logger.Info("source credibility recomputed",
				"source_id", id, "credibility", credibility, "query_count", queryCount)
		}

		err = m.store.UpdateSourceUsage(id, queryCount, src.ResultsServed+u.count, avg, credibility, now)
		if err != nil {
			return fmt.Errorf("updating usage for source %s: %w", id, err)
		}
	}
	return nil
}

// recomputeCredibility blends type base, quality, usage success, and user
// rating. avgRelevance is the already-smoothed value including the current
// batch.
func recomputeCredibility(src storage.Source, avgRelevance float64) float64 {
	cred := typeBaseCredibility(src.Type) * credWeightTypeBase
	cred += QualityScore(src) * credWeightQuality

	success := credNeutralPrior
	if src.QueryCount > 0 {
		success = avgRelevance
	}
	cred += success * credWeightSuccess

	rating := credNeutralPrior
	if src.UserRating > 0 {
		rating = src.UserRating / 5
	}
	cred += rating * credWeightRating

	if cred < 0 {
		cred = 0
	}
	if cred > 1 {
		cred = 1
	}
	return cred
}
