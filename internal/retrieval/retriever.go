// Package retrieval answers queries: embed, search the vector index, then
// hand candidates to the source manager for filtering, re-ranking, and
// feedback.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mstolbov/corpusd/internal/embedding"
	"github.com/mstolbov/corpusd/internal/ingest"
	"github.com/mstolbov/corpusd/internal/sources"
	"github.com/mstolbov/corpusd/internal/vectorstore"
)

// oversample widens the vector search so source-level filtering still leaves
// enough results to fill topK.
const oversample = 3

// Config tunes retrieval.
type Config struct {
	// TopK is the number of results returned to the caller.
	TopK int
}

func (c *Config) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = 10
	}
}

// QualityMetrics summarizes the served result set.
type QualityMetrics struct {
	AvgRelevance   float64 `json:"avg_relevance"`
	AvgCredibility float64 `json:"avg_credibility"`
	ResultCount    int     `json:"result_count"`
	SourceCount    int     `json:"source_count"`
}

// Response is the externally visible retrieval contract.
type Response struct {
	Results     []sources.Result `json:"results"`
	SourcesUsed []string         `json:"sources_used"`
	Quality     QualityMetrics   `json:"quality_metrics"`
}

// Retriever wires the embedding provider, the vector index, and the source
// manager into the query path.
type Retriever struct {
	embedder embedding.Provider
	vectors  vectorstore.Store
	sources  *sources.Manager
	cfg      Config
	logger   *slog.Logger
}

func New(embedder embedding.Provider, vectors vectorstore.Store, mgr *sources.Manager, cfg Config, logger *slog.Logger) *Retriever {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		embedder: embedder,
		vectors:  vectors,
		sources:  mgr,
		cfg:      cfg,
		logger:   logger,
	}
}

// Retrieve runs the full query path and records usage feedback for every
// source that contributed to the response.
func (r *Retriever) Retrieve(ctx context.Context, query, ownerID string, qctx sources.QueryContext) (Response, error) {
	if strings.TrimSpace(query) == "" {
		return Response{}, fmt.Errorf("query is empty")
	}

	candidates, err := r.sources.Select(query, qctx)
	if err != nil {
		return Response{}, fmt.Errorf("selecting sources: %w", err)
	}
	if len(candidates) == 0 {
		return Response{Results: []sources.Result{}, SourcesUsed: []string{}}, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return Response{}, fmt.Errorf("embedding query: %w", err)
	}

	sourceIDs := make([]string, len(candidates))
	for i, c := range candidates {
		sourceIDs[i] = c.Source.ID
	}
	scored, err := r.vectors.Query(ctx, ingest.Collection, vec, r.cfg.TopK*oversample, vectorstore.Filter{
		OwnerID:   ownerID,
		SourceIDs: sourceIDs,
	})
	if err != nil {
		return Response{}, fmt.Errorf("querying vector index: %w", err)
	}

	raw := make([]sources.Result, len(scored))
	for i, rec := range scored {
		raw[i] = sources.Result{
			ID:         rec.ID,
			DocumentID: rec.DocumentID,
			SourceID:   rec.SourceID,
			ChunkIndex: rec.ChunkIndex,
			Text:       rec.Text,
			Similarity: float64(rec.Similarity),
			Quality:    rec.Quality,
		}
	}

	ranked, used := r.sources.RankResults(raw, candidates)
	if len(ranked) > r.cfg.TopK {
		ranked = ranked[:r.cfg.TopK]
		used = usedSources(ranked)
	}

	if len(ranked) > 0 {
		if err := r.sources.RecordUsage(ranked); err != nil {
			// Feedback failure degrades statistics, not the answer.
			r.logger.Warn("recording source usage", "error", err)
		}
	}

	r.logger.Info("query served",
		"owner_id", ownerID,
		"candidates", len(scored),
		"results", len(ranked),
		"sources", len(used),
	)

	return Response{
		Results:     ranked,
		SourcesUsed: used,
		Quality:     metrics(ranked, used),
	}, nil
}

// usedSources lists the distinct source ids present in results, best first.
func usedSources(results []sources.Result) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range results {
		if !seen[r.SourceID] {
			seen[r.SourceID] = true
			out = append(out, r.SourceID)
		}
	}
	return out
}

func metrics(results []sources.Result, used []string) QualityMetrics {
	m := QualityMetrics{ResultCount: len(results), SourceCount: len(used)}
	if len(results) == 0 {
		return m
	}
	var rel, cred float64
	for _, r := range results {
		rel += r.Similarity
		cred += r.Credibility
	}
	m.AvgRelevance = rel / float64(len(results))
	m.AvgCredibility = cred / float64(len(results))
	return m
}
