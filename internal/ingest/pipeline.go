// Package ingest converts raw documents into stored passage vectors: the
// Pipeline handles one document end to end, the Orchestrator drives the
// durable processing queue in bounded parallel waves.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mstolbov/corpusd/internal/chunker"
	"github.com/mstolbov/corpusd/internal/embedding"
	"github.com/mstolbov/corpusd/internal/storage"
	"github.com/mstolbov/corpusd/internal/vectorstore"
)

// Collection is the vector collection passages are written to.
const Collection = "passage_vectors"

// ErrNoValidChunks marks a document whose content produced no usable
// passages. This is an input error: never retried.
var ErrNoValidChunks = errors.New("no valid chunks produced")

// Result statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// DocumentQuality is the document-level verdict derived from chunk quality
// and embedding outcomes.
type DocumentQuality struct {
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

// Result summarizes one ingestion attempt for a document. Every chunk that
// failed embedding appears in Errors, even when the overall status is
// success or partial.
type Result struct {
	ChunksCreated       int             `json:"chunks_created"`
	EmbeddingsGenerated int             `json:"embeddings_generated"`
	Status              string          `json:"status"`
	Errors              []string        `json:"errors,omitempty"`
	Quality             DocumentQuality `json:"quality"`
	Duration            time.Duration   `json:"-"`
}

// Low-quality thresholds flagged in the document quality verdict.
const (
	lowQualityFloor    = 0.6
	highErrorRateFloor = 0.1
)

// chunkConcurrency bounds parallel embedding calls within one document so a
// single large document cannot monopolize the provider.
const chunkConcurrency = 4

// Pipeline turns one document into quality-scored, embedded, stored passages.
type Pipeline struct {
	chunker  *chunker.Chunker
	embedder embedding.Provider
	vectors  vectorstore.Store
	stats    *Stats
	logger   *slog.Logger
}

// NewPipeline creates a Pipeline. The embedder is expected to carry its own
// retry policy (wrap the raw client in an embedding.Retrier).
func NewPipeline(ch *chunker.Chunker, embedder embedding.Provider, vectors vectorstore.Store) *Pipeline {
	return &Pipeline{
		chunker:  ch,
		embedder: embedder,
		vectors:  vectors,
		stats:    &Stats{},
		logger:   slog.Default(),
	}
}

// Stats returns the pipeline's running aggregate statistics.
func (p *Pipeline) Stats() *Stats {
	return p.stats
}

// Process runs the full ingestion flow for one document. It returns an error
// only for total inability to proceed: no valid chunks, or a storage write
// failure. Partial embedding failures are reported in the Result, not as an
// error.
func (p *Pipeline) Process(ctx context.Context, doc storage.Document) (Result, error) {
	start := time.Now()

	chunks := p.chunker.Split(doc.Content)
	if len(chunks) == 0 {
		res := Result{
			Status:   StatusFailed,
			Errors:   []string{ErrNoValidChunks.Error()},
			Duration: time.Since(start),
		}
		p.stats.record(res)
		return res, fmt.Errorf("document %s: %w", doc.ID, ErrNoValidChunks)
	}

	records, embedErrors := p.embedChunks(ctx, doc, chunks)

	res := Result{
		ChunksCreated:       len(chunks),
		EmbeddingsGenerated: len(records),
		Errors:              embedErrors,
	}

	if len(records) > 0 {
		if err := p.vectors.Upsert(Collection, records); err != nil {
			res.Status = StatusFailed
			res.Errors = append(res.Errors, fmt.Sprintf("storing vectors: %v", err))
			res.Duration = time.Since(start)
			p.stats.record(res)
			return res, fmt.Errorf("document %s: storing %d vectors: %w", doc.ID, len(records), err)
		}
	}

	res.Quality = documentQuality(chunks, len(records), len(embedErrors))
	switch {
	case len(embedErrors) == 0:
		res.Status = StatusSuccess
	case len(records) > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusFailed
	}
	res.Duration = time.Since(start)
	p.stats.record(res)

	p.logger.Info("document processed",
		"document_id", doc.ID,
		"status", res.Status,
		"chunks", res.ChunksCreated,
		"embeddings", res.EmbeddingsGenerated,
		"errors", len(res.Errors),
		"quality", res.Quality.Score,
		"duration", res.Duration,
	)

	if res.Status == StatusFailed {
		return res, fmt.Errorf("document %s: all %d chunks failed embedding", doc.ID, len(chunks))
	}
	return res, nil
}

// embedChunks embeds chunks with bounded concurrency. One chunk's failure
// never cancels the others; each outcome is recorded independently.
func (p *Pipeline) embedChunks(ctx context.Context, doc storage.Document, chunks []chunker.Chunk) ([]vectorstore.Record, []string) {
	type outcome struct {
		record vectorstore.Record
		err    error
		ok     bool
	}
	outcomes := make([]outcome, len(chunks))

	var wg sync.WaitGroup
	sem := make(chan struct{}, chunkConcurrency)
	now := time.Now().UTC()

	for i, ch := range chunks {
		wg.Add(1)
		go func(i int, ch chunker.Chunk) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			vec, err := p.embedder.Embed(ctx, ch.Text)
			if err != nil {
				outcomes[i] = outcome{err: err}
				return
			}
			outcomes[i] = outcome{
				ok: true,
				record: vectorstore.Record{
					ID:         vectorstore.VectorID(doc.ID, ch.Index),
					DocumentID: doc.ID,
					SourceID:   doc.SourceID,
					OwnerID:    doc.OwnerID,
					ChunkIndex: ch.Index,
					Text:       ch.Text,
					Quality:    ch.Quality.Score,
					Embedding:  vec,
					IngestedAt: now,
				},
			}
		}(i, ch)
	}
	wg.Wait()

	var (
		records []vectorstore.Record
		errs    []string
	)
	for i, o := range outcomes {
		if o.ok {
			records = append(records, o.record)
			continue
		}
		errs = append(errs, fmt.Sprintf("chunk %d: %v", chunks[i].Index, o.err))
	}
	return records, errs
}

// documentQuality computes the document verdict: average chunk quality scaled
// down by the embedding error rate, with reasons attached for low quality or
// a high error rate.
func documentQuality(chunks []chunker.Chunk, embedded, failed int) DocumentQuality {
	var sum float64
	for _, ch := range chunks {
		sum += ch.Quality.Score
	}
	avg := sum / float64(len(chunks))

	total := embedded + failed
	var errorRate float64
	if total > 0 {
		errorRate = float64(failed) / float64(total)
	}

	q := DocumentQuality{Score: avg * (1 - errorRate)}
	if q.Score < lowQualityFloor {
		q.Reasons = append(q.Reasons, "low document quality")
	}
	if errorRate > highErrorRateFloor {
		q.Reasons = append(q.Reasons, "high embedding error rate")
	}
	return q
}
