package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mstolbov/corpusd/internal/chunker"
	"github.com/mstolbov/corpusd/internal/embedding"
	"github.com/mstolbov/corpusd/internal/storage"
	"github.com/mstolbov/corpusd/internal/vectorstore"
)

type mockEmbedder struct {
	mu      sync.Mutex
	calls   int
	embedFn func(text string) ([]float32, error)
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.embedFn != nil {
		return m.embedFn(text)
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

type mockVectors struct {
	mu        sync.Mutex
	records   []vectorstore.Record
	upsertErr error
}

func (m *mockVectors) Upsert(_ string, records []vectorstore.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.records = append(m.records, records...)
	return nil
}

func (m *mockVectors) Query(_ context.Context, _ string, _ []float32, _ int, _ vectorstore.Filter) ([]vectorstore.ScoredRecord, error) {
	return nil, nil
}

func (m *mockVectors) DeleteByDocument(_ string, _ string) error { return nil }

func (m *mockVectors) Count(_ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

// fiveSentences chunks into exactly five single-sentence passages under the
// test chunker config. The third carries the "poisoned" marker used by
// failure-injecting embedders.
const fiveSentences = "The quick brown fox jumps over the lazy dog near the river today. " +
	"Every morning the harbor fills with boats carrying fresh catch to market stalls. " +
	"A poisoned record like this one should trigger the injected embedding failure path. " +
	"Mountain trails wind upward through pine forests toward the snow covered granite peaks. " +
	"Libraries keep quiet rooms where students spread notes across long wooden tables daily."

func testPipeline(t *testing.T, emb embedding.Provider, vecs vectorstore.Store) *Pipeline {
	t.Helper()
	ch := chunker.New(chunker.Config{MaxChunkSize: 90, MinChunkSize: 10, OverlapSize: 0, Boundary: chunker.BoundarySentence})
	return NewPipeline(ch, emb, vecs)
}

func TestProcess_Success(t *testing.T) {
	emb := &mockEmbedder{}
	vecs := &mockVectors{}
	p := testPipeline(t, emb, vecs)

	doc := storage.Document{ID: "doc-1", SourceID: "src-1", OwnerID: "owner-1", Content: fiveSentences}
	res, err := p.Process(context.Background(), doc)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if res.Status != StatusSuccess {
		t.Errorf("status = %q, want %q", res.Status, StatusSuccess)
	}
	if res.ChunksCreated != 5 {
		t.Errorf("ChunksCreated = %d, want 5", res.ChunksCreated)
	}
	if res.EmbeddingsGenerated != 5 {
		t.Errorf("EmbeddingsGenerated = %d, want 5", res.EmbeddingsGenerated)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Errors = %v, want none", res.Errors)
	}
	if len(vecs.records) != 5 {
		t.Fatalf("stored %d records, want 5", len(vecs.records))
	}
	for _, rec := range vecs.records {
		if rec.DocumentID != "doc-1" || rec.SourceID != "src-1" || rec.OwnerID != "owner-1" {
			t.Errorf("record %q has wrong identity fields: %+v", rec.ID, rec)
		}
		if rec.ID != vectorstore.VectorID("doc-1", rec.ChunkIndex) {
			t.Errorf("record ID = %q, want %q", rec.ID, vectorstore.VectorID("doc-1", rec.ChunkIndex))
		}
	}
}

func TestProcess_PartialFailure(t *testing.T) {
	emb := &mockEmbedder{
		embedFn: func(text string) ([]float32, error) {
			if strings.Contains(text, "poisoned") {
				return nil, embedding.Permanent("embedding model rejected input", nil)
			}
			return []float32{1, 0, 0}, nil
		},
	}
	vecs := &mockVectors{}
	p := testPipeline(t, emb, vecs)

	doc := storage.Document{ID: "doc-2", Content: fiveSentences}
	res, err := p.Process(context.Background(), doc)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if res.Status != StatusPartial {
		t.Errorf("status = %q, want %q", res.Status, StatusPartial)
	}
	if res.EmbeddingsGenerated != 4 {
		t.Errorf("EmbeddingsGenerated = %d, want 4", res.EmbeddingsGenerated)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("Errors = %v, want exactly one", res.Errors)
	}
	if len(vecs.records) != 4 {
		t.Errorf("stored %d records, want 4", len(vecs.records))
	}

	// One failure out of five is a 20% error rate, above the reporting
	// threshold.
	var sawErrorRateReason bool
	for _, r := range res.Quality.Reasons {
		if r == "high embedding error rate" {
			sawErrorRateReason = true
		}
	}
	if !sawErrorRateReason {
		t.Errorf("quality reasons = %v, want high embedding error rate", res.Quality.Reasons)
	}
}

func TestProcess_QualityScalesWithErrorRate(t *testing.T) {
	emb := &mockEmbedder{}
	vecs := &mockVectors{}
	p := testPipeline(t, emb, vecs)

	doc := storage.Document{ID: "doc-q", Content: fiveSentences}
	clean, err := p.Process(context.Background(), doc)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	failing := &mockEmbedder{
		embedFn: func(text string) ([]float32, error) {
			if strings.Contains(text, "poisoned") {
				return nil, embedding.Transient("overloaded", nil)
			}
			return []float32{1, 0, 0}, nil
		},
	}
	p2 := testPipeline(t, failing, &mockVectors{})
	degraded, err := p2.Process(context.Background(), doc)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := clean.Quality.Score * 0.8
	if diff := degraded.Quality.Score - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("degraded quality = %v, want %v (clean %v scaled by 0.8)",
			degraded.Quality.Score, want, clean.Quality.Score)
	}
}

func TestProcess_NoValidChunks(t *testing.T) {
	emb := &mockEmbedder{}
	vecs := &mockVectors{}
	p := testPipeline(t, emb, vecs)

	res, err := p.Process(context.Background(), storage.Document{ID: "doc-3", Content: "   "})
	if !errors.Is(err, ErrNoValidChunks) {
		t.Fatalf("err = %v, want ErrNoValidChunks", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("status = %q, want %q", res.Status, StatusFailed)
	}
	if emb.calls != 0 {
		t.Errorf("embedder called %d times, want 0", emb.calls)
	}
	if len(vecs.records) != 0 {
		t.Errorf("stored %d records, want 0", len(vecs.records))
	}
}

func TestProcess_AllEmbeddingsFail(t *testing.T) {
	emb := &mockEmbedder{
		embedFn: func(string) ([]float32, error) {
			return nil, embedding.Transient("provider down", nil)
		},
	}
	vecs := &mockVectors{}
	p := testPipeline(t, emb, vecs)

	res, err := p.Process(context.Background(), storage.Document{ID: "doc-4", Content: fiveSentences})
	if err == nil {
		t.Fatal("expected error when every chunk fails embedding")
	}
	if errors.Is(err, ErrNoValidChunks) {
		t.Errorf("all-failed error must not look like an input error: %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("status = %q, want %q", res.Status, StatusFailed)
	}
	if len(res.Errors) != res.ChunksCreated {
		t.Errorf("Errors = %d, want one per chunk (%d)", len(res.Errors), res.ChunksCreated)
	}
}

func TestProcess_UpsertFailure(t *testing.T) {
	emb := &mockEmbedder{}
	vecs := &mockVectors{upsertErr: errors.New("disk full")}
	p := testPipeline(t, emb, vecs)

	res, err := p.Process(context.Background(), storage.Document{ID: "doc-5", Content: fiveSentences})
	if err == nil {
		t.Fatal("expected error from failed vector upsert")
	}
	if res.Status != StatusFailed {
		t.Errorf("status = %q, want %q", res.Status, StatusFailed)
	}
}

func TestStats_Accumulates(t *testing.T) {
	emb := &mockEmbedder{}
	vecs := &mockVectors{}
	p := testPipeline(t, emb, vecs)

	ctx := context.Background()
	if _, err := p.Process(ctx, storage.Document{ID: "a", Content: fiveSentences}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := p.Process(ctx, storage.Document{ID: "b", Content: "   "}); !errors.Is(err, ErrNoValidChunks) {
		t.Fatalf("err = %v, want ErrNoValidChunks", err)
	}

	snap := p.Stats().Snapshot()
	if snap.DocumentsProcessed != 2 {
		t.Errorf("DocumentsProcessed = %d, want 2", snap.DocumentsProcessed)
	}
	if snap.ChunksCreated != 5 {
		t.Errorf("ChunksCreated = %d, want 5", snap.ChunksCreated)
	}
	if snap.EmbeddingsGenerated != 5 {
		t.Errorf("EmbeddingsGenerated = %d, want 5", snap.EmbeddingsGenerated)
	}
	if snap.SuccessRate != 0.5 {
		t.Errorf("SuccessRate = %v, want 0.5", snap.SuccessRate)
	}
	if snap.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", snap.ErrorCount)
	}
}
