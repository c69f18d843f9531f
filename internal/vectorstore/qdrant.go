package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Compile-time check that QdrantStore implements Store.
var _ Store = (*QdrantStore)(nil)

// QdrantStore is a minimal REST client to Qdrant using cosine distance.
// Intended for deployments where the SQLite backend's brute-force scan is no
// longer adequate.
type QdrantStore struct {
	url    string
	apiKey string
	client *http.Client
}

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// NewQdrantStore creates a QdrantStore. Timeout defaults to 15s.
func NewQdrantStore(cfg QdrantConfig) *QdrantStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &QdrantStore{
		url:    strings.TrimRight(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: timeout},
	}
}

// EnsureCollection creates the collection with the given dimension if it does
// not exist. Qdrant returns 200 for an existing collection with the same
// schema.
func (s *QdrantStore) EnsureCollection(collection string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid dimension %d", dimension)
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	return s.putJSON(fmt.Sprintf("%s/collections/%s", s.url, collection), body)
}

// Upsert writes records as Qdrant points, waiting for the write to land.
func (s *QdrantStore) Upsert(collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]map[string]any, len(records))
	for i, r := range records {
		points[i] = map[string]any{
			"id":     QdrantPointID(r.ID),
			"vector": r.Embedding,
			"payload": map[string]any{
				"record_id":   r.ID,
				"document_id": r.DocumentID,
				"source_id":   r.SourceID,
				"owner_id":    r.OwnerID,
				"chunk_index": r.ChunkIndex,
				"text":        r.Text,
				"quality":     r.Quality,
				"ingested_at": r.IngestedAt.UTC().Format(time.RFC3339),
			},
		}
	}
	body := map[string]any{"points": points}
	return s.putJSON(fmt.Sprintf("%s/collections/%s/points?wait=true", s.url, collection), body)
}

// Query performs a similarity search with a payload filter.
func (s *QdrantStore) Query(ctx context.Context, collection string, vector []float32, k int, filter Filter) ([]ScoredRecord, error) {
	if k <= 0 {
		return nil, nil
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
	}
	if f := qdrantFilter(filter); f != nil {
		req["filter"] = f
	}

	var resp struct {
		Result []struct {
			Score   float32        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := s.postJSON(ctx, fmt.Sprintf("%s/collections/%s/points/search", s.url, collection), req, &resp); err != nil {
		return nil, err
	}

	results := make([]ScoredRecord, 0, len(resp.Result))
	for _, r := range resp.Result {
		rec := Record{}
		if v, ok := r.Payload["document_id"].(string); ok {
			rec.DocumentID = v
		}
		if v, ok := r.Payload["source_id"].(string); ok {
			rec.SourceID = v
		}
		if v, ok := r.Payload["owner_id"].(string); ok {
			rec.OwnerID = v
		}
		if v, ok := r.Payload["chunk_index"].(float64); ok {
			rec.ChunkIndex = int(v)
		}
		if v, ok := r.Payload["text"].(string); ok {
			rec.Text = v
		}
		if v, ok := r.Payload["quality"].(float64); ok {
			rec.Quality = v
		}
		if v, ok := r.Payload["ingested_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				rec.IngestedAt = t
			}
		}
		if v, ok := r.Payload["record_id"].(string); ok {
			rec.ID = v
		} else {
			rec.ID = VectorID(rec.DocumentID, rec.ChunkIndex)
		}
		// Qdrant reports cosine similarity directly for Cosine collections.
		results = append(results, ScoredRecord{Record: rec, Similarity: r.Score})
	}
	return results, nil
}

// DeleteByDocument removes all points whose payload matches the document id.
func (s *QdrantStore) DeleteByDocument(collection string, documentID string) error {
	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "document_id", "match": map[string]any{"value": documentID}},
			},
		},
	}
	return s.postJSON(context.Background(),
		fmt.Sprintf("%s/collections/%s/points/delete?wait=true", s.url, collection), body, nil)
}

// Count returns the number of points in the collection.
func (s *QdrantStore) Count(collection string) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := s.postJSON(context.Background(),
		fmt.Sprintf("%s/collections/%s/points/count", s.url, collection),
		map[string]any{"exact": true}, &resp)
	return resp.Result.Count, err
}

// QdrantPointID maps a logical record id onto a deterministic UUID, because
// Qdrant only accepts UUID or unsigned-integer point ids. Re-ingesting the
// same document chunk yields the same point id, preserving upsert semantics.
func QdrantPointID(recordID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(recordID)).String()
}

func qdrantFilter(f Filter) map[string]any {
	var must []map[string]any
	if f.OwnerID != "" {
		must = append(must, map[string]any{
			"key": "owner_id", "match": map[string]any{"value": f.OwnerID},
		})
	}
	if len(f.SourceIDs) > 0 {
		must = append(must, map[string]any{
			"key": "source_id", "match": map[string]any{"any": f.SourceIDs},
		})
	}
	if must == nil {
		return nil
	}
	return map[string]any{"must": must}
}

func (s *QdrantStore) putJSON(url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling qdrant request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant PUT %s failed: %s", url, resp.Status)
	}
	return nil
}

func (s *QdrantStore) postJSON(ctx context.Context, url string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling qdrant request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant POST %s failed: %s", url, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
