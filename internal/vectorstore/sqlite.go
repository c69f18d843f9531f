package vectorstore

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore provides vector storage and brute-force cosine similarity
// search backed by SQLite. It shares the database with internal/storage; the
// passage_vectors table is created by storage migrations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// expectedCollection is the only collection the SQLite backend supports.
const expectedCollection = "passage_vectors"

// Upsert writes records in one transaction, replacing rows with the same ID
// so a re-ingested document's new chunk generation supersedes the old one.
func (s *SQLiteStore) Upsert(collection string, records []Record) error {
	if collection != expectedCollection {
		return fmt.Errorf("unsupported collection %q, expected %q", collection, expectedCollection)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO passage_vectors
			(id, document_id, source_id, owner_id, chunk_index, text, quality, embedding, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		ingestedAt := r.IngestedAt
		if ingestedAt.IsZero() {
			ingestedAt = time.Now().UTC()
		}
		blob := encodeFloat32s(r.Embedding)
		if _, err := stmt.Exec(r.ID, r.DocumentID, r.SourceID, r.OwnerID, r.ChunkIndex,
			r.Text, r.Quality, blob, ingestedAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// idScore holds only the ID and similarity during the scan phase of Query.
// Full record details are fetched only for top-K winners.
type idScore struct {
	ID         string
	Similarity float32
}

// Query performs brute-force cosine similarity search, applying the metadata
// filter in SQL so the scan touches only eligible rows.
func (s *SQLiteStore) Query(ctx context.Context, collection string, vector []float32, k int, filter Filter) ([]ScoredRecord, error) {
	if collection != expectedCollection {
		return nil, fmt.Errorf("unsupported collection %q, expected %q", collection, expectedCollection)
	}
	if k <= 0 {
		return nil, nil
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	where, args := filterClause(filter)
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM passage_vectors`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		sim := cosine(vector, buf, queryNorm)
		if h.Len() < k {
			heap.Push(h, idScore{ID: id, Similarity: sim})
		} else if sim > (*h)[0].Similarity {
			(*h)[0] = idScore{ID: id, Similarity: sim}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	// Fetch full records only for the winners.
	topIDs := make([]string, h.Len())
	sims := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		sims[item.ID] = item.Similarity
	}

	queryArgs := make([]any, len(topIDs))
	for i, id := range topIDs {
		queryArgs[i] = id
	}
	fullQuery := `SELECT id, document_id, source_id, owner_id, chunk_index, text, quality, embedding, ingested_at
		FROM passage_vectors WHERE id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer fullRows.Close()

	var results []ScoredRecord
	for fullRows.Next() {
		r, err := scanRecord(fullRows)
		if err != nil {
			return nil, err
		}
		results = append(results, ScoredRecord{Record: r, Similarity: sims[r.ID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	// Sort by similarity descending (IN query doesn't preserve order).
	sortBySimilarity(results)
	return results, nil
}

// DeleteByDocument removes all vectors derived from documentID.
func (s *SQLiteStore) DeleteByDocument(collection string, documentID string) error {
	if collection != expectedCollection {
		return fmt.Errorf("unsupported collection %q, expected %q", collection, expectedCollection)
	}
	_, err := s.db.Exec(`DELETE FROM passage_vectors WHERE document_id = ?`, documentID)
	if err != nil {
		return fmt.Errorf("deleting vectors for document %s: %w", documentID, err)
	}
	return nil
}

// Count returns the number of stored vectors.
func (s *SQLiteStore) Count(collection string) (int, error) {
	if collection != expectedCollection {
		return 0, fmt.Errorf("unsupported collection %q, expected %q", collection, expectedCollection)
	}
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM passage_vectors`).Scan(&count)
	return count, err
}

func filterClause(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.OwnerID != "" {
		conds = append(conds, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if len(f.SourceIDs) > 0 {
		conds = append(conds, "source_id IN (?"+strings.Repeat(",?", len(f.SourceIDs)-1)+")")
		for _, id := range f.SourceIDs {
			args = append(args, id)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(rows rowScanner) (Record, error) {
	var (
		r          Record
		blob       []byte
		ingestedAt string
	)
	if err := rows.Scan(&r.ID, &r.DocumentID, &r.SourceID, &r.OwnerID, &r.ChunkIndex,
		&r.Text, &r.Quality, &blob, &ingestedAt); err != nil {
		return Record{}, fmt.Errorf("scanning record: %w", err)
	}
	embedding, err := decodeFloat32s(blob)
	if err != nil {
		return Record{}, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
	}
	r.Embedding = embedding
	t, err := time.Parse(time.RFC3339, ingestedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing ingested_at for %s: %w", r.ID, err)
	}
	r.IngestedAt = t
	return r, nil
}

// sortBySimilarity sorts ScoredRecords descending. Insertion sort is fine for
// top-K sized slices.
func sortBySimilarity(results []ScoredRecord) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Similarity > results[j-1].Similarity; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * |b|).
// aNorm is the precomputed L2 norm of vector a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Similarity. Used during the
// scan phase of Query to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Similarity < h[j].Similarity }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
