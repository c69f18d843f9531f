// Package vectorstore defines the vector index abstraction used by ingestion
// and retrieval, with a SQLite brute-force backend and a Qdrant REST backend.
package vectorstore

import (
	"context"
	"strconv"
	"time"
)

// Record is one stored passage vector. Every record carries an explicit
// source id; retrieval never infers source attribution from names or paths.
type Record struct {
	ID         string
	DocumentID string
	SourceID   string
	OwnerID    string
	ChunkIndex int
	Text       string
	Quality    float64
	Embedding  []float32
	IngestedAt time.Time
}

// ScoredRecord is a Record with a similarity score in [0,1], where similarity
// is 1 - cosine distance to the query vector.
type ScoredRecord struct {
	Record
	Similarity float32
}

// Filter narrows a similarity query by record metadata. Zero values match
// everything.
type Filter struct {
	OwnerID   string
	SourceIDs []string
}

// Store is the vector index interface.
//
// The SQLite implementation is the default: durable, zero-dependency, and
// fine up to roughly 100K vectors. The Qdrant implementation targets larger
// deployments; both use the same Record type.
type Store interface {
	// Upsert writes records into the collection, replacing records with the
	// same ID. Writes within one call are atomic on backends that support it.
	Upsert(collection string, records []Record) error

	// Query returns the top-K records most similar to vector, filtered by
	// metadata, ordered by similarity descending.
	Query(ctx context.Context, collection string, vector []float32, k int, filter Filter) ([]ScoredRecord, error)

	// DeleteByDocument removes every record derived from the given document.
	// Used when a document is deleted or re-ingested (chunk generations).
	DeleteByDocument(collection string, documentID string) error

	// Count returns the number of records in the collection.
	Count(collection string) (int, error)
}

// VectorID derives the deterministic record identity for a chunk, so
// re-ingestion of a document overwrites its previous generation.
func VectorID(documentID string, chunkIndex int) string {
	return documentID + ":" + strconv.Itoa(chunkIndex)
}
