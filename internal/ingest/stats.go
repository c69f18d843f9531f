package ingest

import (
	"sync"
	"time"
)

// Stats accumulates pipeline totals across documents. All methods are safe
// for concurrent use.
type Stats struct {
	mu sync.Mutex

	documentsProcessed  int
	documentsSucceeded  int
	chunksCreated       int
	embeddingsGenerated int
	errorCount          int
	processingTime      time.Duration
}

// Snapshot is a point-in-time copy of the pipeline totals.
type Snapshot struct {
	DocumentsProcessed  int           `json:"documents_processed"`
	ChunksCreated       int           `json:"chunks_created"`
	EmbeddingsGenerated int           `json:"embeddings_generated"`
	ErrorCount          int           `json:"error_count"`
	ProcessingTime      time.Duration `json:"processing_time"`
	SuccessRate         float64       `json:"success_rate"`
}

func (s *Stats) record(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.documentsProcessed++
	if res.Status == StatusSuccess {
		s.documentsSucceeded++
	}
	s.chunksCreated += res.ChunksCreated
	s.embeddingsGenerated += res.EmbeddingsGenerated
	s.errorCount += len(res.Errors)
	s.processingTime += res.Duration
}

// Snapshot returns a copy of the current totals.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		DocumentsProcessed:  s.documentsProcessed,
		ChunksCreated:       s.chunksCreated,
		EmbeddingsGenerated: s.embeddingsGenerated,
		ErrorCount:          s.errorCount,
		ProcessingTime:      s.processingTime,
	}
	if s.documentsProcessed > 0 {
		snap.SuccessRate = float64(s.documentsSucceeded) / float64(s.documentsProcessed)
	}
	return snap
}
