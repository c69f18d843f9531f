package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document types accepted at ingestion.
const (
	DocTypeDocument     = "document"
	DocTypeConversation = "conversation"
	DocTypeFAQ          = "faq"
	DocTypeManual       = "manual"
)

// Document is a raw ingested document. Content is immutable once ingestion
// starts; only the status column changes, driven by the processing queue.
type Document struct {
	ID        string
	Title     string
	Content   string
	OwnerID   string
	Type      string
	SourceID  string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Processing states for a queued document.
const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateRetrying   = "retrying"
)

// ProcessingStatus is one document's position in the ingestion queue. Created
// on enqueue, mutated only by the orchestrator, removed by ClearTerminal once
// the consumer has acknowledged the terminal state.
type ProcessingStatus struct {
	DocumentID string
	State      string
	Progress   int // 0-100
	RetryCount int
	MaxRetries int
	RunAfter   time.Time
	LastError  string
	ResultJSON string // last ProcessingResult, serialized
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Terminal reports whether the entry has reached a final state.
func (p ProcessingStatus) Terminal() bool {
	return p.State == StateCompleted || p.State == StateFailed
}

// Source is a registered knowledge source. Usage fields are mutated only by
// the source manager; sources are soft-disabled rather than deleted.
type Source struct {
	ID          string
	Name        string
	Type        string
	Description string
	Tags        string // JSON array stored as text
	Enabled     bool
	Priority    int // 1-10

	CredibilityScore float64 // 0-1, recomputed periodically
	UserRating       float64 // 0-5, 0 means unrated

	// Per-dimension quality scores in [0,1].
	Accuracy     float64
	Completeness float64
	Timeliness   float64
	Consistency  float64
	Reliability  float64

	// Usage statistics.
	QueryCount    int
	ResultsServed int
	AvgRelevance  float64
	LastUsedAt    time.Time

	// Per-source retrieval configuration.
	MaxChunks          int
	RelevanceThreshold float64
	IncludePatterns    string // JSON array stored as text
	ExcludePatterns    string // JSON array stored as text

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PriorityRule boosts a set of sources when its match condition fires against
// a query. Rules have a lifecycle independent from sources.
type PriorityRule struct {
	ID         string
	Name       string
	Substring  string // case-insensitive substring match on the query
	QueryType  string // matches the query context type, if set
	Tags       string // JSON array; matches query context tags
	SourceIDs  string // JSON array of boosted source ids
	Multiplier float64
	Enabled    bool
	CreatedAt  time.Time
}
