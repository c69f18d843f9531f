// Package sources maintains the knowledge-source registry and applies
// source-level policy to retrieval: eligibility filtering, priority-based
// re-ranking, diversity de-duplication, and usage feedback.
package sources

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mstolbov/corpusd/internal/storage"
)

// Source types and their base credibility. Unknown types fall back to
// defaultTypeCredibility.
const (
	TypeDocumentCollection = "document_collection"
	TypeDocumentation      = "documentation"
	TypeAPI                = "api"
	TypeConversation       = "conversation"
	TypeManualEntry        = "manual_entry"
)

const defaultTypeCredibility = 0.5

var typeCredibility = map[string]float64{
	TypeDocumentation:      0.8,
	TypeManualEntry:        0.8,
	TypeAPI:                0.7,
	TypeDocumentCollection: 0.6,
	TypeConversation:       0.4,
}

// Registry is the persistence surface the manager needs. *storage.Store
// satisfies it.
type Registry interface {
	SaveSource(src storage.Source) error
	GetSource(id string) (storage.Source, error)
	ListSources(enabledOnly bool) ([]storage.Source, error)
	UpdateSource(src storage.Source) error
	DisableSource(id string) error
	RateSource(id string, rating float64) error
	UpdateSourceUsage(id string, queryCount, resultsServed int, avgRelevance, credibility float64, lastUsedAt time.Time) error
	ListRules(enabledOnly bool) ([]storage.PriorityRule, error)
}

// Config tunes source selection and ranking.
type Config struct {
	// MinCredibility drops sources whose credibility score is below it.
	MinCredibility float64
	// QualityFilter enables the weighted-quality eligibility check.
	QualityFilter bool
	// MinQualityScore is the weighted-quality floor when QualityFilter is on.
	MinQualityScore float64
	// CredibilityWeighting multiplies final priority by (1 + credibility).
	CredibilityWeighting bool
	// PriorityWeightFactor scales the dynamic (rule + overlap) boost.
	PriorityWeightFactor float64
	// DiversityWeight is the multiplicative penalty strength applied to a
	// source's results beyond the first diversityFreeSlots. Zero disables the
	// diversity pass entirely.
	DiversityWeight float64
}

// DefaultConfig returns the selection policy used when none is supplied.
func DefaultConfig() Config {
	return Config{
		MinCredibility:       0.3,
		QualityFilter:        true,
		MinQualityScore:      0.4,
		CredibilityWeighting: true,
		PriorityWeightFactor: 1.0,
		DiversityWeight:      0.3,
	}
}

// Manager is the single writer of source usage fields; all mutation goes
// through the underlying registry serialized per call.
type Manager struct {
	store  Registry
	cfg    Config
	logger *slog.Logger
}

func NewManager(store Registry, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, cfg: cfg, logger: logger}
}

// Register saves a new source, assigning an id and an initial credibility
// when absent. Priority is clamped into [1,10].
func (m *Manager) Register(src storage.Source) (storage.Source, error) {
	if src.Name == "" {
		return storage.Source{}, fmt.Errorf("source name is required")
	}
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	if src.Type == "" {
		src.Type = TypeDocumentCollection
	}
	src.Priority = clampPriority(src.Priority)
	src.Enabled = true
	if src.CredibilityScore == 0 {
		src.CredibilityScore = typeBaseCredibility(src.Type)
	}
	if src.MaxChunks <= 0 {
		src.MaxChunks = 5
	}

	if err := m.store.SaveSource(src); err != nil {
		return storage.Source{}, fmt.Errorf("saving source: %w", err)
	}
	m.logger.Info("source registered", "source_id", src.ID, "name", src.Name, "type", src.Type, "priority", src.Priority)
	return src, nil
}

// Get returns one source by id.
func (m *Manager) Get(id string) (storage.Source, error) {
	return m.store.GetSource(id)
}

// List returns sources, optionally only enabled ones, in priority order.
func (m *Manager) List(enabledOnly bool) ([]storage.Source, error) {
	return m.store.ListSources(enabledOnly)
}

// Update modifies a source's registration fields. Usage statistics are not
// touched; those only move through RecordUsage.
func (m *Manager) Update(src storage.Source) error {
	src.Priority = clampPriority(src.Priority)
	return m.store.UpdateSource(src)
}

// Disable soft-disables a source; its vectors stay but stop surfacing in
// results.
func (m *Manager) Disable(id string) error {
	if err := m.store.DisableSource(id); err != nil {
		return err
	}
	m.logger.Info("source disabled", "source_id", id)
	return nil
}

// Rate records a user rating in [0,5]. The rating feeds the next credibility
// recomputation.
func (m *Manager) Rate(id string, rating float64) error {
	if rating < 0 || rating > 5 {
		return fmt.Errorf("rating %v out of range [0,5]", rating)
	}
	return m.store.RateSource(id, rating)
}

func clampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}

func typeBaseCredibility(sourceType string) float64 {
	if c, ok := typeCredibility[sourceType]; ok {
		return c
	}
	return defaultTypeCredibility
}

// decodeList parses a JSON string array stored as text. Malformed or empty
// values decode to nil.
func decodeList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
