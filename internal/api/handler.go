// Package api exposes corpusd over HTTP: document ingestion, retrieval
// queries, queue inspection, and the source/rule registries.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mstolbov/corpusd/internal/ingest"
	"github.com/mstolbov/corpusd/internal/retrieval"
	"github.com/mstolbov/corpusd/internal/sources"
	"github.com/mstolbov/corpusd/internal/storage"
	"github.com/mstolbov/corpusd/internal/vectorstore"
)

const maxRequestBodySize = 1 << 20  // 1MB
const maxIngestBodySize = 10 << 20  // 10MB
const maxURLFetchSize = 5 << 20     // 5MB

// Querier is the retrieval surface the API depends on.
type Querier interface {
	Retrieve(ctx context.Context, query, ownerID string, qctx sources.QueryContext) (retrieval.Response, error)
}

// HealthReporter exposes queue health from the orchestrator.
type HealthReporter interface {
	Health() (ingest.Health, error)
}

type AppDeps struct {
	Store      *storage.Store
	Sources    *sources.Manager
	Retriever  Querier
	Health     HealthReporter
	Stats      *ingest.Stats
	Vectors    vectorstore.Store // optional; if nil, vector cleanup is skipped on delete
	Token      string
	HTTPClient *http.Client
	MaxRetries int
}

func NewHandler(deps AppDeps) http.Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	if deps.MaxRetries <= 0 {
		deps.MaxRetries = 3
	}

	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Post("/documents", handleIngestDocument(deps))
	r.Get("/documents", handleListDocuments(deps))
	r.Get("/documents/{id}", handleGetDocument(deps))
	r.Get("/documents/{id}/status", handleDocumentStatus(deps))
	r.Delete("/documents/{id}", handleDeleteDocument(deps))

	r.Post("/query", handleQuery(deps))
	r.Get("/health", handleHealth(deps))
	r.Post("/queue/clear", handleQueueClear(deps))

	r.Post("/sources", handleCreateSource(deps))
	r.Get("/sources", handleListSources(deps))
	r.Get("/sources/{id}", handleGetSource(deps))
	r.Patch("/sources/{id}", handleUpdateSource(deps))
	r.Delete("/sources/{id}", handleDisableSource(deps))
	r.Put("/sources/{id}/rating", handleRateSource(deps))

	r.Post("/rules", handleCreateRule(deps))
	r.Get("/rules", handleListRules(deps))
	r.Delete("/rules/{id}", handleDeleteRule(deps))

	return r
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
