package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mstolbov/corpusd/internal/ingest"
	"github.com/mstolbov/corpusd/internal/sources"
)

// QueryRequest is the retrieval contract: a query string, the requesting
// identity, and optional context for priority rules.
type QueryRequest struct {
	Query   string               `json:"query"`
	OwnerID string               `json:"owner_id"`
	Context sources.QueryContext `json:"context"`
}

func handleQuery(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		resp, err := deps.Retriever.Retrieve(r.Context(), req.Query, req.OwnerID, req.Context)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "retrieval failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HealthResponse combines queue health with pipeline aggregate statistics.
type HealthResponse struct {
	Status string           `json:"status"`
	Queue  ingest.Health    `json:"queue"`
	Stats  *ingest.Snapshot `json:"stats,omitempty"`
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok"}
		if deps.Health != nil {
			h, err := deps.Health.Health()
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "health check failed: %v", err)
				return
			}
			resp.Queue = h
		}
		if deps.Stats != nil {
			snap := deps.Stats.Snapshot()
			resp.Stats = &snap
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleQueueClear(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cleared, err := deps.Store.ClearTerminal()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear queue: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
	}
}
