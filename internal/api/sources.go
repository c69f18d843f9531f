package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mstolbov/corpusd/internal/sources"
	"github.com/mstolbov/corpusd/internal/storage"
)

// SourceRequest registers or updates a knowledge source.
type SourceRequest struct {
	Name               string   `json:"name"`
	Type               string   `json:"type"`
	Description        string   `json:"description"`
	Tags               []string `json:"tags"`
	Priority           int      `json:"priority"`
	Accuracy           float64  `json:"accuracy"`
	Completeness       float64  `json:"completeness"`
	Timeliness         float64  `json:"timeliness"`
	Consistency        float64  `json:"consistency"`
	Reliability        float64  `json:"reliability"`
	MaxChunks          int      `json:"max_chunks"`
	RelevanceThreshold float64  `json:"relevance_threshold"`
	IncludePatterns    []string `json:"include_patterns"`
	ExcludePatterns    []string `json:"exclude_patterns"`
}

// SourceView is the API shape of a source, with JSON-text columns decoded.
type SourceView struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	Description        string    `json:"description,omitempty"`
	Tags               []string  `json:"tags,omitempty"`
	Enabled            bool      `json:"enabled"`
	Priority           int       `json:"priority"`
	CredibilityScore   float64   `json:"credibility_score"`
	UserRating         float64   `json:"user_rating,omitempty"`
	QualityScore       float64   `json:"quality_score"`
	QueryCount         int       `json:"query_count"`
	ResultsServed      int       `json:"results_served"`
	AvgRelevance       float64   `json:"avg_relevance"`
	LastUsedAt         time.Time `json:"last_used_at,omitzero"`
	MaxChunks          int       `json:"max_chunks"`
	RelevanceThreshold float64   `json:"relevance_threshold"`
	IncludePatterns    []string  `json:"include_patterns,omitempty"`
	ExcludePatterns    []string  `json:"exclude_patterns,omitempty"`
}

func sourceView(src storage.Source) SourceView {
	return SourceView{
		ID:                 src.ID,
		Name:               src.Name,
		Type:               src.Type,
		Description:        src.Description,
		Tags:               decodeJSONList(src.Tags),
		Enabled:            src.Enabled,
		Priority:           src.Priority,
		CredibilityScore:   src.CredibilityScore,
		UserRating:         src.UserRating,
		QualityScore:       sources.QualityScore(src),
		QueryCount:         src.QueryCount,
		ResultsServed:      src.ResultsServed,
		AvgRelevance:       src.AvgRelevance,
		LastUsedAt:         src.LastUsedAt,
		MaxChunks:          src.MaxChunks,
		RelevanceThreshold: src.RelevanceThreshold,
		IncludePatterns:    decodeJSONList(src.IncludePatterns),
		ExcludePatterns:    decodeJSONList(src.ExcludePatterns),
	}
}

func (req SourceRequest) toSource(id string) storage.Source {
	return storage.Source{
		ID:                 id,
		Name:               req.Name,
		Type:               req.Type,
		Description:        req.Description,
		Tags:               encodeJSONList(req.Tags),
		Priority:           req.Priority,
		Accuracy:           req.Accuracy,
		Completeness:       req.Completeness,
		Timeliness:         req.Timeliness,
		Consistency:        req.Consistency,
		Reliability:        req.Reliability,
		MaxChunks:          req.MaxChunks,
		RelevanceThreshold: req.RelevanceThreshold,
		IncludePatterns:    encodeJSONList(req.IncludePatterns),
		ExcludePatterns:    encodeJSONList(req.ExcludePatterns),
	}
}

func handleCreateSource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}

		src, err := deps.Sources.Register(req.toSource(uuid.New().String()))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to register source: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, sourceView(src))
	}
}

func handleListSources(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		enabledOnly := r.URL.Query().Get("enabled") == "true"

		list, err := deps.Sources.List(enabledOnly)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sources: %v", err)
			return
		}
		views := make([]SourceView, len(list))
		for i, src := range list {
			views[i] = sourceView(src)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetSource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, err := deps.Sources.Get(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "source not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get source: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, sourceView(src))
	}
}

// SourceUpdate is a partial source update; absent fields keep their current
// values, so a rename cannot disable a source or wipe its quality dimensions.
type SourceUpdate struct {
	Name               *string   `json:"name"`
	Type               *string   `json:"type"`
	Description        *string   `json:"description"`
	Tags               *[]string `json:"tags"`
	Enabled            *bool     `json:"enabled"`
	Priority           *int      `json:"priority"`
	Accuracy           *float64  `json:"accuracy"`
	Completeness       *float64  `json:"completeness"`
	Timeliness         *float64  `json:"timeliness"`
	Consistency        *float64  `json:"consistency"`
	Reliability        *float64  `json:"reliability"`
	MaxChunks          *int      `json:"max_chunks"`
	RelevanceThreshold *float64  `json:"relevance_threshold"`
	IncludePatterns    *[]string `json:"include_patterns"`
	ExcludePatterns    *[]string `json:"exclude_patterns"`
}

func (u SourceUpdate) apply(src *storage.Source) {
	if u.Name != nil {
		src.Name = *u.Name
	}
	if u.Type != nil {
		src.Type = *u.Type
	}
	if u.Description != nil {
		src.Description = *u.Description
	}
	if u.Tags != nil {
		src.Tags = encodeJSONList(*u.Tags)
	}
	if u.Enabled != nil {
		src.Enabled = *u.Enabled
	}
	if u.Priority != nil {
		src.Priority = *u.Priority
	}
	if u.Accuracy != nil {
		src.Accuracy = *u.Accuracy
	}
	if u.Completeness != nil {
		src.Completeness = *u.Completeness
	}
	if u.Timeliness != nil {
		src.Timeliness = *u.Timeliness
	}
	if u.Consistency != nil {
		src.Consistency = *u.Consistency
	}
	if u.Reliability != nil {
		src.Reliability = *u.Reliability
	}
	if u.MaxChunks != nil {
		src.MaxChunks = *u.MaxChunks
	}
	if u.RelevanceThreshold != nil {
		src.RelevanceThreshold = *u.RelevanceThreshold
	}
	if u.IncludePatterns != nil {
		src.IncludePatterns = encodeJSONList(*u.IncludePatterns)
	}
	if u.ExcludePatterns != nil {
		src.ExcludePatterns = encodeJSONList(*u.ExcludePatterns)
	}
}

func handleUpdateSource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		src, err := deps.Sources.Get(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "source not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get source: %v", err)
			return
		}

		var req SourceUpdate
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		req.apply(&src)
		if err := deps.Sources.Update(src); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update source: %v", err)
			return
		}

		src, err = deps.Sources.Get(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reload source: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, sourceView(src))
	}
}

func handleDisableSource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Sources.Disable(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "source not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to disable source: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
	}
}

func handleRateSource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Rating float64 `json:"rating"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		err := deps.Sources.Rate(id, req.Rating)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "source not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "rated"})
	}
}

// RuleRequest creates a priority rule.
type RuleRequest struct {
	Name       string   `json:"name"`
	Substring  string   `json:"substring"`
	QueryType  string   `json:"query_type"`
	Tags       []string `json:"tags"`
	SourceIDs  []string `json:"source_ids"`
	Multiplier float64  `json:"multiplier"`
}

// RuleView is the API shape of a priority rule.
type RuleView struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Substring  string   `json:"substring,omitempty"`
	QueryType  string   `json:"query_type,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	SourceIDs  []string `json:"source_ids"`
	Multiplier float64  `json:"multiplier"`
	Enabled    bool     `json:"enabled"`
}

func ruleView(rule storage.PriorityRule) RuleView {
	return RuleView{
		ID:         rule.ID,
		Name:       rule.Name,
		Substring:  rule.Substring,
		QueryType:  rule.QueryType,
		Tags:       decodeJSONList(rule.Tags),
		SourceIDs:  decodeJSONList(rule.SourceIDs),
		Multiplier: rule.Multiplier,
		Enabled:    rule.Enabled,
	}
}

func handleCreateRule(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RuleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}
		if len(req.SourceIDs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "source_ids is required")
			return
		}
		if req.Substring == "" && req.QueryType == "" && len(req.Tags) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one match condition is required")
			return
		}

		rule := storage.PriorityRule{
			ID:         uuid.New().String(),
			Name:       req.Name,
			Substring:  req.Substring,
			QueryType:  req.QueryType,
			Tags:       encodeJSONList(req.Tags),
			SourceIDs:  encodeJSONList(req.SourceIDs),
			Multiplier: req.Multiplier,
			Enabled:    true,
		}
		if err := deps.Store.SaveRule(rule); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save rule: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, ruleView(rule))
	}
}

func handleListRules(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rules, err := deps.Store.ListRules(false)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list rules: %v", err)
			return
		}
		views := make([]RuleView, len(rules))
		for i, rule := range rules {
			views[i] = ruleView(rule)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleDeleteRule(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteRule(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "rule not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete rule: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func decodeJSONList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func encodeJSONList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(b)
}
