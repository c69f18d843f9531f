package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mstolbov/corpusd/internal/ingest"
	"github.com/mstolbov/corpusd/internal/storage"
)

// IngestRequest creates a document and queues it for processing. Content
// semantics depend on Format: "text" and "html" carry the content inline,
// "pdf" carries it base64-encoded, "url" fetches it from URL.
type IngestRequest struct {
	SourceID string `json:"source_id"`
	OwnerID  string `json:"owner_id"`
	Type     string `json:"type"`   // document, conversation, faq, manual
	Format   string `json:"format"` // text, html, pdf, url
	Title    string `json:"title"`
	Content  string `json:"content"`
	URL      string `json:"url"`
}

func handleIngestDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.SourceID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "source_id is required")
			return
		}
		if _, err := deps.Sources.Get(req.SourceID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown source %q", req.SourceID)
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading source: %v", err)
			return
		}
		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or url is required")
			return
		}
		if req.Type == "" {
			req.Type = storage.DocTypeDocument
		}
		if req.Format == "" {
			req.Format = FormatText
		}

		content, err := resolveContent(r.Context(), deps.HTTPClient, req)
		if err != nil {
			var re *resolveError
			if errors.As(err, &re) {
				httpError(w, re.status, re.errType, "%s", re.msg)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "resolving content: %v", err)
			return
		}
		if req.Title == "" && req.URL != "" {
			req.Title = req.URL
		}

		doc := storage.Document{
			ID:       uuid.New().String(),
			Title:    req.Title,
			Content:  content,
			OwnerID:  req.OwnerID,
			Type:     req.Type,
			SourceID: req.SourceID,
		}
		if err := deps.Store.SaveDocument(doc); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save document: %v", err)
			return
		}
		if err := deps.Store.Enqueue(doc.ID, deps.MaxRetries); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue document: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     doc.ID,
			"status": "queued",
		})
	}
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		ownerID := r.URL.Query().Get("owner_id")

		docs, err := deps.Store.ListDocuments(ownerID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}
		writeJSON(w, http.StatusOK, documentViews(docs))
	}
}

func handleGetDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

// StatusResponse is a document's queue position plus its last processing
// result, when one exists.
type StatusResponse struct {
	DocumentID string         `json:"document_id"`
	State      string         `json:"state"`
	Progress   int            `json:"progress"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	Result     *ingest.Result `json:"result,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func handleDocumentStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		st, err := deps.Store.GetStatus(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no processing status for document")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get status: %v", err)
			return
		}

		resp := StatusResponse{
			DocumentID: st.DocumentID,
			State:      st.State,
			Progress:   st.Progress,
			RetryCount: st.RetryCount,
			MaxRetries: st.MaxRetries,
			LastError:  st.LastError,
			UpdatedAt:  st.UpdatedAt,
		}
		if st.ResultJSON != "" {
			var res ingest.Result
			if err := json.Unmarshal([]byte(st.ResultJSON), &res); err == nil {
				resp.Result = &res
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleDeleteDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Store.GetDocument(id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		// Remove the document from the queue first so no wave claims it
		// mid-delete, then clean up its vectors.
		_ = deps.Store.Dequeue(id)
		if deps.Vectors != nil {
			if err := deps.Vectors.DeleteByDocument(ingest.Collection, id); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to delete vectors: %v", err)
				return
			}
		}
		if err := deps.Store.DeleteDocument(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// DocumentView omits raw content from listings.
type DocumentView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	OwnerID   string    `json:"owner_id"`
	Type      string    `json:"type"`
	SourceID  string    `json:"source_id"`
	Status    string    `json:"status"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

func documentViews(docs []storage.Document) []DocumentView {
	views := make([]DocumentView, len(docs))
	for i, d := range docs {
		views[i] = DocumentView{
			ID:        d.ID,
			Title:     d.Title,
			OwnerID:   d.OwnerID,
			Type:      d.Type,
			SourceID:  d.SourceID,
			Status:    d.Status,
			Size:      len(d.Content),
			CreatedAt: d.CreatedAt,
		}
	}
	return views
}

// resolveError carries an HTTP status for content resolution failures.
type resolveError struct {
	status  int
	errType string
	msg     string
}

func (e *resolveError) Error() string { return e.msg }

func resolveContent(ctx context.Context, client *http.Client, req IngestRequest) (string, error) {
	switch req.Format {
	case FormatText:
		return req.Content, nil
	case FormatHTML:
		return ExtractHTML(strings.NewReader(req.Content))
	case FormatPDF:
		return ExtractPDF(req.Content)
	case FormatURL:
		return fetchURL(ctx, client, req.URL)
	default:
		return "", &resolveError{
			status:  http.StatusBadRequest,
			errType: "invalid_request_error",
			msg:     "unsupported format " + req.Format,
		}
	}
}

func fetchURL(ctx context.Context, client *http.Client, url string) (string, error) {
	if url == "" {
		return "", &resolveError{http.StatusBadRequest, "invalid_request_error", "url is required for format url"}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &resolveError{http.StatusBadRequest, "invalid_request_error", "invalid url: " + err.Error()}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", &resolveError{http.StatusBadGateway, "api_error", "failed to fetch url: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &resolveError{http.StatusBadGateway, "api_error", "url returned status " + resp.Status}
	}

	body := io.LimitReader(resp.Body, maxURLFetchSize)
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return ExtractHTML(body)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", &resolveError{http.StatusBadGateway, "api_error", "failed to read url response: " + err.Error()}
	}
	return string(data), nil
}
