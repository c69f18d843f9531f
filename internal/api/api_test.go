package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mstolbov/corpusd/internal/ingest"
	"github.com/mstolbov/corpusd/internal/retrieval"
	"github.com/mstolbov/corpusd/internal/sources"
	"github.com/mstolbov/corpusd/internal/storage"
	"github.com/mstolbov/corpusd/internal/vectorstore"
)

const testToken = "test-token-12345"

type stubRetriever struct {
	resp retrieval.Response
	err  error
}

func (s *stubRetriever) Retrieve(_ context.Context, _, _ string, _ sources.QueryContext) (retrieval.Response, error) {
	return s.resp, s.err
}

type stubHealth struct {
	health ingest.Health
	err    error
}

func (s *stubHealth) Health() (ingest.Health, error) {
	return s.health, s.err
}

type testAPI struct {
	handler http.Handler
	store   *storage.Store
	vectors vectorstore.Store
	mgr     *sources.Manager
}

func setupHandler(t *testing.T, token string, mutate func(*AppDeps)) testAPI {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mgr := sources.NewManager(store, sources.DefaultConfig(), nil)
	vectors := vectorstore.NewSQLiteStore(store.DB())
	deps := AppDeps{
		Store:     store,
		Sources:   mgr,
		Retriever: &stubRetriever{},
		Health:    &stubHealth{health: ingest.Health{Depth: map[string]int{}}},
		Vectors:   vectors,
		Token:     token,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return testAPI{handler: NewHandler(deps), store: store, vectors: vectors, mgr: mgr}
}

func (a testAPI) addSource(t *testing.T, id string) {
	t.Helper()
	_, err := a.mgr.Register(storage.Source{ID: id, Name: "source " + id})
	if err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (a testAPI) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func TestAuth(t *testing.T) {
	a := setupHandler(t, testToken, nil)

	rr := a.do(authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rr.Code)
	}

	rr = a.do(authReq(http.MethodGet, "/health", "", "wrong-token"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rr.Code)
	}

	rr = a.do(authReq(http.MethodGet, "/health", "", testToken))
	if rr.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rr.Code)
	}

	// Empty configured token disables auth.
	open := setupHandler(t, "", nil)
	rr = open.do(authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("open handler: status = %d, want 200", rr.Code)
	}
}

func TestIngestDocument_Text(t *testing.T) {
	a := setupHandler(t, testToken, nil)
	a.addSource(t, "src-1")

	body := `{"source_id":"src-1","owner_id":"owner-1","title":"notes","content":"Plain text body."}`
	rr := a.do(authReq(http.MethodPost, "/documents", body, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["status"] != "queued" || resp["id"] == "" {
		t.Fatalf("response = %v", resp)
	}

	doc, err := a.store.GetDocument(resp["id"])
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Content != "Plain text body." || doc.SourceID != "src-1" {
		t.Errorf("stored doc = %+v", doc)
	}

	st, err := a.store.GetStatus(resp["id"])
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.State != storage.StatePending {
		t.Errorf("queue state = %q, want pending", st.State)
	}
}

func TestIngestDocument_UnknownSource(t *testing.T) {
	a := setupHandler(t, testToken, nil)

	body := `{"source_id":"ghost","content":"text"}`
	rr := a.do(authReq(http.MethodPost, "/documents", body, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestIngestDocument_MissingContent(t *testing.T) {
	a := setupHandler(t, testToken, nil)
	a.addSource(t, "src-1")

	rr := a.do(authReq(http.MethodPost, "/documents", `{"source_id":"src-1"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestIngestDocument_HTML(t *testing.T) {
	a := setupHandler(t, testToken, nil)
	a.addSource(t, "src-1")

	body := `{"source_id":"src-1","format":"html","content":"<html><head><style>p{}</style></head><body><p>Hello</p><script>x()</script><p>world.</p></body></html>"}`
	rr := a.do(authReq(http.MethodPost, "/documents", body, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	doc, err := a.store.GetDocument(resp["id"])
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Content != "Hello world." {
		t.Errorf("extracted content = %q, want %q", doc.Content, "Hello world.")
	}
}

func TestIngestDocument_URL(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><body><h1>Title</h1><p>Fetched text.</p></body></html>")
	}))
	defer upstream.Close()

	a := setupHandler(t, testToken, func(deps *AppDeps) {
		deps.HTTPClient = upstream.Client()
	})
	a.addSource(t, "src-1")

	body := `{"source_id":"src-1","format":"url","url":"` + upstream.URL + `"}`
	rr := a.do(authReq(http.MethodPost, "/documents", body, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	doc, err := a.store.GetDocument(resp["id"])
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Content != "Title Fetched text." {
		t.Errorf("fetched content = %q", doc.Content)
	}
	if doc.Title != upstream.URL {
		t.Errorf("title = %q, want the url", doc.Title)
	}
}

func TestDocumentStatusAndList(t *testing.T) {
	a := setupHandler(t, testToken, nil)
	a.addSource(t, "src-1")

	body := `{"source_id":"src-1","owner_id":"o1","content":"text body"}`
	rr := a.do(authReq(http.MethodPost, "/documents", body, testToken))
	var created map[string]string
	json.NewDecoder(rr.Body).Decode(&created)

	rr = a.do(authReq(http.MethodGet, "/documents/"+created["id"]+"/status", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d; body = %s", rr.Code, rr.Body.String())
	}
	var st StatusResponse
	json.NewDecoder(rr.Body).Decode(&st)
	if st.State != storage.StatePending || st.MaxRetries != 3 {
		t.Errorf("status = %+v", st)
	}

	rr = a.do(authReq(http.MethodGet, "/documents?owner_id=o1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("list = %d", rr.Code)
	}
	var docs []DocumentView
	json.NewDecoder(rr.Body).Decode(&docs)
	if len(docs) != 1 || docs[0].ID != created["id"] {
		t.Errorf("docs = %+v", docs)
	}
	if docs[0].Size != len("text body") {
		t.Errorf("Size = %d, want %d", docs[0].Size, len("text body"))
	}

	rr = a.do(authReq(http.MethodGet, "/documents/no-such-id", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing doc = %d, want 404", rr.Code)
	}
}

func TestDeleteDocument_CleansVectors(t *testing.T) {
	a := setupHandler(t, testToken, nil)
	a.addSource(t, "src-1")

	body := `{"source_id":"src-1","content":"text body"}`
	rr := a.do(authReq(http.MethodPost, "/documents", body, testToken))
	var created map[string]string
	json.NewDecoder(rr.Body).Decode(&created)
	docID := created["id"]

	err := a.vectors.Upsert(ingest.Collection, []vectorstore.Record{{
		ID:         vectorstore.VectorID(docID, 0),
		DocumentID: docID,
		SourceID:   "src-1",
		Text:       "text body",
		Embedding:  []float32{1, 2, 3},
	}})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	rr = a.do(authReq(http.MethodDelete, "/documents/"+docID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete = %d; body = %s", rr.Code, rr.Body.String())
	}

	if _, err := a.store.GetDocument(docID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("document still present after delete: %v", err)
	}
	count, err := a.vectors.Count(ingest.Collection)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("vector count = %d, want 0 after delete", count)
	}
	if _, err := a.store.GetStatus(docID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("queue entry still present after delete: %v", err)
	}
}

func TestQuery(t *testing.T) {
	canned := retrieval.Response{
		Results: []sources.Result{{
			ID:         "d1:0",
			DocumentID: "d1",
			SourceID:   "src-1",
			Text:       "answer",
			Similarity: 0.9,
			Score:      1.4,
		}},
		SourcesUsed: []string{"src-1"},
		Quality:     retrieval.QualityMetrics{AvgRelevance: 0.9, ResultCount: 1, SourceCount: 1},
	}
	a := setupHandler(t, testToken, func(deps *AppDeps) {
		deps.Retriever = &stubRetriever{resp: canned}
	})

	rr := a.do(authReq(http.MethodPost, "/query", `{"query":"how do restarts work","owner_id":"o1"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("query = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp retrieval.Response
	json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Results) != 1 || resp.Results[0].ID != "d1:0" {
		t.Errorf("response = %+v", resp)
	}

	rr = a.do(authReq(http.MethodPost, "/query", `{"query":"  "}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("blank query = %d, want 400", rr.Code)
	}
}

func TestHealthAndQueueClear(t *testing.T) {
	a := setupHandler(t, testToken, func(deps *AppDeps) {
		deps.Health = &stubHealth{health: ingest.Health{
			Depth:  map[string]int{storage.StatePending: 2},
			Active: true,
		}}
	})

	rr := a.do(authReq(http.MethodGet, "/health", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("health = %d", rr.Code)
	}
	var h HealthResponse
	json.NewDecoder(rr.Body).Decode(&h)
	if h.Status != "ok" || !h.Queue.Active || h.Queue.Depth[storage.StatePending] != 2 {
		t.Errorf("health response = %+v", h)
	}

	// Seed a terminal queue entry, then clear it.
	a.addSource(t, "src-1")
	body := `{"source_id":"src-1","content":"text"}`
	rr = a.do(authReq(http.MethodPost, "/documents", body, testToken))
	var created map[string]string
	json.NewDecoder(rr.Body).Decode(&created)
	if err := a.store.MarkFailed(created["id"], "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	rr = a.do(authReq(http.MethodPost, "/queue/clear", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("queue clear = %d", rr.Code)
	}
	var cleared map[string]int
	json.NewDecoder(rr.Body).Decode(&cleared)
	if cleared["cleared"] != 1 {
		t.Errorf("cleared = %d, want 1", cleared["cleared"])
	}
}

func TestSourceLifecycle(t *testing.T) {
	a := setupHandler(t, testToken, nil)

	body := `{"name":"runbooks","type":"documentation","priority":8,"tags":["ops"],"accuracy":0.9,"completeness":0.8,"timeliness":0.7,"consistency":0.8,"reliability":0.9}`
	rr := a.do(authReq(http.MethodPost, "/sources", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create = %d; body = %s", rr.Code, rr.Body.String())
	}
	var created SourceView
	json.NewDecoder(rr.Body).Decode(&created)
	if created.ID == "" || created.Priority != 8 || !created.Enabled {
		t.Fatalf("created = %+v", created)
	}
	if len(created.Tags) != 1 || created.Tags[0] != "ops" {
		t.Errorf("tags = %v", created.Tags)
	}
	if created.QualityScore <= 0 {
		t.Errorf("quality score = %v, want > 0", created.QualityScore)
	}

	rr = a.do(authReq(http.MethodGet, "/sources/"+created.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("get = %d", rr.Code)
	}

	rr = a.do(authReq(http.MethodPut, "/sources/"+created.ID+"/rating", `{"rating":4.5}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("rate = %d; body = %s", rr.Code, rr.Body.String())
	}
	rr = a.do(authReq(http.MethodPut, "/sources/"+created.ID+"/rating", `{"rating":7}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("out-of-range rating = %d, want 400", rr.Code)
	}

	rr = a.do(authReq(http.MethodDelete, "/sources/"+created.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("disable = %d", rr.Code)
	}

	rr = a.do(authReq(http.MethodGet, "/sources?enabled=true", "", testToken))
	var views []SourceView
	json.NewDecoder(rr.Body).Decode(&views)
	if len(views) != 0 {
		t.Errorf("enabled sources after disable = %+v", views)
	}

	rr = a.do(authReq(http.MethodGet, "/sources", "", testToken))
	json.NewDecoder(rr.Body).Decode(&views)
	if len(views) != 1 || views[0].Enabled {
		t.Errorf("all sources = %+v", views)
	}
}

func TestUpdateSource_PartialPatchPreservesFields(t *testing.T) {
	a := setupHandler(t, testToken, nil)

	body := `{"name":"runbooks","type":"documentation","priority":5,"accuracy":0.9,"completeness":0.8,"timeliness":0.7,"consistency":0.8,"reliability":0.9}`
	rr := a.do(authReq(http.MethodPost, "/sources", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create = %d; body = %s", rr.Code, rr.Body.String())
	}
	var created SourceView
	json.NewDecoder(rr.Body).Decode(&created)

	rr = a.do(authReq(http.MethodPatch, "/sources/"+created.ID, `{"name":"runbooks v2","priority":8}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("patch = %d; body = %s", rr.Code, rr.Body.String())
	}
	var updated SourceView
	json.NewDecoder(rr.Body).Decode(&updated)

	if updated.Name != "runbooks v2" || updated.Priority != 8 {
		t.Errorf("patched fields not applied: %+v", updated)
	}
	if !updated.Enabled {
		t.Error("rename disabled the source")
	}
	if updated.QualityScore != created.QualityScore {
		t.Errorf("quality score = %v, want %v preserved across patch",
			updated.QualityScore, created.QualityScore)
	}
	if updated.Type != "documentation" {
		t.Errorf("type = %q, want preserved", updated.Type)
	}

	// An explicit enabled:false is still honored.
	rr = a.do(authReq(http.MethodPatch, "/sources/"+created.ID, `{"enabled":false}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("patch enabled = %d", rr.Code)
	}
	json.NewDecoder(rr.Body).Decode(&updated)
	if updated.Enabled {
		t.Error("enabled = true, want explicit disable applied")
	}
	if updated.Name != "runbooks v2" {
		t.Errorf("name = %q, want untouched by enabled-only patch", updated.Name)
	}
}

func TestRuleLifecycle(t *testing.T) {
	a := setupHandler(t, testToken, nil)
	a.addSource(t, "src-1")

	rr := a.do(authReq(http.MethodPost, "/rules", `{"name":"boost deploys","substring":"deploy","source_ids":["src-1"],"multiplier":2}`, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create rule = %d; body = %s", rr.Code, rr.Body.String())
	}
	var rule RuleView
	json.NewDecoder(rr.Body).Decode(&rule)
	if rule.ID == "" || !rule.Enabled || rule.Multiplier != 2 {
		t.Fatalf("rule = %+v", rule)
	}

	rr = a.do(authReq(http.MethodPost, "/rules", `{"name":"no match condition","source_ids":["src-1"]}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("conditionless rule = %d, want 400", rr.Code)
	}

	rr = a.do(authReq(http.MethodGet, "/rules", "", testToken))
	var rules []RuleView
	json.NewDecoder(rr.Body).Decode(&rules)
	if len(rules) != 1 {
		t.Fatalf("rules = %+v", rules)
	}

	rr = a.do(authReq(http.MethodDelete, "/rules/"+rule.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete rule = %d", rr.Code)
	}
	rr = a.do(authReq(http.MethodDelete, "/rules/"+rule.ID, "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("double delete = %d, want 404", rr.Code)
	}
}
