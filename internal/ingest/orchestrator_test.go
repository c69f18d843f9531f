package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mstolbov/corpusd/internal/storage"
)

type fakeProcessor struct {
	mu    sync.Mutex
	calls int
	fn    func(doc storage.Document) (Result, error)
}

func (f *fakeProcessor) Process(_ context.Context, doc storage.Document) (Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(doc)
	}
	return Result{ChunksCreated: 2, EmbeddingsGenerated: 2, Status: StatusSuccess, Quality: DocumentQuality{Score: 0.9}}, nil
}

func openQueue(t *testing.T, docIDs ...string) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	for _, id := range docIDs {
		doc := storage.Document{ID: id, OwnerID: "owner-1", Type: storage.DocTypeDocument, Content: "content"}
		if err := store.SaveDocument(doc); err != nil {
			t.Fatalf("SaveDocument(%s): %v", id, err)
		}
		if err := store.Enqueue(id, 3); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}
	return store
}

func testOrchestrator(store *storage.Store, proc Processor) *Orchestrator {
	return NewOrchestrator(store, proc, OrchestratorConfig{
		MaxConcurrent: 3,
		RetryDelay:    time.Millisecond,
	}, nil)
}

func TestRunWave_CompletesDocuments(t *testing.T) {
	store := openQueue(t, "d1", "d2")
	proc := &fakeProcessor{}
	o := testOrchestrator(store, proc)

	n, err := o.RunWave(context.Background())
	if err != nil {
		t.Fatalf("RunWave: %v", err)
	}
	if n != 2 {
		t.Fatalf("claimed %d entries, want 2", n)
	}
	if proc.calls != 2 {
		t.Errorf("processor called %d times, want 2", proc.calls)
	}

	for _, id := range []string{"d1", "d2"} {
		st, err := store.GetStatus(id)
		if err != nil {
			t.Fatalf("GetStatus(%s): %v", id, err)
		}
		if st.State != storage.StateCompleted {
			t.Errorf("%s state = %q, want %q", id, st.State, storage.StateCompleted)
		}
		var res Result
		if err := json.Unmarshal([]byte(st.ResultJSON), &res); err != nil {
			t.Fatalf("result JSON for %s: %v", id, err)
		}
		if res.ChunksCreated != 2 {
			t.Errorf("%s result chunks = %d, want 2", id, res.ChunksCreated)
		}

		doc, err := store.GetDocument(id)
		if err != nil {
			t.Fatalf("GetDocument(%s): %v", id, err)
		}
		if doc.Status != storage.StateCompleted {
			t.Errorf("%s document status = %q, want %q", id, doc.Status, storage.StateCompleted)
		}
	}

	// Nothing left to claim.
	n, err = o.RunWave(context.Background())
	if err != nil {
		t.Fatalf("second RunWave: %v", err)
	}
	if n != 0 {
		t.Errorf("second wave claimed %d entries, want 0", n)
	}
}

func TestRunWave_TransientFailureExhaustsRetries(t *testing.T) {
	store := openQueue(t, "d1")
	proc := &fakeProcessor{
		fn: func(storage.Document) (Result, error) {
			return Result{Status: StatusFailed}, fmt.Errorf("provider unavailable")
		},
	}
	o := testOrchestrator(store, proc)

	// Three attempts against max_retries 3: two scheduled retries, then
	// terminal failure.
	for attempt := 1; attempt <= 3; attempt++ {
		// Linear backoff with a 1ms base is due almost immediately.
		time.Sleep(20 * time.Millisecond)
		n, err := o.RunWave(context.Background())
		if err != nil {
			t.Fatalf("RunWave attempt %d: %v", attempt, err)
		}
		if n != 1 {
			t.Fatalf("attempt %d claimed %d entries, want 1", attempt, n)
		}
	}

	st, err := store.GetStatus("d1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.State != storage.StateFailed {
		t.Errorf("state = %q, want %q", st.State, storage.StateFailed)
	}
	if st.RetryCount != st.MaxRetries {
		t.Errorf("RetryCount = %d, want MaxRetries %d", st.RetryCount, st.MaxRetries)
	}
	if st.LastError == "" {
		t.Error("LastError is empty, want the processor failure recorded")
	}

	doc, err := store.GetDocument("d1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != storage.StateFailed {
		t.Errorf("document status = %q, want %q", doc.Status, storage.StateFailed)
	}

	// Terminal entries are never claimed again.
	time.Sleep(20 * time.Millisecond)
	n, err := o.RunWave(context.Background())
	if err != nil {
		t.Fatalf("post-terminal RunWave: %v", err)
	}
	if n != 0 {
		t.Errorf("post-terminal wave claimed %d entries, want 0", n)
	}
	if proc.calls != 3 {
		t.Errorf("processor called %d times, want 3", proc.calls)
	}
}

func TestRunWave_InputErrorFailsWithoutRetry(t *testing.T) {
	store := openQueue(t, "d1")
	proc := &fakeProcessor{
		fn: func(doc storage.Document) (Result, error) {
			return Result{Status: StatusFailed}, fmt.Errorf("document %s: %w", doc.ID, ErrNoValidChunks)
		},
	}
	o := testOrchestrator(store, proc)

	if _, err := o.RunWave(context.Background()); err != nil {
		t.Fatalf("RunWave: %v", err)
	}

	st, err := store.GetStatus("d1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.State != storage.StateFailed {
		t.Errorf("state = %q, want %q", st.State, storage.StateFailed)
	}
	if st.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 (input errors are not retried)", st.RetryCount)
	}
	if proc.calls != 1 {
		t.Errorf("processor called %d times, want 1", proc.calls)
	}
}

func TestRunWave_MissingDocumentFails(t *testing.T) {
	store := openQueue(t)
	if err := store.Enqueue("ghost", 3); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	proc := &fakeProcessor{}
	o := testOrchestrator(store, proc)

	if _, err := o.RunWave(context.Background()); err != nil {
		t.Fatalf("RunWave: %v", err)
	}

	st, err := store.GetStatus("ghost")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.State != storage.StateFailed {
		t.Errorf("state = %q, want %q", st.State, storage.StateFailed)
	}
	if proc.calls != 0 {
		t.Errorf("processor called %d times, want 0", proc.calls)
	}
}

func TestHealth_ReportsDepth(t *testing.T) {
	store := openQueue(t, "d1", "d2")
	o := testOrchestrator(store, &fakeProcessor{})

	h, err := o.Health()
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Active {
		t.Error("Active = true before any wave")
	}
	if h.Depth[storage.StatePending] != 2 {
		t.Errorf("pending depth = %d, want 2", h.Depth[storage.StatePending])
	}

	if _, err := o.RunWave(context.Background()); err != nil {
		t.Fatalf("RunWave: %v", err)
	}
	h, err = o.Health()
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Depth[storage.StateCompleted] != 2 {
		t.Errorf("completed depth = %d, want 2", h.Depth[storage.StateCompleted])
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	store := openQueue(t)
	o := NewOrchestrator(store, &fakeProcessor{}, OrchestratorConfig{
		MaxConcurrent: 1,
		PollInterval:  5 * time.Millisecond,
		WaveDelay:     time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
