package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type mockProvider struct {
	calls   atomic.Int32
	embedFn func(call int, text string) ([]float32, error)
}

func (m *mockProvider) Embed(_ context.Context, text string) ([]float32, error) {
	call := int(m.calls.Add(1))
	return m.embedFn(call, text)
}

func (m *mockProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func newTestRetrier(p Provider, attempts int) *Retrier {
	return NewRetrier(p, attempts, time.Millisecond, 0)
}

func TestRetrier_RetriesTransient(t *testing.T) {
	p := &mockProvider{
		embedFn: func(call int, _ string) ([]float32, error) {
			if call < 3 {
				return nil, Transient("rate limited", nil)
			}
			return []float32{1, 2, 3}, nil
		},
	}

	vec, err := newTestRetrier(p, 3).Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("expected 3-dim vector, got %d", len(vec))
	}
	if got := p.calls.Load(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestRetrier_ExhaustsAttemptBudget(t *testing.T) {
	p := &mockProvider{
		embedFn: func(_ int, _ string) ([]float32, error) {
			return nil, Transient("still down", nil)
		},
	}

	_, err := newTestRetrier(p, 3).Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := p.calls.Load(); got != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", got)
	}
	if !IsTransient(err) {
		t.Errorf("exhausted transient failure should still report transient, got kind %v", KindOf(err))
	}
}

func TestRetrier_PermanentNotRetried(t *testing.T) {
	p := &mockProvider{
		embedFn: func(_ int, _ string) ([]float32, error) {
			return nil, Permanent("invalid api key", nil)
		},
	}

	_, err := newTestRetrier(p, 5).Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("permanent failure must not be retried, got %d calls", got)
	}
	if KindOf(err) != KindPermanent {
		t.Errorf("expected permanent kind, got %v", KindOf(err))
	}
}

func TestRetrier_InvalidInputNotRetried(t *testing.T) {
	p := &mockProvider{
		embedFn: func(_ int, _ string) ([]float32, error) {
			return nil, InvalidInput("empty text")
		},
	}

	_, err := newTestRetrier(p, 5).Embed(context.Background(), "")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("invalid input must not be retried, got %d calls", got)
	}
}

func TestRetrier_EmbedBatch(t *testing.T) {
	p := &mockProvider{
		embedFn: func(_ int, text string) ([]float32, error) {
			return []float32{float32(len(text))}, nil
		},
	}

	texts := []string{"a", "bb", "ccc"}
	vectors, err := newTestRetrier(p, 3).EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vectors))
	}
	for i, text := range texts {
		if vectors[i][0] != float32(len(text)) {
			t.Errorf("vector %d out of order: got %.0f, want %d", i, vectors[i][0], len(text))
		}
	}
}

func TestRetrier_EmbedBatchEmpty(t *testing.T) {
	p := &mockProvider{embedFn: func(int, string) ([]float32, error) { return nil, nil }}
	vectors, err := newTestRetrier(p, 3).EmbedBatch(context.Background(), nil)
	if err != nil || vectors != nil {
		t.Errorf("empty batch should return (nil, nil), got (%v, %v)", vectors, err)
	}
}

func TestKindOf_UntaggedDefaultsTransient(t *testing.T) {
	if KindOf(errors.New("connection reset")) != KindTransient {
		t.Error("untagged errors should default to transient")
	}
}
