package config

import (
	"fmt"
	"strconv"
	"testing"
)

// mapBackend is an in-memory Backend for tests.
type mapBackend struct {
	data map[string]any
}

func newMapBackend() *mapBackend {
	return &mapBackend{data: make(map[string]any)}
}

func (b *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	return fmt.Sprintf("%v", v), true, nil
}

func (b *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case int:
		return val, true, nil
	case string:
		i, err := strconv.Atoi(val)
		return i, true, err
	default:
		return 0, true, fmt.Errorf("invalid type for %s", key)
	}
}

func (b *mapBackend) SetString(key, val string) error { b.data[key] = val; return nil }

func (b *mapBackend) SetInt(key string, val int) error { b.data[key] = val; return nil }

func (b *mapBackend) Delete(key string) error { delete(b.data, key); return nil }

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(newMapBackend())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 4200 {
		t.Errorf("Server.Port = %d, want 4200", cfg.Server.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Storage.VectorBackend != "sqlite" {
		t.Errorf("Storage.VectorBackend = %q, want sqlite", cfg.Storage.VectorBackend)
	}
	if cfg.Embedding.Model != "nomic-embed-text" {
		t.Errorf("Embedding.Model = %q, want nomic-embed-text", cfg.Embedding.Model)
	}
	if cfg.Embedding.MaxAttempts != 3 {
		t.Errorf("Embedding.MaxAttempts = %d, want 3", cfg.Embedding.MaxAttempts)
	}
	if cfg.Ingest.MaxConcurrent != 3 || cfg.Ingest.MaxRetries != 3 {
		t.Errorf("Ingest defaults = %+v", cfg.Ingest)
	}
	if cfg.Ingest.MaxChunkSize != 1000 || cfg.Ingest.MinChunkSize != 100 || cfg.Ingest.OverlapSize != 20 {
		t.Errorf("chunking defaults = %+v", cfg.Ingest)
	}
	if cfg.Retrieval.TopK != 10 {
		t.Errorf("Retrieval.TopK = %d, want 10", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.MinCredibility != 0.3 {
		t.Errorf("Retrieval.MinCredibility = %v, want 0.3", cfg.Retrieval.MinCredibility)
	}
	if !cfg.Retrieval.QualityFilter || !cfg.Retrieval.CredibilityWeighting {
		t.Errorf("retrieval toggles = %+v, want both enabled", cfg.Retrieval)
	}
}

func TestBackendValues(t *testing.T) {
	b := newMapBackend()
	b.data["server.port"] = 9000
	b.data["embedding.model"] = "all-minilm"
	b.data["retrieval.diversity_weight"] = "0.5"
	b.data["retrieval.quality_filter"] = "false"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Embedding.Model != "all-minilm" {
		t.Errorf("Embedding.Model = %q, want all-minilm", cfg.Embedding.Model)
	}
	if cfg.Retrieval.DiversityWeight != 0.5 {
		t.Errorf("DiversityWeight = %v, want 0.5", cfg.Retrieval.DiversityWeight)
	}
	if cfg.Retrieval.QualityFilter {
		t.Error("QualityFilter = true, want false from backend")
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	b := newMapBackend()
	b.data["server.port"] = 9000
	t.Setenv("CORPUSD_SERVER_PORT", "9100")
	t.Setenv("CORPUSD_AUTH_TOKEN", "secret-token")
	t.Setenv("CORPUSD_RETRIEVAL_MIN_CREDIBILITY", "0.7")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want env override 9100", cfg.Server.Port)
	}
	if cfg.Server.AuthToken != "secret-token" {
		t.Errorf("AuthToken = %q, want env secret", cfg.Server.AuthToken)
	}
	if cfg.Retrieval.MinCredibility != 0.7 {
		t.Errorf("MinCredibility = %v, want 0.7", cfg.Retrieval.MinCredibility)
	}
}

func TestEnvInvalidValueKeepsDefault(t *testing.T) {
	t.Setenv("CORPUSD_SERVER_PORT", "not-a-number")

	cfg, err := loadWith(newMapBackend())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4200 {
		t.Errorf("Server.Port = %d, want default 4200 on bad env value", cfg.Server.Port)
	}
}

func TestSetKey(t *testing.T) {
	b := newMapBackend()
	if err := setKey(b, "retrieval.top_k", "25"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if b.data["retrieval.top_k"] != 25 {
		t.Errorf("stored value = %v, want 25", b.data["retrieval.top_k"])
	}

	if err := setKey(b, "server.auth_token", "x"); err == nil {
		t.Error("expected error when setting a secret key")
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := setKey(b, "ingest.max_retries", "many"); err == nil {
		t.Error("expected error for non-integer value")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.AuthToken = "secret"
	for _, info := range ShowAll(cfg) {
		if info.Key == "server.auth_token" {
			t.Error("ShowAll exposed the auth token key")
		}
	}
	for _, key := range ValidKeys() {
		if key == "server.auth_token" {
			t.Error("ValidKeys listed the auth token key")
		}
	}
}
