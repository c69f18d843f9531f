package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CORPUSD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.auth_token", typ: kString, env: "CORPUSD_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.AuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AuthToken },
	},
	{
		key: "log.level", typ: kString, env: "CORPUSD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CORPUSD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.vector_backend", typ: kString, env: "CORPUSD_STORAGE_VECTOR_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.VectorBackend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.VectorBackend },
	},
	{
		key: "storage.qdrant_url", typ: kString, env: "CORPUSD_STORAGE_QDRANT_URL",
		apply:   func(cfg *Config, v any) { cfg.Storage.QdrantURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.QdrantURL },
	},
	{
		key: "embedding.base_url", typ: kString, env: "CORPUSD_EMBEDDING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "embedding.model", typ: kString, env: "CORPUSD_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.max_attempts", typ: kInt, env: "CORPUSD_EMBEDDING_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.MaxAttempts },
	},
	{
		key: "embedding.rate_per_second", typ: kInt, env: "CORPUSD_EMBEDDING_RATE_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Embedding.RatePerSecond = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.RatePerSecond },
	},
	{
		key: "ingest.max_concurrent", typ: kInt, env: "CORPUSD_INGEST_MAX_CONCURRENT",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxConcurrent },
	},
	{
		key: "ingest.max_retries", typ: kInt, env: "CORPUSD_INGEST_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxRetries },
	},
	{
		key: "ingest.retry_delay", typ: kString, env: "CORPUSD_INGEST_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Ingest.RetryDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.RetryDelay },
	},
	{
		key: "ingest.poll_interval", typ: kString, env: "CORPUSD_INGEST_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
	{
		key: "ingest.max_chunk_size", typ: kInt, env: "CORPUSD_INGEST_MAX_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxChunkSize },
	},
	{
		key: "ingest.min_chunk_size", typ: kInt, env: "CORPUSD_INGEST_MIN_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MinChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MinChunkSize },
	},
	{
		key: "ingest.overlap_size", typ: kInt, env: "CORPUSD_INGEST_OVERLAP_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.OverlapSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.OverlapSize },
	},
	{
		key: "ingest.chunk_boundary", typ: kString, env: "CORPUSD_INGEST_CHUNK_BOUNDARY",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkBoundary = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkBoundary },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "CORPUSD_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.min_credibility", typ: kFloat, env: "CORPUSD_RETRIEVAL_MIN_CREDIBILITY",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinCredibility = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinCredibility },
	},
	{
		key: "retrieval.quality_filter", typ: kBool, env: "CORPUSD_RETRIEVAL_QUALITY_FILTER",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.QualityFilter = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.QualityFilter },
	},
	{
		key: "retrieval.min_quality_score", typ: kFloat, env: "CORPUSD_RETRIEVAL_MIN_QUALITY_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinQualityScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinQualityScore },
	},
	{
		key: "retrieval.credibility_weighting", typ: kBool, env: "CORPUSD_RETRIEVAL_CREDIBILITY_WEIGHTING",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.CredibilityWeighting = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.CredibilityWeighting },
	},
	{
		key: "retrieval.priority_weight_factor", typ: kFloat, env: "CORPUSD_RETRIEVAL_PRIORITY_WEIGHT_FACTOR",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.PriorityWeightFactor = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.PriorityWeightFactor },
	},
	{
		key: "retrieval.diversity_weight", typ: kFloat, env: "CORPUSD_RETRIEVAL_DIVERSITY_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.DiversityWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.DiversityWeight },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
