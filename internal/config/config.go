// Package config loads corpusd configuration from a JSON file at
// $XDG_CONFIG_HOME/corpusd/config.json with CORPUSD_* environment variable
// overrides.
package config

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Ingest    IngestConfig
	Retrieval RetrievalConfig
}

type ServerConfig struct {
	Port int
	// AuthToken protects the HTTP API when non-empty. Secret: settable only
	// via CORPUSD_AUTH_TOKEN.
	AuthToken string
}

type LogConfig struct {
	Level string // debug, info, warn, error
}

type StorageConfig struct {
	DataDir string
	// VectorBackend selects the vector index: "sqlite" (embedded) or
	// "qdrant" (external, at QdrantURL).
	VectorBackend string
	QdrantURL     string
}

type EmbeddingConfig struct {
	BaseURL     string
	Model       string
	MaxAttempts int
	// RatePerSecond caps outbound embedding calls. Zero disables the limiter.
	RatePerSecond int
}

type IngestConfig struct {
	MaxConcurrent int
	MaxRetries    int
	RetryDelay    string // base for linear backoff, e.g. "5s"
	PollInterval  string
	MaxChunkSize  int
	MinChunkSize  int
	OverlapSize   int
	ChunkBoundary string // sentence, paragraph, word
}

type RetrievalConfig struct {
	TopK                 int
	MinCredibility       float64
	QualityFilter        bool
	MinQualityScore      float64
	CredibilityWeighting bool
	PriorityWeightFactor float64
	DiversityWeight      float64
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4200,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			VectorBackend: "sqlite",
			QdrantURL:     "http://localhost:6333",
		},
		Embedding: EmbeddingConfig{
			BaseURL:       "http://localhost:11434",
			Model:         "nomic-embed-text",
			MaxAttempts:   3,
			RatePerSecond: 10,
		},
		Ingest: IngestConfig{
			MaxConcurrent: 3,
			MaxRetries:    3,
			RetryDelay:    "5s",
			PollInterval:  "2s",
			MaxChunkSize:  1000,
			MinChunkSize:  100,
			OverlapSize:   20,
			ChunkBoundary: "sentence",
		},
		Retrieval: RetrievalConfig{
			TopK:                 10,
			MinCredibility:       0.3,
			QualityFilter:        true,
			MinQualityScore:      0.4,
			CredibilityWeighting: true,
			PriorityWeightFactor: 1.0,
			DiversityWeight:      0.3,
		},
	}
}

// Load reads configuration from the JSON file backend and applies CORPUSD_*
// environment overrides on top.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}
