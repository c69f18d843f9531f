package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/mstolbov/corpusd/internal/api"
	"github.com/mstolbov/corpusd/internal/chunker"
	"github.com/mstolbov/corpusd/internal/config"
	"github.com/mstolbov/corpusd/internal/embedding"
	"github.com/mstolbov/corpusd/internal/ingest"
	"github.com/mstolbov/corpusd/internal/retrieval"
	"github.com/mstolbov/corpusd/internal/sources"
	"github.com/mstolbov/corpusd/internal/storage"
	"github.com/mstolbov/corpusd/internal/vectorstore"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the corpusd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running corpusd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show corpusd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "corpusd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "value", value, "default", fallback)
		return fallback
	}
	return d
}

func openVectorStore(cfg config.StorageConfig, store *storage.Store) vectorstore.Store {
	if cfg.VectorBackend == "qdrant" {
		return vectorstore.NewQdrantStore(vectorstore.QdrantConfig{URL: cfg.QdrantURL})
	}
	return vectorstore.NewSQLiteStore(store.DB())
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "corpusd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	})))

	// Refuse to start a second instance. The health probe catches a live
	// server even when a stale PID file was left behind.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("corpusd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("corpusd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	vectors := openVectorStore(cfg.Storage, store)
	slog.Info("vector store ready", "backend", cfg.Storage.VectorBackend)

	retryDelay := parseDurationOr(cfg.Ingest.RetryDelay, 5*time.Second)
	embedder := embedding.NewRetrier(
		embedding.NewClient(cfg.Embedding.BaseURL, cfg.Embedding.Model),
		cfg.Embedding.MaxAttempts,
		retryDelay,
		float64(cfg.Embedding.RatePerSecond),
	)

	ch := chunker.New(chunker.Config{
		MaxChunkSize: cfg.Ingest.MaxChunkSize,
		MinChunkSize: cfg.Ingest.MinChunkSize,
		OverlapSize:  cfg.Ingest.OverlapSize,
		Boundary:     chunker.Boundary(cfg.Ingest.ChunkBoundary),
	})
	pipeline := ingest.NewPipeline(ch, embedder, vectors)
	orch := ingest.NewOrchestrator(store, pipeline, ingest.OrchestratorConfig{
		MaxConcurrent: cfg.Ingest.MaxConcurrent,
		PollInterval:  parseDurationOr(cfg.Ingest.PollInterval, 2*time.Second),
		RetryDelay:    retryDelay,
	}, slog.Default())
	go func() {
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("ingest orchestrator stopped", "error", err)
		}
	}()

	mgr := sources.NewManager(store, sources.Config{
		MinCredibility:       cfg.Retrieval.MinCredibility,
		QualityFilter:        cfg.Retrieval.QualityFilter,
		MinQualityScore:      cfg.Retrieval.MinQualityScore,
		CredibilityWeighting: cfg.Retrieval.CredibilityWeighting,
		PriorityWeightFactor: cfg.Retrieval.PriorityWeightFactor,
		DiversityWeight:      cfg.Retrieval.DiversityWeight,
	}, slog.Default())
	retriever := retrieval.New(embedder, vectors, mgr, retrieval.Config{
		TopK: cfg.Retrieval.TopK,
	}, slog.Default())

	handler := api.NewHandler(api.AppDeps{
		Store:      store,
		Sources:    mgr,
		Retriever:  retriever,
		Health:     orch,
		Stats:      pipeline.Stats(),
		Vectors:    vectors,
		Token:      cfg.Server.AuthToken,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		MaxRetries: cfg.Ingest.MaxRetries,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:      store,
			Sources:    mgr,
			Retriever:  retriever,
			Health:     orch,
			MaxRetries: cfg.Ingest.MaxRetries,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "corpusd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("corpusd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop corpusd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to corpusd (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusUnauthorized {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	embedResp, err := client.Get(cfg.Embedding.BaseURL + "/api/version")
	if err != nil {
		printStatus("Embedding", "not reachable at %s", cfg.Embedding.BaseURL)
	} else {
		embedResp.Body.Close()
		printStatus("Embedding", "running at %s", cfg.Embedding.BaseURL)
	}
	printStatus("Embed model", "%s", cfg.Embedding.Model)
	printStatus("Vector backend", "%s", cfg.Storage.VectorBackend)

	if running {
		if apiC, err := newAPIClient(); err == nil {
			if healthResp, err := apiC.get(ctx, "/health"); err == nil {
				var h api.HealthResponse
				if decodeJSON(healthResp, &h) == nil {
					printStatus("Queue active", "%t", h.Queue.Active)
					for state, n := range h.Queue.Depth {
						printStatus("Queue "+state, "%d", n)
					}
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
