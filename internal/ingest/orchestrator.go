package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mstolbov/corpusd/internal/embedding"
	"github.com/mstolbov/corpusd/internal/storage"
)

// Store is the queue and document surface the orchestrator drives. It is
// satisfied by *storage.Store.
type Store interface {
	ClaimBatch(limit int) ([]storage.ProcessingStatus, error)
	MarkCompleted(documentID, resultJSON string) error
	FailProcessing(documentID, errMsg string, baseDelay time.Duration) (string, error)
	MarkFailed(documentID, errMsg string) error
	GetDocument(id string) (storage.Document, error)
	UpdateDocumentStatus(id, status string) error
	QueueDepth() (map[string]int, error)
	Backlog() (bool, error)
}

// Processor runs the ingestion flow for one document.
type Processor interface {
	Process(ctx context.Context, doc storage.Document) (Result, error)
}

// OrchestratorConfig tunes wave sizing and pacing.
type OrchestratorConfig struct {
	// MaxConcurrent bounds both the wave size and the number of documents
	// processed in parallel within it.
	MaxConcurrent int
	// PollInterval is the idle wait between waves when the queue is empty.
	PollInterval time.Duration
	// WaveDelay is the short pause between consecutive busy waves.
	WaveDelay time.Duration
	// RetryDelay is the base for the linear retry backoff; attempt n waits
	// RetryDelay * n.
	RetryDelay time.Duration
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.WaveDelay <= 0 {
		c.WaveDelay = 500 * time.Millisecond
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
}

// Health reports queue depth per state and whether a wave is in flight.
type Health struct {
	Depth  map[string]int `json:"depth"`
	Active bool           `json:"active"`
}

// Orchestrator claims due queue entries in waves and runs them through the
// pipeline with bounded concurrency. Retry scheduling lives in the queue
// itself, so a restart resumes exactly where the previous run stopped.
type Orchestrator struct {
	store     Store
	processor Processor
	cfg       OrchestratorConfig
	logger    *slog.Logger
	active    atomic.Bool
}

func NewOrchestrator(store Store, processor Processor, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run processes waves until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("ingestion orchestrator started",
		"max_concurrent", o.cfg.MaxConcurrent,
		"poll_interval", o.cfg.PollInterval,
	)
	for {
		processed, err := o.RunWave(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("wave failed", "error", err)
		}

		wait := o.cfg.PollInterval
		if processed > 0 {
			wait = o.cfg.WaveDelay
		} else if pending, err := o.store.Backlog(); err == nil && pending {
			wait = o.cfg.WaveDelay
		}

		select {
		case <-ctx.Done():
			o.logger.Info("ingestion orchestrator stopped")
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RunWave claims up to MaxConcurrent due entries and processes them in
// parallel. It returns the number of entries claimed.
func (o *Orchestrator) RunWave(ctx context.Context) (int, error) {
	claimed, err := o.store.ClaimBatch(o.cfg.MaxConcurrent)
	if err != nil {
		return 0, fmt.Errorf("claiming batch: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	o.active.Store(true)
	defer o.active.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrent)
	for _, entry := range claimed {
		g.Go(func() error {
			o.handleClaim(gctx, entry)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(claimed), err
	}
	return len(claimed), nil
}

// handleClaim runs one claimed entry to a terminal or retrying outcome. All
// bookkeeping failures are logged rather than propagated: the claim is
// already ours and the queue must reflect some outcome.
func (o *Orchestrator) handleClaim(ctx context.Context, entry storage.ProcessingStatus) {
	doc, err := o.store.GetDocument(entry.DocumentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			o.fail(entry.DocumentID, "document no longer exists")
			return
		}
		o.retry(entry.DocumentID, fmt.Sprintf("loading document: %v", err))
		return
	}

	res, err := o.processor.Process(ctx, doc)
	if err != nil {
		if isInputError(err) {
			o.fail(doc.ID, err.Error())
			return
		}
		o.retry(doc.ID, err.Error())
		return
	}

	resultJSON, merr := json.Marshal(res)
	if merr != nil {
		resultJSON = []byte("{}")
	}
	if err := o.store.MarkCompleted(doc.ID, string(resultJSON)); err != nil {
		o.logger.Error("marking completed", "document_id", doc.ID, "error", err)
		return
	}
	if err := o.store.UpdateDocumentStatus(doc.ID, storage.StateCompleted); err != nil {
		o.logger.Error("updating document status", "document_id", doc.ID, "error", err)
	}
}

// fail marks a claim terminally failed without retry.
func (o *Orchestrator) fail(documentID, reason string) {
	if err := o.store.MarkFailed(documentID, reason); err != nil {
		o.logger.Error("marking failed", "document_id", documentID, "error", err)
		return
	}
	if err := o.store.UpdateDocumentStatus(documentID, storage.StateFailed); err != nil {
		o.logger.Error("updating document status", "document_id", documentID, "error", err)
	}
	o.logger.Warn("document failed", "document_id", documentID, "reason", reason)
}

// retry routes a claim through the queue's backoff machinery; the queue
// decides whether another attempt remains.
func (o *Orchestrator) retry(documentID, reason string) {
	state, err := o.store.FailProcessing(documentID, reason, o.cfg.RetryDelay)
	if err != nil {
		o.logger.Error("scheduling retry", "document_id", documentID, "error", err)
		return
	}
	if err := o.store.UpdateDocumentStatus(documentID, state); err != nil {
		o.logger.Error("updating document status", "document_id", documentID, "error", err)
	}
	o.logger.Warn("document attempt failed", "document_id", documentID, "next_state", state, "reason", reason)
}

// Health reports current queue depth and whether a wave is in flight.
func (o *Orchestrator) Health() (Health, error) {
	depth, err := o.store.QueueDepth()
	if err != nil {
		return Health{}, err
	}
	return Health{Depth: depth, Active: o.active.Load()}, nil
}

// isInputError reports whether err describes bad input that retrying cannot
// fix.
func isInputError(err error) bool {
	if errors.Is(err, ErrNoValidChunks) {
		return true
	}
	return embedding.KindOf(err) == embedding.KindInvalidInput
}
