package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const batchConcurrency = 4

// Retrier wraps a Provider with bounded retry on transient failures and a
// shared rate limit across all callers. Permanent and invalid-input failures
// surface immediately.
type Retrier struct {
	provider    Provider
	maxAttempts int
	baseDelay   time.Duration
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewRetrier wraps provider. maxAttempts <= 0 defaults to 3; baseDelay <= 0
// defaults to 250ms; requestsPerSecond <= 0 disables rate limiting.
func NewRetrier(provider Provider, maxAttempts int, baseDelay time.Duration, requestsPerSecond float64) *Retrier {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1)
	}
	return &Retrier{
		provider:    provider,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		limiter:     limiter,
		logger:      slog.Default(),
	}
}

// Embed calls the underlying provider, retrying transient failures with
// exponential backoff up to the attempt budget.
func (r *Retrier) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		vec, err := r.provider.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return nil, err
		}
		if attempt == r.maxAttempts {
			break
		}

		delay := r.baseDelay << (attempt - 1)
		r.logger.Debug("embedding attempt failed, backing off",
			"attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", r.maxAttempts, lastErr)
}

// EmbedBatch embeds texts concurrently with bounded parallelism. Each text
// gets its own retry budget; the first non-retryable outcome cancels the rest.
func (r *Retrier) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := r.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			vectors[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}
