// Package embedding wraps the external embedding provider: a provider
// interface, a tagged error taxonomy that keeps retry policy a pure function
// of error kind, and a retrying rate-limited adapter.
package embedding

import "context"

// Provider converts text into fixed-length vectors. Implementations make
// network calls and must honor ctx cancellation.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
