package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Client talks to an Ollama-compatible embedding endpoint over HTTP.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient creates a Client for the embedding server at baseURL using the
// given model name.
func NewClient(baseURL, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the embedding vector for a single text. Failures are tagged:
// rate limits, 5xx responses, and timeouts come back transient; 4xx responses
// permanent; empty text invalid input.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, InvalidInput("empty text")
	}

	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, Permanent("marshalling request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, Permanent("creating request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return nil, Transient("request timed out", err)
		}
		return nil, Transient("request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, Transient(fmt.Sprintf("rate limited (status %d)", resp.StatusCode), nil)
	case resp.StatusCode >= 500:
		return nil, Transient(fmt.Sprintf("server error (status %d)", resp.StatusCode), nil)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, Permanent(fmt.Sprintf("request rejected (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg))), nil)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, Transient("decoding response", err)
	}
	if len(er.Embedding) == 0 {
		return nil, Permanent("provider returned empty embedding", nil)
	}
	return er.Embedding, nil
}

// EmbedBatch embeds texts sequentially. Callers that want bounded concurrency
// and retries should wrap the client in a Retrier.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		vectors[i] = vec
	}
	return vectors, nil
}
