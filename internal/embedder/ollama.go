package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/kmorita/conflux/internal/apperr"
)

const (
	// DefaultOllamaBaseURL is the default Ollama API base URL.
	DefaultOllamaBaseURL = "http://localhost:11434"

	// DefaultOllamaModel is the default embedding model.
	DefaultOllamaModel = "nomic-embed-text"

	// DefaultOllamaDimension is the default embedding dimension for nomic-embed-text.
	DefaultOllamaDimension = 768

	// DefaultBatchConcurrency bounds concurrent embedding requests in a batch.
	DefaultBatchConcurrency = 4

	// DefaultMaxBackoff caps how long rate-limit back-pressure delays one
	// embedding before the error surfaces.
	DefaultMaxBackoff = 30 * time.Second
)

// OllamaConfig holds configuration for the Ollama embedder.
type OllamaConfig struct {
	// BaseURL is the Ollama API base URL (default: http://localhost:11434).
	BaseURL string

	// Model is the embedding model to use (default: nomic-embed-text).
	Model string

	// Dimension is the embedding dimension (default: 768 for nomic-embed-text).
	Dimension int

	// BatchConcurrency bounds concurrent requests for batch embedding.
	BatchConcurrency int

	// MaxBackoff caps the total retry delay on rate-limited or transient
	// failures (default: 30s).
	MaxBackoff time.Duration

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// OllamaEmbedder implements Embedder against Ollama's embeddings API.
// Rate-limited and transient failures retry with jittered exponential
// backoff until the configured cap.
type OllamaEmbedder struct {
	baseURL          string
	model            string
	dimension        int
	batchConcurrency int
	maxBackoff       time.Duration
	client           *http.Client

	// newBackoff is swappable so tests retry without real delays.
	newBackoff func() backoff.BackOff
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewOllamaEmbedder creates an Ollama embedder with the given configuration.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	e := &OllamaEmbedder{
		baseURL:          strings.TrimSuffix(cfg.BaseURL, "/"),
		model:            cfg.Model,
		dimension:        cfg.Dimension,
		batchConcurrency: cfg.BatchConcurrency,
		maxBackoff:       cfg.MaxBackoff,
		client:           cfg.HTTPClient,
	}
	if e.baseURL == "" {
		e.baseURL = DefaultOllamaBaseURL
	}
	if e.model == "" {
		e.model = DefaultOllamaModel
	}
	if e.dimension <= 0 {
		e.dimension = DefaultOllamaDimension
	}
	if e.batchConcurrency <= 0 {
		e.batchConcurrency = DefaultBatchConcurrency
	}
	if e.maxBackoff <= 0 {
		e.maxBackoff = DefaultMaxBackoff
	}
	if e.client == nil {
		e.client = http.DefaultClient
	}
	e.newBackoff = func() backoff.BackOff {
		policy := backoff.NewExponentialBackOff()
		policy.MaxInterval = e.maxBackoff
		policy.MaxElapsedTime = e.maxBackoff
		return policy
	}
	return e
}

// Embed generates a dimension-checked embedding vector for one text input,
// absorbing rate limits with backoff up to the cap.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	op := func() error {
		v, err := e.embedOnce(ctx, text)
		if err != nil {
			if !apperr.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		vec = v
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(e.newBackoff(), ctx)); err != nil {
		return nil, err
	}
	return vec, nil
}

// embedOnce is a single round trip with classified failure kinds.
func (e *OllamaEmbedder) embedOnce(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendTransient, "embedding request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, e.statusError(resp)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperr.Wrap(apperr.StreamTruncated, "failed to decode embedding response", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, apperr.New(apperr.BackendTransient, "empty embedding returned")
	}

	vec := make([]float32, len(parsed.Embedding))
	for i, v := range parsed.Embedding {
		vec[i] = float32(v)
	}
	if err := VerifyDimension(vec, e.dimension); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "embedding collaborator misconfigured", err)
	}
	return vec, nil
}

// statusError classifies a non-200 response. 429 carries the server's
// Retry-After hint so callers can surface the delay.
func (e *OllamaEmbedder) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	kind := apperr.BackendUnavailable
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = apperr.RateLimited
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		kind = apperr.BackendTransient
	}
	return &apperr.Error{
		Kind:       kind,
		Msg:        fmt.Sprintf("embedding API error (status %d): %s", resp.StatusCode, string(body)),
		RetryAfter: retryAfterHeader(resp),
	}
}

func retryAfterHeader(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After")))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// EmbedBatch embeds multiple texts with bounded concurrency. Order is
// preserved; the first failure cancels the rest of the batch.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchConcurrency)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("failed to embed text at index %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Dimension returns the dimensionality of the embedding vectors.
func (e *OllamaEmbedder) Dimension() int { return e.dimension }

// ModelName returns the name of the embedding model being used.
func (e *OllamaEmbedder) ModelName() string { return e.model }

var _ Embedder = (*OllamaEmbedder)(nil)
