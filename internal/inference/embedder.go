package inference

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/service"
)

// HTTPEmbedder implements service.Embedder against an OpenAI-compatible
// embeddings endpoint. Vectors are cached by content hash, so re-running a
// reconciliation over the same descriptions costs no API calls.
type HTTPEmbedder struct {
	httpClient  *http.Client
	cache       *ttlCache[[]float32]
	rateLimiter *rateLimiter
	cfg         Config
}

var _ service.Embedder = (*HTTPEmbedder)(nil)

// NewHTTPEmbedder creates an embedding client.
func NewHTTPEmbedder(cfg Config) (*HTTPEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("embedding service base URL is required")
	}
	cfg.applyDefaults()

	return &HTTPEmbedder{
		cfg:         cfg,
		httpClient:  newHTTPClient(),
		cache:       newTTLCache[[]float32](cfg.CacheTTL),
		rateLimiter: newRateLimiter(cfg.RateLimit),
	}, nil
}

// Embed returns one vector per input text, in input order. Cached texts are
// served locally; the rest go to the service in a single batch call.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	var missing []int
	for i, text := range texts {
		if vec, ok := e.cache.get(contentHash(text)); ok {
			results[i] = vec
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	if err := e.rateLimiter.wait(ctx); err != nil {
		return nil, err
	}

	batch := make([]string, len(missing))
	for j, i := range missing {
		batch[j] = texts[i]
	}

	var vectors [][]float32
	err := common.WithRetry(ctx, func() error {
		var callErr error
		vectors, callErr = e.embedBatch(ctx, batch)
		return callErr
	}, e.cfg.retryOptions())
	if err != nil {
		return nil, common.NewExternalServiceError("embedding", err)
	}
	if len(vectors) != len(batch) {
		return nil, common.NewExternalServiceError("embedding",
			fmt.Errorf("expected %d vectors, got %d", len(batch), len(vectors)))
	}

	for j, i := range missing {
		results[i] = vectors[j]
		e.cache.set(contentHash(texts[i]), vectors[j])
	}

	slog.Debug("embeddings computed", "requested", len(texts), "fetched", len(batch))
	return results, nil
}

func (e *HTTPEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	payload := map[string]any{
		"model": e.cfg.EmbeddingModel,
		"input": texts,
	}

	var response struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := postJSON(ctx, e.httpClient, e.cfg.BaseURL+"/embeddings", e.cfg.APIKey, payload, &response); err != nil {
		return nil, err
	}
	if len(response.Data) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}

	vectors := make([][]float32, len(texts))
	for _, item := range response.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

// Close releases the cache and rate limiter goroutines.
func (e *HTTPEmbedder) Close() {
	e.cache.Close()
	e.rateLimiter.Close()
}
