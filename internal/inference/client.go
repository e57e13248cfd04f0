// Package inference provides HTTP clients for the external embedding and
// classification collaborators. Both speak the OpenAI-compatible API surface,
// cache results by content hash with a TTL, rate limit outgoing calls, and
// retry with backoff before degrading.
package inference

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fjmoreno/contaflow/internal/common"
)

// Config holds the connection settings shared by the inference clients.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	MaxRetries     int
	RetryDelay     time.Duration
	CacheTTL       time.Duration
	RateLimit      int // Requests per minute
	Temperature    float64
	MaxTokens      int
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = "meta-llama/Llama-3.1-8B-Instruct"
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = "sentence-transformers/all-MiniLM-L6-v2"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 200
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
}

func (c *Config) retryOptions() common.RetryOptions {
	return common.RetryOptions{
		MaxAttempts:  c.MaxRetries,
		InitialDelay: c.RetryDelay,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// contentHash keys the caches: identical inputs hit the same entry.
func contentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// postJSON sends a JSON request and decodes the JSON response body into out.
// Non-200 statuses become ExternalServiceError; 429 maps to ErrRateLimit so
// the retry loop waits the full backoff window.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return common.NewExternalServiceError("inference", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return common.NewExternalServiceError("inference", fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: inference API", common.ErrRateLimit)
	}
	if resp.StatusCode != http.StatusOK {
		return common.NewExternalServiceError("inference",
			fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return common.NewExternalServiceError("inference", fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}
