package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjmoreno/contaflow/internal/common"
)

func embeddingServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		resp := struct {
			Data []item `json:"data"`
		}{}
		for i := range req.Input {
			resp.Data = append(resp.Data, item{Index: i, Embedding: []float32{float32(i), 1}})
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestEmbed(t *testing.T) {
	var calls atomic.Int32
	server := embeddingServer(t, &calls)
	defer server.Close()

	embedder, err := NewHTTPEmbedder(Config{BaseURL: server.URL, RateLimit: 600})
	require.NoError(t, err)
	defer embedder.Close()

	vectors, err := embedder.Embed(context.Background(), []string{"PAYROLL", "RENT"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0, 1}, vectors[0])
	assert.Equal(t, []float32{1, 1}, vectors[1])
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbed_CacheHit(t *testing.T) {
	var calls atomic.Int32
	server := embeddingServer(t, &calls)
	defer server.Close()

	embedder, err := NewHTTPEmbedder(Config{BaseURL: server.URL, CacheTTL: time.Minute, RateLimit: 600})
	require.NoError(t, err)
	defer embedder.Close()

	ctx := context.Background()
	_, err = embedder.Embed(ctx, []string{"PAYROLL"})
	require.NoError(t, err)
	_, err = embedder.Embed(ctx, []string{"PAYROLL"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbed_ServiceErrorAfterRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	embedder, err := NewHTTPEmbedder(Config{
		BaseURL:    server.URL,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		RateLimit:  600,
	})
	require.NoError(t, err)
	defer embedder.Close()

	_, err = embedder.Embed(context.Background(), []string{"PAYROLL"})
	require.Error(t, err)
	var svcErr *common.ExternalServiceError
	assert.ErrorAs(t, err, &svcErr)
	assert.Equal(t, int32(2), calls.Load())
}

func classificationServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestClassify(t *testing.T) {
	server := classificationServer(t, `{"category": "628", "confidence": 0.91, "rationale": "electricidad"}`)
	defer server.Close()

	classifier, err := NewHTTPClassifier(Config{BaseURL: server.URL, RateLimit: 600})
	require.NoError(t, err)
	defer classifier.Close()

	suggestion, err := classifier.Classify(context.Background(), "IBERDROLA FACTURA", -88.00, nil)
	require.NoError(t, err)
	assert.Equal(t, "628", suggestion.Category)
	assert.InDelta(t, 0.91, suggestion.Confidence, 0.0001)
	assert.Equal(t, "electricidad", suggestion.Rationale)
}

func TestClassify_MalformedResponseDegrades(t *testing.T) {
	server := classificationServer(t, "I think this is probably utilities but I am not sure")
	defer server.Close()

	classifier, err := NewHTTPClassifier(Config{BaseURL: server.URL, RateLimit: 600})
	require.NoError(t, err)
	defer classifier.Close()

	// Expense sign picks the expense fallback.
	suggestion, err := classifier.Classify(context.Background(), "MYSTERY", -10.00, nil)
	require.NoError(t, err)
	assert.Equal(t, "629", suggestion.Category)
	assert.InDelta(t, 0.5, suggestion.Confidence, 0.0001)

	income, err := classifier.Classify(context.Background(), "MYSTERY IN", 10.00, nil)
	require.NoError(t, err)
	assert.Equal(t, "759", income.Category)
}

func TestClassify_TransportFailureIsError(t *testing.T) {
	server := classificationServer(t, "{}")
	server.Close() // Refuse connections.

	classifier, err := NewHTTPClassifier(Config{
		BaseURL:    server.URL,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
		RateLimit:  600,
	})
	require.NoError(t, err)
	defer classifier.Close()

	_, err = classifier.Classify(context.Background(), "MYSTERY", -10.00, nil)
	require.Error(t, err)
	var svcErr *common.ExternalServiceError
	assert.ErrorAs(t, err, &svcErr)
}

func TestBuildPrompt(t *testing.T) {
	prompt := buildPrompt("GASOLINERA REPSOL", -60.00, nil)
	assert.Contains(t, prompt, "GASOLINERA REPSOL")
	assert.Contains(t, prompt, "GASTO")
	assert.Contains(t, prompt, "629: Otros servicios")
	assert.Contains(t, prompt, "759: Ingresos por servicios diversos")

	income := buildPrompt("FACTURA CLIENTE", 500.00, nil)
	assert.Contains(t, income, "INGRESO")
}

func TestTTLCache(t *testing.T) {
	cache := newTTLCache[int](50 * time.Millisecond)
	defer cache.Close()

	cache.set("k", 42)
	got, ok := cache.get("k")
	require.True(t, ok)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1, cache.size())

	time.Sleep(60 * time.Millisecond)
	_, ok = cache.get("k")
	assert.False(t, ok)
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(2)
	defer rl.Close()

	assert.True(t, rl.tryAcquire())
	assert.True(t, rl.tryAcquire())
	assert.False(t, rl.tryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := rl.wait(ctx)
	require.Error(t, err)
}
