package inference

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/service"
)

// HTTPClassifier implements service.Classifier against an OpenAI-compatible
// chat-completions endpoint. A response the parser cannot use degrades to
// the fallback category with confidence 0.5 instead of failing the call;
// only transport-level failures surface as errors.
type HTTPClassifier struct {
	httpClient  *http.Client
	cache       *ttlCache[service.Suggestion]
	rateLimiter *rateLimiter
	cfg         Config
}

var _ service.Classifier = (*HTTPClassifier)(nil)

// NewHTTPClassifier creates a classification client.
func NewHTTPClassifier(cfg Config) (*HTTPClassifier, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("classification service base URL is required")
	}
	cfg.applyDefaults()

	return &HTTPClassifier{
		cfg:         cfg,
		httpClient:  newHTTPClient(),
		cache:       newTTLCache[service.Suggestion](cfg.CacheTTL),
		rateLimiter: newRateLimiter(cfg.RateLimit),
	}, nil
}

// Classify asks the model for a PGC category for one transaction.
func (c *HTTPClassifier) Classify(ctx context.Context, description string, amount float64, history []model.ClassificationProposal) (service.Suggestion, error) {
	key := contentHash(description, fmt.Sprintf("%.2f", amount))
	if suggestion, ok := c.cache.get(key); ok {
		slog.Debug("classification cache hit", "description", description)
		return suggestion, nil
	}

	if err := c.rateLimiter.wait(ctx); err != nil {
		return service.Suggestion{}, err
	}

	prompt := buildPrompt(description, amount, history)

	var content string
	err := common.WithRetry(ctx, func() error {
		var callErr error
		content, callErr = c.complete(ctx, prompt)
		return callErr
	}, c.cfg.retryOptions())
	if err != nil {
		return service.Suggestion{}, common.NewExternalServiceError("classification", err)
	}

	result := parseSuggestion(content)
	if !result.Parsed {
		slog.Warn("unparseable classification response",
			"description", description, "reason", result.Reason)
		suggestion := service.Suggestion{
			Category:   model.FallbackCategory(amount),
			Confidence: 0.5,
			Rationale:  "model response could not be parsed, assigned fallback category",
		}
		c.cache.set(key, suggestion)
		return suggestion, nil
	}

	suggestion := service.Suggestion{
		Category:   result.Category,
		Confidence: result.Confidence,
		Rationale:  result.Rationale,
	}
	c.cache.set(key, suggestion)

	slog.Debug("transaction classified",
		"description", description, "category", suggestion.Category, "confidence", suggestion.Confidence)
	return suggestion, nil
}

func (c *HTTPClassifier) complete(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model": c.cfg.Model,
		"messages": []map[string]string{
			{
				"role":    "system",
				"content": "You classify Spanish bank transactions into the Plan General Contable. Respond with ONLY a valid JSON object, no markdown, no commentary.",
			},
			{"role": "user", "content": prompt},
		},
		"temperature": c.cfg.Temperature,
		"max_tokens":  c.cfg.MaxTokens,
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := postJSON(ctx, c.httpClient, c.cfg.BaseURL+"/chat/completions", c.cfg.APIKey, payload, &response); err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}
	return response.Choices[0].Message.Content, nil
}

// buildPrompt renders the PGC classification prompt, optionally seeded with
// prior validated classifications of similar transactions.
func buildPrompt(description string, amount float64, history []model.ClassificationProposal) string {
	var b strings.Builder

	kind := "INGRESO"
	if amount < 0 {
		kind = "GASTO"
	}
	fmt.Fprintf(&b, "Clasifica la siguiente transacción bancaria según el Plan General Contable español (PGC).\n\n")
	fmt.Fprintf(&b, "Transacción:\n- Concepto: %s\n- Importe: %.2f€\n- Tipo: %s\n\n", description, amount, kind)

	if len(history) > 0 {
		b.WriteString("Clasificaciones similares previas:\n")
		for i, h := range history {
			if i == 5 {
				break
			}
			fmt.Fprintf(&b, "- %s (%.0f%%)\n", h.Category, h.Confidence*100)
		}
		b.WriteString("\n")
	}

	b.WriteString("Categorías principales de gastos (600-629):\n")
	for _, code := range model.ExpenseCategories() {
		fmt.Fprintf(&b, "- %s: %s\n", code, model.PGCCategories[code])
	}
	b.WriteString("\nCategorías principales de ingresos (700-759):\n")
	for _, code := range model.IncomeCategories() {
		fmt.Fprintf(&b, "- %s: %s\n", code, model.PGCCategories[code])
	}

	b.WriteString("\nResponde SOLO con un JSON válido (sin markdown ni explicación adicional):\n")
	b.WriteString(`{"category": "XXX", "confidence": 0.XX, "rationale": "..."}`)
	return b.String()
}

// Close releases the cache and rate limiter goroutines.
func (c *HTTPClassifier) Close() {
	c.cache.Close()
	c.rateLimiter.Close()
}
