package inference

import (
	"encoding/json"
	"strings"

	"github.com/fjmoreno/contaflow/internal/model"
)

// ParseResult is the explicit outcome of parsing a model response: either a
// parsed suggestion or a failure with its reason. Malformed output is a
// value, never an error.
type ParseResult struct {
	Category   string
	Rationale  string
	Reason     string // Set when Parsed is false
	Confidence float64
	Parsed     bool
}

// parseSuggestion extracts {category, confidence, rationale} from the raw
// model response. The model is told to answer with bare JSON, but responses
// wrapped in markdown fences or with stray prose around the object are
// tolerated.
func parseSuggestion(content string) ParseResult {
	content = cleanMarkdownWrapper(content)

	// Some models prepend prose; recover the first JSON object.
	if start := strings.Index(content, "{"); start > 0 {
		content = content[start:]
	}
	if end := strings.LastIndex(content, "}"); end >= 0 {
		content = content[:end+1]
	}

	var resp struct {
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
		Rationale  string  `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return ParseResult{Reason: "invalid JSON: " + err.Error()}
	}

	if resp.Category == "" {
		return ParseResult{Reason: "no category in response"}
	}
	if !model.ValidCategory(resp.Category) {
		return ParseResult{Reason: "unknown category " + resp.Category}
	}

	confidence := resp.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return ParseResult{
		Parsed:     true,
		Category:   resp.Category,
		Confidence: confidence,
		Rationale:  resp.Rationale,
	}
}

// cleanMarkdownWrapper strips ```json fences the model sometimes adds
// despite instructions.
func cleanMarkdownWrapper(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}

	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	if idx := strings.LastIndex(content, "```"); idx >= 0 {
		content = content[:idx]
	}
	return strings.TrimSpace(content)
}
