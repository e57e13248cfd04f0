package classify

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/service"
)

const (
	ruleConfidence     = 0.99
	historyBase        = 0.85
	fallbackConfidence = 0.5
)

// applyRules runs the rule pass: rules in descending priority order, ties
// broken by rule id; the first matching rule wins and removes the
// transaction from further processing.
func (w *Workflow) applyRules(_ context.Context, s *State) error {
	rules := make([]model.ClassificationRule, len(s.Rules))
	copy(rules, s.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority == rules[j].Priority {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].Priority > rules[j].Priority
	})

	var remaining []model.Transaction
	for _, txn := range s.Transactions {
		matched := false
		for _, rule := range rules {
			if !rule.Active || !ruleMatches(rule, txn) {
				continue
			}
			s.Proposals = append(s.Proposals, model.ClassificationProposal{
				TransactionID: txn.ID,
				Category:      rule.Category,
				Confidence:    ruleConfidence,
				Method:        model.MethodRule,
				Rationale:     fmt.Sprintf("rule %s: %s %s %q", rule.ID, rule.Field, rule.Operator, rule.Value),
				CreatedAt:     time.Now().UTC(),
			})
			matched = true
			break
		}
		if !matched {
			remaining = append(remaining, txn)
		}
	}

	s.Transactions = remaining
	return nil
}

// ruleMatches evaluates one rule condition against a transaction.
func ruleMatches(rule model.ClassificationRule, txn model.Transaction) bool {
	var fieldValue string
	switch rule.Field {
	case "amount":
		fieldValue = strconv.FormatFloat(txn.Amount, 'f', 2, 64)
	default:
		fieldValue = txn.Description
	}

	have := strings.ToLower(fieldValue)
	want := strings.ToLower(rule.Value)

	switch rule.Operator {
	case model.OpEquals:
		return have == want
	case model.OpStartsWith:
		return strings.HasPrefix(have, want)
	case model.OpContains:
		return strings.Contains(have, want)
	default:
		return false
	}
}

// checkHistory classifies remaining transactions from prior human-validated
// classifications with similar descriptions: the majority category wins with
// confidence 0.85 scaled by how dominant the majority is.
func (w *Workflow) checkHistory(ctx context.Context, s *State) error {
	var remaining []model.Transaction
	for _, txn := range s.Transactions {
		prefix := txn.Description
		if len(prefix) > s.Config.HistoryPrefixLen {
			prefix = prefix[:s.Config.HistoryPrefixLen]
		}
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			remaining = append(remaining, txn)
			continue
		}

		history, err := w.storage.GetValidatedClassificationsByDescription(ctx, prefix, s.Config.HistoryLimit)
		if err != nil {
			return fmt.Errorf("history lookup: %w", err)
		}
		if len(history) == 0 {
			remaining = append(remaining, txn)
			continue
		}

		category, count := majorityCategory(history)
		fraction := float64(count) / float64(len(history))
		s.Proposals = append(s.Proposals, model.ClassificationProposal{
			TransactionID: txn.ID,
			Category:      category,
			Confidence:    math.Round(historyBase*fraction*100) / 100,
			Method:        model.MethodHistory,
			Rationale:     fmt.Sprintf("based on %d similar validated classifications", len(history)),
			CreatedAt:     time.Now().UTC(),
		})
	}

	s.Transactions = remaining
	return nil
}

// majorityCategory returns the most frequent category and its count, ties
// broken by lexical order for determinism.
func majorityCategory(history []model.ClassificationProposal) (string, int) {
	counts := make(map[string]int)
	for _, h := range history {
		counts[h.Category]++
	}

	best, bestCount := "", 0
	for category, count := range counts {
		if count > bestCount || (count == bestCount && category < best) {
			best = category
			bestCount = count
		}
	}
	return best, bestCount
}

// modelClassify sends the remaining transactions to the external
// classification collaborator. A collaborator failure degrades the affected
// item to the fallback category instead of aborting the run; the batch
// always completes.
func (w *Workflow) modelClassify(ctx context.Context, s *State) error {
	for _, txn := range s.Transactions {
		proposal := model.ClassificationProposal{
			TransactionID: txn.ID,
			Method:        model.MethodModel,
			CreatedAt:     time.Now().UTC(),
		}

		var suggestion service.Suggestion
		var err error
		if w.classifier == nil {
			err = fmt.Errorf("no classifier configured")
		} else {
			suggestion, err = w.classifier.Classify(ctx, txn.Description, txn.Amount, nil)
		}

		if err != nil {
			slog.Warn("classification service failed, using fallback category",
				"transaction_id", txn.ID, "error", err)
			proposal.Category = model.FallbackCategory(txn.Amount)
			proposal.Confidence = fallbackConfidence
			proposal.Rationale = "classification service unavailable, assigned fallback category"
		} else {
			proposal.Category = suggestion.Category
			proposal.Confidence = suggestion.Confidence
			proposal.Rationale = suggestion.Rationale
		}

		s.Proposals = append(s.Proposals, proposal)
	}

	s.Transactions = nil
	return nil
}
