package classify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
)

// prepareReview flags every proposal below the review threshold as pending
// human review.
func (w *Workflow) prepareReview(_ context.Context, s *State) error {
	s.Pending = nil
	for _, p := range s.Proposals {
		if p.Confidence < s.Config.ReviewThreshold {
			s.Pending = append(s.Pending, p.TransactionID)
		}
	}
	return nil
}

// applyFeedback validates and merges the reviewer's corrections. Unknown
// transaction ids or categories outside the taxonomy are a StateError and
// nothing is mutated.
func (w *Workflow) applyFeedback(_ context.Context, s *State, raw json.RawMessage) error {
	var fb Feedback
	if err := json.Unmarshal(raw, &fb); err != nil {
		return common.NewStateError("malformed classification feedback: %v", err)
	}

	known := make(map[string]bool, len(s.Proposals))
	for _, p := range s.Proposals {
		known[p.TransactionID] = true
	}
	for id, category := range fb.Corrections {
		if !known[id] {
			return common.NewStateError("correction references unknown transaction %s", id)
		}
		if !model.ValidCategory(category) {
			return common.NewStateError("correction for %s uses unknown category %s", id, category)
		}
	}

	s.Feedback = &fb
	return nil
}

// saveResults applies the corrections and persists every proposal.
// Corrections override the category with confidence 1.0 and method manual.
// Persisting is check-then-write on the proposal id, so re-running with
// identical feedback creates no duplicates.
func (w *Workflow) saveResults(ctx context.Context, s *State) error {
	var fb Feedback
	if s.Feedback != nil {
		fb = *s.Feedback
	}

	now := time.Now().UTC()
	for i := range s.Proposals {
		p := &s.Proposals[i]
		if category, ok := fb.Corrections[p.TransactionID]; ok {
			p.Category = category
			p.Confidence = 1.0
			p.Method = model.MethodManual
			p.ReviewedBy = fb.ReviewedBy
			p.ReviewedAt = &now
		}
	}

	saved := 0
	for i := range s.Proposals {
		p := &s.Proposals[i]

		existing, err := w.storage.GetClassificationProposal(ctx, p.TransactionID)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return common.NewPersistenceError("check classification", err)
		}
		if existing != nil && existing.Category == p.Category && existing.Method == p.Method {
			continue // Already persisted by a prior apply.
		}

		if err := w.storage.SaveClassificationProposal(ctx, p); err != nil {
			return common.NewPersistenceError("save classification", err)
		}
		saved++
	}

	byMethod := make(map[model.ClassificationMethod]int)
	for _, p := range s.Proposals {
		byMethod[p.Method]++
	}
	s.Summary = &Summary{
		Total:    len(s.Proposals),
		Reviewed: len(fb.Corrections),
		ByMethod: byMethod,
	}

	slog.Info("classification saved",
		"total", len(s.Proposals), "persisted", saved, "corrected", len(fb.Corrections))
	return nil
}
