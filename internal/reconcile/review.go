package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/score"
	"github.com/fjmoreno/contaflow/internal/service"
)

// prepareReview partitions proposals by the auto-approve threshold, records
// discrepancies for transactions no pass matched, and builds the payload for
// the human review channel.
func (w *Workflow) prepareReview(_ context.Context, s *State) error {
	for i := range s.Proposals {
		p := &s.Proposals[i]
		if p.State != "" {
			continue // Already decided on a previous pass through the gate.
		}
		if p.Confidence >= s.Config.AutoApproveThreshold {
			p.State = model.MatchAutoApproved
		} else {
			p.State = model.MatchPendingReview
		}
	}

	matchedTx, matchedEntries := s.matchedSets()
	s.Discrepancies = nil
	for _, txn := range s.Transactions {
		if matchedTx[txn.ID] {
			continue
		}
		reason := "no candidate"
		for _, entry := range s.Entries {
			if matchedEntries[entry.ID] {
				continue
			}
			if score.DateDiffDays(txn.Date, entry.Date) == 0 {
				reason = "amount mismatch"
				break
			}
		}
		s.Discrepancies = append(s.Discrepancies, Discrepancy{
			TransactionID: txn.ID,
			Reason:        reason,
		})
	}

	s.Review = w.buildReviewItems(s)
	return nil
}

// buildReviewItems shapes pending proposals for the review channel.
func (w *Workflow) buildReviewItems(s *State) []service.ReviewItem {
	entryByID := make(map[string]*model.LedgerEntry, len(s.Entries))
	for i := range s.Entries {
		entryByID[s.Entries[i].ID] = &s.Entries[i]
	}
	txnByID := make(map[string]*model.Transaction, len(s.Transactions))
	for i := range s.Transactions {
		txnByID[s.Transactions[i].ID] = &s.Transactions[i]
	}

	var items []service.ReviewItem
	for _, p := range s.Proposals {
		if p.State != model.MatchPendingReview {
			continue
		}
		item := service.ReviewItem{TransactionID: p.TransactionID, BestMatch: p.LedgerEntryID}
		candidate := service.ReviewCandidate{
			LedgerEntryID: p.LedgerEntryID,
			Confidence:    p.Confidence,
			Rationale:     p.Rationale,
		}
		if txn, ok := txnByID[p.TransactionID]; ok {
			if entry, ok := entryByID[p.LedgerEntryID]; ok {
				candidate.AmountDiff = math.Abs(txn.Amount - entry.Amount)
				candidate.DateDiffDays = score.DateDiffDays(txn.Date, entry.Date)
			}
		}
		item.Candidates = append(item.Candidates, candidate)
		items = append(items, item)
	}
	return items
}

// applyFeedback validates and merges the reviewer's decisions into the
// state. Unknown transaction or ledger-entry ids are a StateError and leave
// the state untouched for persistence purposes.
func (w *Workflow) applyFeedback(_ context.Context, s *State, raw json.RawMessage) error {
	var fb Feedback
	if err := json.Unmarshal(raw, &fb); err != nil {
		return common.NewStateError("malformed reconciliation feedback: %v", err)
	}

	proposalByTx := make(map[string]bool, len(s.Proposals))
	for _, p := range s.Proposals {
		proposalByTx[p.TransactionID] = true
	}
	txnIDs := make(map[string]bool, len(s.Transactions))
	for _, txn := range s.Transactions {
		txnIDs[txn.ID] = true
	}
	entryIDs := make(map[string]bool, len(s.Entries))
	for _, entry := range s.Entries {
		entryIDs[entry.ID] = true
	}

	for _, id := range append(append([]string{}, fb.Approved...), fb.Rejected...) {
		if !proposalByTx[id] {
			return common.NewStateError("feedback references unknown proposal for transaction %s", id)
		}
	}
	for _, m := range fb.Manual {
		if !txnIDs[m.TransactionID] {
			return common.NewStateError("manual match references unknown transaction %s", m.TransactionID)
		}
		if !entryIDs[m.LedgerEntryID] {
			return common.NewStateError("manual match references unknown ledger entry %s", m.LedgerEntryID)
		}
	}

	s.Feedback = &fb
	return nil
}

// applyDecisions finalizes proposal states from the feedback and persists
// validated proposals. Auto-approved proposals finalize as validated unless
// explicitly rejected. The persist loop is check-then-write on the proposal
// id so re-applying identical feedback is idempotent, and ledger entries
// already validated by another run are released here (optimistic cross-run
// check).
func (w *Workflow) applyDecisions(ctx context.Context, s *State) error {
	var fb Feedback
	if s.Feedback != nil {
		fb = *s.Feedback
	}
	approved := make(map[string]bool, len(fb.Approved))
	for _, id := range fb.Approved {
		approved[id] = true
	}
	rejected := make(map[string]bool, len(fb.Rejected))
	for _, id := range fb.Rejected {
		rejected[id] = true
	}

	for i := range s.Proposals {
		p := &s.Proposals[i]
		switch {
		case rejected[p.TransactionID]:
			p.State = model.MatchRejected
		case approved[p.TransactionID]:
			p.State = model.MatchValidated
		case p.State == model.MatchAutoApproved:
			p.State = model.MatchValidated
		}
	}

	for _, m := range fb.Manual {
		s.Proposals = append(s.Proposals, model.MatchProposal{
			TransactionID: m.TransactionID,
			LedgerEntryID: m.LedgerEntryID,
			Confidence:    1.0,
			Method:        model.MatchPattern,
			Rationale:     []string{"matched manually by reviewer"},
			State:         model.MatchValidated,
			CreatedAt:     time.Now().UTC(),
		})
	}

	claimed, err := w.storage.GetValidatedLedgerEntryIDs(ctx)
	if err != nil {
		return common.NewPersistenceError("load validated entries", err)
	}

	for i := range s.Proposals {
		p := &s.Proposals[i]
		if p.State != model.MatchValidated {
			continue
		}

		existing, err := w.storage.GetMatchProposal(ctx, p.TransactionID)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return common.NewPersistenceError("check proposal", err)
		}
		if existing != nil && existing.State == model.MatchValidated {
			continue // Already persisted by a prior apply.
		}

		if p.LedgerEntryID != "" && claimed[p.LedgerEntryID] {
			slog.Warn("ledger entry already matched by another run, rejecting proposal",
				"transaction_id", p.TransactionID, "ledger_entry_id", p.LedgerEntryID)
			p.State = model.MatchRejected
			p.Rationale = append(p.Rationale, "ledger entry already matched in another run")
			continue
		}

		if err := w.storage.SaveMatchProposal(ctx, p); err != nil {
			return common.NewPersistenceError("save proposal", err)
		}
		if p.LedgerEntryID != "" {
			claimed[p.LedgerEntryID] = true
		}
	}

	return nil
}

// summarize computes the run totals.
func (w *Workflow) summarize(_ context.Context, s *State) error {
	matched, pending := 0, 0
	for _, p := range s.Proposals {
		switch p.State {
		case model.MatchValidated:
			matched++
		case model.MatchPendingReview:
			pending++
		}
	}

	total := len(s.Transactions)
	rate := 0.0
	if total > 0 {
		rate = math.Round(float64(matched)/float64(total)*1000) / 10
	}

	s.Summary = &Summary{
		Matched:            matched,
		Pending:            pending,
		Discrepancies:      len(s.Discrepancies),
		Total:              total,
		ReconciliationRate: rate,
	}

	slog.Info("reconciliation summarized",
		"matched", matched, "pending", pending,
		"discrepancies", len(s.Discrepancies), "rate", fmt.Sprintf("%.1f%%", rate))
	return nil
}
