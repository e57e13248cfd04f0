package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/score"
)

const exactMatchConfidence = 0.98

// exactMatch pairs transactions with ledger entries whose amount differs by
// less than the epsilon and whose date falls inside the exact tolerance
// window. The first qualifying entry wins and both sides leave the pool.
func (w *Workflow) exactMatch(_ context.Context, s *State) error {
	matchedTx, matchedEntries := s.matchedSets()

	for _, txn := range s.Transactions {
		if matchedTx[txn.ID] {
			continue
		}
		for _, entry := range s.Entries {
			if matchedEntries[entry.ID] {
				continue
			}
			if math.Abs(txn.Amount-entry.Amount) >= s.Config.AmountEpsilon {
				continue
			}
			if !score.WithinDays(txn.Date, entry.Date, s.Config.ExactDateTolerance) {
				continue
			}

			s.Proposals = append(s.Proposals, model.MatchProposal{
				TransactionID: txn.ID,
				LedgerEntryID: entry.ID,
				Confidence:    exactMatchConfidence,
				Method:        model.MatchExact,
				Rationale: []string{
					fmt.Sprintf("amount matches within %.2f", s.Config.AmountEpsilon),
					fmt.Sprintf("dates %d day(s) apart", score.DateDiffDays(txn.Date, entry.Date)),
				},
				CreatedAt: time.Now().UTC(),
			})
			matchedTx[txn.ID] = true
			matchedEntries[entry.ID] = true
			break
		}
	}

	slog.Debug("exact match pass finished", "proposals", len(s.Proposals))
	return nil
}

// fuzzyMatch scores every remaining transaction/entry pair that carries
// embeddings and keeps the single best candidate per transaction above the
// threshold. The assignment is greedy in transaction input order, not a
// global optimum: when two transactions compete for the same entry, scan
// order decides the winner.
func (w *Workflow) fuzzyMatch(ctx context.Context, s *State) error {
	matchedTx, matchedEntries := s.matchedSets()

	if err := w.fillEmbeddings(ctx, s, matchedTx, matchedEntries); err != nil {
		return err
	}

	for _, txn := range s.Transactions {
		if matchedTx[txn.ID] || len(txn.Embedding) == 0 {
			continue
		}

		var best *model.LedgerEntry
		var bestScore, bestSemantic, bestAmount float64
		for i := range s.Entries {
			entry := &s.Entries[i]
			if matchedEntries[entry.ID] || len(entry.Embedding) == 0 {
				continue
			}
			if !score.WithinDays(txn.Date, entry.Date, s.Config.FuzzyDateWindow) {
				continue
			}

			semantic := score.CosineSimilarity(txn.Embedding, entry.Embedding)
			amount := score.AmountSimilarity(txn.Amount, entry.Amount)
			combined := score.Combine(semantic, amount)
			if combined > bestScore {
				best = entry
				bestScore = combined
				bestSemantic = semantic
				bestAmount = amount
			}
		}

		if best == nil || bestScore <= s.Config.FuzzyThreshold {
			continue
		}

		s.Proposals = append(s.Proposals, model.MatchProposal{
			TransactionID: txn.ID,
			LedgerEntryID: best.ID,
			Confidence:    bestScore,
			Method:        model.MatchFuzzy,
			Rationale: []string{
				fmt.Sprintf("semantic similarity %.2f", bestSemantic),
				fmt.Sprintf("amount similarity %.2f", bestAmount),
			},
			CreatedAt: time.Now().UTC(),
		})
		matchedTx[txn.ID] = true
		matchedEntries[best.ID] = true
	}

	return nil
}

// fillEmbeddings fetches missing embeddings for the unmatched pool. An
// embedding-service failure degrades the affected items to "no embedding
// available" instead of aborting the run.
func (w *Workflow) fillEmbeddings(ctx context.Context, s *State, matchedTx, matchedEntries map[string]bool) error {
	if w.embedder == nil {
		return nil
	}

	var texts []string
	var txIdx, entryIdx []int
	for i := range s.Transactions {
		txn := &s.Transactions[i]
		if !matchedTx[txn.ID] && len(txn.Embedding) == 0 && txn.Description != "" {
			texts = append(texts, txn.Description)
			txIdx = append(txIdx, i)
		}
	}
	for i := range s.Entries {
		entry := &s.Entries[i]
		if !matchedEntries[entry.ID] && len(entry.Embedding) == 0 && entry.Description != "" {
			texts = append(texts, entry.Description)
			entryIdx = append(entryIdx, i)
		}
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := w.embedder.Embed(ctx, texts)
	if err != nil {
		slog.Warn("embedding service unavailable, skipping fuzzy candidates",
			"error", err, "items", len(texts))
		return nil
	}
	if len(vectors) != len(texts) {
		return common.NewExternalServiceError("embedder",
			fmt.Errorf("expected %d vectors, got %d", len(texts), len(vectors)))
	}

	for i, idx := range txIdx {
		s.Transactions[idx].Embedding = vectors[i]
	}
	for i, idx := range entryIdx {
		s.Entries[idx].Embedding = vectors[len(txIdx)+i]
	}
	return nil
}
