// Package reconcile implements the bank reconciliation workflow: it matches
// bank transactions against accounting ledger entries in three passes
// (exact, fuzzy, manual pattern) and pauses for human review of
// low-confidence proposals.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/service"
	"github.com/fjmoreno/contaflow/internal/workflow"
)

// Config holds the matching thresholds. Zero values are replaced with the
// defaults at load time and the effective values are snapshotted into the
// session state, so a resumed run always uses the thresholds it started
// with.
type Config struct {
	AmountEpsilon        float64 `json:"amount_epsilon"`
	ExactDateTolerance   int     `json:"exact_date_tolerance"`
	FuzzyDateWindow      int     `json:"fuzzy_date_window"`
	FuzzyThreshold       float64 `json:"fuzzy_threshold"`
	AutoApproveThreshold float64 `json:"auto_approve_threshold"`
}

// DefaultConfig returns the default matching thresholds.
func DefaultConfig() Config {
	return Config{
		AmountEpsilon:        0.01,
		ExactDateTolerance:   1,
		FuzzyDateWindow:      3,
		FuzzyThreshold:       0.7,
		AutoApproveThreshold: 0.95,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.AmountEpsilon <= 0 {
		c.AmountEpsilon = d.AmountEpsilon
	}
	if c.ExactDateTolerance <= 0 {
		c.ExactDateTolerance = d.ExactDateTolerance
	}
	if c.FuzzyDateWindow <= 0 {
		c.FuzzyDateWindow = d.FuzzyDateWindow
	}
	if c.FuzzyThreshold <= 0 {
		c.FuzzyThreshold = d.FuzzyThreshold
	}
	if c.AutoApproveThreshold <= 0 {
		c.AutoApproveThreshold = d.AutoApproveThreshold
	}
}

// Discrepancy records a transaction left unmatched by every pass.
type Discrepancy struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"` // "no candidate" or "amount mismatch"
}

// Feedback is the human decision object consumed at the review gate.
type Feedback struct {
	Approved []string      `json:"approved"`
	Rejected []string      `json:"rejected"`
	Manual   []ManualMatch `json:"manual"`
}

// ManualMatch pairs a transaction with a ledger entry by reviewer decision.
type ManualMatch struct {
	TransactionID string `json:"transactionId"`
	LedgerEntryID string `json:"ledgerEntryId"`
}

// Summary is the final reconciliation report.
type Summary struct {
	Matched            int     `json:"matched"`
	Pending            int     `json:"pending"`
	Discrepancies      int     `json:"discrepancies"`
	Total              int     `json:"total"`
	ReconciliationRate float64 `json:"reconciliation_rate"` // Percent
}

// State is the typed workflow state for one reconciliation run.
type State struct {
	TenantID    string `json:"tenant_id"`
	AccountID   string `json:"account_id"`
	PeriodStart string `json:"period_start"` // "2006-01-02"
	PeriodEnd   string `json:"period_end"`

	Config Config `json:"config"`

	Transactions  []model.Transaction   `json:"transactions"`
	Entries       []model.LedgerEntry   `json:"entries"`
	Proposals     []model.MatchProposal `json:"proposals"`
	Discrepancies []Discrepancy         `json:"discrepancies"`
	Review        []service.ReviewItem  `json:"review"`
	Feedback      *Feedback             `json:"feedback,omitempty"`
	Summary       *Summary              `json:"summary,omitempty"`
}

// matchedSets derives the claimed transaction and ledger-entry ids from the
// proposals recorded so far. Rejected proposals release their claim.
func (s *State) matchedSets() (txns, entries map[string]bool) {
	txns = make(map[string]bool)
	entries = make(map[string]bool)
	for _, p := range s.Proposals {
		if p.State == model.MatchRejected {
			continue
		}
		txns[p.TransactionID] = true
		if p.LedgerEntryID != "" {
			entries[p.LedgerEntryID] = true
		}
	}
	return txns, entries
}

func (s *State) period() (start, end time.Time, err error) {
	start, err = time.Parse("2006-01-02", s.PeriodStart)
	if err != nil {
		return start, end, common.NewValidationError("period_start", err.Error())
	}
	end, err = time.Parse("2006-01-02", s.PeriodEnd)
	if err != nil {
		return start, end, common.NewValidationError("period_end", err.Error())
	}
	if end.Before(start) {
		return start, end, common.NewValidationError("period_end", "before period_start")
	}
	return start, end, nil
}

// Workflow wires the reconciliation steps to their collaborators.
type Workflow struct {
	storage  service.Storage
	embedder service.Embedder
}

// NewWorkflow creates the reconciliation workflow.
func NewWorkflow(storage service.Storage, embedder service.Embedder) *Workflow {
	return &Workflow{storage: storage, embedder: embedder}
}

// Definition returns the step graph:
// load -> exact_match -> fuzzy_match -> prepare_review [gate] ->
// apply_decisions -> summarize.
func (w *Workflow) Definition() workflow.Definition[State] {
	return workflow.Definition[State]{
		Kind:     model.KindReconciliation,
		NewState: func() *State { return &State{} },
		Steps: []workflow.Step[State]{
			{Name: "load", Run: w.load},
			{Name: "exact_match", Run: w.exactMatch},
			{Name: "fuzzy_match", Run: w.fuzzyMatch},
			{
				Name: "prepare_review",
				Run:  w.prepareReview,
				Gate: &workflow.GateSpec[State]{
					RequiredFields: []string{"approved", "rejected", "manual"},
					Requires: func(s *State) bool {
						if s.Feedback != nil {
							return false
						}
						for _, p := range s.Proposals {
							if p.State == model.MatchPendingReview {
								return true
							}
						}
						return false
					},
					Apply: w.applyFeedback,
				},
			},
			{Name: "apply_decisions", Run: w.applyDecisions},
			{Name: "summarize", Run: w.summarize},
		},
	}
}

// load pulls the transactions and ledger entries for the account and period
// into the run's in-memory pool. Scan order is input (date) order so
// repeated runs are reproducible.
func (w *Workflow) load(ctx context.Context, s *State) error {
	s.Config.applyDefaults()

	start, end, err := s.period()
	if err != nil {
		return err
	}
	if s.AccountID == "" {
		return common.NewValidationError("account_id", "must not be empty")
	}

	txns, err := w.storage.GetTransactions(ctx, service.TransactionFilter{
		TenantID:  s.TenantID,
		AccountID: s.AccountID,
		StartDate: &start,
		EndDate:   &end,
	})
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}

	entries, err := w.storage.GetLedgerEntries(ctx, start, end)
	if err != nil {
		return fmt.Errorf("load ledger entries: %w", err)
	}

	s.Transactions = txns
	s.Entries = entries
	s.Proposals = nil
	s.Discrepancies = nil
	return nil
}
