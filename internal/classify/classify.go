// Package classify implements the transaction classification workflow: a
// falling cascade of methods (rule, history, model) with human review of
// low-confidence results.
package classify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/service"
	"github.com/fjmoreno/contaflow/internal/workflow"
)

// Config holds the classification thresholds. Zero values take defaults at
// load time and are snapshotted into the state.
type Config struct {
	ReviewThreshold  float64 `json:"review_threshold"`
	HistoryLimit     int     `json:"history_limit"`
	HistoryPrefixLen int     `json:"history_prefix_len"`
}

// DefaultConfig returns the default classification thresholds.
func DefaultConfig() Config {
	return Config{
		ReviewThreshold:  0.75,
		HistoryLimit:     5,
		HistoryPrefixLen: 20,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ReviewThreshold <= 0 {
		c.ReviewThreshold = d.ReviewThreshold
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.HistoryPrefixLen <= 0 {
		c.HistoryPrefixLen = d.HistoryPrefixLen
	}
}

// Feedback is the reviewer's correction object: transaction id to category.
type Feedback struct {
	Corrections map[string]string `json:"corrections"`
	ReviewedBy  string            `json:"reviewedBy"`
}

// Summary is the final classification report.
type Summary struct {
	ByMethod map[model.ClassificationMethod]int `json:"by_method"`
	Total    int                                `json:"total"`
	Reviewed int                                `json:"reviewed"`
}

// State is the typed workflow state for one classification run.
type State struct {
	TenantID       string   `json:"tenant_id"`
	TransactionIDs []string `json:"transaction_ids"`

	Config Config `json:"config"`

	Transactions []model.Transaction            `json:"transactions"` // Remaining pool
	Rules        []model.ClassificationRule     `json:"rules"`
	Proposals    []model.ClassificationProposal `json:"proposals"`
	Pending      []string                       `json:"pending"` // Transaction ids below the review threshold
	Missing      []string                       `json:"missing"` // Requested ids not found in storage
	Feedback     *Feedback                      `json:"feedback,omitempty"`
	Summary      *Summary                       `json:"summary,omitempty"`
}

// amountByID returns the signed amount for a transaction known to the run.
func (s *State) amountByID() map[string]float64 {
	out := make(map[string]float64, len(s.Transactions))
	for _, txn := range s.Transactions {
		out[txn.ID] = txn.Amount
	}
	return out
}

// Workflow wires the classification steps to their collaborators.
type Workflow struct {
	storage    service.Storage
	classifier service.Classifier
}

// NewWorkflow creates the classification workflow.
func NewWorkflow(storage service.Storage, classifier service.Classifier) *Workflow {
	return &Workflow{storage: storage, classifier: classifier}
}

// Definition returns the step graph:
// load -> apply_rules -> check_history -> model_classify ->
// prepare_review [gate] -> save_results.
func (w *Workflow) Definition() workflow.Definition[State] {
	return workflow.Definition[State]{
		Kind:     model.KindClassification,
		NewState: func() *State { return &State{} },
		Steps: []workflow.Step[State]{
			{Name: "load", Run: w.load},
			{Name: "apply_rules", Run: w.applyRules},
			{Name: "check_history", Run: w.checkHistory},
			{Name: "model_classify", Run: w.modelClassify},
			{
				Name: "prepare_review",
				Run:  w.prepareReview,
				Gate: &workflow.GateSpec[State]{
					RequiredFields: []string{"corrections"},
					Requires: func(s *State) bool {
						return len(s.Pending) > 0 && s.Feedback == nil
					},
					Apply: w.applyFeedback,
				},
			},
			{Name: "save_results", Run: w.saveResults},
		},
	}
}

// load resolves the requested transactions and the active rules for the
// tenant. Unknown ids do not fail the batch; they are reported per item in
// the Missing list.
func (w *Workflow) load(ctx context.Context, s *State) error {
	s.Config.applyDefaults()
	if len(s.TransactionIDs) == 0 {
		return common.NewValidationError("transaction_ids", "must not be empty")
	}

	s.Transactions = nil
	s.Missing = nil
	for _, id := range s.TransactionIDs {
		txn, err := w.storage.GetTransactionByID(ctx, id)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				s.Missing = append(s.Missing, id)
				continue
			}
			return common.NewPersistenceError("load transaction", err)
		}
		if s.TenantID != "" && txn.TenantID != s.TenantID {
			// Tenant isolation: foreign transactions look like missing ones.
			s.Missing = append(s.Missing, id)
			continue
		}
		s.Transactions = append(s.Transactions, *txn)
	}
	if len(s.Missing) > 0 {
		slog.Warn("skipping unknown transactions", "count", len(s.Missing))
	}

	rules, err := w.storage.GetActiveRules(ctx, s.TenantID)
	if err != nil {
		return common.NewPersistenceError("load rules", err)
	}
	s.Rules = rules
	s.Proposals = nil
	return nil
}
