package model

import "time"

// MatchMethod indicates which reconciliation pass produced a proposal.
type MatchMethod string

// Match method constants.
const (
	MatchExact   MatchMethod = "exact"
	MatchFuzzy   MatchMethod = "fuzzy"
	MatchPattern MatchMethod = "pattern"
)

// MatchState tracks the review lifecycle of a match proposal.
type MatchState string

// Match state constants.
const (
	MatchAutoApproved  MatchState = "auto_approved"
	MatchPendingReview MatchState = "pending_review"
	MatchValidated     MatchState = "validated"
	MatchRejected      MatchState = "rejected"
)

// MatchProposal links a bank transaction to a candidate ledger entry.
// Within one reconciliation run a ledger entry appears in at most one
// auto-approved or validated proposal, and a transaction in at most one
// proposal of any state.
type MatchProposal struct {
	CreatedAt     time.Time
	TransactionID string
	LedgerEntryID string // Empty when the transaction is unmatched
	Method        MatchMethod
	State         MatchState
	Rationale     []string
	Confidence    float64
}

// ClassificationMethod indicates how a category was assigned.
type ClassificationMethod string

// Classification method constants.
const (
	MethodRule    ClassificationMethod = "rule"
	MethodHistory ClassificationMethod = "history"
	MethodModel   ClassificationMethod = "model"
	MethodManual  ClassificationMethod = "manual"
)

// ClassificationProposal assigns a PGC category to a transaction.
type ClassificationProposal struct {
	ReviewedAt    *time.Time
	CreatedAt     time.Time
	TransactionID string
	Category      string
	Method        ClassificationMethod
	Rationale     string
	ReviewedBy    string
	Confidence    float64
}

// Validated reports whether a human has confirmed this classification.
func (p *ClassificationProposal) Validated() bool {
	return p.ReviewedBy != "" && p.ReviewedAt != nil
}
