// Package service defines the interfaces for all application collaborators.
package service

import (
	"context"
	"time"

	"github.com/fjmoreno/contaflow/internal/model"
)

// TransactionFilter defines filtering options for transaction queries.
type TransactionFilter struct {
	StartDate *time.Time
	EndDate   *time.Time
	TenantID  string
	AccountID string
	Limit     int
}

// Storage defines the contract for the persistence layer. Transactions and
// ledger entries are read-only inputs owned by upstream collaborators; the
// engine owns sessions and the proposals it creates.
type Storage interface {
	// Transaction operations
	SaveTransactions(ctx context.Context, transactions []model.Transaction) error
	GetTransactionByID(ctx context.Context, id string) (*model.Transaction, error)
	GetTransactions(ctx context.Context, filter TransactionFilter) ([]model.Transaction, error)

	// Ledger entry operations (read side; ingestion writes them once)
	SaveLedgerEntries(ctx context.Context, entries []model.LedgerEntry) error
	GetLedgerEntries(ctx context.Context, start, end time.Time) ([]model.LedgerEntry, error)
	GetLedgerEntryByID(ctx context.Context, id string) (*model.LedgerEntry, error)

	// Match proposal operations
	SaveMatchProposal(ctx context.Context, proposal *model.MatchProposal) error
	GetMatchProposal(ctx context.Context, transactionID string) (*model.MatchProposal, error)
	GetValidatedLedgerEntryIDs(ctx context.Context) (map[string]bool, error)

	// Classification proposal operations
	SaveClassificationProposal(ctx context.Context, proposal *model.ClassificationProposal) error
	GetClassificationProposal(ctx context.Context, transactionID string) (*model.ClassificationProposal, error)
	GetValidatedClassificationsByDescription(ctx context.Context, descriptionPrefix string, limit int) ([]model.ClassificationProposal, error)

	// Classification rule operations
	SaveClassificationRule(ctx context.Context, rule *model.ClassificationRule) error
	GetActiveRules(ctx context.Context, tenantID string) ([]model.ClassificationRule, error)
	DeleteClassificationRule(ctx context.Context, id string) error

	// Workflow session operations
	CreateSession(ctx context.Context, session *model.WorkflowSession) error
	GetSession(ctx context.Context, id string) (*model.WorkflowSession, error)
	UpdateSession(ctx context.Context, session *model.WorkflowSession) error
	// CompareAndSetSessionStatus atomically transitions a session's status.
	// It returns common.ErrNotFound for unknown sessions and a StateError
	// when the current status does not match expected.
	CompareAndSetSessionStatus(ctx context.Context, id string, expected, next model.SessionStatus) error
	ListSessions(ctx context.Context, tenantID string, status model.SessionStatus) ([]model.WorkflowSession, error)
	ListStaleSessions(ctx context.Context, status model.SessionStatus, olderThan time.Time) ([]model.WorkflowSession, error)

	// Database management
	Migrate(ctx context.Context) error
	Close() error
}

// Embedder is the embedding collaborator. Implementations cache by content
// hash and retry with backoff before reporting failure; callers degrade to
// "no embedding available" when it fails.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Suggestion is the classification collaborator's answer for one
// transaction.
type Suggestion struct {
	Category   string
	Rationale  string
	Confidence float64
}

// Classifier is the external classification collaborator (LLM or ML model).
// Implementations must tolerate malformed model output and degrade to a
// fallback suggestion rather than failing the call.
type Classifier interface {
	Classify(ctx context.Context, description string, amount float64, history []model.ClassificationProposal) (Suggestion, error)
}

// ReviewCandidate is one ledger-entry candidate exposed to the human review
// channel.
type ReviewCandidate struct {
	LedgerEntryID string   `json:"ledgerEntryId"`
	Rationale     []string `json:"rationale"`
	Confidence    float64  `json:"confidence"`
	AmountDiff    float64  `json:"amountDiff"`
	DateDiffDays  int      `json:"dateDiffDays"`
}

// ReviewItem is the proposal payload sent to the review channel for one
// transaction awaiting a decision.
type ReviewItem struct {
	TransactionID string            `json:"transactionId"`
	BestMatch     string            `json:"bestMatch,omitempty"`
	Candidates    []ReviewCandidate `json:"candidates"`
}
