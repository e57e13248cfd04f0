// Package model defines the core domain models used throughout the application.
package model

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// TransactionType distinguishes the direction of a bank movement.
type TransactionType string

// Transaction type constants.
const (
	TypeIncome   TransactionType = "income"
	TypeExpense  TransactionType = "expense"
	TypeTransfer TransactionType = "transfer"
)

// Transaction represents a single normalized bank transaction. Transactions
// are supplied by the upstream ingestion pipeline and are never mutated by
// the engines; they are referenced by proposals.
type Transaction struct {
	Date        time.Time
	ID          string
	AccountID   string
	TenantID    string
	Description string
	Type        TransactionType
	Hash        string
	Embedding   []float32 // Optional semantic embedding of the description
	Amount      float64   // Signed: negative for expenses
}

// GenerateHash creates the per-account dedupe hash. Upstream ingestion is
// expected to have already rejected duplicates; the storage layer enforces
// uniqueness on (account_id, hash) as a backstop.
func (t *Transaction) GenerateHash() string {
	data := fmt.Sprintf("%s:%.2f:%s:%s",
		t.Date.Format("2006-01-02"),
		t.Amount,
		t.Description,
		t.AccountID)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// LedgerEntry is an external accounting record supplied as reconciliation
// input. It is owned by the accounting collaborator, not by this engine.
type LedgerEntry struct {
	Date        time.Time
	ID          string
	Description string
	Embedding   []float32
	Amount      float64
}
