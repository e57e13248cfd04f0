// Package testutil provides shared test doubles for the engine packages.
package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/service"
)

// MemStore is an in-memory service.Storage implementation for tests. It
// mirrors the semantics the SQLite store guarantees: unique transaction
// hashes per account, check-then-write proposal saves, and atomic session
// status transitions.
type MemStore struct {
	Transactions    map[string]model.Transaction
	Ledger          map[string]model.LedgerEntry
	MatchProposals  map[string]model.MatchProposal          // keyed by transaction id
	Classifications map[string]model.ClassificationProposal // keyed by transaction id
	Rules           map[string]model.ClassificationRule
	Sessions        map[string]model.WorkflowSession

	// FailUpdateSession forces UpdateSession to fail, for persistence-error
	// paths.
	FailUpdateSession bool

	mu sync.Mutex
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		Transactions:    make(map[string]model.Transaction),
		Ledger:          make(map[string]model.LedgerEntry),
		MatchProposals:  make(map[string]model.MatchProposal),
		Classifications: make(map[string]model.ClassificationProposal),
		Rules:           make(map[string]model.ClassificationRule),
		Sessions:        make(map[string]model.WorkflowSession),
	}
}

// SaveTransactions stores transactions, rejecting duplicate hashes.
func (s *MemStore) SaveTransactions(_ context.Context, transactions []model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, txn := range transactions {
		for _, existing := range s.Transactions {
			if existing.AccountID == txn.AccountID && existing.Hash == txn.Hash && existing.ID != txn.ID {
				return common.ErrDuplicateEntry
			}
		}
		s.Transactions[txn.ID] = txn
	}
	return nil
}

// GetTransactionByID returns one transaction or common.ErrNotFound.
func (s *MemStore) GetTransactionByID(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.Transactions[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &txn, nil
}

// GetTransactions returns transactions matching the filter in date order.
func (s *MemStore) GetTransactions(_ context.Context, filter service.TransactionFilter) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Transaction
	for _, txn := range s.Transactions {
		if filter.TenantID != "" && txn.TenantID != filter.TenantID {
			continue
		}
		if filter.AccountID != "" && txn.AccountID != filter.AccountID {
			continue
		}
		if filter.StartDate != nil && txn.Date.Before(*filter.StartDate) {
			continue
		}
		if filter.EndDate != nil && txn.Date.After(*filter.EndDate) {
			continue
		}
		out = append(out, txn)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID < out[j].ID
		}
		return out[i].Date.Before(out[j].Date)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SaveLedgerEntries stores ledger entries.
func (s *MemStore) SaveLedgerEntries(_ context.Context, entries []model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		s.Ledger[entry.ID] = entry
	}
	return nil
}

// GetLedgerEntries returns ledger entries in the period in date order.
func (s *MemStore) GetLedgerEntries(_ context.Context, start, end time.Time) ([]model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LedgerEntry
	for _, entry := range s.Ledger {
		if entry.Date.Before(start) || entry.Date.After(end) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID < out[j].ID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}

// GetLedgerEntryByID returns one ledger entry or common.ErrNotFound.
func (s *MemStore) GetLedgerEntryByID(_ context.Context, id string) (*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.Ledger[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &entry, nil
}

// SaveMatchProposal upserts a proposal keyed by transaction id.
func (s *MemStore) SaveMatchProposal(_ context.Context, proposal *model.MatchProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MatchProposals[proposal.TransactionID] = *proposal
	return nil
}

// GetMatchProposal returns the proposal for a transaction, if any.
func (s *MemStore) GetMatchProposal(_ context.Context, transactionID string) (*model.MatchProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.MatchProposals[transactionID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &p, nil
}

// GetValidatedLedgerEntryIDs returns ledger entry ids already claimed by
// validated proposals.
func (s *MemStore) GetValidatedLedgerEntryIDs(_ context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, p := range s.MatchProposals {
		if p.State == model.MatchValidated && p.LedgerEntryID != "" {
			out[p.LedgerEntryID] = true
		}
	}
	return out, nil
}

// SaveClassificationProposal upserts a classification keyed by transaction id.
func (s *MemStore) SaveClassificationProposal(_ context.Context, proposal *model.ClassificationProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Classifications[proposal.TransactionID] = *proposal
	return nil
}

// GetClassificationProposal returns the classification for a transaction.
func (s *MemStore) GetClassificationProposal(_ context.Context, transactionID string) (*model.ClassificationProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Classifications[transactionID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &p, nil
}

// GetValidatedClassificationsByDescription returns human-validated
// classifications whose transaction description contains the prefix.
func (s *MemStore) GetValidatedClassificationsByDescription(_ context.Context, descriptionPrefix string, limit int) ([]model.ClassificationProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	needle := strings.ToLower(descriptionPrefix)
	var out []model.ClassificationProposal
	for _, p := range s.Classifications {
		if !p.Validated() {
			continue
		}
		txn, ok := s.Transactions[p.TransactionID]
		if !ok || !strings.Contains(strings.ToLower(txn.Description), needle) {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SaveClassificationRule upserts a rule.
func (s *MemStore) SaveClassificationRule(_ context.Context, rule *model.ClassificationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Rules[rule.ID] = *rule
	return nil
}

// GetActiveRules returns active global and tenant rules sorted by priority
// descending, ties by id.
func (s *MemStore) GetActiveRules(_ context.Context, tenantID string) ([]model.ClassificationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ClassificationRule
	for _, r := range s.Rules {
		if !r.Active {
			continue
		}
		if r.TenantID != "" && r.TenantID != tenantID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].ID < out[j].ID
		}
		return out[i].Priority > out[j].Priority
	})
	return out, nil
}

// DeleteClassificationRule removes a rule.
func (s *MemStore) DeleteClassificationRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Rules[id]; !ok {
		return common.ErrNotFound
	}
	delete(s.Rules, id)
	return nil
}

// CreateSession stores a new session.
func (s *MemStore) CreateSession(_ context.Context, session *model.WorkflowSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Sessions[session.ID]; ok {
		return common.ErrDuplicateEntry
	}
	s.Sessions[session.ID] = *session
	return nil
}

// GetSession returns a copy of a session or common.ErrNotFound.
func (s *MemStore) GetSession(_ context.Context, id string) (*model.WorkflowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.Sessions[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &sess, nil
}

// UpdateSession persists a session snapshot. Terminal sessions reject
// updates.
func (s *MemStore) UpdateSession(_ context.Context, session *model.WorkflowSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdateSession {
		return common.NewPersistenceError("update session", common.ErrNotFound)
	}
	existing, ok := s.Sessions[session.ID]
	if !ok {
		return common.ErrNotFound
	}
	if existing.Status.Terminal() {
		return common.NewStateError("session %s is terminal", session.ID)
	}
	s.Sessions[session.ID] = *session
	return nil
}

// CompareAndSetSessionStatus atomically transitions a session status.
func (s *MemStore) CompareAndSetSessionStatus(_ context.Context, id string, expected, next model.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.Sessions[id]
	if !ok {
		return common.ErrNotFound
	}
	if sess.Status != expected {
		return common.NewStateError("session %s is %s, expected %s", id, sess.Status, expected)
	}
	if !sess.Status.CanTransition(next) {
		return common.NewStateError("illegal transition %s -> %s", sess.Status, next)
	}
	sess.Status = next
	sess.UpdatedAt = time.Now().UTC()
	s.Sessions[id] = sess
	return nil
}

// ListSessions returns sessions for a tenant, optionally filtered by status.
func (s *MemStore) ListSessions(_ context.Context, tenantID string, status model.SessionStatus) ([]model.WorkflowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WorkflowSession
	for _, sess := range s.Sessions {
		if tenantID != "" && sess.TenantID != tenantID {
			continue
		}
		if status != "" && sess.Status != status {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListStaleSessions returns sessions in the given status not updated since
// olderThan.
func (s *MemStore) ListStaleSessions(_ context.Context, status model.SessionStatus, olderThan time.Time) ([]model.WorkflowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WorkflowSession
	for _, sess := range s.Sessions {
		if sess.Status == status && sess.UpdatedAt.Before(olderThan) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// Migrate is a no-op for the in-memory store.
func (s *MemStore) Migrate(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemStore) Close() error { return nil }
