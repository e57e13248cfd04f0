package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
)

// SaveMatchProposal upserts the reconciliation proposal for a transaction.
func (s *SQLiteStorage) SaveMatchProposal(ctx context.Context, proposal *model.MatchProposal) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateMatchProposal(proposal); err != nil {
		return err
	}

	rationale, err := json.Marshal(proposal.Rationale)
	if err != nil {
		return fmt.Errorf("failed to marshal rationale: %w", err)
	}

	var entryID sql.NullString
	if proposal.LedgerEntryID != "" {
		entryID = sql.NullString{String: proposal.LedgerEntryID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO match_proposals (
			transaction_id, ledger_entry_id, confidence, method, state, rationale, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET
			ledger_entry_id = excluded.ledger_entry_id,
			confidence = excluded.confidence,
			method = excluded.method,
			state = excluded.state,
			rationale = excluded.rationale
	`, proposal.TransactionID, entryID, proposal.Confidence,
		string(proposal.Method), string(proposal.State), string(rationale), proposal.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save match proposal %s: %w", proposal.TransactionID, err)
	}
	return nil
}

// GetMatchProposal retrieves the proposal for a transaction.
func (s *SQLiteStorage) GetMatchProposal(ctx context.Context, transactionID string) (*model.MatchProposal, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return nil, err
	}

	var p model.MatchProposal
	var entryID sql.NullString
	var method, state, rationale string
	err := s.db.QueryRowContext(ctx, `
		SELECT transaction_id, ledger_entry_id, confidence, method, state, rationale, created_at
		FROM match_proposals WHERE transaction_id = ?
	`, transactionID).Scan(&p.TransactionID, &entryID, &p.Confidence, &method, &state, &rationale, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("match proposal %s: %w", transactionID, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan match proposal: %w", err)
	}

	p.LedgerEntryID = entryID.String
	p.Method = model.MatchMethod(method)
	p.State = model.MatchState(state)
	if rationale != "" {
		if err := json.Unmarshal([]byte(rationale), &p.Rationale); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rationale: %w", err)
		}
	}
	return &p, nil
}

// GetValidatedLedgerEntryIDs returns ledger entry ids already claimed by a
// validated proposal, for the cross-run double-match check.
func (s *SQLiteStorage) GetValidatedLedgerEntryIDs(ctx context.Context) (map[string]bool, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ledger_entry_id FROM match_proposals
		WHERE state = ? AND ledger_entry_id IS NOT NULL
	`, string(model.MatchValidated))
	if err != nil {
		return nil, fmt.Errorf("failed to query validated entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	claimed := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry id: %w", err)
		}
		claimed[id] = true
	}
	return claimed, rows.Err()
}

// SaveClassificationProposal upserts the classification for a transaction.
func (s *SQLiteStorage) SaveClassificationProposal(ctx context.Context, proposal *model.ClassificationProposal) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateClassificationProposal(proposal); err != nil {
		return err
	}

	var reviewedAt any
	if proposal.ReviewedAt != nil {
		reviewedAt = *proposal.ReviewedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO classification_proposals (
			transaction_id, category, confidence, method, rationale, reviewed_by, reviewed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET
			category = excluded.category,
			confidence = excluded.confidence,
			method = excluded.method,
			rationale = excluded.rationale,
			reviewed_by = excluded.reviewed_by,
			reviewed_at = excluded.reviewed_at
	`, proposal.TransactionID, proposal.Category, proposal.Confidence,
		string(proposal.Method), proposal.Rationale, proposal.ReviewedBy, reviewedAt, proposal.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save classification %s: %w", proposal.TransactionID, err)
	}
	return nil
}

// GetClassificationProposal retrieves the classification for a transaction.
func (s *SQLiteStorage) GetClassificationProposal(ctx context.Context, transactionID string) (*model.ClassificationProposal, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT transaction_id, category, confidence, method, rationale, reviewed_by, reviewed_at, created_at
		FROM classification_proposals WHERE transaction_id = ?
	`, transactionID)

	p, err := scanClassification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("classification %s: %w", transactionID, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetValidatedClassificationsByDescription returns human-validated
// classifications whose transaction description starts with the prefix,
// most recently reviewed first.
func (s *SQLiteStorage) GetValidatedClassificationsByDescription(ctx context.Context, descriptionPrefix string, limit int) ([]model.ClassificationProposal, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(descriptionPrefix, "descriptionPrefix"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.transaction_id, c.category, c.confidence, c.method, c.rationale,
		       c.reviewed_by, c.reviewed_at, c.created_at
		FROM classification_proposals c
		JOIN transactions t ON t.id = c.transaction_id
		WHERE c.reviewed_by != '' AND c.reviewed_at IS NOT NULL
		  AND t.description LIKE ? || '%'
		ORDER BY c.reviewed_at DESC
		LIMIT ?
	`, descriptionPrefix, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query classification history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var history []model.ClassificationProposal
	for rows.Next() {
		p, err := scanClassification(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, *p)
	}
	return history, rows.Err()
}

func scanClassification(row rowScanner) (*model.ClassificationProposal, error) {
	var p model.ClassificationProposal
	var method string
	var rationale, reviewedBy sql.NullString
	var reviewedAt sql.NullTime
	if err := row.Scan(
		&p.TransactionID, &p.Category, &p.Confidence, &method,
		&rationale, &reviewedBy, &reviewedAt, &p.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan classification: %w", err)
	}

	p.Method = model.ClassificationMethod(method)
	p.Rationale = rationale.String
	p.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		p.ReviewedAt = &t
	}
	return &p, nil
}
