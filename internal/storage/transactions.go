package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/service"
)

// marshalEmbedding serializes an embedding vector to a nullable JSON column.
func marshalEmbedding(embedding []float32) (sql.NullString, error) {
	if len(embedding) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(embedding)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal embedding: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalEmbedding(col sql.NullString) ([]float32, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var embedding []float32
	if err := json.Unmarshal([]byte(col.String), &embedding); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	return embedding, nil
}

// SaveTransactions saves multiple transactions in one database transaction.
// A duplicate (account, hash) pair fails the batch with ErrDuplicateEntry.
func (s *SQLiteStorage) SaveTransactions(ctx context.Context, transactions []model.Transaction) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateTransactions(transactions); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transactions (
			id, tenant_id, account_id, hash, date, amount, description, type, embedding
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET embedding = excluded.embedding
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, txn := range transactions {
		if txn.Hash == "" {
			txn.Hash = txn.GenerateHash()
		}
		embedding, err := marshalEmbedding(txn.Embedding)
		if err != nil {
			return err
		}

		if _, err := stmt.ExecContext(ctx,
			txn.ID, txn.TenantID, txn.AccountID, txn.Hash,
			txn.Date, txn.Amount, txn.Description, string(txn.Type), embedding,
		); err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
				return fmt.Errorf("transaction %s: %w", txn.ID, common.ErrDuplicateEntry)
			}
			return fmt.Errorf("failed to insert transaction %s: %w", txn.ID, err)
		}
	}

	return tx.Commit()
}

// GetTransactionByID retrieves one transaction.
func (s *SQLiteStorage) GetTransactionByID(ctx context.Context, id string) (*model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, account_id, hash, date, amount, description, type, embedding
		FROM transactions WHERE id = ?
	`, id)

	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// GetTransactions retrieves transactions matching the filter, date ascending.
func (s *SQLiteStorage) GetTransactions(ctx context.Context, filter service.TransactionFilter) ([]model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if filter.StartDate != nil && filter.EndDate != nil && filter.EndDate.Before(*filter.StartDate) {
		return nil, ErrInvalidDateRange
	}

	query := `
		SELECT id, tenant_id, account_id, hash, date, amount, description, type, embedding
		FROM transactions WHERE 1=1
	`
	var args []any
	var conds []string
	if filter.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.AccountID != "" {
		conds = append(conds, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.StartDate != nil {
		conds = append(conds, "date >= ?")
		args = append(args, *filter.StartDate)
	}
	if filter.EndDate != nil {
		conds = append(conds, "date <= ?")
		args = append(args, *filter.EndDate)
	}
	if len(conds) > 0 {
		query += " AND " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY date ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var transactions []model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *txn)
	}
	return transactions, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var txn model.Transaction
	var kind string
	var embedding sql.NullString
	if err := row.Scan(
		&txn.ID, &txn.TenantID, &txn.AccountID, &txn.Hash,
		&txn.Date, &txn.Amount, &txn.Description, &kind, &embedding,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	txn.Type = model.TransactionType(kind)

	vec, err := unmarshalEmbedding(embedding)
	if err != nil {
		return nil, err
	}
	txn.Embedding = vec
	return &txn, nil
}

// SaveLedgerEntries saves ledger entries, updating embeddings on conflict.
func (s *SQLiteStorage) SaveLedgerEntries(ctx context.Context, entries []model.LedgerEntry) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: entries", ErrEmptySlice)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ledger_entries (id, date, amount, description, embedding)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET embedding = excluded.embedding
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, entry := range entries {
		if entry.ID == "" {
			return fmt.Errorf("%w: missing ledger entry ID", ErrInvalidTransaction)
		}
		embedding, err := marshalEmbedding(entry.Embedding)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			entry.ID, entry.Date, entry.Amount, entry.Description, embedding,
		); err != nil {
			return fmt.Errorf("failed to insert ledger entry %s: %w", entry.ID, err)
		}
	}

	return tx.Commit()
}

// GetLedgerEntries retrieves ledger entries in [start, end], date ascending.
func (s *SQLiteStorage) GetLedgerEntries(ctx context.Context, start, end time.Time) ([]model.LedgerEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: %v before %v", ErrInvalidDateRange, end, start)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, date, amount, description, embedding
		FROM ledger_entries
		WHERE date >= ? AND date <= ?
		ORDER BY date ASC, id ASC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.LedgerEntry
	for rows.Next() {
		var entry model.LedgerEntry
		var embedding sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Date, &entry.Amount, &entry.Description, &embedding); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		vec, err := unmarshalEmbedding(embedding)
		if err != nil {
			return nil, err
		}
		entry.Embedding = vec
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetLedgerEntryByID retrieves one ledger entry.
func (s *SQLiteStorage) GetLedgerEntryByID(ctx context.Context, id string) (*model.LedgerEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	var entry model.LedgerEntry
	var embedding sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, date, amount, description, embedding
		FROM ledger_entries WHERE id = ?
	`, id).Scan(&entry.ID, &entry.Date, &entry.Amount, &entry.Description, &embedding)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger entry %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	vec, err := unmarshalEmbedding(embedding)
	if err != nil {
		return nil, err
	}
	entry.Embedding = vec
	return &entry, nil
}
