package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version the application
// expects. A database that cannot be migrated to it is unusable.
const ExpectedSchemaVersion = 3

// Migration represents one database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Core tables: transactions, ledger entries, proposals, rules",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS transactions (
					id TEXT PRIMARY KEY,
					tenant_id TEXT NOT NULL,
					account_id TEXT NOT NULL,
					hash TEXT NOT NULL,
					date DATETIME NOT NULL,
					amount REAL NOT NULL,
					description TEXT NOT NULL,
					type TEXT NOT NULL,
					embedding TEXT,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(account_id, hash)
				)`,
				`CREATE INDEX idx_transactions_date ON transactions(date)`,
				`CREATE INDEX idx_transactions_tenant ON transactions(tenant_id)`,

				`CREATE TABLE IF NOT EXISTS ledger_entries (
					id TEXT PRIMARY KEY,
					date DATETIME NOT NULL,
					amount REAL NOT NULL,
					description TEXT NOT NULL,
					embedding TEXT
				)`,
				`CREATE INDEX idx_ledger_entries_date ON ledger_entries(date)`,

				`CREATE TABLE IF NOT EXISTS match_proposals (
					transaction_id TEXT PRIMARY KEY,
					ledger_entry_id TEXT,
					confidence REAL NOT NULL,
					method TEXT NOT NULL,
					state TEXT NOT NULL,
					rationale TEXT,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					FOREIGN KEY (transaction_id) REFERENCES transactions(id)
				)`,
				`CREATE INDEX idx_match_proposals_entry ON match_proposals(ledger_entry_id)`,
				`CREATE INDEX idx_match_proposals_state ON match_proposals(state)`,

				`CREATE TABLE IF NOT EXISTS classification_proposals (
					transaction_id TEXT PRIMARY KEY,
					category TEXT NOT NULL,
					confidence REAL NOT NULL,
					method TEXT NOT NULL,
					rationale TEXT,
					reviewed_by TEXT DEFAULT '',
					reviewed_at DATETIME,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					FOREIGN KEY (transaction_id) REFERENCES transactions(id)
				)`,
				`CREATE INDEX idx_classification_proposals_category ON classification_proposals(category)`,

				`CREATE TABLE IF NOT EXISTS classification_rules (
					id TEXT PRIMARY KEY,
					tenant_id TEXT DEFAULT '',
					field TEXT NOT NULL,
					operator TEXT NOT NULL,
					value TEXT NOT NULL,
					category TEXT NOT NULL,
					priority INTEGER DEFAULT 0,
					active BOOLEAN DEFAULT 1,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_classification_rules_active ON classification_rules(active)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "Workflow session table",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS workflow_sessions (
					id TEXT PRIMARY KEY,
					tenant_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					status TEXT NOT NULL,
					state TEXT,
					step INTEGER DEFAULT 0,
					awaiting TEXT,
					last_error TEXT DEFAULT '',
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_workflow_sessions_tenant ON workflow_sessions(tenant_id)`,
				`CREATE INDEX idx_workflow_sessions_status ON workflow_sessions(status)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query '%s': %w", query, err)
				}
			}
			return nil
		},
	},
	{
		Version:     3,
		Description: "Index for stale-session expiry scans",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`CREATE INDEX IF NOT EXISTS idx_workflow_sessions_status_updated
				 ON workflow_sessions(status, updated_at)`)
			return err
		},
	},
}

// runMigrations applies pending migrations in order, tracking the current
// version in PRAGMA user_version. Each migration runs in its own
// transaction.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var current int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if current > ExpectedSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than expected %d", current, ExpectedSchemaVersion)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}

		if err := m.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}

		// PRAGMA does not support placeholders.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to set schema version %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version, "description", m.Description)
	}

	return nil
}
