package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
)

func marshalAwaiting(marker *model.AwaitingMarker) (sql.NullString, error) {
	if marker == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(marker)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal awaiting marker: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// CreateSession inserts a new workflow session.
func (s *SQLiteStorage) CreateSession(ctx context.Context, session *model.WorkflowSession) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateSession(session); err != nil {
		return err
	}

	awaiting, err := marshalAwaiting(session.Awaiting)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_sessions (
			id, tenant_id, kind, status, state, step, awaiting, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.TenantID, string(session.Kind), string(session.Status),
		string(session.State), session.Step, awaiting, session.LastError,
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("session %s: %w", session.ID, common.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to create session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession retrieves one session.
func (s *SQLiteStorage) GetSession(ctx context.Context, id string) (*model.WorkflowSession, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, kind, status, state, step, awaiting, last_error, created_at, updated_at
		FROM workflow_sessions WHERE id = ?
	`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// UpdateSession persists a session snapshot. Sessions already in a terminal
// status reject the update.
func (s *SQLiteStorage) UpdateSession(ctx context.Context, session *model.WorkflowSession) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateSession(session); err != nil {
		return err
	}

	awaiting, err := marshalAwaiting(session.Awaiting)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_sessions
		SET status = ?, state = ?, step = ?, awaiting = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, string(session.Status), string(session.State), session.Step, awaiting,
		session.LastError, session.UpdatedAt, session.ID,
		string(model.StatusCompleted), string(model.StatusCancelled), string(model.StatusErrored))
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", session.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		existing, getErr := s.GetSession(ctx, session.ID)
		if getErr != nil {
			return getErr
		}
		return common.NewStateError("session %s is terminal (%s)", session.ID, existing.Status)
	}
	return nil
}

// CompareAndSetSessionStatus atomically transitions a session's status. The
// update only lands if the stored status still equals expected, which is the
// primitive resume and cancel rely on across process instances.
func (s *SQLiteStorage) CompareAndSetSessionStatus(ctx context.Context, id string, expected, next model.SessionStatus) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}
	if !expected.CanTransition(next) {
		return common.NewStateError("illegal transition %s -> %s", expected, next)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_sessions SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(next), time.Now().UTC(), id, string(expected))
	if err != nil {
		return fmt.Errorf("failed to transition session %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check transition result: %w", err)
	}
	if affected == 0 {
		existing, getErr := s.GetSession(ctx, id)
		if getErr != nil {
			return getErr
		}
		return common.NewStateError("session %s is %s, expected %s", id, existing.Status, expected)
	}
	return nil
}

// ListSessions returns a tenant's sessions, optionally filtered by status,
// oldest first.
func (s *SQLiteStorage) ListSessions(ctx context.Context, tenantID string, status model.SessionStatus) ([]model.WorkflowSession, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, kind, status, state, step, awaiting, last_error, created_at, updated_at
		FROM workflow_sessions WHERE 1=1
	`
	var args []any
	if tenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at ASC"

	return s.querySessions(ctx, query, args...)
}

// ListStaleSessions returns sessions in the given status whose last update
// is older than the cutoff.
func (s *SQLiteStorage) ListStaleSessions(ctx context.Context, status model.SessionStatus, olderThan time.Time) ([]model.WorkflowSession, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	return s.querySessions(ctx, `
		SELECT id, tenant_id, kind, status, state, step, awaiting, last_error, created_at, updated_at
		FROM workflow_sessions
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC
	`, string(status), olderThan)
}

func (s *SQLiteStorage) querySessions(ctx context.Context, query string, args ...any) ([]model.WorkflowSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []model.WorkflowSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func scanSession(row rowScanner) (*model.WorkflowSession, error) {
	var sess model.WorkflowSession
	var kind, status string
	var state, awaiting, lastError sql.NullString
	if err := row.Scan(
		&sess.ID, &sess.TenantID, &kind, &status, &state, &sess.Step,
		&awaiting, &lastError, &sess.CreatedAt, &sess.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	sess.Kind = model.WorkflowKind(kind)
	sess.Status = model.SessionStatus(status)
	sess.LastError = lastError.String
	if state.Valid && state.String != "" {
		sess.State = json.RawMessage(state.String)
	}
	if awaiting.Valid && awaiting.String != "" {
		var marker model.AwaitingMarker
		if err := json.Unmarshal([]byte(awaiting.String), &marker); err != nil {
			return nil, fmt.Errorf("failed to unmarshal awaiting marker: %w", err)
		}
		sess.Awaiting = &marker
	}
	return &sess, nil
}
