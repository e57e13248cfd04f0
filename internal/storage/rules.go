package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
)

// SaveClassificationRule upserts a rule.
func (s *SQLiteStorage) SaveClassificationRule(ctx context.Context, rule *model.ClassificationRule) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateRule(rule); err != nil {
		return err
	}

	now := time.Now().UTC()
	createdAt := rule.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO classification_rules (
			id, tenant_id, field, operator, value, category, priority, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			field = excluded.field,
			operator = excluded.operator,
			value = excluded.value,
			category = excluded.category,
			priority = excluded.priority,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, rule.ID, rule.TenantID, rule.Field, string(rule.Operator),
		rule.Value, rule.Category, rule.Priority, rule.Active, createdAt, now)
	if err != nil {
		return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
	}
	return nil
}

// GetActiveRules returns active global rules plus the tenant's own rules,
// priority descending with ties broken by id.
func (s *SQLiteStorage) GetActiveRules(ctx context.Context, tenantID string) ([]model.ClassificationRule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, field, operator, value, category, priority, active, created_at, updated_at
		FROM classification_rules
		WHERE active = 1 AND (tenant_id = '' OR tenant_id = ?)
		ORDER BY priority DESC, id ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.ClassificationRule
	for rows.Next() {
		var rule model.ClassificationRule
		var operator string
		if err := rows.Scan(
			&rule.ID, &rule.TenantID, &rule.Field, &operator, &rule.Value,
			&rule.Category, &rule.Priority, &rule.Active, &rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rule.Operator = model.RuleOperator(operator)
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// DeleteClassificationRule removes a rule.
func (s *SQLiteStorage) DeleteClassificationRule(ctx context.Context, id string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM classification_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("rule %s: %w", id, common.ErrNotFound)
	}
	return nil
}
