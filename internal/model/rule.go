package model

import "time"

// RuleOperator is the comparison applied by a classification rule.
type RuleOperator string

// Rule operator constants.
const (
	OpContains   RuleOperator = "contains"
	OpEquals     RuleOperator = "equals"
	OpStartsWith RuleOperator = "starts_with"
)

// ClassificationRule maps transactions to a category by a simple condition
// on one transaction field. Rules with an empty TenantID are global; higher
// priority wins, ties broken by ID for determinism.
type ClassificationRule struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	ID        string
	TenantID  string
	Field     string // "description" or "amount"
	Operator  RuleOperator
	Value     string
	Category  string
	Priority  int
	Active    bool
}
