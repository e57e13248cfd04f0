package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fjmoreno/contaflow/internal/model"
)

// Validation errors.
var (
	ErrNilContext         = errors.New("context cannot be nil")
	ErrEmptyString        = errors.New("string parameter cannot be empty")
	ErrNilParameter       = errors.New("parameter cannot be nil")
	ErrEmptySlice         = errors.New("slice cannot be empty")
	ErrInvalidDateRange   = errors.New("start date must be before end date")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidProposal    = errors.New("invalid proposal")
	ErrInvalidRule        = errors.New("invalid rule")
	ErrInvalidSession     = errors.New("invalid session")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

// validateTransactions validates a slice of transactions.
func validateTransactions(transactions []model.Transaction) error {
	if transactions == nil {
		return fmt.Errorf("%w: transactions", ErrNilParameter)
	}
	if len(transactions) == 0 {
		return fmt.Errorf("%w: transactions", ErrEmptySlice)
	}

	for i, txn := range transactions {
		if err := validateTransaction(&txn); err != nil {
			return fmt.Errorf("transaction at index %d: %w", i, err)
		}
	}
	return nil
}

// validateTransaction validates a single transaction.
func validateTransaction(txn *model.Transaction) error {
	if txn == nil {
		return fmt.Errorf("%w: transaction", ErrNilParameter)
	}
	if txn.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidTransaction)
	}
	if txn.Date.IsZero() {
		return fmt.Errorf("%w: missing date", ErrInvalidTransaction)
	}
	if txn.AccountID == "" {
		return fmt.Errorf("%w: missing account ID", ErrInvalidTransaction)
	}
	switch txn.Type {
	case model.TypeIncome, model.TypeExpense, model.TypeTransfer:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, txn.Type)
	}
	return nil
}

// validateMatchProposal validates a match proposal.
func validateMatchProposal(p *model.MatchProposal) error {
	if p == nil {
		return fmt.Errorf("%w: proposal", ErrNilParameter)
	}
	if p.TransactionID == "" {
		return fmt.Errorf("%w: missing transaction ID", ErrInvalidProposal)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be between 0 and 1", ErrInvalidProposal)
	}
	switch p.State {
	case model.MatchAutoApproved, model.MatchPendingReview, model.MatchValidated, model.MatchRejected:
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvalidProposal, p.State)
	}
	return nil
}

// validateClassificationProposal validates a classification proposal.
func validateClassificationProposal(p *model.ClassificationProposal) error {
	if p == nil {
		return fmt.Errorf("%w: proposal", ErrNilParameter)
	}
	if p.TransactionID == "" {
		return fmt.Errorf("%w: missing transaction ID", ErrInvalidProposal)
	}
	if strings.TrimSpace(p.Category) == "" {
		return fmt.Errorf("%w: missing category", ErrInvalidProposal)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be between 0 and 1", ErrInvalidProposal)
	}
	return nil
}

// validateRule validates a classification rule.
func validateRule(rule *model.ClassificationRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule", ErrNilParameter)
	}
	if rule.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidRule)
	}
	if strings.TrimSpace(rule.Category) == "" {
		return fmt.Errorf("%w: missing category", ErrInvalidRule)
	}
	switch rule.Operator {
	case model.OpContains, model.OpEquals, model.OpStartsWith:
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, rule.Operator)
	}
	return nil
}

// validateSession validates a workflow session.
func validateSession(sess *model.WorkflowSession) error {
	if sess == nil {
		return fmt.Errorf("%w: session", ErrNilParameter)
	}
	if sess.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidSession)
	}
	if sess.TenantID == "" {
		return fmt.Errorf("%w: missing tenant ID", ErrInvalidSession)
	}
	if sess.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidSession)
	}
	return nil
}
