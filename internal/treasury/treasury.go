// Package treasury implements the liquidity analysis workflow: metrics over
// a trailing window, recurring-expense patterns, three-scenario cash-flow
// projections and deterministic alerting. It has no review gate; every run
// drives straight to completion.
package treasury

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjmoreno/contaflow/internal/common"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/service"
	"github.com/fjmoreno/contaflow/internal/workflow"
)

// Config holds the analysis window. Zero values take the default at load
// time and are snapshotted into the state.
type Config struct {
	WindowDays int `json:"window_days"`
}

// DefaultConfig returns the default analysis window.
func DefaultConfig() Config {
	return Config{WindowDays: 90}
}

func (c *Config) applyDefaults() {
	if c.WindowDays <= 0 {
		c.WindowDays = DefaultConfig().WindowDays
	}
}

// Report is the compiled treasury analysis returned to the caller.
type Report struct {
	Snapshot    model.TreasurySnapshot     `json:"snapshot"`
	Monthly     []model.MonthlyFlow        `json:"monthly"`
	Recurring   []model.RecurringExpense   `json:"recurring"`
	PeakDays    []model.PeakDay            `json:"peak_days"`
	Projections []model.CashFlowProjection `json:"projections"`
	Alerts      []model.Alert              `json:"alerts"`
}

// State is the typed workflow state for one treasury analysis run.
type State struct {
	TenantID  string `json:"tenant_id"`
	AccountID string `json:"account_id,omitempty"` // Empty analyzes all accounts
	AsOf      string `json:"as_of,omitempty"`      // "2006-01-02"; empty means today

	Config Config `json:"config"`

	Transactions []model.Transaction        `json:"transactions"`
	Snapshot     *model.TreasurySnapshot    `json:"snapshot,omitempty"`
	Monthly      []model.MonthlyFlow        `json:"monthly,omitempty"`
	Recurring    []model.RecurringExpense   `json:"recurring,omitempty"`
	PeakDays     []model.PeakDay            `json:"peak_days,omitempty"`
	Projections  []model.CashFlowProjection `json:"projections,omitempty"`
	Alerts       []model.Alert              `json:"alerts,omitempty"`
	Report       *Report                    `json:"report,omitempty"`
}

func (s *State) asOf() (time.Time, error) {
	if s.AsOf == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse("2006-01-02", s.AsOf)
	if err != nil {
		return time.Time{}, common.NewValidationError("as_of", err.Error())
	}
	return t, nil
}

// Workflow wires the treasury steps to the store.
type Workflow struct {
	storage service.Storage
}

// NewWorkflow creates the treasury workflow.
func NewWorkflow(storage service.Storage) *Workflow {
	return &Workflow{storage: storage}
}

// Definition returns the step graph:
// load -> compute_metrics -> analyze_patterns -> project_cashflow ->
// generate_alerts -> compile_report.
func (w *Workflow) Definition() workflow.Definition[State] {
	return workflow.Definition[State]{
		Kind:     model.KindTreasury,
		NewState: func() *State { return &State{} },
		Steps: []workflow.Step[State]{
			{Name: "load", Run: w.load},
			{Name: "compute_metrics", Run: w.computeMetrics},
			{Name: "analyze_patterns", Run: w.analyzePatterns},
			{Name: "project_cashflow", Run: w.projectCashflow},
			{Name: "generate_alerts", Run: w.generateAlerts},
			{Name: "compile_report", Run: w.compileReport},
		},
	}
}

// load pulls the trailing window of transactions in date order.
func (w *Workflow) load(ctx context.Context, s *State) error {
	s.Config.applyDefaults()

	end, err := s.asOf()
	if err != nil {
		return err
	}
	start := end.AddDate(0, 0, -s.Config.WindowDays)

	txns, err := w.storage.GetTransactions(ctx, service.TransactionFilter{
		TenantID:  s.TenantID,
		AccountID: s.AccountID,
		StartDate: &start,
		EndDate:   &end,
	})
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}

	s.Transactions = txns
	slog.Debug("treasury window loaded",
		"tenant_id", s.TenantID, "window_days", s.Config.WindowDays, "transactions", len(txns))
	return nil
}

// compileReport assembles the final report from the analysis steps.
func (w *Workflow) compileReport(_ context.Context, s *State) error {
	if s.Snapshot == nil {
		return common.NewStateError("compile_report before compute_metrics")
	}
	s.Report = &Report{
		Snapshot:    *s.Snapshot,
		Monthly:     s.Monthly,
		Recurring:   s.Recurring,
		PeakDays:    s.PeakDays,
		Projections: s.Projections,
		Alerts:      s.Alerts,
	}

	slog.Info("treasury analysis completed",
		"tenant_id", s.TenantID,
		"balance", s.Snapshot.Balance,
		"burn_rate", s.Snapshot.BurnRate,
		"alerts", len(s.Alerts))
	return nil
}
