package model

import "time"

// TreasurySnapshot is a point-in-time liquidity picture over a trailing
// window.
type TreasurySnapshot struct {
	AsOf         time.Time
	RunwayMonths *float64 // Nil when there is no burn
	Balance      float64
	Income       float64
	Expense      float64
	NetResult    float64
	BurnRate     float64  // Monthly
	IncomeRatio  *float64 // Income / expense; nil when there are no expenses
	WindowDays   int
}

// ProjectionScenario scales the daily burn rate for cash-flow projection.
type ProjectionScenario string

// Projection scenario constants with their burn multipliers.
const (
	ScenarioOptimistic  ProjectionScenario = "optimistic"  // ×0.8
	ScenarioBase        ProjectionScenario = "base"        // ×1.0
	ScenarioPessimistic ProjectionScenario = "pessimistic" // ×1.2
)

// ScenarioMultiplier returns the burn-rate multiplier for a scenario.
func ScenarioMultiplier(s ProjectionScenario) float64 {
	switch s {
	case ScenarioOptimistic:
		return 0.8
	case ScenarioPessimistic:
		return 1.2
	default:
		return 1.0
	}
}

// CashFlowProjection is the projected balance at one horizon under one
// scenario.
type CashFlowProjection struct {
	Scenario         ProjectionScenario
	HorizonDays      int
	ProjectedBalance float64
}

// AlertSeverity ranks treasury alerts.
type AlertSeverity string

// Alert severity constants.
const (
	SeverityCritical AlertSeverity = "critical"
	SeverityWarning  AlertSeverity = "warning"
)

// Alert is a deterministic treasury warning with its paired recommendation.
type Alert struct {
	Code           string
	Severity       AlertSeverity
	Message        string
	Recommendation string
}

// RecurringExpense is a detected repeated expense, grouped by amount rounded
// to the nearest ten.
type RecurringExpense struct {
	SampleDescription string
	ApproxAmount      float64
	Frequency         int
}

// MonthlyFlow aggregates income and expense for one calendar month.
type MonthlyFlow struct {
	Month   string // "2006-01"
	Income  float64
	Expense float64
}

// PeakDay counts movements on one day of the month.
type PeakDay struct {
	Day       int
	Movements int
}
