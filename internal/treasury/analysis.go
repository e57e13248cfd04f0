package treasury

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/fjmoreno/contaflow/internal/model"
)

const (
	maxRecurring      = 10
	maxPeakDays       = 5
	sampleDescription = 50

	lowBalanceMonths = 1.0
	shortRunway      = 3.0
)

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// computeMetrics sums the window into the liquidity snapshot: balance over
// all signed amounts, income from positives, expense from absolute
// negatives, monthly burn rate and runway.
func (w *Workflow) computeMetrics(_ context.Context, s *State) error {
	var balance, income, expense float64
	for _, txn := range s.Transactions {
		balance += txn.Amount
		if txn.Amount > 0 {
			income += txn.Amount
		} else {
			expense += -txn.Amount
		}
	}

	months := float64(s.Config.WindowDays) / 30
	var burnRate float64
	if months > 0 {
		burnRate = expense / months
	}

	asOf, err := s.asOf()
	if err != nil {
		return err
	}
	snapshot := model.TreasurySnapshot{
		AsOf:       asOf,
		WindowDays: s.Config.WindowDays,
		Balance:    round2(balance),
		Income:     round2(income),
		Expense:    round2(expense),
		NetResult:  round2(income - expense),
		BurnRate:   round2(burnRate),
	}
	if burnRate > 0 {
		runway := math.Round(balance/burnRate*10) / 10
		snapshot.RunwayMonths = &runway
	}
	if expense > 0 {
		ratio := round2(income / expense)
		snapshot.IncomeRatio = &ratio
	}

	s.Snapshot = &snapshot
	return nil
}

// analyzePatterns buckets the window by calendar month, detects recurring
// expenses by rounding amounts to the nearest ten, and finds the days of the
// month with the most movements.
func (w *Workflow) analyzePatterns(_ context.Context, s *State) error {
	byMonth := make(map[string]*model.MonthlyFlow)
	for _, txn := range s.Transactions {
		month := txn.Date.Format("2006-01")
		flow, ok := byMonth[month]
		if !ok {
			flow = &model.MonthlyFlow{Month: month}
			byMonth[month] = flow
		}
		if txn.Amount > 0 {
			flow.Income = round2(flow.Income + txn.Amount)
		} else {
			flow.Expense = round2(flow.Expense - txn.Amount)
		}
	}
	s.Monthly = nil
	for _, flow := range byMonth {
		s.Monthly = append(s.Monthly, *flow)
	}
	sort.Slice(s.Monthly, func(i, j int) bool { return s.Monthly[i].Month < s.Monthly[j].Month })

	// Recurring expenses: same amount rounded to the nearest ten seen at
	// least twice.
	type bucket struct {
		sample string
		count  int
	}
	buckets := make(map[float64]*bucket)
	for _, txn := range s.Transactions {
		if txn.Amount >= 0 {
			continue
		}
		approx := math.Round(-txn.Amount/10) * 10
		b, ok := buckets[approx]
		if !ok {
			sample := txn.Description
			if len(sample) > sampleDescription {
				sample = sample[:sampleDescription]
			}
			b = &bucket{sample: sample}
			buckets[approx] = b
		}
		b.count++
	}
	s.Recurring = nil
	for approx, b := range buckets {
		if b.count < 2 {
			continue
		}
		s.Recurring = append(s.Recurring, model.RecurringExpense{
			ApproxAmount:      approx,
			Frequency:         b.count,
			SampleDescription: b.sample,
		})
	}
	sort.Slice(s.Recurring, func(i, j int) bool {
		if s.Recurring[i].Frequency == s.Recurring[j].Frequency {
			return s.Recurring[i].ApproxAmount < s.Recurring[j].ApproxAmount
		}
		return s.Recurring[i].Frequency > s.Recurring[j].Frequency
	})
	if len(s.Recurring) > maxRecurring {
		s.Recurring = s.Recurring[:maxRecurring]
	}

	days := make(map[int]int)
	for _, txn := range s.Transactions {
		days[txn.Date.Day()]++
	}
	s.PeakDays = nil
	for day, count := range days {
		s.PeakDays = append(s.PeakDays, model.PeakDay{Day: day, Movements: count})
	}
	sort.Slice(s.PeakDays, func(i, j int) bool {
		if s.PeakDays[i].Movements == s.PeakDays[j].Movements {
			return s.PeakDays[i].Day < s.PeakDays[j].Day
		}
		return s.PeakDays[i].Movements > s.PeakDays[j].Movements
	})
	if len(s.PeakDays) > maxPeakDays {
		s.PeakDays = s.PeakDays[:maxPeakDays]
	}
	return nil
}

// projectCashflow projects the balance at 30, 60 and 90 days under the
// optimistic, base and pessimistic scenarios applied to the daily burn rate.
func (w *Workflow) projectCashflow(_ context.Context, s *State) error {
	if s.Snapshot == nil {
		return fmt.Errorf("project_cashflow before compute_metrics")
	}
	dailyBurn := s.Snapshot.BurnRate / 30

	scenarios := []model.ProjectionScenario{
		model.ScenarioOptimistic, model.ScenarioBase, model.ScenarioPessimistic,
	}
	s.Projections = nil
	for _, horizon := range []int{30, 60, 90} {
		for _, scenario := range scenarios {
			mult := model.ScenarioMultiplier(scenario)
			s.Projections = append(s.Projections, model.CashFlowProjection{
				HorizonDays:      horizon,
				Scenario:         scenario,
				ProjectedBalance: round2(s.Snapshot.Balance - dailyBurn*mult*float64(horizon)),
			})
		}
	}
	return nil
}

// projection returns the projected balance for one horizon and scenario.
func (s *State) projection(horizonDays int, scenario model.ProjectionScenario) (float64, bool) {
	for _, p := range s.Projections {
		if p.HorizonDays == horizonDays && p.Scenario == scenario {
			return p.ProjectedBalance, true
		}
	}
	return 0, false
}

// generateAlerts applies the fixed alert rule set against the snapshot and
// projections. Every alert carries a matching recommendation.
func (w *Workflow) generateAlerts(_ context.Context, s *State) error {
	if s.Snapshot == nil {
		return fmt.Errorf("generate_alerts before compute_metrics")
	}
	m := s.Snapshot
	s.Alerts = nil

	if m.Balance < m.BurnRate*lowBalanceMonths {
		s.Alerts = append(s.Alerts, model.Alert{
			Code:           "low_balance",
			Severity:       model.SeverityCritical,
			Message:        "balance below one month of expenses",
			Recommendation: "review urgent financing options",
		})
	}
	if m.RunwayMonths != nil && *m.RunwayMonths < shortRunway {
		s.Alerts = append(s.Alerts, model.Alert{
			Code:           "short_runway",
			Severity:       model.SeverityWarning,
			Message:        fmt.Sprintf("runway of only %.1f months", *m.RunwayMonths),
			Recommendation: "accelerate pending collections",
		})
	}
	if m.IncomeRatio != nil && *m.IncomeRatio < 1 {
		s.Alerts = append(s.Alerts, model.Alert{
			Code:           "negative_margin",
			Severity:       model.SeverityWarning,
			Message:        "expenses exceed income over the period",
			Recommendation: "review cost structure",
		})
	}
	if projected, ok := s.projection(60, model.ScenarioBase); ok && projected < 0 {
		s.Alerts = append(s.Alerts, model.Alert{
			Code:           "projected_shortfall",
			Severity:       model.SeverityCritical,
			Message:        "balance projected negative within 60 days",
			Recommendation: "negotiate payment terms with suppliers",
		})
	}
	return nil
}

// hasAlert reports whether an alert code was raised.
func (s *State) hasAlert(code string) bool {
	for _, a := range s.Alerts {
		if a.Code == code {
			return true
		}
	}
	return false
}
