package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fjmoreno/contaflow/internal/cli"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/treasury"
)

func treasuryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "treasury",
		Short: "Analyze liquidity and project cash flow",
		Long: `Run the treasury analysis over the trailing window: balance, burn
rate, runway, spending patterns, projections, and alerts. Treasury
runs never suspend.`,
		RunE: runTreasury,
	}

	cmd.Flags().StringP("account", "a", "", "bank account id")
	cmd.Flags().String("as-of", "", "analysis date (format: 2006-01-02, default today)")
	cmd.Flags().Int("window", 0, "trailing window in days (default 90)")

	return cmd
}

func runTreasury(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	tenant, err := requireTenant()
	if err != nil {
		return err
	}
	account, _ := cmd.Flags().GetString("account")
	asOf, _ := cmd.Flags().GetString("as-of")
	window, _ := cmd.Flags().GetInt("window")

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	payload := map[string]any{
		"tenant_id":  tenant,
		"account_id": account,
		"as_of":      asOf,
	}
	if window > 0 {
		payload["config"] = map[string]any{"window_days": window}
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode input: %w", err)
	}

	fmt.Println(cli.FormatTitle("Treasury analysis"))

	sess, err := rt.engine.Start(ctx, model.KindTreasury, tenant, input)
	if err != nil {
		return err
	}
	if sess.Status != model.StatusCompleted {
		reportSession(sess)
		return nil
	}

	var state treasury.State
	if err := decodeState(sess, &state); err != nil {
		return err
	}
	if state.Report == nil {
		return fmt.Errorf("session %s completed without a report", sess.ID)
	}
	displayTreasuryReport(state.Report)
	return nil
}

func displayTreasuryReport(report *treasury.Report) {
	snap := report.Snapshot

	content := fmt.Sprintf("Balance:   %s\nIncome:    %.2f€\nExpenses:  %.2f€\nBurn rate: %.2f€/month",
		cli.FormatAmount(snap.Balance), snap.Income, snap.Expense, snap.BurnRate)
	if snap.RunwayMonths != nil {
		content += fmt.Sprintf("\nRunway:    %.1f months", *snap.RunwayMonths)
	}
	if snap.IncomeRatio != nil {
		content += fmt.Sprintf("\nIncome/expense ratio: %.2f", *snap.IncomeRatio)
	}
	fmt.Println(cli.RenderBox(fmt.Sprintf("Snapshot (%dd window)", snap.WindowDays), content))

	if len(report.Projections) > 0 {
		content = ""
		for _, p := range report.Projections {
			content += fmt.Sprintf("%3dd %-12s %s\n", p.HorizonDays, p.Scenario, cli.FormatAmount(p.ProjectedBalance))
		}
		fmt.Println(cli.RenderBox("Projections", content))
	}

	if len(report.Recurring) > 0 {
		content = ""
		for _, r := range report.Recurring {
			content += fmt.Sprintf("~%.0f€ ×%d  %s\n", r.ApproxAmount, r.Frequency, r.SampleDescription)
		}
		fmt.Println(cli.RenderBox("Recurring Expenses", content))
	}

	if len(report.Alerts) == 0 {
		fmt.Println(cli.FormatSuccess("no alerts"))
		return
	}
	content = ""
	for _, a := range report.Alerts {
		content += fmt.Sprintf("%s  %s\n  %s\n",
			cli.FormatSeverity(string(a.Severity)), a.Message, cli.SubtleStyle.Render(a.Recommendation))
	}
	fmt.Println(cli.RenderBox("Alerts", content))
}
