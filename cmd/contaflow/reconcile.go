package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fjmoreno/contaflow/internal/cli"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/reconcile"
)

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Match bank transactions against ledger entries",
		Long: `Start a reconciliation run over a statement period. Confident matches
are validated automatically; ambiguous ones suspend the session for
review. Resume with 'contaflow sessions resume'.`,
		RunE: runReconcile,
	}

	cmd.Flags().StringP("account", "a", "", "bank account id (required)")
	cmd.Flags().StringP("start", "s", "", "period start (format: 2006-01-02, required)")
	cmd.Flags().StringP("end", "e", "", "period end (format: 2006-01-02, required)")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")

	return cmd
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	tenant, err := requireTenant()
	if err != nil {
		return err
	}
	account, _ := cmd.Flags().GetString("account")
	start, _ := cmd.Flags().GetString("start")
	end, _ := cmd.Flags().GetString("end")

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	input, err := json.Marshal(map[string]any{
		"tenant_id":    tenant,
		"account_id":   account,
		"period_start": start,
		"period_end":   end,
	})
	if err != nil {
		return fmt.Errorf("failed to encode input: %w", err)
	}

	fmt.Println(cli.FormatTitle(fmt.Sprintf("Reconciling %s from %s to %s", account, start, end)))

	sess, err := rt.engine.Start(ctx, model.KindReconciliation, tenant, input)
	if err != nil {
		return err
	}
	reportSession(sess)

	var state reconcile.State
	if err := decodeState(sess, &state); err != nil {
		return err
	}

	if sess.Status == model.StatusAwaitingHuman {
		displayReviewItems(state)
		return nil
	}
	if state.Summary != nil {
		displayReconcileSummary(state.Summary)
	}
	return nil
}

func displayReviewItems(state reconcile.State) {
	if len(state.Review) == 0 {
		return
	}

	content := fmt.Sprintf("%d transactions need a decision:\n\n", len(state.Review))
	for _, item := range state.Review {
		content += fmt.Sprintf("%s\n", item.TransactionID)
		for _, c := range item.Candidates {
			marker := "  "
			if c.LedgerEntryID == item.BestMatch {
				marker = "→ "
			}
			content += fmt.Sprintf("%s%s  score %.2f  Δ%.2f€  Δ%dd\n",
				marker, c.LedgerEntryID, c.Confidence, c.AmountDiff, c.DateDiffDays)
		}
	}
	for _, d := range state.Discrepancies {
		content += fmt.Sprintf("\n%s %s: %s", cli.WarningIcon, d.TransactionID, d.Reason)
	}

	fmt.Println(cli.RenderBox("Pending Review", content))
}

func displayReconcileSummary(summary *reconcile.Summary) {
	content := fmt.Sprintf(`Matched:       %d
Pending:       %d
Discrepancies: %d
Total:         %d

Reconciliation rate: %.1f%%`,
		summary.Matched, summary.Pending, summary.Discrepancies,
		summary.Total, summary.ReconciliationRate)

	fmt.Println(cli.RenderBox("Reconciliation Summary", content))
}
