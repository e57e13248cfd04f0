package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fjmoreno/contaflow/internal/classify"
	"github.com/fjmoreno/contaflow/internal/cli"
	"github.com/fjmoreno/contaflow/internal/model"
)

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify [transaction-id...]",
		Short: "Assign PGC categories to transactions",
		Long: `Classify a batch of transactions through the rule, history, and model
cascade. Low-confidence proposals suspend the session for review.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runClassify,
	}
	return cmd
}

func runClassify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	tenant, err := requireTenant()
	if err != nil {
		return err
	}

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	input, err := json.Marshal(map[string]any{
		"tenant_id":       tenant,
		"transaction_ids": args,
	})
	if err != nil {
		return fmt.Errorf("failed to encode input: %w", err)
	}

	fmt.Println(cli.FormatTitle(fmt.Sprintf("Classifying %d transactions", len(args))))

	sess, err := rt.engine.Start(ctx, model.KindClassification, tenant, input)
	if err != nil {
		return err
	}
	reportSession(sess)

	var state classify.State
	if err := decodeState(sess, &state); err != nil {
		return err
	}

	if sess.Status == model.StatusAwaitingHuman {
		displayPendingProposals(state)
		return nil
	}
	if state.Summary != nil {
		displayClassifySummary(&state)
	}
	return nil
}

func displayPendingProposals(state classify.State) {
	pending := make(map[string]bool, len(state.Pending))
	for _, id := range state.Pending {
		pending[id] = true
	}

	content := fmt.Sprintf("%d proposals below the confidence threshold:\n\n", len(state.Pending))
	for _, p := range state.Proposals {
		if !pending[p.TransactionID] {
			continue
		}
		content += fmt.Sprintf("%s  %s (%s, %.0f%%)\n  %s\n",
			p.TransactionID, p.Category, p.Method, p.Confidence*100, cli.SubtleStyle.Render(p.Rationale))
	}
	for _, id := range state.Missing {
		content += fmt.Sprintf("\n%s %s: not found", cli.WarningIcon, id)
	}

	fmt.Println(cli.RenderBox("Pending Review", content))
}

func displayClassifySummary(state *classify.State) {
	content := fmt.Sprintf("Classified: %d\nReviewed:   %d\n\nBy method:\n",
		state.Summary.Total, state.Summary.Reviewed)
	for _, method := range []model.ClassificationMethod{model.MethodRule, model.MethodHistory, model.MethodModel, model.MethodManual} {
		if count := state.Summary.ByMethod[method]; count > 0 {
			content += fmt.Sprintf("  %-8s %d\n", method, count)
		}
	}
	if len(state.Missing) > 0 {
		content += fmt.Sprintf("\nSkipped (not found): %d", len(state.Missing))
	}

	fmt.Println(cli.RenderBox("Classification Summary", content))
}
