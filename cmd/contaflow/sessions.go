package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fjmoreno/contaflow/internal/classify"
	"github.com/fjmoreno/contaflow/internal/cli"
	"github.com/fjmoreno/contaflow/internal/model"
	"github.com/fjmoreno/contaflow/internal/reconcile"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and drive workflow sessions",
	}

	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsResumeCmd())
	cmd.AddCommand(sessionsCancelCmd())
	cmd.AddCommand(sessionsExpireCmd())

	return cmd
}

func sessionsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions for the tenant",
		RunE:  runSessionsList,
	}
	cmd.Flags().String("status", "", "filter by status (loading, processing, awaiting_human, completed, cancelled, errored)")
	return cmd
}

func runSessionsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	tenant, err := requireTenant()
	if err != nil {
		return err
	}
	status, _ := cmd.Flags().GetString("status")

	store, _, err := initStorage(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	sessions, err := store.ListSessions(ctx, tenant, model.SessionStatus(status))
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println(cli.SubtleStyle.Render("no sessions"))
		return nil
	}

	fmt.Println(cli.TableHeaderStyle.Render(fmt.Sprintf("%-36s  %-15s  %-15s  %s", "ID", "KIND", "STATUS", "UPDATED")))
	for _, sess := range sessions {
		status := string(sess.Status)
		if sess.Status == model.StatusAwaitingHuman {
			status = cli.WarningStyle.Render(cli.PendingIcon + " " + status)
		}
		fmt.Printf("%-36s  %-15s  %-15s  %s\n",
			sess.ID, sess.Kind, status, sess.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session and its pending review, if any",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsShow,
	}
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, _, err := initStorage(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	sess, err := store.GetSession(ctx, args[0])
	if err != nil {
		return err
	}

	content := fmt.Sprintf("Kind:    %s\nStatus:  %s\nTenant:  %s\nCreated: %s\nUpdated: %s",
		sess.Kind, sess.Status, sess.TenantID,
		sess.CreatedAt.Format(time.RFC3339), sess.UpdatedAt.Format(time.RFC3339))
	if sess.LastError != "" {
		content += "\nError:   " + cli.ErrorStyle.Render(sess.LastError)
	}
	if sess.Awaiting != nil {
		content += fmt.Sprintf("\nAwaiting: %s (feedback fields: %s)",
			sess.Awaiting.Step, strings.Join(sess.Awaiting.RequiredFields, ", "))
	}
	fmt.Println(cli.RenderBox("Session "+sess.ID, content))

	if sess.Status != model.StatusAwaitingHuman {
		return nil
	}

	switch sess.Kind {
	case model.KindReconciliation:
		var state reconcile.State
		if err := decodeState(sess, &state); err != nil {
			return err
		}
		displayReviewItems(state)
	case model.KindClassification:
		var state classify.State
		if err := decodeState(sess, &state); err != nil {
			return err
		}
		displayPendingProposals(state)
	}
	return nil
}

func sessionsResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a suspended session with review feedback",
		Long: `Resume a session awaiting review. Feedback is the JSON object the
suspension step asks for, inline via --feedback or from a file via
--feedback-file.`,
		Args: cobra.ExactArgs(1),
		RunE: runSessionsResume,
	}
	cmd.Flags().String("feedback", "", "feedback JSON object")
	cmd.Flags().String("feedback-file", "", "path to a file holding the feedback JSON")
	return cmd
}

func runSessionsResume(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	feedback, err := readFeedback(cmd)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	sess, err := rt.engine.Resume(ctx, args[0], feedback)
	if err != nil {
		return err
	}
	reportSession(sess)
	return nil
}

func readFeedback(cmd *cobra.Command) (json.RawMessage, error) {
	inline, _ := cmd.Flags().GetString("feedback")
	file, _ := cmd.Flags().GetString("feedback-file")

	var raw []byte
	switch {
	case inline != "" && file != "":
		return nil, fmt.Errorf("--feedback and --feedback-file are mutually exclusive")
	case inline != "":
		raw = []byte(inline)
	case file != "":
		var err error
		raw, err = os.ReadFile(file) // #nosec G304 -- operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("failed to read feedback file: %w", err)
		}
	default:
		return nil, fmt.Errorf("feedback is required (--feedback or --feedback-file)")
	}

	if !json.Valid(raw) {
		return nil, fmt.Errorf("feedback must be a valid JSON object")
	}
	return raw, nil
}

func sessionsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a non-terminal session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.engine.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println(cli.FormatSuccess(fmt.Sprintf("session %s cancelled", args[0])))
			return nil
		},
	}
}

func sessionsExpireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Cancel suspended sessions older than the cutoff",
		RunE:  runSessionsExpire,
	}
	cmd.Flags().Duration("max-age", 7*24*time.Hour, "expire sessions awaiting review for longer than this")
	return cmd
}

func runSessionsExpire(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	maxAge, _ := cmd.Flags().GetDuration("max-age")

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	expired, err := rt.engine.ExpireStale(ctx, maxAge)
	if err != nil {
		return err
	}
	if expired == 0 {
		fmt.Println(cli.SubtleStyle.Render("no stale sessions"))
		return nil
	}
	fmt.Println(cli.FormatSuccess(fmt.Sprintf("expired %d stale sessions", expired)))
	return nil
}
