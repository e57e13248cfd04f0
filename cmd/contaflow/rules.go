package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fjmoreno/contaflow/internal/cli"
	"github.com/fjmoreno/contaflow/internal/model"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage classification rules",
		Long: `Classification rules are the first tier of the cascade: a matching
rule decides the category before history or the model are consulted.`,
	}

	cmd.AddCommand(rulesListCmd())
	cmd.AddCommand(rulesAddCmd())
	cmd.AddCommand(rulesDeleteCmd())

	return cmd
}

func rulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active rules in evaluation order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			tenant, err := requireTenant()
			if err != nil {
				return err
			}

			store, _, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			rules, err := store.GetActiveRules(ctx, tenant)
			if err != nil {
				return err
			}
			if len(rules) == 0 {
				fmt.Println(cli.SubtleStyle.Render("no active rules"))
				return nil
			}

			fmt.Println(cli.TableHeaderStyle.Render(fmt.Sprintf("%-36s  %4s  %-11s  %-12s  %-20s  %s",
				"ID", "PRIO", "FIELD", "OPERATOR", "VALUE", "CATEGORY")))
			for _, r := range rules {
				scope := ""
				if r.TenantID == "" {
					scope = cli.SubtleStyle.Render(" (global)")
				}
				fmt.Printf("%-36s  %4d  %-11s  %-12s  %-20s  %s%s\n",
					r.ID, r.Priority, r.Field, r.Operator, r.Value, r.Category, scope)
			}
			return nil
		},
	}
}

func rulesAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a classification rule",
		RunE:  runRulesAdd,
	}

	cmd.Flags().String("field", "description", "transaction field to match (description, amount)")
	cmd.Flags().String("operator", "contains", "comparison (contains, equals, starts_with)")
	cmd.Flags().String("value", "", "value to compare against (required)")
	cmd.Flags().String("category", "", "PGC category to assign (required)")
	cmd.Flags().Int("priority", 0, "evaluation priority, higher wins")
	cmd.Flags().Bool("global", false, "apply the rule to all tenants")
	_ = cmd.MarkFlagRequired("value")
	_ = cmd.MarkFlagRequired("category")

	return cmd
}

func runRulesAdd(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	field, _ := cmd.Flags().GetString("field")
	operator, _ := cmd.Flags().GetString("operator")
	value, _ := cmd.Flags().GetString("value")
	category, _ := cmd.Flags().GetString("category")
	priority, _ := cmd.Flags().GetInt("priority")
	global, _ := cmd.Flags().GetBool("global")

	if !model.ValidCategory(category) {
		return fmt.Errorf("unknown PGC category: %s", category)
	}

	tenant := ""
	if !global {
		var err error
		tenant, err = requireTenant()
		if err != nil {
			return err
		}
	}

	store, _, err := initStorage(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rule := &model.ClassificationRule{
		ID:        uuid.NewString(),
		TenantID:  tenant,
		Field:     field,
		Operator:  model.RuleOperator(operator),
		Value:     value,
		Category:  category,
		Priority:  priority,
		Active:    true,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.SaveClassificationRule(ctx, rule); err != nil {
		return err
	}

	fmt.Println(cli.FormatSuccess(fmt.Sprintf("rule %s created: %s %s %q → %s",
		rule.ID, field, operator, value, category)))
	return nil
}

func rulesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a classification rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := initStorage(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.DeleteClassificationRule(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println(cli.FormatSuccess(fmt.Sprintf("rule %s deleted", args[0])))
			return nil
		},
	}
}
