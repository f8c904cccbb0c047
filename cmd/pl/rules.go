package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"phaseline/internal/app"
	"phaseline/internal/domain"
	"phaseline/internal/rules"
)

func ruleCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "rule",
		Short: "Manage automation rules",
		Long:  "A rule pairs a trigger (phase_entered, payment_received, invoice_overdue, days_in_phase, status_is) with an action (advance_phase, send_notification, set_status, mark_complete).",
	}
	r.AddCommand(ruleAddCmd())
	r.AddCommand(ruleImportCmd())
	r.AddCommand(ruleListCmd())
	r.AddCommand(ruleToggleCmd("enable", true))
	r.AddCommand(ruleToggleCmd("disable", false))
	r.AddCommand(rulePriorityCmd())
	r.AddCommand(ruleExecutionsCmd())
	return r
}

func ruleAddCmd() *cobra.Command {
	var def rules.Definition
	var trigger, action string
	var inactive bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a rule",
		Example: `  pl rule add --name "Paid deposit" --trigger-phase payment_pending \
    --trigger '{"type":"payment_received"}' \
    --action '{"type":"advance_phase","to_phase":"final_signoff"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := json.Unmarshal([]byte(trigger), &def.Trigger); err != nil {
				return fmt.Errorf("--trigger: %w", err)
			}
			if err := json.Unmarshal([]byte(action), &def.Action); err != nil {
				return fmt.Errorf("--action: %w", err)
			}
			if inactive {
				active := false
				def.Active = &active
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.CreateRule(ctx, def, "", actorID())
				if err != nil {
					return err
				}
				rec, err := a.Engine.Repo.GetRule(ctx, r.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec, ruleTable([]domain.RuleRecord{rec}))
			})
		},
	}
	cmd.Flags().StringVar(&def.ID, "id", "", "rule id (generated when empty)")
	cmd.Flags().StringVar(&def.Name, "name", "", "rule name")
	cmd.Flags().StringVar(&def.TriggerPhase, "trigger-phase", "", "only match projects in this phase")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger as JSON, e.g. {\"type\":\"days_in_phase\",\"days\":3}")
	cmd.Flags().StringVar(&action, "action", "", "action as JSON, e.g. {\"type\":\"set_status\",\"status\":\"needs_approval\"}")
	cmd.Flags().IntVar(&def.Priority, "priority", 0, "evaluation priority (lower runs first)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create the rule disabled")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("trigger")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func ruleImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create rules from a YAML file",
		Long:  "Each entry under 'rules:' is validated against the phase catalog. Entries whose id already exists are skipped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := rules.LoadFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var created []domain.RuleRecord
				for i, def := range defs {
					if def.ID != "" {
						if _, err := a.Engine.Repo.GetRule(ctx, def.ID); err == nil {
							fmt.Fprintf(os.Stderr, "skipping rule %s: already exists\n", def.ID)
							continue
						} else if !errors.Is(err, domain.ErrNotFound) {
							return err
						}
					}
					r, err := a.Engine.CreateRule(ctx, def, "", actorID())
					if err != nil {
						return fmt.Errorf("rule #%d (%s): %w", i+1, def.Name, err)
					}
					rec, err := a.Engine.Repo.GetRule(ctx, r.ID)
					if err != nil {
						return err
					}
					created = append(created, rec)
				}
				return printJSONOrTable(nonNil(created), ruleTable(created))
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "rules.yml", "rule file")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListRules(ctx, activeOnly)
				if err != nil {
					return err
				}
				return printJSONOrTable(nonNil(items), ruleTable(items))
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active-only", false, "hide disabled rules")
	return cmd
}

func ruleToggleCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <rule-id>",
		Short: fmt.Sprintf("%s a rule", map[bool]string{true: "Enable", false: "Disable"}[active]),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.UpdateRule(ctx, args[0], &active, nil, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(rec, ruleTable([]domain.RuleRecord{rec}))
			})
		},
	}
}

func rulePriorityCmd() *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "priority <rule-id>",
		Short: "Change a rule's evaluation priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.UpdateRule(ctx, args[0], nil, &priority, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(rec, ruleTable([]domain.RuleRecord{rec}))
			})
		},
	}
	cmd.Flags().IntVar(&priority, "set", 0, "new priority")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

func ruleExecutionsCmd() *cobra.Command {
	var projectID string
	var limit int
	cmd := &cobra.Command{
		Use:   "executions [rule-id]",
		Short: "Show recorded rule executions, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleID := ""
			if len(args) == 1 {
				ruleID = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if ruleID != "" {
					if _, err := a.Engine.Repo.GetRule(ctx, ruleID); err != nil {
						return err
					}
				}
				items, err := a.Engine.Repo.ListExecutions(ctx, ruleID, projectID, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(nonNil(items), func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Rule", "Project", "Occurrence", "Outcome", "Error", "Finished"})
					for _, ex := range items {
						tw.AppendRow(table.Row{ex.RuleID, ex.ProjectID, ex.OccurrenceKey, ex.Outcome, ex.Error, deref(ex.FinishedAt)})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "filter by project")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func ruleTable(items []domain.RuleRecord) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Name", "Phase", "Trigger", "Action", "Active", "Priority"})
		for _, r := range items {
			tw.AppendRow(table.Row{r.ID, r.Name, deref(r.TriggerPhase), string(r.Trigger), string(r.Action), r.Active, r.Priority})
		}
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
