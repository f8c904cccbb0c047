package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phaseline/internal/app"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

func phaseCmd() *cobra.Command {
	ph := &cobra.Command{
		Use:   "phase",
		Short: "Track a project's phase",
		Long:  "Complete required actions to move a project forward; admins may advance or set the status directly.",
	}
	ph.AddCommand(phaseCatalogCmd())
	ph.AddCommand(phaseInitCmd())
	ph.AddCommand(phaseShowCmd())
	ph.AddCommand(phaseCompleteCmd())
	ph.AddCommand(phaseAdvanceCmd())
	ph.AddCommand(phaseStatusCmd())
	ph.AddCommand(phaseHistoryCmd())
	return ph
}

func phaseCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the phases in lifecycle order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				phases := a.Catalog.Phases()
				return printJSONOrTable(phases, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"#", "Key", "Name", "Required actions"})
					for _, p := range phases {
						keys := ""
						for i, ra := range p.RequiredActions {
							if i > 0 {
								keys += ", "
							}
							keys += ra.Key
							if !ra.Mandatory {
								keys += " (optional)"
							}
						}
						tw.AppendRow(table.Row{p.Position, p.Key, p.Name, keys})
					}
				})
			})
		},
	}
}

func phaseInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <project-id>",
		Short: "Start phase tracking for an existing project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Engine.InitializePhaseTracking(ctx, args[0], actorID())
				if errors.Is(err, domain.ErrAlreadyInitialized) {
					fmt.Fprintf(os.Stderr, "project %s is already tracked\n", args[0])
					err = nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(view, phaseViewTable(view))
			})
		},
	}
}

func phaseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show the current phase and its checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Engine.GetPhaseState(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(view, phaseViewTable(view))
			})
		},
	}
}

func phaseCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <project-id> <action-key>",
		Short: "Complete a required action of the current phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.CompleteRequiredAction(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Advanced {
					fmt.Printf("advanced %s -> %s\n", res.From, res.To)
				}
				return printJSONOrTable(res.View, phaseViewTable(res.View))
			})
		},
	}
}

func phaseAdvanceCmd() *cobra.Command {
	var opts engine.ManualAdvance
	cmd := &cobra.Command{
		Use:   "advance <project-id>",
		Short: "Move a project to the next phase (admin)",
		Long:  "Advances to the adjacent next phase regardless of outstanding actions. Use --override to jump or rewind to any phase.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ProjectID = args[0]
			opts.ActorID = actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if opts.TargetPhase == "" {
					st, err := a.Engine.Repo.GetPhaseState(ctx, opts.ProjectID)
					if err != nil {
						return err
					}
					next, ok := a.Catalog.Next(st.PhaseKey)
					if !ok {
						return fmt.Errorf("project %s is in the last phase: %w", opts.ProjectID, domain.ErrInvalidTransition)
					}
					opts.TargetPhase = next.Key
				}
				st, err := a.Engine.AdvancePhaseManually(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(st, phaseStateTable(st))
			})
		},
	}
	cmd.Flags().StringVar(&opts.TargetPhase, "to", "", "target phase key (defaults to the next phase)")
	cmd.Flags().BoolVar(&opts.Override, "override", false, "allow a non-adjacent target")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded in history")
	return cmd
}

func phaseStatusCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:       "status <project-id> <status>",
		Short:     "Set the current phase status (admin)",
		Args:      cobra.ExactArgs(2),
		ValidArgs: domain.SettableStatuses,
		RunE: func(cmd *cobra.Command, args []string) error {
			var notesPtr *string
			if cmd.Flags().Changed("notes") {
				notesPtr = &notes
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.SetPhaseStatus(ctx, args[0], args[1], notesPtr, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(st, phaseStateTable(st))
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "replace the phase notes")
	return cmd
}

func phaseHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <project-id>",
		Short: "Show phase transitions, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListPhaseHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"When", "From", "To", "Kind", "Actor", "Reason"})
					for _, t := range items {
						tw.AppendRow(table.Row{t.TS, t.FromPhase, t.ToPhase, t.Kind, t.ActorID, t.Reason})
					}
				})
			})
		},
	}
}

func phaseViewTable(view domain.PhaseView) func(table.Writer) {
	return func(tw table.Writer) {
		tw.SetTitle(fmt.Sprintf("%s: %s [%s]", view.State.ProjectID, view.Phase.Name, view.State.Status))
		tw.AppendHeader(table.Row{"Action", "Owner", "Mandatory", "Done", "By", "At"})
		for _, as := range view.Actions {
			tw.AppendRow(table.Row{as.Key, as.Owner, as.Mandatory, as.Completed, deref(as.CompletedBy), deref(as.CompletedAt)})
		}
		tw.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d/%d", view.Summary.MandatoryCompleted, view.Summary.MandatoryTotal)})
	}
}

func phaseStateTable(st domain.PhaseState) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"Project", "Phase", "Status", "Started", "Notes"})
		tw.AppendRow(table.Row{st.ProjectID, st.PhaseKey, st.Status, st.StartedAt, st.Notes})
	}
}
