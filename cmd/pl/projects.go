package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"phaseline/internal/app"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectArchiveCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, clientID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project; tracking starts in the first phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreateProject(ctx, engine.ProjectCreateOptions{
					ID:       id,
					Name:     name,
					ClientID: clientID,
					ActorID:  actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p, projectTable([]domain.Project{p}))
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListProjects(ctx, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, projectTable(items))
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, archived)")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project and its current phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				view, err := a.Engine.GetPhaseState(ctx, p.ID)
				if err != nil && !errors.Is(err, domain.ErrNotFound) {
					return err
				}
				out := struct {
					domain.Project
					Phase *domain.PhaseView `json:"phase,omitempty"`
				}{Project: p}
				if err == nil {
					out.Phase = &view
				}
				return printJSONOrTable(out, func(tw table.Writer) {
					tw.AppendRow(table.Row{"ID", p.ID})
					tw.AppendRow(table.Row{"Name", p.Name})
					tw.AppendRow(table.Row{"Client", p.ClientID})
					tw.AppendRow(table.Row{"Status", p.Status})
					tw.AppendRow(table.Row{"Created", p.CreatedAt})
					if out.Phase == nil {
						tw.AppendRow(table.Row{"Phase", "(not tracked)"})
						return
					}
					tw.AppendRow(table.Row{"Phase", fmt.Sprintf("%s (%s)", view.Phase.Name, view.State.Status)})
					tw.AppendRow(table.Row{"Mandatory", fmt.Sprintf("%d/%d", view.Summary.MandatoryCompleted, view.Summary.MandatoryTotal)})
				})
			})
		},
	}
}

func projectArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <project-id>",
		Short: "Archive a project; archived projects are skipped by automation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.ArchiveProject(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p, projectTable([]domain.Project{p}))
			})
		},
	}
}

func projectTable(items []domain.Project) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Name", "Client", "Status", "Created"})
		for _, p := range items {
			tw.AppendRow(table.Row{p.ID, p.Name, p.ClientID, p.Status, p.CreatedAt})
		}
	}
}

func invoiceCmd() *cobra.Command {
	inv := &cobra.Command{Use: "invoice", Short: "Record invoices and payments"}
	inv.AddCommand(invoiceAddCmd())
	inv.AddCommand(invoiceListCmd())
	inv.AddCommand(invoicePayCmd())
	return inv
}

func invoiceAddCmd() *cobra.Command {
	var opts engine.InvoiceCreateOptions
	cmd := &cobra.Command{
		Use:   "add <project-id>",
		Short: "Record an invoice against a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ProjectID = args[0]
			opts.ActorID = actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				created, err := a.Engine.CreateInvoice(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(created, invoiceTable([]domain.Invoice{created}))
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "invoice id (generated when empty)")
	cmd.Flags().StringVar(&opts.Number, "number", "", "invoice number")
	cmd.Flags().Int64Var(&opts.AmountCents, "amount-cents", 0, "amount in cents")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Status, "status", "sent", "initial status (draft, sent)")
	_ = cmd.MarkFlagRequired("number")
	_ = cmd.MarkFlagRequired("due")
	return cmd
}

func invoiceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project-id>",
		Short: "List a project's invoices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Repo.GetProject(ctx, args[0]); err != nil {
					return err
				}
				items, err := a.Engine.Repo.ListInvoices(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items, invoiceTable(items))
			})
		},
	}
}

func invoicePayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pay <invoice-id>",
		Short: "Mark an invoice paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				paid, err := a.Engine.MarkInvoicePaid(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(paid, invoiceTable([]domain.Invoice{paid}))
			})
		},
	}
}

func invoiceTable(items []domain.Invoice) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Project", "Number", "Amount", "Status", "Due", "Paid"})
		for _, inv := range items {
			amount := fmt.Sprintf("%d.%02d", inv.AmountCents/100, inv.AmountCents%100)
			tw.AppendRow(table.Row{inv.ID, inv.ProjectID, inv.Number, amount, inv.Status, inv.DueDate, deref(inv.PaidAt)})
		}
	}
}
