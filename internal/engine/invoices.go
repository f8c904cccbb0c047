package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/events"
)

// InvoiceCreateOptions are parameters for recording an invoice against a project.
type InvoiceCreateOptions struct {
	ID          string
	ProjectID   string
	Number      string
	AmountCents int64
	DueDate     string
	Status      string
	ActorID     string
}

// CreateInvoice records an invoice. Invoices are collaborator data read by rule predicates.
func (e Engine) CreateInvoice(ctx context.Context, opts InvoiceCreateOptions) (domain.Invoice, error) {
	if opts.Number == "" {
		return domain.Invoice{}, fmt.Errorf("number is required: %w", domain.ErrInvalidInput)
	}
	if opts.AmountCents < 0 {
		return domain.Invoice{}, fmt.Errorf("amount must not be negative: %w", domain.ErrInvalidInput)
	}
	if _, err := time.Parse("2006-01-02", opts.DueDate); err != nil {
		return domain.Invoice{}, fmt.Errorf("due date %q must be YYYY-MM-DD: %w", opts.DueDate, domain.ErrInvalidInput)
	}
	status := opts.Status
	if status == "" {
		status = "sent"
	}
	switch status {
	case "draft", "sent", "paid", "void":
	default:
		return domain.Invoice{}, fmt.Errorf("invoice status %q: %w", status, domain.ErrInvalidInput)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.timestamp()
	inv := domain.Invoice{
		ID:          id,
		ProjectID:   opts.ProjectID,
		Number:      opts.Number,
		AmountCents: opts.AmountCents,
		Status:      status,
		DueDate:     opts.DueDate,
		CreatedAt:   now,
	}
	if status == "paid" {
		inv.PaidAt = &now
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID); err != nil {
			return err
		}
		if err := e.Repo.InsertInvoiceTx(ctx, tx, inv); err != nil {
			if db.IsUniqueViolation(err) {
				return fmt.Errorf("invoice %s already exists: %w", inv.ID, domain.ErrConflict)
			}
			return fmt.Errorf("insert invoice: %w", err)
		}
		return e.audit(ctx, tx, events.InvoiceCreated, inv.ProjectID, "invoice", inv.ID, opts.ActorID,
			events.EventPayload{"number": inv.Number, "amount_cents": inv.AmountCents, "due_date": inv.DueDate, "status": inv.Status})
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	return inv, nil
}

// MarkInvoicePaid records a payment, as a payment provider webhook would. Paying an already
// paid invoice is a no-op.
func (e Engine) MarkInvoicePaid(ctx context.Context, invoiceID, actorID string) (domain.Invoice, error) {
	var inv domain.Invoice
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if inv, err = e.Repo.GetInvoiceTx(ctx, tx, invoiceID); err != nil {
			return err
		}
		if inv.Status == "void" {
			return fmt.Errorf("invoice %s is void: %w", invoiceID, domain.ErrConflict)
		}
		now := e.timestamp()
		changed, err := e.Repo.MarkInvoicePaidTx(ctx, tx, invoiceID, now)
		if err != nil || !changed {
			return err
		}
		inv.Status = "paid"
		inv.PaidAt = &now
		return e.audit(ctx, tx, events.InvoicePaid, inv.ProjectID, "invoice", inv.ID, actorID, events.EventPayload{"number": inv.Number})
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	return inv, nil
}
