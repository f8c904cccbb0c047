package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"phaseline/internal/domain"
)

// Repo is the SQLite-backed store. Methods with a Tx suffix (or taking a *sql.Tx) run inside
// the caller's transaction; the others use the pool.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const projectColumns = `id,name,COALESCE(client_id,'') AS client_id,status,created_at`

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.ClientID, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("project: %w", ErrNotFound)
	}
	return p, err
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,client_id,status,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.ClientID), p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return getProject(ctx, r.DB, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return getProject(ctx, tx, id)
}

func getProject(ctx context.Context, q Querier, id string) (domain.Project, error) {
	return scanProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// ListProjects returns projects newest first; an empty status matches all.
func (r Repo) ListProjects(ctx context.Context, status string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.ClientID, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project: %w", ErrNotFound)
	}
	return nil
}

const invoiceColumns = `id,project_id,number,amount_cents,status,due_date,paid_at,created_at`

func scanInvoice(scan func(dest ...any) error) (domain.Invoice, error) {
	var inv domain.Invoice
	var paidAt sql.NullString
	if err := scan(&inv.ID, &inv.ProjectID, &inv.Number, &inv.AmountCents, &inv.Status, &inv.DueDate, &paidAt, &inv.CreatedAt); err != nil {
		return inv, err
	}
	if paidAt.Valid {
		inv.PaidAt = &paidAt.String
	}
	return inv, nil
}

func (r Repo) InsertInvoiceTx(ctx context.Context, tx *sql.Tx, inv domain.Invoice) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO invoices(id,project_id,number,amount_cents,status,due_date,paid_at,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		inv.ID, inv.ProjectID, inv.Number, inv.AmountCents, inv.Status, inv.DueDate, nullableStringPtr(inv.PaidAt), inv.CreatedAt)
	return err
}

func (r Repo) GetInvoiceTx(ctx context.Context, tx *sql.Tx, id string) (domain.Invoice, error) {
	inv, err := scanInvoice(tx.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return inv, fmt.Errorf("invoice: %w", ErrNotFound)
	}
	return inv, err
}

// MarkInvoicePaidTx flips an unpaid invoice to paid; false when it was already paid.
func (r Repo) MarkInvoicePaidTx(ctx context.Context, tx *sql.Tx, id, paidAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE invoices SET status='paid', paid_at=? WHERE id=? AND status<>'paid'`, paidAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListInvoices(ctx context.Context, projectID string) ([]domain.Invoice, error) {
	return listInvoices(ctx, r.DB, projectID)
}

func (r Repo) ListInvoicesTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Invoice, error) {
	return listInvoices(ctx, tx, projectID)
}

func listInvoices(ctx context.Context, q Querier, projectID string) ([]domain.Invoice, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE project_id=? ORDER BY due_date ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}

// ListActiveProjectFacts loads every active project that has phase tracking, together with
// its invoices, for one automation sweep.
func (r Repo) ListActiveProjectFacts(ctx context.Context) ([]domain.ProjectFacts, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT p.id,p.name,COALESCE(p.client_id,''),p.status,p.created_at,`+phaseStateSelect("s")+`
FROM projects p JOIN project_phase_states s ON s.project_id=p.id
WHERE p.status='active' ORDER BY p.created_at ASC, p.id ASC`)
	if err != nil {
		return nil, err
	}
	var res []domain.ProjectFacts
	index := map[string]int{}
	for rows.Next() {
		var f domain.ProjectFacts
		st, err := scanPhaseState(func(dest ...any) error {
			head := []any{&f.Project.ID, &f.Project.Name, &f.Project.ClientID, &f.Project.Status, &f.Project.CreatedAt}
			return rows.Scan(append(head, dest...)...)
		})
		if err != nil {
			rows.Close()
			return nil, err
		}
		f.State = st
		index[f.Project.ID] = len(res)
		res = append(res, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(res) == 0 {
		return res, nil
	}
	invRows, err := r.DB.QueryContext(ctx, `SELECT `+prefixed("i", invoiceColumns)+` FROM invoices i JOIN projects p ON p.id=i.project_id
WHERE p.status='active' ORDER BY i.due_date ASC, i.id ASC`)
	if err != nil {
		return nil, err
	}
	defer invRows.Close()
	for invRows.Next() {
		inv, err := scanInvoice(invRows.Scan)
		if err != nil {
			return nil, err
		}
		if i, ok := index[inv.ProjectID]; ok {
			res[i].Invoices = append(res[i].Invoices, inv)
		}
	}
	return res, invRows.Err()
}

// ProjectFacts loads one project's facts, used to refresh after a state-changing rule action.
func (r Repo) ProjectFacts(ctx context.Context, projectID string) (domain.ProjectFacts, error) {
	var f domain.ProjectFacts
	p, err := r.GetProject(ctx, projectID)
	if err != nil {
		return f, err
	}
	st, err := r.GetPhaseState(ctx, projectID)
	if err != nil {
		return f, err
	}
	invoices, err := r.ListInvoices(ctx, projectID)
	if err != nil {
		return f, err
	}
	return domain.ProjectFacts{Project: p, State: st, Invoices: invoices}, nil
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ",")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
