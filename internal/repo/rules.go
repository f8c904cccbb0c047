package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"phaseline/internal/domain"
)

const ruleColumns = `id,name,trigger_phase,trigger_json,action_type,action_json,is_active,priority,created_at,updated_at`

func scanRule(scan func(dest ...any) error) (domain.RuleRecord, error) {
	var rec domain.RuleRecord
	var phase sql.NullString
	var trigger, action string
	if err := scan(&rec.ID, &rec.Name, &phase, &trigger, &rec.ActionType, &action, &rec.Active, &rec.Priority, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return rec, err
	}
	if phase.Valid {
		rec.TriggerPhase = &phase.String
	}
	rec.Trigger = []byte(trigger)
	rec.Action = []byte(action)
	return rec, nil
}

func (r Repo) InsertRuleTx(ctx context.Context, tx *sql.Tx, rec domain.RuleRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO automation_rules(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Name, nullableStringPtr(rec.TriggerPhase), string(rec.Trigger), rec.ActionType, string(rec.Action), rec.Active, rec.Priority, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.RuleRecord, error) {
	rec, err := scanRule(r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return rec, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// ListRules returns rules by ascending priority, then id.
func (r Repo) ListRules(ctx context.Context, activeOnly bool) ([]domain.RuleRecord, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules`
	if activeOnly {
		query += ` WHERE is_active=1`
	}
	query += ` ORDER BY priority ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RuleRecord
	for rows.Next() {
		rec, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// UpdateRule patches the active flag and priority; nil fields are left untouched.
func (r Repo) UpdateRuleTx(ctx context.Context, tx *sql.Tx, id string, active *bool, priority *int, updatedAt string) error {
	fields := []string{"updated_at=?"}
	args := []any{updatedAt}
	if active != nil {
		fields = append(fields, "is_active=?")
		args = append(args, *active)
	}
	if priority != nil {
		fields = append(fields, "priority=?")
		args = append(args, *priority)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE automation_rules SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClaimExecution inserts the idempotency marker for (rule, project, occurrence). It returns
// false when the occurrence was already claimed.
func (r Repo) ClaimExecution(ctx context.Context, ex domain.RuleExecution) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO rule_executions(rule_id,project_id,occurrence_key,outcome,error,created_at,finished_at) VALUES (?,?,?,?,NULL,?,NULL)`,
		ex.RuleID, ex.ProjectID, ex.OccurrenceKey, domain.OutcomeClaimed, ex.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishExecution records the final outcome of a claimed execution.
func (r Repo) FinishExecution(ctx context.Context, ruleID, projectID, occurrence, outcome, errMsg, finishedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE rule_executions SET outcome=?, error=?, finished_at=?
WHERE rule_id=? AND project_id=? AND occurrence_key=? AND outcome=?`,
		outcome, nullable(errMsg), finishedAt, ruleID, projectID, occurrence, domain.OutcomeClaimed)
	return err
}

// ListExecutions filters by rule and/or project; empty filters match all.
func (r Repo) ListExecutions(ctx context.Context, ruleID, projectID string, limit int) ([]domain.RuleExecution, error) {
	clauses := []string{"1=1"}
	var args []any
	if ruleID != "" {
		clauses = append(clauses, "rule_id=?")
		args = append(args, ruleID)
	}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	query := `SELECT rule_id,project_id,occurrence_key,outcome,COALESCE(error,''),created_at,finished_at FROM rule_executions WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, rule_id, project_id, occurrence_key`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RuleExecution
	for rows.Next() {
		var ex domain.RuleExecution
		var finished sql.NullString
		if err := rows.Scan(&ex.RuleID, &ex.ProjectID, &ex.OccurrenceKey, &ex.Outcome, &ex.Error, &ex.CreatedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			ex.FinishedAt = &finished.String
		}
		res = append(res, ex)
	}
	return res, rows.Err()
}
