package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"phaseline/internal/domain"
)

func phaseStateSelect(alias string) string {
	return prefixed(alias, `project_id,phase_key,phase_index,status,started_at,completed_at,notes,metadata_json,updated_at,entry`)
}

func scanPhaseState(scan func(dest ...any) error) (domain.PhaseState, error) {
	var st domain.PhaseState
	var completedAt, notes, metadata sql.NullString
	if err := scan(&st.ProjectID, &st.PhaseKey, &st.PhaseIndex, &st.Status, &st.StartedAt, &completedAt, &notes, &metadata, &st.UpdatedAt, &st.Entry); err != nil {
		return st, err
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.String
	}
	if notes.Valid {
		st.Notes = notes.String
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &st.Metadata); err != nil {
			return st, fmt.Errorf("decode phase metadata: %w", err)
		}
	}
	return st, nil
}

func encodeMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode phase metadata: %w", err)
	}
	return string(data), nil
}

func entryOrFirst(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func (r Repo) GetPhaseState(ctx context.Context, projectID string) (domain.PhaseState, error) {
	return getPhaseState(ctx, r.DB, projectID)
}

func (r Repo) GetPhaseStateTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.PhaseState, error) {
	return getPhaseState(ctx, tx, projectID)
}

func getPhaseState(ctx context.Context, q Querier, projectID string) (domain.PhaseState, error) {
	row := q.QueryRowContext(ctx, `SELECT `+phaseStateSelect("s")+` FROM project_phase_states s WHERE s.project_id=?`, projectID)
	st, err := scanPhaseState(row.Scan)
	if err == sql.ErrNoRows {
		return st, fmt.Errorf("phase state for project %s: %w", projectID, ErrNotFound)
	}
	return st, err
}

func (r Repo) InsertPhaseStateTx(ctx context.Context, tx *sql.Tx, st domain.PhaseState) error {
	meta, err := encodeMetadata(st.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO project_phase_states(project_id,phase_key,phase_index,status,started_at,completed_at,notes,metadata_json,updated_at,entry) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		st.ProjectID, st.PhaseKey, st.PhaseIndex, st.Status, st.StartedAt, nullableStringPtr(st.CompletedAt), nullable(st.Notes), meta, st.UpdatedAt, entryOrFirst(st.Entry))
	return err
}

// AdvancePhaseStateTx writes next only if the project is still in fromPhase and not completed.
// It is the single check-and-set guarding forward transitions; false means another writer won.
func (r Repo) AdvancePhaseStateTx(ctx context.Context, tx *sql.Tx, fromPhase string, next domain.PhaseState) (bool, error) {
	return writePhaseState(ctx, tx, `AND status<>'completed'`, fromPhase, next)
}

// OverwritePhaseStateTx writes next if the project is still in fromPhase, regardless of status.
// Used by administrative overrides, which may also reopen a completed project.
func (r Repo) OverwritePhaseStateTx(ctx context.Context, tx *sql.Tx, fromPhase string, next domain.PhaseState) (bool, error) {
	return writePhaseState(ctx, tx, ``, fromPhase, next)
}

func writePhaseState(ctx context.Context, tx *sql.Tx, guard, fromPhase string, next domain.PhaseState) (bool, error) {
	meta, err := encodeMetadata(next.Metadata)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE project_phase_states SET phase_key=?, phase_index=?, status=?, started_at=?, completed_at=?, notes=?, metadata_json=?, updated_at=?, entry=?
WHERE project_id=? AND phase_key=? `+guard,
		next.PhaseKey, next.PhaseIndex, next.Status, next.StartedAt, nullableStringPtr(next.CompletedAt), nullable(next.Notes), meta, next.UpdatedAt, entryOrFirst(next.Entry),
		next.ProjectID, fromPhase)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdatePhaseStatusTx changes the status (and notes when non-nil) of a non-completed phase.
func (r Repo) UpdatePhaseStatusTx(ctx context.Context, tx *sql.Tx, projectID, phaseKey, status string, notes *string, updatedAt string) (bool, error) {
	query := `UPDATE project_phase_states SET status=?, updated_at=?`
	args := []any{status, updatedAt}
	if notes != nil {
		query += `, notes=?`
		args = append(args, nullable(*notes))
	}
	query += ` WHERE project_id=? AND phase_key=? AND status<>'completed'`
	args = append(args, projectID, phaseKey)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ResetCompletionsTx upserts one uncompleted row per action key for the phase.
func (r Repo) ResetCompletionsTx(ctx context.Context, tx *sql.Tx, projectID, phaseKey string, actionKeys []string) error {
	for _, key := range actionKeys {
		if _, err := tx.ExecContext(ctx, `INSERT INTO action_completions(project_id,phase_key,action_key,completed,completed_by,completed_at) VALUES (?,?,?,0,NULL,NULL)
ON CONFLICT(project_id,phase_key,action_key) DO UPDATE SET completed=0, completed_by=NULL, completed_at=NULL`, projectID, phaseKey, key); err != nil {
			return err
		}
	}
	return nil
}

// MarkCompletionTx marks an action complete, creating the row lazily if missing. It returns
// false when the action was already completed.
func (r Repo) MarkCompletionTx(ctx context.Context, tx *sql.Tx, projectID, phaseKey, actionKey, actorID, at string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO action_completions(project_id,phase_key,action_key,completed,completed_by,completed_at) VALUES (?,?,?,1,?,?)
ON CONFLICT(project_id,phase_key,action_key) DO UPDATE SET completed=1, completed_by=excluded.completed_by, completed_at=excluded.completed_at
WHERE action_completions.completed=0`, projectID, phaseKey, actionKey, actorID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ListCompletions(ctx context.Context, projectID, phaseKey string) ([]domain.ActionCompletion, error) {
	return listCompletions(ctx, r.DB, projectID, phaseKey)
}

func (r Repo) ListCompletionsTx(ctx context.Context, tx *sql.Tx, projectID, phaseKey string) ([]domain.ActionCompletion, error) {
	return listCompletions(ctx, tx, projectID, phaseKey)
}

func listCompletions(ctx context.Context, q Querier, projectID, phaseKey string) ([]domain.ActionCompletion, error) {
	rows, err := q.QueryContext(ctx, `SELECT project_id,phase_key,action_key,completed,completed_by,completed_at FROM action_completions
WHERE project_id=? AND phase_key=? ORDER BY action_key`, projectID, phaseKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionCompletion
	for rows.Next() {
		var c domain.ActionCompletion
		var by, at sql.NullString
		if err := rows.Scan(&c.ProjectID, &c.PhaseKey, &c.ActionKey, &c.Completed, &by, &at); err != nil {
			return nil, err
		}
		if by.Valid {
			c.CompletedBy = &by.String
		}
		if at.Valid {
			c.CompletedAt = &at.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountPhaseStateRows reports how many tracking and completion rows exist for a project.
func (r Repo) CountPhaseStateRows(ctx context.Context, projectID string) (states, completions int, err error) {
	if err = r.DB.QueryRowContext(ctx, `SELECT count(*) FROM project_phase_states WHERE project_id=?`, projectID).Scan(&states); err != nil {
		return 0, 0, err
	}
	err = r.DB.QueryRowContext(ctx, `SELECT count(*) FROM action_completions WHERE project_id=?`, projectID).Scan(&completions)
	return states, completions, err
}

func (r Repo) InsertTransitionTx(ctx context.Context, tx *sql.Tx, t domain.PhaseTransition) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO phase_transitions(project_id,from_phase,to_phase,kind,actor_id,reason,ts) VALUES (?,?,?,?,?,?,?)`,
		t.ProjectID, t.FromPhase, t.ToPhase, t.Kind, t.ActorID, nullable(t.Reason), t.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListTransitions returns the project's phase history oldest first.
func (r Repo) ListTransitions(ctx context.Context, projectID string) ([]domain.PhaseTransition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,from_phase,to_phase,kind,actor_id,COALESCE(reason,''),ts FROM phase_transitions
WHERE project_id=? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseTransition
	for rows.Next() {
		var t domain.PhaseTransition
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.FromPhase, &t.ToPhase, &t.Kind, &t.ActorID, &t.Reason, &t.TS); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ActionCompletedTx reports whether the action key was completed in any phase of the project.
func (r Repo) ActionCompletedTx(ctx context.Context, tx *sql.Tx, projectID, actionKey string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM action_completions WHERE project_id=? AND action_key=? AND completed=1`, projectID, actionKey).Scan(&n)
	return n > 0, err
}
