package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the audit log.
const (
	ProjectCreated     = "project.created"
	ProjectArchived    = "project.archived"
	PhaseInitialized   = "phase.initialized"
	ActionCompleted    = "phase.action_completed"
	PhaseAdvanced      = "phase.advanced"
	PhaseOverride      = "phase.override"
	PhaseStatusChanged = "phase.status_changed"
	ProjectCompleted   = "project.completed"
	InvoiceCreated     = "invoice.created"
	InvoicePaid        = "invoice.paid"
	RuleCreated        = "rule.created"
	RuleUpdated        = "rule.updated"
)

// Execer is the subset of *sql.Tx the writer needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit row; callers pass the transaction that performs the change.
func (w Writer) Append(ctx context.Context, tx Execer, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
