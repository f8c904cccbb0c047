package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/rules"
)

// CreateRule validates the definition against the catalog before storing it, so malformed
// rules never reach the automation runner.
func (e Engine) CreateRule(ctx context.Context, def rules.Definition, id, actorID string) (rules.Rule, error) {
	if id == "" {
		id = def.ID
	}
	if id == "" {
		id = uuid.NewString()
	}
	r, err := rules.Build(def, e.Catalog, id, e.now())
	if err != nil {
		return rules.Rule{}, err
	}
	rec, err := r.ToRecord()
	if err != nil {
		return rules.Rule{}, &domain.RuleConfigError{RuleID: id, Err: err}
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertRuleTx(ctx, tx, rec); err != nil {
			if db.IsUniqueViolation(err) {
				return fmt.Errorf("rule %s already exists: %w", id, domain.ErrConflict)
			}
			return fmt.Errorf("insert rule: %w", err)
		}
		return e.audit(ctx, tx, events.RuleCreated, "", "rule", id, actorID, events.EventPayload{
			"name": r.Name, "trigger": r.Trigger.Type(), "action": r.Action.Type(), "priority": r.Priority,
		})
	})
	if err != nil {
		return rules.Rule{}, err
	}
	return r, nil
}

// UpdateRule toggles a rule or changes its priority.
func (e Engine) UpdateRule(ctx context.Context, id string, active *bool, priority *int, actorID string) (domain.RuleRecord, error) {
	if priority != nil && *priority < 0 {
		return domain.RuleRecord{}, &domain.RuleConfigError{RuleID: id, Field: "priority", Err: fmt.Errorf("must not be negative")}
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateRuleTx(ctx, tx, id, active, priority, e.timestamp()); err != nil {
			return err
		}
		payload := events.EventPayload{}
		if active != nil {
			payload["active"] = *active
		}
		if priority != nil {
			payload["priority"] = *priority
		}
		return e.audit(ctx, tx, events.RuleUpdated, "", "rule", id, actorID, payload)
	})
	if err != nil {
		return domain.RuleRecord{}, err
	}
	rec, err := e.Repo.GetRule(ctx, id)
	return rec, db.Classify(err)
}
