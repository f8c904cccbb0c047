package server

import (
	"encoding/json"

	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID       *string `json:"id,omitempty"`
	Name     string  `json:"name" minLength:"1"`
	ClientID string  `json:"client_id,omitempty"`
}

type AdvancePhaseRequest struct {
	TargetPhase string `json:"target_phase" minLength:"1"`
	Override    bool   `json:"override,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type SetPhaseStatusRequest struct {
	Status string  `json:"status" enum:"pending,in_progress,waiting_client,needs_approval,approved"`
	Notes  *string `json:"notes,omitempty"`
}

type CreateInvoiceRequest struct {
	ID          *string `json:"id,omitempty"`
	Number      string  `json:"number" minLength:"1"`
	AmountCents int64   `json:"amount_cents" minimum:"0"`
	DueDate     string  `json:"due_date" format:"date"`
	Status      string  `json:"status,omitempty" enum:"draft,sent,paid,void"`
}

type CreateRuleRequest struct {
	ID           *string        `json:"id,omitempty"`
	Name         string         `json:"name" minLength:"1"`
	TriggerPhase string         `json:"trigger_phase,omitempty"`
	Trigger      map[string]any `json:"trigger"`
	Action       map[string]any `json:"action"`
	Active       *bool          `json:"active,omitempty"`
	Priority     int            `json:"priority,omitempty" minimum:"0"`
}

type UpdateRuleRequest struct {
	Active   *bool `json:"active,omitempty"`
	Priority *int  `json:"priority,omitempty" minimum:"0"`
}

// Response payloads

type ProjectList struct {
	Items []domain.Project `json:"items"`
}

type PhaseList struct {
	Items []domain.Phase `json:"items"`
}

type CompleteActionResponse struct {
	Phase    domain.PhaseView `json:"phase"`
	Advanced bool             `json:"advanced"`
	From     string           `json:"from,omitempty"`
	To       string           `json:"to,omitempty"`
}

type TransitionList struct {
	Items []domain.PhaseTransition `json:"items"`
}

type RuleResponse struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	TriggerPhase *string        `json:"trigger_phase,omitempty"`
	Trigger      map[string]any `json:"trigger"`
	Action       map[string]any `json:"action"`
	Active       bool           `json:"active"`
	Priority     int            `json:"priority"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	UpdatedAt    string         `json:"updated_at" format:"date-time"`
}

type RuleList struct {
	Items []RuleResponse `json:"items"`
}

type ExecutionList struct {
	Items []domain.RuleExecution `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func ruleResponse(rec domain.RuleRecord) RuleResponse {
	return RuleResponse{
		ID:           rec.ID,
		Name:         rec.Name,
		TriggerPhase: rec.TriggerPhase,
		Trigger:      rawObject(rec.Trigger),
		Action:       rawObject(rec.Action),
		Active:       rec.Active,
		Priority:     rec.Priority,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func rawObject(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    rawObject(json.RawMessage(evt.Payload)),
	}
}

func completeActionResponse(res engine.CompletionResult) CompleteActionResponse {
	return CompleteActionResponse{Phase: res.View, Advanced: res.Advanced, From: res.From, To: res.To}
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
