package domain

import "encoding/json"

// Phase status values for a project's current phase.
const (
	StatusPending       = "pending"
	StatusInProgress    = "in_progress"
	StatusWaitingClient = "waiting_client"
	StatusNeedsApproval = "needs_approval"
	StatusApproved      = "approved"
	StatusCompleted     = "completed"
)

// Transition kinds recorded in phase history.
const (
	TransitionAuto     = "auto"
	TransitionManual   = "manual"
	TransitionOverride = "override"
	TransitionRule     = "rule"
)

// DonePhase is the pseudo phase recorded as the target when the last phase completes.
const DonePhase = "done"

// Execution outcomes.
const (
	OutcomeClaimed = "claimed"
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// SettableStatuses are the phase statuses an admin (or a set_status rule) may assign directly.
var SettableStatuses = []string{StatusPending, StatusInProgress, StatusWaitingClient, StatusNeedsApproval, StatusApproved}

// Required action owners.
const (
	OwnerClient = "client"
	OwnerAdmin  = "admin"
)

type RequiredAction struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	Mandatory   bool   `json:"mandatory"`
	Owner       string `json:"owner" enum:"client,admin"`
}

type Phase struct {
	Key             string           `json:"key"`
	Position        int              `json:"position"`
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	RequiredActions []RequiredAction `json:"required_actions"`
}

// Action returns the required action with the given key.
func (p Phase) Action(key string) (RequiredAction, bool) {
	for _, a := range p.RequiredActions {
		if a.Key == key {
			return a, true
		}
	}
	return RequiredAction{}, false
}

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ClientID  string `json:"client_id,omitempty"`
	Status    string `json:"status" enum:"active,archived"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Invoice struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Number      string  `json:"number"`
	AmountCents int64   `json:"amount_cents"`
	Status      string  `json:"status" enum:"draft,sent,paid,void"`
	DueDate     string  `json:"due_date" format:"date"`
	PaidAt      *string `json:"paid_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type PhaseState struct {
	ProjectID   string         `json:"project_id"`
	PhaseKey    string         `json:"phase_key"`
	PhaseIndex  int            `json:"phase_index"`
	Status      string         `json:"status" enum:"pending,in_progress,waiting_client,needs_approval,approved,completed"`
	StartedAt   string         `json:"started_at" format:"date-time"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
	Notes       string         `json:"notes,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
	// Entry counts phase entries for the project: 1 at initialization, +1 on every phase change.
	Entry       int            `json:"entry"`
}

// Terminal reports whether the project has completed its final phase.
func (s PhaseState) Terminal() bool {
	return s.Status == StatusCompleted
}

type ActionCompletion struct {
	ProjectID   string  `json:"project_id"`
	PhaseKey    string  `json:"phase_key"`
	ActionKey   string  `json:"action_key"`
	Completed   bool    `json:"completed"`
	CompletedBy *string `json:"completed_by,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type CompletionSummary struct {
	Total              int `json:"total"`
	Completed          int `json:"completed"`
	MandatoryTotal     int `json:"mandatory_total"`
	MandatoryCompleted int `json:"mandatory_completed"`
}

// ActionStatus joins a catalog action with its completion row.
type ActionStatus struct {
	RequiredAction
	Completed   bool    `json:"completed"`
	CompletedBy *string `json:"completed_by,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type PhaseView struct {
	State   PhaseState        `json:"state"`
	Phase   Phase             `json:"phase"`
	Actions []ActionStatus    `json:"actions"`
	Summary CompletionSummary `json:"summary"`
}

type PhaseTransition struct {
	ID        int64  `json:"id"`
	ProjectID string `json:"project_id"`
	FromPhase string `json:"from_phase"`
	ToPhase   string `json:"to_phase"`
	Kind      string `json:"kind" enum:"auto,manual,override,rule"`
	ActorID   string `json:"actor_id"`
	Reason    string `json:"reason,omitempty"`
	TS        string `json:"ts" format:"date-time"`
}

// RuleRecord is the stored shape of an automation rule; trigger and action stay raw JSON
// until parsed by the rules package.
type RuleRecord struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	TriggerPhase *string         `json:"trigger_phase,omitempty"`
	Trigger      json.RawMessage `json:"trigger"`
	ActionType   string          `json:"action_type"`
	Action       json.RawMessage `json:"action"`
	Active       bool            `json:"active"`
	Priority     int             `json:"priority"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
}

type RuleExecution struct {
	RuleID        string  `json:"rule_id"`
	ProjectID     string  `json:"project_id"`
	OccurrenceKey string  `json:"occurrence_key"`
	Outcome       string  `json:"outcome" enum:"claimed,success,failed"`
	Error         string  `json:"error,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	FinishedAt    *string `json:"finished_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// ProjectFacts is everything a rule predicate may inspect about one project.
type ProjectFacts struct {
	Project  Project
	State    PhaseState
	Invoices []Invoice
}
