package rules

// Action type names.
const (
	TypeAdvancePhase     = "advance_phase"
	TypeSendNotification = "send_notification"
	TypeMarkComplete     = "mark_complete"
	TypeSetStatus        = "set_status"
)

// Action is a closed set of effects a rule can perform once per occurrence.
type Action interface {
	Type() string
	// ChangesState reports whether the action mutates phase tracking, which forces the
	// runner to reload the project's facts before evaluating later rules.
	ChangesState() bool
}

// AdvancePhase moves the project from the rule's trigger phase to ToPhase, bypassing
// required-action gating.
type AdvancePhase struct {
	ToPhase string `json:"to_phase" validate:"required"`
}

type SendNotification struct {
	Kind      string         `json:"kind" validate:"required,max=64"`
	Recipient string         `json:"recipient" validate:"required,oneof=client admin"`
	Data      map[string]any `json:"data,omitempty"`
}

// MarkComplete completes a required action of the trigger phase on behalf of the rule.
type MarkComplete struct {
	ActionKey string `json:"action_key" validate:"required"`
}

type SetStatus struct {
	Status string `json:"status" validate:"required,oneof=pending in_progress waiting_client needs_approval approved"`
}

func (AdvancePhase) Type() string     { return TypeAdvancePhase }
func (SendNotification) Type() string { return TypeSendNotification }
func (MarkComplete) Type() string     { return TypeMarkComplete }
func (SetStatus) Type() string        { return TypeSetStatus }

func (AdvancePhase) ChangesState() bool     { return true }
func (SendNotification) ChangesState() bool { return false }
func (MarkComplete) ChangesState() bool     { return true }
func (SetStatus) ChangesState() bool        { return true }
