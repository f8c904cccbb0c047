// Package rules defines automation rules: a trigger predicate, an optional trigger phase and
// one action, stored as JSON envelopes of the form {"type": "...", ...}.
package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"phaseline/internal/catalog"
	"phaseline/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Rule struct {
	ID           string
	Name         string
	TriggerPhase *string
	Trigger      Predicate
	Action       Action
	Active       bool
	Priority     int
	CreatedAt    string
	UpdatedAt    string
}

// Definition is the user-facing shape of a rule, shared by the HTTP API and YAML rule files.
type Definition struct {
	// ID is optional; rule files use it to make re-imports detectable.
	ID           string         `json:"id,omitempty" yaml:"id" validate:"omitempty,max=64"`
	Name         string         `json:"name" yaml:"name" validate:"required,max=200"`
	TriggerPhase string         `json:"trigger_phase,omitempty" yaml:"trigger_phase"`
	Trigger      map[string]any `json:"trigger" yaml:"trigger" validate:"required"`
	Action       map[string]any `json:"action" yaml:"action" validate:"required"`
	Active       *bool          `json:"active,omitempty" yaml:"active"`
	Priority     int            `json:"priority,omitempty" yaml:"priority" validate:"gte=0"`
}

// File is the YAML rule file layout.
type File struct {
	Rules []Definition `yaml:"rules"`
}

// Match evaluates the rule against one project. It returns nothing when the project is
// outside the trigger phase, or when it has completed its last phase (except for invoice
// reminders, which do not depend on the phase).
func (r Rule) Match(f domain.ProjectFacts, now time.Time) []Match {
	if _, invoiceOnly := r.Trigger.(InvoiceOverdue); !invoiceOnly {
		if f.State.Terminal() {
			return nil
		}
		if r.TriggerPhase != nil && *r.TriggerPhase != f.State.PhaseKey {
			return nil
		}
	} else if r.TriggerPhase != nil && *r.TriggerPhase != f.State.PhaseKey {
		return nil
	}
	return r.Trigger.Match(f, now)
}

// Validate checks variant fields and cross-checks them against the phase catalog.
func (r Rule) Validate(cat *catalog.Catalog) error {
	fail := func(field string, err error) error {
		return &domain.RuleConfigError{RuleID: r.ID, Field: field, Err: err}
	}
	if strings.TrimSpace(r.Name) == "" {
		return fail("name", errors.New("required"))
	}
	if r.Trigger == nil {
		return fail("trigger", errors.New("required"))
	}
	if r.Action == nil {
		return fail("action", errors.New("required"))
	}
	if err := validateStruct(r.Trigger); err != nil {
		return fail("trigger", err)
	}
	if err := validateStruct(r.Action); err != nil {
		return fail("action", err)
	}
	var trigger domain.Phase
	if r.TriggerPhase != nil {
		p, err := cat.Phase(*r.TriggerPhase)
		if err != nil {
			return fail("trigger_phase", fmt.Errorf("unknown phase %q", *r.TriggerPhase))
		}
		trigger = p
	}
	switch a := r.Action.(type) {
	case AdvancePhase:
		if _, err := cat.Phase(a.ToPhase); err != nil {
			return fail("action.to_phase", fmt.Errorf("unknown phase %q", a.ToPhase))
		}
		if r.TriggerPhase == nil {
			return fail("trigger_phase", errors.New("advance_phase requires a trigger phase"))
		}
		if !cat.IsAdjacent(*r.TriggerPhase, a.ToPhase) {
			return fail("action.to_phase", fmt.Errorf("%s does not directly follow %s", a.ToPhase, *r.TriggerPhase))
		}
	case MarkComplete:
		if r.TriggerPhase == nil {
			return fail("trigger_phase", errors.New("mark_complete requires a trigger phase"))
		}
		if _, ok := trigger.Action(a.ActionKey); !ok {
			return fail("action.action_key", fmt.Errorf("%s is not an action of phase %s", a.ActionKey, trigger.Key))
		}
	case SetStatus:
		if !slices.Contains(domain.SettableStatuses, a.Status) {
			return fail("action.status", fmt.Errorf("status %q cannot be set", a.Status))
		}
	}
	return nil
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return err
}

// Build turns a definition into a validated rule.
func Build(def Definition, cat *catalog.Catalog, id string, now time.Time) (Rule, error) {
	if err := validate.Struct(def); err != nil {
		return Rule{}, &domain.RuleConfigError{RuleID: id, Err: err}
	}
	trigger, err := decodePredicateMap(def.Trigger)
	if err != nil {
		return Rule{}, &domain.RuleConfigError{RuleID: id, Field: "trigger", Err: err}
	}
	action, err := decodeActionMap(def.Action)
	if err != nil {
		return Rule{}, &domain.RuleConfigError{RuleID: id, Field: "action", Err: err}
	}
	ts := now.UTC().Format(time.RFC3339)
	r := Rule{
		ID:        id,
		Name:      strings.TrimSpace(def.Name),
		Trigger:   trigger,
		Action:    action,
		Active:    def.Active == nil || *def.Active,
		Priority:  def.Priority,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if phase := strings.TrimSpace(def.TriggerPhase); phase != "" {
		r.TriggerPhase = &phase
	}
	if err := r.Validate(cat); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// ToRecord encodes the rule for storage.
func (r Rule) ToRecord() (domain.RuleRecord, error) {
	trigger, err := EncodePredicate(r.Trigger)
	if err != nil {
		return domain.RuleRecord{}, err
	}
	action, err := EncodeAction(r.Action)
	if err != nil {
		return domain.RuleRecord{}, err
	}
	return domain.RuleRecord{
		ID:           r.ID,
		Name:         r.Name,
		TriggerPhase: r.TriggerPhase,
		Trigger:      trigger,
		ActionType:   r.Action.Type(),
		Action:       action,
		Active:       r.Active,
		Priority:     r.Priority,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

// FromRecord decodes and validates a stored rule. Any failure is a *domain.RuleConfigError.
func FromRecord(rec domain.RuleRecord, cat *catalog.Catalog) (Rule, error) {
	trigger, err := ParsePredicate(rec.Trigger)
	if err != nil {
		return Rule{}, &domain.RuleConfigError{RuleID: rec.ID, Field: "trigger", Err: err}
	}
	action, err := ParseAction(rec.Action)
	if err != nil {
		return Rule{}, &domain.RuleConfigError{RuleID: rec.ID, Field: "action", Err: err}
	}
	if action.Type() != rec.ActionType {
		return Rule{}, &domain.RuleConfigError{RuleID: rec.ID, Field: "action_type",
			Err: fmt.Errorf("column says %s, config says %s", rec.ActionType, action.Type())}
	}
	r := Rule{
		ID:           rec.ID,
		Name:         rec.Name,
		TriggerPhase: rec.TriggerPhase,
		Trigger:      trigger,
		Action:       action,
		Active:       rec.Active,
		Priority:     rec.Priority,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	if err := r.Validate(cat); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// ParsePredicate decodes a {"type": ...} predicate envelope. Unknown types and unknown
// fields are rejected.
func ParsePredicate(raw []byte) (Predicate, error) {
	typ, body, err := splitEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypePhaseEntered:
		var p PhaseEntered
		err := decodeStrict(body, &p)
		return p, err
	case TypePaymentReceived:
		var p PaymentReceived
		err := decodeStrict(body, &p)
		return p, err
	case TypeInvoiceOverdue:
		var p InvoiceOverdue
		err := decodeStrict(body, &p)
		return p, err
	case TypeDaysInPhase:
		var p DaysInPhase
		err := decodeStrict(body, &p)
		return p, err
	case TypeStatusIs:
		var p StatusIs
		err := decodeStrict(body, &p)
		return p, err
	default:
		return nil, fmt.Errorf("unknown trigger type %q", typ)
	}
}

// ParseAction decodes a {"type": ...} action envelope.
func ParseAction(raw []byte) (Action, error) {
	typ, body, err := splitEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeAdvancePhase:
		var a AdvancePhase
		err := decodeStrict(body, &a)
		return a, err
	case TypeSendNotification:
		var a SendNotification
		err := decodeStrict(body, &a)
		return a, err
	case TypeMarkComplete:
		var a MarkComplete
		err := decodeStrict(body, &a)
		return a, err
	case TypeSetStatus:
		var a SetStatus
		err := decodeStrict(body, &a)
		return a, err
	default:
		return nil, fmt.Errorf("unknown action type %q", typ)
	}
}

func EncodePredicate(p Predicate) (json.RawMessage, error) {
	return encodeEnvelope(p.Type(), p)
}

func EncodeAction(a Action) (json.RawMessage, error) {
	return encodeEnvelope(a.Type(), a)
}

func encodeEnvelope(typ string, v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["type"] = typ
	return json.Marshal(fields)
}

func splitEnvelope(raw []byte) (string, []byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil, errors.New("empty config")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", nil, fmt.Errorf("config must be a JSON object: %w", err)
	}
	rawType, ok := fields["type"]
	if !ok {
		return "", nil, errors.New("missing type")
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return "", nil, fmt.Errorf("type must be a string: %w", err)
	}
	delete(fields, "type")
	body, err := json.Marshal(fields)
	if err != nil {
		return "", nil, err
	}
	return typ, body, nil
}

func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func decodePredicateMap(m map[string]any) (Predicate, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return ParsePredicate(raw)
}

func decodeActionMap(m map[string]any) (Action, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return ParseAction(raw)
}

// LoadFile reads a YAML rule file.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid rules yaml: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, errors.New("rules file defines no rules")
	}
	return f.Rules, nil
}
