package rules

import (
	"fmt"
	"time"

	"phaseline/internal/domain"
)

// Predicate type names.
const (
	TypePhaseEntered    = "phase_entered"
	TypePaymentReceived = "payment_received"
	TypeInvoiceOverdue  = "invoice_overdue"
	TypeDaysInPhase     = "days_in_phase"
	TypeStatusIs        = "status_is"
)

const dayLayout = "2006-01-02"

// Match is one trigger occurrence. The key is stable for the same logical occurrence so a
// re-run of the sweep inside the same window derives the same key.
type Match struct {
	OccurrenceKey string
	Data          map[string]any
}

// Predicate is a closed set of trigger conditions evaluated against a project's facts.
type Predicate interface {
	Type() string
	Match(f domain.ProjectFacts, now time.Time) []Match
}

// PhaseEntered fires once per entry into a phase.
type PhaseEntered struct{}

// PaymentReceived fires once per phase entry when the project has at least one invoice and
// every non-void invoice is paid.
type PaymentReceived struct{}

// InvoiceOverdue fires once per UTC calendar day for each sent, unpaid invoice at least Days
// days past its due date.
type InvoiceOverdue struct {
	Days int `json:"days" validate:"gte=0,lte=3650"`
}

// DaysInPhase fires once the project has been in its current phase for Days days; with Daily
// set it fires again every following day.
type DaysInPhase struct {
	Days  int  `json:"days" validate:"gte=1,lte=3650"`
	Daily bool `json:"daily,omitempty"`
}

// StatusIs fires once per phase entry when the phase status equals Status.
type StatusIs struct {
	Status string `json:"status" validate:"required,oneof=pending in_progress waiting_client needs_approval approved"`
}

func (PhaseEntered) Type() string    { return TypePhaseEntered }
func (PaymentReceived) Type() string { return TypePaymentReceived }
func (InvoiceOverdue) Type() string  { return TypeInvoiceOverdue }
func (DaysInPhase) Type() string     { return TypeDaysInPhase }
func (StatusIs) Type() string        { return TypeStatusIs }

// phaseEpoch identifies one entry into the current phase. The entry counter keeps re-entries
// distinct even when they share a started_at second.
func phaseEpoch(st domain.PhaseState) string {
	return fmt.Sprintf("%s#%d", st.PhaseKey, st.Entry)
}

func (p PhaseEntered) Match(f domain.ProjectFacts, _ time.Time) []Match {
	return []Match{{
		OccurrenceKey: fmt.Sprintf("%s:%s", TypePhaseEntered, phaseEpoch(f.State)),
		Data:          map[string]any{"phase": f.State.PhaseKey},
	}}
}

func (p PaymentReceived) Match(f domain.ProjectFacts, _ time.Time) []Match {
	counted := 0
	for _, inv := range f.Invoices {
		switch inv.Status {
		case "void":
			continue
		case "paid":
			counted++
		default:
			return nil
		}
	}
	if counted == 0 {
		return nil
	}
	return []Match{{
		OccurrenceKey: fmt.Sprintf("%s:%s", TypePaymentReceived, phaseEpoch(f.State)),
		Data:          map[string]any{"phase": f.State.PhaseKey, "paid_invoices": counted},
	}}
}

func (p InvoiceOverdue) Match(f domain.ProjectFacts, now time.Time) []Match {
	today := truncateDay(now)
	var out []Match
	for _, inv := range f.Invoices {
		switch inv.Status {
		case "draft", "paid", "void":
			continue
		}
		due, ok := parseDay(inv.DueDate)
		if !ok {
			continue
		}
		overdue := int(today.Sub(due).Hours() / 24)
		if overdue < 1 || overdue < p.Days {
			continue
		}
		out = append(out, Match{
			OccurrenceKey: fmt.Sprintf("%s:%s:%s", TypeInvoiceOverdue, inv.ID, today.Format(dayLayout)),
			Data: map[string]any{
				"invoice_id":   inv.ID,
				"number":       inv.Number,
				"due_date":     inv.DueDate,
				"days_overdue": overdue,
				"amount_cents": inv.AmountCents,
			},
		})
	}
	return out
}

func (p DaysInPhase) Match(f domain.ProjectFacts, now time.Time) []Match {
	started, err := time.Parse(time.RFC3339, f.State.StartedAt)
	if err != nil {
		return nil
	}
	elapsed := now.Sub(started)
	if elapsed < time.Duration(p.Days)*24*time.Hour {
		return nil
	}
	key := fmt.Sprintf("%s:%s", TypeDaysInPhase, phaseEpoch(f.State))
	if p.Daily {
		key += ":" + truncateDay(now).Format(dayLayout)
	}
	return []Match{{
		OccurrenceKey: key,
		Data:          map[string]any{"phase": f.State.PhaseKey, "days_in_phase": int(elapsed.Hours() / 24)},
	}}
}

func (p StatusIs) Match(f domain.ProjectFacts, _ time.Time) []Match {
	if f.State.Status != p.Status {
		return nil
	}
	return []Match{{
		OccurrenceKey: fmt.Sprintf("%s:%s:%s", TypeStatusIs, p.Status, phaseEpoch(f.State)),
		Data:          map[string]any{"phase": f.State.PhaseKey, "status": p.Status},
	}}
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// parseDay accepts YYYY-MM-DD or a full RFC3339 timestamp.
func parseDay(v string) (time.Time, bool) {
	if d, err := time.Parse(dayLayout, v); err == nil {
		return d, true
	}
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return truncateDay(ts), true
	}
	return time.Time{}, false
}
