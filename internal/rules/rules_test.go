package rules_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/catalog"
	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/rules"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.FromConfig(config.Default())
	require.NoError(t, err)
	return cat
}

var now = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

func TestParsePredicateVariants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want rules.Predicate
	}{
		{"phase entered", `{"type":"phase_entered"}`, rules.PhaseEntered{}},
		{"payment received", `{"type":"payment_received"}`, rules.PaymentReceived{}},
		{"invoice overdue", `{"type":"invoice_overdue","days":3}`, rules.InvoiceOverdue{Days: 3}},
		{"days in phase", `{"type":"days_in_phase","days":7,"daily":true}`, rules.DaysInPhase{Days: 7, Daily: true}},
		{"status is", `{"type":"status_is","status":"waiting_client"}`, rules.StatusIs{Status: "waiting_client"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rules.ParsePredicate([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		``,
		`[]`,
		`{"days":3}`,
		`{"type":"moon_phase"}`,
		`{"type":"invoice_overdue","days":"three"}`,
		`{"type":"invoice_overdue","days":3,"extra":true}`,
	} {
		_, err := rules.ParsePredicate([]byte(raw))
		assert.Error(t, err, raw)
	}
	_, err := rules.ParseAction([]byte(`{"type":"launch_rocket"}`))
	assert.Error(t, err)
}

func TestEncodeRoundTrip(t *testing.T) {
	raw, err := rules.EncodeAction(rules.SendNotification{Kind: "invoice_reminder", Recipient: "client"})
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "send_notification", fields["type"])

	back, err := rules.ParseAction(raw)
	require.NoError(t, err)
	assert.Equal(t, rules.SendNotification{Kind: "invoice_reminder", Recipient: "client"}, back)
}

func TestBuildValidatesAgainstCatalog(t *testing.T) {
	cat := testCatalog(t)

	_, err := rules.Build(rules.Definition{
		Name:         "payment unlocks signoff",
		TriggerPhase: "payment",
		Trigger:      map[string]any{"type": "payment_received"},
		Action:       map[string]any{"type": "advance_phase", "to_phase": "signoff"},
	}, cat, "r1", now)
	require.NoError(t, err)

	cases := map[string]rules.Definition{
		"non adjacent advance": {
			Name: "skip", TriggerPhase: "payment",
			Trigger: map[string]any{"type": "payment_received"},
			Action:  map[string]any{"type": "advance_phase", "to_phase": "delivery"},
		},
		"advance without trigger phase": {
			Name:    "anywhere",
			Trigger: map[string]any{"type": "payment_received"},
			Action:  map[string]any{"type": "advance_phase", "to_phase": "signoff"},
		},
		"unknown trigger phase": {
			Name: "ghost", TriggerPhase: "limbo",
			Trigger: map[string]any{"type": "phase_entered"},
			Action:  map[string]any{"type": "send_notification", "kind": "hello", "recipient": "client"},
		},
		"foreign action key": {
			Name: "wrong action", TriggerPhase: "payment",
			Trigger: map[string]any{"type": "payment_received"},
			Action:  map[string]any{"type": "mark_complete", "action_key": "contract.signed"},
		},
		"bad recipient": {
			Name:    "who",
			Trigger: map[string]any{"type": "phase_entered"},
			Action:  map[string]any{"type": "send_notification", "kind": "hello", "recipient": "everyone"},
		},
		"completed status": {
			Name:    "cheat",
			Trigger: map[string]any{"type": "phase_entered"},
			Action:  map[string]any{"type": "set_status", "status": "completed"},
		},
		"zero days in phase": {
			Name:    "instant",
			Trigger: map[string]any{"type": "days_in_phase", "days": 0},
			Action:  map[string]any{"type": "send_notification", "kind": "stale", "recipient": "admin"},
		},
		"missing name": {
			Trigger: map[string]any{"type": "phase_entered"},
			Action:  map[string]any{"type": "send_notification", "kind": "hello", "recipient": "client"},
		},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := rules.Build(def, cat, "r2", now)
			require.Error(t, err)
			assert.True(t, domain.IsRuleConfigError(err), "expected RuleConfigError, got %T", err)
		})
	}
}

func TestRecordRoundTrip(t *testing.T) {
	cat := testCatalog(t)
	r, err := rules.Build(rules.Definition{
		Name:         "remind",
		TriggerPhase: "payment",
		Trigger:      map[string]any{"type": "invoice_overdue", "days": 2},
		Action:       map[string]any{"type": "send_notification", "kind": "invoice_overdue", "recipient": "client"},
		Priority:     5,
	}, cat, "r3", now)
	require.NoError(t, err)

	rec, err := r.ToRecord()
	require.NoError(t, err)
	assert.Equal(t, "send_notification", rec.ActionType)
	assert.True(t, rec.Active)

	back, err := rules.FromRecord(rec, cat)
	require.NoError(t, err)
	assert.Equal(t, r, back)

	rec.ActionType = "set_status"
	_, err = rules.FromRecord(rec, cat)
	assert.True(t, domain.IsRuleConfigError(err))
}

func facts(phase, status, startedAt string, invoices ...domain.Invoice) domain.ProjectFacts {
	return domain.ProjectFacts{
		Project:  domain.Project{ID: "p1", Status: "active"},
		State:    domain.PhaseState{ProjectID: "p1", PhaseKey: phase, Status: status, StartedAt: startedAt, Entry: 3},
		Invoices: invoices,
	}
}

func TestPhaseEnteredKeyIsStablePerEntry(t *testing.T) {
	f := facts("design", domain.StatusInProgress, "2025-03-01T09:00:00Z")
	first := rules.PhaseEntered{}.Match(f, now)
	later := rules.PhaseEntered{}.Match(f, now.Add(72*time.Hour))
	require.Len(t, first, 1)
	assert.Equal(t, "phase_entered:design#3", first[0].OccurrenceKey)
	assert.Equal(t, first[0].OccurrenceKey, later[0].OccurrenceKey)

	// re-entry within the same second still yields a new key
	f.State.Entry = 5
	reentered := rules.PhaseEntered{}.Match(f, now)
	assert.Equal(t, "phase_entered:design#5", reentered[0].OccurrenceKey)
}

func TestPaymentReceived(t *testing.T) {
	started := "2025-03-01T09:00:00Z"
	paid := domain.Invoice{ID: "i1", Status: "paid"}
	open := domain.Invoice{ID: "i2", Status: "sent"}
	void := domain.Invoice{ID: "i3", Status: "void"}

	assert.Empty(t, rules.PaymentReceived{}.Match(facts("payment", "in_progress", started), now), "no invoices")
	assert.Empty(t, rules.PaymentReceived{}.Match(facts("payment", "in_progress", started, paid, open), now), "one open")
	assert.Empty(t, rules.PaymentReceived{}.Match(facts("payment", "in_progress", started, void), now), "only void")

	m := rules.PaymentReceived{}.Match(facts("payment", "in_progress", started, paid, void), now)
	require.Len(t, m, 1)
	assert.Equal(t, "payment_received:payment#3", m[0].OccurrenceKey)
}

func TestInvoiceOverdueBucketsByDay(t *testing.T) {
	inv := domain.Invoice{ID: "inv-9", Number: "2025-009", Status: "sent", DueDate: "2025-03-05"}
	p := rules.InvoiceOverdue{Days: 3}

	m := p.Match(facts("payment", "in_progress", "2025-03-01T09:00:00Z", inv), now)
	require.Len(t, m, 1)
	assert.Equal(t, "invoice_overdue:inv-9:2025-03-10", m[0].OccurrenceKey)
	assert.Equal(t, 5, m[0].Data["days_overdue"])

	sameDay := p.Match(facts("payment", "in_progress", "2025-03-01T09:00:00Z", inv), now.Add(8*time.Hour))
	assert.Equal(t, m[0].OccurrenceKey, sameDay[0].OccurrenceKey)

	nextDay := p.Match(facts("payment", "in_progress", "2025-03-01T09:00:00Z", inv), now.Add(24*time.Hour))
	assert.Equal(t, "invoice_overdue:inv-9:2025-03-11", nextDay[0].OccurrenceKey)

	notYet := rules.InvoiceOverdue{Days: 10}.Match(facts("payment", "in_progress", "2025-03-01T09:00:00Z", inv), now)
	assert.Empty(t, notYet)

	for _, status := range []string{"paid", "void", "draft"} {
		inv.Status = status
		assert.Empty(t, p.Match(facts("payment", "in_progress", "2025-03-01T09:00:00Z", inv), now), status)
	}
}

func TestDaysInPhase(t *testing.T) {
	f := facts("review", "waiting_client", "2025-03-02T15:00:00Z")
	assert.Empty(t, rules.DaysInPhase{Days: 10}.Match(f, now))

	once := rules.DaysInPhase{Days: 7}.Match(f, now)
	require.Len(t, once, 1)
	assert.Equal(t, "days_in_phase:review#3", once[0].OccurrenceKey)

	daily := rules.DaysInPhase{Days: 7, Daily: true}.Match(f, now)
	require.Len(t, daily, 1)
	assert.Equal(t, "days_in_phase:review#3:2025-03-10", daily[0].OccurrenceKey)
}

func TestRuleMatchRespectsTriggerPhaseAndTerminal(t *testing.T) {
	phase := "payment"
	r := rules.Rule{ID: "r", Name: "r", TriggerPhase: &phase, Trigger: rules.PhaseEntered{}, Action: rules.SetStatus{Status: "approved"}}
	assert.Len(t, r.Match(facts("payment", "in_progress", "2025-03-01T09:00:00Z"), now), 1)
	assert.Empty(t, r.Match(facts("design", "in_progress", "2025-03-01T09:00:00Z"), now))

	r.TriggerPhase = nil
	assert.Empty(t, r.Match(facts("delivery", domain.StatusCompleted, "2025-03-01T09:00:00Z"), now))

	r.Trigger = rules.InvoiceOverdue{Days: 1}
	inv := domain.Invoice{ID: "late", Status: "sent", DueDate: "2025-03-01"}
	assert.Len(t, r.Match(facts("delivery", domain.StatusCompleted, "2025-03-01T09:00:00Z", inv), now), 1)
}

func TestLoadFile(t *testing.T) {
	cat := testCatalog(t)
	path := filepath.Join(t.TempDir(), "rules.yml")
	raw := `rules:
  - id: paid-to-signoff
    name: Paid projects move to sign-off
    trigger_phase: payment
    trigger: {type: payment_received}
    action: {type: advance_phase, to_phase: signoff}
  - name: Nudge slow reviews
    trigger_phase: review
    priority: 5
    active: false
    trigger: {type: days_in_phase, days: 3, daily: true}
    action: {type: send_notification, kind: review_reminder, recipient: client}
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	defs, err := rules.LoadFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "paid-to-signoff", defs[0].ID)
	require.NotNil(t, defs[1].Active)
	assert.False(t, *defs[1].Active)

	for i, def := range defs {
		r, err := rules.Build(def, cat, def.ID, now)
		require.NoError(t, err, "rule %d", i)
		assert.Equal(t, def.Priority, r.Priority)
	}

	empty := filepath.Join(t.TempDir(), "empty.yml")
	require.NoError(t, os.WriteFile(empty, []byte("rules: []\n"), 0o644))
	_, err = rules.LoadFile(empty)
	assert.Error(t, err)
}
