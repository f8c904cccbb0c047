package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"phaseline/internal/catalog"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/logging"
	"phaseline/internal/migrate"
	"phaseline/internal/notify"
)

type recorder struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (r *recorder) Dispatch(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

type testEnv struct {
	Engine   engine.Engine
	Notifier *recorder
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cat, err := catalog.FromConfig(config.Default())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	rec := &recorder{}
	eng := engine.New(conn, cat)
	eng.Notifier = rec
	eng.Logger = logging.Discard()
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{ID: "proj-1", Name: "Brand refresh", ActorID: "admin-1"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Notifier: rec, Ctx: ctx}
}

func TestOnboardingAdvancesAfterMandatoryActions(t *testing.T) {
	env := newTestEnv(t)
	view, err := env.Engine.GetPhaseState(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if view.State.PhaseKey != "onboarding" || view.State.Status != domain.StatusPending {
		t.Fatalf("unexpected initial state %+v", view.State)
	}

	res, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "contract.signed", "client-1")
	if err != nil {
		t.Fatalf("complete 1: %v", err)
	}
	if res.Advanced || res.View.State.PhaseKey != "onboarding" || res.View.State.Status != domain.StatusInProgress {
		t.Fatalf("expected in_progress onboarding, got %+v advanced=%v", res.View.State, res.Advanced)
	}

	res, err = env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "brief.submitted", "client-1")
	if err != nil {
		t.Fatalf("complete 2: %v", err)
	}
	if !res.Advanced || res.View.State.PhaseKey != "ideation" || res.View.State.PhaseIndex != 2 {
		t.Fatalf("expected ideation, got %+v", res.View.State)
	}
	if res.View.State.Status != domain.StatusInProgress {
		t.Fatalf("new phase should start in_progress, got %s", res.View.State.Status)
	}
	if res.View.Summary.Completed != 0 || res.View.Summary.MandatoryTotal != 2 {
		t.Fatalf("ideation actions should start uncompleted: %+v", res.View.Summary)
	}

	history, err := env.Engine.ListPhaseHistory(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].FromPhase != "onboarding" || history[0].ToPhase != "ideation" || history[0].Kind != domain.TransitionAuto {
		t.Fatalf("unexpected history %+v", history)
	}
	if kinds := env.Notifier.kinds(); len(kinds) != 1 || kinds[0] != notify.KindPhaseAdvanced {
		t.Fatalf("expected one phase_advanced notification, got %v", kinds)
	}
}

func TestTryAdvanceIsNoOpWhileMandatoryIncomplete(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "welcome.call", "admin-1"); err != nil {
		t.Fatalf("optional action: %v", err)
	}
	st, advanced, err := env.Engine.TryAdvance(env.Ctx, "proj-1", "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if advanced || st.PhaseKey != "onboarding" {
		t.Fatalf("optional action must not advance: %+v", st)
	}
	history, _ := env.Engine.ListPhaseHistory(env.Ctx, "proj-1")
	if len(history) != 0 {
		t.Fatalf("no history expected, got %d", len(history))
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	view, err := env.Engine.InitializePhaseTracking(env.Ctx, "proj-1", "admin-1")
	if !errors.Is(err, domain.ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if view.State.PhaseKey != "onboarding" {
		t.Fatalf("existing state should be returned, got %+v", view.State)
	}
	states, completions, err := env.Engine.Repo.CountPhaseStateRows(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if states != 1 || completions != 3 {
		t.Fatalf("expected 1 state and 3 completion rows, got %d/%d", states, completions)
	}

	if _, err := env.Engine.InitializePhaseTracking(env.Ctx, "missing", "admin-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown project, got %v", err)
	}
}

func TestSummaryRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	before, err := env.Engine.CompletionSummary(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "contract.signed", "client-1"); err != nil {
		t.Fatal(err)
	}
	after, err := env.Engine.CompletionSummary(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if after.MandatoryCompleted != before.MandatoryCompleted+1 || after.Completed != before.Completed+1 {
		t.Fatalf("summary did not reflect completion: before %+v after %+v", before, after)
	}
	if after.Total != 3 || after.MandatoryTotal != 2 {
		t.Fatalf("unexpected totals %+v", after)
	}
}

func TestUnknownAndRepeatedActions(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "files.delivered", "client-1"); !errors.Is(err, domain.ErrUnknownAction) {
		t.Fatalf("expected unknown action, got %v", err)
	}
	if _, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "contract.signed", "client-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "contract.signed", "client-1"); !errors.Is(err, domain.ErrActionAlreadyCompleted) {
		t.Fatalf("expected already completed, got %v", err)
	}
	if _, err := env.Engine.CompleteRequiredAction(env.Ctx, "nope", "contract.signed", "client-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentCompletionAdvancesOnce(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "contract.signed", "client-1"); err != nil {
		t.Fatal(err)
	}
	const callers = 4
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		advanced int
		errs     []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "brief.submitted", "client-1")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Advanced {
				advanced++
			}
		}()
	}
	close(start)
	wg.Wait()
	if advanced != 1 {
		t.Fatalf("expected exactly one advancement, got %d", advanced)
	}
	if len(errs) != callers-1 {
		t.Fatalf("expected %d losers, got %d", callers-1, len(errs))
	}
	for _, err := range errs {
		if !errors.Is(err, domain.ErrActionAlreadyCompleted) {
			t.Fatalf("loser should see already completed, got %v", err)
		}
	}
	history, _ := env.Engine.ListPhaseHistory(env.Ctx, "proj-1")
	if len(history) != 1 {
		t.Fatalf("expected one history entry, got %d", len(history))
	}
}

func TestManualAdvanceRequiresAdjacencyUnlessOverride(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AdvancePhaseManually(env.Ctx, engine.ManualAdvance{ProjectID: "proj-1", TargetPhase: "payment", ActorID: "admin-1"})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	_, err = env.Engine.AdvancePhaseManually(env.Ctx, engine.ManualAdvance{ProjectID: "proj-1", TargetPhase: "onboarding", ActorID: "admin-1"})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("same phase should be invalid, got %v", err)
	}
	_, err = env.Engine.AdvancePhaseManually(env.Ctx, engine.ManualAdvance{ProjectID: "proj-1", TargetPhase: "nowhere", ActorID: "admin-1", Override: true})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("unknown phase should be invalid, got %v", err)
	}

	st, err := env.Engine.AdvancePhaseManually(env.Ctx, engine.ManualAdvance{ProjectID: "proj-1", TargetPhase: "ideation", ActorID: "admin-1"})
	if err != nil || st.PhaseKey != "ideation" {
		t.Fatalf("adjacent manual advance: %v %+v", err, st)
	}

	st, err = env.Engine.AdvancePhaseManually(env.Ctx, engine.ManualAdvance{
		ProjectID: "proj-1", TargetPhase: "payment", ActorID: "admin-1", Override: true, Reason: "client prepaid",
	})
	if err != nil || st.PhaseKey != "payment" || st.PhaseIndex != 6 {
		t.Fatalf("override jump: %v %+v", err, st)
	}
	st, err = env.Engine.AdvancePhaseManually(env.Ctx, engine.ManualAdvance{
		ProjectID: "proj-1", TargetPhase: "design", ActorID: "admin-1", Override: true, Reason: "rework",
	})
	if err != nil || st.PhaseKey != "design" {
		t.Fatalf("override rewind: %v %+v", err, st)
	}

	history, err := env.Engine.ListPhaseHistory(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	wantKinds := []string{domain.TransitionManual, domain.TransitionOverride, domain.TransitionOverride}
	if len(history) != len(wantKinds) {
		t.Fatalf("expected %d entries, got %+v", len(wantKinds), history)
	}
	for i, k := range wantKinds {
		if history[i].Kind != k {
			t.Fatalf("entry %d kind %s, want %s", i, history[i].Kind, k)
		}
	}
	if history[2].Reason != "rework" {
		t.Fatalf("override reason not recorded: %+v", history[2])
	}
	overrides, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "proj-1", "phase.override")
	if err != nil || len(overrides) != 2 {
		t.Fatalf("expected two override events, got %d (%v)", len(overrides), err)
	}
}

func TestLastPhaseCompletesAndStaysTerminal(t *testing.T) {
	env := newTestEnv(t)
	path := []string{"ideation", "design", "review", "production", "payment", "signoff", "delivery"}
	for _, phase := range path {
		if _, err := env.Engine.AdvancePhaseManually(env.Ctx, engine.ManualAdvance{ProjectID: "proj-1", TargetPhase: phase, ActorID: "admin-1"}); err != nil {
			t.Fatalf("advance to %s: %v", phase, err)
		}
	}
	res, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "files.delivered", "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	st := res.View.State
	if !res.Advanced || st.Status != domain.StatusCompleted || st.PhaseKey != "delivery" || st.CompletedAt == nil {
		t.Fatalf("expected completed delivery, got %+v", st)
	}
	again, advanced, err := env.Engine.TryAdvance(env.Ctx, "proj-1", "admin-1")
	if err != nil || advanced || again.Status != domain.StatusCompleted {
		t.Fatalf("terminal state must be a no-op: %v %v %+v", err, advanced, again)
	}
	if _, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "files.delivered", "admin-1"); !errors.Is(err, domain.ErrPhaseCompleted) {
		t.Fatalf("expected phase completed, got %v", err)
	}
	history, _ := env.Engine.ListPhaseHistory(env.Ctx, "proj-1")
	last := history[len(history)-1]
	if last.FromPhase != "delivery" || last.ToPhase != domain.DonePhase {
		t.Fatalf("unexpected final transition %+v", last)
	}
	kinds := env.Notifier.kinds()
	if kinds[len(kinds)-1] != notify.KindProjectCompleted {
		t.Fatalf("expected project_completed notification, got %v", kinds)
	}
}

func TestPhaseIndexNeverDecreasesWithoutOverride(t *testing.T) {
	env := newTestEnv(t)
	last := 1
	steps := []func() error{
		func() error {
			_, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "contract.signed", "c")
			return err
		},
		func() error {
			_, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "brief.submitted", "c")
			return err
		},
		func() error {
			_, err := env.Engine.AdvancePhaseManually(env.Ctx, engine.ManualAdvance{ProjectID: "proj-1", TargetPhase: "onboarding", ActorID: "a"})
			return err
		},
		func() error {
			_, _, err := env.Engine.TryAdvance(env.Ctx, "proj-1", "a")
			return err
		},
	}
	for i, step := range steps {
		_ = step()
		view, err := env.Engine.GetPhaseState(env.Ctx, "proj-1")
		if err != nil {
			t.Fatal(err)
		}
		if view.State.PhaseIndex < last {
			t.Fatalf("step %d: phase index went from %d to %d", i, last, view.State.PhaseIndex)
		}
		last = view.State.PhaseIndex
	}
}

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	env := newTestEnv(t)
	env.Notifier.err = errors.New("smtp down")
	if _, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "contract.signed", "c"); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "brief.submitted", "c")
	if err != nil {
		t.Fatalf("dispatch failure must not surface: %v", err)
	}
	if !res.Advanced || res.View.State.PhaseKey != "ideation" {
		t.Fatalf("transition should stand, got %+v", res.View.State)
	}
}

func TestAdvanceByRuleIsGuardedOnSourcePhase(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.AdvanceByRule(env.Ctx, "proj-1", "onboarding", "design", "r1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("non adjacent rule advance should fail, got %v", err)
	}
	st, advanced, err := env.Engine.AdvanceByRule(env.Ctx, "proj-1", "onboarding", "ideation", "r1")
	if err != nil || !advanced || st.PhaseKey != "ideation" {
		t.Fatalf("rule advance: %v %v %+v", err, advanced, st)
	}
	st, advanced, err = env.Engine.AdvanceByRule(env.Ctx, "proj-1", "onboarding", "ideation", "r1")
	if err != nil || advanced || st.PhaseKey != "ideation" {
		t.Fatalf("second rule advance must be a no-op: %v %v %+v", err, advanced, st)
	}
	history, _ := env.Engine.ListPhaseHistory(env.Ctx, "proj-1")
	if len(history) != 1 || history[0].Kind != domain.TransitionRule || history[0].ActorID != "rule:r1" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestSetPhaseStatus(t *testing.T) {
	env := newTestEnv(t)
	note := "waiting on brand assets"
	st, err := env.Engine.SetPhaseStatus(env.Ctx, "proj-1", domain.StatusWaitingClient, &note, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != domain.StatusWaitingClient || st.Notes != note {
		t.Fatalf("unexpected state %+v", st)
	}
	if _, err := env.Engine.SetPhaseStatus(env.Ctx, "proj-1", domain.StatusCompleted, nil, "admin-1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("completed must not be settable, got %v", err)
	}
	view, err := env.Engine.GetPhaseState(env.Ctx, "proj-1")
	if err != nil || view.State.Status != domain.StatusWaitingClient || view.State.Notes != note {
		t.Fatalf("status not persisted: %v %+v", err, view.State)
	}
}

func TestInvoices(t *testing.T) {
	env := newTestEnv(t)
	inv, err := env.Engine.CreateInvoice(env.Ctx, engine.InvoiceCreateOptions{ProjectID: "proj-1", Number: "INV-1", AmountCents: 120000, DueDate: "2024-01-15", ActorID: "admin-1"})
	if err != nil {
		t.Fatal(err)
	}
	if inv.Status != "sent" || inv.PaidAt != nil {
		t.Fatalf("unexpected invoice %+v", inv)
	}
	if _, err := env.Engine.CreateInvoice(env.Ctx, engine.InvoiceCreateOptions{ProjectID: "proj-1", Number: "INV-2", DueDate: "15/01/2024"}); err == nil {
		t.Fatalf("expected due date validation error")
	}
	paid, err := env.Engine.MarkInvoicePaid(env.Ctx, inv.ID, "stripe")
	if err != nil || paid.Status != "paid" || paid.PaidAt == nil {
		t.Fatalf("mark paid: %v %+v", err, paid)
	}
	if _, err := env.Engine.MarkInvoicePaid(env.Ctx, "missing", "stripe"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestArchiveProject(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.ArchiveProject(env.Ctx, "proj-1", "admin-1")
	if err != nil || p.Status != "archived" {
		t.Fatalf("archive: %v %+v", err, p)
	}
	facts, err := env.Engine.Repo.ListActiveProjectFacts(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 0 {
		t.Fatalf("archived project must not be swept, got %d", len(facts))
	}
	if _, err := env.Engine.GetPhaseState(env.Ctx, "proj-1"); err != nil {
		t.Fatalf("phase state must survive archiving: %v", err)
	}
}

func TestAdminOwnedRemainderNeedsApproval(t *testing.T) {
	env := newTestEnv(t)
	for _, key := range []string{"contract.signed", "brief.submitted"} {
		if _, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", key, "client-1"); err != nil {
			t.Fatalf("complete %s: %v", key, err)
		}
	}

	// ideation: the client picks a direction, the admin still owes the concepts
	res, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "direction.chosen", "client-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Advanced || res.View.State.Status != domain.StatusNeedsApproval {
		t.Fatalf("expected needs_approval in ideation, got %s advanced=%v", res.View.State.Status, res.Advanced)
	}
	res, err = env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "concepts.presented", "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Advanced || res.View.State.PhaseKey != "design" || res.View.State.Status != domain.StatusInProgress {
		t.Fatalf("expected design in_progress, got %+v", res.View.State)
	}

	if _, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "design.delivered", "admin-1"); err != nil {
		t.Fatal(err)
	}
	res, err = env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "feedback.submitted", "client-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.View.State.PhaseKey != "review" || res.View.State.Status != domain.StatusNeedsApproval {
		t.Fatalf("expected review needs_approval, got %+v", res.View.State)
	}
}

func TestClientOwnedRemainderKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AdvancePhaseManually(env.Ctx, engine.ManualAdvance{ProjectID: "proj-1", TargetPhase: "review", ActorID: "admin-1", Override: true}); err != nil {
		t.Fatal(err)
	}
	// the admin finished first; the client still owes feedback
	res, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", "revisions.applied", "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.View.State.Status != domain.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", res.View.State.Status)
	}

	// a status an admin set by hand is not overwritten
	env2 := newTestEnv(t)
	if _, err := env2.Engine.AdvancePhaseManually(env2.Ctx, engine.ManualAdvance{ProjectID: "proj-1", TargetPhase: "ideation", ActorID: "admin-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env2.Engine.SetPhaseStatus(env2.Ctx, "proj-1", domain.StatusApproved, nil, "admin-1"); err != nil {
		t.Fatal(err)
	}
	res, err = env2.Engine.CompleteRequiredAction(env2.Ctx, "proj-1", "direction.chosen", "client-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.View.State.Status != domain.StatusApproved {
		t.Fatalf("approved should stick, got %s", res.View.State.Status)
	}
}

func TestTransitionTimestampClosesOutgoingPhase(t *testing.T) {
	env := newTestEnv(t)
	at := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	env.Engine.Now = func() time.Time { return at }
	for _, key := range []string{"contract.signed", "brief.submitted"} {
		if _, err := env.Engine.CompleteRequiredAction(env.Ctx, "proj-1", key, "client-1"); err != nil {
			t.Fatal(err)
		}
	}
	history, err := env.Engine.ListPhaseHistory(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	want := at.Format(time.RFC3339)
	if len(history) != 1 || history[0].FromPhase != "onboarding" || history[0].TS != want {
		t.Fatalf("expected onboarding closed at %s, got %+v", want, history)
	}
	view, err := env.Engine.GetPhaseState(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if view.State.StartedAt != want || view.State.CompletedAt != nil {
		t.Fatalf("ideation should start when onboarding closed: %+v", view.State)
	}
}
