package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"phaseline/internal/catalog"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/notify"
	"phaseline/internal/repo"
	"phaseline/internal/telemetry"
)

// Engine owns every mutation of phase tracking. Each operation runs in one immediate
// transaction and appends its audit event in that same transaction.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Catalog  *catalog.Catalog
	Notifier notify.Dispatcher
	Logger   *slog.Logger
	Metrics  telemetry.Counters
	Now      func() time.Time
}

func New(conn *sql.DB, cat *catalog.Catalog) Engine {
	return Engine{
		DB:      conn,
		Repo:    repo.Repo{DB: conn},
		Events:  events.Writer{},
		Catalog: cat,
		Logger:  slog.Default(),
		Metrics: telemetry.NewCounters(),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) audit(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload)
}

func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return db.Classify(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return db.Classify(err)
	}
	return db.Classify(tx.Commit())
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID       string
	Name     string
	ClientID string
	ActorID  string
}

// CreateProject inserts the project and initializes its phase tracking atomically.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, fmt.Errorf("name is required: %w", domain.ErrInvalidInput)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	p := domain.Project{
		ID:        id,
		Name:      opts.Name,
		ClientID:  opts.ClientID,
		Status:    "active",
		CreatedAt: e.timestamp(),
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
			if db.IsUniqueViolation(err) {
				return fmt.Errorf("project %s already exists: %w", p.ID, domain.ErrConflict)
			}
			return fmt.Errorf("insert project: %w", err)
		}
		if err := e.audit(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{"name": p.Name, "client_id": p.ClientID}); err != nil {
			return err
		}
		_, err := e.initTrackingTx(ctx, tx, p.ID, opts.ActorID)
		return err
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ArchiveProject soft-archives the project; its phase state is kept but no longer swept.
func (e Engine) ArchiveProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	var p domain.Project
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if p, err = e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
			return err
		}
		if p.Status == "archived" {
			return nil
		}
		if err := e.Repo.UpdateProjectStatusTx(ctx, tx, projectID, "archived"); err != nil {
			return err
		}
		p.Status = "archived"
		return e.audit(ctx, tx, events.ProjectArchived, projectID, "project", projectID, actorID, nil)
	})
	return p, err
}

// InitializePhaseTracking places the project at the first phase with status pending. When the
// project is already tracked it returns the existing view together with ErrAlreadyInitialized.
func (e Engine) InitializePhaseTracking(ctx context.Context, projectID, actorID string) (domain.PhaseView, error) {
	already := false
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
			return err
		}
		if _, err := e.Repo.GetPhaseStateTx(ctx, tx, projectID); err == nil {
			already = true
			return nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		_, err := e.initTrackingTx(ctx, tx, projectID, actorID)
		if db.IsUniqueViolation(err) {
			already = true
			return nil
		}
		return err
	})
	if err != nil {
		return domain.PhaseView{}, err
	}
	view, err := e.GetPhaseState(ctx, projectID)
	if err != nil {
		return domain.PhaseView{}, err
	}
	if already {
		return view, domain.ErrAlreadyInitialized
	}
	return view, nil
}

func (e Engine) initTrackingTx(ctx context.Context, tx *sql.Tx, projectID, actorID string) (domain.PhaseState, error) {
	first := e.Catalog.First()
	now := e.timestamp()
	st := domain.PhaseState{
		ProjectID:  projectID,
		PhaseKey:   first.Key,
		PhaseIndex: first.Position,
		Status:     domain.StatusPending,
		StartedAt:  now,
		UpdatedAt:  now,
		Entry:      1,
	}
	if err := e.Repo.InsertPhaseStateTx(ctx, tx, st); err != nil {
		return st, err
	}
	if err := e.Repo.ResetCompletionsTx(ctx, tx, projectID, first.Key, actionKeys(first)); err != nil {
		return st, err
	}
	return st, e.audit(ctx, tx, events.PhaseInitialized, projectID, "phase", first.Key, actorID, events.EventPayload{"phase": first.Key})
}

// GetPhaseState returns the current phase state with per-action completion and the summary.
func (e Engine) GetPhaseState(ctx context.Context, projectID string) (domain.PhaseView, error) {
	st, err := e.Repo.GetPhaseState(ctx, projectID)
	if err != nil {
		return domain.PhaseView{}, db.Classify(err)
	}
	phase, err := e.Catalog.Phase(st.PhaseKey)
	if err != nil {
		return domain.PhaseView{}, fmt.Errorf("project %s tracks phase outside the catalog: %w", projectID, err)
	}
	completions, err := e.Repo.ListCompletions(ctx, projectID, st.PhaseKey)
	if err != nil {
		return domain.PhaseView{}, db.Classify(err)
	}
	return buildView(st, phase, completions), nil
}

// CompletionSummary is the read-only action aggregate for the current phase.
func (e Engine) CompletionSummary(ctx context.Context, projectID string) (domain.CompletionSummary, error) {
	view, err := e.GetPhaseState(ctx, projectID)
	if err != nil {
		return domain.CompletionSummary{}, err
	}
	return view.Summary, nil
}

func buildView(st domain.PhaseState, phase domain.Phase, completions []domain.ActionCompletion) domain.PhaseView {
	byKey := make(map[string]domain.ActionCompletion, len(completions))
	for _, c := range completions {
		byKey[c.ActionKey] = c
	}
	view := domain.PhaseView{State: st, Phase: phase, Actions: make([]domain.ActionStatus, 0, len(phase.RequiredActions))}
	for _, a := range phase.RequiredActions {
		c := byKey[a.Key]
		view.Actions = append(view.Actions, domain.ActionStatus{
			RequiredAction: a,
			Completed:      c.Completed,
			CompletedBy:    c.CompletedBy,
			CompletedAt:    c.CompletedAt,
		})
		view.Summary.Total++
		if a.Mandatory {
			view.Summary.MandatoryTotal++
		}
		if c.Completed {
			view.Summary.Completed++
			if a.Mandatory {
				view.Summary.MandatoryCompleted++
			}
		}
	}
	return view
}

func mandatorySatisfied(phase domain.Phase, completions []domain.ActionCompletion) bool {
	done := make(map[string]bool, len(completions))
	for _, c := range completions {
		if c.Completed {
			done[c.ActionKey] = true
		}
	}
	for _, a := range phase.RequiredActions {
		if a.Mandatory && !done[a.Key] {
			return false
		}
	}
	return true
}

// awaitingAdmin reports whether mandatory actions remain and every one of them is admin-owned.
func awaitingAdmin(phase domain.Phase, completions []domain.ActionCompletion) bool {
	done := make(map[string]bool, len(completions))
	for _, c := range completions {
		if c.Completed {
			done[c.ActionKey] = true
		}
	}
	outstanding := 0
	for _, a := range phase.RequiredActions {
		if !a.Mandatory || done[a.Key] {
			continue
		}
		if a.Owner != domain.OwnerAdmin {
			return false
		}
		outstanding++
	}
	return outstanding > 0
}

// flagAdminTurnTx moves an in-flight phase to needs_approval once only admin-owned mandatory
// actions remain. Statuses an admin set by hand (approved, needs_approval) are left alone.
func (e Engine) flagAdminTurnTx(ctx context.Context, tx *sql.Tx, projectID string, phase domain.Phase, actorID string) error {
	st, err := e.Repo.GetPhaseStateTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if st.PhaseKey != phase.Key {
		return nil
	}
	switch st.Status {
	case domain.StatusPending, domain.StatusInProgress, domain.StatusWaitingClient:
	default:
		return nil
	}
	completions, err := e.Repo.ListCompletionsTx(ctx, tx, projectID, phase.Key)
	if err != nil {
		return err
	}
	if !awaitingAdmin(phase, completions) {
		return nil
	}
	updated, err := e.Repo.UpdatePhaseStatusTx(ctx, tx, projectID, phase.Key, domain.StatusNeedsApproval, nil, e.timestamp())
	if err != nil || !updated {
		return err
	}
	payload := events.EventPayload{"phase": phase.Key, "from": st.Status, "to": domain.StatusNeedsApproval}
	return e.audit(ctx, tx, events.PhaseStatusChanged, projectID, "phase", phase.Key, actorID, payload)
}

func actionKeys(p domain.Phase) []string {
	keys := make([]string, 0, len(p.RequiredActions))
	for _, a := range p.RequiredActions {
		keys = append(keys, a.Key)
	}
	return keys
}

// CompletionResult is returned by CompleteRequiredAction.
type CompletionResult struct {
	View     domain.PhaseView
	Advanced bool
	From     string
	To       string
}

// CompleteRequiredAction marks an action of the current phase done and, in the same
// transaction, advances the phase when every mandatory action is now complete.
func (e Engine) CompleteRequiredAction(ctx context.Context, projectID, actionKey, actorID string) (CompletionResult, error) {
	var res advanceResult
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		st, err := e.Repo.GetPhaseStateTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if st.Terminal() {
			return domain.ErrPhaseCompleted
		}
		phase, err := e.Catalog.Phase(st.PhaseKey)
		if err != nil {
			return err
		}
		if _, ok := phase.Action(actionKey); !ok {
			done, err := e.Repo.ActionCompletedTx(ctx, tx, projectID, actionKey)
			if err != nil {
				return err
			}
			if done {
				return fmt.Errorf("%s: %w", actionKey, domain.ErrActionAlreadyCompleted)
			}
			return fmt.Errorf("%s is not an action of phase %s: %w", actionKey, st.PhaseKey, domain.ErrUnknownAction)
		}
		now := e.timestamp()
		marked, err := e.Repo.MarkCompletionTx(ctx, tx, projectID, st.PhaseKey, actionKey, actorID, now)
		if err != nil {
			return err
		}
		if !marked {
			return fmt.Errorf("%s: %w", actionKey, domain.ErrActionAlreadyCompleted)
		}
		if err := e.audit(ctx, tx, events.ActionCompleted, projectID, "action", actionKey, actorID, events.EventPayload{"phase": st.PhaseKey}); err != nil {
			return err
		}
		if st.Status == domain.StatusPending {
			if _, err := e.Repo.UpdatePhaseStatusTx(ctx, tx, projectID, st.PhaseKey, domain.StatusInProgress, nil, now); err != nil {
				return err
			}
		}
		res, err = e.tryAdvanceTx(ctx, tx, projectID, actorID, domain.TransitionAuto, "")
		if err != nil || res.Advanced {
			return err
		}
		return e.flagAdminTurnTx(ctx, tx, projectID, phase, actorID)
	})
	if err != nil {
		return CompletionResult{}, err
	}
	e.afterAdvance(ctx, res)
	view, err := e.GetPhaseState(ctx, projectID)
	if err != nil {
		return CompletionResult{}, err
	}
	return CompletionResult{View: view, Advanced: res.Advanced, From: res.From, To: res.To}, nil
}

// TryAdvance moves the project to the next phase when every mandatory action of the current
// phase is complete. It is a no-op, not an error, while actions are outstanding or once the
// project has completed its last phase.
func (e Engine) TryAdvance(ctx context.Context, projectID, actorID string) (domain.PhaseState, bool, error) {
	var res advanceResult
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = e.tryAdvanceTx(ctx, tx, projectID, actorID, domain.TransitionAuto, "")
		return err
	})
	if err != nil {
		return domain.PhaseState{}, false, err
	}
	e.afterAdvance(ctx, res)
	return res.State, res.Advanced, nil
}

type advanceResult struct {
	State     domain.PhaseState
	Advanced  bool
	Completed bool
	From      string
	To        string
	Kind      string
	ActorID   string
}

func (e Engine) tryAdvanceTx(ctx context.Context, tx *sql.Tx, projectID, actorID, kind, reason string) (advanceResult, error) {
	st, err := e.Repo.GetPhaseStateTx(ctx, tx, projectID)
	if err != nil {
		return advanceResult{}, err
	}
	if st.Terminal() {
		return advanceResult{State: st}, nil
	}
	phase, err := e.Catalog.Phase(st.PhaseKey)
	if err != nil {
		return advanceResult{}, err
	}
	completions, err := e.Repo.ListCompletionsTx(ctx, tx, projectID, st.PhaseKey)
	if err != nil {
		return advanceResult{}, err
	}
	if !mandatorySatisfied(phase, completions) {
		return advanceResult{State: st}, nil
	}
	return e.moveForwardTx(ctx, tx, st, kind, actorID, reason)
}

// moveForwardTx advances st by one phase (or completes the project at the last phase) through
// the check-and-set guard. Losing the guard reloads and reports no advance.
func (e Engine) moveForwardTx(ctx context.Context, tx *sql.Tx, st domain.PhaseState, kind, actorID, reason string) (advanceResult, error) {
	now := e.timestamp()
	next, hasNext := e.Catalog.Next(st.PhaseKey)
	var nst domain.PhaseState
	to := domain.DonePhase
	if hasNext {
		to = next.Key
		nst = domain.PhaseState{
			ProjectID:  st.ProjectID,
			PhaseKey:   next.Key,
			PhaseIndex: next.Position,
			Status:     domain.StatusInProgress,
			StartedAt:  now,
			Metadata:   st.Metadata,
			UpdatedAt:  now,
			Entry:      st.Entry + 1,
		}
	} else {
		nst = st
		nst.Status = domain.StatusCompleted
		nst.CompletedAt = &now
		nst.UpdatedAt = now
	}
	ok, err := e.Repo.AdvancePhaseStateTx(ctx, tx, st.PhaseKey, nst)
	if err != nil {
		return advanceResult{}, err
	}
	if !ok {
		current, err := e.Repo.GetPhaseStateTx(ctx, tx, st.ProjectID)
		if err != nil {
			return advanceResult{}, err
		}
		return advanceResult{State: current}, nil
	}
	if hasNext {
		if err := e.Repo.ResetCompletionsTx(ctx, tx, st.ProjectID, next.Key, actionKeys(next)); err != nil {
			return advanceResult{}, err
		}
	}
	if _, err := e.Repo.InsertTransitionTx(ctx, tx, domain.PhaseTransition{
		ProjectID: st.ProjectID,
		FromPhase: st.PhaseKey,
		ToPhase:   to,
		Kind:      kind,
		ActorID:   actorID,
		Reason:    reason,
		TS:        now,
	}); err != nil {
		return advanceResult{}, err
	}
	evtType := events.PhaseAdvanced
	if !hasNext {
		evtType = events.ProjectCompleted
	}
	if err := e.audit(ctx, tx, evtType, st.ProjectID, "phase", to, actorID, events.EventPayload{"from": st.PhaseKey, "to": to, "kind": kind}); err != nil {
		return advanceResult{}, err
	}
	return advanceResult{State: nst, Advanced: true, Completed: !hasNext, From: st.PhaseKey, To: to, Kind: kind, ActorID: actorID}, nil
}

// afterAdvance runs post-commit side effects. Notification failures are logged only.
func (e Engine) afterAdvance(ctx context.Context, res advanceResult) {
	if !res.Advanced {
		return
	}
	if e.Metrics.PhaseAdvances != nil {
		e.Metrics.PhaseAdvances.Add(ctx, 1)
	}
	e.logger().InfoContext(ctx, "phase advanced", "project_id", res.State.ProjectID, "from", res.From, "to", res.To, "kind", res.Kind)
	kind := notify.KindPhaseAdvanced
	if res.Completed {
		kind = notify.KindProjectCompleted
	}
	notify.Send(ctx, e.Notifier, e.logger(), notify.Notification{
		ProjectID:     res.State.ProjectID,
		RecipientRole: notify.RoleClient,
		Kind:          kind,
		Data: map[string]any{
			"from":     res.From,
			"to":       res.To,
			"kind":     res.Kind,
			"actor_id": res.ActorID,
		},
	})
}

// ManualAdvance is an administrative phase move.
type ManualAdvance struct {
	ProjectID   string
	TargetPhase string
	ActorID     string
	// Override allows jumping or rewinding to any catalog phase; it is logged as such.
	Override bool
	Reason   string
}

// AdvancePhaseManually moves the project to the adjacent next phase regardless of action
// gating. Any other target is ErrInvalidTransition unless Override is set.
func (e Engine) AdvancePhaseManually(ctx context.Context, opts ManualAdvance) (domain.PhaseState, error) {
	target, err := e.Catalog.Phase(opts.TargetPhase)
	if err != nil {
		return domain.PhaseState{}, fmt.Errorf("unknown target phase %q: %w", opts.TargetPhase, domain.ErrInvalidTransition)
	}
	var res advanceResult
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		st, err := e.Repo.GetPhaseStateTx(ctx, tx, opts.ProjectID)
		if err != nil {
			return err
		}
		if opts.Override {
			res, err = e.overrideTx(ctx, tx, st, target, opts)
			return err
		}
		if st.Terminal() || !e.Catalog.IsAdjacent(st.PhaseKey, target.Key) {
			return fmt.Errorf("%s -> %s: %w", st.PhaseKey, target.Key, domain.ErrInvalidTransition)
		}
		res, err = e.moveForwardTx(ctx, tx, st, domain.TransitionManual, opts.ActorID, opts.Reason)
		return err
	})
	if err != nil {
		return domain.PhaseState{}, err
	}
	e.afterAdvance(ctx, res)
	return res.State, nil
}

func (e Engine) overrideTx(ctx context.Context, tx *sql.Tx, st domain.PhaseState, target domain.Phase, opts ManualAdvance) (advanceResult, error) {
	if target.Key == st.PhaseKey && !st.Terminal() {
		return advanceResult{}, fmt.Errorf("project already in %s: %w", target.Key, domain.ErrInvalidTransition)
	}
	from := st.PhaseKey
	if st.Terminal() {
		from = domain.DonePhase
	}
	now := e.timestamp()
	nst := domain.PhaseState{
		ProjectID:  st.ProjectID,
		PhaseKey:   target.Key,
		PhaseIndex: target.Position,
		Status:     domain.StatusInProgress,
		StartedAt:  now,
		Metadata:   st.Metadata,
		UpdatedAt:  now,
		Entry:      st.Entry + 1,
	}
	ok, err := e.Repo.OverwritePhaseStateTx(ctx, tx, st.PhaseKey, nst)
	if err != nil {
		return advanceResult{}, err
	}
	if !ok {
		return advanceResult{}, fmt.Errorf("phase of project %s changed concurrently: %w", st.ProjectID, domain.ErrInvalidTransition)
	}
	if err := e.Repo.ResetCompletionsTx(ctx, tx, st.ProjectID, target.Key, actionKeys(target)); err != nil {
		return advanceResult{}, err
	}
	if _, err := e.Repo.InsertTransitionTx(ctx, tx, domain.PhaseTransition{
		ProjectID: st.ProjectID,
		FromPhase: from,
		ToPhase:   target.Key,
		Kind:      domain.TransitionOverride,
		ActorID:   opts.ActorID,
		Reason:    opts.Reason,
		TS:        now,
	}); err != nil {
		return advanceResult{}, err
	}
	payload := events.EventPayload{"from": from, "to": target.Key, "reason": opts.Reason, "rewind": target.Position < st.PhaseIndex || st.Terminal()}
	if err := e.audit(ctx, tx, events.PhaseOverride, st.ProjectID, "phase", target.Key, opts.ActorID, payload); err != nil {
		return advanceResult{}, err
	}
	return advanceResult{State: nst, Advanced: true, From: from, To: target.Key, Kind: domain.TransitionOverride, ActorID: opts.ActorID}, nil
}

// AdvanceByRule performs a rule-authorized move from fromPhase to the adjacent toPhase,
// bypassing action gating. It is a no-op when the project already left fromPhase.
func (e Engine) AdvanceByRule(ctx context.Context, projectID, fromPhase, toPhase, ruleID string) (domain.PhaseState, bool, error) {
	if !e.Catalog.IsAdjacent(fromPhase, toPhase) {
		return domain.PhaseState{}, false, fmt.Errorf("%s -> %s: %w", fromPhase, toPhase, domain.ErrInvalidTransition)
	}
	var res advanceResult
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		st, err := e.Repo.GetPhaseStateTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if st.Terminal() || st.PhaseKey != fromPhase {
			res = advanceResult{State: st}
			return nil
		}
		res, err = e.moveForwardTx(ctx, tx, st, domain.TransitionRule, RuleActor(ruleID), "rule "+ruleID)
		return err
	})
	if err != nil {
		return domain.PhaseState{}, false, err
	}
	e.afterAdvance(ctx, res)
	return res.State, res.Advanced, nil
}

// RuleActor is the actor id recorded for changes made by an automation rule.
func RuleActor(ruleID string) string {
	return "rule:" + ruleID
}

// SetPhaseStatus changes the status of the current phase. completed is reachable only by
// advancing past the last phase.
func (e Engine) SetPhaseStatus(ctx context.Context, projectID, status string, notes *string, actorID string) (domain.PhaseState, error) {
	if !settable(status) {
		return domain.PhaseState{}, fmt.Errorf("status %q cannot be set directly: %w", status, domain.ErrInvalidTransition)
	}
	var st domain.PhaseState
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if st, err = e.Repo.GetPhaseStateTx(ctx, tx, projectID); err != nil {
			return err
		}
		if st.Terminal() {
			return domain.ErrPhaseCompleted
		}
		if st.Status == status && notes == nil {
			return nil
		}
		now := e.timestamp()
		if _, err := e.Repo.UpdatePhaseStatusTx(ctx, tx, projectID, st.PhaseKey, status, notes, now); err != nil {
			return err
		}
		payload := events.EventPayload{"phase": st.PhaseKey, "from": st.Status, "to": status}
		st.Status = status
		st.UpdatedAt = now
		if notes != nil {
			st.Notes = *notes
		}
		return e.audit(ctx, tx, events.PhaseStatusChanged, projectID, "phase", st.PhaseKey, actorID, payload)
	})
	if err != nil {
		return domain.PhaseState{}, err
	}
	return st, nil
}

func settable(status string) bool {
	for _, s := range domain.SettableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// ListPhaseHistory returns the append-only transition log, oldest first.
func (e Engine) ListPhaseHistory(ctx context.Context, projectID string) ([]domain.PhaseTransition, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, db.Classify(err)
	}
	history, err := e.Repo.ListTransitions(ctx, projectID)
	return history, db.Classify(err)
}
