// Package automation sweeps active projects against the active automation rules and fires
// each matching rule at most once per trigger occurrence.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"phaseline/internal/catalog"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/notify"
	"phaseline/internal/repo"
	"phaseline/internal/rules"
	"phaseline/internal/telemetry"
)

const (
	DefaultInterval    = 5 * time.Minute
	DefaultPairTimeout = 30 * time.Second
	DefaultConcurrency = 4
	defaultLoadRetry   = 10 * time.Second
)

type Options struct {
	Repo        repo.Repo
	Engine      engine.Engine
	Dispatcher  notify.Dispatcher
	Catalog     *catalog.Catalog
	Logger      *slog.Logger
	Now         func() time.Time
	Interval    time.Duration
	PairTimeout time.Duration
	Concurrency int
	// LoadRetry bounds how long rule and project loading retries transient storage errors.
	LoadRetry time.Duration
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Rules        int           `json:"rules"`
	InvalidRules int           `json:"invalid_rules"`
	Projects     int           `json:"projects"`
	Matched      int           `json:"matched"`
	Claimed      int           `json:"claimed"`
	Skipped      int           `json:"skipped"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Duration     time.Duration `json:"duration_ns"`
}

func (r *SweepReport) add(o SweepReport) {
	r.Matched += o.Matched
	r.Claimed += o.Claimed
	r.Skipped += o.Skipped
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
}

// Runner is constructed once per process and started and stopped explicitly.
type Runner struct {
	opts     Options
	counters telemetry.Counters

	mu   sync.Mutex
	cron *cron.Cron
}

func New(opts Options) (*Runner, error) {
	if opts.Catalog == nil {
		return nil, errors.New("automation: catalog is required")
	}
	if opts.Repo.DB == nil {
		return nil, errors.New("automation: repo is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.PairTimeout <= 0 {
		opts.PairTimeout = DefaultPairTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.LoadRetry <= 0 {
		opts.LoadRetry = defaultLoadRetry
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = opts.Engine.Notifier
	}
	return &Runner{opts: opts, counters: telemetry.NewCounters()}, nil
}

// Start schedules RunOnce every Interval. A sweep still running when the next tick fires
// causes that tick to be skipped.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return errors.New("automation: runner already started")
	}
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))
	spec := fmt.Sprintf("@every %s", r.opts.Interval)
	if _, err := c.AddFunc(spec, func() {
		if _, err := r.RunOnce(ctx); err != nil {
			r.opts.Logger.Warn("automation sweep aborted; retrying next tick", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	c.Start()
	r.cron = c
	r.opts.Logger.Info("automation runner started", "interval", r.opts.Interval, "concurrency", r.opts.Concurrency)
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.opts.Logger.Info("automation runner stopped")
}

// RunOnce performs one full sweep. It fails only when the rule catalog or the project set
// cannot be loaded; individual (rule, project) failures are recorded and logged.
func (r *Runner) RunOnce(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "automation.sweep")
	defer span.End()

	var report SweepReport
	active, invalid, err := r.loadRules(ctx)
	if err != nil {
		telemetry.SetError(span, err)
		return report, fmt.Errorf("load rules: %w", err)
	}
	report.Rules = len(active)
	report.InvalidRules = invalid
	projects, err := r.loadProjects(ctx)
	if err != nil {
		telemetry.SetError(span, err)
		return report, fmt.Errorf("load projects: %w", err)
	}
	report.Projects = len(projects)

	if len(active) > 0 {
		var (
			g  errgroup.Group
			mu sync.Mutex
		)
		g.SetLimit(r.opts.Concurrency)
		for _, facts := range projects {
			g.Go(func() error {
				rep := r.sweepProject(ctx, active, facts)
				mu.Lock()
				report.add(rep)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	report.Duration = time.Since(start)
	r.counters.Sweeps.Add(ctx, 1)
	span.SetAttributes(
		attribute.Int("phaseline.sweep.matched", report.Matched),
		attribute.Int("phaseline.sweep.failed", report.Failed),
	)
	r.opts.Logger.Info("automation sweep finished",
		"rules", report.Rules,
		"projects", report.Projects,
		"matched", report.Matched,
		"claimed", report.Claimed,
		"skipped", report.Skipped,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	return report, nil
}

func (r *Runner) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = r.opts.LoadRetry
	return backoff.Retry(func() error {
		err := db.Classify(op())
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrTransientStorage) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

func (r *Runner) loadRules(ctx context.Context) ([]rules.Rule, int, error) {
	var records []domain.RuleRecord
	err := r.retry(ctx, func() error {
		var err error
		records, err = r.opts.Repo.ListRules(ctx, true)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	out := make([]rules.Rule, 0, len(records))
	invalid := 0
	for _, rec := range records {
		rule, err := rules.FromRecord(rec, r.opts.Catalog)
		if err != nil {
			invalid++
			r.opts.Logger.Error("skipping invalid automation rule", "rule_id", rec.ID, "error", err)
			continue
		}
		out = append(out, rule)
	}
	return out, invalid, nil
}

func (r *Runner) loadProjects(ctx context.Context) ([]domain.ProjectFacts, error) {
	var projects []domain.ProjectFacts
	err := r.retry(ctx, func() error {
		var err error
		projects, err = r.opts.Repo.ListActiveProjectFacts(ctx)
		return err
	})
	return projects, err
}

// sweepProject evaluates rules in priority order against one project. After a state-changing
// action the project's facts are reloaded so later rules see the new phase.
func (r *Runner) sweepProject(ctx context.Context, active []rules.Rule, facts domain.ProjectFacts) SweepReport {
	var rep SweepReport
	for _, rule := range active {
		if ctx.Err() != nil {
			return rep
		}
		for _, m := range rule.Match(facts, r.opts.Now()) {
			rep.Matched++
			res := r.runPair(ctx, rule, facts, m)
			switch res {
			case pairSkipped:
				rep.Skipped++
				continue
			case pairSucceeded:
				rep.Claimed++
				rep.Succeeded++
			case pairFailed:
				rep.Claimed++
				rep.Failed++
			case pairNotClaimed:
				rep.Failed++
				continue
			}
			if !rule.Action.ChangesState() {
				continue
			}
			fresh, err := r.opts.Repo.ProjectFacts(ctx, facts.Project.ID)
			if err != nil {
				r.opts.Logger.Error("reload project facts failed; skipping remaining rules",
					"project_id", facts.Project.ID, "rule_id", rule.ID, "error", err)
				return rep
			}
			facts = fresh
			break
		}
	}
	return rep
}

type pairResult int

const (
	pairSkipped pairResult = iota
	pairSucceeded
	pairFailed
	pairNotClaimed
)

// runPair claims the occurrence and performs the action under the pair timeout. A pair that
// was claimed is never retried, even when the action failed or timed out.
func (r *Runner) runPair(ctx context.Context, rule rules.Rule, facts domain.ProjectFacts, m rules.Match) pairResult {
	projectID := facts.Project.ID
	logger := r.opts.Logger.With("rule_id", rule.ID, "project_id", projectID, "occurrence", m.OccurrenceKey)
	pctx, cancel := context.WithTimeout(ctx, r.opts.PairTimeout)
	defer cancel()
	pctx, span := telemetry.StartSpan(pctx, "automation.pair",
		attribute.String(telemetry.RuleIDKey, rule.ID),
		attribute.String(telemetry.ProjectIDKey, projectID),
		attribute.String(telemetry.OccurrenceKey, m.OccurrenceKey),
	)
	defer span.End()

	claimed, err := r.opts.Repo.ClaimExecution(pctx, domain.RuleExecution{
		RuleID:        rule.ID,
		ProjectID:     projectID,
		OccurrenceKey: m.OccurrenceKey,
		CreatedAt:     r.timestamp(),
	})
	if err != nil {
		err = db.Classify(err)
		telemetry.SetError(span, err)
		logger.Error("claim rule execution failed", "error", err)
		r.count(ctx, "claim_failed")
		return pairNotClaimed
	}
	if !claimed {
		logger.Debug("occurrence already handled")
		r.count(ctx, "skipped")
		return pairSkipped
	}

	done := make(chan error, 1)
	go func() { done <- r.apply(pctx, rule, facts, m) }()
	select {
	case err = <-done:
	case <-pctx.Done():
		err = fmt.Errorf("action timed out after %s: %w", r.opts.PairTimeout, pctx.Err())
	}

	outcome, msg := domain.OutcomeSuccess, ""
	if err != nil {
		outcome, msg = domain.OutcomeFailed, err.Error()
		telemetry.SetError(span, err)
		logger.Error("rule action failed", "action", rule.Action.Type(), "error", err)
	} else {
		logger.Info("rule action executed", "action", rule.Action.Type())
	}
	if ferr := r.opts.Repo.FinishExecution(context.WithoutCancel(ctx), rule.ID, projectID, m.OccurrenceKey, outcome, msg, r.timestamp()); ferr != nil {
		logger.Error("record rule outcome failed", "outcome", outcome, "error", ferr)
	}
	r.count(ctx, outcome)
	if err != nil {
		return pairFailed
	}
	return pairSucceeded
}

func (r *Runner) apply(ctx context.Context, rule rules.Rule, facts domain.ProjectFacts, m rules.Match) error {
	projectID := facts.Project.ID
	actor := engine.RuleActor(rule.ID)
	switch a := rule.Action.(type) {
	case rules.AdvancePhase:
		if rule.TriggerPhase == nil {
			return &domain.RuleConfigError{RuleID: rule.ID, Field: "trigger_phase", Err: errors.New("advance_phase requires a trigger phase")}
		}
		_, _, err := r.opts.Engine.AdvanceByRule(ctx, projectID, *rule.TriggerPhase, a.ToPhase, rule.ID)
		return err
	case rules.SendNotification:
		if r.opts.Dispatcher == nil {
			return errors.New("no notification dispatcher configured")
		}
		data := map[string]any{"rule_id": rule.ID, "occurrence": m.OccurrenceKey}
		for k, v := range m.Data {
			data[k] = v
		}
		for k, v := range a.Data {
			data[k] = v
		}
		n := notify.Notification{ProjectID: projectID, RecipientRole: a.Recipient, Kind: a.Kind, Data: data}
		if err := r.opts.Dispatcher.Dispatch(ctx, n); err != nil {
			return &domain.NotificationDispatchError{ProjectID: projectID, Kind: a.Kind, Err: err}
		}
		return nil
	case rules.MarkComplete:
		_, err := r.opts.Engine.CompleteRequiredAction(ctx, projectID, a.ActionKey, actor)
		if errors.Is(err, domain.ErrActionAlreadyCompleted) {
			return nil
		}
		return err
	case rules.SetStatus:
		_, err := r.opts.Engine.SetPhaseStatus(ctx, projectID, a.Status, nil, actor)
		return err
	default:
		return &domain.RuleConfigError{RuleID: rule.ID, Field: "action", Err: fmt.Errorf("unsupported action %T", a)}
	}
}

func (r *Runner) timestamp() string {
	return r.opts.Now().UTC().Format(time.RFC3339)
}

func (r *Runner) count(ctx context.Context, outcome string) {
	r.counters.RuleExecutions.Add(ctx, 1, metric.WithAttributes(attribute.String(telemetry.OutcomeKey, outcome)))
}
