package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"phaseline/internal/automation"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/rules"
)

// Sweeper runs one automation sweep on demand.
type Sweeper interface {
	RunOnce(ctx context.Context) (automation.SweepReport, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Sweeper  Sweeper
	BasePath string
	Version  string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid phase transition"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"target_phase\":\"payment\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type bodyResponse[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *bodyResponse[T] {
	return &bodyResponse[T]{Body: v}
}

// New returns an HTTP handler exposing the Phaseline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Catalog == nil || cfg.Engine.DB == nil {
		return nil, errors.New("server: engine is not initialised")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "0.1.0"
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Phaseline API", version)
	describeAPI(&hcfg, basePath)
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPhases(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerPhaseTracking(group, cfg.Engine)
	registerInvoices(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerAutomation(group, cfg.Sweeper)
	registerEvents(group, cfg.Engine)
	registerMe(group)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	var rce *domain.RuleConfigError
	if errors.As(err, &rce) {
		return newAPIError(http.StatusBadRequest, "invalid_rule", msg, map[string]any{"rule_id": rce.RuleID, "field": rce.Field})
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrTransientStorage):
		return newAPIError(http.StatusServiceUnavailable, "storage_busy", "storage busy, retry later", map[string]any{"error": msg})
	case errors.Is(err, domain.ErrAlreadyInitialized):
		return newAPIError(http.StatusConflict, "already_initialized", msg, nil)
	case errors.Is(err, domain.ErrActionAlreadyCompleted):
		return newAPIError(http.StatusConflict, "action_already_completed", msg, nil)
	case errors.Is(err, domain.ErrPhaseCompleted):
		return newAPIError(http.StatusConflict, "phase_completed", msg, nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, domain.ErrUnknownAction):
		return newAPIError(http.StatusUnprocessableEntity, "unknown_action", msg, nil)
	case errors.Is(err, domain.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "invalid_input", msg, nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*bodyResponse[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/phases",
		Summary:     "Phase catalog in lifecycle order",
	}, func(ctx context.Context, _ *struct{}) (*bodyResponse[PhaseList], error) {
		return respond(PhaseList{Items: e.Catalog.Phases()}), nil
	})
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project and start phase tracking",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*bodyResponse[domain.Project], error) {
		actorID, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ProjectCreateOptions{
			Name:     strings.TrimSpace(input.Body.Name),
			ClientID: input.Body.ClientID,
			ActorID:  actorID,
		}
		if input.Body.ID != nil {
			opts.ID = strings.TrimSpace(*input.Body.ID)
		}
		p, err := e.CreateProject(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,archived"`
	}) (*bodyResponse[ProjectList], error) {
		items, err := e.Repo.ListProjects(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ProjectList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*bodyResponse[domain.Project], error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/archive",
		Summary:     "Archive project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*bodyResponse[domain.Project], error) {
		actorID, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ArchiveProject(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})
}

func registerPhaseTracking(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "init-phase-tracking",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phase/init",
		Summary:     "Initialize phase tracking",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *projectPath) (*bodyResponse[domain.PhaseView], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.InitializePhaseTracking(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(view), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-phase-state",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phase",
		Summary:     "Current phase, required actions and completion summary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*bodyResponse[domain.PhaseView], error) {
		view, err := e.GetPhaseState(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(view), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-action",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phase/actions/{action_key}/complete",
		Summary:     "Complete a required action",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ActionKey string `path:"action_key"`
	}) (*bodyResponse[CompleteActionResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CompleteRequiredAction(ctx, input.ProjectID, input.ActionKey, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(completeActionResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phase/advance",
		Summary:     "Manually advance (or override) the project phase",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      AdvancePhaseRequest `json:"body"`
	}) (*bodyResponse[domain.PhaseState], error) {
		actorID, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.AdvancePhaseManually(ctx, engine.ManualAdvance{
			ProjectID:   input.ProjectID,
			TargetPhase: input.Body.TargetPhase,
			ActorID:     actorID,
			Override:    input.Body.Override,
			Reason:      input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-phase-status",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/phase/status",
		Summary:     "Set the current phase status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      SetPhaseStatusRequest `json:"body"`
	}) (*bodyResponse[domain.PhaseState], error) {
		actorID, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.SetPhaseStatus(ctx, input.ProjectID, input.Body.Status, input.Body.Notes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "phase-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phase/history",
		Summary:     "Phase transition history, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*bodyResponse[TransitionList], error) {
		items, err := e.ListPhaseHistory(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(TransitionList{Items: nonNilSlice(items)}), nil
	})
}

func registerInvoices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-invoice",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/invoices",
		Summary:       "Record an invoice",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      CreateInvoiceRequest `json:"body"`
	}) (*bodyResponse[domain.Invoice], error) {
		actorID, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.InvoiceCreateOptions{
			ProjectID:   input.ProjectID,
			Number:      input.Body.Number,
			AmountCents: input.Body.AmountCents,
			DueDate:     input.Body.DueDate,
			Status:      input.Body.Status,
			ActorID:     actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		inv, err := e.CreateInvoice(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(inv), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-invoices",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/invoices",
		Summary:     "List project invoices",
	}, func(ctx context.Context, input *projectPath) (*bodyResponse[[]domain.Invoice], error) {
		items, err := e.Repo.ListInvoices(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-invoice-paid",
		Method:      http.MethodPost,
		Path:        "/invoices/{invoice_id}/paid",
		Summary:     "Record an invoice payment",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InvoiceID string `path:"invoice_id"`
	}) (*bodyResponse[domain.Invoice], error) {
		actorID, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inv, err := e.MarkInvoicePaid(ctx, input.InvoiceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(inv), nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List automation rules in evaluation order",
	}, func(ctx context.Context, input *struct {
		ActiveOnly bool `query:"active_only"`
	}) (*bodyResponse[RuleList], error) {
		recs, err := e.Repo.ListRules(ctx, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		resp := RuleList{Items: []RuleResponse{}}
		for _, rec := range recs {
			resp.Items = append(resp.Items, ruleResponse(rec))
		}
		return respond(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create an automation rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateRuleRequest `json:"body"`
	}) (*bodyResponse[RuleResponse], error) {
		actorID, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id := ""
		if input.Body.ID != nil {
			id = strings.TrimSpace(*input.Body.ID)
		}
		r, err := e.CreateRule(ctx, rules.Definition{
			Name:         input.Body.Name,
			TriggerPhase: input.Body.TriggerPhase,
			Trigger:      input.Body.Trigger,
			Action:       input.Body.Action,
			Active:       input.Body.Active,
			Priority:     input.Body.Priority,
		}, id, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := r.ToRecord()
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ruleResponse(rec)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/rules/{rule_id}",
		Summary:     "Enable, disable or re-prioritise a rule",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string            `path:"rule_id"`
		Body   UpdateRuleRequest `json:"body"`
	}) (*bodyResponse[RuleResponse], error) {
		actorID, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Active == nil && input.Body.Priority == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "active or priority required", nil)
		}
		rec, err := e.UpdateRule(ctx, input.RuleID, input.Body.Active, input.Body.Priority, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ruleResponse(rec)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rule-executions",
		Method:      http.MethodGet,
		Path:        "/rules/{rule_id}/executions",
		Summary:     "Recorded executions of a rule, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID    string `path:"rule_id"`
		ProjectID string `query:"project_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*bodyResponse[ExecutionList], error) {
		if _, err := e.Repo.GetRule(ctx, input.RuleID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListExecutions(ctx, input.RuleID, input.ProjectID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ExecutionList{Items: nonNilSlice(items)}), nil
	})
}

func registerAutomation(api huma.API, s Sweeper) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/automation/sweep",
		Summary:     "Run one automation sweep now",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*bodyResponse[automation.SweepReport], error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if s == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "automation_disabled", "automation runner not configured", nil)
		}
		report, err := s.RunOnce(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(report), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		After     int64  `query:"after" doc:"Return events with id greater than this cursor, oldest first"`
	}) (*bodyResponse[paginatedEvents], error) {
		if input.After < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"after": input.After})
		}
		limit := normalizeLimit(input.Limit)
		var (
			items []domain.Event
			err   error
		)
		if input.After > 0 {
			items, err = e.Repo.EventsAfter(ctx, limit+1, input.After, input.ProjectID)
		} else {
			items, err = e.Repo.LatestEvents(ctx, limit+1, input.ProjectID, input.Type)
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			if input.After > 0 {
				resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			}
		}
		for _, evt := range items {
			if input.Type != "" && evt.Type != input.Type {
				continue
			}
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return respond(resp), nil
	})
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bodyResponse[WhoAmIResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return respond(WhoAmIResponse{
			ActorID: principal.ActorID,
			Roles:   nonNilSlice(principal.Roles),
			Source:  principal.Source,
		}), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
