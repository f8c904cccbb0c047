package phaselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Phaseline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ClientID  string `json:"client_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type RequiredAction struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	Mandatory   bool   `json:"mandatory"`
	Owner       string `json:"owner"`
}

type Phase struct {
	Key             string           `json:"key"`
	Position        int              `json:"position"`
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	RequiredActions []RequiredAction `json:"required_actions"`
}

type PhaseState struct {
	ProjectID   string         `json:"project_id"`
	PhaseKey    string         `json:"phase_key"`
	PhaseIndex  int            `json:"phase_index"`
	Status      string         `json:"status"`
	StartedAt   string         `json:"started_at"`
	CompletedAt *string        `json:"completed_at"`
	Notes       string         `json:"notes"`
	Metadata    map[string]any `json:"metadata"`
	UpdatedAt   string         `json:"updated_at"`
}

type ActionStatus struct {
	RequiredAction
	Completed   bool    `json:"completed"`
	CompletedBy *string `json:"completed_by"`
	CompletedAt *string `json:"completed_at"`
}

type CompletionSummary struct {
	Total              int `json:"total"`
	Completed          int `json:"completed"`
	MandatoryTotal     int `json:"mandatory_total"`
	MandatoryCompleted int `json:"mandatory_completed"`
}

// PhaseView is the project's current phase with its action checklist.
type PhaseView struct {
	State   PhaseState        `json:"state"`
	Phase   Phase             `json:"phase"`
	Actions []ActionStatus    `json:"actions"`
	Summary CompletionSummary `json:"summary"`
}

type CompleteActionResult struct {
	Phase    PhaseView `json:"phase"`
	Advanced bool      `json:"advanced"`
	From     string    `json:"from"`
	To       string    `json:"to"`
}

type Transition struct {
	ID        int64  `json:"id"`
	ProjectID string `json:"project_id"`
	FromPhase string `json:"from_phase"`
	ToPhase   string `json:"to_phase"`
	Kind      string `json:"kind"`
	ActorID   string `json:"actor_id"`
	Reason    string `json:"reason"`
	TS        string `json:"ts"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StatusOf returns the HTTP status of an *APIError, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// CreateProject creates a project; phase tracking starts in the first phase.
func (c *Client) CreateProject(ctx context.Context, id, name, clientID string) (Project, error) {
	body := map[string]any{"name": name}
	if id != "" {
		body["id"] = id
	}
	if clientID != "" {
		body["client_id"] = clientID
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// Phases returns the phase catalog in lifecycle order.
func (c *Client) Phases(ctx context.Context) ([]Phase, error) {
	var resp struct {
		Items []Phase `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/phases", nil, &resp)
	return resp.Items, err
}

// InitializePhaseTracking starts tracking for a project created elsewhere.
func (c *Client) InitializePhaseTracking(ctx context.Context, projectID string) (PhaseView, error) {
	var resp PhaseView
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "phase/init"), nil, &resp)
	return resp, err
}

// PhaseState returns the current phase view.
func (c *Client) PhaseState(ctx context.Context, projectID string) (PhaseView, error) {
	var resp PhaseView
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "phase"), nil, &resp)
	return resp, err
}

// CompleteAction marks a required action of the current phase complete.
func (c *Client) CompleteAction(ctx context.Context, projectID, actionKey string) (CompleteActionResult, error) {
	var resp CompleteActionResult
	endpoint := c.projectPath(projectID, fmt.Sprintf("phase/actions/%s/complete", url.PathEscape(actionKey)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// AdvancePhase asks an admin-only manual advance; override allows non-adjacent targets.
func (c *Client) AdvancePhase(ctx context.Context, projectID, targetPhase string, override bool, reason string) (PhaseState, error) {
	body := map[string]any{"target_phase": targetPhase, "override": override}
	if reason != "" {
		body["reason"] = reason
	}
	var resp PhaseState
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "phase/advance"), body, &resp)
	return resp, err
}

// SetPhaseStatus sets the current phase status.
func (c *Client) SetPhaseStatus(ctx context.Context, projectID, status string, notes *string) (PhaseState, error) {
	body := map[string]any{"status": status}
	if notes != nil {
		body["notes"] = *notes
	}
	var resp PhaseState
	err := c.do(ctx, http.MethodPut, c.projectPath(projectID, "phase/status"), body, &resp)
	return resp, err
}

// PhaseHistory returns transitions oldest first.
func (c *Client) PhaseHistory(ctx context.Context, projectID string) ([]Transition, error) {
	var resp struct {
		Items []Transition `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "phase/history"), nil, &resp)
	return resp.Items, err
}

// EventsPage returns a paginated event listing; after is an event id cursor.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, after int64) (PaginatedEvents, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(projectID, p string) string {
	return fmt.Sprintf("v0/projects/%s/%s", url.PathEscape(projectID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
