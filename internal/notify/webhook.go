package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"phaseline/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookDispatcher POSTs notifications as JSON to every enabled hook whose kind filter matches.
type WebhookDispatcher struct {
	hooks  []config.WebhookConfig
	client *http.Client
	now    func() time.Time
}

func NewWebhookDispatcher(hooks []config.WebhookConfig) *WebhookDispatcher {
	return &WebhookDispatcher{
		hooks:  hooks,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		now:    time.Now,
	}
}

type webhookBody struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	ProjectID     string         `json:"project_id"`
	RecipientRole string         `json:"recipient_role"`
	TS            string         `json:"ts"`
	Data          map[string]any `json:"data"`
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, n Notification) error {
	var errs []string
	for _, hook := range d.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !newKindFilter(hook.Kinds).match(n.Kind) {
			continue
		}
		if err := d.post(ctx, hook, n); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", hook.URL, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("webhook delivery failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, n Notification) error {
	data := n.Data
	if data == nil {
		data = map[string]any{}
	}
	body := webhookBody{
		ID:            uuid.NewString(),
		Kind:          n.Kind,
		ProjectID:     n.ProjectID,
		RecipientRole: n.RecipientRole,
		TS:            d.now().UTC().Format(time.RFC3339),
		Data:          data,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Phaseline-Kind", n.Kind)
	req.Header.Set("X-Phaseline-Delivery", body.ID)
	req.Header.Set("X-Phaseline-Project", n.ProjectID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Phaseline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

type kindFilter struct {
	all bool
	set map[string]struct{}
}

func newKindFilter(kinds []string) kindFilter {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = struct{}{}
		}
	}
	if len(set) == 0 {
		return kindFilter{all: true}
	}
	return kindFilter{set: set}
}

func (f kindFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
