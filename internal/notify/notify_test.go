package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/config"
	"phaseline/internal/logging"
	"phaseline/internal/notify"
)

type captured struct {
	mu      sync.Mutex
	headers []http.Header
	bodies  []map[string]any
}

func (c *captured) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.headers = append(c.headers, r.Header.Clone())
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("nope"))
	}
}

func (c *captured) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestWebhookPostsNotification(t *testing.T) {
	var got captured
	srv := httptest.NewServer(got.handler(http.StatusNoContent))
	defer srv.Close()

	d := notify.NewWebhookDispatcher([]config.WebhookConfig{{URL: srv.URL, Secret: "s3cret"}})
	err := d.Dispatch(context.Background(), notify.Notification{
		ProjectID: "p1", RecipientRole: notify.RoleClient, Kind: notify.KindPhaseAdvanced,
		Data: map[string]any{"to": "ideation"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, got.len())

	h := got.headers[0]
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, notify.KindPhaseAdvanced, h.Get("X-Phaseline-Kind"))
	assert.Equal(t, "p1", h.Get("X-Phaseline-Project"))
	assert.Equal(t, "s3cret", h.Get("X-Phaseline-Secret"))
	assert.NotEmpty(t, h.Get("X-Phaseline-Delivery"))

	body := got.bodies[0]
	assert.Equal(t, h.Get("X-Phaseline-Delivery"), body["id"])
	assert.Equal(t, "client", body["recipient_role"])
	assert.Equal(t, map[string]any{"to": "ideation"}, body["data"])
}

func TestWebhookFiltersByKindAndEnabled(t *testing.T) {
	var got captured
	srv := httptest.NewServer(got.handler(http.StatusOK))
	defer srv.Close()

	off := false
	d := notify.NewWebhookDispatcher([]config.WebhookConfig{
		{URL: srv.URL, Kinds: []string{"project_completed"}},
		{URL: srv.URL, Enabled: &off},
	})
	require.NoError(t, d.Dispatch(context.Background(), notify.Notification{ProjectID: "p1", Kind: notify.KindPhaseAdvanced}))
	assert.Zero(t, got.len())
	require.NoError(t, d.Dispatch(context.Background(), notify.Notification{ProjectID: "p1", Kind: notify.KindProjectCompleted}))
	assert.Equal(t, 1, got.len())
}

func TestWebhookReportsNon2xx(t *testing.T) {
	var got captured
	srv := httptest.NewServer(got.handler(http.StatusBadGateway))
	defer srv.Close()

	d := notify.NewWebhookDispatcher([]config.WebhookConfig{{URL: srv.URL}})
	err := d.Dispatch(context.Background(), notify.Notification{ProjectID: "p1", Kind: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "nope")
}

func TestMultiJoinsErrors(t *testing.T) {
	calls := 0
	ok := notify.DispatcherFunc(func(context.Context, notify.Notification) error { calls++; return nil })
	boom := errors.New("boom")
	bad := notify.DispatcherFunc(func(context.Context, notify.Notification) error { calls++; return boom })

	err := notify.Multi{bad, nil, ok}.Dispatch(context.Background(), notify.Notification{Kind: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestSendSwallowsFailures(t *testing.T) {
	bad := notify.DispatcherFunc(func(context.Context, notify.Notification) error { return errors.New("down") })
	assert.NotPanics(t, func() {
		notify.Send(context.Background(), bad, logging.Discard(), notify.Notification{Kind: "x"})
		notify.Send(context.Background(), nil, nil, notify.Notification{Kind: "x"})
	})
}

func TestBusDeliversToDispatcher(t *testing.T) {
	bus, err := notify.NewBus(logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	var (
		mu  sync.Mutex
		got []notify.Notification
	)
	sink := notify.DispatcherFunc(func(_ context.Context, n notify.Notification) error {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		return nil
	})

	require.NoError(t, bus.Dispatch(context.Background(), notify.Notification{ProjectID: "p1", Kind: "early"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx, sink) }()

	require.NoError(t, bus.Dispatch(context.Background(), notify.Notification{ProjectID: "p1", Kind: "late", Data: map[string]any{"n": 1}}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	kinds := []string{got[0].Kind, got[1].Kind}
	assert.ElementsMatch(t, []string{"early", "late"}, kinds)
}
