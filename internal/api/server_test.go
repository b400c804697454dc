package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/order-dispatch/internal/api/handlers"
	"github.com/acme/order-dispatch/internal/clock"
	"github.com/acme/order-dispatch/internal/config"
	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/queue"
	"github.com/acme/order-dispatch/internal/repository/memory"
	"github.com/acme/order-dispatch/internal/scheduler"
	"github.com/acme/order-dispatch/internal/service/dispatch"
)

type capturedInbound struct {
	events []queue.InboundEvent
}

func (c *capturedInbound) Accept(_ context.Context, evt queue.InboundEvent) (any, error) {
	c.events = append(c.events, evt)
	return map[string]string{"route": "debounce"}, nil
}

type testServer struct {
	server  *Server
	inbound *capturedInbound
}

func newTestServer(t *testing.T, health map[string]handlers.HealthCheck) *testServer {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC))
	fallback := domain.RateLimitSettings{}
	settings := dispatch.NewSettingsSource(&memory.SettingsRepository{}, fallback, nil)
	svc := dispatch.NewService(memory.NewMessageRepository(), memory.NewStatsRepository(), memory.NewAttemptStore(), settings, clk, dispatch.Defaults{}, nil)

	jobs := scheduler.New([]scheduler.Job{
		{Name: "noop", Run: func(context.Context) (any, error) { return map[string]int{"processed": 0}, nil }},
		{Name: "broken", Run: func(context.Context) (any, error) { return nil, errors.New("db down") }},
	}, nil, nil)

	inbound := &capturedInbound{}
	set := handlers.NewHandlerSet(handlers.Deps{
		Messages: svc,
		Inbound:  inbound,
		Jobs:     jobs,
		Health:   health,
	})
	return &testServer{server: NewServer(config.HTTPConfig{}, set), inbound: inbound}
}

func (s *testServer) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.server.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestEnqueueAndFetchMessage(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := s.do(t, http.MethodPost, "/api/v1/messages", `{"recipient":"(11) 98765-4321","body":"Seu pedido saiu para entrega","priority":3}`)
	require.Equal(t, http.StatusAccepted, code)
	id, err := uuid.Parse(body["id"].(string))
	require.NoError(t, err)

	code, body = s.do(t, http.MethodGet, "/api/v1/messages/"+id.String(), "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "5511987654321", body["recipient"])
	assert.Equal(t, "pending", body["status"])
	assert.EqualValues(t, 3, body["priority"])

	code, body = s.do(t, http.MethodGet, "/api/v1/messages?status=pending", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["messages"], 1)

	code, body = s.do(t, http.MethodGet, "/api/v1/messages/"+id.String()+"/attempts", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["attempts"])
}

func TestEnqueueErrors(t *testing.T) {
	s := newTestServer(t, nil)

	code, _ := s.do(t, http.MethodPost, "/api/v1/messages", `{"body":"sem destinatario"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/messages/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/messages/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/messages?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestInboundWebhook(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := s.do(t, http.MethodPost, "/api/v1/inbound", `{"sender_phone":"5511987654321","text":"sim"}`)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "debounce", body["route"])
	require.Len(t, s.inbound.events, 1)
	assert.False(t, s.inbound.events[0].ReceivedAt.IsZero())

	code, _ = s.do(t, http.MethodPost, "/api/v1/inbound", `{"text":"sim"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRunJob(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := s.do(t, http.MethodPost, "/api/v1/jobs/noop/run", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "noop", body["job"])

	code, _ = s.do(t, http.MethodPost, "/api/v1/jobs/missing/run", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = s.do(t, http.MethodPost, "/api/v1/jobs/broken/run", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "db down", body["error"])
}

func TestStatsRange(t *testing.T) {
	s := newTestServer(t, nil)

	code, _ := s.do(t, http.MethodGet, "/api/v1/stats/daily?from=2026-03-01&to=2026-03-02", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/stats/daily?from=2026-03-05&to=2026-03-02", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/stats/daily?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealthz(t *testing.T) {
	healthy := newTestServer(t, map[string]handlers.HealthCheck{
		"postgres": func(context.Context) error { return nil },
	})
	code, body := healthy.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	degraded := newTestServer(t, map[string]handlers.HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	code, body = degraded.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]any{"redis": "connection refused"}, body["errors"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := s.server.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "go_goroutines")
}
