package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/watzon/funcbox/internal/auth"
	"github.com/watzon/funcbox/internal/config"
	"github.com/watzon/funcbox/internal/database"
	"github.com/watzon/funcbox/internal/events"
	"github.com/watzon/funcbox/internal/executions"
	"github.com/watzon/funcbox/internal/functions"
	"github.com/watzon/funcbox/internal/invoker"
	"github.com/watzon/funcbox/internal/sandbox"
	"github.com/watzon/funcbox/internal/triggers"
	"github.com/watzon/funcbox/internal/webhooks"
)

const (
	testSecret = "test-secret-that-is-at-least-32-characters-long"
	helloCEL   = `handler: '{"message": "Hello, " + (has(input.name) ? input.name : "World") + "!"}'`
)

type testEnv struct {
	server *Server
	deps   Deps
	tokens *auth.TokenService
}

func setupTestServer(t *testing.T, withAuth bool) *testEnv {
	t.Helper()
	return setupTestServerWith(t, withAuth, nil)
}

func setupTestServerWith(t *testing.T, withAuth bool, configure func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.MaxBodySize = 1 << 20
	if withAuth {
		cfg.Server.Auth.Secret = testSecret
	}
	if configure != nil {
		configure(cfg)
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cel, err := sandbox.NewCELAdapter(0)
	require.NoError(t, err)
	executor := sandbox.NewExecutor(sandbox.Config{DefaultTimeout: 5 * time.Second, MaxInputBytes: 1 << 20}, cel)

	registry := functions.NewRegistry(functions.NewSQLStore(db, nil, 64*1024), executor, functions.Limits{
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     time.Minute,
		DefaultMemory:  128,
	})
	feed := executions.NewFeed()
	tracker := executions.NewTracker(executions.NewStore(db), feed, 24*time.Hour)
	inv := invoker.New(registry, executor, tracker)

	evaluator, err := triggers.NewEvaluator(triggers.EvaluatorConfig{
		Store:      triggers.NewStore(db),
		Dispatcher: inv,
	})
	require.NoError(t, err)
	t.Cleanup(evaluator.Close)

	deps := Deps{
		DB:        db,
		Registry:  registry,
		Executor:  executor,
		Invoker:   inv,
		Tracker:   tracker,
		Feed:      feed,
		Evaluator: evaluator,
		Bus:       events.NewBus(db, nil),
		Version:   "test",
	}
	var tokens *auth.TokenService
	if withAuth {
		tokens = auth.NewTokenService(cfg.Server.Auth)
		deps.Tokens = tokens
	}

	return &testEnv{server: New(cfg, deps), deps: deps, tokens: tokens}
}

func (env *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) register(t *testing.T, id, version string) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(t, http.MethodPost, "/api/functions", map[string]any{
		"id":       id,
		"metadata": map[string]any{"version": version},
		"source":   map[string]any{"code": helloCEL, "language": "cel", "handler": "handler"},
	})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestServer_StartStop(t *testing.T) {
	env := setupTestServer(t, false)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- env.server.Serve(context.Background(), ln) }()

	require.Eventually(t, func() bool { return env.server.Addr() != "" }, time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + env.server.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestAPI_HealthReportsSchema(t *testing.T) {
	env := setupTestServer(t, false)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	health := decode[struct {
		Status     string `json:"status"`
		Components map[string]struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"components"`
	}](t, rec)
	require.Equal(t, "healthy", health.Components["database"].Status)
	require.Equal(t, "schema 004_events", health.Components["database"].Message)
}

func TestAPI_RegisterAndInvoke(t *testing.T) {
	env := setupTestServer(t, false)

	rec := env.register(t, "hello-world", "1.0.0")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/functions/hello-world/invoke", map[string]any{
		"params": map[string]any{"name": "Developer"},
	}, "X-Request-ID", "req-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[invoker.Result](t, rec)
	require.True(t, res.Success)
	require.Equal(t, map[string]any{"message": "Hello, Developer!"}, res.Data)
	require.NotEmpty(t, res.Execution.ExecutionID)

	rec = env.do(t, http.MethodPost, "/api/functions/hello-world/invoke", map[string]any{"params": map[string]any{}})
	require.Equal(t, map[string]any{"message": "Hello, World!"}, decode[invoker.Result](t, rec).Data)

	rec = env.do(t, http.MethodGet, "/api/executions/"+res.Execution.ExecutionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored := decode[executions.Record](t, rec)
	require.Equal(t, executions.StatusSucceeded, stored.Status)
	require.Equal(t, executions.TriggerHTTP, stored.TriggerType)
	require.Equal(t, "req-1", stored.RequestID)

	rec = env.do(t, http.MethodGet, "/api/functions/hello-world/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Executions []executions.Record `json:"executions"`
	}](t, rec)
	require.Len(t, list.Executions, 2)
}

func TestAPI_HandlerFailureIsNotAnHTTPError(t *testing.T) {
	env := setupTestServer(t, false)
	require.Equal(t, http.StatusCreated, env.register(t, "hello-world", "1.0.0").Code)

	rec := env.do(t, http.MethodPost, "/api/functions/hello-world/invoke", map[string]any{"params": "not an object"})
	require.Equal(t, http.StatusOK, rec.Code)

	res := decode[invoker.Result](t, rec)
	require.False(t, res.Success)
	require.NotNil(t, res.Error)
	require.Equal(t, "ValidationError", res.Error.Kind)

	rec = env.do(t, http.MethodPost, "/api/functions/hello-world/invoke", map[string]any{
		"params":  map[string]any{},
		"options": map[string]any{"timeout": -5},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	res = decode[invoker.Result](t, rec)
	require.False(t, res.Success)
	require.Equal(t, "ValidationError", res.Error.Kind)
	require.Equal(t, "rejected", string(res.Execution.Status))
}

func TestAPI_VersionConflict(t *testing.T) {
	env := setupTestServer(t, false)

	require.Equal(t, http.StatusCreated, env.register(t, "report", "1.0.0").Code)

	rec := env.register(t, "report", "0.9.0")
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[map[string]any](t, rec)
	require.Equal(t, "VERSION_CONFLICT", body["code"])

	require.Equal(t, http.StatusCreated, env.register(t, "report", "1.1.0").Code)

	rec = env.do(t, http.MethodGet, "/api/functions/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1.1.0", decode[functions.Registered](t, rec).Definition.Metadata.Version)

	rec = env.do(t, http.MethodGet, "/api/functions/report?version=1.0.0", nil)
	require.Equal(t, "1.0.0", decode[functions.Registered](t, rec).Definition.Metadata.Version)

	rec = env.do(t, http.MethodGet, "/api/functions/report/versions", nil)
	versions := decode[struct {
		Versions []functions.Registered `json:"versions"`
	}](t, rec)
	require.Len(t, versions.Versions, 2)
}

func TestAPI_Errors(t *testing.T) {
	env := setupTestServer(t, false)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"invoke unknown function", http.MethodPost, "/api/functions/missing/invoke", map[string]any{}, http.StatusNotFound, "FUNCTION_NOT_FOUND"},
		{"get unknown function", http.MethodGet, "/api/functions/missing", nil, http.StatusNotFound, "FUNCTION_NOT_FOUND"},
		{"unknown execution", http.MethodGet, "/api/executions/missing", nil, http.StatusNotFound, "EXECUTION_NOT_FOUND"},
		{"invalid definition", http.MethodPost, "/api/functions", map[string]any{"metadata": map[string]any{"version": "1.0.0"}}, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"malformed json", http.MethodPost, "/api/functions", "{", http.StatusBadRequest, "INVALID_JSON"},
		{"event without action", http.MethodPost, "/api/events", map[string]any{"object": "Order"}, http.StatusBadRequest, "INVALID_EVENT"},
		{"unknown trigger", http.MethodDelete, "/api/triggers/missing", nil, http.StatusNotFound, "TRIGGER_NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			require.Equal(t, tt.code, decode[map[string]any](t, rec)["code"])
		})
	}
}

func TestAPI_TriggersAndSyncEvents(t *testing.T) {
	env := setupTestServer(t, false)
	require.Equal(t, http.StatusCreated, env.register(t, "notify-sales", "1.0.0").Code)

	rec := env.do(t, http.MethodPost, "/api/triggers", map[string]any{
		"function_id": "notify-sales",
		"on":          "Order.created",
		"filter":      "$.total > 100",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	emit := func(total float64) map[string]any {
		rec := env.do(t, http.MethodPost, "/api/events?sync=true", map[string]any{
			"object":  "Order",
			"action":  "created",
			"payload": map[string]any{"total": total},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode[map[string]any](t, rec)
	}

	fired := emit(150)
	require.EqualValues(t, 1, fired["matched"])
	require.EqualValues(t, 1, fired["fired"])

	skipped := emit(50)
	require.EqualValues(t, 1, skipped["matched"])
	require.EqualValues(t, 0, skipped["fired"])

	rec = env.do(t, http.MethodGet, "/api/executions?trigger_type=event", nil)
	list := decode[struct {
		Executions []executions.Record `json:"executions"`
	}](t, rec)
	require.Len(t, list.Executions, 1)

	rec = env.do(t, http.MethodGet, "/api/triggers?kind=event", nil)
	require.EqualValues(t, 1, decode[map[string]any](t, rec)["total"])
}

func TestAPI_CreateScheduleTrigger(t *testing.T) {
	env := setupTestServer(t, false)
	require.Equal(t, http.StatusCreated, env.register(t, "report", "1.0.0").Code)

	rec := env.do(t, http.MethodPost, "/api/triggers", map[string]any{
		"function_id": "report",
		"every":       "$.Daily",
		"options":     map[string]any{"time": "09:00", "timezone": "UTC"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	info := decode[struct {
		Kind   string          `json:"kind"`
		Status triggers.Status `json:"status"`
	}](t, rec)
	require.Equal(t, "schedule", info.Kind)
	require.NotNil(t, info.Status.NextFireAt)
	require.True(t, info.Status.NextFireAt.After(time.Now()))

	rec = env.do(t, http.MethodPost, "/api/triggers", map[string]any{
		"function_id": "report",
		"every":       "$.Fortnightly",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/triggers", map[string]any{
		"function_id": "missing",
		"every":       "$.Daily",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_RegisterManifest(t *testing.T) {
	env := setupTestServer(t, false)

	manifest := `
id: order-alert
version: 1.0.0
source:
  language: cel
  handler: handler
  code: |
    handler: '{"alert": input.total}'
triggers:
  - on: Order.created
    filter: $.total > 100
  - every: $.Daily
    time: "09:00"
`
	rec := env.do(t, http.MethodPost, "/api/functions", manifest, "Content-Type", "application/yaml")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[struct {
		Triggers []string `json:"triggers"`
	}](t, rec)
	require.Len(t, resp.Triggers, 2)
	require.Len(t, env.deps.Evaluator.List(), 2)

	rec = env.do(t, http.MethodPost, "/api/functions", "id: x\nversion: 1.0.0\nsource:\n  file: /etc/passwd\n", "Content-Type", "application/yaml")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_QueuedEvent(t *testing.T) {
	env := setupTestServer(t, false)

	rec := env.do(t, http.MethodPost, "/api/events", map[string]any{
		"object":  "User",
		"action":  "signed_up",
		"payload": map[string]any{"plan": "pro"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	ev := decode[events.Event](t, rec)
	require.NotEmpty(t, ev.ID)

	rec = env.do(t, http.MethodGet, "/api/events/"+ev.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, events.StatusPending, decode[events.Event](t, rec).Status)
}

func TestAPI_SignedWebhook(t *testing.T) {
	const whSecret = "webhook-secret-value"
	env := setupTestServerWith(t, true, func(cfg *config.Config) {
		cfg.Events.Webhooks.Enabled = true
		cfg.Events.Webhooks.Secret = whSecret
	})

	body := `{"plan":"pro"}`
	rec := env.do(t, http.MethodPost, "/webhooks/User/signed_up", body,
		webhooks.DefaultHeader, webhooks.Sign(webhooks.AlgorithmSHA256, whSecret, []byte(body)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	ev := decode[events.Event](t, rec)
	require.Equal(t, events.SourceWebhook, ev.Source)
	stored, err := env.deps.Bus.Store().Get(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Equal(t, "pro", stored.Payload["plan"])

	rec = env.do(t, http.MethodPost, "/webhooks/User/signed_up", body, webhooks.DefaultHeader, "sha256=00")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_Auth(t *testing.T) {
	env := setupTestServer(t, true)

	read, _, err := env.tokens.Issue("reader", []string{auth.ScopeRead}, time.Hour)
	require.NoError(t, err)
	admin, _, err := env.tokens.Issue("ops", []string{auth.ScopeAdmin}, time.Hour)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/functions", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/functions", nil, "Authorization", "Bearer "+read)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/functions/hello/invoke", map[string]any{}, "Authorization", "Bearer "+read)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/stats", nil, "Authorization", "Bearer "+admin)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	rec = env.do(t, http.MethodGet, "/health/live", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_ExecutionStream(t *testing.T) {
	env := setupTestServer(t, false)
	require.Equal(t, http.StatusCreated, env.register(t, "hello-world", "1.0.0").Code)

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/executions/stream?function_id=hello-world"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return env.deps.Feed.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	rec := env.do(t, http.MethodPost, "/api/functions/hello-world/invoke", map[string]any{"params": map[string]any{"name": "Stream"}})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[invoker.Result](t, rec)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var streamed executions.Record
	require.NoError(t, json.Unmarshal(data, &streamed))
	require.Equal(t, res.Execution.ExecutionID, streamed.ExecutionID)
	require.Equal(t, executions.StatusSucceeded, streamed.Status)
}
