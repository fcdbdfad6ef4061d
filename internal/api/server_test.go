package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lifecycle/internal/actions"
	"github.com/rendis/lifecycle/internal/definition"
	"github.com/rendis/lifecycle/internal/engine"
	"github.com/rendis/lifecycle/internal/expressions"
	"github.com/rendis/lifecycle/internal/hooks"
	"github.com/rendis/lifecycle/internal/metrics"
	"github.com/rendis/lifecycle/internal/store"
	"github.com/rendis/lifecycle/internal/validation"
	"github.com/rendis/lifecycle/pkg/schema"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()
	logger := slogt.New(t)

	handlers := actions.NewRegistry()
	require.NoError(t, handlers.Register(actions.NewLogRecordHandler(logger)))
	compiler := expressions.NewCompiler()
	v, err := validation.NewDefinitionValidator(validation.Options{Handlers: handlers, Guards: compiler})
	require.NoError(t, err)
	defs := definition.NewRegistry()
	_, err = definition.NewLoader(defs, v, compiler, logger).LoadFile("../definition/testdata/case.yaml")
	require.NoError(t, err)

	s := store.NewMemoryStore()
	m := metrics.New()
	ex, err := engine.NewExecutor(engine.Deps{
		Store:       s,
		Definitions: defs,
		Notifier:    actions.NewLogNotifier(logger),
		Tasks:       actions.NewLogTaskService(logger),
		Handlers:    handlers,
		Metrics:     m,
		Logger:      logger,
	}, engine.Config{Lanes: 4})
	require.NoError(t, err)
	t.Cleanup(ex.Close)

	router, err := hooks.NewRouter(ex, defs, m, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(Deps{
		Executor:    ex,
		Store:       s,
		Definitions: defs,
		Router:      router,
		Metrics:     m,
		Logger:      logger,
	}).Handler())
	t.Cleanup(srv.Close)
	return srv, s
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &out))
	} else {
		out = map[string]any{"body": string(data)}
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(1), body["definitions"])
}

func TestInstanceLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/instances",
		`{"object_type":"case","id":"c1","fields":{"priority":"High"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "New", body["to_state"])

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/instances/c1/events", `{"event":"assign"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Assigned", body["to_state"])
	assert.Equal(t, true, body["accepted"])

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/instances/c1/events", `{"event":"resolve"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["accepted"])
	assert.Equal(t, schema.ReasonGuardRejected, body["reason"])

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/instances/c1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	inst := body["instance"].(map[string]any)
	assert.Equal(t, "Assigned", inst["state"])
	assert.ElementsMatch(t, []any{"resolve", "auto_escalate"}, body["available_events"])

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/instances/c1/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["events"], 3)

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/instances/c1/events?since=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["events"], 1)

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/instances/c1/actions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["actions"])

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/instances?object=case&state=Assigned", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["instances"], 1)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/instances/c1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/instances/c1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeNotFound, body["code"])
}

func TestErrorStatuses(t *testing.T) {
	srv, _ := newTestServer(t)
	do(t, http.MethodPost, srv.URL+"/v1/instances", `{"object_type":"case","id":"c1"}`)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"bad json", http.MethodPost, "/v1/instances", `{`, http.StatusBadRequest, ""},
		{"missing object type", http.MethodPost, "/v1/instances", `{}`, http.StatusBadRequest, ""},
		{"unserved object type", http.MethodPost, "/v1/instances", `{"object_type":"invoice"}`, http.StatusNotFound, schema.ErrCodeNotFound},
		{"duplicate instance", http.MethodPost, "/v1/instances", `{"object_type":"case","id":"c1"}`, http.StatusConflict, schema.ErrCodeConflict},
		{"unknown event", http.MethodPost, "/v1/instances/c1/events", `{"event":"explode"}`, http.StatusUnprocessableEntity, schema.ErrCodeUnknownEvent},
		{"missing event", http.MethodPost, "/v1/instances/c1/events", `{}`, http.StatusBadRequest, ""},
		{"timeout origin", http.MethodPost, "/v1/instances/c1/events", `{"event":"assign","origin":"timeout"}`, http.StatusBadRequest, schema.ErrCodeValidation},
		{"event on missing instance", http.MethodPost, "/v1/instances/nope/events", `{"event":"assign"}`, http.StatusNotFound, schema.ErrCodeNotFound},
		{"bad since", http.MethodGet, "/v1/instances/c1/events?since=x", "", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.code != "" {
				assert.Equal(t, tt.code, body["code"])
			}
		})
	}
}

func TestHook(t *testing.T) {
	srv, s := newTestServer(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/hooks",
		`{"op":"create","object_type":"case","entity_id":"c9","after":{"priority":"Low"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/hooks",
		`{"op":"update","object_type":"case","entity_id":"c9","before":{"priority":"Low"},"after":{"priority":"Low","owner_id":"u1"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"owner_id"}, body["changed"])

	inst, err := s.GetInstance(context.Background(), "c9")
	require.NoError(t, err)
	assert.Equal(t, "Assigned", inst.State)
	assert.Equal(t, "u1", inst.Fields["owner_id"])

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/hooks", `{"op":"create","object_type":"invoice","entity_id":"i1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ignored"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/hooks", `{"op":"upsert","object_type":"case","entity_id":"c9"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDefinitions(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/v1/definitions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defs := body["definitions"].([]any)
	require.Len(t, defs, 1)
	def := defs[0].(map[string]any)
	assert.Equal(t, "case", def["object_type"])
	assert.Equal(t, "New", def["initial"])
	assert.Contains(t, def["events"], schema.EventFieldsChanged)
	assert.NotEmpty(t, def["revision"])
}

func TestDiagram(t *testing.T) {
	srv, _ := newTestServer(t)
	do(t, http.MethodPost, srv.URL+"/v1/instances", `{"object_type":"case","id":"c1"}`)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/definitions/case/diagram?instance=c1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["body"], "stateDiagram-v2")
	assert.Contains(t, body["body"], "class New current")

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/definitions/case/diagram?format=text", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["body"], "[INITIAL]")

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/definitions/case/diagram?format=gif", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/definitions/invoice/diagram", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	do(t, http.MethodPost, srv.URL+"/v1/instances", `{"object_type":"case","id":"c1"}`)

	resp, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["body"], "lifecycle_")
}

func TestSSEInstanceStream(t *testing.T) {
	srv, _ := newTestServer(t)
	do(t, http.MethodPost, srv.URL+"/v1/instances", `{"object_type":"case","id":"c1"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/instances/c1/stream?types=transition_applied", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	do(t, http.MethodPost, srv.URL+"/v1/instances/c1/events", `{"event":"assign"}`)

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "event: transition_applied", lines[0])
	assert.Contains(t, lines[1], `"state":"Assigned"`)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, statusFor(schema.ErrCodeBusy))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(schema.ErrCodeShutdown))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(schema.ErrCodeActionFatal))
	assert.Equal(t, http.StatusInternalServerError, statusFor(schema.ErrCodeStore))
}
