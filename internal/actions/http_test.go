package actions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lifecycle/pkg/schema"
)

func caseInput(params map[string]any) HandlerInput {
	return HandlerInput{
		IdempotencyKey: "case-1:3:0",
		InstanceID:     "case-1",
		ObjectType:     "Case",
		State:          "Escalated",
		Params:         params,
		Fields:         map[string]any{"priority": "High"},
	}
}

func TestHTTPPost_DefaultBodyIsSnapshot(t *testing.T) {
	var received map[string]any
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		key = r.Header.Get("Idempotency-Key")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	out, err := NewHTTPPostHandler(HTTPConfig{}).Execute(context.Background(),
		caseInput(map[string]any{"url": srv.URL}))
	require.NoError(t, err)

	assert.Equal(t, "case-1:3:0", key)
	assert.Equal(t, "Escalated", received["state"])
	assert.Equal(t, "High", received["fields"].(map[string]any)["priority"])

	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &result))
	assert.Equal(t, float64(200), result["status_code"])
	assert.Equal(t, true, result["body"].(map[string]any)["ok"])
}

func TestHTTPPost_ExplicitBodyAndHeaders(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
	}))
	defer srv.Close()

	_, err := NewHTTPPostHandler(HTTPConfig{}).Execute(context.Background(), caseInput(map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Token": "secret"},
		"body":    map[string]any{"text": "escalated"},
	}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "escalated"}, received)
}

func TestHTTPPost_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{http.StatusInternalServerError, schema.ErrCodeExecution},
		{http.StatusTooManyRequests, schema.ErrCodeExecution},
		{http.StatusBadRequest, schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewHTTPPostHandler(HTTPConfig{}).Execute(context.Background(),
				caseInput(map[string]any{"url": srv.URL}))
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestHTTPPost_ErrorStatusTolerated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer srv.Close()

	out, err := NewHTTPPostHandler(HTTPConfig{}).Execute(context.Background(),
		caseInput(map[string]any{"url": srv.URL, "fail_on_error_status": false}))
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &result))
	assert.Equal(t, float64(503), result["status_code"])
	assert.Equal(t, "down", result["body"])
}

func TestHTTPPost_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, err := NewHTTPPostHandler(HTTPConfig{}).Execute(context.Background(),
		caseInput(map[string]any{"url": srv.URL, "timeout": "20ms"}))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestHTTPPost_Validate(t *testing.T) {
	h := NewHTTPPostHandler(HTTPConfig{})
	assert.Error(t, h.Validate(map[string]any{}))
	assert.Error(t, h.Validate(map[string]any{"url": "ftp://x"}))
	assert.Error(t, h.Validate(map[string]any{"url": "not a url"}))
	assert.NoError(t, h.Validate(map[string]any{"url": "https://hooks.example.com/x"}))
}

func TestWebhookNotifier(t *testing.T) {
	var hits atomic.Int32
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		assert.Equal(t, "case-1:2:0", r.Header.Get("Idempotency-Key"))
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(srv.URL, HTTPConfig{})
	require.NoError(t, err)
	require.NoError(t, n.SendAlert(context.Background(), Alert{
		IdempotencyKey: "case-1:2:0",
		InstanceID:     "case-1",
		Template:       "case_assigned",
		Recipients:     []string{"agent@example.com"},
	}))
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, "case_assigned", got.Template)
	assert.Equal(t, []string{"agent@example.com"}, got.Recipients)

	_, err = NewWebhookNotifier("", HTTPConfig{})
	assert.Error(t, err)
}

func TestWebhookTaskService_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s, err := NewWebhookTaskService(srv.URL, HTTPConfig{})
	require.NoError(t, err)
	err = s.CreateTask(context.Background(), Task{IdempotencyKey: "k", Subject: "Follow up"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}
