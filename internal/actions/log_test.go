package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogRecord(t *testing.T) {
	var buf bytes.Buffer
	h := NewLogRecordHandler(jsonLogger(&buf))

	_, err := h.Execute(context.Background(), HandlerInput{
		InstanceID: "case-1",
		State:      "Closed",
		Params: map[string]any{
			"message": "case closed",
			"level":   "warn",
			"fields":  []any{"priority"},
		},
		Fields: map[string]any{"priority": "Low", "secret": "x"},
	})
	require.NoError(t, err)

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "case closed", lines[0]["msg"])
	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, "Low", lines[0]["field.priority"])
	assert.NotContains(t, lines[0], "field.secret")

	_, err = h.Execute(context.Background(), HandlerInput{Params: map[string]any{}})
	assert.Error(t, err)
}

func TestLogNotifier_Dedup(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(jsonLogger(&buf))
	alert := Alert{IdempotencyKey: "c:2:0", InstanceID: "c", Template: "t", Recipients: []string{"a@x"}}

	require.NoError(t, n.SendAlert(context.Background(), alert))
	require.NoError(t, n.SendAlert(context.Background(), alert))
	assert.Len(t, logLines(t, &buf), 1)
}

func TestLogTaskService_Dedup(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogTaskService(jsonLogger(&buf))
	task := Task{IdempotencyKey: "c:2:1", Subject: "Call customer", DueAt: time.Now()}

	require.NoError(t, s.CreateTask(context.Background(), task))
	require.NoError(t, s.CreateTask(context.Background(), task))
	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "Call customer", lines[0]["subject"])
}
