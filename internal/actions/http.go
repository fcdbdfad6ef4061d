package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/lifecycle/pkg/schema"
)

// HTTPConfig configures the HTTP handler and webhook collaborators.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 1 << 20
	defaultHTTPTimeout     = 10 * time.Second
)

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = defaultMaxResponseBody
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultHTTPTimeout
	}
	if c.Client == nil {
		c.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return c
}

// Param helpers used by all handler files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

const httpPostParamsSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeout": {"type": "string"},
    "fail_on_error_status": {"type": "boolean", "default": true}
  },
  "required": ["url"],
  "additionalProperties": false
}`

// HTTPPostHandler implements the "http.post" handler: a JSON webhook
// carrying the instance snapshot unless params supply a body.
type HTTPPostHandler struct {
	config HTTPConfig
}

// NewHTTPPostHandler creates a new http.post handler.
func NewHTTPPostHandler(cfg HTTPConfig) *HTTPPostHandler {
	return &HTTPPostHandler{config: cfg.withDefaults()}
}

func (h *HTTPPostHandler) Name() string { return "http.post" }

func (h *HTTPPostHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description:  "POST a JSON payload to a webhook. Defaults to the instance snapshot.",
		ParamsSchema: json.RawMessage(httpPostParamsSchema),
	}
}

func (h *HTTPPostHandler) Validate(params map[string]any) error {
	return validateURL("http.post", stringParam(params, "url", ""))
}

func (h *HTTPPostHandler) Execute(ctx context.Context, input HandlerInput) (*HandlerOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := h.Validate(params); err != nil {
		return nil, err
	}

	body, ok := params["body"]
	if !ok || body == nil {
		body = map[string]any{
			"idempotency_key": input.IdempotencyKey,
			"instance_id":     input.InstanceID,
			"object_type":     input.ObjectType,
			"state":           input.State,
			"fields":          input.Fields,
		}
	}

	headers := map[string]string{"Idempotency-Key": input.IdempotencyKey}
	if hm, ok := params["headers"].(map[string]any); ok {
		for k, v := range hm {
			headers[k] = fmt.Sprintf("%v", v)
		}
	}

	timeout := h.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	status, respBody, err := postJSON(reqCtx, h.config, stringParam(params, "url", ""), headers, body)
	if err != nil {
		return nil, err
	}

	result := map[string]any{
		"status_code": status,
		"body":        parseBody(respBody),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if boolParam(params, "fail_on_error_status", true) {
		if err := statusError("http.post", status); err != nil {
			return nil, err.WithDetails(result)
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.post: failed to marshal output").WithCause(err)
	}
	return &HandlerOutput{Data: data}, nil
}

// postJSON sends payload as JSON and returns the status and a size-limited body.
func postJSON(ctx context.Context, cfg HTTPConfig, rawURL string, headers map[string]string, payload any) (int, []byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, schema.NewErrorf(schema.ErrCodeExecution, "marshal request body").WithCause(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(b))
	if err != nil {
		return 0, nil, schema.NewErrorf(schema.ErrCodeExecution, "create request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := cfg.Client.Do(req)
	if err != nil {
		return 0, nil, schema.NewErrorf(schema.ErrCodeExecution, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, schema.NewErrorf(schema.ErrCodeExecution, "read response body").WithCause(err)
	}
	return resp.StatusCode, respBody, nil
}

// statusError maps an HTTP status onto a retryable or permanent error.
// 408, 429 and 5xx are worth retrying; other 4xx are not.
func statusError(op string, status int) *schema.LifecycleError {
	switch {
	case status < 400:
		return nil
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return schema.NewErrorf(schema.ErrCodeExecution, "%s: server returned %d", op, status)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: server rejected request with %d", op, status)
	}
}

func parseBody(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err == nil {
		return v
	}
	return strings.TrimSpace(string(b))
}

func validateURL(op, rawURL string) error {
	if rawURL == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param 'url'", op)
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid url %q", op, rawURL)
	}
	return nil
}
