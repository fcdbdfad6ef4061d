package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/rendis/lifecycle/pkg/schema"
)

const logRecordParamsSchema = `{
  "type": "object",
  "properties": {
    "message": {"type": "string", "minLength": 1},
    "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "fields": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["message"],
  "additionalProperties": false
}`

// LogRecordHandler implements "log.record": one structured log line per
// dispatch, optionally carrying selected snapshot fields.
type LogRecordHandler struct {
	logger *slog.Logger
}

// NewLogRecordHandler creates the log.record handler.
func NewLogRecordHandler(logger *slog.Logger) *LogRecordHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecordHandler{logger: logger}
}

func (h *LogRecordHandler) Name() string { return "log.record" }

func (h *LogRecordHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description:  "Write a structured audit log line for the instance",
		ParamsSchema: json.RawMessage(logRecordParamsSchema),
	}
}

func (h *LogRecordHandler) Validate(params map[string]any) error {
	if stringParam(params, "message", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "log.record requires non-empty 'message' string parameter")
	}
	return nil
}

func (h *LogRecordHandler) Execute(ctx context.Context, input HandlerInput) (*HandlerOutput, error) {
	if err := h.Validate(input.Params); err != nil {
		return nil, err
	}

	attrs := []any{
		slog.String("instance_id", input.InstanceID),
		slog.String("object_type", input.ObjectType),
		slog.String("state", input.State),
		slog.String("idempotency_key", input.IdempotencyKey),
	}
	if names, ok := input.Params["fields"].([]any); ok {
		for _, n := range names {
			if name, ok := n.(string); ok {
				attrs = append(attrs, slog.Any("field."+name, input.Fields[name]))
			}
		}
	}
	h.logger.Log(ctx, parseLevel(stringParam(input.Params, "level", "info")),
		stringParam(input.Params, "message", ""), attrs...)
	return &HandlerOutput{Data: json.RawMessage(`{"logged":true}`)}, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogNotifier is a Notifier that logs alerts instead of mailing them. It
// remembers delivered keys so a redelivery is logged once.
type LogNotifier struct {
	logger *slog.Logger
	mu     sync.Mutex
	sent   map[string]bool
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger, sent: make(map[string]bool)}
}

func (n *LogNotifier) SendAlert(ctx context.Context, alert Alert) error {
	n.mu.Lock()
	dup := n.sent[alert.IdempotencyKey]
	n.sent[alert.IdempotencyKey] = true
	n.mu.Unlock()
	if dup {
		return nil
	}
	n.logger.InfoContext(ctx, "email alert",
		slog.String("instance_id", alert.InstanceID),
		slog.String("template", alert.Template),
		slog.Any("recipients", alert.Recipients),
		slog.String("idempotency_key", alert.IdempotencyKey),
	)
	return nil
}

// LogTaskService is a TaskService that logs tasks instead of creating them.
type LogTaskService struct {
	logger *slog.Logger
	mu     sync.Mutex
	seen   map[string]bool
}

// NewLogTaskService creates a LogTaskService.
func NewLogTaskService(logger *slog.Logger) *LogTaskService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTaskService{logger: logger, seen: make(map[string]bool)}
}

func (s *LogTaskService) CreateTask(ctx context.Context, task Task) error {
	s.mu.Lock()
	dup := s.seen[task.IdempotencyKey]
	s.seen[task.IdempotencyKey] = true
	s.mu.Unlock()
	if dup {
		return nil
	}
	s.logger.InfoContext(ctx, "task created",
		slog.String("instance_id", task.InstanceID),
		slog.String("subject", task.Subject),
		slog.String("assignee", task.Assignee),
		slog.String("priority", task.Priority),
		slog.Time("due_at", task.DueAt),
		slog.String("idempotency_key", task.IdempotencyKey),
	)
	return nil
}
