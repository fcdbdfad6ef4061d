package actions

import (
	"context"
	"encoding/json"
	"time"
)

// CustomHandler is a side effect a definition invokes by name through a
// custom_action.
type CustomHandler interface {
	Name() string
	Schema() HandlerSchema
	Execute(ctx context.Context, input HandlerInput) (*HandlerOutput, error)
	Validate(params map[string]any) error
}

// CustomActionRegistry manages the lookup of custom handlers.
type CustomActionRegistry interface {
	Register(h CustomHandler) error
	Get(name string) (CustomHandler, error)
	Has(name string) bool
	List() []HandlerInfo
}

// HandlerSchema describes the params contract of a handler. ParamsSchema
// is checked against every custom_action that names the handler when a
// definition loads.
type HandlerSchema struct {
	ParamsSchema json.RawMessage `json:"params_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// HandlerInput is the data provided to a handler at dispatch time.
type HandlerInput struct {
	IdempotencyKey string         `json:"idempotency_key"`
	InstanceID     string         `json:"instance_id"`
	ObjectType     string         `json:"object_type"`
	State          string         `json:"state"`
	Params         map[string]any `json:"params"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// HandlerOutput is the result of a handler execution.
type HandlerOutput struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// HandlerInfo is a summary of a registered handler for listing.
type HandlerInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Notifier delivers email alerts. Implementations must treat a repeated
// IdempotencyKey as already delivered.
type Notifier interface {
	SendAlert(ctx context.Context, alert Alert) error
}

// Alert is a resolved email_alert action.
type Alert struct {
	IdempotencyKey string         `json:"idempotency_key"`
	InstanceID     string         `json:"instance_id"`
	ObjectType     string         `json:"object_type"`
	Template       string         `json:"template"`
	Recipients     []string       `json:"recipients"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// TaskService opens follow-up tasks. Implementations must treat a repeated
// IdempotencyKey as already created.
type TaskService interface {
	CreateTask(ctx context.Context, task Task) error
}

// Task is a resolved task_creation action.
type Task struct {
	IdempotencyKey string    `json:"idempotency_key"`
	InstanceID     string    `json:"instance_id"`
	ObjectType     string    `json:"object_type"`
	Subject        string    `json:"subject"`
	Assignee       string    `json:"assignee,omitempty"`
	Priority       string    `json:"priority,omitempty"`
	DueAt          time.Time `json:"due_at"`
}
