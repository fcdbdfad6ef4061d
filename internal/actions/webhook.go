package actions

import (
	"context"
	"fmt"
)

// WebhookNotifier delivers alerts as JSON POSTs to a mail gateway.
type WebhookNotifier struct {
	url    string
	config HTTPConfig
}

// NewWebhookNotifier creates a WebhookNotifier posting to url.
func NewWebhookNotifier(url string, cfg HTTPConfig) (*WebhookNotifier, error) {
	if err := validateURL("webhook notifier", url); err != nil {
		return nil, err
	}
	return &WebhookNotifier{url: url, config: cfg.withDefaults()}, nil
}

func (n *WebhookNotifier) SendAlert(ctx context.Context, alert Alert) error {
	ctx, cancel := context.WithTimeout(ctx, n.config.DefaultTimeout)
	defer cancel()

	status, _, err := postJSON(ctx, n.config, n.url,
		map[string]string{"Idempotency-Key": alert.IdempotencyKey}, alert)
	if err != nil {
		return fmt.Errorf("send alert %s: %w", alert.IdempotencyKey, err)
	}
	if err := statusError("webhook notifier", status); err != nil {
		return err
	}
	return nil
}

// WebhookTaskService creates tasks by POSTing them to a task endpoint.
type WebhookTaskService struct {
	url    string
	config HTTPConfig
}

// NewWebhookTaskService creates a WebhookTaskService posting to url.
func NewWebhookTaskService(url string, cfg HTTPConfig) (*WebhookTaskService, error) {
	if err := validateURL("webhook task service", url); err != nil {
		return nil, err
	}
	return &WebhookTaskService{url: url, config: cfg.withDefaults()}, nil
}

func (s *WebhookTaskService) CreateTask(ctx context.Context, task Task) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.DefaultTimeout)
	defer cancel()

	status, _, err := postJSON(ctx, s.config, s.url,
		map[string]string{"Idempotency-Key": task.IdempotencyKey}, task)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.IdempotencyKey, err)
	}
	if err := statusError("webhook task service", status); err != nil {
		return err
	}
	return nil
}
