package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

type ctxKey int

const (
	instanceIDKey ctxKey = iota
	objectTypeKey
	eventKey
)

// WithInstanceID returns a context with the instance ID set.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithObjectType returns a context with the object type set.
func WithObjectType(ctx context.Context, objectType string) context.Context {
	return context.WithValue(ctx, objectTypeKey, objectType)
}

// WithEvent returns a context with the event name set.
func WithEvent(ctx context.Context, event string) context.Context {
	return context.WithValue(ctx, eventKey, event)
}

// InstanceID extracts the instance ID from the context, or "" if absent.
func InstanceID(ctx context.Context) string {
	v, _ := ctx.Value(instanceIDKey).(string)
	return v
}

// ObjectType extracts the object type from the context, or "" if absent.
func ObjectType(ctx context.Context) string {
	v, _ := ctx.Value(objectTypeKey).(string)
	return v
}

// Event extracts the event name from the context, or "" if absent.
func Event(ctx context.Context) string {
	v, _ := ctx.Value(eventKey).(string)
	return v
}

// WithIDs sets all three correlation values on the context at once.
func WithIDs(ctx context.Context, objectType, instanceID, event string) context.Context {
	ctx = WithObjectType(ctx, objectType)
	ctx = WithInstanceID(ctx, instanceID)
	ctx = WithEvent(ctx, event)
	return ctx
}

// attrs collects the non-empty correlation values of ctx, plus the trace
// and span IDs when ctx carries a valid span.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	if v := InstanceID(ctx); v != "" {
		out = append(out, slog.String("instance_id", v))
	}
	if v := ObjectType(ctx); v != "" {
		out = append(out, slog.String("object_type", v))
	}
	if v := Event(ctx); v != "" {
		out = append(out, slog.String("event", v))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		out = append(out,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()))
	}
	return out
}

// LogWith returns a logger enriched with correlation values from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation values from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
