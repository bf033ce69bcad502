package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	requestKey ctxKey = iota
	personaKey
	taskKey
	loggerKey
)

// correlation lists the string values ContextFields copies into a log
// entry, in output order.
var correlation = []struct {
	key   ctxKey
	field string
}{
	{requestKey, "request.id"},
	{personaKey, "persona.id"},
	{taskKey, "task.type"},
}

// ContextFields returns the trace and correlation fields carried by ctx.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	for _, c := range correlation {
		if v := stringValue(ctx, c.key); v != "" {
			fields = append(fields, zap.String(c.field, v))
		}
	}
	return fields
}

func withString(ctx context.Context, key ctxKey, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

func stringValue(ctx context.Context, key ctxKey) string {
	s, _ := ctx.Value(key).(string)
	return s
}

// WithRequestID tags ctx with an HTTP request id. Empty ids are ignored,
// as they are for the other With* helpers.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestKey, id)
}

func RequestIDFromContext(ctx context.Context) string { return stringValue(ctx, requestKey) }

// WithPersonaID tags ctx with the persona being scored or served.
func WithPersonaID(ctx context.Context, id string) context.Context {
	return withString(ctx, personaKey, id)
}

func PersonaIDFromContext(ctx context.Context) string { return stringValue(ctx, personaKey) }

// WithTaskType tags ctx with the task a recommendation was asked for.
func WithTaskType(ctx context.Context, task string) context.Context {
	return withString(ctx, taskKey, task)
}

func TaskTypeFromContext(ctx context.Context) string { return stringValue(ctx, taskKey) }

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored by WithLogger, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return NewNop()
}
