package telemetry

import (
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry is an always-sampling Telemetry whose spans stay in
// memory. Call Install to route the package-level tracers through it.
type TestTelemetry struct {
	*Telemetry
	recorder *tracetest.SpanRecorder
}

func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(rec),
	)
	return &TestTelemetry{Telemetry: &Telemetry{config: cfg, tracerProvider: tp}, recorder: rec}
}

// SpanByName returns the first ended span called name, or nil.
func (t *TestTelemetry) SpanByName(name string) sdktrace.ReadOnlySpan {
	for _, s := range t.recorder.Ended() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if t.SpanByName(name) != nil {
		return
	}
	var seen []string
	for _, s := range t.recorder.Ended() {
		seen = append(seen, s.Name())
	}
	tb.Errorf("no ended span %q; have %v", name, seen)
}

// AssertSpanAttribute compares against attribute.Value.AsInterface, so
// integer attributes are int64.
func (t *TestTelemetry) AssertSpanAttribute(tb testing.TB, spanName, key string, want any) {
	tb.Helper()
	s := t.SpanByName(spanName)
	if s == nil {
		tb.Fatalf("no ended span %q", spanName)
	}
	for _, kv := range s.Attributes() {
		if string(kv.Key) != key {
			continue
		}
		if got := kv.Value.AsInterface(); got != want {
			tb.Errorf("span %q: %s = %v, want %v", spanName, key, got, want)
		}
		return
	}
	tb.Errorf("span %q has no attribute %q", spanName, key)
}
