// Package telemetry sets up OpenTelemetry tracing for personad.
//
// Spans are sampled and kept in process: personad does not export them.
// Their purpose is correlation. The logging package attaches trace_id and
// span_id of the active span to every log line, and the HTTP layer continues
// W3C trace context from incoming requests so a caller's trace ID shows up
// in personad's logs.
//
// Usage:
//
//	tel, err := telemetry.New(telemetry.ConfigFrom(cfg.Observability, version))
//	if err != nil {
//	    return err
//	}
//	tel.Install()
//	defer tel.Shutdown(ctx)
//
// Tests use NewTestTelemetry, which records ended spans in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "Engine.Recommend")
//	span.End()
//	tt.AssertSpanExists(t, "Engine.Recommend")
package telemetry
