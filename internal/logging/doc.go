// Package logging provides structured logging for personad.
//
// The package wraps Zap with:
//   - A custom Trace level (-2, below Debug)
//   - Automatic context field injection (trace_id, request, persona, task)
//   - Secret redaction by field name and value pattern
//   - Level-aware sampling (errors are never sampled)
//
// Create a logger from config:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
// Log with context:
//
//	ctx = logging.WithPersonaID(ctx, "researcher")
//	logger.Info(ctx, "recommendation served", zap.Float64("score", 0.72))
//
// Services that only need a plain *zap.Logger receive logger.Zap().
package logging
