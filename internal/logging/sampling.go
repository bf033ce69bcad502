package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples entries below Error. Errors always pass.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	errs := bandCore{Core: core, lo: zapcore.ErrorLevel, hi: zapcore.FatalLevel}
	rest := bandCore{Core: core, lo: TraceLevel, hi: zapcore.WarnLevel}
	return zapcore.NewTee(
		errs,
		zapcore.NewSamplerWithOptions(rest, cfg.Tick.Duration(), cfg.Initial, cfg.Thereafter),
	)
}

// bandCore passes only levels within [lo, hi].
type bandCore struct {
	zapcore.Core
	lo, hi zapcore.Level
}

func (c bandCore) Enabled(l zapcore.Level) bool {
	return l >= c.lo && l <= c.hi && c.Core.Enabled(l)
}

func (c bandCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c bandCore) With(fields []zapcore.Field) zapcore.Core {
	c.Core = c.Core.With(fields)
	return c
}
