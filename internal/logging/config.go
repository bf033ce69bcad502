package logging

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/personad/internal/config"
)

// Output encodings.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// TraceLevel sits below Debug for wire-level detail such as raw store
// records.
const TraceLevel = zapcore.DebugLevel - 1

// Config shapes a Logger.
type Config struct {
	Level     zapcore.Level     `koanf:"level"`
	Format    string            `koanf:"format"`
	Sampling  SamplingConfig    `koanf:"sampling"`
	Caller    CallerConfig      `koanf:"caller"`
	Fields    map[string]string `koanf:"fields"`
	Redaction RedactionConfig   `koanf:"redaction"`
}

// SamplingConfig thins repeated entries below Error within each Tick.
type SamplingConfig struct {
	Enabled    bool            `koanf:"enabled"`
	Tick       config.Duration `koanf:"tick"`
	Initial    int             `koanf:"initial"`
	Thereafter int             `koanf:"thereafter"`
}

type CallerConfig struct {
	Enabled bool `koanf:"enabled"`
	Skip    int  `koanf:"skip"`
}

// RedactionConfig names the field keys that are always masked and the
// value patterns that mask any string field.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

var (
	defaultSensitiveKeys = []string{"password", "secret", "token", "api_key", "authorization"}
	defaultSecretValues  = []string{`(?i)bearer\s+\S+`, `(?i)api[_-]?key[=:]\s*\S+`}
)

// NewDefaultConfig returns info-level JSON with sampling and redaction on.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: FormatJSON,
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Caller: CallerConfig{Enabled: true, Skip: 1},
		Fields: map[string]string{"service": "personad"},
		Redaction: RedactionConfig{
			Enabled:  true,
			Fields:   append([]string(nil), defaultSensitiveKeys...),
			Patterns: append([]string(nil), defaultSecretValues...),
		},
	}
}

// ParseLevel accepts the zap level names plus "trace".
func ParseLevel(s string) (zapcore.Level, error) {
	if strings.EqualFold(s, "trace") {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

// FromAppConfig overlays the logging section of the process
// configuration on the defaults.
func FromAppConfig(cfg config.LoggingConfig, serviceName string) (*Config, error) {
	out := NewDefaultConfig()
	if cfg.Level != "" {
		level, err := ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		out.Level = level
	}
	if cfg.Format != "" {
		out.Format = cfg.Format
	}
	if serviceName != "" {
		out.Fields["service"] = serviceName
	}
	return out, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Format != FormatJSON && c.Format != FormatConsole {
		errs = append(errs, fmt.Errorf("format must be %q or %q, got %q", FormatJSON, FormatConsole, c.Format))
	}
	if c.Sampling.Enabled && c.Sampling.Tick.Duration() <= 0 {
		errs = append(errs, errors.New("sampling tick must be > 0 when sampling enabled"))
	}
	if c.Caller.Enabled && c.Caller.Skip < 0 {
		errs = append(errs, fmt.Errorf("caller skip must be >= 0, got %d", c.Caller.Skip))
	}
	if _, err := newRedactingEncoder(nil, c.Redaction); err != nil {
		errs = append(errs, err)
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			errs = append(errs, fmt.Errorf("constant field %q=%q needs both key and value", k, v))
		}
	}
	return errors.Join(errs...)
}
