package telemetry

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/personad/internal/config"
)

// Config holds tracing settings.
type Config struct {
	Enabled         bool
	ServiceName     string
	ServiceVersion  string
	SampleRate      float64
	ShutdownTimeout time.Duration
}

// NewDefaultConfig returns tracing defaults. Tracing is off by default.
func NewDefaultConfig() Config {
	return Config{
		ServiceName:     "personad",
		ServiceVersion:  "dev",
		SampleRate:      1.0,
		ShutdownTimeout: 5 * time.Second,
	}
}

// ConfigFrom derives a Config from the observability section.
func ConfigFrom(obs config.ObservabilityConfig, version string) Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = obs.EnableTracing
	cfg.SampleRate = obs.TraceSampleRate
	if obs.ServiceName != "" {
		cfg.ServiceName = obs.ServiceName
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	return cfg
}

// Validate checks configuration for errors.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when tracing is enabled")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate must be between 0 and 1, got %f", c.SampleRate)
	}
	return nil
}
