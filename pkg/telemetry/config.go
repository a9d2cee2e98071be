// ABOUTME: Configuration for telemetry setup including exporters, sampling, and validation
// ABOUTME: Supports environment variable overrides and provides defaults for all telemetry options

package telemetry

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Exporter names
const (
	// ExporterStdout writes metrics and spans as JSON to Config.Output
	ExporterStdout = "stdout"
	// ExporterGlobal records through the process-wide OpenTelemetry providers
	ExporterGlobal = "global"
)

// Config holds all configuration for telemetry providers and exporters.
type Config struct {
	// ServiceName identifies the service in telemetry data
	ServiceName string `json:"service_name"`

	// ServiceVersion identifies the service version in telemetry data
	ServiceVersion string `json:"service_version"`

	// Enabled controls whether telemetry is active
	Enabled bool `json:"enabled"`

	// Exporter selects where data goes (stdout, global)
	Exporter string `json:"exporter"`

	// SampleRate controls trace sampling (0.0 to 1.0)
	SampleRate float64 `json:"sample_rate"`

	// ExportInterval controls how often metrics are pushed
	ExportInterval time.Duration `json:"export_interval"`

	// BatchTimeout controls how long spans wait before being exported
	BatchTimeout time.Duration `json:"batch_timeout"`

	// Output receives stdout exporter data; nil means os.Stdout
	Output io.Writer `json:"-"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "yalskv",
		ServiceVersion: "development",
		Enabled:        false,
		Exporter:       ExporterStdout,
		SampleRate:     1.0,
		ExportInterval: 30 * time.Second,
		BatchTimeout:   5 * time.Second,
	}
}

// LoadFromEnv loads configuration from environment variables, overriding current values.
func (c *Config) LoadFromEnv() {
	if val := os.Getenv("YALSKV_TELEMETRY_SERVICE_NAME"); val != "" {
		c.ServiceName = val
	}

	if val := os.Getenv("YALSKV_TELEMETRY_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.Enabled = enabled
		}
	}

	if val := os.Getenv("YALSKV_TELEMETRY_EXPORTER"); val != "" {
		c.Exporter = strings.TrimSpace(val)
	}

	if val := os.Getenv("YALSKV_TELEMETRY_SAMPLE_RATE"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.SampleRate = rate
		}
	}

	if val := os.Getenv("YALSKV_TELEMETRY_EXPORT_INTERVAL"); val != "" {
		if interval, err := time.ParseDuration(val); err == nil {
			c.ExportInterval = interval
		}
	}
}

// Validate checks the configuration for invalid values and returns an error if found.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name cannot be empty")
	}

	if c.SampleRate < 0.0 || c.SampleRate > 1.0 {
		return fmt.Errorf("sample_rate must be between 0.0 and 1.0, got %f", c.SampleRate)
	}

	switch c.Exporter {
	case ExporterStdout:
		if c.ExportInterval <= 0 {
			return fmt.Errorf("export_interval must be positive, got %s", c.ExportInterval)
		}
		if c.BatchTimeout <= 0 {
			return fmt.Errorf("batch_timeout must be positive, got %s", c.BatchTimeout)
		}
	case ExporterGlobal:
	default:
		return fmt.Errorf("invalid exporter: %s, valid options are: stdout, global", c.Exporter)
	}

	return nil
}
