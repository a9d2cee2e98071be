// ABOUTME: OpenTelemetry exporter factory for the stdout metric and trace exporters
// ABOUTME: Exporters write pretty-printed JSON to the configured writer

package telemetry

import (
	"io"
	"os"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func output(cfg Config) io.Writer {
	if cfg.Output != nil {
		return cfg.Output
	}
	return os.Stdout
}

func createStdoutMetricExporter(cfg Config) (sdkmetric.Exporter, error) {
	return stdoutmetric.New(
		stdoutmetric.WithWriter(output(cfg)),
		stdoutmetric.WithPrettyPrint(),
	)
}

func createStdoutTraceExporter(cfg Config) (sdktrace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithWriter(output(cfg)),
		stdouttrace.WithPrettyPrint(),
	)
}
