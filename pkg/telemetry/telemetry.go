// ABOUTME: Core telemetry abstraction over OpenTelemetry for yalskv engine instrumentation
// ABOUTME: Provides metric recording, tracing, and lifecycle management with a no-op default

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is the abstraction engine components record metrics and spans through,
// so they never depend directly on OpenTelemetry.
type Telemetry interface {
	// RecordHistogram records a histogram value with optional attributes.
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)

	// RecordCounter records a counter increment with optional attributes.
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)

	// StartSpan creates a new tracing span with the given name and attributes.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Shutdown flushes and stops any providers owned by this instance.
	Shutdown(ctx context.Context) error
}

// NoopTelemetry drops everything.
type NoopTelemetry struct{}

// NewNoop creates a new no-operation telemetry instance.
func NewNoop() Telemetry {
	return &NoopTelemetry{}
}

// RecordHistogram is a no-op.
func (n *NoopTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
}

// RecordCounter is a no-op.
func (n *NoopTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
}

// StartSpan returns the original context and the span already carried by it.
func (n *NoopTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// Shutdown is a no-op.
func (n *NoopTelemetry) Shutdown(ctx context.Context) error {
	return nil
}

// RecordDuration records the seconds elapsed since start in a histogram.
func RecordDuration(ctx context.Context, tel Telemetry, name string, start time.Time, attrs ...attribute.KeyValue) {
	tel.RecordHistogram(ctx, name, time.Since(start).Seconds(), attrs...)
}

// RecordBytes records a byte count in a counter.
func RecordBytes(ctx context.Context, tel Telemetry, name string, bytes int64, attrs ...attribute.KeyValue) {
	tel.RecordCounter(ctx, name, bytes, attrs...)
}

// Attribute keys shared by all components
const (
	AttrOperationType = "operation.type"
	AttrComponent     = "component"
	AttrStatus        = "status"
	AttrErrorType     = "error.type"
	AttrSegment       = "segment.generation"
	AttrReason        = "reason"
)

// Operation types
const (
	OpTypeInsert = "insert"
	OpTypeRemove = "remove"
	OpTypeLookup = "lookup"
	OpTypeScan   = "scan"
	OpTypeSeal   = "seal"
	OpTypeReduce = "reduce"
)

// Status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Component names
const (
	ComponentEngine  = "engine"
	ComponentSegment = "segment"
	ComponentReduce  = "reduce"
)

// Metric names recorded by the engine
const (
	MetricOperationDuration = "yalskv.operation.duration"
	MetricBytesWritten      = "yalskv.bytes.written"
	MetricBytesRead         = "yalskv.bytes.read"
	MetricReduceDuration    = "yalskv.reduce.duration"
	MetricBytesReclaimed    = "yalskv.reduce.bytes_reclaimed"
	MetricRecordsLost       = "yalskv.reduce.records_lost"
	MetricReduceFailures    = "yalskv.reduce.failures"
	MetricSegmentsSealed    = "yalskv.segment.sealed"
	MetricBytesTruncated    = "yalskv.recovery.bytes_truncated"
)
