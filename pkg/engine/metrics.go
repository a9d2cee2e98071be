package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sergey-melnychuk/yalskv/pkg/segment"
	"github.com/sergey-melnychuk/yalskv/pkg/stats"
	"github.com/sergey-melnychuk/yalskv/pkg/telemetry"
)

var opTypes = map[stats.OperationType]string{
	stats.OpInsert: telemetry.OpTypeInsert,
	stats.OpRemove: telemetry.OpTypeRemove,
	stats.OpLookup: telemetry.OpTypeLookup,
	stats.OpScan:   telemetry.OpTypeScan,
	stats.OpSeal:   telemetry.OpTypeSeal,
}

// errorType classifies err for the error.type attribute
func errorType(err error) string {
	switch {
	case errors.Is(err, segment.ErrCorruptRecord):
		return "corrupt"
	case errors.Is(err, segment.ErrIO):
		return "io"
	case errors.Is(err, ErrEngineClosed):
		return "closed"
	default:
		return "other"
	}
}

// observe records one finished operation in the stats collector and telemetry
func (e *Engine) observe(op stats.OperationType, start time.Time, bytes int, isWrite bool, err error) {
	elapsed := time.Since(start)
	e.stats.TrackOperationWithLatency(op, uint64(elapsed.Nanoseconds()))

	status := telemetry.StatusSuccess
	if err != nil {
		status = telemetry.StatusError
		e.stats.TrackError(string(op) + "_error")
	} else if bytes > 0 {
		e.stats.TrackBytes(isWrite, uint64(bytes))
	}

	ctx := context.Background()
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrOperationType, opTypes[op]),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrStatus, status),
	}
	if err != nil {
		attrs = append(attrs, attribute.String(telemetry.AttrErrorType, errorType(err)))
	}
	e.tel.RecordHistogram(ctx, telemetry.MetricOperationDuration, elapsed.Seconds(), attrs...)
	if err == nil && bytes > 0 {
		name := telemetry.MetricBytesRead
		if isWrite {
			name = telemetry.MetricBytesWritten
		}
		e.tel.RecordCounter(ctx, name, int64(bytes), attrs[:2]...)
	}
}

// trackSegments refreshes segment gauges; segMu must be held
func (e *Engine) trackSegments() {
	var bytes int64
	for _, seg := range e.segs {
		bytes += seg.Size()
	}
	e.stats.TrackSegments(len(e.segs), bytes)
}
