package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/caskdb/cask/pkg/telemetry"
)

// Metrics defines the interface for engine telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordOperation records a facade-level operation.
	RecordOperation(ctx context.Context, opType string, duration time.Duration, status string)

	// RecordRecovery records a completed startup recovery.
	RecordRecovery(ctx context.Context, duration time.Duration, segments, entries uint64)
}

type engineMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates an engine metrics implementation backed by tel.
// If tel is nil, returns a no-op implementation.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return &noopMetrics{}
	}
	return &engineMetrics{tel: tel}
}

// NewNoopMetrics creates a no-op engine metrics implementation for testing.
func NewNoopMetrics() Metrics {
	return &noopMetrics{}
}

func (m *engineMetrics) RecordOperation(ctx context.Context, opType string, duration time.Duration, status string) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrOperationType, opType),
		attribute.String(telemetry.AttrStatus, status),
	}
	m.tel.RecordHistogram(ctx, "cask.engine.operation.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "cask.engine.operation.count", 1, attrs...)
}

func (m *engineMetrics) RecordRecovery(ctx context.Context, duration time.Duration, segments, entries uint64) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
	}
	m.tel.RecordHistogram(ctx, "cask.engine.recovery.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "cask.engine.recovery.segments", int64(segments), attrs...)
	m.tel.RecordCounter(ctx, "cask.engine.recovery.entries", int64(entries), attrs...)
}

func (m *engineMetrics) Close() error {
	return nil
}

type noopMetrics struct{}

func (n *noopMetrics) RecordOperation(ctx context.Context, opType string, duration time.Duration, status string) {
}
func (n *noopMetrics) RecordRecovery(ctx context.Context, duration time.Duration, segments, entries uint64) {
}
func (n *noopMetrics) Close() error { return nil }
