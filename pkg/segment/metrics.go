package segment

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/caskdb/cask/pkg/telemetry"
)

// Metrics defines the interface for segment telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordAppend records metrics for a segment append operation.
	RecordAppend(ctx context.Context, duration time.Duration, bytes int64, opType string)

	// RecordRead records metrics for a location read.
	RecordRead(ctx context.Context, duration time.Duration, bytes int64, status string)

	// RecordSync records metrics for a segment sync operation.
	RecordSync(ctx context.Context, duration time.Duration)

	// RecordRotation records a segment rotation.
	RecordRotation(ctx context.Context, sealedSize int64, newID uint64)

	// RecordCorruption records a detected corrupt record.
	RecordCorruption(ctx context.Context, reason string, id uint64)
}

type segmentMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates a segment metrics implementation backed by tel.
// If tel is nil, returns a no-op implementation.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return &noopMetrics{}
	}
	return &segmentMetrics{tel: tel}
}

// NewNoopMetrics creates a no-op segment metrics implementation for testing.
func NewNoopMetrics() Metrics {
	return &noopMetrics{}
}

func (m *segmentMetrics) RecordAppend(ctx context.Context, duration time.Duration, bytes int64, opType string) {
	m.tel.RecordHistogram(ctx, "cask.segment.append.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSegment),
		attribute.String(telemetry.AttrOperationType, opType),
	)
	m.tel.RecordCounter(ctx, "cask.segment.append.bytes", bytes,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSegment),
		attribute.String(telemetry.AttrOperationType, opType),
	)
}

func (m *segmentMetrics) RecordRead(ctx context.Context, duration time.Duration, bytes int64, status string) {
	m.tel.RecordHistogram(ctx, "cask.segment.read.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSegment),
		attribute.String(telemetry.AttrStatus, status),
	)
	m.tel.RecordCounter(ctx, "cask.segment.read.bytes", bytes,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSegment),
		attribute.String(telemetry.AttrStatus, status),
	)
}

func (m *segmentMetrics) RecordSync(ctx context.Context, duration time.Duration) {
	m.tel.RecordHistogram(ctx, "cask.segment.sync.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSegment),
	)
}

func (m *segmentMetrics) RecordRotation(ctx context.Context, sealedSize int64, newID uint64) {
	m.tel.RecordCounter(ctx, "cask.segment.rotation.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSegment),
		attribute.String(telemetry.AttrSegmentID, strconv.FormatUint(newID, 10)),
	)
	m.tel.RecordHistogram(ctx, "cask.segment.rotation.sealed_size", float64(sealedSize),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSegment),
	)
}

func (m *segmentMetrics) RecordCorruption(ctx context.Context, reason string, id uint64) {
	m.tel.RecordCounter(ctx, "cask.segment.corruption.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSegment),
		attribute.String(telemetry.AttrReason, reason),
		attribute.String(telemetry.AttrSegmentID, strconv.FormatUint(id, 10)),
	)
}

func (m *segmentMetrics) Close() error {
	return nil
}

type noopMetrics struct{}

func (n *noopMetrics) RecordAppend(ctx context.Context, duration time.Duration, bytes int64, opType string) {
}
func (n *noopMetrics) RecordRead(ctx context.Context, duration time.Duration, bytes int64, status string) {
}
func (n *noopMetrics) RecordSync(ctx context.Context, duration time.Duration)           {}
func (n *noopMetrics) RecordRotation(ctx context.Context, sealedSize int64, newID uint64) {}
func (n *noopMetrics) RecordCorruption(ctx context.Context, reason string, id uint64)     {}
func (n *noopMetrics) Close() error                                                      { return nil }
