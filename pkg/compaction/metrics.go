package compaction

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/caskdb/cask/pkg/telemetry"
)

// Metrics defines the interface for compaction telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordCompaction records metrics for a completed merge.
	RecordCompaction(ctx context.Context, duration time.Duration, report *Report)

	// RecordCompactionError records a failed merge.
	RecordCompactionError(ctx context.Context, reason string)

	// RecordRepointSkipped records a merged record whose keydir entry moved
	// on before the repoint, leaving the merged copy unreferenced.
	RecordRepointSkipped(ctx context.Context, id uint64)
}

type compactionMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates a compaction metrics implementation backed by tel.
// If tel is nil, returns a no-op implementation.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return &noopMetrics{}
	}
	return &compactionMetrics{tel: tel}
}

// NewNoopMetrics creates a no-op compaction metrics implementation for testing.
func NewNoopMetrics() Metrics {
	return &noopMetrics{}
}

func (m *compactionMetrics) RecordCompaction(ctx context.Context, duration time.Duration, report *Report) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	}
	m.tel.RecordHistogram(ctx, "cask.compaction.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "cask.compaction.count", 1, attrs...)
	m.tel.RecordCounter(ctx, "cask.compaction.segments.in", int64(report.SegmentsIn), attrs...)
	m.tel.RecordCounter(ctx, "cask.compaction.segments.out", int64(report.SegmentsOut), attrs...)
	m.tel.RecordCounter(ctx, "cask.compaction.records.kept", report.RecordsKept, attrs...)
	m.tel.RecordCounter(ctx, "cask.compaction.records.dropped", report.RecordsDropped, attrs...)
	m.tel.RecordCounter(ctx, "cask.compaction.tombstones.dropped", report.TombstonesDropped, attrs...)
	m.tel.RecordCounter(ctx, "cask.compaction.bytes.reclaimed", report.BytesReclaimed, attrs...)
}

func (m *compactionMetrics) RecordCompactionError(ctx context.Context, reason string) {
	m.tel.RecordCounter(ctx, "cask.compaction.error.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrReason, reason),
	)
}

func (m *compactionMetrics) RecordRepointSkipped(ctx context.Context, id uint64) {
	m.tel.RecordCounter(ctx, "cask.compaction.repoint.skipped", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrSegmentID, strconv.FormatUint(id, 10)),
	)
}

func (m *compactionMetrics) Close() error {
	return nil
}

type noopMetrics struct{}

func (n *noopMetrics) RecordCompaction(ctx context.Context, duration time.Duration, report *Report) {}
func (n *noopMetrics) RecordCompactionError(ctx context.Context, reason string)                    {}
func (n *noopMetrics) RecordRepointSkipped(ctx context.Context, id uint64)                         {}
func (n *noopMetrics) Close() error                                                                { return nil }
