// Package engine provides the cask store facade: a log-structured key-value
// store with an append-only segment log on disk and an in-memory keydir
// mapping every live key to its newest record. Writes append and update the
// keydir; reads resolve through the keydir in one disk read; deletes append
// tombstones; compaction merges sealed segments to reclaim space.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caskdb/cask/pkg/common/log"
	"github.com/caskdb/cask/pkg/compaction"
	"github.com/caskdb/cask/pkg/config"
	"github.com/caskdb/cask/pkg/keydir"
	"github.com/caskdb/cask/pkg/segment"
	"github.com/caskdb/cask/pkg/stats"
	"github.com/caskdb/cask/pkg/telemetry"
)

// readRetries bounds re-resolution of a Location when a read races the
// compactor deleting the segment it points at. The keydir is repointed before
// old segments are removed, so one retry normally suffices.
const readRetries = 3

// Engine is the store facade. It owns the single append path, the keydir,
// the shared reader, and the compactor. Reads run concurrently with writes;
// the append-plus-keydir-update step is the one serialized unit.
type Engine struct {
	cfg     *config.Config
	dataDir string
	logger  log.Logger
	tel     telemetry.Telemetry
	metrics Metrics
	stats   stats.Collector

	keys      *keydir.KeyDir
	reader    *segment.Reader
	writer    *segment.Writer
	seq       *segment.IDSequence
	compactor *compaction.Compactor

	// writeMu makes "append record + update keydir" atomic with respect to
	// other writes. Rotation happens inside the same critical section.
	writeMu sync.Mutex

	closed atomic.Bool
}

// Option configures an Engine at open time.
type Option func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTelemetry attaches a telemetry backend. Without it all metrics and
// spans are no-ops.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(e *Engine) { e.tel = tel }
}

// NewEngine opens the store at dataDir, creating it if needed. An existing
// store is recovered by replaying its segments into a fresh keydir; appends
// then resume at the tail of the highest segment.
func NewEngine(dataDir string, opts ...Option) (*Engine, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Load or create the configuration
	cfg, err := config.LoadConfigFromManifest(dataDir)
	if err != nil {
		if !errors.Is(err, config.ErrManifestNotFound) {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = config.NewDefaultConfig(dataDir)
		if err := cfg.SaveManifest(dataDir); err != nil {
			return nil, fmt.Errorf("failed to save configuration: %w", err)
		}
	}

	e := &Engine{
		cfg:     cfg,
		dataDir: dataDir,
		logger:  log.GetDefaultLogger().WithField("component", "engine"),
		tel:     telemetry.NewNoop(),
		stats:   stats.NewAtomicCollector(),
		keys:    keydir.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = NewMetrics(e.tel)
	e.reader = segment.NewReader(cfg.SegmentDir, segment.NewMetrics(e.tel))

	// An interrupted merge can leave .merge files behind; nothing ever
	// references them, so clear them before replay
	if removed, err := segment.RemoveStrayMergeFiles(cfg.SegmentDir); err != nil {
		e.reader.Close()
		return nil, err
	} else if removed > 0 {
		e.logger.Warn("removed %d stray merge files from an interrupted compaction", removed)
	}

	rec, err := recoverStore(cfg, e.keys, e.stats, e.logger)
	if err != nil {
		e.reader.Close()
		return nil, fmt.Errorf("recovery failed: %w", err)
	}
	e.metrics.RecordRecovery(context.Background(), rec.duration, uint64(len(rec.segments)), rec.entries)

	segMetrics := segment.NewMetrics(e.tel)
	if len(rec.segments) > 0 {
		// The resumed segment may be a compaction output whose hint covers
		// only the merged records. Once new appends land behind it, a hinted
		// replay would miss them, so the hint has to go before the segment
		// grows.
		if err := segment.RemoveHint(cfg.SegmentDir, rec.lastSegment); err != nil {
			e.reader.Close()
			return nil, err
		}
		e.seq = segment.NewIDSequence(rec.maxID + 1)
		e.writer, err = segment.ResumeWriter(cfg, cfg.SegmentDir, rec.lastSegment, rec.lastOffset,
			rec.lastTimestamp, e.seq, segMetrics)
	} else {
		e.seq = segment.NewIDSequence(0)
		e.writer, err = segment.OpenWriter(cfg, cfg.SegmentDir, e.seq, segMetrics)
	}
	if err != nil {
		e.reader.Close()
		return nil, err
	}

	e.compactor = compaction.NewCompactor(cfg, cfg.SegmentDir, e.keys, e.reader, e.seq,
		e.writer.ActiveSegment, e.logger.WithField("component", "compaction"),
		compaction.NewMetrics(e.tel))

	e.logger.Info("opened store at %s: %d segments, %d keys recovered",
		dataDir, len(rec.segments), e.keys.Len())
	return e, nil
}

// Put stores a key-value pair. The record is appended to the active segment
// before the keydir is updated, so a failed append leaves no trace.
func (e *Engine) Put(key, value []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	start := time.Now()

	e.writeMu.Lock()
	loc, err := e.writer.Append(key, value, false)
	if err == nil {
		e.keys.Put(key, loc)
	}
	e.writeMu.Unlock()

	latencyNs := uint64(time.Since(start).Nanoseconds())
	e.stats.TrackOperationWithLatency(stats.OpPut, latencyNs)

	if err != nil {
		e.stats.TrackError("put_error")
		e.metrics.RecordOperation(context.Background(), telemetry.OpTypePut, time.Since(start), telemetry.StatusError)
		return err
	}

	e.stats.TrackBytes(true, uint64(len(key)+len(value)))
	e.stats.TrackKeyDirSize(uint64(e.keys.Len()))
	e.metrics.RecordOperation(context.Background(), telemetry.OpTypePut, time.Since(start), telemetry.StatusSuccess)
	return nil
}

// Get returns the value for key, or ErrKeyNotFound if the key was never
// written or its newest record is a tombstone.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	start := time.Now()

	value, err := e.get(key)

	latencyNs := uint64(time.Since(start).Nanoseconds())
	e.stats.TrackOperationWithLatency(stats.OpGet, latencyNs)

	if err == nil {
		e.stats.TrackBytes(false, uint64(len(key)+len(value)))
		e.metrics.RecordOperation(context.Background(), telemetry.OpTypeGet, time.Since(start), telemetry.StatusSuccess)
	} else if !errors.Is(err, ErrKeyNotFound) {
		e.stats.TrackError("get_error")
		e.metrics.RecordOperation(context.Background(), telemetry.OpTypeGet, time.Since(start), telemetry.StatusError)
	}

	return value, err
}

func (e *Engine) get(key []byte) ([]byte, error) {
	// A compaction between the keydir lookup and the disk read can delete
	// the segment the Location points at. The keydir is repointed first, so
	// re-resolving the key finds the merged copy.
	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		loc, ok := e.keys.Get(key)
		if !ok || loc.Tombstone {
			return nil, ErrKeyNotFound
		}

		entry, err := e.reader.Read(loc)
		if err == nil {
			return entry.Value, nil
		}
		if !errors.Is(err, segment.ErrSegmentMissing) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Has reports whether key currently has a live value, without reading it.
func (e *Engine) Has(key []byte) bool {
	if e.closed.Load() {
		return false
	}
	loc, ok := e.keys.Get(key)
	return ok && !loc.Tombstone
}

// Delete removes a key by appending a tombstone record. The keydir keeps an
// entry pointing at the tombstone so that replay and concurrent readers see
// the deletion rather than an older value; compaction retires the entry once
// every older record for the key is gone. Deleting an absent key is a no-op
// that still appends a tombstone.
func (e *Engine) Delete(key []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	start := time.Now()

	e.writeMu.Lock()
	loc, err := e.writer.Append(key, nil, true)
	if err == nil {
		e.keys.Put(key, loc)
	}
	e.writeMu.Unlock()

	latencyNs := uint64(time.Since(start).Nanoseconds())
	e.stats.TrackOperationWithLatency(stats.OpDelete, latencyNs)

	if err != nil {
		e.stats.TrackError("delete_error")
		e.metrics.RecordOperation(context.Background(), telemetry.OpTypeDelete, time.Since(start), telemetry.StatusError)
		return err
	}

	e.stats.TrackBytes(true, uint64(len(key)))
	e.stats.TrackKeyDirSize(uint64(e.keys.Len()))
	e.metrics.RecordOperation(context.Background(), telemetry.OpTypeDelete, time.Since(start), telemetry.StatusSuccess)
	return nil
}

// Compact merges every sealed segment, dropping superseded records and
// retired tombstones, and deletes the originals. When there are fewer sealed
// segments than the configured minimum, nothing is merged and the returned
// report has Skipped set.
func (e *Engine) Compact() (*compaction.Report, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	start := time.Now()

	candidates, err := e.sealedSegments()
	if err != nil {
		return nil, err
	}
	if len(candidates) < e.cfg.CompactionMinSegments {
		e.logger.Debug("skipping compaction: %d sealed segments, need %d",
			len(candidates), e.cfg.CompactionMinSegments)
		return &compaction.Report{Skipped: true}, nil
	}

	report, err := e.compactor.Compact(candidates)

	latencyNs := uint64(time.Since(start).Nanoseconds())
	e.stats.TrackOperationWithLatency(stats.OpCompact, latencyNs)

	if err != nil {
		e.stats.TrackError("compaction_error")
		e.metrics.RecordOperation(context.Background(), telemetry.OpTypeCompact, time.Since(start), telemetry.StatusError)
		return nil, err
	}

	e.stats.TrackCompaction()
	e.stats.TrackKeyDirSize(uint64(e.keys.Len()))
	e.metrics.RecordOperation(context.Background(), telemetry.OpTypeCompact, time.Since(start), telemetry.StatusSuccess)
	return report, nil
}

// CompactSegments merges a caller-chosen set of sealed segments. External
// compaction policies use this instead of the merge-everything Compact.
func (e *Engine) CompactSegments(candidates []uint64) (*compaction.Report, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	start := time.Now()
	report, err := e.compactor.Compact(candidates)

	latencyNs := uint64(time.Since(start).Nanoseconds())
	e.stats.TrackOperationWithLatency(stats.OpCompact, latencyNs)

	if err != nil {
		e.stats.TrackError("compaction_error")
		return nil, err
	}
	e.stats.TrackCompaction()
	return report, nil
}

func (e *Engine) sealedSegments() ([]uint64, error) {
	ids, err := segment.List(e.cfg.SegmentDir)
	if err != nil {
		return nil, err
	}
	active := e.writer.ActiveSegment()

	sealed := ids[:0]
	for _, id := range ids {
		if id != active {
			sealed = append(sealed, id)
		}
	}
	return sealed, nil
}

// Sync forces buffered appends to disk regardless of the configured sync
// mode.
func (e *Engine) Sync() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return e.writer.Sync()
}

// GetStats returns the current statistics for the engine.
func (e *Engine) GetStats() map[string]interface{} {
	s := e.stats.GetStats()
	s["active_segment"] = e.writer.ActiveSegment()
	s["closed"] = e.closed.Load()
	return s
}

// Close seals the active segment and releases every file handle. Further
// operations fail with ErrEngineClosed; Close itself is idempotent.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}

	e.stats.TrackOperation(stats.OpClose)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	err := e.writer.Close()
	if readerErr := e.reader.Close(); readerErr != nil && err == nil {
		err = readerErr
	}
	if telErr := e.tel.Shutdown(context.Background()); telErr != nil && err == nil {
		err = telErr
	}

	if err != nil {
		e.stats.TrackError("close_error")
	}
	e.logger.Info("closed store at %s", e.dataDir)
	return err
}
