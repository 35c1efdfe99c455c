package segment

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/caskdb/cask/pkg/config"
)

var ErrWriterClosed = errors.New("segment writer is closed")

// Writer appends records to the active segment and rotates to a new segment
// once the configured size threshold is crossed. Exactly one Writer owns the
// append path of a store; Append serializes internally so two appends never
// interleave their bytes.
type Writer struct {
	cfg     *config.Config
	dir     string
	seq     *IDSequence
	metrics Metrics

	mu            sync.Mutex
	file          *os.File
	buf           *bufio.Writer
	id            uint64
	offset        int64
	batchBytes    int64
	lastTimestamp uint64
	ids           []uint64 // every segment id this writer has opened, in order
	merge         bool     // merge writers produce .merge files for later rename
	closed        bool
}

// OpenWriter creates a writer whose first active segment is a fresh file with
// the next id from seq.
func OpenWriter(cfg *config.Config, dir string, seq *IDSequence, metrics Metrics) (*Writer, error) {
	w := newWriter(cfg, dir, seq, metrics, false)
	if err := w.openSegmentLocked(seq.Next()); err != nil {
		return nil, err
	}
	return w, nil
}

// ResumeWriter reopens an existing segment for append at offset, which must be
// the last verified offset of that segment. lastTimestamp seeds the monotonic
// timestamp sequence with the newest timestamp seen during recovery.
func ResumeWriter(cfg *config.Config, dir string, id uint64, offset int64, lastTimestamp uint64, seq *IDSequence, metrics Metrics) (*Writer, error) {
	w := newWriter(cfg, dir, seq, metrics, false)
	w.lastTimestamp = lastTimestamp

	file, err := os.OpenFile(FilePath(dir, id), os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen segment %d: %w", id, err)
	}
	if _, err := file.Seek(offset, 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek segment %d to offset %d: %w", id, offset, err)
	}

	w.file = file
	w.buf = bufio.NewWriterSize(file, 64*1024)
	w.id = id
	w.offset = offset
	w.ids = append(w.ids, id)
	return w, nil
}

// OpenMergeWriter creates a writer for compaction output. Its segments are
// written under temporary .merge names; the compactor renames them into place
// once fully written and synced.
func OpenMergeWriter(cfg *config.Config, dir string, seq *IDSequence, metrics Metrics) (*Writer, error) {
	w := newWriter(cfg, dir, seq, metrics, true)
	if err := w.openSegmentLocked(seq.Next()); err != nil {
		return nil, err
	}
	return w, nil
}

func newWriter(cfg *config.Config, dir string, seq *IDSequence, metrics Metrics, merge bool) *Writer {
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	return &Writer{
		cfg:     cfg,
		dir:     dir,
		seq:     seq,
		metrics: metrics,
		merge:   merge,
	}
}

// Append encodes a record with the current wall-clock timestamp and writes it
// to the active segment. The returned Location identifies the just-written
// bytes. Rotation is checked after the append, never mid-write.
func (w *Writer) Append(key, value []byte, tombstone bool) (Location, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Location{}, ErrWriterClosed
	}

	entry := &Entry{
		Timestamp: w.nextTimestampLocked(),
		Key:       key,
		Value:     value,
		Tombstone: tombstone,
	}
	return w.appendLocked(entry)
}

// AppendEntry writes an already-built entry, preserving its timestamp. Used
// by the compaction merge path, where rewritten records must keep their
// original timestamps.
func (w *Writer) AppendEntry(entry *Entry) (Location, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Location{}, ErrWriterClosed
	}

	if entry.Timestamp > w.lastTimestamp {
		w.lastTimestamp = entry.Timestamp
	}
	return w.appendLocked(entry)
}

func (w *Writer) appendLocked(entry *Entry) (Location, error) {
	start := time.Now()

	encoded, err := entry.Encode()
	if err != nil {
		return Location{}, err
	}

	loc := Location{
		SegmentID: w.id,
		Offset:    w.offset,
		Size:      int64(len(encoded)),
		Timestamp: entry.Timestamp,
		Tombstone: entry.Tombstone,
	}

	if _, err := w.buf.Write(encoded); err != nil {
		return Location{}, fmt.Errorf("failed to append to segment %d: %w", w.id, err)
	}
	// Flush through to the OS after every append so concurrent readers can
	// fetch the record via the page cache before any fsync happens.
	if err := w.buf.Flush(); err != nil {
		return Location{}, fmt.Errorf("failed to flush segment %d: %w", w.id, err)
	}

	w.offset += int64(len(encoded))
	w.batchBytes += int64(len(encoded))

	if err := w.maybeSyncLocked(); err != nil {
		return Location{}, err
	}

	opType := "put"
	if entry.Tombstone {
		opType = "delete"
	}
	w.metrics.RecordAppend(context.Background(), time.Since(start), int64(len(encoded)), opType)

	if w.offset >= w.cfg.SegmentMaxSize {
		if err := w.rotateLocked(); err != nil {
			return Location{}, err
		}
	}

	return loc, nil
}

func (w *Writer) rotateLocked() error {
	sealedSize := w.offset

	if err := w.sealLocked(); err != nil {
		return err
	}

	newID := w.seq.Next()
	if err := w.openSegmentLocked(newID); err != nil {
		return err
	}

	w.metrics.RecordRotation(context.Background(), sealedSize, newID)
	return nil
}

// sealLocked flushes, syncs, and closes the active segment file.
func (w *Writer) sealLocked() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush segment %d: %w", w.id, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %d: %w", w.id, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close segment %d: %w", w.id, err)
	}
	w.batchBytes = 0
	return nil
}

func (w *Writer) openSegmentLocked(id uint64) error {
	path := FilePath(w.dir, id)
	if w.merge {
		path = MergePath(w.dir, id)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create segment %d: %w", id, err)
	}

	w.file = file
	w.buf = bufio.NewWriterSize(file, 64*1024)
	w.id = id
	w.offset = 0
	w.ids = append(w.ids, id)
	return nil
}

func (w *Writer) maybeSyncLocked() error {
	needSync := false

	switch w.cfg.SyncMode {
	case config.SyncImmediate:
		needSync = true
	case config.SyncBatch:
		if w.batchBytes >= w.cfg.SyncBytes {
			needSync = true
		}
	case config.SyncNone:
		// No syncing
	}

	if !needSync {
		return nil
	}
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	start := time.Now()

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush segment %d: %w", w.id, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %d: %w", w.id, err)
	}

	w.batchBytes = 0
	w.metrics.RecordSync(context.Background(), time.Since(start))
	return nil
}

// nextTimestampLocked returns a strictly increasing wall-clock timestamp in
// nanoseconds. Strict monotonicity makes append order and timestamp order
// coincide, which replay relies on.
func (w *Writer) nextTimestampLocked() uint64 {
	now := uint64(time.Now().UnixNano())
	if now <= w.lastTimestamp {
		now = w.lastTimestamp + 1
	}
	w.lastTimestamp = now
	return now
}

// Sync flushes all buffered data to disk.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	return w.syncLocked()
}

// ActiveSegment returns the id of the segment currently open for appends.
func (w *Writer) ActiveSegment() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// Offset returns the current end offset of the active segment.
func (w *Writer) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Segments returns every segment id this writer has opened, oldest first.
// The last element is the active segment.
func (w *Writer) Segments() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]uint64, len(w.ids))
	copy(out, w.ids)
	return out
}

// LastTimestamp returns the newest timestamp handed out by this writer.
func (w *Writer) LastTimestamp() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastTimestamp
}

// Close flushes and closes the active segment. Further appends fail with
// ErrWriterClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.sealLocked()
}
