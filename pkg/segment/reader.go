package segment

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/caskdb/cask/pkg/telemetry"
)

// ErrSegmentMissing signals that a Location points at a segment file that no
// longer exists. With keydir and segment lifecycle properly coordinated this
// indicates a stale Location or a caller bug, never normal operation.
var ErrSegmentMissing = errors.New("segment file missing")

// Reader fetches records at known Locations from any segment, active or
// sealed. It caches one read-only handle per segment; reads use ReadAt so
// they are safe to run concurrently with each other and with appends.
type Reader struct {
	dir     string
	metrics Metrics

	mu      sync.RWMutex
	handles map[uint64]*os.File
	closed  bool
}

// NewReader creates a reader over the segments in dir.
func NewReader(dir string, metrics Metrics) *Reader {
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	return &Reader{
		dir:     dir,
		metrics: metrics,
		handles: make(map[uint64]*os.File),
	}
}

// Read fetches and decodes the record at loc in a single read.
func (r *Reader) Read(loc Location) (*Entry, error) {
	start := time.Now()

	var buf []byte
	for {
		file, err := r.handle(loc.SegmentID)
		if err != nil {
			return nil, err
		}

		buf = make([]byte, loc.Size)
		_, err = file.ReadAt(buf, loc.Offset)
		if err == nil {
			break
		}
		if errors.Is(err, os.ErrClosed) {
			// Drop closed this handle between the cache lookup and the read.
			// Evict it and retry; if the file itself is gone, the next lookup
			// reports ErrSegmentMissing.
			r.evict(loc.SegmentID, file)
			continue
		}
		r.metrics.RecordRead(context.Background(), time.Since(start), 0, telemetry.StatusError)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: segment %d shorter than location %d+%d",
				ErrCorruptEntry, loc.SegmentID, loc.Offset, loc.Size)
		}
		return nil, fmt.Errorf("failed to read segment %d at offset %d: %w", loc.SegmentID, loc.Offset, err)
	}

	entry, err := Decode(buf)
	if err != nil {
		r.metrics.RecordCorruption(context.Background(), "read", loc.SegmentID)
		return nil, fmt.Errorf("segment %d offset %d: %w", loc.SegmentID, loc.Offset, err)
	}

	r.metrics.RecordRead(context.Background(), time.Since(start), loc.Size, telemetry.StatusSuccess)
	return entry, nil
}

// Drop closes and forgets the cached handle for a segment, typically after
// compaction has deleted its file.
func (r *Reader) Drop(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if file, ok := r.handles[id]; ok {
		file.Close()
		delete(r.handles, id)
	}
}

// Close releases every cached handle. Further reads fail.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	for id, file := range r.handles {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close segment %d: %w", id, err)
		}
	}
	r.handles = make(map[uint64]*os.File)
	return firstErr
}

// evict removes a stale handle from the cache, but only if the cache still
// holds that exact handle; a fresh handle opened by another goroutine stays.
func (r *Reader) evict(id uint64, stale *os.File) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.handles[id]; ok && cached == stale {
		cached.Close()
		delete(r.handles, id)
	}
}

func (r *Reader) handle(id uint64) (*os.File, error) {
	r.mu.RLock()
	file, ok := r.handles[id]
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return nil, errors.New("segment reader is closed")
	}
	if ok {
		return file, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if file, ok = r.handles[id]; ok {
		return file, nil
	}

	file, err := os.Open(FilePath(r.dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: segment %d", ErrSegmentMissing, id)
		}
		return nil, fmt.Errorf("failed to open segment %d: %w", id, err)
	}

	r.handles[id] = file
	return file, nil
}

// Scanner reads a segment's records sequentially from offset 0. It is used
// by recovery and compaction. A truncated or CRC-failing record stops the
// scan with ErrCorruptEntry; Offset then reports the last verified offset.
type Scanner struct {
	id     uint64
	file   *os.File
	reader *bufio.Reader
	size   int64
	offset int64
}

// NewScanner opens the segment with the given id for a sequential scan.
func NewScanner(dir string, id uint64) (*Scanner, error) {
	file, err := os.Open(FilePath(dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: segment %d", ErrSegmentMissing, id)
		}
		return nil, fmt.Errorf("failed to open segment %d: %w", id, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment %d: %w", id, err)
	}

	return &Scanner{
		id:     id,
		file:   file,
		reader: bufio.NewReaderSize(file, 64*1024),
		size:   stat.Size(),
	}, nil
}

// Next returns the next record and its Location. It returns io.EOF at a
// clean end of segment and ErrCorruptEntry when the remaining bytes do not
// form a valid record.
func (s *Scanner) Next() (*Entry, Location, error) {
	if s.offset == s.size {
		return nil, Location{}, io.EOF
	}

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(s.reader, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, Location{}, fmt.Errorf("%w: truncated header at offset %d", ErrCorruptEntry, s.offset)
		}
		return nil, Location{}, fmt.Errorf("failed to read segment %d at offset %d: %w", s.id, s.offset, err)
	}

	keySize := binary.BigEndian.Uint32(header[12:16])
	valueSize := binary.BigEndian.Uint32(header[16:20])

	valueLen := uint64(0)
	if valueSize != TombstoneSize {
		valueLen = uint64(valueSize)
	}
	total := uint64(HeaderSize) + uint64(keySize) + valueLen

	// A garbage header can claim more bytes than the segment holds; reject
	// before allocating.
	if total > uint64(s.size-s.offset) {
		return nil, Location{}, fmt.Errorf("%w: record at offset %d claims %d bytes, segment has %d left",
			ErrCorruptEntry, s.offset, total, s.size-s.offset)
	}

	buf := make([]byte, total)
	copy(buf, header)
	if _, err := io.ReadFull(s.reader, buf[HeaderSize:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, Location{}, fmt.Errorf("%w: truncated record at offset %d", ErrCorruptEntry, s.offset)
		}
		return nil, Location{}, fmt.Errorf("failed to read segment %d at offset %d: %w", s.id, s.offset, err)
	}

	entry, err := Decode(buf)
	if err != nil {
		return nil, Location{}, fmt.Errorf("offset %d: %w", s.offset, err)
	}

	loc := Location{
		SegmentID: s.id,
		Offset:    s.offset,
		Size:      int64(total),
		Timestamp: entry.Timestamp,
		Tombstone: entry.Tombstone,
	}
	s.offset += int64(total)

	return entry, loc, nil
}

// Offset returns the offset just past the last successfully decoded record.
func (s *Scanner) Offset() int64 {
	return s.offset
}

// Size returns the total size of the segment file.
func (s *Scanner) Size() int64 {
	return s.size
}

// Close closes the underlying file.
func (s *Scanner) Close() error {
	return s.file.Close()
}
