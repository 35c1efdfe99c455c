// Package compaction implements the merge path of a cask store. A merge
// rewrites the live records of a set of sealed segments into fresh segments,
// repoints the keydir at the merged copies, and deletes the originals,
// reclaiming the space held by overwritten and deleted records.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/caskdb/cask/pkg/common/log"
	"github.com/caskdb/cask/pkg/config"
	"github.com/caskdb/cask/pkg/keydir"
	"github.com/caskdb/cask/pkg/segment"
)

var (
	// ErrActiveSegment signals that a merge was asked to include the segment
	// currently open for appends. Only sealed segments are mergeable.
	ErrActiveSegment = errors.New("cannot compact the active segment")

	// ErrNoCandidates signals a merge request with an empty candidate set.
	ErrNoCandidates = errors.New("no candidate segments to compact")
)

// Report summarizes one completed merge. Skipped marks a merge that never
// ran because too few sealed segments existed.
type Report struct {
	Skipped           bool
	SegmentsIn        int
	SegmentsOut       int
	RecordsKept       int64
	RecordsDropped    int64
	TombstonesDropped int64
	RepointsSkipped   int64
	BytesIn           int64
	BytesOut          int64
	BytesReclaimed    int64
	Duration          time.Duration
}

// Compactor merges sealed segments. At most one merge runs at a time; the
// engine keeps serving reads and writes throughout, which is why published
// keydir updates go through compare-and-swap rather than blind stores.
type Compactor struct {
	cfg      *config.Config
	dir      string
	keys     *keydir.KeyDir
	reader   *segment.Reader
	seq      *segment.IDSequence
	activeID func() uint64
	logger   log.Logger
	metrics  Metrics

	mu sync.Mutex
}

// NewCompactor creates a compactor over the store's segments. activeID
// reports the segment currently open for appends so it is never merged.
func NewCompactor(cfg *config.Config, dir string, keys *keydir.KeyDir, reader *segment.Reader,
	seq *segment.IDSequence, activeID func() uint64, logger log.Logger, metrics Metrics) *Compactor {
	if logger == nil {
		logger = log.GetDefaultLogger().WithField("component", "compaction")
	}
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	return &Compactor{
		cfg:      cfg,
		dir:      dir,
		keys:     keys,
		reader:   reader,
		seq:      seq,
		activeID: activeID,
		logger:   logger,
		metrics:  metrics,
	}
}

type repoint struct {
	key      []byte
	old, new segment.Location
}

// Compact merges the given sealed segments. For every record it checks
// whether the keydir still points at that exact occurrence; only those
// records are rewritten. Superseded records and tombstones whose history is
// fully covered by the merge are dropped. On success the candidate segment
// files are deleted.
//
// A corrupt record in a candidate aborts the merge and surfaces the error;
// sealed segments are fully synced, so corruption there is real damage, not
// a crash artifact.
func (c *Compactor) Compact(candidates []uint64) (*Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	ctx := context.Background()

	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	sorted := make([]uint64, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	active := c.activeID()
	candSet := make(map[uint64]bool, len(sorted))
	for _, id := range sorted {
		if id == active {
			return nil, fmt.Errorf("%w: segment %d", ErrActiveSegment, id)
		}
		candSet[id] = true
	}

	// Tombstones may only be dropped when the merge covers every sealed
	// segment. A partial merge cannot know whether some other segment still
	// holds an older record for the key; dropping the tombstone there would
	// let replay resurrect it.
	allIDs, err := segment.List(c.dir)
	if err != nil {
		return nil, err
	}
	fullMerge := true
	for _, id := range allIDs {
		if id != active && !candSet[id] {
			fullMerge = false
			break
		}
	}

	writer, err := segment.OpenMergeWriter(c.cfg, c.dir, c.seq, nil)
	if err != nil {
		c.metrics.RecordCompactionError(ctx, "open_writer")
		return nil, err
	}

	report := &Report{SegmentsIn: len(sorted)}
	hints := make(map[uint64][]segment.HintEntry)
	var repoints []repoint
	var tombstoneDrops []repoint

	for _, id := range sorted {
		if err := c.mergeSegment(id, writer, fullMerge, report, hints, &repoints, &tombstoneDrops); err != nil {
			c.abort(writer)
			c.metrics.RecordCompactionError(ctx, "scan")
			return nil, err
		}
	}

	if err := writer.Close(); err != nil {
		c.abort(writer)
		c.metrics.RecordCompactionError(ctx, "close_writer")
		return nil, err
	}

	// Publish the merged segments: rename fully synced .merge files into
	// place, then repoint the keydir. Until a rename happens no keydir entry
	// references the new file, so a crash anywhere before this point leaves
	// only stray .merge files behind.
	for _, outID := range writer.Segments() {
		if len(hints[outID]) == 0 {
			// Rotation can leave a trailing empty output segment
			os.Remove(segment.MergePath(c.dir, outID))
			continue
		}
		if err := os.Rename(segment.MergePath(c.dir, outID), segment.FilePath(c.dir, outID)); err != nil {
			c.abort(writer)
			c.metrics.RecordCompactionError(ctx, "rename")
			return nil, fmt.Errorf("failed to publish merged segment %d: %w", outID, err)
		}
		report.SegmentsOut++

		if c.cfg.WriteHintFiles {
			if err := segment.WriteHint(c.dir, outID, hints[outID]); err != nil {
				// Hints are advisory; a failed hint write costs a scan on
				// the next startup, nothing more
				c.logger.Warn("failed to write hint for segment %d: %v", outID, err)
			}
		}
	}

	for _, rp := range repoints {
		if !c.keys.CompareAndSwap(rp.key, rp.old, rp.new) {
			// The key was overwritten or deleted mid-merge; the merged copy
			// is dead weight until the next merge reclaims it
			report.RepointsSkipped++
			c.metrics.RecordRepointSkipped(ctx, rp.new.SegmentID)
		}
	}
	for _, td := range tombstoneDrops {
		c.keys.CompareAndDelete(td.key, td.old)
	}

	for _, id := range sorted {
		c.reader.Drop(id)
		if err := os.Remove(segment.FilePath(c.dir, id)); err != nil {
			return nil, fmt.Errorf("failed to remove merged segment %d: %w", id, err)
		}
		if err := segment.RemoveHint(c.dir, id); err != nil {
			return nil, err
		}
	}

	report.BytesReclaimed = report.BytesIn - report.BytesOut
	report.Duration = time.Since(start)
	c.metrics.RecordCompaction(ctx, report.Duration, report)
	c.logger.Info("merged %d segments into %d, kept %d records, dropped %d, reclaimed %d bytes in %v",
		report.SegmentsIn, report.SegmentsOut, report.RecordsKept, report.RecordsDropped,
		report.BytesReclaimed, report.Duration)

	return report, nil
}

// mergeSegment scans one candidate and rewrites its live records.
func (c *Compactor) mergeSegment(id uint64, writer *segment.Writer, fullMerge bool,
	report *Report, hints map[uint64][]segment.HintEntry, repoints, tombstoneDrops *[]repoint) error {

	sc, err := segment.NewScanner(c.dir, id)
	if err != nil {
		return err
	}
	defer sc.Close()

	report.BytesIn += sc.Size()

	for {
		entry, loc, err := sc.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("segment %d: %w", id, err)
		}

		current, ok := c.keys.Get(entry.Key)
		if !ok || current != loc {
			// Superseded by a newer record, or already retired
			report.RecordsDropped++
			continue
		}

		if entry.Tombstone && fullMerge {
			// Every older occurrence of the key dies with this merge, so
			// the tombstone has nothing left to shadow
			report.TombstonesDropped++
			*tombstoneDrops = append(*tombstoneDrops, repoint{key: entry.Key, old: loc})
			continue
		}

		newLoc, err := writer.AppendEntry(entry)
		if err != nil {
			return fmt.Errorf("failed to rewrite record from segment %d: %w", id, err)
		}

		report.RecordsKept++
		report.BytesOut += newLoc.Size
		hints[newLoc.SegmentID] = append(hints[newLoc.SegmentID], segment.HintEntry{Key: entry.Key, Loc: newLoc})
		*repoints = append(*repoints, repoint{key: entry.Key, old: loc, new: newLoc})
	}
}

// abort closes the merge writer and removes its output files. No keydir entry
// references them yet, so this fully undoes the merge.
func (c *Compactor) abort(writer *segment.Writer) {
	writer.Close()
	for _, id := range writer.Segments() {
		os.Remove(segment.MergePath(c.dir, id))
	}
}
