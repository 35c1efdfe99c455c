package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caskdb/cask/pkg/common/log"
	"github.com/caskdb/cask/pkg/config"
	"github.com/caskdb/cask/pkg/keydir"
	"github.com/caskdb/cask/pkg/segment"
	"github.com/caskdb/cask/pkg/stats"
)

// recoveryResult carries what replay learned about the on-disk state.
type recoveryResult struct {
	segments      []uint64
	maxID         uint64
	lastSegment   uint64 // highest-id segment, resumed for appends
	lastOffset    int64  // verified tail of that segment
	lastTimestamp uint64 // newest timestamp seen anywhere
	entries       uint64
	corrupted     uint64
	hinted        int
	duration      time.Duration
}

// recoverStore rebuilds the keydir by replaying every segment in ascending id
// order. Replay inserts with a newest-timestamp-wins rule rather than blind
// overwrite: merged segments carry high ids but old records, so scan order
// alone does not determine recency.
//
// Corruption at the tail of the highest-id segment is a crash artifact; the
// segment is truncated at the last verified record and startup continues.
// Corruption anywhere else means a fully synced sealed segment lost data and
// is surfaced as an error.
func recoverStore(cfg *config.Config, keys *keydir.KeyDir, collector stats.Collector, logger log.Logger) (*recoveryResult, error) {
	start := collector.StartRecovery()

	ids, err := segment.List(cfg.SegmentDir)
	if err != nil {
		return nil, err
	}

	rec := &recoveryResult{segments: ids}
	if len(ids) == 0 {
		rec.duration = time.Since(start)
		collector.FinishRecovery(start, 0, 0, 0)
		return rec, nil
	}
	rec.maxID = ids[len(ids)-1]
	rec.lastSegment = rec.maxID

	for i, id := range ids {
		last := i == len(ids)-1

		// Sealed segments written by compaction carry hint files; loading
		// one replaces the full scan. The highest-id segment is always
		// scanned so its verified tail offset is known.
		if !last && cfg.WriteHintFiles {
			if ok := replayHint(cfg.SegmentDir, id, keys, rec, logger); ok {
				rec.hinted++
				continue
			}
		}

		if err := replaySegment(cfg.SegmentDir, id, last, keys, rec, logger); err != nil {
			return nil, err
		}
	}

	rec.duration = time.Since(start)
	collector.FinishRecovery(start, uint64(len(ids)), rec.entries, rec.corrupted)
	logger.Info("replayed %d segments (%d via hints), %d records, %d corrupt",
		len(ids), rec.hinted, rec.entries, rec.corrupted)
	return rec, nil
}

// replayHint loads a hint file into the keydir. Returns false when no valid
// hint exists, in which case the caller scans the segment instead.
func replayHint(dir string, id uint64, keys *keydir.KeyDir, rec *recoveryResult, logger log.Logger) bool {
	entries, err := segment.ReadHint(dir, id)
	if err != nil {
		if !os.IsNotExist(err) {
			// A damaged hint costs a scan, nothing more
			logger.Warn("ignoring hint for segment %d: %v", id, err)
		}
		return false
	}

	for _, h := range entries {
		keys.PutIfNewer(h.Key, h.Loc)
		if h.Loc.Timestamp > rec.lastTimestamp {
			rec.lastTimestamp = h.Loc.Timestamp
		}
		rec.entries++
	}
	return true
}

func replaySegment(dir string, id uint64, last bool, keys *keydir.KeyDir, rec *recoveryResult, logger log.Logger) error {
	sc, err := segment.NewScanner(dir, id)
	if err != nil {
		return err
	}
	defer sc.Close()

	for {
		entry, loc, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if !errors.Is(err, segment.ErrCorruptEntry) {
				return fmt.Errorf("segment %d: %w", id, err)
			}
			if !last {
				return fmt.Errorf("sealed segment %d is damaged: %w", id, err)
			}

			// Crash artifact at the log tail: drop the partial record and
			// everything after it, then resume appending from there
			logger.Warn("truncating segment %d at offset %d: %v", id, sc.Offset(), err)
			if err := os.Truncate(segment.FilePath(dir, id), sc.Offset()); err != nil {
				return fmt.Errorf("failed to truncate segment %d: %w", id, err)
			}
			rec.corrupted++
			break
		}

		keys.PutIfNewer(entry.Key, loc)
		if loc.Timestamp > rec.lastTimestamp {
			rec.lastTimestamp = loc.Timestamp
		}
		rec.entries++
	}

	if last {
		rec.lastOffset = sc.Offset()
	}
	return nil
}
