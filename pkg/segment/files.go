package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	segmentSuffix = ".seg"
	hintSuffix    = ".hint"
	mergeSuffix   = ".merge"
)

// FilePath returns the path of the segment file with the given id.
func FilePath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s", id, segmentSuffix))
}

// HintPath returns the path of the hint file for the given segment id.
func HintPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s", id, hintSuffix))
}

// MergePath returns the temporary path a merged segment is written to before
// it is renamed into place.
func MergePath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s", id, mergeSuffix))
}

// List returns the ids of all segment files in dir in ascending numeric
// order. Ids are parsed from file names, not sorted lexically, so ids beyond
// any fixed digit width keep their order.
func List(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment directory: %w", err)
	}

	var ids []uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil {
			// Not one of ours
			continue
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// RemoveStrayMergeFiles deletes leftover .merge files from an interrupted
// compaction. No keydir entry ever points into an unrenamed merge file, so
// they are safe to drop. Returns the number of files removed.
func RemoveStrayMergeFiles(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+mergeSuffix))
	if err != nil {
		return 0, fmt.Errorf("failed to glob merge files: %w", err)
	}

	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("failed to remove stray merge file %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}

// IDSequence hands out monotonically increasing segment ids. Rotation and
// compaction both draw from the same sequence so ids never collide.
type IDSequence struct {
	next atomic.Uint64
}

// NewIDSequence creates a sequence whose first id is start.
func NewIDSequence(start uint64) *IDSequence {
	seq := &IDSequence{}
	seq.next.Store(start)
	return seq
}

// Next returns the next unused segment id.
func (s *IDSequence) Next() uint64 {
	return s.next.Add(1) - 1
}

// Peek returns the id Next would hand out, without consuming it.
func (s *IDSequence) Peek() uint64 {
	return s.next.Load()
}
