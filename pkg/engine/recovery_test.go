package engine

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/caskdb/cask/pkg/config"
	"github.com/caskdb/cask/pkg/segment"
)

func reopen(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := NewEngine(dir)
	if err != nil {
		t.Fatalf("Failed to reopen engine: %v", err)
	}
	return e
}

func TestRecoveryRoundTrip(t *testing.T) {
	dir := createTempDir(t)

	e := openTestEngine(t, dir, nil)
	for i := 0; i < 50; i++ {
		if err := e.Put([]byte(fmt.Sprintf("key-%d", i)), []byte(fmt.Sprintf("value-%d", i))); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	e = reopen(t, dir)
	defer e.Close()

	for i := 0; i < 50; i++ {
		value, err := e.Get([]byte(fmt.Sprintf("key-%d", i)))
		if err != nil {
			t.Fatalf("Failed to get key-%d after reopen: %v", i, err)
		}
		if !bytes.Equal(value, []byte(fmt.Sprintf("value-%d", i))) {
			t.Errorf("key-%d: got %q", i, value)
		}
	}
}

func TestRecoveryLastWriteWins(t *testing.T) {
	dir := createTempDir(t)

	e := openTestEngine(t, dir, func(cfg *config.Config) {
		cfg.SegmentMaxSize = 64 // rotate on nearly every put
	})
	for i := 0; i < 10; i++ {
		if err := e.Put([]byte("key"), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	e = reopen(t, dir)
	defer e.Close()

	value, err := e.Get([]byte("key"))
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if !bytes.Equal(value, []byte("v9")) {
		t.Errorf("Expected newest value %q after replay, got %q", "v9", value)
	}
}

func TestRecoveryDeleteDurable(t *testing.T) {
	dir := createTempDir(t)

	e := openTestEngine(t, dir, nil)
	if err := e.Put([]byte("key"), []byte("value")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if err := e.Delete([]byte("key")); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	e = reopen(t, dir)
	defer e.Close()

	// Replay must observe the tombstone, not revert to the older put
	if _, err := e.Get([]byte("key")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound after replay, got %v", err)
	}
}

func TestRecoveryIdempotent(t *testing.T) {
	dir := createTempDir(t)

	e := openTestEngine(t, dir, nil)
	for i := 0; i < 10; i++ {
		if err := e.Put([]byte(fmt.Sprintf("key-%d", i)), []byte("v")); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
	}
	e.Close()

	// Two replays of the same log produce the same state
	for round := 0; round < 2; round++ {
		e = reopen(t, dir)
		if got := e.keys.Len(); got != 10 {
			t.Errorf("Replay %d: expected 10 keys, got %d", round, got)
		}
		e.Close()
	}
}

func TestRecoveryTailTruncation(t *testing.T) {
	dir := createTempDir(t)

	e := openTestEngine(t, dir, nil)
	for i := 0; i < 5; i++ {
		if err := e.Put([]byte(fmt.Sprintf("key-%d", i)), []byte("v")); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
	}
	activeID := e.writer.ActiveSegment()
	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	// A crash mid-append leaves a partial record at the log tail
	file, err := os.OpenFile(segment.FilePath(dir, activeID), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("Failed to open segment: %v", err)
	}
	if _, err := file.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatalf("Failed to append garbage: %v", err)
	}
	file.Close()
	damaged, err := os.Stat(segment.FilePath(dir, activeID))
	if err != nil {
		t.Fatalf("Failed to stat segment: %v", err)
	}

	e = reopen(t, dir)
	defer e.Close()

	// All complete records survive
	for i := 0; i < 5; i++ {
		if _, err := e.Get([]byte(fmt.Sprintf("key-%d", i))); err != nil {
			t.Errorf("Failed to get key-%d after truncation: %v", i, err)
		}
	}

	// The partial record is gone from disk
	repaired, err := os.Stat(segment.FilePath(dir, activeID))
	if err != nil {
		t.Fatalf("Failed to stat segment: %v", err)
	}
	if repaired.Size() != damaged.Size()-4 {
		t.Errorf("Expected segment truncated to %d bytes, got %d", damaged.Size()-4, repaired.Size())
	}

	// Appends resume cleanly at the repaired tail
	if err := e.Put([]byte("after"), []byte("crash")); err != nil {
		t.Fatalf("Failed to put after truncation: %v", err)
	}
	if value, err := e.Get([]byte("after")); err != nil || !bytes.Equal(value, []byte("crash")) {
		t.Errorf("Expected post-repair put to be readable, got %q, %v", value, err)
	}
}

func TestRecoverySealedCorruptionFails(t *testing.T) {
	dir := createTempDir(t)

	e := openTestEngine(t, dir, func(cfg *config.Config) {
		cfg.SegmentMaxSize = 64
	})
	for i := 0; i < 5; i++ {
		if err := e.Put([]byte(fmt.Sprintf("key-%d", i)), []byte("value")); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	ids, err := segment.List(dir)
	if err != nil {
		t.Fatalf("Failed to list segments: %v", err)
	}
	if len(ids) < 2 {
		t.Fatalf("Expected multiple segments, got %d", len(ids))
	}

	// Damage a record body in a sealed (non-last) segment
	path := segment.FilePath(dir, ids[0])
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read segment: %v", err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write segment: %v", err)
	}

	// Sealed segments are fully synced; corruption there is real damage and
	// must fail startup rather than be silently truncated away
	if _, err := NewEngine(dir); !errors.Is(err, segment.ErrCorruptEntry) {
		t.Errorf("Expected ErrCorruptEntry opening damaged store, got %v", err)
	}
}

func TestRecoveryAfterCompaction(t *testing.T) {
	dir := createTempDir(t)

	e := openTestEngine(t, dir, func(cfg *config.Config) {
		cfg.SegmentMaxSize = 1 // every append seals its segment
	})
	if err := e.Put([]byte("keep"), []byte("kept")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if err := e.Put([]byte("gone"), []byte("doomed")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if err := e.Delete([]byte("gone")); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	report, err := e.Compact()
	if err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}
	if report == nil {
		t.Fatalf("Expected a compaction report")
	}
	if report.TombstonesDropped != 1 {
		t.Errorf("Expected full merge to drop the tombstone, got %d", report.TombstonesDropped)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	e = reopen(t, dir)
	defer e.Close()

	// The live key survives the merge and the replay; the deleted key does
	// not come back even though its tombstone is gone
	value, err := e.Get([]byte("keep"))
	if err != nil {
		t.Fatalf("Failed to get surviving key: %v", err)
	}
	if !bytes.Equal(value, []byte("kept")) {
		t.Errorf("Expected %q, got %q", "kept", value)
	}
	if _, err := e.Get([]byte("gone")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected deleted key to stay deleted after replay, got %v", err)
	}
}

func TestRecoveryUsesHints(t *testing.T) {
	dir := createTempDir(t)

	e := openTestEngine(t, dir, func(cfg *config.Config) {
		cfg.SegmentMaxSize = 128
	})
	for i := 0; i < 20; i++ {
		if err := e.Put([]byte(fmt.Sprintf("key-%d", i)), []byte(fmt.Sprintf("value-%d", i))); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
	}
	report, err := e.Compact()
	if err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}
	if report == nil || report.SegmentsOut == 0 {
		t.Fatalf("Expected compaction to produce merged segments")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	// The merged segments carry hint files
	ids, err := segment.List(dir)
	if err != nil {
		t.Fatalf("Failed to list segments: %v", err)
	}
	hinted := 0
	for _, id := range ids {
		if _, err := os.Stat(segment.HintPath(dir, id)); err == nil {
			hinted++
		}
	}
	if hinted == 0 {
		t.Fatalf("Expected hint files after compaction")
	}

	e = reopen(t, dir)
	defer e.Close()

	for i := 0; i < 20; i++ {
		value, err := e.Get([]byte(fmt.Sprintf("key-%d", i)))
		if err != nil {
			t.Fatalf("Failed to get key-%d after hinted replay: %v", i, err)
		}
		if !bytes.Equal(value, []byte(fmt.Sprintf("value-%d", i))) {
			t.Errorf("key-%d: got %q", i, value)
		}
	}
}

func TestRecoveryKeepsAppendsToResumedMergedSegment(t *testing.T) {
	dir := createTempDir(t)

	e := openTestEngine(t, dir, func(cfg *config.Config) {
		cfg.SegmentMaxSize = 256
	})
	if err := e.Put([]byte("key"), []byte("v1")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	for i := 0; i < 20; i++ {
		if err := e.Put([]byte(fmt.Sprintf("pad-%d", i)), []byte("padding")); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
	}
	report, err := e.Compact()
	if err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}
	if report.Skipped || report.SegmentsOut == 0 {
		t.Fatalf("Expected compaction to produce merged segments, got %+v", report)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	// Appends resume into the newest merged segment, which was written with a
	// hint file. Rotate past it so a later replay treats it as sealed.
	e = reopen(t, dir)
	if err := e.Put([]byte("key"), []byte("v2")); err != nil {
		t.Fatalf("Failed to put after reopen: %v", err)
	}
	for i := 0; i < 20; i++ {
		if err := e.Put([]byte(fmt.Sprintf("more-%d", i)), []byte("padding")); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	e = reopen(t, dir)
	defer e.Close()

	// A stale hint on the resumed segment would hide the overwrite
	value, err := e.Get([]byte("key"))
	if err != nil {
		t.Fatalf("Failed to get after second replay: %v", err)
	}
	if !bytes.Equal(value, []byte("v2")) {
		t.Errorf("Expected newest value %q after replay, got %q", "v2", value)
	}
}

func TestRecoveryRemovesStrayMergeFiles(t *testing.T) {
	dir := createTempDir(t)

	e := openTestEngine(t, dir, nil)
	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	e.Close()

	// Fake an interrupted compaction
	stray := segment.MergePath(dir, 42)
	if err := os.WriteFile(stray, []byte("partial merge output"), 0644); err != nil {
		t.Fatalf("Failed to create stray merge file: %v", err)
	}

	e = reopen(t, dir)
	defer e.Close()

	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Errorf("Expected stray merge file to be removed at startup")
	}
	if value, err := e.Get([]byte("k")); err != nil || !bytes.Equal(value, []byte("v")) {
		t.Errorf("Expected store to open normally, got %q, %v", value, err)
	}
}

func TestRecoveryEmptyStore(t *testing.T) {
	dir := createTempDir(t)

	e := openTestEngine(t, dir, nil)
	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	e = reopen(t, dir)
	defer e.Close()

	if _, err := e.Get([]byte("anything")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound on empty store, got %v", err)
	}
	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Failed to put after reopen: %v", err)
	}
}
