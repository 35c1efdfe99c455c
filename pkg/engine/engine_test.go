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

func createTempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "engine_test")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// openTestEngine writes a manifest with test-friendly settings and opens the
// store. mutate adjusts the config before it is saved.
func openTestEngine(t *testing.T, dir string, mutate func(*config.Config)) *Engine {
	t.Helper()

	cfg := config.NewDefaultConfig(dir)
	cfg.SyncMode = config.SyncImmediate
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.SaveManifest(dir); err != nil {
		t.Fatalf("Failed to save manifest: %v", err)
	}

	e, err := NewEngine(dir)
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	return e
}

func TestEngineReadAfterWrite(t *testing.T) {
	e := openTestEngine(t, createTempDir(t), nil)
	defer e.Close()

	if err := e.Put([]byte("hello"), []byte("world")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	value, err := e.Get([]byte("hello"))
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if !bytes.Equal(value, []byte("world")) {
		t.Errorf("Expected %q, got %q", "world", value)
	}
}

func TestEngineLastWriteWins(t *testing.T) {
	e := openTestEngine(t, createTempDir(t), nil)
	defer e.Close()

	for i := 0; i < 10; i++ {
		if err := e.Put([]byte("key"), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
	}

	value, err := e.Get([]byte("key"))
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if !bytes.Equal(value, []byte("v9")) {
		t.Errorf("Expected newest value %q, got %q", "v9", value)
	}
}

func TestEngineGetMissing(t *testing.T) {
	e := openTestEngine(t, createTempDir(t), nil)
	defer e.Close()

	if _, err := e.Get([]byte("never-written")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestEngineEmptyValue(t *testing.T) {
	e := openTestEngine(t, createTempDir(t), nil)
	defer e.Close()

	if err := e.Put([]byte("empty"), []byte{}); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	value, err := e.Get([]byte("empty"))
	if err != nil {
		t.Fatalf("Empty value must be readable, got %v", err)
	}
	if len(value) != 0 {
		t.Errorf("Expected empty value, got %q", value)
	}
}

func TestEngineDelete(t *testing.T) {
	e := openTestEngine(t, createTempDir(t), nil)
	defer e.Close()

	if err := e.Put([]byte("key"), []byte("value")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if err := e.Delete([]byte("key")); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	if _, err := e.Get([]byte("key")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
	}
	if e.Has([]byte("key")) {
		t.Errorf("Expected Has to report false after delete")
	}

	// A key can come back after deletion
	if err := e.Put([]byte("key"), []byte("again")); err != nil {
		t.Fatalf("Failed to put after delete: %v", err)
	}
	value, err := e.Get([]byte("key"))
	if err != nil {
		t.Fatalf("Failed to get rewritten key: %v", err)
	}
	if !bytes.Equal(value, []byte("again")) {
		t.Errorf("Expected %q, got %q", "again", value)
	}
}

func TestEngineHas(t *testing.T) {
	e := openTestEngine(t, createTempDir(t), nil)
	defer e.Close()

	if e.Has([]byte("key")) {
		t.Errorf("Expected Has false before put")
	}
	if err := e.Put([]byte("key"), []byte("v")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if !e.Has([]byte("key")) {
		t.Errorf("Expected Has true after put")
	}
}

func TestEngineClosed(t *testing.T) {
	e := openTestEngine(t, createTempDir(t), nil)

	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	if err := e.Put([]byte("k"), []byte("v")); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Expected ErrEngineClosed on put, got %v", err)
	}
	if _, err := e.Get([]byte("k")); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Expected ErrEngineClosed on get, got %v", err)
	}
	if err := e.Delete([]byte("k")); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Expected ErrEngineClosed on delete, got %v", err)
	}
	if _, err := e.Compact(); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Expected ErrEngineClosed on compact, got %v", err)
	}

	// Close is idempotent
	if err := e.Close(); err != nil {
		t.Errorf("Expected nil on double close, got %v", err)
	}
}

func TestEngineRotation(t *testing.T) {
	dir := createTempDir(t)
	e := openTestEngine(t, dir, func(cfg *config.Config) {
		cfg.SegmentMaxSize = 128
	})
	defer e.Close()

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		value := []byte(fmt.Sprintf("value-%d", i))
		if err := e.Put(key, value); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
	}

	ids, err := segment.List(dir)
	if err != nil {
		t.Fatalf("Failed to list segments: %v", err)
	}
	if len(ids) < 2 {
		t.Fatalf("Expected rotation to produce multiple segments, got %d", len(ids))
	}

	// Every key stays readable across segment boundaries
	for i := 0; i < 20; i++ {
		value, err := e.Get([]byte(fmt.Sprintf("key-%d", i)))
		if err != nil {
			t.Fatalf("Failed to get key-%d: %v", i, err)
		}
		if !bytes.Equal(value, []byte(fmt.Sprintf("value-%d", i))) {
			t.Errorf("key-%d: got %q", i, value)
		}
	}
}

func TestEngineCompaction(t *testing.T) {
	dir := createTempDir(t)
	e := openTestEngine(t, dir, func(cfg *config.Config) {
		cfg.SegmentMaxSize = 128
	})
	defer e.Close()

	// Overwrite the same keys repeatedly across several segments, and delete
	// one of them
	for round := 0; round < 10; round++ {
		for k := 0; k < 5; k++ {
			key := []byte(fmt.Sprintf("key-%d", k))
			value := []byte(fmt.Sprintf("round-%d", round))
			if err := e.Put(key, value); err != nil {
				t.Fatalf("Failed to put: %v", err)
			}
		}
	}
	if err := e.Delete([]byte("key-0")); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	before, err := segment.List(dir)
	if err != nil {
		t.Fatalf("Failed to list segments: %v", err)
	}

	report, err := e.Compact()
	if err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}
	if report == nil {
		t.Fatalf("Expected a compaction report")
	}
	if report.RecordsDropped == 0 {
		t.Errorf("Expected superseded records to be dropped")
	}
	if report.BytesReclaimed <= 0 {
		t.Errorf("Expected positive bytes reclaimed, got %d", report.BytesReclaimed)
	}

	after, err := segment.List(dir)
	if err != nil {
		t.Fatalf("Failed to list segments: %v", err)
	}
	if len(after) >= len(before) {
		t.Errorf("Expected fewer segments after compaction: %d -> %d", len(before), len(after))
	}

	// Values are unchanged by the merge
	for k := 1; k < 5; k++ {
		value, err := e.Get([]byte(fmt.Sprintf("key-%d", k)))
		if err != nil {
			t.Fatalf("Failed to get key-%d after compaction: %v", k, err)
		}
		if !bytes.Equal(value, []byte("round-9")) {
			t.Errorf("key-%d: expected %q, got %q", k, "round-9", value)
		}
	}
	if _, err := e.Get([]byte("key-0")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected deleted key to stay deleted, got %v", err)
	}

	// The store keeps working after a merge
	if err := e.Put([]byte("post"), []byte("merge")); err != nil {
		t.Fatalf("Failed to put after compaction: %v", err)
	}
	if value, err := e.Get([]byte("post")); err != nil || !bytes.Equal(value, []byte("merge")) {
		t.Errorf("Expected post-merge put to be readable, got %q, %v", value, err)
	}
}

func TestEngineCompactBelowMinimum(t *testing.T) {
	e := openTestEngine(t, createTempDir(t), nil)
	defer e.Close()

	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	// Only the active segment exists, so there is nothing to merge
	report, err := e.Compact()
	if err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}
	if report == nil || !report.Skipped {
		t.Errorf("Expected a skipped report from a no-op compaction, got %+v", report)
	}
	if report != nil && report.SegmentsIn != 0 {
		t.Errorf("Expected skipped report to count no input segments, got %d", report.SegmentsIn)
	}
}

func TestEngineCompactSegmentsStats(t *testing.T) {
	dir := createTempDir(t)
	e := openTestEngine(t, dir, func(cfg *config.Config) {
		cfg.SegmentMaxSize = 1 // every append seals its segment
	})
	defer e.Close()

	for i := 0; i < 3; i++ {
		if err := e.Put([]byte(fmt.Sprintf("key-%d", i)), []byte("v")); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
	}

	candidates, err := e.sealedSegments()
	if err != nil {
		t.Fatalf("Failed to list sealed segments: %v", err)
	}
	if _, err := e.CompactSegments(candidates); err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}

	s := e.GetStats()
	if s["compact_ops"] != uint64(1) {
		t.Errorf("Expected 1 compact op, got %v", s["compact_ops"])
	}
	if _, ok := s["compact_latency_avg_ns"]; !ok {
		t.Errorf("Expected compaction latency to be recorded")
	}
	if s["compaction_count"] != uint64(1) {
		t.Errorf("Expected 1 compaction, got %v", s["compaction_count"])
	}
}

func TestEngineSync(t *testing.T) {
	dir := createTempDir(t)
	e := openTestEngine(t, dir, func(cfg *config.Config) {
		cfg.SyncMode = config.SyncNone
	})
	defer e.Close()

	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if err := e.Sync(); err != nil {
		t.Fatalf("Failed to sync: %v", err)
	}
}

func TestEngineStats(t *testing.T) {
	e := openTestEngine(t, createTempDir(t), nil)
	defer e.Close()

	if err := e.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if _, err := e.Get([]byte("a")); err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if _, err := e.Get([]byte("missing")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Expected ErrKeyNotFound, got %v", err)
	}

	s := e.GetStats()
	if s["put_ops"].(uint64) != 1 {
		t.Errorf("Expected 1 put, got %v", s["put_ops"])
	}
	if s["get_ops"].(uint64) != 2 {
		t.Errorf("Expected 2 gets, got %v", s["get_ops"])
	}
	if s["keydir_size"].(uint64) != 1 {
		t.Errorf("Expected keydir size 1, got %v", s["keydir_size"])
	}
	if s["closed"].(bool) {
		t.Errorf("Expected closed false")
	}
}
