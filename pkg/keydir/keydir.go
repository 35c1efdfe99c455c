// Package keydir implements the in-memory index of a cask store: a sharded
// map from key to the Location of that key's newest record on disk. Every key
// in the store has exactly one entry; lookups never touch more than one
// segment read.
package keydir

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/caskdb/cask/pkg/segment"
)

// shardCount must be a power of two so shard selection is a mask.
const shardCount = 16

type shard struct {
	mu      sync.RWMutex
	entries map[string]segment.Location
}

// KeyDir maps every live key to the Location of its newest record. It is
// sharded by key hash so concurrent reads and writes on different keys rarely
// contend on the same lock.
type KeyDir struct {
	shards [shardCount]*shard
}

// New creates an empty keydir.
func New() *KeyDir {
	kd := &KeyDir{}
	for i := range kd.shards {
		kd.shards[i] = &shard{entries: make(map[string]segment.Location)}
	}
	return kd
}

func (kd *KeyDir) shardFor(key []byte) *shard {
	return kd.shards[xxhash.Sum64(key)&(shardCount-1)]
}

// Get returns the Location of key's newest record. The second return is false
// when the key has no entry at all; a tombstone Location still returns true,
// callers check Loc.Tombstone themselves.
func (kd *KeyDir) Get(key []byte) (segment.Location, bool) {
	s := kd.shardFor(key)
	s.mu.RLock()
	loc, ok := s.entries[string(key)]
	s.mu.RUnlock()
	return loc, ok
}

// Put unconditionally points key at loc. Used on the live write path, where
// the engine's write lock already serializes updates in append order.
func (kd *KeyDir) Put(key []byte, loc segment.Location) {
	s := kd.shardFor(key)
	s.mu.Lock()
	s.entries[string(key)] = loc
	s.mu.Unlock()
}

// PutIfNewer points key at loc only if loc carries a strictly newer timestamp
// than the current entry, or the key has no entry. Replay uses this so scan
// order over segments does not have to match write order.
func (kd *KeyDir) PutIfNewer(key []byte, loc segment.Location) bool {
	s := kd.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[string(key)]
	if ok && current.Timestamp >= loc.Timestamp {
		return false
	}
	s.entries[string(key)] = loc
	return true
}

// CompareAndSwap repoints key from old to new only if the current entry still
// equals old. Compaction uses this to publish merged locations without racing
// a concurrent overwrite of the same key.
func (kd *KeyDir) CompareAndSwap(key []byte, old, new segment.Location) bool {
	s := kd.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[string(key)]
	if !ok || current != old {
		return false
	}
	s.entries[string(key)] = new
	return true
}

// CompareAndDelete removes key's entry only if it still equals old. Compaction
// uses this to retire tombstones whose history is fully merged away.
func (kd *KeyDir) CompareAndDelete(key []byte, old segment.Location) bool {
	s := kd.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[string(key)]
	if !ok || current != old {
		return false
	}
	delete(s.entries, string(key))
	return true
}

// Len returns the number of entries, tombstones included.
func (kd *KeyDir) Len() int {
	total := 0
	for _, s := range kd.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// Range calls fn for every entry until fn returns false. Each shard is
// snapshotted under its read lock before fn runs, so fn may call back into
// the keydir. Entries added or removed during iteration may or may not be
// seen.
func (kd *KeyDir) Range(fn func(key []byte, loc segment.Location) bool) {
	for _, s := range kd.shards {
		s.mu.RLock()
		snapshot := make(map[string]segment.Location, len(s.entries))
		for k, loc := range s.entries {
			snapshot[k] = loc
		}
		s.mu.RUnlock()

		for k, loc := range snapshot {
			if !fn([]byte(k), loc) {
				return
			}
		}
	}
}
