package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/snappy"
)

// Hint files are advisory sidecar indexes written by compaction next to each
// merged segment. Recovery can rebuild the keydir entries for a hinted
// segment without scanning record bodies. Correctness never depends on them:
// a missing or invalid hint falls back to a full segment scan.
//
// Layout: magic (8) | snappy-compressed entry block | xxhash64 trailer (8)
// over everything before the trailer. Each entry in the uncompressed block is
// timestamp (8) | offset (8) | size (8) | flags (1) | keyLen (4) | key.

const (
	hintMagic         = uint64(0xCA5CF11E0001CA5C)
	hintEntryFixed    = 8 + 8 + 8 + 1 + 4
	hintFlagTombstone = 1 << 0
)

var ErrCorruptHint = errors.New("corrupt hint file")

// HintEntry pairs a key with the Location of its record in the hinted segment.
type HintEntry struct {
	Key []byte
	Loc Location
}

// WriteHint writes the hint file for segment id. The file is written to a
// temporary name and renamed into place so readers never observe a partial
// hint.
func WriteHint(dir string, id uint64, entries []HintEntry) error {
	payloadSize := 0
	for _, entry := range entries {
		payloadSize += hintEntryFixed + len(entry.Key)
	}

	payload := make([]byte, payloadSize)
	offset := 0
	for _, entry := range entries {
		binary.BigEndian.PutUint64(payload[offset:], entry.Loc.Timestamp)
		binary.BigEndian.PutUint64(payload[offset+8:], uint64(entry.Loc.Offset))
		binary.BigEndian.PutUint64(payload[offset+16:], uint64(entry.Loc.Size))
		var flags byte
		if entry.Loc.Tombstone {
			flags |= hintFlagTombstone
		}
		payload[offset+24] = flags
		binary.BigEndian.PutUint32(payload[offset+25:], uint32(len(entry.Key)))
		copy(payload[offset+hintEntryFixed:], entry.Key)
		offset += hintEntryFixed + len(entry.Key)
	}

	compressed := snappy.Encode(nil, payload)

	buf := make([]byte, 8+len(compressed)+8)
	binary.BigEndian.PutUint64(buf[0:8], hintMagic)
	copy(buf[8:], compressed)
	checksum := xxhash.Sum64(buf[:8+len(compressed)])
	binary.BigEndian.PutUint64(buf[8+len(compressed):], checksum)

	path := HintPath(dir, id)
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, buf, 0644); err != nil {
		return fmt.Errorf("failed to write hint for segment %d: %w", id, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename hint for segment %d: %w", id, err)
	}
	return nil
}

// ReadHint reads and validates the hint file for segment id. It returns
// os.ErrNotExist (wrapped) when no hint exists and ErrCorruptHint when the
// file fails validation.
func ReadHint(dir string, id uint64) ([]HintEntry, error) {
	buf, err := os.ReadFile(HintPath(dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read hint for segment %d: %w", id, err)
	}

	if len(buf) < 16 {
		return nil, fmt.Errorf("%w: segment %d hint is %d bytes", ErrCorruptHint, id, len(buf))
	}

	if magic := binary.BigEndian.Uint64(buf[0:8]); magic != hintMagic {
		return nil, fmt.Errorf("%w: segment %d hint has bad magic", ErrCorruptHint, id)
	}

	trailerAt := len(buf) - 8
	expected := binary.BigEndian.Uint64(buf[trailerAt:])
	if computed := xxhash.Sum64(buf[:trailerAt]); computed != expected {
		return nil, fmt.Errorf("%w: segment %d hint checksum mismatch", ErrCorruptHint, id)
	}

	payload, err := snappy.Decode(nil, buf[8:trailerAt])
	if err != nil {
		return nil, fmt.Errorf("%w: segment %d hint decompression failed: %v", ErrCorruptHint, id, err)
	}

	var entries []HintEntry
	offset := 0
	for offset < len(payload) {
		if len(payload)-offset < hintEntryFixed {
			return nil, fmt.Errorf("%w: segment %d hint entry truncated at %d", ErrCorruptHint, id, offset)
		}

		timestamp := binary.BigEndian.Uint64(payload[offset:])
		recOffset := binary.BigEndian.Uint64(payload[offset+8:])
		recSize := binary.BigEndian.Uint64(payload[offset+16:])
		flags := payload[offset+24]
		keyLen := binary.BigEndian.Uint32(payload[offset+25:])
		offset += hintEntryFixed

		if uint64(len(payload)-offset) < uint64(keyLen) {
			return nil, fmt.Errorf("%w: segment %d hint key truncated at %d", ErrCorruptHint, id, offset)
		}

		key := make([]byte, keyLen)
		copy(key, payload[offset:offset+int(keyLen)])
		offset += int(keyLen)

		entries = append(entries, HintEntry{
			Key: key,
			Loc: Location{
				SegmentID: id,
				Offset:    int64(recOffset),
				Size:      int64(recSize),
				Timestamp: timestamp,
				Tombstone: flags&hintFlagTombstone != 0,
			},
		})
	}

	return entries, nil
}

// RemoveHint deletes the hint file for segment id if one exists.
func RemoveHint(dir string, id uint64) error {
	err := os.Remove(HintPath(dir, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove hint for segment %d: %w", id, err)
	}
	return nil
}
