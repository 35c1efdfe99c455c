// Package segment implements the on-disk log of a cask store: the record
// codec, the append-only segment writer with size-triggered rotation, the
// random-access reader, and the advisory hint files written by compaction.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

const (
	// HeaderSize is the fixed record header length:
	// CRC (4) + timestamp (8) + key size (4) + value size (4).
	HeaderSize = 20

	// TombstoneSize is the reserved value-size sentinel marking a deletion.
	// A record carrying it has no value bytes on disk.
	TombstoneSize = uint32(math.MaxUint32)

	// MaxKeySize is the largest encodable key length.
	MaxKeySize = math.MaxUint32

	// MaxValueSize is the largest encodable value length. The top value of
	// the 32-bit size field is reserved for the tombstone sentinel.
	MaxValueSize = math.MaxUint32 - 1
)

var (
	ErrCorruptEntry  = errors.New("corrupt entry")
	ErrEntryTooLarge = errors.New("entry exceeds size field range")
)

// Entry is a single logical record. Tombstone is a first-class variant, not
// a nil value: an empty non-tombstone value is a legal record.
type Entry struct {
	Timestamp uint64
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Location identifies the bytes of one record on disk. It is the unit stored
// in the keydir and is sufficient to fetch the record in a single read.
type Location struct {
	SegmentID uint64
	Offset    int64
	Size      int64
	Timestamp uint64
	Tombstone bool
}

// EncodedSize returns the on-disk length of the entry in bytes.
func (e *Entry) EncodedSize() int64 {
	size := int64(HeaderSize) + int64(len(e.Key))
	if !e.Tombstone {
		size += int64(len(e.Value))
	}
	return size
}

// Encode serializes the entry into the on-disk record layout:
//
//	crc32 (4) | timestamp (8) | keySize (4) | valueSize (4) | key | value
//
// All integers are big-endian. The CRC covers every byte after the CRC field.
func (e *Entry) Encode() ([]byte, error) {
	if uint64(len(e.Key)) > MaxKeySize {
		return nil, fmt.Errorf("%w: key is %d bytes", ErrEntryTooLarge, len(e.Key))
	}
	if !e.Tombstone && uint64(len(e.Value)) > MaxValueSize {
		return nil, fmt.Errorf("%w: value is %d bytes", ErrEntryTooLarge, len(e.Value))
	}

	buf := make([]byte, e.EncodedSize())
	binary.BigEndian.PutUint64(buf[4:12], e.Timestamp)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(e.Key)))

	if e.Tombstone {
		binary.BigEndian.PutUint32(buf[16:20], TombstoneSize)
		copy(buf[HeaderSize:], e.Key)
	} else {
		binary.BigEndian.PutUint32(buf[16:20], uint32(len(e.Value)))
		copy(buf[HeaderSize:], e.Key)
		copy(buf[HeaderSize+len(e.Key):], e.Value)
	}

	crc := crc32.ChecksumIEEE(buf[4:])
	binary.BigEndian.PutUint32(buf[0:4], crc)

	return buf, nil
}

// Decode parses a record from buf. It verifies the CRC over the post-CRC
// fields and returns ErrCorruptEntry on any mismatch or truncation. Key and
// value are copied out of buf.
func Decode(buf []byte) (*Entry, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: truncated header, %d bytes", ErrCorruptEntry, len(buf))
	}

	crc := binary.BigEndian.Uint32(buf[0:4])
	timestamp := binary.BigEndian.Uint64(buf[4:12])
	keySize := binary.BigEndian.Uint32(buf[12:16])
	valueSize := binary.BigEndian.Uint32(buf[16:20])

	tombstone := valueSize == TombstoneSize
	valueLen := uint64(0)
	if !tombstone {
		valueLen = uint64(valueSize)
	}

	total := uint64(HeaderSize) + uint64(keySize) + valueLen
	if uint64(len(buf)) < total {
		return nil, fmt.Errorf("%w: truncated record, have %d of %d bytes", ErrCorruptEntry, len(buf), total)
	}

	if computed := crc32.ChecksumIEEE(buf[4:total]); computed != crc {
		return nil, fmt.Errorf("%w: CRC mismatch, expected %d, got %d", ErrCorruptEntry, crc, computed)
	}

	key := make([]byte, keySize)
	copy(key, buf[HeaderSize:HeaderSize+keySize])

	var value []byte
	if !tombstone {
		value = make([]byte, valueLen)
		copy(value, buf[uint64(HeaderSize)+uint64(keySize):total])
	}

	return &Entry{
		Timestamp: timestamp,
		Key:       key,
		Value:     value,
		Tombstone: tombstone,
	}, nil
}
