package storage

import (
	"encoding/binary"
	"time"
)

// IndexValueSizeInBytes is the fixed serialized width of an IndexValue:
// size 8 | offset 8 | flags 1 | expiration 8.
const IndexValueSizeInBytes = 25

// TTLInfinite marks a value that never expires.
const TTLInfinite int64 = -1

// FlagDelete marks a key whose latest state is a delete marker.
const FlagDelete byte = 1 << 0

// IndexValue is the fixed-width record stored against a key. Offset and size
// point at the message bytes in the log; a delete rewrites them to point at
// the delete marker record.
type IndexValue struct {
	size        int64
	offset      int64
	flags       byte
	expiresAtMs int64
}

func NewIndexValue(size int64, offset int64, expiresAtMs int64) IndexValue {
	return IndexValue{
		size:        size,
		offset:      offset,
		expiresAtMs: expiresAtMs,
	}
}

func (v IndexValue) Size() int64 {
	return v.size
}

func (v IndexValue) Offset() int64 {
	return v.offset
}

func (v IndexValue) ExpiresAtMs() int64 {
	return v.expiresAtMs
}

func (v *IndexValue) SetFlag(flag byte) {
	v.flags |= flag
}

func (v IndexValue) IsFlagSet(flag byte) bool {
	return v.flags&flag != 0
}

func (v *IndexValue) SetNewOffset(offset int64) {
	v.offset = offset
}

func (v *IndexValue) SetNewSize(size int64) {
	v.size = size
}

func (v IndexValue) IsExpired() bool {
	return v.expiresAtMs != TTLInfinite && time.Now().UnixMilli() > v.expiresAtMs
}

func encodeIndexValue(v IndexValue, buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], uint64(v.size))
	binary.BigEndian.PutUint64(buf[8:16], uint64(v.offset))
	buf[16] = v.flags
	binary.BigEndian.PutUint64(buf[17:25], uint64(v.expiresAtMs))
}

func decodeIndexValue(buf []byte) IndexValue {
	return IndexValue{
		size:        int64(binary.BigEndian.Uint64(buf[0:8])),
		offset:      int64(binary.BigEndian.Uint64(buf[8:16])),
		flags:       buf[16],
		expiresAtMs: int64(binary.BigEndian.Uint64(buf[17:25])),
	}
}

// IndexEntry bundles a key with the value to be written for it.
type IndexEntry struct {
	Key   StoreKey
	Value IndexValue
}
