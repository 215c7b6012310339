package storage

import (
	"math"
	"os"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSegment(t *testing.T, dir string, startOffset int64) *IndexSegment {
	t.Helper()
	return newIndexSegment(log.NewNopLogger(), dir, startOffset, 1, IndexValueSizeInBytes,
		NewBlobIDFactory(1), NewBytesPool())
}

func TestSegmentAddAndFind(t *testing.T) {
	s := newTestSegment(t, t.TempDir(), 0)

	require.NoError(t, s.AddEntry(testEntry(testKey(0x02), 0, 50), 50))
	require.NoError(t, s.AddEntry(testEntry(testKey(0x01), 50, 50), 100))

	value, found, err := s.Find(testKey(0x02))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(0), value.Offset())

	_, found, err = s.Find(testKey(0x03))
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, int64(100), s.EndOffset())
	assert.Equal(t, 2, s.NumberOfItems())
}

func TestSegmentLastWriteWins(t *testing.T) {
	s := newTestSegment(t, t.TempDir(), 0)

	require.NoError(t, s.AddEntry(testEntry(testKey(0x01), 0, 100), 100))

	// Re-adding the same key with a delete marker replaces the value.
	deleted := NewIndexValue(50, 100, TTLInfinite)
	deleted.SetFlag(FlagDelete)
	require.NoError(t, s.AddEntry(IndexEntry{Key: testKey(0x01), Value: deleted}, 150))

	value, found, err := s.Find(testKey(0x01))
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, value.IsFlagSet(FlagDelete))
	assert.Equal(t, int64(100), value.Offset())
	assert.Equal(t, 1, s.NumberOfItems())
}

func TestSegmentAddEntryPreconditions(t *testing.T) {
	s := newTestSegment(t, t.TempDir(), 0)

	require.NoError(t, s.AddEntry(testEntry(testKey(0x01), 0, 100), 100))

	// Keys of a different width do not belong in this segment.
	wide := IndexEntry{Key: NewBlobID([]byte{0x01, 0x02}), Value: NewIndexValue(50, 100, TTLInfinite)}
	assert.ErrorIs(t, s.AddEntry(wide, 150), ErrInvalidArgument)

	// The end offset can never move backwards.
	assert.ErrorIs(t, s.AddEntry(testEntry(testKey(0x02), 100, 50), 50), ErrInvalidArgument)
}

func TestSegmentGetEntriesSince(t *testing.T) {
	s := newTestSegment(t, t.TempDir(), 0)

	require.NoError(t, s.AddEntry(testEntry(testKey(0x03), 0, 50), 50))
	require.NoError(t, s.AddEntry(testEntry(testKey(0x01), 50, 50), 100))
	require.NoError(t, s.AddEntry(testEntry(testKey(0x02), 100, 50), 150))

	var out []MessageInfo
	var total int64
	require.NoError(t, s.GetEntriesSince(nil, math.MaxInt64, &out, &total))

	require.Len(t, out, 3)
	assert.Equal(t, testKey(0x01), out[0].Key)
	assert.Equal(t, testKey(0x02), out[1].Key)
	assert.Equal(t, testKey(0x03), out[2].Key)
	assert.Equal(t, int64(150), total)

	// Strictly after a key.
	out, total = nil, 0
	require.NoError(t, s.GetEntriesSince(testKey(0x01), math.MaxInt64, &out, &total))
	require.Len(t, out, 2)
	assert.Equal(t, testKey(0x02), out[0].Key)

	// The size budget stops the scan once reached.
	out, total = nil, 0
	require.NoError(t, s.GetEntriesSince(nil, 60, &out, &total))
	require.Len(t, out, 2)
	assert.Equal(t, int64(100), total)
}

func TestSegmentWriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := newTestSegment(t, dir, 0)

	require.NoError(t, s.AddEntry(testEntry(testKey(0x02), 0, 50), 50))
	require.NoError(t, s.AddEntry(testEntry(testKey(0x01), 50, 50), 100))
	require.NoError(t, s.WriteToFile(100))

	loaded, err := loadIndexSegment(log.NewNopLogger(), dir, "0_index.index", false,
		NewBlobIDFactory(1), NewBytesPool())
	require.NoError(t, err)

	assert.Equal(t, int64(0), loaded.StartOffset())
	assert.Equal(t, int64(100), loaded.EndOffset())
	assert.Equal(t, 2, loaded.NumberOfItems())
	assert.False(t, loaded.Mapped())

	value, found, err := loaded.Find(testKey(0x01))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(50), value.Offset())

	// A loaded unmapped segment stays mutable for recovery.
	require.NoError(t, loaded.AddEntry(testEntry(testKey(0x03), 100, 50), 150))
}

func TestSegmentWriteExcludesEntriesPastFlushOffset(t *testing.T) {
	dir := t.TempDir()
	s := newTestSegment(t, dir, 0)

	require.NoError(t, s.AddEntry(testEntry(testKey(0x01), 0, 100), 100))
	require.NoError(t, s.AddEntry(testEntry(testKey(0x02), 100, 100), 200))

	// Only the first entry's log bytes are known durable.
	require.NoError(t, s.WriteToFile(100))

	loaded, err := loadIndexSegment(log.NewNopLogger(), dir, "0_index.index", false,
		NewBlobIDFactory(1), NewBytesPool())
	require.NoError(t, err)

	assert.Equal(t, 1, loaded.NumberOfItems())
	assert.Equal(t, int64(100), loaded.EndOffset())

	_, found, err := loaded.Find(testKey(0x02))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSegmentMappedFind(t *testing.T) {
	dir := t.TempDir()
	s := newTestSegment(t, dir, 0)

	for b := byte(1); b <= 10; b++ {
		offset := int64(b-1) * 50
		require.NoError(t, s.AddEntry(testEntry(testKey(b), offset, 50), offset+50))
	}
	require.NoError(t, s.WriteToFile(500))
	require.NoError(t, s.Map(true))

	assert.True(t, s.Mapped())
	assert.FileExists(t, bloomFileName(dir, 0))

	for b := byte(1); b <= 10; b++ {
		value, found, err := s.Find(testKey(b))
		require.NoError(t, err)
		require.True(t, found, "key %#x", b)
		assert.Equal(t, int64(b-1)*50, value.Offset())
	}

	_, found, err := s.Find(testKey(0xFF))
	require.NoError(t, err)
	assert.False(t, found)

	// Mapped segments are immutable.
	assert.ErrorIs(t, s.AddEntry(testEntry(testKey(0x20), 500, 50), 550), ErrInvalidArgument)
	assert.ErrorIs(t, s.WriteToFile(600), ErrInvalidArgument)

	// Scans work off the mapping too.
	var out []MessageInfo
	var total int64
	require.NoError(t, s.GetEntriesSince(testKey(8), math.MaxInt64, &out, &total))
	require.Len(t, out, 2)
	assert.Equal(t, testKey(9), out[0].Key)
	assert.Equal(t, testKey(10), out[1].Key)

	require.NoError(t, s.Close())
}

func TestSegmentLoadMapped(t *testing.T) {
	dir := t.TempDir()
	s := newTestSegment(t, dir, 0)

	require.NoError(t, s.AddEntry(testEntry(testKey(0x01), 0, 50), 50))
	require.NoError(t, s.AddEntry(testEntry(testKey(0x02), 50, 50), 100))
	require.NoError(t, s.WriteToFile(100))

	loaded, err := loadIndexSegment(log.NewNopLogger(), dir, "0_index.index", true,
		NewBlobIDFactory(1), NewBytesPool())
	require.NoError(t, err)
	defer loaded.Close()

	assert.True(t, loaded.Mapped())
	assert.Equal(t, 2, loaded.NumberOfItems())

	value, found, err := loaded.Find(testKey(0x02))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(50), value.Offset())
}

func TestSegmentLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	s := newTestSegment(t, dir, 0)

	require.NoError(t, s.AddEntry(testEntry(testKey(0x01), 0, 100), 100))
	require.NoError(t, s.WriteToFile(100))

	path := indexFileName(dir, 0)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Flip a byte in the middle of the records.
	data[segmentHeaderLen] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o666))

	_, err = loadIndexSegment(log.NewNopLogger(), dir, "0_index.index", false,
		NewBlobIDFactory(1), NewBytesPool())
	assert.ErrorIs(t, err, ErrIndexCreation)

	// Truncation is caught as well.
	require.NoError(t, os.WriteFile(path, data[:len(data)-10], 0o666))
	_, err = loadIndexSegment(log.NewNopLogger(), dir, "0_index.index", false,
		NewBlobIDFactory(1), NewBytesPool())
	assert.ErrorIs(t, err, ErrIndexCreation)
}

func TestSegmentFileNameParsing(t *testing.T) {
	start, err := parseStartOffset("1024_index.index")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), start)

	_, err = parseStartOffset("cleanshutdown")
	assert.Error(t, err)
}
