package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/fileutil"
	"github.com/tysonmote/gommap"

	"heron/storage/filter"
)

const (
	// IndexFileSuffix is the extension of persisted index segment files.
	IndexFileSuffix = ".index"
	// BloomFileSuffix is the extension of the optional bloom filter sibling.
	BloomFileSuffix = ".bloom"

	indexSegmentVersion uint16 = 0

	// version 2 | key size 4 | value size 4 | start offset 8 | end offset 8 | entries 4
	segmentHeaderLen = 30
	segmentCrcLen    = 4

	bloomFalsePositiveRate = 0.01
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func indexFileName(dir string, startOffset int64) string {
	return filepath.Join(dir, fmt.Sprintf("%d_index%s", startOffset, IndexFileSuffix))
}

func bloomFileName(dir string, startOffset int64) string {
	return filepath.Join(dir, fmt.Sprintf("%d_index%s", startOffset, BloomFileSuffix))
}

func parseStartOffset(fileName string) (int64, error) {
	i := strings.IndexByte(fileName, '_')
	if i <= 0 {
		return 0, errors.Errorf("not a valid index segment file name %q", fileName)
	}

	return strconv.ParseInt(fileName[:i], 10, 64)
}

// IndexSegment is a sorted key to value map covering a contiguous range of
// the log. It starts mutable, holding its entries in memory, and is sealed
// into a read-only memory-mapped file by the persistor. The transition is
// one-way.
type IndexSegment struct {
	logger  log.Logger
	dir     string
	factory StoreKeyFactory
	pool    *BytesPool

	startOffset int64
	keySize     int
	valueSize   int

	mu         sync.RWMutex
	mapped     bool
	endOffset  int64
	entries    map[string]IndexValue
	numEntries int
	mmap       gommap.MMap
	file       *os.File
	bloom      *filter.Filter
}

// newIndexSegment creates an empty mutable segment starting at startOffset.
func newIndexSegment(logger log.Logger, dir string, startOffset int64, keySize int, valueSize int,
	factory StoreKeyFactory, pool *BytesPool) *IndexSegment {
	return &IndexSegment{
		logger:      log.With(logger, "segment", startOffset),
		dir:         dir,
		factory:     factory,
		pool:        pool,
		startOffset: startOffset,
		keySize:     keySize,
		valueSize:   valueSize,
		endOffset:   -1,
		entries:     make(map[string]IndexValue),
	}
}

// loadIndexSegment reads a persisted segment file. When shouldMap is true the
// segment comes up memory-mapped and read-only, otherwise its entries are
// loaded into memory and the segment stays mutable for recovery.
func loadIndexSegment(logger log.Logger, dir string, fileName string, shouldMap bool,
	factory StoreKeyFactory, pool *BytesPool) (*IndexSegment, error) {
	startOffset, err := parseStartOffset(fileName)
	if err != nil {
		return nil, errors.Wrapf(ErrIndexCreation, "parse segment file name: %v", err)
	}

	path := filepath.Join(dir, fileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIndexCreation, "read segment file %s: %v", path, err)
	}

	hdr, err := parseSegmentHeader(data)
	if err != nil {
		return nil, errors.Wrapf(ErrIndexCreation, "segment file %s: %v", path, err)
	}
	if hdr.startOffset != startOffset {
		return nil, errors.Wrapf(ErrIndexCreation,
			"segment file %s: header start offset %d does not match file name", path, hdr.startOffset)
	}

	s := &IndexSegment{
		logger:      log.With(logger, "segment", startOffset),
		dir:         dir,
		factory:     factory,
		pool:        pool,
		startOffset: startOffset,
		keySize:     hdr.keySize,
		valueSize:   hdr.valueSize,
		endOffset:   hdr.endOffset,
		numEntries:  hdr.numEntries,
	}

	if shouldMap {
		if err := s.mapLocked(); err != nil {
			return nil, errors.Wrapf(ErrIndexCreation, "map segment file %s: %v", path, err)
		}
		return s, nil
	}

	s.entries = make(map[string]IndexValue, hdr.numEntries)
	recLen := hdr.keySize + hdr.valueSize
	for i := 0; i < hdr.numEntries; i++ {
		rec := data[segmentHeaderLen+i*recLen:]
		s.entries[string(rec[:hdr.keySize])] = decodeIndexValue(rec[hdr.keySize : hdr.keySize+hdr.valueSize])
	}

	return s, nil
}

type segmentHeader struct {
	keySize     int
	valueSize   int
	startOffset int64
	endOffset   int64
	numEntries  int
}

// parseSegmentHeader validates the framing and checksum of a complete
// segment file image and returns its header.
func parseSegmentHeader(data []byte) (segmentHeader, error) {
	var hdr segmentHeader

	if len(data) < segmentHeaderLen+segmentCrcLen {
		return hdr, errors.New("truncated segment file")
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != indexSegmentVersion {
		return hdr, errors.Errorf("unknown segment version %d", version)
	}

	hdr.keySize = int(binary.BigEndian.Uint32(data[2:6]))
	hdr.valueSize = int(binary.BigEndian.Uint32(data[6:10]))
	hdr.startOffset = int64(binary.BigEndian.Uint64(data[10:18]))
	hdr.endOffset = int64(binary.BigEndian.Uint64(data[18:26]))
	hdr.numEntries = int(binary.BigEndian.Uint32(data[26:30]))

	if hdr.keySize <= 0 || hdr.valueSize <= 0 {
		return hdr, errors.Errorf("invalid record sizes key %d value %d", hdr.keySize, hdr.valueSize)
	}

	expected := segmentHeaderLen + hdr.numEntries*(hdr.keySize+hdr.valueSize) + segmentCrcLen
	if len(data) != expected {
		return hdr, errors.Errorf("segment file size %d does not match header, expected %d", len(data), expected)
	}

	crc := binary.BigEndian.Uint32(data[len(data)-segmentCrcLen:])
	if c := crc32.Checksum(data[:len(data)-segmentCrcLen], castagnoliTable); c != crc {
		return hdr, errors.Errorf("invalid checksum: expected %d, got %d", crc, c)
	}

	return hdr, nil
}

func (s *IndexSegment) StartOffset() int64 {
	return s.startOffset
}

func (s *IndexSegment) EndOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.endOffset
}

func (s *IndexSegment) KeySize() int {
	return s.keySize
}

func (s *IndexSegment) ValueSize() int {
	return s.valueSize
}

func (s *IndexSegment) Mapped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.mapped
}

func (s *IndexSegment) NumberOfItems() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.mapped {
		return s.numEntries
	}

	return len(s.entries)
}

// SizeWritten is the on-disk size the segment would occupy if flushed now.
func (s *IndexSegment) SizeWritten() int64 {
	return int64(segmentHeaderLen + s.NumberOfItems()*(s.keySize+s.valueSize) + segmentCrcLen)
}

// AddEntry adds or overwrites a single entry and advances the segment end
// offset. The last write for a repeated key wins.
func (s *IndexSegment) AddEntry(entry IndexEntry, newEndOffset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addEntryLocked(entry, newEndOffset)
}

// AddEntries adds a batch of entries sharing a single new end offset.
func (s *IndexSegment) AddEntries(entries []IndexEntry, newEndOffset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if err := s.addEntryLocked(entry, newEndOffset); err != nil {
			return err
		}
	}

	return nil
}

func (s *IndexSegment) addEntryLocked(entry IndexEntry, newEndOffset int64) error {
	if s.mapped {
		return errors.Wrapf(ErrInvalidArgument, "segment at %d is mapped and read only", s.startOffset)
	}
	if entry.Key.SizeInBytes() != s.keySize {
		return errors.Wrapf(ErrInvalidArgument, "key size %d does not match segment key size %d",
			entry.Key.SizeInBytes(), s.keySize)
	}
	if newEndOffset < s.endOffset {
		return errors.Wrapf(ErrInvalidArgument, "new end offset %d is before current end offset %d",
			newEndOffset, s.endOffset)
	}

	s.entries[string(entry.Key.Bytes())] = entry.Value
	s.endOffset = newEndOffset

	return nil
}

// Find looks up a key. In the mapped state the lookup is gated by the bloom
// filter and resolved with a binary search over the mapped records.
func (s *IndexSegment) Find(key StoreKey) (IndexValue, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.mapped {
		value, ok := s.entries[string(key.Bytes())]
		return value, ok, nil
	}

	target := key.Bytes()
	if len(target) != s.keySize {
		return IndexValue{}, false, nil
	}
	if s.bloom != nil && !s.bloom.Test(target) {
		return IndexValue{}, false, nil
	}

	i := sort.Search(s.numEntries, func(i int) bool {
		return bytes.Compare(s.recordKey(i), target) >= 0
	})
	if i < s.numEntries && bytes.Equal(s.recordKey(i), target) {
		return decodeIndexValue(s.recordValue(i)), true, nil
	}

	return IndexValue{}, false, nil
}

func (s *IndexSegment) recordKey(i int) []byte {
	off := segmentHeaderLen + i*(s.keySize+s.valueSize)
	return s.mmap[off : off+s.keySize]
}

func (s *IndexSegment) recordValue(i int) []byte {
	off := segmentHeaderLen + i*(s.keySize+s.valueSize) + s.keySize
	return s.mmap[off : off+s.valueSize]
}

// GetEntriesSince appends, in ascending key order, every entry strictly
// greater than afterKey (all entries when afterKey is nil) until the size
// accumulator reaches maxTotalSize.
func (s *IndexSegment) GetEntriesSince(afterKey StoreKey, maxTotalSize int64,
	out *[]MessageInfo, totalSize *int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.mapped {
		return s.getMappedEntriesSince(afterKey, maxTotalSize, out, totalSize)
	}

	keys := make([]string, 0, len(s.entries))
	var after string
	if afterKey != nil {
		after = string(afterKey.Bytes())
	}
	for k := range s.entries {
		if afterKey != nil && k <= after {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if *totalSize >= maxTotalSize {
			break
		}

		key, err := s.factory.GetStoreKey(bytes.NewReader([]byte(k)))
		if err != nil {
			return errors.Wrap(err, "decode key during segment scan")
		}

		value := s.entries[k]
		*out = append(*out, messageInfoFromValue(key, value))
		*totalSize += value.Size()
	}

	return nil
}

func (s *IndexSegment) getMappedEntriesSince(afterKey StoreKey, maxTotalSize int64,
	out *[]MessageInfo, totalSize *int64) error {
	start := 0
	if afterKey != nil {
		after := afterKey.Bytes()
		start = sort.Search(s.numEntries, func(i int) bool {
			return bytes.Compare(s.recordKey(i), after) > 0
		})
	}

	for i := start; i < s.numEntries; i++ {
		if *totalSize >= maxTotalSize {
			break
		}

		key, err := s.factory.GetStoreKey(bytes.NewReader(s.recordKey(i)))
		if err != nil {
			return errors.Wrap(err, "decode key during mapped segment scan")
		}

		value := decodeIndexValue(s.recordValue(i))
		*out = append(*out, messageInfoFromValue(key, value))
		*totalSize += value.Size()
	}

	return nil
}

func messageInfoFromValue(key StoreKey, value IndexValue) MessageInfo {
	return MessageInfo{
		Key:         key,
		Size:        value.Size(),
		Deleted:     value.IsFlagSet(FlagDelete),
		ExpiresAtMs: value.ExpiresAtMs(),
	}
}

// WriteToFile persists the segment. Only entries whose log bytes lie at or
// before endOffsetAtFlush are included; the rest are retried on the next
// flush. The file is published atomically: temp file, fsync, rename.
func (s *IndexSegment) WriteToFile(endOffsetAtFlush int64) error {
	s.mu.RLock()

	if s.mapped {
		s.mu.RUnlock()
		return errors.Wrapf(ErrInvalidArgument, "segment at %d is mapped and cannot be rewritten", s.startOffset)
	}

	keys := make([]string, 0, len(s.entries))
	for k, v := range s.entries {
		if v.Offset()+v.Size() <= endOffsetAtFlush {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	bufp := s.pool.GetBytes()
	defer s.pool.PutBytes(bufp)

	buf := *bufp
	var scratch [segmentHeaderLen]byte
	binary.BigEndian.PutUint16(scratch[0:2], indexSegmentVersion)
	binary.BigEndian.PutUint32(scratch[2:6], uint32(s.keySize))
	binary.BigEndian.PutUint32(scratch[6:10], uint32(s.valueSize))
	binary.BigEndian.PutUint64(scratch[10:18], uint64(s.startOffset))
	binary.BigEndian.PutUint64(scratch[18:26], uint64(endOffsetAtFlush))
	binary.BigEndian.PutUint32(scratch[26:30], uint32(len(keys)))
	buf = append(buf, scratch[:]...)

	var valueBuf [IndexValueSizeInBytes]byte
	for _, k := range keys {
		buf = append(buf, k...)
		encodeIndexValue(s.entries[k], valueBuf[:s.valueSize])
		buf = append(buf, valueBuf[:s.valueSize]...)
	}

	s.mu.RUnlock()

	var crcBuf [segmentCrcLen]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc32.Checksum(buf, castagnoliTable))
	buf = append(buf, crcBuf[:]...)

	*bufp = buf

	if err := writeFileAtomic(indexFileName(s.dir, s.startOffset), buf); err != nil {
		return errors.Wrapf(ErrIO, "write index segment %d: %v", s.startOffset, err)
	}

	return nil
}

// writeFileAtomic writes data to a temp file, fsyncs it and renames it over
// path, fsyncing the parent directory.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return fileutil.Replace(tmp, path)
}

// Map seals the segment: the persisted file is memory-mapped read only, the
// in-memory entries are dropped and a bloom filter is published alongside.
func (s *IndexSegment) Map(readOnly bool) error {
	if !readOnly {
		return errors.Wrap(ErrInvalidArgument, "only read only mapping is supported")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mapped {
		return nil
	}

	if err := s.mapLocked(); err != nil {
		return errors.Wrapf(ErrIO, "map segment %d: %v", s.startOffset, err)
	}

	return nil
}

func (s *IndexSegment) mapLocked() error {
	path := indexFileName(s.dir, s.startOffset)

	f, err := os.Open(path)
	if err != nil {
		return err
	}

	m, err := gommap.Map(f.Fd(), gommap.PROT_READ, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return err
	}

	hdr, err := parseSegmentHeader(m)
	if err != nil {
		m.UnsafeUnmap()
		f.Close()
		return err
	}

	s.file = f
	s.mmap = m
	s.numEntries = hdr.numEntries
	s.mapped = true
	s.entries = nil

	s.loadOrBuildBloom()

	return nil
}

// loadOrBuildBloom reads the sibling bloom file if one exists, otherwise
// builds the filter from the mapped records and persists it. The filter is an
// optimization; failures are logged and the segment stays usable.
func (s *IndexSegment) loadOrBuildBloom() {
	path := bloomFileName(s.dir, s.startOffset)

	if data, err := os.ReadFile(path); err == nil {
		if f, err := filter.Decode(data); err == nil {
			s.bloom = f
			return
		}
		level.Warn(s.logger).Log("msg", "discarding unreadable bloom file", "path", path)
	}

	f := filter.New(s.numEntries, bloomFalsePositiveRate)
	for i := 0; i < s.numEntries; i++ {
		f.Add(s.recordKey(i))
	}
	s.bloom = f

	if err := writeFileAtomic(path, f.Encode()); err != nil {
		level.Warn(s.logger).Log("msg", "error persisting bloom filter", "err", err)
	}
}

// Close releases the mapping of a sealed segment.
func (s *IndexSegment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mapped {
		return nil
	}

	if err := s.mmap.UnsafeUnmap(); err != nil {
		return errors.Wrap(err, "unmap segment")
	}
	s.mmap = nil

	return s.file.Close()
}
