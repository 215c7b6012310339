package storage

import (
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"heron/config"
)

// CleanShutdownFileName is the marker created on orderly close. Its absence
// on the next startup is the sole signal of an unclean shutdown.
const CleanShutdownFileName = "cleanshutdown"

// BlobReadOptions carries everything needed to read a live blob from the log.
type BlobReadOptions struct {
	Offset      int64
	Size        int64
	ExpiresAtMs int64
	Key         StoreKey
}

// PersistentIndex maps store keys to their latest location in the log. It
// owns an ordered collection of index segments, of which only the last is
// mutable, plus a journal of recent insertions. The index expects a single
// writer; reads and the background persistor may run concurrently with it.
type PersistentIndex struct {
	logger    log.Logger
	dataDir   string
	log       Log
	factory   StoreKeyFactory
	cfg       config.StoreConfig
	metrics   *StoreMetrics
	journal   *Journal
	pool      *BytesPool
	persistor *IndexPersistor

	mu       sync.RWMutex
	segments []*IndexSegment

	sessionID             uuid.UUID
	cleanShutdown         bool
	logEndOffsetOnStartup int64
}

// NewPersistentIndex loads the segment files under dataDir, reconciles the
// last two against the log through the recovery handler, and schedules the
// background persistor.
func NewPersistentIndex(dataDir string, logger log.Logger, scheduler Scheduler, l Log,
	cfg config.StoreConfig, factory StoreKeyFactory, recovery MessageStoreRecovery,
	metrics *StoreMetrics) (*PersistentIndex, error) {
	logger = log.With(logger, "component", "index", "dir", dataDir)

	p := &PersistentIndex{
		logger:  logger,
		dataDir: dataDir,
		log:     l,
		factory: factory,
		cfg:     cfg,
		metrics: metrics,
		journal: NewJournal(cfg.JournalMaxEntries, cfg.MaxNumberOfEntriesToReturnFromJournal),
		pool:    NewBytesPool(),
	}

	files, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, errors.Wrapf(ErrIndexCreation, "list index directory %s: %v", dataDir, err)
	}

	var names []string
	for _, f := range files {
		if strings.HasSuffix(f.Name(), IndexFileSuffix) {
			names = append(names, f.Name())
		}
	}

	offsets := make(map[string]int64, len(names))
	for _, name := range names {
		startOffset, err := parseStartOffset(name)
		if err != nil {
			return nil, errors.Wrapf(ErrIndexCreation, "%v", err)
		}
		offsets[name] = startOffset
	}
	sort.Slice(names, func(i, j int) bool {
		return offsets[names[i]] < offsets[names[j]]
	})

	// All but the most recent two segments come up mapped. The recent ones
	// stay mutable so recovery can rewrite them.
	for i, name := range names {
		shouldMap := i < len(names)-2

		segment, err := loadIndexSegment(logger, dataDir, name, shouldMap, factory, p.pool)
		if err != nil {
			return nil, err
		}

		level.Info(logger).Log("msg", "loaded index segment", "file", name,
			"startOffset", segment.StartOffset(), "endOffset", segment.EndOffset(), "mapped", shouldMap)
		p.segments = append(p.segments, segment)
	}

	level.Info(logger).Log("msg", "log end offset before recovery", "offset", l.LogEndOffset())

	recoveryStart := time.Now()
	if last := p.lastSegment(); last != nil {
		if prev := p.lowerSegment(last.StartOffset()); prev != nil {
			if err := p.recover(prev, last.StartOffset(), recovery); err != nil {
				return nil, err
			}
		}
		if err := p.recover(last, l.SizeInBytes(), recovery); err != nil {
			return nil, err
		}
	} else {
		if err := p.recover(nil, l.SizeInBytes(), recovery); err != nil {
			return nil, err
		}
	}
	metrics.recoveryDuration.Observe(time.Since(recoveryStart).Seconds())

	if err := l.SetLogEndOffset(p.getCurrentEndOffset()); err != nil {
		return nil, errors.Wrapf(ErrIndexCreation, "set log end offset after recovery: %v", err)
	}
	p.logEndOffsetOnStartup = l.LogEndOffset()
	p.sessionID = uuid.New()

	marker := filepath.Join(dataDir, CleanShutdownFileName)
	if _, err := os.Stat(marker); err == nil {
		p.cleanShutdown = true
		if err := os.Remove(marker); err != nil {
			return nil, errors.Wrapf(ErrIndexCreation, "remove clean shutdown marker: %v", err)
		}
	}

	p.persistor = &IndexPersistor{index: p, logger: log.With(logger, "component", "persistor")}
	initialDelay := cfg.DataFlushDelay + time.Duration(rand.Intn(60))*time.Second
	scheduler.Schedule("index persistor", p.persistor.run, initialDelay, cfg.DataFlushInterval)

	return p, nil
}

// recover replays the log range beyond segmentToRecover's end into it. A nil
// segmentToRecover means the index is empty: a fresh segment is created at
// the recovery start as soon as the first message appears.
func (p *PersistentIndex) recover(segmentToRecover *IndexSegment, endOffset int64,
	recovery MessageStoreRecovery) error {
	var startOffset int64
	if segmentToRecover != nil {
		startOffset = segmentToRecover.EndOffset()
		if startOffset == -1 {
			startOffset = segmentToRecover.StartOffset()
		}
	}

	level.Info(p.logger).Log("msg", "performing recovery", "startOffset", startOffset, "endOffset", endOffset)

	recovered, err := recovery.Recover(p.log, startOffset, endOffset, p.factory)
	if err != nil {
		return errors.Wrapf(ErrIndexCreation, "recover log range [%d, %d): %v", startOffset, endOffset, err)
	}
	if len(recovered) > 0 {
		p.metrics.nonzeroMessageRecovery.Inc()
	}

	runningOffset := startOffset
	for _, info := range recovered {
		if segmentToRecover == nil {
			segmentToRecover = newIndexSegment(p.logger, p.dataDir, startOffset,
				info.Key.SizeInBytes(), IndexValueSizeInBytes, p.factory, p.pool)
			p.appendSegment(segmentToRecover)
		}

		value, found, err := p.FindKey(info.Key)
		if err != nil {
			return err
		}

		if found {
			if !info.Deleted {
				return errors.Wrapf(ErrInitialization,
					"illegal message state during recovery: key %s already present and not a delete", info.Key)
			}
			value.SetFlag(FlagDelete)
			value.SetNewOffset(runningOffset)
			value.SetNewSize(info.Size)
		} else {
			value = NewIndexValue(info.Size, runningOffset, info.ExpiresAtMs)
		}

		span := FileSpan{Start: runningOffset, End: runningOffset + info.Size}
		if err := p.verifyFileSpan(span); err != nil {
			return err
		}
		if err := segmentToRecover.AddEntry(IndexEntry{Key: info.Key, Value: value}, span.End); err != nil {
			return err
		}
		p.journal.AddEntry(runningOffset, info.Key)

		level.Debug(p.logger).Log("msg", "recovered message", "key", info.Key,
			"offset", runningOffset, "size", info.Size, "deleted", info.Deleted)

		runningOffset += info.Size
	}

	return nil
}

// Segment navigation. The slice is kept sorted by start offset; a single
// writer appends at the tail while readers search it or take a snapshot of it
// under the read lock.

func (p *PersistentIndex) appendSegment(segment *IndexSegment) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.segments = append(p.segments, segment)
}

func (p *PersistentIndex) lastSegment() *IndexSegment {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.segments) == 0 {
		return nil
	}
	return p.segments[len(p.segments)-1]
}

// lowerSegment returns the segment with the greatest start offset strictly
// below startOffset.
func (p *PersistentIndex) lowerSegment(startOffset int64) *IndexSegment {
	p.mu.RLock()
	defer p.mu.RUnlock()

	i := sort.Search(len(p.segments), func(i int) bool {
		return p.segments[i].StartOffset() >= startOffset
	})
	if i == 0 {
		return nil
	}
	return p.segments[i-1]
}

// higherSegment returns the segment with the smallest start offset strictly
// above startOffset.
func (p *PersistentIndex) higherSegment(startOffset int64) *IndexSegment {
	p.mu.RLock()
	defer p.mu.RUnlock()

	i := sort.Search(len(p.segments), func(i int) bool {
		return p.segments[i].StartOffset() > startOffset
	})
	if i == len(p.segments) {
		return nil
	}
	return p.segments[i]
}

// floorSegment returns the segment whose range contains offset: the one with
// the greatest start offset <= offset.
func (p *PersistentIndex) floorSegment(offset int64) *IndexSegment {
	p.mu.RLock()
	defer p.mu.RUnlock()

	i := sort.Search(len(p.segments), func(i int) bool {
		return p.segments[i].StartOffset() > offset
	})
	if i == 0 {
		return nil
	}
	return p.segments[i-1]
}

func (p *PersistentIndex) segmentAt(startOffset int64) *IndexSegment {
	p.mu.RLock()
	defer p.mu.RUnlock()

	i := sort.Search(len(p.segments), func(i int) bool {
		return p.segments[i].StartOffset() >= startOffset
	})
	if i < len(p.segments) && p.segments[i].StartOffset() == startOffset {
		return p.segments[i]
	}
	return nil
}

// AddToIndex adds a new entry, rolling the active segment over first when
// any rollover predicate holds. The caller must have appended the message
// bytes to the log already; fileSpan is where they landed.
func (p *PersistentIndex) AddToIndex(entry IndexEntry, fileSpan FileSpan) error {
	if err := p.verifyFileSpan(fileSpan); err != nil {
		return err
	}

	if p.needToRollOverIndex(entry) {
		segment := newIndexSegment(p.logger, p.dataDir, entry.Value.Offset(),
			entry.Key.SizeInBytes(), IndexValueSizeInBytes, p.factory, p.pool)
		if err := segment.AddEntry(entry, fileSpan.End); err != nil {
			return err
		}
		p.appendSegment(segment)
		p.metrics.segmentRollovers.Inc()
	} else {
		if err := p.lastSegment().AddEntry(entry, fileSpan.End); err != nil {
			return err
		}
	}

	p.journal.AddEntry(entry.Value.Offset(), entry.Key)

	return nil
}

// AddEntriesToIndex adds a batch of entries covered by a single file span.
// Rollover is decided once, against the first entry.
func (p *PersistentIndex) AddEntriesToIndex(entries []IndexEntry, fileSpan FileSpan) error {
	if len(entries) == 0 {
		return errors.Wrap(ErrInvalidArgument, "no entries to add")
	}
	if err := p.verifyFileSpan(fileSpan); err != nil {
		return err
	}

	if p.needToRollOverIndex(entries[0]) {
		segment := newIndexSegment(p.logger, p.dataDir, entries[0].Value.Offset(),
			entries[0].Key.SizeInBytes(), IndexValueSizeInBytes, p.factory, p.pool)
		if err := segment.AddEntries(entries, fileSpan.End); err != nil {
			return err
		}
		p.appendSegment(segment)
		p.metrics.segmentRollovers.Inc()
	} else {
		if err := p.lastSegment().AddEntries(entries, fileSpan.End); err != nil {
			return err
		}
	}

	for _, entry := range entries {
		p.journal.AddEntry(entry.Value.Offset(), entry.Key)
	}

	return nil
}

func (p *PersistentIndex) needToRollOverIndex(entry IndexEntry) bool {
	last := p.lastSegment()

	return last == nil ||
		last.SizeWritten() >= p.cfg.IndexMaxMemorySizeBytes ||
		last.NumberOfItems() >= p.cfg.IndexMaxNumberOfInmemElements ||
		last.KeySize() != entry.Key.SizeInBytes() ||
		last.ValueSize() != IndexValueSizeInBytes
}

// FindKey returns the latest value written for key. Segments are searched
// newest first, so a delete in a younger segment shadows the original insert.
func (p *PersistentIndex) FindKey(key StoreKey) (IndexValue, bool, error) {
	now := time.Now()
	defer func() {
		p.metrics.findDuration.Observe(time.Since(now).Seconds())
	}()

	p.mu.RLock()
	segments := p.segments
	p.mu.RUnlock()

	for i := len(segments) - 1; i >= 0; i-- {
		value, found, err := segments[i].Find(key)
		if err != nil {
			return IndexValue{}, false, err
		}
		if found {
			return value, true, nil
		}
	}

	return IndexValue{}, false, nil
}

func (p *PersistentIndex) Exists(key StoreKey) (bool, error) {
	_, found, err := p.FindKey(key)
	return found, err
}

// MarkAsDeleted rewrites the value of an existing key to point at its delete
// marker record in the log and re-adds it to the active segment.
func (p *PersistentIndex) MarkAsDeleted(key StoreKey, fileSpan FileSpan) error {
	if err := p.verifyFileSpan(fileSpan); err != nil {
		return err
	}

	value, found, err := p.FindKey(key)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(ErrIDNotFound, "marking id %s as deleted failed", key)
	}

	value.SetFlag(FlagDelete)
	value.SetNewOffset(fileSpan.Start)
	value.SetNewSize(fileSpan.End - fileSpan.Start)

	if err := p.lastSegment().AddEntry(IndexEntry{Key: key, Value: value}, fileSpan.End); err != nil {
		return err
	}
	p.journal.AddEntry(fileSpan.Start, key)

	return nil
}

// GetBlobReadInfo resolves a key into the log range of its live blob,
// distinguishing absent, deleted and expired keys.
func (p *PersistentIndex) GetBlobReadInfo(key StoreKey) (BlobReadOptions, error) {
	value, found, err := p.FindKey(key)
	if err != nil {
		return BlobReadOptions{}, err
	}

	switch {
	case !found:
		return BlobReadOptions{}, errors.Wrapf(ErrIDNotFound, "cannot find blob %s", key)
	case value.IsFlagSet(FlagDelete):
		return BlobReadOptions{}, errors.Wrapf(ErrIDDeleted, "blob %s", key)
	case value.IsExpired():
		return BlobReadOptions{}, errors.Wrapf(ErrTTLExpired, "blob %s", key)
	}

	return BlobReadOptions{
		Offset:      value.Offset(),
		Size:        value.Size(),
		ExpiresAtMs: value.ExpiresAtMs(),
		Key:         key,
	}, nil
}

// FindMissingKeys returns the subset of keys not present in the index.
// Deleted and expired keys count as present.
func (p *PersistentIndex) FindMissingKeys(keys []StoreKey) ([]StoreKey, error) {
	var missing []StoreKey

	for _, key := range keys {
		exists, err := p.Exists(key)
		if err != nil {
			return nil, err
		}
		if !exists {
			missing = append(missing, key)
		}
	}

	return missing, nil
}

// FindEntriesSince returns entries added after the position the token marks
// (from the beginning for an uninitialized token), together with a new token
// to resume from. The journal serves scans
// close to the log tail; older positions fall back to walking segments.
func (p *PersistentIndex) FindEntriesSince(token *StoreFindToken, maxTotalSizeOfEntries int64) (FindInfo, error) {
	logEndOffsetBeforeFind := p.log.LogEndOffset()

	storeToken, err := p.validateToken(token)
	if err != nil {
		return FindInfo{}, err
	}

	var messageEntries []MessageInfo

	if storeToken.StoreKey() == nil {
		inclusive := false
		offsetToStart := storeToken.Offset()
		if offsetToStart == UninitializedOffset {
			inclusive = true
			offsetToStart = 0
		}

		if entries := p.journal.GetEntriesSince(offsetToStart, inclusive); entries != nil {
			offsetEnd := offsetToStart
			var currentTotalSize, lastEntrySize int64

			for _, entry := range entries {
				value, found, err := p.FindKey(entry.Key)
				if err != nil {
					return FindInfo{}, err
				}
				if !found {
					return FindInfo{}, errors.Errorf("journal entry key %s missing from index", entry.Key)
				}

				messageEntries = append(messageEntries, messageInfoFromValue(entry.Key, value))
				currentTotalSize += value.Size()
				offsetEnd = entry.Offset
				lastEntrySize = value.Size()

				if currentTotalSize >= maxTotalSizeOfEntries {
					break
				}
			}

			messageEntries = eliminateDuplicates(messageEntries)

			newToken := newJournalToken(offsetEnd, p.sessionID)
			if len(messageEntries) == 0 {
				newToken.setBytesRead(logEndOffsetBeforeFind)
			} else {
				newToken.setBytesRead(offsetEnd + lastEntrySize)
			}
			return FindInfo{Entries: messageEntries, Token: newToken}, nil
		}

		// The journal no longer covers offsetToStart: walk segments from the
		// one containing it.
		var newToken *StoreFindToken
		if floor := p.floorSegment(offsetToStart); floor != nil {
			newToken, err = p.findEntriesFromOffset(floor.StartOffset(), nil, &messageEntries, maxTotalSizeOfEntries)
			if err != nil {
				return FindInfo{}, err
			}
		} else {
			echo := *storeToken
			newToken = &echo
		}

		messageEntries = eliminateDuplicates(messageEntries)
		newToken.setBytesRead(getTotalBytesRead(newToken, messageEntries, logEndOffsetBeforeFind))
		return FindInfo{Entries: messageEntries, Token: newToken}, nil
	}

	newToken, err := p.findEntriesFromOffset(storeToken.IndexStartOffset(), storeToken.StoreKey(),
		&messageEntries, maxTotalSizeOfEntries)
	if err != nil {
		return FindInfo{}, err
	}

	messageEntries = eliminateDuplicates(messageEntries)
	newToken.setBytesRead(getTotalBytesRead(newToken, messageEntries, logEndOffsetBeforeFind))
	return FindInfo{Entries: messageEntries, Token: newToken}, nil
}

// validateToken handles tokens issued by an earlier session. After an
// unclean shutdown a token past what survived recovery is silently reset to
// the recovered end; after a clean shutdown such a token is impossible and
// rejected.
func (p *PersistentIndex) validateToken(token *StoreFindToken) (*StoreFindToken, error) {
	if token.SessionID() == p.sessionID {
		return token, nil
	}

	pastStartupEnd := (token.StoreKey() != nil && token.IndexStartOffset() > p.logEndOffsetOnStartup) ||
		token.Offset() > p.logEndOffsetOnStartup

	if !p.cleanShutdown {
		if pastStartupEnd {
			level.Info(p.logger).Log("msg", "resetting token after unclean shutdown",
				"tokenOffset", token.Offset(), "logEndOffsetOnStartup", p.logEndOffsetOnStartup)
			return newJournalToken(p.logEndOffsetOnStartup, p.sessionID), nil
		}
	} else if pastStartupEnd {
		return nil, errors.Wrap(ErrInvalidArgument,
			"invalid token: offset is outside the log range after clean shutdown")
	}

	return token, nil
}

// findEntriesFromOffset scans segments in ascending order starting at the
// segment whose start offset is offset, skipping keys at or before afterKey
// in that first segment. The first segment is iterated even when it is the
// active one; when the walk moves on to the active segment, it reads the
// journal instead of iterating that segment.
func (p *PersistentIndex) findEntriesFromOffset(offset int64, afterKey StoreKey,
	messageEntries *[]MessageInfo, maxTotalSizeOfEntries int64) (*StoreFindToken, error) {
	segment := p.segmentAt(offset)
	if segment == nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "no index segment starts at offset %d", offset)
	}

	var currentTotalSize int64
	if err := segment.GetEntriesSince(afterKey, maxTotalSizeOfEntries, messageEntries, &currentTotalSize); err != nil {
		return nil, err
	}

	lastSegmentIndex := offset
	offsetEnd := UninitializedOffset

	for currentTotalSize < maxTotalSizeOfEntries {
		next := p.higherSegment(offset)
		if next == nil {
			break
		}
		segment = next
		offset = segment.StartOffset()

		if segment != p.lastSegment() {
			if err := segment.GetEntriesSince(nil, maxTotalSizeOfEntries, messageEntries, &currentTotalSize); err != nil {
				return nil, err
			}
			lastSegmentIndex = segment.StartOffset()
			continue
		}

		// The active segment is covered by the journal, which preserves
		// insertion order and yields a cheaper resume point.
		for _, entry := range p.journal.GetEntriesSince(segment.StartOffset(), true) {
			value, found, err := p.FindKey(entry.Key)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, errors.Errorf("journal entry key %s missing from index", entry.Key)
			}

			offsetEnd = entry.Offset
			*messageEntries = append(*messageEntries, messageInfoFromValue(entry.Key, value))
			currentTotalSize += value.Size()

			if currentTotalSize >= maxTotalSizeOfEntries {
				break
			}
		}
		break
	}

	if offsetEnd != UninitializedOffset {
		return newJournalToken(offsetEnd, p.sessionID), nil
	}
	if len(*messageEntries) > 0 {
		lastKey := (*messageEntries)[len(*messageEntries)-1].Key
		return newSegmentToken(lastKey, lastSegmentIndex, p.sessionID), nil
	}
	if afterKey != nil {
		return newSegmentToken(afterKey, lastSegmentIndex, p.sessionID), nil
	}
	return newJournalToken(UninitializedOffset, p.sessionID), nil
}

// eliminateDuplicates keeps only the latest occurrence of each key, so a key
// inserted and then deleted within one scan surfaces only as its delete.
func eliminateDuplicates(messageEntries []MessageInfo) []MessageInfo {
	seen := make(map[string]struct{}, len(messageEntries))
	keep := make([]bool, len(messageEntries))

	for i := len(messageEntries) - 1; i >= 0; i-- {
		k := string(messageEntries[i].Key.Bytes())
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keep[i] = true
		}
	}

	out := messageEntries[:0]
	for i, entry := range messageEntries {
		if keep[i] {
			out = append(out, entry)
		}
	}

	return out
}

// getTotalBytesRead computes the consumer's lag indicator for a result
// token: how far into the log the consumer has effectively read.
func getTotalBytesRead(newToken *StoreFindToken, messageEntries []MessageInfo,
	logEndOffsetBeforeFind int64) int64 {
	if newToken.Offset() == UninitializedOffset {
		if newToken.IndexStartOffset() == UninitializedOffset {
			return 0
		}
		return newToken.IndexStartOffset()
	}
	if len(messageEntries) > 0 {
		return newToken.Offset() + messageEntries[len(messageEntries)-1].Size
	}
	return logEndOffsetBeforeFind
}

func (p *PersistentIndex) getCurrentEndOffset() int64 {
	last := p.lastSegment()
	if last == nil {
		return 0
	}
	return last.EndOffset()
}

// verifyFileSpan gates every write: spans must begin at or after the
// current index end and be well formed. Violations leave the index unchanged.
func (p *PersistentIndex) verifyFileSpan(fileSpan FileSpan) error {
	if p.getCurrentEndOffset() > fileSpan.Start || fileSpan.Start > fileSpan.End {
		return errors.Wrapf(ErrInvalidArgument,
			"file span does not meet constraints: indexEndOffset %d spanStart %d spanEnd %d",
			p.getCurrentEndOffset(), fileSpan.Start, fileSpan.End)
	}
	return nil
}

// Close flushes everything through the persistor and, only if that
// succeeded, writes the clean shutdown marker.
func (p *PersistentIndex) Close() error {
	if err := p.persistor.Write(); err != nil {
		return err
	}

	marker, err := os.Create(filepath.Join(p.dataDir, CleanShutdownFileName))
	if err != nil {
		level.Error(p.logger).Log("msg", "error creating clean shutdown marker", "err", err)
		return errors.Wrapf(ErrIO, "create clean shutdown marker: %v", err)
	}
	if err := marker.Close(); err != nil {
		return errors.Wrapf(ErrIO, "close clean shutdown marker: %v", err)
	}

	p.mu.RLock()
	segments := p.segments
	p.mu.RUnlock()

	for _, segment := range segments {
		if err := segment.Close(); err != nil {
			level.Error(p.logger).Log("msg", "error closing index segment",
				"startOffset", segment.StartOffset(), "err", err)
		}
	}

	return nil
}
