package storage

import (
	"bytes"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"heron/config"
)

// Store ties a log and its persistent index together behind a single write
// mutex. The index requires serialized writers; the store is where that
// serialization lives. Reads and scans go straight to the index.
type Store struct {
	logger    log.Logger
	log       *FileLog
	index     *PersistentIndex
	scheduler Scheduler
	factory   StoreKeyFactory

	writeMu sync.Mutex
	closed  bool
}

// NewStore opens (or creates) the store under dataDir and recovers the index
// against the log.
func NewStore(logger log.Logger, registerer prometheus.Registerer, dataDir string,
	cfg config.StoreConfig, factory StoreKeyFactory) (*Store, error) {
	metrics := NewStoreMetrics(registerer)

	fileLog, err := NewFileLog(logger, dataDir, metrics)
	if err != nil {
		return nil, err
	}

	scheduler := NewTickerScheduler(logger)

	index, err := NewPersistentIndex(dataDir, logger, scheduler, fileLog, cfg, factory,
		NewLogRecovery(logger), metrics)
	if err != nil {
		scheduler.Shutdown()
		fileLog.Close()
		return nil, err
	}

	return &Store{
		logger:    log.With(logger, "component", "store"),
		log:       fileLog,
		index:     index,
		scheduler: scheduler,
		factory:   factory,
	}, nil
}

// Put appends a blob to the log and indexes it. Re-putting a key the index
// already holds is rejected, whether that key is live or deleted.
func (s *Store) Put(key StoreKey, blob []byte, expiresAtMs int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return errors.Wrap(ErrInvalidArgument, "store is closed")
	}

	exists, err := s.index.Exists(key)
	if err != nil {
		return err
	}
	if exists {
		return errors.Wrapf(ErrInvalidArgument, "key %s already exists", key)
	}

	record := encodeLogRecord(key, blob, 0, expiresAtMs)

	offset, err := s.log.Append(record)
	if err != nil {
		return err
	}

	span := FileSpan{Start: offset, End: offset + int64(len(record))}
	value := NewIndexValue(int64(len(record)), offset, expiresAtMs)

	return s.index.AddToIndex(IndexEntry{Key: key, Value: value}, span)
}

// Delete appends a delete marker to the log and rewrites the key's index
// entry to point at it.
func (s *Store) Delete(key StoreKey) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return errors.Wrap(ErrInvalidArgument, "store is closed")
	}

	value, found, err := s.index.FindKey(key)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(ErrIDNotFound, "cannot delete %s", key)
	}
	if value.IsFlagSet(FlagDelete) {
		return errors.Wrapf(ErrIDDeleted, "cannot delete %s twice", key)
	}

	marker := encodeLogRecord(key, nil, FlagDelete, TTLInfinite)

	offset, err := s.log.Append(marker)
	if err != nil {
		return err
	}

	span := FileSpan{Start: offset, End: offset + int64(len(marker))}

	return s.index.MarkAsDeleted(key, span)
}

// Get reads a live blob back out of the log.
func (s *Store) Get(key StoreKey) ([]byte, error) {
	options, err := s.index.GetBlobReadInfo(key)
	if err != nil {
		return nil, err
	}

	record := make([]byte, options.Size)
	if _, err := s.log.ReadAt(record, options.Offset); err != nil {
		return nil, err
	}

	header := decodeLogRecordHeader(record[:logRecordHeaderLen])
	blobStart := logRecordHeaderLen + header.keySize
	if header.totalSize != options.Size || blobStart > len(record) {
		return nil, errors.Wrapf(ErrIO, "log record at %d does not match index entry for %s",
			options.Offset, key)
	}
	if !bytes.Equal(record[logRecordHeaderLen:blobStart], key.Bytes()) {
		return nil, errors.Wrapf(ErrIO, "log record at %d holds a different key than %s",
			options.Offset, key)
	}

	return record[blobStart:], nil
}

// FindEntriesSince exposes the index scan protocol for replication.
func (s *Store) FindEntriesSince(token *StoreFindToken, maxTotalSizeOfEntries int64) (FindInfo, error) {
	return s.index.FindEntriesSince(token, maxTotalSizeOfEntries)
}

// FindMissingKeys reports which of the given keys this store has never seen.
func (s *Store) FindMissingKeys(keys []StoreKey) ([]StoreKey, error) {
	return s.index.FindMissingKeys(keys)
}

// Close stops the background flusher, performs the final flush, writes the
// clean shutdown marker and releases the log.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.scheduler.Shutdown()

	if err := s.index.Close(); err != nil {
		level.Error(s.logger).Log("msg", "error closing index", "err", err)
		s.log.Close()
		return err
	}

	return s.log.Close()
}
