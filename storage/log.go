package storage

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

// LogFileName is the name of the log file inside a store's data directory.
const LogFileName = "log_current"

// FileLog is a single-file append-only Log. The end offset tracks the last
// byte the index vouches for; after an unclean shutdown the file can be
// larger than the end offset and the difference is reclaimed by overwriting.
type FileLog struct {
	logger  log.Logger
	metrics *StoreMetrics
	file    *os.File

	mu          sync.RWMutex
	endOffset   int64
	sizeInBytes int64
}

func NewFileLog(logger log.Logger, dir string, metrics *StoreMetrics) (*FileLog, error) {
	path := filepath.Join(dir, LogFileName)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return nil, errors.Wrapf(err, "open log file %s", path)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "stat log file")
	}

	return &FileLog{
		logger:      log.With(logger, "component", "log"),
		metrics:     metrics,
		file:        file,
		endOffset:   stat.Size(),
		sizeInBytes: stat.Size(),
	}, nil
}

func (l *FileLog) Append(p []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	offset := l.endOffset

	if _, err := l.file.WriteAt(p, offset); err != nil {
		return 0, errors.Wrapf(ErrIO, "append %d bytes to log at %d: %v", len(p), offset, err)
	}

	l.endOffset += int64(len(p))
	if l.endOffset > l.sizeInBytes {
		l.sizeInBytes = l.endOffset
	}

	return offset, nil
}

func (l *FileLog) ReadAt(p []byte, offset int64) (int, error) {
	l.mu.RLock()
	size := l.sizeInBytes
	l.mu.RUnlock()

	if offset < 0 || offset+int64(len(p)) > size {
		return 0, errors.Wrapf(ErrInvalidArgument, "read of %d bytes at %d is outside the log of size %d",
			len(p), offset, size)
	}

	n, err := l.file.ReadAt(p, offset)
	if err != nil {
		return n, errors.Wrapf(ErrIO, "read %d bytes from log at %d: %v", len(p), offset, err)
	}

	return n, nil
}

func (l *FileLog) LogEndOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.endOffset
}

func (l *FileLog) SetLogEndOffset(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if offset < 0 || offset > l.sizeInBytes {
		return errors.Wrapf(ErrInvalidArgument, "end offset %d is outside the log of size %d", offset, l.sizeInBytes)
	}

	l.endOffset = offset

	return nil
}

func (l *FileLog) SizeInBytes() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.sizeInBytes
}

func (l *FileLog) Flush() error {
	now := time.Now()
	err := l.file.Sync()

	if l.metrics != nil {
		l.metrics.logFsyncDuration.Observe(time.Since(now).Seconds())
	}

	if err != nil {
		return errors.Wrapf(ErrIO, "fsync log: %v", err)
	}

	return nil
}

func (l *FileLog) Close() error {
	return l.file.Close()
}
