package storage

import "time"

// Log is the append-only byte store the index refers into. The log is the
// source of truth for message bytes; the index only holds offsets into it.
type Log interface {
	// Append writes p at the current log end offset and returns the offset
	// the bytes were written at.
	Append(p []byte) (int64, error)

	// ReadAt reads len(p) bytes starting at offset.
	ReadAt(p []byte, offset int64) (int, error)

	// LogEndOffset returns the offset after the last valid byte.
	LogEndOffset() int64

	// SetLogEndOffset moves the end offset, discarding any bytes past it.
	SetLogEndOffset(offset int64) error

	// SizeInBytes returns the number of bytes present on disk, which can
	// exceed LogEndOffset after an unclean shutdown.
	SizeInBytes() int64

	// Flush makes all appended bytes durable.
	Flush() error
}

// MessageInfo describes one message found in the log.
type MessageInfo struct {
	Key         StoreKey
	Size        int64
	Deleted     bool
	ExpiresAtMs int64
}

// MessageStoreRecovery re-parses a log range into the messages it contains.
// The index uses it on startup to reconcile its segments against the log.
type MessageStoreRecovery interface {
	Recover(log Log, startOffset int64, endOffset int64, factory StoreKeyFactory) ([]MessageInfo, error)
}

// Scheduler runs named periodic background tasks.
type Scheduler interface {
	Schedule(name string, task func(), initialDelay time.Duration, period time.Duration)
	Shutdown()
}
