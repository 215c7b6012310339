package config

import "time"

// StoreConfig carries the tunables of a single store node.
type StoreConfig struct {
	// IndexMaxMemorySizeBytes is the projected on-disk size at which the
	// active index segment rolls over.
	IndexMaxMemorySizeBytes int64

	// IndexMaxNumberOfInmemElements is the entry count at which the active
	// index segment rolls over.
	IndexMaxNumberOfInmemElements int

	// JournalMaxEntries bounds the in-memory journal of recent insertions.
	JournalMaxEntries int

	// MaxNumberOfEntriesToReturnFromJournal caps a single journal read.
	MaxNumberOfEntriesToReturnFromJournal int

	// DataFlushDelay is the base delay before the first background index
	// flush. A random jitter of up to a minute is added on top.
	DataFlushDelay time.Duration

	// DataFlushInterval is the period of the background index flush.
	DataFlushInterval time.Duration
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		IndexMaxMemorySizeBytes:               20 * 1024 * 1024,
		IndexMaxNumberOfInmemElements:         10000,
		JournalMaxEntries:                     10000,
		MaxNumberOfEntriesToReturnFromJournal: 5000,
		DataFlushDelay:                        5 * time.Second,
		DataFlushInterval:                     60 * time.Second,
	}
}
