package storage

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// IndexPersistor flushes index segments in the background. The ordering is
// the whole point: the log is flushed before any index segment that refers
// to it, so no persisted index record can point at bytes that were lost.
type IndexPersistor struct {
	index  *PersistentIndex
	logger log.Logger
}

// Write flushes the log, seals and maps any unmapped earlier segments, then
// writes the active segment up to the log offset known durable.
func (per *IndexPersistor) Write() error {
	now := time.Now()
	defer func() {
		per.index.metrics.indexFlushDuration.Observe(time.Since(now).Seconds())
	}()

	idx := per.index

	active := idx.lastSegment()
	if active == nil {
		return nil
	}

	fileEndPointerBeforeFlush := idx.log.LogEndOffset()
	if err := idx.log.Flush(); err != nil {
		return err
	}
	currentLogEndPointer := idx.log.LogEndOffset()

	prev := idx.lowerSegment(active.StartOffset())
	for prev != nil && !prev.Mapped() {
		if prev.EndOffset() > currentLogEndPointer {
			return errors.Wrapf(ErrIO,
				"read only segment end offset %d is greater than the log end offset %d",
				prev.EndOffset(), currentLogEndPointer)
		}

		level.Info(per.logger).Log("msg", "writing previous index segment",
			"startOffset", prev.StartOffset(), "endOffset", prev.EndOffset())

		if err := prev.WriteToFile(prev.EndOffset()); err != nil {
			return err
		}
		if err := prev.Map(true); err != nil {
			return err
		}

		prev = idx.lowerSegment(prev.StartOffset())
	}

	return active.WriteToFile(fileEndPointerBeforeFlush)
}

// run is the scheduled entry point. Errors are logged and swallowed so a
// transient failure does not kill the flush loop.
func (per *IndexPersistor) run() {
	if err := per.Write(); err != nil {
		per.index.metrics.flushFailures.Inc()
		level.Error(per.logger).Log("msg", "error while persisting the index to disk", "err", err)
	}
}
