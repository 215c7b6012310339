package storage

import "github.com/pkg/errors"

// FileSpan is the half open range [Start, End) a message occupies in the log.
type FileSpan struct {
	Start int64
	End   int64
}

func NewFileSpan(start int64, end int64) (FileSpan, error) {
	if start < 0 || end < start {
		return FileSpan{}, errors.Wrapf(ErrInvalidArgument, "file span start %d end %d", start, end)
	}

	return FileSpan{Start: start, End: end}, nil
}
