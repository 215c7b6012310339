package storage

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T, dir string) *FileLog {
	t.Helper()

	l, err := NewFileLog(log.NewNopLogger(), dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	return l
}

func TestFileLogAppendRead(t *testing.T) {
	l := newTestLog(t, t.TempDir())

	offset, err := l.Append([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)

	offset, err = l.Append([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), offset)

	assert.Equal(t, int64(10), l.LogEndOffset())
	assert.Equal(t, int64(10), l.SizeInBytes())

	buf := make([]byte, 5)
	_, err = l.ReadAt(buf, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), buf)

	require.NoError(t, l.Flush())
}

func TestFileLogReadOutOfRange(t *testing.T) {
	l := newTestLog(t, t.TempDir())

	_, err := l.Append([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 10)
	_, err = l.ReadAt(buf, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = l.ReadAt(buf[:2], -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFileLogSetEndOffset(t *testing.T) {
	l := newTestLog(t, t.TempDir())

	_, err := l.Append([]byte("hello world"))
	require.NoError(t, err)

	// Moving the end past the bytes on disk: out of range.
	assert.ErrorIs(t, l.SetLogEndOffset(100), ErrInvalidArgument)

	// Rewinding discards the tail; the next append overwrites it.
	require.NoError(t, l.SetLogEndOffset(5))
	assert.Equal(t, int64(5), l.LogEndOffset())
	assert.Equal(t, int64(11), l.SizeInBytes())

	offset, err := l.Append([]byte(" again"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), offset)

	buf := make([]byte, 11)
	_, err = l.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello again"), buf)
}

func TestFileLogReopen(t *testing.T) {
	dir := t.TempDir()

	l := newTestLog(t, dir)
	_, err := l.Append([]byte("persistent"))
	require.NoError(t, err)
	require.NoError(t, l.Flush())
	require.NoError(t, l.Close())

	reopened := newTestLog(t, dir)
	assert.Equal(t, int64(10), reopened.SizeInBytes())
	assert.Equal(t, int64(10), reopened.LogEndOffset())

	buf := make([]byte, 10)
	_, err = reopened.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("persistent"), buf)
}
