package storage

import (
	"math"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heron/config"
)

func storeTestConfig() config.StoreConfig {
	cfg := config.DefaultStoreConfig()
	cfg.DataFlushDelay = time.Hour
	cfg.DataFlushInterval = time.Hour
	return cfg
}

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()

	store, err := NewStore(log.NewNopLogger(), prometheus.NewRegistry(), dir,
		storeTestConfig(), NewBlobIDFactory(2))
	require.NoError(t, err)

	return store
}

func storeKey(b byte) StoreKey {
	return NewBlobID([]byte{0x00, b})
}

func TestStorePutGetDelete(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	defer store.Close()

	require.NoError(t, store.Put(storeKey(0x01), []byte("first blob"), TTLInfinite))
	require.NoError(t, store.Put(storeKey(0x02), []byte("second blob"), TTLInfinite))

	blob, err := store.Get(storeKey(0x01))
	require.NoError(t, err)
	assert.Equal(t, []byte("first blob"), blob)

	// Re-putting a live key is rejected.
	assert.ErrorIs(t, store.Put(storeKey(0x01), []byte("again"), TTLInfinite), ErrInvalidArgument)

	require.NoError(t, store.Delete(storeKey(0x01)))

	_, err = store.Get(storeKey(0x01))
	assert.ErrorIs(t, err, ErrIDDeleted)

	assert.ErrorIs(t, store.Delete(storeKey(0x01)), ErrIDDeleted)
	assert.ErrorIs(t, store.Delete(storeKey(0x07)), ErrIDNotFound)

	blob, err = store.Get(storeKey(0x02))
	require.NoError(t, err)
	assert.Equal(t, []byte("second blob"), blob)

	missing, err := store.FindMissingKeys([]StoreKey{storeKey(0x01), storeKey(0x02), storeKey(0x07)})
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, storeKey(0x07), missing[0])
}

func TestStoreRestartAfterCleanShutdown(t *testing.T) {
	dir := t.TempDir()

	store := newTestStore(t, dir)
	require.NoError(t, store.Put(storeKey(0x01), []byte("survives restart"), TTLInfinite))
	require.NoError(t, store.Put(storeKey(0x02), []byte("also survives"), TTLInfinite))
	require.NoError(t, store.Delete(storeKey(0x02)))
	require.NoError(t, store.Close())

	reopened := newTestStore(t, dir)
	defer reopened.Close()

	blob, err := reopened.Get(storeKey(0x01))
	require.NoError(t, err)
	assert.Equal(t, []byte("survives restart"), blob)

	_, err = reopened.Get(storeKey(0x02))
	assert.ErrorIs(t, err, ErrIDDeleted)
}

func TestStoreRecoversAfterCrash(t *testing.T) {
	dir := t.TempDir()

	// No Close: the index is never flushed and no clean shutdown marker is
	// written, leaving only the log behind.
	crashed := newTestStore(t, dir)
	require.NoError(t, crashed.Put(storeKey(0x01), []byte("logged blob"), TTLInfinite))
	require.NoError(t, crashed.Put(storeKey(0x02), []byte("deleted blob"), TTLInfinite))
	require.NoError(t, crashed.Delete(storeKey(0x02)))

	recovered := newTestStore(t, dir)
	defer recovered.Close()

	blob, err := recovered.Get(storeKey(0x01))
	require.NoError(t, err)
	assert.Equal(t, []byte("logged blob"), blob)

	_, err = recovered.Get(storeKey(0x02))
	assert.ErrorIs(t, err, ErrIDDeleted)
}

func TestStoreFindEntriesSince(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	defer store.Close()

	require.NoError(t, store.Put(storeKey(0x01), []byte("one"), TTLInfinite))
	require.NoError(t, store.Put(storeKey(0x02), []byte("two"), TTLInfinite))

	info, err := store.FindEntriesSince(NewStoreFindToken(), math.MaxInt64)
	require.NoError(t, err)
	require.Len(t, info.Entries, 2)
	assert.Equal(t, storeKey(0x01), info.Entries[0].Key)
	assert.Equal(t, storeKey(0x02), info.Entries[1].Key)

	// Nothing new since the returned token.
	next, err := store.FindEntriesSince(info.Token, math.MaxInt64)
	require.NoError(t, err)
	assert.Empty(t, next.Entries)
	assert.GreaterOrEqual(t, next.Token.BytesRead(), info.Token.BytesRead())
}
