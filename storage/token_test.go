package storage

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenUninitialized(t *testing.T) {
	token := NewStoreFindToken()

	assert.Equal(t, UninitializedOffset, token.Offset())
	assert.Equal(t, UninitializedOffset, token.IndexStartOffset())
	assert.Nil(t, token.StoreKey())
	assert.Equal(t, uuid.Nil, token.SessionID())

	decoded, err := StoreFindTokenFromBytes(bytes.NewReader(token.ToBytes()), NewBlobIDFactory(1))
	require.NoError(t, err)
	assert.Equal(t, UninitializedOffset, decoded.Offset())
	assert.Equal(t, UninitializedOffset, decoded.IndexStartOffset())
	assert.Nil(t, decoded.StoreKey())
	assert.Equal(t, uuid.Nil, decoded.SessionID())
}

func TestTokenJournalShapeRoundTrip(t *testing.T) {
	session := uuid.New()
	token := newJournalToken(1234, session)
	token.setBytesRead(5000)

	decoded, err := StoreFindTokenFromBytes(bytes.NewReader(token.ToBytes()), NewBlobIDFactory(1))
	require.NoError(t, err)

	assert.Equal(t, int64(1234), decoded.Offset())
	assert.Equal(t, UninitializedOffset, decoded.IndexStartOffset())
	assert.Nil(t, decoded.StoreKey())
	assert.Equal(t, session, decoded.SessionID())

	// bytesRead is a producer side annotation and never crosses the wire.
	assert.Equal(t, UninitializedOffset, decoded.BytesRead())
}

func TestTokenSegmentShapeRoundTrip(t *testing.T) {
	session := uuid.New()
	token := newSegmentToken(testKey(0x42), 2048, session)

	decoded, err := StoreFindTokenFromBytes(bytes.NewReader(token.ToBytes()), NewBlobIDFactory(1))
	require.NoError(t, err)

	assert.Equal(t, UninitializedOffset, decoded.Offset())
	assert.Equal(t, int64(2048), decoded.IndexStartOffset())
	require.NotNil(t, decoded.StoreKey())
	assert.Equal(t, 0, decoded.StoreKey().Compare(testKey(0x42)))
	assert.Equal(t, session, decoded.SessionID())
}

func TestTokenFromBytesTruncated(t *testing.T) {
	token := newSegmentToken(testKey(0x42), 2048, uuid.New())
	raw := token.ToBytes()

	_, err := StoreFindTokenFromBytes(bytes.NewReader(raw[:len(raw)-1]), NewBlobIDFactory(1))
	assert.Error(t, err)
}
