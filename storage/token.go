package storage

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// UninitializedOffset marks an unset offset inside a find token.
const UninitializedOffset int64 = -1

const storeFindTokenVersion uint16 = 0

// StoreFindToken is the resumable cursor handed to findEntriesSince callers.
// It has two shapes: a journal shape carrying a log offset, and a segment
// shape carrying the start offset of an index segment plus the last key
// returned from it. The session id ties the token to the index instance that
// issued it so a restart after a crash can be detected.
type StoreFindToken struct {
	offset           int64
	indexStartOffset int64
	storeKey         StoreKey
	sessionID        uuid.UUID
	bytesRead        int64
}

// NewStoreFindToken returns the uninitialized token a consumer starts with.
func NewStoreFindToken() *StoreFindToken {
	return &StoreFindToken{
		offset:           UninitializedOffset,
		indexStartOffset: UninitializedOffset,
		bytesRead:        UninitializedOffset,
	}
}

func newJournalToken(offset int64, sessionID uuid.UUID) *StoreFindToken {
	t := NewStoreFindToken()
	t.offset = offset
	t.sessionID = sessionID
	return t
}

func newSegmentToken(key StoreKey, indexStartOffset int64, sessionID uuid.UUID) *StoreFindToken {
	t := NewStoreFindToken()
	t.storeKey = key
	t.indexStartOffset = indexStartOffset
	t.sessionID = sessionID
	return t
}

func (t *StoreFindToken) Offset() int64 {
	return t.offset
}

func (t *StoreFindToken) IndexStartOffset() int64 {
	return t.indexStartOffset
}

func (t *StoreFindToken) StoreKey() StoreKey {
	return t.storeKey
}

func (t *StoreFindToken) SessionID() uuid.UUID {
	return t.sessionID
}

// BytesRead is the consumer's lag indicator, stamped by the producer before
// the token is returned.
func (t *StoreFindToken) BytesRead() int64 {
	return t.bytesRead
}

func (t *StoreFindToken) setBytesRead(bytesRead int64) {
	t.bytesRead = bytesRead
}

// ToBytes serializes the token. bytesRead is a producer side annotation and
// is not part of the wire format. Layout, big-endian:
// version u16 | session id length u32 | session id string | offset i64 |
// index start offset i64 | store key when index start offset is set.
func (t *StoreFindToken) ToBytes() []byte {
	var session []byte
	if t.sessionID != uuid.Nil {
		session = []byte(t.sessionID.String())
	}

	size := 2 + 4 + len(session) + 8 + 8
	if t.storeKey != nil {
		size += t.storeKey.SizeInBytes()
	}

	buf := make([]byte, 0, size)
	var scratch [8]byte

	binary.BigEndian.PutUint16(scratch[:2], storeFindTokenVersion)
	buf = append(buf, scratch[:2]...)

	binary.BigEndian.PutUint32(scratch[:4], uint32(len(session)))
	buf = append(buf, scratch[:4]...)
	buf = append(buf, session...)

	binary.BigEndian.PutUint64(scratch[:8], uint64(t.offset))
	buf = append(buf, scratch[:8]...)

	binary.BigEndian.PutUint64(scratch[:8], uint64(t.indexStartOffset))
	buf = append(buf, scratch[:8]...)

	if t.storeKey != nil {
		buf = append(buf, t.storeKey.Bytes()...)
	}

	return buf
}

// StoreFindTokenFromBytes deserializes a token, reading the store key with
// the supplied factory when the segment shape is present.
func StoreFindTokenFromBytes(stream io.Reader, factory StoreKeyFactory) (*StoreFindToken, error) {
	var scratch [8]byte

	if _, err := io.ReadFull(stream, scratch[:2]); err != nil {
		return nil, errors.Wrap(err, "read token version")
	}
	if version := binary.BigEndian.Uint16(scratch[:2]); version != storeFindTokenVersion {
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown find token version %d", version)
	}

	if _, err := io.ReadFull(stream, scratch[:4]); err != nil {
		return nil, errors.Wrap(err, "read token session id length")
	}
	sessionLen := binary.BigEndian.Uint32(scratch[:4])

	sessionID := uuid.Nil
	if sessionLen > 0 {
		session := make([]byte, sessionLen)
		if _, err := io.ReadFull(stream, session); err != nil {
			return nil, errors.Wrap(err, "read token session id")
		}

		parsed, err := uuid.Parse(string(session))
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidArgument, "parse token session id: %v", err)
		}
		sessionID = parsed
	}

	if _, err := io.ReadFull(stream, scratch[:8]); err != nil {
		return nil, errors.Wrap(err, "read token offset")
	}
	offset := int64(binary.BigEndian.Uint64(scratch[:8]))

	if _, err := io.ReadFull(stream, scratch[:8]); err != nil {
		return nil, errors.Wrap(err, "read token index start offset")
	}
	indexStartOffset := int64(binary.BigEndian.Uint64(scratch[:8]))

	if indexStartOffset != UninitializedOffset {
		key, err := factory.GetStoreKey(stream)
		if err != nil {
			return nil, errors.Wrap(err, "read token store key")
		}
		return newSegmentToken(key, indexStartOffset, sessionID), nil
	}

	return newJournalToken(offset, sessionID), nil
}

func (t *StoreFindToken) String() string {
	if t.storeKey != nil {
		return fmt.Sprintf("version %d sessionId %s indexStartOffset %d storeKey %s bytesRead %d",
			storeFindTokenVersion, t.sessionID, t.indexStartOffset, t.storeKey, t.bytesRead)
	}
	return fmt.Sprintf("version %d sessionId %s offset %d bytesRead %d",
		storeFindTokenVersion, t.sessionID, t.offset, t.bytesRead)
}

// FindInfo is the result of findEntriesSince: the entries found and the
// token to resume from.
type FindInfo struct {
	Entries []MessageInfo
	Token   *StoreFindToken
}
