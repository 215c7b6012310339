package storage

import (
	"bytes"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
)

// StoreKey is an opaque, totally ordered key. All keys written to a single
// index segment must have the same serialized size.
type StoreKey interface {
	Bytes() []byte
	SizeInBytes() int
	Compare(other StoreKey) int
	String() string
}

// StoreKeyFactory deserializes a StoreKey from a stream.
type StoreKeyFactory interface {
	GetStoreKey(stream io.Reader) (StoreKey, error)
}

// BlobID is a fixed-width StoreKey.
type BlobID struct {
	id []byte
}

func NewBlobID(id []byte) BlobID {
	cp := make([]byte, len(id))
	copy(cp, id)
	return BlobID{id: cp}
}

func (b BlobID) Bytes() []byte {
	return b.id
}

func (b BlobID) SizeInBytes() int {
	return len(b.id)
}

func (b BlobID) Compare(other StoreKey) int {
	return bytes.Compare(b.id, other.Bytes())
}

func (b BlobID) String() string {
	return hex.EncodeToString(b.id)
}

// BlobIDFactory reads fixed-width blob ids.
type BlobIDFactory struct {
	size int
}

func NewBlobIDFactory(size int) BlobIDFactory {
	return BlobIDFactory{size: size}
}

func (f BlobIDFactory) GetStoreKey(stream io.Reader) (StoreKey, error) {
	id := make([]byte, f.size)

	if _, err := io.ReadFull(stream, id); err != nil {
		return nil, errors.Wrap(err, "read blob id")
	}

	return BlobID{id: id}, nil
}
