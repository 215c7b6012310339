package storage

import (
	"bytes"
	"encoding/binary"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Log record framing used by Store and LogRecovery:
// total size i64 | flags u8 | expiration i64 | key size u32 | key | blob.
// The total size covers the whole frame including the header.
const logRecordHeaderLen = 21

func encodeLogRecord(key StoreKey, blob []byte, flags byte, expiresAtMs int64) []byte {
	totalSize := int64(logRecordHeaderLen + key.SizeInBytes() + len(blob))

	buf := make([]byte, 0, totalSize)
	var scratch [8]byte

	binary.BigEndian.PutUint64(scratch[:8], uint64(totalSize))
	buf = append(buf, scratch[:8]...)
	buf = append(buf, flags)
	binary.BigEndian.PutUint64(scratch[:8], uint64(expiresAtMs))
	buf = append(buf, scratch[:8]...)
	binary.BigEndian.PutUint32(scratch[:4], uint32(key.SizeInBytes()))
	buf = append(buf, scratch[:4]...)
	buf = append(buf, key.Bytes()...)
	buf = append(buf, blob...)

	return buf
}

type logRecordHeader struct {
	totalSize   int64
	flags       byte
	expiresAtMs int64
	keySize     int
}

func decodeLogRecordHeader(buf []byte) logRecordHeader {
	return logRecordHeader{
		totalSize:   int64(binary.BigEndian.Uint64(buf[0:8])),
		flags:       buf[8],
		expiresAtMs: int64(binary.BigEndian.Uint64(buf[9:17])),
		keySize:     int(binary.BigEndian.Uint32(buf[17:21])),
	}
}

// LogRecovery walks the framed records between two log offsets. It stops at
// the first frame that does not parse or does not fit the range: after a
// crash the log may end in a torn write, and everything before it is still
// good.
type LogRecovery struct {
	logger log.Logger
}

func NewLogRecovery(logger log.Logger) *LogRecovery {
	return &LogRecovery{logger: log.With(logger, "component", "recovery")}
}

func (r *LogRecovery) Recover(l Log, startOffset int64, endOffset int64,
	factory StoreKeyFactory) ([]MessageInfo, error) {
	var recovered []MessageInfo

	offset := startOffset
	for offset+logRecordHeaderLen <= endOffset {
		var headerBuf [logRecordHeaderLen]byte
		if _, err := l.ReadAt(headerBuf[:], offset); err != nil {
			return nil, errors.Wrapf(err, "read record header at %d", offset)
		}

		header := decodeLogRecordHeader(headerBuf[:])
		if header.totalSize < logRecordHeaderLen+int64(header.keySize) || offset+header.totalSize > endOffset {
			level.Warn(r.logger).Log("msg", "stopping recovery at torn record", "offset", offset,
				"recordSize", header.totalSize)
			break
		}

		keyBuf := make([]byte, header.keySize)
		if _, err := l.ReadAt(keyBuf, offset+logRecordHeaderLen); err != nil {
			return nil, errors.Wrapf(err, "read record key at %d", offset)
		}

		key, err := factory.GetStoreKey(bytes.NewReader(keyBuf))
		if err != nil {
			level.Warn(r.logger).Log("msg", "stopping recovery at undecodable key", "offset", offset, "err", err)
			break
		}

		recovered = append(recovered, MessageInfo{
			Key:         key,
			Size:        header.totalSize,
			Deleted:     header.flags&FlagDelete != 0,
			ExpiresAtMs: header.expiresAtMs,
		})

		offset += header.totalSize
	}

	return recovered, nil
}

// NoOpRecovery trusts the index as is and recovers nothing.
type NoOpRecovery struct{}

func (NoOpRecovery) Recover(Log, int64, int64, StoreKeyFactory) ([]MessageInfo, error) {
	return nil, nil
}
