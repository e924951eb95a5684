package indexlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"
)

// ErrCorruptRecord is returned when a persisted record fails its CRC or
// cannot be decoded. At open time the affected tail is truncated instead;
// mid-query reads surface the error to the caller.
var ErrCorruptRecord = errors.New("corrupt log record")

var crcTable = crc32.MakeTable(crc32.Castagnoli)

const (
	recordPrefixLen = 8 // body length + crc32c
	maxRecordLen    = 1 << 30

	recFlagZstd = 1
)

// encodeRecord frames a record: [len:4][crc32c:4][kind:1][flags:1]
// [seq uvarint][keyLen uvarint][key][payload].
// The CRC covers the body (everything after the prefix).
func encodeRecord(rec Record, payload []byte, flags byte) []byte {
	body := make([]byte, 0, 2+binary.MaxVarintLen64*2+len(rec.Key)+len(payload))
	body = append(body, byte(rec.Kind), flags)
	body = binary.AppendUvarint(body, rec.Seq)
	body = binary.AppendUvarint(body, uint64(len(rec.Key)))
	body = append(body, rec.Key...)
	body = append(body, payload...)

	framed := make([]byte, recordPrefixLen, recordPrefixLen+len(body))
	binary.LittleEndian.PutUint32(framed[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(framed[4:8], crc32.Checksum(body, crcTable))
	return append(framed, body...)
}

// decodeBody parses a CRC-verified record body. dec may be nil when the log
// is uncompressed.
func decodeBody(body []byte, dec *zstd.Decoder) (Record, error) {
	if len(body) < 2 {
		return Record{}, fmt.Errorf("%w: truncated body", ErrCorruptRecord)
	}
	rec := Record{Kind: RecordKind(body[0])}
	if rec.Kind == 0 || rec.Kind > RecordCheckpoint {
		return Record{}, fmt.Errorf("%w: unknown record kind %d", ErrCorruptRecord, body[0])
	}
	flags := body[1]
	off := 2

	seq, n := binary.Uvarint(body[off:])
	if n <= 0 {
		return Record{}, fmt.Errorf("%w: bad sequence number", ErrCorruptRecord)
	}
	rec.Seq = seq
	off += n

	keyLen, n := binary.Uvarint(body[off:])
	if n <= 0 || keyLen > uint64(len(body)-off-n) {
		return Record{}, fmt.Errorf("%w: bad key length", ErrCorruptRecord)
	}
	off += n
	rec.Key = append([]byte(nil), body[off:off+int(keyLen)]...)
	off += int(keyLen)

	payload := body[off:]
	if flags&recFlagZstd != 0 {
		if dec == nil {
			return Record{}, fmt.Errorf("%w: compressed record in uncompressed log", ErrCorruptRecord)
		}
		raw, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return Record{}, fmt.Errorf("%w: zstd: %v", ErrCorruptRecord, err)
		}
		rec.Payload = raw
	} else {
		rec.Payload = append([]byte(nil), payload...)
	}
	return rec, nil
}
