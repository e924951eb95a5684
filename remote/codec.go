package remote

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/segdag/core"
	"github.com/hupe1980/segdag/segment"
)

// CompressionType identifies the block compression of an encoded bundle.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionLZ4
	CompressionZSTD
)

var bundleMagic = [4]byte{'S', 'D', 'B', '0'}

const (
	bundleVersion    = 1
	maxBundlePayload = 1 << 30
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// EncodeBundle serializes a bundle for transport or object storage.
func EncodeBundle(b *Bundle, compression CompressionType) ([]byte, error) {
	payload := make([]byte, 0, 64+len(b.Segments)*16)
	payload = binary.AppendUvarint(payload, uint64(len(b.Segments)))
	for _, seg := range b.Segments {
		payload = segment.Append(payload, seg)
	}
	payload = binary.AppendUvarint(payload, uint64(len(b.Names)))
	for _, p := range b.Names {
		payload = binary.AppendUvarint(payload, uint64(p.Id))
		name := p.Name.Bytes()
		payload = binary.AppendUvarint(payload, uint64(len(name)))
		payload = append(payload, name...)
	}

	rawLen := len(payload)
	switch compression {
	case CompressionNone:

	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(rawLen))
		n, err := lz4.CompressBlock(payload, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		if n == 0 || n >= rawLen {
			// Incompressible, ship it raw.
			compression = CompressionNone
		} else {
			payload = dst[:n]
		}

	case CompressionZSTD:
		payload = zstdEncoder.EncodeAll(payload, nil)

	default:
		return nil, fmt.Errorf("unknown compression type %d", compression)
	}

	out := make([]byte, 0, 8+binary.MaxVarintLen64+len(payload))
	out = append(out, bundleMagic[:]...)
	out = append(out, bundleVersion, byte(compression))
	out = binary.AppendUvarint(out, uint64(rawLen))
	return append(out, payload...), nil
}

// DecodeBundle parses the output of EncodeBundle.
func DecodeBundle(data []byte) (*Bundle, error) {
	if len(data) < 6 || !bytes.Equal(data[:4], bundleMagic[:]) {
		return nil, fmt.Errorf("invalid bundle: bad magic")
	}
	if data[4] != bundleVersion {
		return nil, fmt.Errorf("unsupported bundle version %d", data[4])
	}
	compression := CompressionType(data[5])

	rest := data[6:]
	rawLen, n := binary.Uvarint(rest)
	if n <= 0 || rawLen > maxBundlePayload {
		return nil, fmt.Errorf("invalid bundle: bad payload length")
	}
	payload := rest[n:]

	switch compression {
	case CompressionNone:
		if rawLen != uint64(len(payload)) {
			return nil, fmt.Errorf("invalid bundle: payload length mismatch")
		}

	case CompressionLZ4:
		dst := make([]byte, rawLen)
		m, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression failed: %w", err)
		}
		if uint64(m) != rawLen {
			return nil, fmt.Errorf("invalid bundle: decompressed size mismatch")
		}
		payload = dst

	case CompressionZSTD:
		raw, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompression failed: %w", err)
		}
		if uint64(len(raw)) != rawLen {
			return nil, fmt.Errorf("invalid bundle: decompressed size mismatch")
		}
		payload = raw

	default:
		return nil, fmt.Errorf("unknown compression type %d", compression)
	}

	return decodePayload(payload)
}

func decodePayload(payload []byte) (*Bundle, error) {
	b := &Bundle{}

	nseg, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, fmt.Errorf("invalid bundle: bad segment count")
	}
	payload = payload[n:]
	for i := uint64(0); i < nseg; i++ {
		seg, m, err := segment.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("invalid bundle segment: %w", err)
		}
		b.Segments = append(b.Segments, seg)
		payload = payload[m:]
	}

	nname, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, fmt.Errorf("invalid bundle: bad name count")
	}
	payload = payload[n:]
	for i := uint64(0); i < nname; i++ {
		id, m := binary.Uvarint(payload)
		if m <= 0 {
			return nil, fmt.Errorf("invalid bundle: bad name id")
		}
		payload = payload[m:]

		nameLen, m := binary.Uvarint(payload)
		if m <= 0 || nameLen > uint64(len(payload)-m) {
			return nil, fmt.Errorf("invalid bundle: bad name length")
		}
		payload = payload[m:]
		b.Names = append(b.Names, NamePair{
			Id:   core.Id(id),
			Name: core.NameFromBytes(payload[:nameLen]),
		})
		payload = payload[nameLen:]
	}

	if len(payload) != 0 {
		return nil, fmt.Errorf("invalid bundle: %d trailing bytes", len(payload))
	}
	return b, nil
}
