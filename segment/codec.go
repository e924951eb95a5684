package segment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/segdag/core"
)

// ErrCorrupt is returned when a serialized segment cannot be decoded.
//
// Callers should treat the surrounding record as unreadable; they must not
// skip over it and keep decoding.
var ErrCorrupt = errors.New("corrupt segment record")

const flagHasRoot = 1

// Append serializes the segment onto dst and returns the extended slice.
//
// Layout: [level:1][flags:1][low uvarint][high-low uvarint]
// [len(parents) uvarint][low-parent uvarint]...
//
// Ids and span lengths use varints: commit ids are small and clustered, and
// parents sit just below Low, so the deltas are typically one or two bytes.
func Append(dst []byte, s Segment) []byte {
	dst = append(dst, s.Level)
	var flags byte
	if s.HasRoot {
		flags |= flagHasRoot
	}
	dst = append(dst, flags)
	dst = binary.AppendUvarint(dst, uint64(s.Low))
	dst = binary.AppendUvarint(dst, uint64(s.High-s.Low))
	dst = binary.AppendUvarint(dst, uint64(len(s.Parents)))
	for _, p := range s.Parents {
		dst = binary.AppendUvarint(dst, uint64(s.Low-p))
	}
	return dst
}

// Decode deserializes one segment from data, returning the segment and the
// number of bytes consumed. Malformed input fails with ErrCorrupt.
func Decode(data []byte) (Segment, int, error) {
	if len(data) < 2 {
		return Segment{}, 0, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}
	s := Segment{Level: data[0], HasRoot: data[1]&flagHasRoot != 0}
	off := 2

	low, n := binary.Uvarint(data[off:])
	if n <= 0 {
		return Segment{}, 0, fmt.Errorf("%w: bad low id", ErrCorrupt)
	}
	off += n

	span, n := binary.Uvarint(data[off:])
	if n <= 0 {
		return Segment{}, 0, fmt.Errorf("%w: bad span length", ErrCorrupt)
	}
	off += n

	s.Low = core.Id(low)
	s.High = core.Id(low + span)
	if s.High < s.Low || s.High > core.MaxId || s.Low.Group() != s.High.Group() {
		return Segment{}, 0, fmt.Errorf("%w: span %d+%d out of range", ErrCorrupt, low, span)
	}

	nparents, n := binary.Uvarint(data[off:])
	if n <= 0 {
		return Segment{}, 0, fmt.Errorf("%w: bad parent count", ErrCorrupt)
	}
	off += n
	if nparents > uint64(len(data)) {
		// Cheap bound: every parent delta takes at least one byte.
		return Segment{}, 0, fmt.Errorf("%w: parent count %d exceeds record", ErrCorrupt, nparents)
	}

	if nparents > 0 {
		s.Parents = make([]core.Id, 0, nparents)
		for i := uint64(0); i < nparents; i++ {
			delta, n := binary.Uvarint(data[off:])
			if n <= 0 {
				return Segment{}, 0, fmt.Errorf("%w: bad parent delta", ErrCorrupt)
			}
			off += n
			if delta == 0 || delta > uint64(s.Low) {
				return Segment{}, 0, fmt.Errorf("%w: parent delta %d out of range", ErrCorrupt, delta)
			}
			s.Parents = append(s.Parents, s.Low-core.Id(delta))
		}
	}
	return s, off, nil
}
