// Package indexlog provides the append-only log that backs segdag's
// persistence.
//
// The log is the module's only durability boundary: serialized segments and
// name-id records are appended to it, never rewritten in place, and replayed
// at open time to rebuild in-memory state. Every record carries a CRC; a
// partially written tail is detected and discarded on open, so a crashed
// flush leaves the log consistent up to the last fully written record.
package indexlog

import "time"

// RecordKind tags the payload type of a log record.
type RecordKind uint8

const (
	// RecordSegment carries a serialized ancestry segment.
	RecordSegment RecordKind = iota + 1
	// RecordName carries a serialized id-to-vertex-name pair.
	RecordName
	// RecordCheckpoint is a marker: replay starts after the last checkpoint.
	RecordCheckpoint
)

// Record is a single entry in the log.
type Record struct {
	Kind    RecordKind
	Seq     uint64 // Sequence number for ordering
	Key     []byte
	Payload []byte
}

// DurabilityMode defines the fsync behavior for log appends.
type DurabilityMode int

const (
	// DurabilityAsync performs no fsync. Fastest writes, data since the last
	// sync may be lost on crash.
	DurabilityAsync DurabilityMode = iota

	// DurabilityGroupCommit batches fsync at regular intervals, amortizing
	// its cost across operations. Recommended for most workloads.
	DurabilityGroupCommit

	// DurabilitySync fsyncs after every append. Slowest, strongest guarantee.
	DurabilitySync
)

// Options contains configuration for the log.
type Options struct {
	// Compress enables zstd compression of record payloads at or above
	// CompressMinBytes. The file framing itself stays uncompressed so that
	// record offsets remain exact and tail truncation stays trivial.
	Compress bool

	// CompressMinBytes is the minimum payload size worth compressing.
	CompressMinBytes int

	// DurabilityMode controls fsync behavior (Async, GroupCommit, Sync).
	DurabilityMode DurabilityMode

	// GroupCommitInterval is the maximum time to wait before fsync in
	// GroupCommit mode.
	GroupCommitInterval time.Duration

	// GroupCommitMaxOps is the maximum number of appends to batch before
	// fsync in GroupCommit mode.
	GroupCommitMaxOps int
}

// DefaultOptions returns default log options.
var DefaultOptions = Options{
	Compress:            false,
	CompressMinBytes:    512,
	DurabilityMode:      DurabilityGroupCommit,
	GroupCommitInterval: 10 * time.Millisecond,
	GroupCommitMaxOps:   100,
}
