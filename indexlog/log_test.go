package indexlog

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syncMode(o *Options) {
	o.DurabilityMode = DurabilitySync
}

func TestLogAppendReplay(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, syncMode)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(RecordSegment, []byte("seg/0"), []byte("payload-a"))
	require.NoError(t, err)
	_, err = l.Append(RecordName, []byte("name/1"), []byte("payload-b"))
	require.NoError(t, err)

	var got []Record
	err = l.Replay(func(rec Record) error {
		got = append(got, rec)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, RecordSegment, got[0].Kind)
	assert.Equal(t, []byte("seg/0"), got[0].Key)
	assert.Equal(t, []byte("payload-a"), got[0].Payload)
	assert.Equal(t, RecordName, got[1].Kind)
	assert.Equal(t, uint64(2), got[1].Seq)
	assert.Equal(t, 2, l.Len())
}

func TestLogReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, syncMode)
	require.NoError(t, err)
	_, err = l.Append(RecordSegment, []byte("k1"), []byte("v1"))
	require.NoError(t, err)
	_, err = l.Append(RecordSegment, []byte("k2"), []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := Open(dir, syncMode)
	require.NoError(t, err)
	defer l2.Close()

	assert.Equal(t, 2, l2.Len())
	assert.EqualValues(t, 0, l2.Truncated())

	var keys []string
	err = l2.Replay(func(rec Record) error {
		keys = append(keys, string(rec.Key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, keys)

	// Appends continue the persisted sequence.
	_, err = l2.Append(RecordSegment, []byte("k3"), []byte("v3"))
	require.NoError(t, err)

	rec, ok, err := l2.Lookup([]byte("k3"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), rec.Seq)
}

func TestLogRecoverTruncatedTail(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, syncMode)
	require.NoError(t, err)
	_, err = l.Append(RecordSegment, []byte("good"), []byte("survives"))
	require.NoError(t, err)
	_, err = l.Append(RecordSegment, []byte("torn"), []byte("this record will be cut mid-write"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Simulate a crash mid-append by chopping bytes off the tail record.
	path := filepath.Join(dir, logFileName)
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-5))

	l2, err := Open(dir, syncMode)
	require.NoError(t, err)
	defer l2.Close()

	assert.Equal(t, 1, l2.Len())
	assert.Positive(t, l2.Truncated())

	_, ok, err := l2.Lookup([]byte("good"))
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = l2.Lookup([]byte("torn"))
	require.NoError(t, err)
	assert.False(t, ok)

	// The log stays appendable after recovery.
	_, err = l2.Append(RecordSegment, []byte("after"), []byte("recovery"))
	require.NoError(t, err)

	var keys []string
	err = l2.Replay(func(rec Record) error {
		keys = append(keys, string(rec.Key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"good", "after"}, keys)
}

func TestLogRecoverCorruptTail(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, syncMode)
	require.NoError(t, err)
	_, err = l.Append(RecordSegment, []byte("good"), []byte("survives"))
	require.NoError(t, err)
	offset, err := l.Append(RecordSegment, []byte("flipped"), []byte("bit rot victim"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Flip a byte inside the second record's body.
	path := filepath.Join(dir, logFileName)
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, offset+recordPrefixLen+3)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2, err := Open(dir, syncMode)
	require.NoError(t, err)
	defer l2.Close()

	assert.Equal(t, 1, l2.Len())
	assert.Positive(t, l2.Truncated())
}

func TestLogCheckpoint(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, syncMode)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(RecordSegment, []byte("old"), []byte("before checkpoint"))
	require.NoError(t, err)
	require.NoError(t, l.Checkpoint())
	_, err = l.Append(RecordSegment, []byte("new"), []byte("after checkpoint"))
	require.NoError(t, err)

	var keys []string
	err = l.Replay(func(rec Record) error {
		keys = append(keys, string(rec.Key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, keys)

	// Lookup still reaches records behind the checkpoint.
	rec, ok, err := l.Lookup([]byte("old"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("before checkpoint"), rec.Payload)
}

func TestLogCheckpointSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, syncMode)
	require.NoError(t, err)
	_, err = l.Append(RecordSegment, []byte("old"), []byte("x"))
	require.NoError(t, err)
	require.NoError(t, l.Checkpoint())
	_, err = l.Append(RecordSegment, []byte("new"), []byte("y"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := Open(dir, syncMode)
	require.NoError(t, err)
	defer l2.Close()

	var keys []string
	err = l2.Replay(func(rec Record) error {
		keys = append(keys, string(rec.Key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, keys)
}

func TestLogCompression(t *testing.T) {
	dir := t.TempDir()

	big := bytes.Repeat([]byte("segment bytes "), 200)

	l, err := Open(dir, func(o *Options) {
		o.DurabilityMode = DurabilitySync
		o.Compress = true
		o.CompressMinBytes = 64
	})
	require.NoError(t, err)
	_, err = l.Append(RecordSegment, []byte("big"), big)
	require.NoError(t, err)
	_, err = l.Append(RecordSegment, []byte("small"), []byte("tiny"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Compressed payload is smaller than the raw record would be.
	st, err := os.Stat(filepath.Join(dir, logFileName))
	require.NoError(t, err)
	assert.Less(t, st.Size(), int64(len(big)))

	// Reopen without the compress option: the header governs the codec.
	l2, err := Open(dir, syncMode)
	require.NoError(t, err)
	defer l2.Close()

	rec, ok, err := l2.Lookup([]byte("big"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, rec.Payload)

	rec, ok, err = l2.Lookup([]byte("small"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("tiny"), rec.Payload)
}

func TestLogLookupLatestWins(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, syncMode)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(RecordSegment, []byte("seg/5"), []byte("v1"))
	require.NoError(t, err)
	_, err = l.Append(RecordSegment, []byte("seg/5"), []byte("v2"))
	require.NoError(t, err)

	rec, ok, err := l.Lookup([]byte("seg/5"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), rec.Payload)

	_, ok, err = l.Lookup([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLogAppendBatch(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, syncMode)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.AppendBatch([]Record{
		{Kind: RecordSegment, Key: []byte("a"), Payload: []byte("1")},
		{Kind: RecordName, Key: []byte("b"), Payload: []byte("2")},
		{Kind: RecordName, Key: []byte("c"), Payload: []byte("3")},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, l.Len())

	var seqs []uint64
	err = l.Replay(func(rec Record) error {
		seqs = append(seqs, rec.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestLogRewrite(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, syncMode)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(RecordSegment, []byte("stale"), []byte("dropped by rewrite"))
	require.NoError(t, err)
	require.NoError(t, l.Checkpoint())

	err = l.Rewrite(func(emit func(kind RecordKind, key, payload []byte) error) error {
		if err := emit(RecordSegment, []byte("fresh-a"), []byte("1")); err != nil {
			return err
		}
		return emit(RecordName, []byte("fresh-b"), []byte("2"))
	})
	require.NoError(t, err)

	assert.Equal(t, 2, l.Len())

	_, ok, err := l.Lookup([]byte("stale"))
	require.NoError(t, err)
	assert.False(t, ok)

	// Rewrite resets the checkpoint: replay sees everything emitted.
	var keys []string
	err = l.Replay(func(rec Record) error {
		keys = append(keys, string(rec.Key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh-a", "fresh-b"}, keys)

	// The rewritten log remains appendable and reopenable.
	_, err = l.Append(RecordSegment, []byte("post"), []byte("3"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := Open(dir, syncMode)
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, 3, l2.Len())
}

func TestLogGroupCommitConcurrentAppends(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, func(o *Options) {
		o.DurabilityMode = DurabilityGroupCommit
		o.GroupCommitInterval = time.Millisecond
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := []byte{byte('a' + n)}
			_, err := l.Append(RecordSegment, key, []byte("v"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, l.Len())
	require.NoError(t, l.Close())

	l2, err := Open(dir, syncMode)
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, 8, l2.Len())
}

func TestLogCloseIdempotent(t *testing.T) {
	l, err := Open(t.TempDir(), syncMode)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.Append(RecordSegment, []byte("k"), []byte("v"))
	assert.Error(t, err)
}
