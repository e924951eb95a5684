package indexlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const logFileName = "segdag.log"

// Log is an append-only record log with crash recovery.
type Log struct {
	mu           sync.Mutex
	file         *os.File
	bufWriter    *bufio.Writer
	filePath     string
	opts         Options
	compressed   bool
	compressor   *zstd.Encoder
	decompressor *zstd.Decoder

	seq        uint64
	size       int64 // append offset; everything below is durable framing
	checkpoint int64 // offset right after the last checkpoint record
	truncated  int64 // bytes discarded during open-time recovery
	count      int
	index      map[string]int64 // key -> offset of the most recent record

	// Group commit support (background goroutine lifecycle)
	pending      int
	persistedSeq uint64
	syncCond     *sync.Cond
	ticker       *time.Ticker
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// Open opens or creates the log inside dir.
//
// Existing content is scanned to rebuild the key index and to find the last
// fully written record; a corrupt or partially written tail is truncated, so
// a crashed append never poisons later opens.
func Open(dir string, optFns ...func(o *Options)) (*Log, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	filePath := filepath.Join(dir, logFileName)

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304: path is configurable
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := &Log{
		file:       file,
		filePath:   filePath,
		opts:       opts,
		checkpoint: int64(headerLength),
		index:      make(map[string]int64),
	}
	l.syncCond = sync.NewCond(&l.mu)

	if err := l.initialize(); err != nil {
		_ = file.Close()
		return nil, err
	}

	if l.compressed {
		compressor, err := zstd.NewWriter(nil)
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to create compressor: %w", err)
		}
		decompressor, err := zstd.NewReader(nil)
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to create decompressor: %w", err)
		}
		l.compressor = compressor
		l.decompressor = decompressor
	}

	if err := l.recover(); err != nil {
		_ = file.Close()
		return nil, err
	}

	if _, err := l.file.Seek(l.size, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to seek log end: %w", err)
	}
	l.bufWriter = bufio.NewWriter(l.file)

	if l.opts.DurabilityMode == DurabilityGroupCommit && l.opts.GroupCommitInterval > 0 {
		l.stopCh = make(chan struct{})
		l.ticker = time.NewTicker(l.opts.GroupCommitInterval)
		l.wg.Add(1)
		go l.groupCommitWorker()
	}

	return l, nil
}

func (l *Log) initialize() error {
	info, empty, err := readHeader(l.file)
	if err != nil {
		return err
	}
	if empty {
		if err := writeHeader(l.file, headerInfo{Compressed: l.opts.Compress}); err != nil {
			return err
		}
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync log header: %w", err)
		}
		l.compressed = l.opts.Compress
		l.size = int64(headerLength)
		return nil
	}
	// The persisted header wins over the configured option: records already
	// on disk were framed with its codec.
	l.compressed = info.Compressed
	return nil
}

// recover scans the log, rebuilding seq, count, checkpoint position and the
// key index, and truncates everything after the last fully written record.
func (l *Log) recover() error {
	st, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	fileSize := st.Size()
	if fileSize < int64(headerLength) {
		fileSize = int64(headerLength)
	}

	r := bufio.NewReader(io.NewSectionReader(l.file, int64(headerLength), fileSize-int64(headerLength)))
	offset := int64(headerLength)

	var prefix [recordPrefixLen]byte
	for {
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			break // clean EOF or torn prefix: stop at last good record
		}
		bodyLen := binary.LittleEndian.Uint32(prefix[0:4])
		wantCRC := binary.LittleEndian.Uint32(prefix[4:8])
		if bodyLen == 0 || bodyLen > maxRecordLen {
			break
		}
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			break
		}
		if crc32.Checksum(body, crcTable) != wantCRC {
			break
		}
		rec, err := decodeBody(body, l.decompressor)
		if err != nil {
			break
		}

		offset += recordPrefixLen + int64(bodyLen)
		if rec.Seq > l.seq {
			l.seq = rec.Seq
		}
		l.count++
		if rec.Kind == RecordCheckpoint {
			l.checkpoint = offset
		} else {
			l.index[string(rec.Key)] = offset - recordPrefixLen - int64(bodyLen)
		}
	}

	l.size = offset
	if offset < fileSize {
		l.truncated = fileSize - offset
		if err := l.file.Truncate(offset); err != nil {
			return fmt.Errorf("failed to truncate corrupt log tail: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync truncated log: %w", err)
		}
	}
	return nil
}

// Truncated returns the number of tail bytes discarded during recovery.
func (l *Log) Truncated() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.truncated
}

// FilePath returns the path of the log file.
func (l *Log) FilePath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filePath
}

// Len returns the number of live records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Append writes a single record and returns its offset.
// Durability depends on Options.DurabilityMode.
func (l *Log) Append(kind RecordKind, key, payload []byte) (int64, error) {
	return l.AppendBatch([]Record{{Kind: kind, Key: key, Payload: payload}})
}

// AppendBatch writes records as one unit with a single flush and one
// durability boundary at the end.
func (l *Log) AppendBatch(recs []Record) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return 0, fmt.Errorf("log is closed")
	}

	first := l.size
	for i := range recs {
		l.seq++
		recs[i].Seq = l.seq
		if err := l.appendLocked(recs[i]); err != nil {
			return 0, err
		}
	}
	if err := l.bufWriter.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush log buffer: %w", err)
	}
	l.pending += len(recs)
	if err := l.syncIfNeeded(); err != nil {
		return 0, err
	}
	return first, nil
}

func (l *Log) appendLocked(rec Record) error {
	payload := rec.Payload
	var flags byte
	if l.compressed && len(payload) >= l.opts.CompressMinBytes {
		payload = l.compressor.EncodeAll(payload, nil)
		flags |= recFlagZstd
	}

	framed := encodeRecord(rec, payload, flags)
	if _, err := l.bufWriter.Write(framed); err != nil {
		return fmt.Errorf("failed to write log record: %w", err)
	}

	offset := l.size
	l.size += int64(len(framed))
	l.count++
	if rec.Kind == RecordCheckpoint {
		l.checkpoint = l.size
	} else {
		l.index[string(rec.Key)] = offset
	}
	return nil
}

// syncIfNeeded performs fsync based on the configured durability mode.
// Caller must hold l.mu.
func (l *Log) syncIfNeeded() error {
	switch l.opts.DurabilityMode {
	case DurabilityAsync:
		return nil

	case DurabilitySync:
		l.pending = 0
		l.persistedSeq = l.seq
		return l.file.Sync()

	case DurabilityGroupCommit:
		targetSeq := l.seq
		if l.pending >= l.opts.GroupCommitMaxOps {
			return l.doGroupCommit()
		}
		// Wait for the background worker; Wait releases l.mu so the worker
		// (or another writer) can perform the sync.
		for l.persistedSeq < targetSeq && l.file != nil {
			l.syncCond.Wait()
		}
		return nil

	default:
		return nil
	}
}

// doGroupCommit performs the actual fsync and wakes blocked appenders.
// Caller must hold l.mu.
func (l *Log) doGroupCommit() error {
	if l.pending == 0 || l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	l.pending = 0
	l.persistedSeq = l.seq
	l.syncCond.Broadcast()
	return nil
}

func (l *Log) groupCommitWorker() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopCh:
			l.mu.Lock()
			_ = l.doGroupCommit()
			l.mu.Unlock()
			return

		case <-l.ticker.C:
			l.mu.Lock()
			_ = l.doGroupCommit()
			l.mu.Unlock()
		}
	}
}

// Checkpoint appends a checkpoint marker and fsyncs. Replay starts after the
// most recent checkpoint; Lookup still sees older records.
func (l *Log) Checkpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("log is closed")
	}

	l.seq++
	if err := l.appendLocked(Record{Kind: RecordCheckpoint, Seq: l.seq}); err != nil {
		return err
	}
	if err := l.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush log buffer: %w", err)
	}
	// Checkpoint is an explicit durability boundary.
	l.pending = 0
	l.persistedSeq = l.seq
	l.syncCond.Broadcast()
	return l.file.Sync()
}

// Replay calls fn for every record after the last checkpoint, in append
// order. Records written while Replay runs are not observed.
func (l *Log) Replay(fn func(rec Record) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("log is closed")
	}
	if err := l.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush log buffer: %w", err)
	}

	r := bufio.NewReader(io.NewSectionReader(l.file, l.checkpoint, l.size-l.checkpoint))
	var prefix [recordPrefixLen]byte
	for {
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("%w: torn record prefix", ErrCorruptRecord)
		}
		bodyLen := binary.LittleEndian.Uint32(prefix[0:4])
		wantCRC := binary.LittleEndian.Uint32(prefix[4:8])
		if bodyLen == 0 || bodyLen > maxRecordLen {
			return fmt.Errorf("%w: implausible record length %d", ErrCorruptRecord, bodyLen)
		}
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return fmt.Errorf("%w: torn record body", ErrCorruptRecord)
		}
		if crc32.Checksum(body, crcTable) != wantCRC {
			return fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
		}
		rec, err := decodeBody(body, l.decompressor)
		if err != nil {
			return err
		}
		if rec.Kind == RecordCheckpoint {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Lookup returns the most recent record appended with key.
func (l *Log) Lookup(key []byte) (Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return Record{}, false, fmt.Errorf("log is closed")
	}
	offset, ok := l.index[string(key)]
	if !ok {
		return Record{}, false, nil
	}
	if err := l.bufWriter.Flush(); err != nil {
		return Record{}, false, fmt.Errorf("failed to flush log buffer: %w", err)
	}
	rec, err := l.readRecordAt(offset)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// readRecordAt reads one record at the given offset. Caller must hold l.mu
// and have flushed the write buffer.
func (l *Log) readRecordAt(offset int64) (Record, error) {
	var prefix [recordPrefixLen]byte
	if _, err := l.file.ReadAt(prefix[:], offset); err != nil {
		return Record{}, fmt.Errorf("failed to read record prefix: %w", err)
	}
	bodyLen := binary.LittleEndian.Uint32(prefix[0:4])
	wantCRC := binary.LittleEndian.Uint32(prefix[4:8])
	if bodyLen == 0 || bodyLen > maxRecordLen {
		return Record{}, fmt.Errorf("%w: implausible record length %d", ErrCorruptRecord, bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := l.file.ReadAt(body, offset+recordPrefixLen); err != nil {
		return Record{}, fmt.Errorf("failed to read record body: %w", err)
	}
	if crc32.Checksum(body, crcTable) != wantCRC {
		return Record{}, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}
	return decodeBody(body, l.decompressor)
}

// Rewrite atomically replaces the log contents with the records emitted by
// fn. Used for whole-group rebuilds, where previously assigned ids become
// invalid and replaying stale records would resurrect them.
func (l *Log) Rewrite(fn func(emit func(kind RecordKind, key, payload []byte) error) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("log is closed")
	}
	if err := l.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush log buffer: %w", err)
	}

	tmpPath := l.filePath + ".rewrite"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600) //nolint:gosec // G304: derived from configured path
	if err != nil {
		return fmt.Errorf("failed to create rewrite file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if err := writeHeader(tmp, headerInfo{Compressed: l.compressed}); err != nil {
		_ = tmp.Close()
		return err
	}

	w := bufio.NewWriter(tmp)
	size := int64(headerLength)
	seq := uint64(0)
	count := 0
	index := make(map[string]int64)

	emit := func(kind RecordKind, key, payload []byte) error {
		seq++
		var flags byte
		if l.compressed && len(payload) >= l.opts.CompressMinBytes {
			payload = l.compressor.EncodeAll(payload, nil)
			flags |= recFlagZstd
		}
		framed := encodeRecord(Record{Kind: kind, Seq: seq, Key: key}, payload, flags)
		if _, err := w.Write(framed); err != nil {
			return fmt.Errorf("failed to write rewrite record: %w", err)
		}
		index[string(key)] = size
		size += int64(len(framed))
		count++
		return nil
	}

	if err := fn(emit); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to flush rewrite file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync rewrite file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close rewrite file: %w", err)
	}

	// Atomic swap; a crash leaves either the old or the new log intact.
	if err := os.Rename(tmpPath, l.filePath); err != nil {
		return fmt.Errorf("failed to swap rewritten log: %w", err)
	}

	file, err := os.OpenFile(l.filePath, os.O_RDWR, 0600) //nolint:gosec // G304: path is configurable
	if err != nil {
		return fmt.Errorf("failed to reopen rewritten log: %w", err)
	}
	if _, err := file.Seek(size, io.SeekStart); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to seek rewritten log: %w", err)
	}

	_ = l.file.Close()
	l.file = file
	l.bufWriter = bufio.NewWriter(file)
	l.seq = seq
	l.persistedSeq = seq
	l.size = size
	l.checkpoint = int64(headerLength)
	l.count = count
	l.index = index
	l.pending = 0
	return nil
}

// Close stops the group commit worker, performs a final fsync and closes the
// file. Close is idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	if l.ticker != nil {
		close(l.stopCh)
		l.mu.Unlock()
		l.wg.Wait()
		l.mu.Lock()
		l.ticker.Stop()
		l.ticker = nil
	}

	if err := l.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush log buffer: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}
	if l.decompressor != nil {
		l.decompressor.Close()
	}

	err := l.file.Close()
	l.file = nil
	l.syncCond.Broadcast() // release any appender stuck in group commit
	return err
}
