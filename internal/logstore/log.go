package logstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/bunbase/docstore/security"
)

// Log is the append-only log file for one collection: data.log on disk.
// Unlike the teacher's segmented WAL, a Log is a single file per
// collection; compaction (Truncate) rewrites it wholesale rather than
// rotating segments, matching the spec's simpler per-collection layout.
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string
	enc  *security.Encryptor

	size   atomic.Int64
	closed atomic.Bool

	batchMu  sync.Mutex
	pending  []*pendingAppend
	writing  bool
}

type pendingAppend struct {
	records []*Record
	done    chan appendResult
}

type appendResult struct {
	firstOffset Offset
	err         error
}

// Open opens (creating if necessary) the log file at path. enc may be nil
// for an unencrypted collection.
func Open(path string, enc *security.Encryptor) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logstore: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logstore: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	l := &Log{file: f, path: path, enc: enc}
	l.size.Store(info.Size())
	return l, nil
}

// Append writes records sequentially as a single commit batch and fsyncs
// once, returning the offset of the first record. Concurrent callers are
// coalesced via group commit: the first writer to arrive drains whatever
// else has queued up, writes everything contiguously, and performs one
// fsync for the whole group (grounded in internal/wal/group_commit.go).
func (l *Log) Append(records []*Record) (Offset, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}
	if len(records) == 0 {
		return 0, fmt.Errorf("logstore: empty batch")
	}

	req := &pendingAppend{records: records, done: make(chan appendResult, 1)}

	l.batchMu.Lock()
	l.pending = append(l.pending, req)
	if l.writing {
		l.batchMu.Unlock()
		res := <-req.done
		return res.firstOffset, res.err
	}
	l.writing = true
	batch := l.pending
	l.pending = nil
	l.batchMu.Unlock()

	l.runBatch(batch)

	res := <-req.done
	return res.firstOffset, res.err
}

// runBatch writes every request currently queued, fsyncs once, and hands
// results back to each waiter. While it runs, newly arriving Append calls
// simply enqueue and block — when this batch finishes it checks for a
// fresh queue and, if non-empty, keeps draining so no waiter starves.
func (l *Log) runBatch(batch []*pendingAppend) {
	for {
		l.mu.Lock()
		firstOffsets := make([]Offset, len(batch))
		var buf []byte
		cur := Offset(l.size.Load())
		ok := true
		var writeErr error

		for i, req := range batch {
			firstOffsets[i] = cur
			for _, rec := range req.records {
				frame, err := Encode(rec, l.enc)
				if err != nil {
					writeErr = err
					ok = false
					break
				}
				buf = append(buf, frame...)
				cur += Offset(len(frame))
			}
			if !ok {
				break
			}
		}

		if ok && len(buf) > 0 {
			if _, err := l.file.Write(buf); err != nil {
				writeErr = fmt.Errorf("logstore: write: %w", err)
				ok = false
			} else if err := l.file.Sync(); err != nil {
				writeErr = fmt.Errorf("logstore: fsync: %w", err)
				ok = false
			} else {
				l.size.Store(int64(cur))
			}
		}
		l.mu.Unlock()

		for i, req := range batch {
			if ok {
				req.done <- appendResult{firstOffset: firstOffsets[i]}
			} else {
				req.done <- appendResult{err: writeErr}
			}
		}

		l.batchMu.Lock()
		if len(l.pending) == 0 {
			l.writing = false
			l.batchMu.Unlock()
			return
		}
		batch = l.pending
		l.pending = nil
		l.batchMu.Unlock()
	}
}

// IterFunc is called once per decoded record during Iterate. Returning an
// error stops iteration early (without being treated as corruption).
type IterFunc func(off Offset, rec *Record) error

// Iterate replays every record from byte offset `from`, halting at the
// first corrupt or truncated frame — a torn tail after a crash is treated
// as if it were never written (spec §4.1).
func (l *Log) Iterate(from Offset, fn IterFunc) error {
	l.mu.Lock()
	f, err := os.Open(l.path)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("logstore: reopen for iteration: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(from), io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReaderSize(f, 64*1024)
	off := from
	for {
		var lenBuf [4]byte
		n, err := io.ReadFull(r, lenBuf[:])
		if err != nil {
			if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
				return nil // clean end
			}
			return nil // torn length prefix: treat as end of valid log
		}
		frameLen := binary.LittleEndian.Uint32(lenBuf[:])
		if frameLen == 0 || frameLen > 64*1024*1024 {
			return nil // implausible length: torn write, stop here
		}
		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(r, frame); err != nil {
			return nil // torn tail
		}

		rec, err := Decode(frame, l.enc)
		if err != nil {
			return nil // checksum/AEAD failure mid-tail: stop, do not error out
		}

		recOff := off
		off += Offset(4 + frameLen)
		if err := fn(recOff, rec); err != nil {
			return err
		}
	}
}

// Size returns the current length of the log file in bytes.
func (l *Log) Size() Offset { return Offset(l.size.Load()) }

// Encryptor returns the AEAD encryptor this log was opened with, or nil
// for an unencrypted collection. Exposed so callers that need to predict
// a record's on-disk frame length (e.g. the transaction manager advancing
// DIDX offsets across a commit batch) can call Encode themselves.
func (l *Log) Encryptor() *security.Encryptor { return l.enc }

// ReadAt decodes the single record whose frame begins at byte offset off
// — the direct-offset counterpart to Iterate, used by DIDX-guided point
// reads instead of a full sequential scan.
func (l *Log) ReadAt(off Offset) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lenBuf [4]byte
	if _, err := l.file.ReadAt(lenBuf[:], int64(off)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	frameLen := binary.LittleEndian.Uint32(lenBuf[:])
	if frameLen == 0 || frameLen > 64*1024*1024 {
		return nil, fmt.Errorf("%w: implausible frame length", ErrCorrupt)
	}
	frame := make([]byte, frameLen)
	if _, err := l.file.ReadAt(frame, int64(off)+4); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return Decode(frame, l.enc)
}

// Truncate rewrites the log to contain only the given live records (used
// by compaction), fsyncs the new file, then atomically renames it over
// the old one. Returns the new offset assigned to each input record, in
// order. Before the old file is replaced, its bytes are preserved as a
// zstd-compressed archival copy (path+".pre-compact.zst") so an operator
// can recover a pre-compaction log without needing the live records to
// still be present on disk.
func (l *Log) Truncate(live []*Record) ([]Offset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if old, err := os.ReadFile(l.path); err == nil && len(old) > 0 {
		_ = WriteCompressedFile(l.path+".pre-compact.zst", old)
	}

	tmpPath := l.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logstore: create compaction file: %w", err)
	}

	offsets := make([]Offset, len(live))
	var cur int64
	for i, rec := range live {
		frame, err := Encode(rec, l.enc)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return nil, err
		}
		offsets[i] = Offset(cur)
		if _, err := tmp.Write(frame); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return nil, fmt.Errorf("logstore: write compaction frame: %w", err)
		}
		cur += int64(len(frame))
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("logstore: fsync compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	if err := l.file.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return nil, fmt.Errorf("logstore: rename compaction file: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	l.file = f
	l.size.Store(cur)
	return offsets, nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Remove closes and deletes the log file (its directory is left in place), used by
// collection drop (spec §3's "delete storage files atomically: rename to
// tombstone then unlink").
func (l *Log) Remove() error {
	if err := l.Close(); err != nil {
		return err
	}
	tomb := l.path + ".dropped"
	if err := os.Rename(l.path, tomb); err != nil {
		return err
	}
	return os.Remove(tomb)
}
