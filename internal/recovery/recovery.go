// Package recovery implements REC (spec §4.7): rebuilding DIDX and every
// SIDX from a collection's LOG at startup, before the collection accepts
// any transaction. Grounded in the teacher's internal/wal/recovery.go
// (Recovery, Recover, filterValidRecords, VerifyIntegrity), adapted from
// the teacher's generic key/value WAL replay to docstore's document
// model: instead of filtering by a separate transaction-commit record,
// every LOG record is already post-commit (the transaction manager only
// ever appends a record after OCC validation succeeds), so replay is a
// straight fold over the log rebuilding each index's in-memory state.
package recovery

import (
	"fmt"

	"github.com/bunbase/docstore/internal/didx"
	"github.com/bunbase/docstore/internal/document"
	"github.com/bunbase/docstore/internal/logstore"
	"github.com/bunbase/docstore/internal/sidx"
)

// Result summarizes one collection's recovery pass, for startup logging.
type Result struct {
	RecordsReplayed int
	LastOffset      logstore.Offset
	StoppedEarly    bool // true if Iterate halted on a corrupt/truncated tail
}

// Recover replays log from the beginning, rebuilding index (DIDX) and
// every secondary index in indexes (name -> index) to match the log's
// content. It must run before the collection is opened for transactions.
//
// Iterate itself already stops silently at the first corrupt or truncated
// record (spec's crash-safety guarantee); Recover additionally detects
// that case by comparing the end of the last replayed record's frame to
// log.Size() so the caller can log a warning.
func Recover(log *logstore.Log, index *didx.Index, indexes map[string]sidx.Index) (*Result, error) {
	res := &Result{}
	index.Clear()

	var end logstore.Offset
	err := log.Iterate(0, func(off logstore.Offset, rec *logstore.Record) error {
		if err := applyRecord(log, off, rec, index, indexes); err != nil {
			return fmt.Errorf("recovery: replay offset %d: %w", off, err)
		}
		res.RecordsReplayed++
		res.LastOffset = off
		if frame, err := logstore.Encode(rec, log.Encryptor()); err == nil {
			end = off + logstore.Offset(len(frame))
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	res.StoppedEarly = end < log.Size()
	return res, nil
}

func applyRecord(log *logstore.Log, off logstore.Offset, rec *logstore.Record, index *didx.Index, indexes map[string]sidx.Index) error {
	switch rec.Type {
	case logstore.RecordInsert, logstore.RecordUpdate:
		doc, err := document.Decode(rec.Payload)
		if err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		// An update retracts the prior SIDX entries before inserting the
		// new ones; the prior version's payload is reachable through
		// DIDX's still-current (pre-replay-of-this-record) entry.
		if prevEntry, existed := index.Get(rec.ID); existed {
			if prevRec, err := log.ReadAt(prevEntry.Offset); err == nil {
				if prevDoc, err := document.Decode(prevRec.Payload); err == nil {
					retract(prevDoc, rec.ID, indexes)
				}
			}
		}
		index.Put(rec.ID, didx.Entry{Offset: off, Version: rec.Version})
		for _, idx := range indexes {
			values, ok := sidx.BuildKeyValues(doc, idx.Definition().Fields)
			if !ok {
				continue
			}
			if err := idx.Apply([]sidx.Delta{{Op: sidx.OpInsert, Values: values, ID: rec.ID}}); err != nil {
				return fmt.Errorf("replay into index %s: %w", idx.Definition().Name, err)
			}
		}
	case logstore.RecordDelete:
		prevEntry, existed := index.Get(rec.ID)
		index.Delete(rec.ID)
		if !existed {
			return nil
		}
		prevRec, err := log.ReadAt(prevEntry.Offset)
		if err != nil {
			return nil
		}
		prevDoc, err := document.Decode(prevRec.Payload)
		if err != nil {
			return nil
		}
		retract(prevDoc, rec.ID, indexes)
	case logstore.RecordIndexCreate, logstore.RecordIndexDrop,
		logstore.RecordCollectionCreate, logstore.RecordCollectionDrop,
		logstore.RecordCheckpoint:
		// Structural records carry no DIDX/SIDX state of their own; the
		// collection manager replays these at a higher level (recreating
		// index instances) before calling Recover on the rebuilt set.
	}
	return nil
}

// Apply is the replica side of APPLY (spec §4.7): it appends records — a
// commit batch a leader already OCC-validated, with _id/_version/
// Timestamp fixed by the leader — to log, then folds them into index and
// indexes exactly as Recover would have, without re-validating anything.
func Apply(log *logstore.Log, index *didx.Index, indexes map[string]sidx.Index, records []*logstore.Record) error {
	if len(records) == 0 {
		return nil
	}
	firstOffset, err := log.Append(records)
	if err != nil {
		return fmt.Errorf("recovery: append apply batch: %w", err)
	}
	offset := firstOffset
	for _, rec := range records {
		if err := applyRecord(log, offset, rec, index, indexes); err != nil {
			return fmt.Errorf("recovery: apply offset %d: %w", offset, err)
		}
		frame, err := logstore.Encode(rec, log.Encryptor())
		if err != nil {
			return fmt.Errorf("recovery: re-encode applied record: %w", err)
		}
		offset += logstore.Offset(len(frame))
	}
	return nil
}

// retract removes doc's entries from every secondary index, used when
// replaying an update (against the prior version) or a delete.
func retract(doc *document.Document, id string, indexes map[string]sidx.Index) {
	for _, idx := range indexes {
		values, ok := sidx.BuildKeyValues(doc, idx.Definition().Fields)
		if !ok {
			continue
		}
		_ = idx.Apply([]sidx.Delta{{Op: sidx.OpRemove, Values: values, ID: id}})
	}
}
