package logstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bunbase/docstore/security"
)

func TestLogAppendAndIterate(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(filepath.Join(dir, "data.log"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	batch := []*Record{
		{Type: RecordInsert, ID: "a1", Version: 1, Payload: []byte(`{"_id":"a1"}`), Timestamp: now()},
		{Type: RecordInsert, ID: "a2", Version: 1, Payload: []byte(`{"_id":"a2"}`), Timestamp: now()},
	}
	first, err := log.Append(batch)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first != 0 {
		t.Fatalf("expected first offset 0, got %d", first)
	}

	var got []*Record
	if err := log.Iterate(0, func(off Offset, rec *Record) error {
		got = append(got, rec)
		return nil
	}); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].ID != "a1" || got[1].ID != "a2" {
		t.Errorf("unexpected record order: %v %v", got[0].ID, got[1].ID)
	}
}

func TestLogEncrypted(t *testing.T) {
	dir := t.TempDir()
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	log, err := Open(filepath.Join(dir, "data.log"), enc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	rec := &Record{Type: RecordInsert, ID: "a1", Version: 1, Payload: []byte(`{"x":1}`), Timestamp: now()}
	if _, err := log.Append([]*Record{rec}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var decoded *Record
	if err := log.Iterate(0, func(off Offset, r *Record) error {
		decoded = r
		return nil
	}); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if decoded == nil || decoded.ID != "a1" {
		t.Fatalf("expected to decode record a1, got %v", decoded)
	}

	wrongKey, _ := security.GenerateKey()
	wrongEnc, _ := security.NewEncryptor(wrongKey)
	log2, err := Open(filepath.Join(dir, "data.log"), wrongEnc)
	if err != nil {
		t.Fatalf("Open with wrong key: %v", err)
	}
	defer log2.Close()

	var sawAny bool
	if err := log2.Iterate(0, func(off Offset, r *Record) error {
		sawAny = true
		return nil
	}); err != nil {
		t.Fatalf("Iterate with wrong key should stop cleanly, not error: %v", err)
	}
	if sawAny {
		t.Fatalf("expected decryption failure to halt iteration with no records")
	}
}

func TestLogTruncatedTailStopsIteration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.log")
	log, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	good := &Record{Type: RecordInsert, ID: "a1", Version: 1, Payload: []byte("x"), Timestamp: now()}
	if _, err := log.Append([]*Record{good}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := f.Write([]byte{0x09, 0x00, 0x00, 0x00, 0x01, 0x02}); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	f.Close()

	log2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log2.Close()

	var records []*Record
	if err := log2.Iterate(0, func(off Offset, r *Record) error {
		records = append(records, r)
		return nil
	}); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected iteration to stop after the one good record, got %d", len(records))
	}
}

func TestLogTruncateCompaction(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(filepath.Join(dir, "data.log"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	for i := 0; i < 5; i++ {
		if _, err := log.Append([]*Record{{Type: RecordInsert, ID: "id", Version: int64(i + 1), Payload: []byte("v"), Timestamp: now()}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	live := []*Record{{Type: RecordInsert, ID: "id", Version: 5, Payload: []byte("v"), Timestamp: now()}}
	offsets, err := log.Truncate(live)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if len(offsets) != 1 || offsets[0] != 0 {
		t.Fatalf("expected single live record at offset 0, got %v", offsets)
	}

	var count int
	if err := log.Iterate(0, func(off Offset, r *Record) error {
		count++
		if r.Version != 5 {
			t.Errorf("expected only the live version to survive compaction, got %d", r.Version)
		}
		return nil
	}); err != nil {
		t.Fatalf("Iterate after truncate: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record after compaction, got %d", count)
	}
}
