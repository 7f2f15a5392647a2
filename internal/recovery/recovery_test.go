package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bunbase/docstore/internal/didx"
	"github.com/bunbase/docstore/internal/document"
	"github.com/bunbase/docstore/internal/logstore"
	"github.com/bunbase/docstore/internal/sidx"
)

func encodeDoc(t *testing.T, id string, fields map[string]interface{}) []byte {
	t.Helper()
	v, err := document.FromAny(fields)
	if err != nil {
		t.Fatalf("FromAny: %v", err)
	}
	d := v.AsObject()
	d.SetID(id)
	b, err := document.Encode(d)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

func TestRecoverRebuildsDIDXAndSIDX(t *testing.T) {
	dir := t.TempDir()
	log, err := logstore.Open(filepath.Join(dir, "data.log"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	p1 := encodeDoc(t, "a1", map[string]interface{}{"_id": "a1", "status": "active"})
	p2 := encodeDoc(t, "a2", map[string]interface{}{"_id": "a2", "status": "active"})
	if _, err := log.Append([]*logstore.Record{
		{Type: logstore.RecordInsert, ID: "a1", Version: 1, Payload: p1},
		{Type: logstore.RecordInsert, ID: "a2", Version: 1, Payload: p2},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	updated := encodeDoc(t, "a1", map[string]interface{}{"_id": "a1", "status": "inactive"})
	if _, err := log.Append([]*logstore.Record{
		{Type: logstore.RecordUpdate, ID: "a1", Version: 2, Payload: updated},
	}); err != nil {
		t.Fatalf("Append update: %v", err)
	}
	if _, err := log.Append([]*logstore.Record{
		{Type: logstore.RecordDelete, ID: "a2", Version: 2},
	}); err != nil {
		t.Fatalf("Append delete: %v", err)
	}

	index := didx.New()
	eqIdx := sidx.NewEqualityIndex(sidx.Definition{Name: "by_status", Kind: sidx.KindEquality, Fields: []string{"status"}})
	indexes := map[string]sidx.Index{"by_status": eqIdx}

	res, err := Recover(log, index, indexes)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.RecordsReplayed != 4 {
		t.Fatalf("expected 4 records replayed, got %d", res.RecordsReplayed)
	}
	if res.StoppedEarly {
		t.Fatalf("did not expect early stop")
	}

	if _, ok := index.Get("a2"); ok {
		t.Fatalf("a2 should have been deleted from DIDX")
	}
	entry, ok := index.Get("a1")
	if !ok || entry.Version != 2 {
		t.Fatalf("expected a1 at version 2, got %+v ok=%v", entry, ok)
	}

	if ids := eqIdx.Lookup([]document.Value{document.String("active")}); len(ids) != 0 {
		t.Fatalf("expected no active docs after update+delete, got %v", ids)
	}
	if ids := eqIdx.Lookup([]document.Value{document.String("inactive")}); len(ids) != 1 || ids[0] != "a1" {
		t.Fatalf("expected a1 under inactive, got %v", ids)
	}
}

func TestRecoverEmptyLog(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	log, err := logstore.Open(filepath.Join(dir, "data.log"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	index := didx.New()
	res, err := Recover(log, index, map[string]sidx.Index{})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.RecordsReplayed != 0 {
		t.Fatalf("expected 0 records, got %d", res.RecordsReplayed)
	}
}
