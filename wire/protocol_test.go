package wire

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"cmd":"ping"}`)
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := []byte{0, 0, 0, 0}
	// encode a length bigger than MaxFrameSize without allocating that much data
	big := uint32(MaxFrameSize) + 1
	lenBuf[0] = byte(big)
	lenBuf[1] = byte(big >> 8)
	lenBuf[2] = byte(big >> 16)
	lenBuf[3] = byte(big >> 24)
	buf.Write(lenBuf)

	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected an error for an oversized frame")
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{
		Cmd:        CmdInsert,
		Collection: "users",
		Document:   map[string]interface{}{"name": "Alice"},
	}
	if err := WriteRequest(&buf, req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	got, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	if got.Cmd != req.Cmd || got.Collection != req.Collection {
		t.Errorf("got %+v, want %+v", got, req)
	}
	if got.Document["name"] != "Alice" {
		t.Errorf("document field lost in round trip: %+v", got.Document)
	}

	resp := &Response{OK: false, Error: "transaction conflict: optimistic concurrency validation failed"}
	if err := WriteResponse(&buf, resp); err != nil {
		t.Fatalf("write response: %v", err)
	}
	gotResp, err := ReadResponse(&buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if gotResp.OK {
		t.Error("expected OK=false")
	}
	if !strings.Contains(gotResp.Error, "conflict") {
		t.Errorf("OCC conflict errors must contain \"conflict\", got %q", gotResp.Error)
	}
}
