// Package wire defines docstore's network protocol: a length-prefixed
// JSON stream over TCP (spec §6), replacing the teacher's opcode+binary
// header framing ([1B OpCode][4B BE length][JSON body]) with the spec's
// simpler envelope — one frame shape for every command, the command name
// carried inside the JSON payload's `cmd` field instead of a byte code.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's JSON payload, guarding a
// connection against a hostile or corrupt length prefix that would
// otherwise make ReadFrame allocate without limit.
const MaxFrameSize = 64 << 20 // 64 MiB

// WriteFrame writes payload as [4B LE length][payload].
func WriteFrame(w io.Writer, payload []byte) error {
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(payload)))
	if _, err := w.Write(lenBuf); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one [4B LE length][payload] frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf)
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return payload, nil
}

// WriteRequest JSON-encodes req and frames it.
func WriteRequest(w io.Writer, req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("wire: marshal request: %w", err)
	}
	return WriteFrame(w, data)
}

// ReadRequest reads one frame and decodes it as a Request.
func ReadRequest(r io.Reader) (*Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("wire: unmarshal request: %w", err)
	}
	return &req, nil
}

// WriteResponse JSON-encodes resp and frames it.
func WriteResponse(w io.Writer, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("wire: marshal response: %w", err)
	}
	return WriteFrame(w, data)
}

// ReadResponse reads one frame and decodes it as a Response.
func ReadResponse(r io.Reader) (*Response, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("wire: unmarshal response: %w", err)
	}
	return &resp, nil
}
