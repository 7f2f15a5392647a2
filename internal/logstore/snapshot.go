package logstore

import (
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
)

// CompressSnapshot zstd-compresses data, used for the archival copy a
// compaction keeps of the pre-compaction log, per the teacher's jpl-au-folio-derived compaction
// codec (klauspost/compress/zstd) rather than the uncompressed WAL
// segments the teacher wrote.
func CompressSnapshot(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("logstore: new zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

// DecompressSnapshot reverses CompressSnapshot.
func DecompressSnapshot(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("logstore: new zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("logstore: zstd decode: %w", err)
	}
	return out, nil
}

// WriteCompressedFile zstd-compresses data and writes it to path via a
// temp-file-then-rename, so a reader never observes a partially written
// snapshot.
func WriteCompressedFile(path string, data []byte) error {
	compressed, err := CompressSnapshot(data)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return fmt.Errorf("logstore: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("logstore: rename snapshot: %w", err)
	}
	return nil
}

// ReadCompressedFile reads and decompresses a file written by
// WriteCompressedFile.
func ReadCompressedFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecompressSnapshot(raw)
}
