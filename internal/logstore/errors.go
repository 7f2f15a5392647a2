package logstore

import "errors"

var (
	// ErrCorrupt is returned by Decode and ReadAt when a record's checksum
	// fails, or the frame is truncated. Iterate does not return it: it
	// treats either as a tail tear and stops reading without error (spec
	// §4.1).
	ErrCorrupt = errors.New("logstore: record corrupt or truncated")
	// ErrDecryptionFailed is returned when the AEAD tag fails to verify.
	ErrDecryptionFailed = errors.New("logstore: decryption failed")
	// ErrClosed is returned by operations on a closed Log.
	ErrClosed = errors.New("logstore: log is closed")
)
