package logstore

import "encoding/json"

// wireRecord is Record's wire shape for a replicated commit batch (spec
// §4.7's APPLY entry point). It is independent of the on-disk frame
// format in record.go, which is keyed to this collection's own encryption
// setting and on-disk byte-offset addressing — a batch produced by a
// leader must decode the same way regardless of what encryption key (if
// any) the follower's LOG happens to use.
type wireRecord struct {
	Type      RecordType `json:"type"`
	ID        string     `json:"id"`
	Version   int64      `json:"version"`
	Payload   []byte     `json:"payload,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// EncodeBatch serializes the records a single commit produced into the
// opaque byte-string a consensus layer replicates to followers.
func EncodeBatch(records []*Record) ([]byte, error) {
	wire := make([]wireRecord, len(records))
	for i, r := range records {
		wire[i] = wireRecord{
			Type:      r.Type,
			ID:        r.ID,
			Version:   r.Version,
			Payload:   r.Payload,
			Timestamp: r.Timestamp,
		}
	}
	return json.Marshal(wire)
}

// DecodeBatch reverses EncodeBatch, reconstructing the Records a follower
// must replay via APPLY — with _id, _version, and Timestamp exactly as
// the leader assigned them (spec §4.7's determinism requirement).
func DecodeBatch(data []byte) ([]*Record, error) {
	var wire []wireRecord
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	records := make([]*Record, len(wire))
	for i, w := range wire {
		records[i] = &Record{
			Type:      w.Type,
			ID:        w.ID,
			Version:   w.Version,
			Payload:   w.Payload,
			Timestamp: w.Timestamp,
		}
	}
	return records, nil
}
