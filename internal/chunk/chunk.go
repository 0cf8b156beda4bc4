// Package chunk partitions an HLC-ordered range of a table into
// adaptively sized windows and computes a content hash per window.
// Recent data gets small windows, old data large ones, so comparison
// cost tracks actual change volume rather than table size.
package chunk

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/riversync/riversync/internal/hlc"
	"github.com/riversync/riversync/internal/record"
)

// Sum is a BLAKE3 chunk digest. It marshals as hex so chunk metadata can
// travel over the wire unchanged.
type Sum [32]byte

// MarshalText implements encoding.TextMarshaler.
func (s Sum) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(s)))
	hex.Encode(out, s[:])
	return out, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Sum) UnmarshalText(b []byte) error {
	if hex.DecodedLen(len(b)) != len(s) {
		return fmt.Errorf("chunk: digest must be %d hex bytes, got %d", hex.EncodedLen(len(s)), len(b))
	}
	_, err := hex.Decode(s[:], b)
	return err
}

// Chunk describes one HLC window of a table: its inclusive bounds, record
// count and aggregate content hash. Chunks are ephemeral; they are
// recomputed per session and never persisted.
type Chunk struct {
	Table    string        `json:"table"`
	StartHLC hlc.Timestamp `json:"start_hlc"`
	EndHLC   hlc.Timestamp `json:"end_hlc"`
	Count    int64         `json:"count"`
	Hash     Sum           `json:"hash"`
}

// HashRecords computes the chunk digest for records already in ascending
// ModifiedHLC order: BLAKE3 over the ordered concatenation of the
// per-record hashes. The empty chunk hashes to BLAKE3 of no input.
func HashRecords(records []record.Record) Sum {
	h := blake3.New()
	for i := range records {
		sum := records[i].Hash()
		_, _ = h.Write(sum[:])
	}
	var out Sum
	copy(out[:], h.Sum(nil))
	return out
}
