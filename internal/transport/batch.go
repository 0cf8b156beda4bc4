package transport

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/riversync/riversync/internal/record"
)

// EncodeBatch serializes a record batch and snappy-compresses it. Record
// batches dominate the bytes on the wire; chunk metadata stays plain.
func EncodeBatch(records []record.Record) ([]byte, error) {
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("transport: encode batch: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// DecodeBatch reverses EncodeBatch.
func DecodeBatch(data []byte) ([]record.Record, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("transport: decompress batch: %w", err)
	}
	var records []record.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("transport: decode batch: %w", err)
	}
	return records, nil
}
