package transport

import (
	"testing"

	"github.com/google/uuid"

	"github.com/riversync/riversync/internal/hlc"
	"github.com/riversync/riversync/internal/record"
)

func TestBatchRoundTrip(t *testing.T) {
	node := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	in := []record.Record{
		{
			Table:       "tracks",
			EntityKey:   "k1",
			CreatedHLC:  hlc.Timestamp{WallMS: 100, NodeID: node},
			ModifiedHLC: hlc.Timestamp{WallMS: 200, Counter: 1, NodeID: node},
			Fields:      map[string]string{"title": "song"},
		},
		{
			Table:       "tracks",
			EntityKey:   "k2",
			CreatedHLC:  hlc.Timestamp{WallMS: 100, NodeID: node},
			ModifiedHLC: hlc.Timestamp{WallMS: 300, NodeID: node},
			Deleted:     true,
		},
	}
	data, err := EncodeBatch(in)
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	out, err := DecodeBatch(data)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length mismatch: %d vs %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Hash() != in[i].Hash() {
			t.Fatalf("record %d altered in transit", i)
		}
	}
}

func TestDecodeBatchEmpty(t *testing.T) {
	out, err := DecodeBatch(nil)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil batch")
	}
}

func TestDecodeBatchRejectsGarbage(t *testing.T) {
	if _, err := DecodeBatch([]byte("not snappy data")); err == nil {
		t.Fatalf("expected error for corrupt batch")
	}
}
