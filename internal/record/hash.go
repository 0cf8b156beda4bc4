package record

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/zeebo/blake3"
)

// Hash computes the BLAKE3 digest of the record's canonical encoding.
// Identical records always hash identically, independent of process or
// platform, which is what makes cross-node chunk comparison meaningful.
func (r Record) Hash() [32]byte {
	return blake3.Sum256(r.canonicalBytes())
}

// canonicalBytes is a deterministic, unambiguous encoding of every field
// that participates in synchronization. Field keys are emitted in sorted
// order; strings are length-prefixed so concatenation cannot collide.
func (r Record) canonicalBytes() []byte {
	var buf bytes.Buffer
	writeString(&buf, r.Table)
	writeString(&buf, r.EntityKey)
	writeString(&buf, r.CreatedHLC.String())
	writeString(&buf, r.ModifiedHLC.String())
	if r.Deleted {
		buf.WriteByte(1)
		return buf.Bytes()
	}
	buf.WriteByte(0)

	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeString(&buf, k)
		writeString(&buf, r.Fields[k])
	}
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}
