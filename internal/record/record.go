// Package record defines the synchronizable record model shared by every
// engine component, its canonical content hash, and the storage adapter
// contract the engine applies changes through.
package record

import (
	"github.com/riversync/riversync/internal/hlc"
)

// Record is one row of a synchronized table. Deletion is represented as a
// tombstone carrying its own ModifiedHLC rather than physical removal, so
// delete-vs-update races stay comparable.
type Record struct {
	Table     string            `json:"table"`
	EntityKey string            `json:"entity_key"`
	// CreatedHLC is set once at insertion and immutable thereafter.
	CreatedHLC hlc.Timestamp `json:"created_hlc"`
	// ModifiedHLC is updated on every mutation and strictly increasing
	// per record.
	ModifiedHLC hlc.Timestamp     `json:"modified_hlc"`
	Deleted     bool              `json:"deleted,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// Tombstone returns the delete marker superseding r at the given HLC.
func (r Record) Tombstone(at hlc.Timestamp) Record {
	return Record{
		Table:       r.Table,
		EntityKey:   r.EntityKey,
		CreatedHLC:  r.CreatedHLC,
		ModifiedHLC: at,
		Deleted:     true,
	}
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}
