// Package compare walks two nodes' chunk lists and narrows diverging
// ranges down to the individual records that differ.
package compare

import (
	"github.com/riversync/riversync/internal/hlc"
	"github.com/riversync/riversync/internal/record"
)

// Kind tags a Delta. The set is closed; the conflict resolver matches
// over it exhaustively.
type Kind int

const (
	// KindLocalOnly marks a record present only on the local side of the
	// compared range.
	KindLocalOnly Kind = iota
	// KindRemoteOnly marks a record present only on the remote side.
	KindRemoteOnly
	// KindDiffer marks a record present on both sides with diverging
	// content.
	KindDiffer
	// KindMeta marks disagreement about sync bookkeeping itself
	// (watermarks), never user data. Emitted by the session, not the
	// comparator.
	KindMeta
)

func (k Kind) String() string {
	switch k {
	case KindLocalOnly:
		return "local-only"
	case KindRemoteOnly:
		return "remote-only"
	case KindDiffer:
		return "differ"
	case KindMeta:
		return "meta"
	default:
		return "unknown"
	}
}

// Delta is one record-level divergence between two nodes.
type Delta struct {
	Kind   Kind
	Table  string
	Key    string
	Local  *record.Record
	Remote *record.Record

	// Watermarks, set only for KindMeta.
	LocalWatermark  hlc.Timestamp
	RemoteWatermark hlc.Timestamp
}
