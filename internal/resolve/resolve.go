// Package resolve decides the surviving state for every record-level
// delta. Resolution is a pure function: identical inputs produce
// identical outputs on every node, which is the linchpin of convergence.
// No merge UI exists at this layer; outcomes are automatic and silent.
package resolve

import (
	"bytes"
	"fmt"

	"github.com/riversync/riversync/internal/compare"
	"github.com/riversync/riversync/internal/hlc"
	"github.com/riversync/riversync/internal/record"
)

// Resolution is the outcome for one delta: the surviving record state and
// which side still needs it applied.
type Resolution struct {
	Delta compare.Delta
	// Winner is the surviving record state. Unset for no-ops and
	// metadata deltas.
	Winner record.Record
	// ApplyLocal marks that the local store must adopt Winner.
	ApplyLocal bool
	// ApplyRemote marks that the remote store must adopt Winner.
	ApplyRemote bool
	// Watermark is the merged bookkeeping value for metadata deltas.
	Watermark hlc.Timestamp
	// Noop marks deltas that need no action on either side.
	Noop bool
}

// Resolve applies the deterministic rule set to one delta. The delta
// kinds form a closed set; anything else is a programming error.
func Resolve(d compare.Delta) (Resolution, error) {
	switch d.Kind {
	case compare.KindLocalOnly:
		if d.Local == nil {
			return Resolution{}, fmt.Errorf("resolve: local-only delta for %q without local record", d.Key)
		}
		return Resolution{Delta: d, Winner: *d.Local, ApplyRemote: true}, nil

	case compare.KindRemoteOnly:
		if d.Remote == nil {
			return Resolution{}, fmt.Errorf("resolve: remote-only delta for %q without remote record", d.Key)
		}
		return Resolution{Delta: d, Winner: *d.Remote, ApplyLocal: true}, nil

	case compare.KindDiffer:
		if d.Local == nil || d.Remote == nil {
			return Resolution{}, fmt.Errorf("resolve: differ delta for %q missing a side", d.Key)
		}
		return resolveDiffer(d)

	case compare.KindMeta:
		// Bookkeeping disagreement: prefer the later-observed watermark,
		// never touch user data. Reserved beyond that.
		return Resolution{Delta: d, Watermark: hlc.Max(d.LocalWatermark, d.RemoteWatermark)}, nil

	default:
		return Resolution{}, fmt.Errorf("resolve: unknown delta kind %d for %q", d.Kind, d.Key)
	}
}

func resolveDiffer(d compare.Delta) (Resolution, error) {
	local, remote := *d.Local, *d.Remote

	if localHash, remoteHash := local.Hash(), remote.Hash(); localHash == remoteHash {
		return Resolution{Delta: d, Noop: true}, nil
	}

	if localRecordWins(local, remote) {
		return Resolution{Delta: d, Winner: local, ApplyRemote: true}, nil
	}
	return Resolution{Delta: d, Winner: remote, ApplyLocal: true}, nil
}

// localRecordWins implements last-writer-wins under causal time with a
// deterministic tie-break. Tombstones win against concurrent updates when
// the delete's HLC is greater or equal.
func localRecordWins(local, remote record.Record) bool {
	if local.Deleted != remote.Deleted {
		tombstone, update := local, remote
		if remote.Deleted {
			tombstone, update = remote, local
		}
		tombstoneWins := tombstone.ModifiedHLC.Compare(update.ModifiedHLC) >= 0
		return local.Deleted == tombstoneWins
	}

	// Order first on (wall, counter) so the node-id rule below stays the
	// explicit tie-break rather than an accident of the total order.
	switch partialCompare(local.ModifiedHLC, remote.ModifiedHLC) {
	case 1:
		return true
	case -1:
		return false
	}
	if local.ModifiedHLC.NodeID != remote.ModifiedHLC.NodeID {
		return local.ModifiedHLC.NodeID.String() < remote.ModifiedHLC.NodeID.String()
	}

	// Same record id, same ModifiedHLC, different content: the per-record
	// monotonicity invariant was violated upstream. Stay deterministic
	// and symmetric by preferring the smaller content hash.
	localHash, remoteHash := local.Hash(), remote.Hash()
	return bytes.Compare(localHash[:], remoteHash[:]) < 0
}

func partialCompare(a, b hlc.Timestamp) int {
	switch {
	case a.WallMS != b.WallMS:
		if a.WallMS < b.WallMS {
			return -1
		}
		return 1
	case a.Counter != b.Counter:
		if a.Counter < b.Counter {
			return -1
		}
		return 1
	}
	return 0
}
