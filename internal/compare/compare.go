package compare

import (
	"context"
	"fmt"
	"sort"

	"github.com/riversync/riversync/internal/chunk"
	"github.com/riversync/riversync/internal/hlc"
	"github.com/riversync/riversync/internal/record"
)

// FetchThreshold is the record count below which a diverging range is
// fetched directly instead of being broken into sub-chunks.
const FetchThreshold = 50

// Source is one side of a comparison: it can break a chunk it produced
// into sub-chunks and fetch the records of an HLC range.
type Source interface {
	SubChunks(ctx context.Context, parent chunk.Chunk, subSize int) ([]chunk.Chunk, error)
	Records(ctx context.Context, table string, start, end hlc.Timestamp) ([]record.Record, error)
}

// Comparator narrows two chunk lists to record-level deltas.
type Comparator struct {
	local   Source
	remote  Source
	subSize int
}

// New constructs a Comparator. subSize bounds recursion granularity and
// is clamped to FetchThreshold: a sub-chunk wider than the threshold can
// reproduce its parent exactly (same bounds, same count, still diverging)
// and the breakdown would never make progress.
func New(local, remote Source, subSize int) *Comparator {
	if subSize <= 0 || subSize > FetchThreshold {
		subSize = FetchThreshold
	}
	return &Comparator{local: local, remote: remote, subSize: subSize}
}

// workItem is an entry on the explicit comparison stack. Exactly one of
// pair/fetch is active.
type workItem struct {
	isFetch    bool
	local      chunk.Chunk
	remote     chunk.Chunk
	start, end hlc.Timestamp
}

// Diff compares two chunk lists in HLC order and returns record-level
// deltas, one per diverging entity key. Matching chunk hashes skip their
// whole range; mismatches are split iteratively until ranges are small
// enough to fetch.
func (c *Comparator) Diff(ctx context.Context, table string, local, remote []chunk.Chunk) ([]Delta, error) {
	stack := alignChunks(local, remote)

	byKey := make(map[string]*Delta)
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if item.isFetch {
			if err := c.fetchAndCompare(ctx, table, item.start, item.end, byKey); err != nil {
				return nil, err
			}
			continue
		}

		if item.local.Hash == item.remote.Hash {
			continue
		}
		count := item.local.Count
		if item.remote.Count > count {
			count = item.remote.Count
		}
		if count <= FetchThreshold {
			stack = append(stack, workItem{
				isFetch: true,
				start:   hlcMin(item.local.StartHLC, item.remote.StartHLC),
				end:     hlc.Max(item.local.EndHLC, item.remote.EndHLC),
			})
			continue
		}

		localSubs, err := c.local.SubChunks(ctx, item.local, c.subSize)
		if err != nil {
			return nil, fmt.Errorf("compare: local sub-chunks for %s: %w", table, err)
		}
		remoteSubs, err := c.remote.SubChunks(ctx, item.remote, c.subSize)
		if err != nil {
			return nil, fmt.Errorf("compare: remote sub-chunks for %s: %w", table, err)
		}
		stack = append(stack, alignChunks(localSubs, remoteSubs)...)
	}

	return flatten(byKey), nil
}

// alignChunks pairs up two HLC-ordered chunk lists. Exactly matching
// ranges become pair items; anything misaligned or uncovered collapses
// into fetch ranges spanning the disagreement.
func alignChunks(local, remote []chunk.Chunk) []workItem {
	var items []workItem
	li, ri := 0, 0
	for li < len(local) && ri < len(remote) {
		l, r := local[li], remote[ri]
		if l.StartHLC.Equal(r.StartHLC) && l.EndHLC.Equal(r.EndHLC) {
			items = append(items, workItem{local: l, remote: r})
			li++
			ri++
			continue
		}
		// Disjoint: the earlier chunk is only covered on one side.
		if l.EndHLC.Before(r.StartHLC) {
			items = append(items, workItem{isFetch: true, start: l.StartHLC, end: l.EndHLC})
			li++
			continue
		}
		if r.EndHLC.Before(l.StartHLC) {
			items = append(items, workItem{isFetch: true, start: r.StartHLC, end: r.EndHLC})
			ri++
			continue
		}
		// Overlapping but misaligned: absorb every chunk touching the
		// span and fetch it whole.
		start := hlcMin(l.StartHLC, r.StartHLC)
		end := hlc.Max(l.EndHLC, r.EndHLC)
		li++
		ri++
		for {
			extended := false
			if li < len(local) && !local[li].StartHLC.After(end) {
				end = hlc.Max(end, local[li].EndHLC)
				li++
				extended = true
			}
			if ri < len(remote) && !remote[ri].StartHLC.After(end) {
				end = hlc.Max(end, remote[ri].EndHLC)
				ri++
				extended = true
			}
			if !extended {
				break
			}
		}
		items = append(items, workItem{isFetch: true, start: start, end: end})
	}
	for ; li < len(local); li++ {
		items = append(items, workItem{isFetch: true, start: local[li].StartHLC, end: local[li].EndHLC})
	}
	for ; ri < len(remote); ri++ {
		items = append(items, workItem{isFetch: true, start: remote[ri].StartHLC, end: remote[ri].EndHLC})
	}
	return items
}

// fetchAndCompare pulls the records of a range from both sides and files
// per-key deltas into byKey, merging with deltas from other ranges (the
// same entity key can surface in different windows when its two versions
// carry distant ModifiedHLCs).
func (c *Comparator) fetchAndCompare(ctx context.Context, table string, start, end hlc.Timestamp, byKey map[string]*Delta) error {
	localRecs, err := c.local.Records(ctx, table, start, end)
	if err != nil {
		return fmt.Errorf("compare: local records [%s, %s]: %w", start, end, err)
	}
	remoteRecs, err := c.remote.Records(ctx, table, start, end)
	if err != nil {
		return fmt.Errorf("compare: remote records [%s, %s]: %w", start, end, err)
	}

	for i := range localRecs {
		rec := localRecs[i]
		mergeSide(byKey, table, rec.EntityKey, &rec, nil)
	}
	for i := range remoteRecs {
		rec := remoteRecs[i]
		mergeSide(byKey, table, rec.EntityKey, nil, &rec)
	}
	return nil
}

// mergeSide merges one observed record version into the per-key delta.
func mergeSide(byKey map[string]*Delta, table, key string, local, remote *record.Record) {
	d, ok := byKey[key]
	if !ok {
		d = &Delta{Table: table, Key: key}
		byKey[key] = d
	}
	if local != nil && (d.Local == nil || local.ModifiedHLC.After(d.Local.ModifiedHLC)) {
		d.Local = local
	}
	if remote != nil && (d.Remote == nil || remote.ModifiedHLC.After(d.Remote.ModifiedHLC)) {
		d.Remote = remote
	}
	switch {
	case d.Local != nil && d.Remote != nil:
		d.Kind = KindDiffer
	case d.Local != nil:
		d.Kind = KindLocalOnly
	default:
		d.Kind = KindRemoteOnly
	}
}

// flatten drops keys whose two sides turned out identical and returns the
// remaining deltas in deterministic key order.
func flatten(byKey map[string]*Delta) []Delta {
	out := make([]Delta, 0, len(byKey))
	for _, d := range byKey {
		if d.Kind == KindDiffer && d.Local.Hash() == d.Remote.Hash() {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func hlcMin(a, b hlc.Timestamp) hlc.Timestamp {
	if a.Before(b) {
		return a
	}
	return b
}
