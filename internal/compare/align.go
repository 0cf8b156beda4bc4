package compare

import (
	"github.com/riversync/riversync/internal/chunk"
	"github.com/riversync/riversync/internal/hlc"
)

// Region is a contiguous HLC span of a table paired up between the two
// sides. Regions come out of Align in ascending order, which lets a
// session compare, commit and checkpoint them strictly in order.
type Region struct {
	Start hlc.Timestamp
	End   hlc.Timestamp
	// Equal marks an exactly aligned chunk pair with matching hashes;
	// the whole span can be skipped.
	Equal  bool
	Local  []chunk.Chunk
	Remote []chunk.Chunk
}

// Align pairs two HLC-ordered chunk lists into regions. Exactly matching
// ranges become single-pair regions (skippable when hashes agree);
// misaligned or one-sided spans are absorbed into regions covering the
// disagreement, for the comparator to narrow.
func Align(local, remote []chunk.Chunk) []Region {
	var regions []Region
	li, ri := 0, 0
	for li < len(local) && ri < len(remote) {
		l, r := local[li], remote[ri]
		if l.StartHLC.Equal(r.StartHLC) && l.EndHLC.Equal(r.EndHLC) {
			regions = append(regions, Region{
				Start:  l.StartHLC,
				End:    l.EndHLC,
				Equal:  l.Hash == r.Hash,
				Local:  []chunk.Chunk{l},
				Remote: []chunk.Chunk{r},
			})
			li++
			ri++
			continue
		}
		if l.EndHLC.Before(r.StartHLC) {
			regions = append(regions, Region{Start: l.StartHLC, End: l.EndHLC, Local: []chunk.Chunk{l}})
			li++
			continue
		}
		if r.EndHLC.Before(l.StartHLC) {
			regions = append(regions, Region{Start: r.StartHLC, End: r.EndHLC, Remote: []chunk.Chunk{r}})
			ri++
			continue
		}
		// Overlapping but misaligned: absorb every chunk touching the
		// span on either side.
		region := Region{
			Start:  hlcMin(l.StartHLC, r.StartHLC),
			End:    hlc.Max(l.EndHLC, r.EndHLC),
			Local:  []chunk.Chunk{l},
			Remote: []chunk.Chunk{r},
		}
		li++
		ri++
		for {
			extended := false
			if li < len(local) && !local[li].StartHLC.After(region.End) {
				region.End = hlc.Max(region.End, local[li].EndHLC)
				region.Local = append(region.Local, local[li])
				li++
				extended = true
			}
			if ri < len(remote) && !remote[ri].StartHLC.After(region.End) {
				region.End = hlc.Max(region.End, remote[ri].EndHLC)
				region.Remote = append(region.Remote, remote[ri])
				ri++
				extended = true
			}
			if !extended {
				break
			}
		}
		regions = append(regions, region)
	}
	for ; li < len(local); li++ {
		l := local[li]
		regions = append(regions, Region{Start: l.StartHLC, End: l.EndHLC, Local: []chunk.Chunk{l}})
	}
	for ; ri < len(remote); ri++ {
		r := remote[ri]
		regions = append(regions, Region{Start: r.StartHLC, End: r.EndHLC, Remote: []chunk.Chunk{r}})
	}
	return regions
}
