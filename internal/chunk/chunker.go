package chunk

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/riversync/riversync/internal/hlc"
	"github.com/riversync/riversync/internal/record"
)

const millisPerDay = 24 * 60 * 60 * 1000

// ErrChunkMismatch reports that the records currently in a chunk's range
// no longer match the chunk's recorded count or hash. The data mutated
// between chunking and breakdown; the caller should re-chunk.
var ErrChunkMismatch = errors.New("chunk: range contents diverged from chunk metadata")

// Options tune the exponential-decay window sizing.
type Options struct {
	// MinSize is the smallest window, used for the most recent data.
	MinSize int
	// MaxSize clamps window growth for old data.
	MaxSize int
	// Alpha is the decay constant. 0.3 suits volatile tables, 0.6 stable
	// ones.
	Alpha float64
}

// DefaultOptions returns the balanced defaults.
func DefaultOptions() Options {
	return Options{MinSize: 100, MaxSize: 10000, Alpha: 0.4}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.MinSize <= 0 {
		o.MinSize = def.MinSize
	}
	if o.MaxSize < o.MinSize {
		o.MaxSize = def.MaxSize
	}
	if o.Alpha <= 0 {
		o.Alpha = def.Alpha
	}
	return o
}

// Chunker produces chunk metadata over a record store.
type Chunker struct {
	store record.Store
	opts  Options
}

// New constructs a Chunker over the given store.
func New(store record.Store, opts Options) *Chunker {
	return &Chunker{store: store, opts: opts.normalized()}
}

// windowSize computes the window at the given position:
// min * (1+alpha)^ceil(age_days), clamped to [min, max]. Age is measured
// from the newest ModifiedHLC in the table, so cold history coalesces
// into few large windows.
func (c *Chunker) windowSize(latestWallMS, positionWallMS int64) int {
	ageMS := latestWallMS - positionWallMS
	if ageMS < 0 {
		ageMS = 0
	}
	ageDays := math.Ceil(float64(ageMS) / float64(millisPerDay))
	desired := float64(c.opts.MinSize) * math.Pow(1+c.opts.Alpha, ageDays)
	size := int(math.Round(desired))
	if size < c.opts.MinSize {
		size = c.opts.MinSize
	}
	if size > c.opts.MaxSize {
		size = c.opts.MaxSize
	}
	return size
}

// ChunksSince partitions every record of table with ModifiedHLC > after
// into HLC-ordered chunks. Re-invoking with the same arguments yields an
// equivalent partition as long as the data has not mutated; hash
// comparison, not boundary comparison, is the correctness mechanism.
func (c *Chunker) ChunksSince(ctx context.Context, table string, after hlc.Timestamp) ([]Chunk, error) {
	latest, ok, err := c.store.MaxModified(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("chunk: latest HLC for %s: %w", table, err)
	}
	if !ok {
		return nil, nil
	}

	var chunks []Chunk
	cursor := after
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		window := c.windowSize(latest.WallMS, cursor.WallMS)
		records, err := c.store.ReadSince(ctx, table, cursor, window)
		if err != nil {
			return nil, fmt.Errorf("chunk: read %s after %s: %w", table, cursor, err)
		}
		if len(records) == 0 {
			return chunks, nil
		}
		chunks = append(chunks, Chunk{
			Table:    table,
			StartHLC: records[0].ModifiedHLC,
			EndHLC:   records[len(records)-1].ModifiedHLC,
			Count:    int64(len(records)),
			Hash:     HashRecords(records),
		})
		cursor = records[len(records)-1].ModifiedHLC
	}
}

// Break re-reads a parent chunk's range, verifies it still matches the
// parent's count and hash, and splits it into sub-chunks of at most
// subSize records. Verification guards against trusting sub-chunks
// computed over data that changed since the parent was produced.
func (c *Chunker) Break(ctx context.Context, parent Chunk, subSize int) ([]Chunk, error) {
	if subSize <= 0 {
		subSize = c.opts.MinSize
	}
	records, err := c.store.ReadRange(ctx, parent.Table, parent.StartHLC, parent.EndHLC)
	if err != nil {
		return nil, fmt.Errorf("chunk: read range for breakdown: %w", err)
	}
	if int64(len(records)) != parent.Count {
		return nil, fmt.Errorf("%w: count %d, expected %d", ErrChunkMismatch, len(records), parent.Count)
	}
	if HashRecords(records) != parent.Hash {
		return nil, fmt.Errorf("%w: hash changed for [%s, %s]", ErrChunkMismatch, parent.StartHLC, parent.EndHLC)
	}

	subs := make([]Chunk, 0, (len(records)+subSize-1)/subSize)
	for start := 0; start < len(records); start += subSize {
		end := start + subSize
		if end > len(records) {
			end = len(records)
		}
		part := records[start:end]
		subs = append(subs, Chunk{
			Table:    parent.Table,
			StartHLC: part[0].ModifiedHLC,
			EndHLC:   part[len(part)-1].ModifiedHLC,
			Count:    int64(len(part)),
			Hash:     HashRecords(part),
		})
	}
	return subs, nil
}
