package reduce

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sergey-melnychuk/yalskv/pkg/common/log"
	"github.com/sergey-melnychuk/yalskv/pkg/config"
	"github.com/sergey-melnychuk/yalskv/pkg/index"
	"github.com/sergey-melnychuk/yalskv/pkg/segment"
)

// Move re-points one key from its record in an input to its copy in an output
type Move struct {
	Key  []byte
	From index.Location
	To   index.Location
}

// Drop is a tombstone that no longer needs to exist anywhere
type Drop struct {
	Key []byte
	At  index.Location
}

// Result is the outcome of a merge, ready to be committed
type Result struct {
	Inputs  []*segment.Segment
	Outputs []*segment.Segment // pending until committed
	Moves   []Move
	Drops   []Drop
	// Damaged is set when an input had a corrupt tail; index entries still
	// pointing into the inputs after commit are lost records.
	Damaged bool
	// MaxSeq is the highest seq read from the inputs
	MaxSeq uint64
	Stats  Stats
}

// Executor merges segments into new pending outputs
type Executor struct {
	dir       string
	opts      segment.Options
	sizeLimit int64
	nextGen   func() uint64
	logger    log.Logger
}

// NewExecutor creates an executor writing outputs into dir. Outputs roll over
// once they reach sizeLimit bytes.
func NewExecutor(dir string, opts segment.Options, sizeLimit int64, nextGen func() uint64, logger log.Logger) *Executor {
	if logger == nil {
		logger = log.NewDiscard()
	}
	// Outputs are synced once, before the commit marker is written
	opts.SyncMode = config.SyncNone
	return &Executor{
		dir:       dir,
		opts:      opts,
		sizeLimit: sizeLimit,
		nextGen:   nextGen,
		logger:    logger,
	}
}

type winner struct {
	input int
	loc   index.Location
}

// Merge reads every record of inputs, keeps the newest record of each key
// and writes the survivors in ascending key order. Tombstones are dropped
// only when full is set, meaning inputs hold every sealed segment older than
// the active log. On error any outputs written so far are removed.
func (e *Executor) Merge(ctx context.Context, inputs []*segment.Segment, full bool) (*Result, error) {
	res := &Result{Inputs: inputs}
	for _, in := range inputs {
		res.Stats.BytesBefore += in.Size()
	}
	res.Stats.SegmentsMerged = len(inputs)

	winners := make(map[string]winner)
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end, err := segment.Scan(in, func(key []byte, loc index.Location) error {
			res.Stats.RecordsRead++
			res.MaxSeq = max(res.MaxSeq, loc.Seq)
			if w, ok := winners[string(key)]; ok && w.loc.Seq >= loc.Seq {
				return nil
			}
			winners[string(key)] = winner{input: i, loc: loc}
			return nil
		})
		if errors.Is(err, segment.ErrCorruptRecord) {
			e.logger.Warn("segment %d is corrupt after offset %d, %d bytes unreadable: %v",
				in.Gen(), end, in.Size()-end, err)
			res.Damaged = true
		} else if err != nil {
			return nil, fmt.Errorf("failed to scan segment %d: %w", in.Gen(), err)
		}
	}

	keys := make([]string, 0, len(winners))
	for k := range winners {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, strings.Compare)

	var out *segment.Segment
	fail := func(err error) (*Result, error) {
		for _, o := range res.Outputs {
			o.Remove()
		}
		return nil, err
	}

	for i, k := range keys {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return fail(err)
			}
		}

		w := winners[k]
		if w.loc.Tombstone && full {
			res.Drops = append(res.Drops, Drop{Key: []byte(k), At: w.loc})
			res.Stats.TombstonesDropped++
			continue
		}

		rec, err := inputs[w.input].Read(w.loc)
		if err != nil {
			return fail(fmt.Errorf("failed to read %q from segment %d: %w", k, w.loc.Segment, err))
		}

		if out == nil || out.Size() >= e.sizeLimit {
			if out, err = segment.CreatePending(e.dir, e.nextGen(), e.opts); err != nil {
				return fail(err)
			}
			res.Outputs = append(res.Outputs, out)
		}

		loc, err := out.Append(rec)
		if err != nil {
			return fail(err)
		}
		res.Moves = append(res.Moves, Move{Key: rec.Key, From: w.loc, To: loc})
		res.Stats.RecordsWritten++
	}

	for _, o := range res.Outputs {
		if err := o.Sync(); err != nil {
			return fail(err)
		}
		res.Stats.BytesAfter += o.Size()
	}
	res.Stats.SegmentsWritten = len(res.Outputs)
	res.Stats.BytesReclaimed = res.Stats.BytesBefore - res.Stats.BytesAfter
	return res, nil
}
