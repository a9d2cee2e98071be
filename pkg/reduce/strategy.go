package reduce

import (
	"github.com/sergey-melnychuk/yalskv/pkg/config"
	"github.com/sergey-melnychuk/yalskv/pkg/segment"
)

// FullStrategy reduces every sealed segment at once
type FullStrategy struct{}

// Select returns all sealed segments
func (FullStrategy) Select(sealed []*segment.Segment) []*segment.Segment {
	if len(sealed) == 0 {
		return nil
	}
	return append([]*segment.Segment(nil), sealed...)
}

// TieredStrategy merges the oldest run of small segments, leaving segments
// that are already near the size limit alone.
type TieredStrategy struct {
	// SizeLimit is the target segment size; segments under half of it are small
	SizeLimit int64
	// MinSegments is the smallest run worth merging
	MinSegments int
}

// Select returns the oldest run of at least MinSegments consecutive small segments
func (s TieredStrategy) Select(sealed []*segment.Segment) []*segment.Segment {
	small := s.SizeLimit / 2
	minRun := s.MinSegments
	if minRun < 2 {
		minRun = 2
	}

	var run []*segment.Segment
	for _, seg := range sealed {
		if seg.Size() < small {
			run = append(run, seg)
			continue
		}
		if len(run) >= minRun {
			return run
		}
		run = nil
	}
	if len(run) >= minRun {
		return run
	}
	return nil
}

// NewStrategy returns the strategy named by cfg.ReducePolicy
func NewStrategy(cfg *config.Config) Strategy {
	if cfg.ReducePolicy == config.ReducePolicyTiered {
		return TieredStrategy{SizeLimit: cfg.SizeLimit, MinSegments: cfg.ReduceMinSegments}
	}
	return FullStrategy{}
}
