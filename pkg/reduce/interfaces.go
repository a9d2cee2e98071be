// Package reduce merges sealed segments into fewer ones, keeping only the
// newest record of every key.
package reduce

import (
	"errors"
	"time"

	"github.com/sergey-melnychuk/yalskv/pkg/index"
	"github.com/sergey-melnychuk/yalskv/pkg/segment"
)

var (
	ErrReduceRunning = errors.New("reduce already running")
	ErrInvalidMarker = errors.New("invalid reduce marker")
	ErrInvalidSeq    = errors.New("invalid seq file")
)

// Store is the view of the engine's segment set a reduce works against
type Store interface {
	// Sealed returns the sealed segments in generation order
	Sealed() []*segment.Segment

	// Index returns the key index to re-point
	Index() *index.Index

	// NextGen allocates a fresh generation number
	NextGen() uint64

	// Install makes committed outputs visible to readers
	Install(outputs []*segment.Segment)

	// Retire drops inputs from the segment set. It returns once no reader
	// can still be using them.
	Retire(inputs []*segment.Segment)
}

// Strategy selects the inputs of the next reduce
type Strategy interface {
	// Select picks inputs from the sealed segments, given in generation order.
	// It returns nil when there is nothing worth reducing.
	Select(sealed []*segment.Segment) []*segment.Segment
}

// Stats describes one reduce run
type Stats struct {
	SegmentsMerged    int
	SegmentsWritten   int
	RecordsRead       int64
	RecordsWritten    int64
	TombstonesDropped int64
	RecordsLost       int64
	BytesBefore       int64
	BytesAfter        int64
	BytesReclaimed    int64
	Duration          time.Duration
}
