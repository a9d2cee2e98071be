// Package index keeps the in-memory map from every key to the location of
// its newest record.
package index

import "fmt"

// Location points at one record frame inside a segment
type Location struct {
	// Segment is the generation of the segment holding the record
	Segment uint64
	// Offset of the first byte of the frame
	Offset int64
	// Length of the whole frame
	Length uint32
	// Seq is the sequence number of the record
	Seq uint64
	// Tombstone marks a removal
	Tombstone bool
}

// Same reports whether l and o refer to the same record
func (l Location) Same(o Location) bool {
	return l.Segment == o.Segment && l.Offset == o.Offset && l.Seq == o.Seq
}

// String returns a compact representation of the location
func (l Location) String() string {
	kind := "value"
	if l.Tombstone {
		kind = "tombstone"
	}
	return fmt.Sprintf("%d@%d+%d seq=%d %s", l.Segment, l.Offset, l.Length, l.Seq, kind)
}

// Item is a key together with its location
type Item struct {
	Key      []byte
	Location Location
}
