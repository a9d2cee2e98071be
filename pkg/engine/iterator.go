package engine

import (
	"bytes"
	"iter"
	"sort"

	"github.com/sergey-melnychuk/yalskv/pkg/stats"
)

// Iterator walks the keys captured by SortedScan. Each key is resolved when
// the iterator reaches it, so keys removed since the scan started are skipped
// and keys rewritten since yield their newest value.
//
// An Iterator starts before its first entry: call SeekToFirst or Seek, or Next
// to advance to the first entry.
type Iterator struct {
	e    *Engine
	keys [][]byte
	pos  int

	value []byte
	err   error
	read  int
	done  bool
}

func newIterator(e *Engine, keys [][]byte, err error) *Iterator {
	return &Iterator{e: e, keys: keys, pos: -1, err: err}
}

// SeekToFirst positions the iterator at the first live key
func (it *Iterator) SeekToFirst() {
	it.pos = -1
	it.Next()
}

// Seek positions the iterator at the first live key >= target
func (it *Iterator) Seek(target []byte) {
	it.pos = sort.Search(len(it.keys), func(i int) bool {
		return bytes.Compare(it.keys[i], target) >= 0
	}) - 1
	it.Next()
}

// Next advances to the next live key and reports whether there is one
func (it *Iterator) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	for it.pos < len(it.keys) {
		it.pos++
		if it.pos >= len(it.keys) {
			break
		}
		value, found, err := it.e.get(it.keys[it.pos])
		if err != nil {
			it.err = err
			it.e.stats.TrackError(string(stats.OpScan) + "_error")
			return false
		}
		if found {
			it.value = value
			it.read += len(it.keys[it.pos]) + len(value)
			return true
		}
	}
	it.value = nil
	return false
}

// Valid reports whether the iterator is positioned at an entry
func (it *Iterator) Valid() bool {
	return it.err == nil && !it.done && it.pos >= 0 && it.pos < len(it.keys)
}

// Key returns the current key
func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.keys[it.pos]
}

// Value returns the value of the current key
func (it *Iterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.value
}

// Err returns the error that stopped the iteration, if any
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the captured key set
func (it *Iterator) Close() error {
	if it.done {
		return nil
	}
	it.done = true
	it.e.stats.TrackBytes(false, uint64(it.read))
	it.keys = nil
	it.value = nil
	return nil
}

// All returns every live entry from the first key on. Iteration stops at the
// first error, which Err reports afterwards.
func (it *Iterator) All() iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		for it.SeekToFirst(); it.Valid(); it.Next() {
			if !yield(it.Key(), it.Value()) {
				return
			}
		}
	}
}
