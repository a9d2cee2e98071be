package index

import (
	"bytes"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// MaxHeight is the maximum height of the skip list
	MaxHeight = 16

	// BranchingFactor determines the probability of increasing the height
	BranchingFactor = 4
)

// node holds one key. The location pointer is swapped atomically so readers
// never observe a half-written location; nil marks a node being unlinked.
type node struct {
	key    []byte
	loc    atomic.Pointer[Location]
	height int32
	next   [MaxHeight]atomic.Pointer[node]
}

func (n *node) getNext(level int) *node {
	return n.next[level].Load()
}

func (n *node) setNext(level int, next *node) {
	n.next[level].Store(next)
}

// Index is a sorted map from key to Location. Writers are serialized by an
// internal mutex; readers never block.
type Index struct {
	head      *node
	maxHeight atomic.Int32
	rnd       *rand.Rand

	mu    sync.Mutex // serializes structural changes
	count atomic.Int64
	live  atomic.Int64
}

// New creates an empty index
func New() *Index {
	idx := &Index{
		head: &node{height: MaxHeight},
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	idx.maxHeight.Store(1)
	return idx
}

// randomHeight must be called with mu held
func (idx *Index) randomHeight() int {
	height := 1
	for height < MaxHeight && idx.rnd.Intn(BranchingFactor) == 0 {
		height++
	}
	return height
}

// findGreaterOrEqual returns the first node with key >= key. When prev is
// non-nil it receives the rightmost node before that position at each level.
func (idx *Index) findGreaterOrEqual(key []byte, prev *[MaxHeight]*node) *node {
	current := idx.head
	for level := int(idx.maxHeight.Load()) - 1; level >= 0; level-- {
		for next := current.getNext(level); next != nil; next = current.getNext(level) {
			if bytes.Compare(next.key, key) >= 0 {
				break
			}
			current = next
		}
		if prev != nil {
			prev[level] = current
		}
	}
	return current.getNext(0)
}

func (idx *Index) find(key []byte) *node {
	n := idx.findGreaterOrEqual(key, nil)
	if n != nil && bytes.Equal(n.key, key) {
		return n
	}
	return nil
}

// Put records loc for key if loc.Seq is newer than the stored location.
// It reports whether the index changed.
func (idx *Index) Put(key []byte, loc Location) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var prev [MaxHeight]*node
	n := idx.findGreaterOrEqual(key, &prev)
	if n != nil && bytes.Equal(n.key, key) {
		current := n.loc.Load()
		if current != nil && loc.Seq <= current.Seq {
			return false
		}
		idx.swap(n, current, loc)
		return true
	}

	idx.insert(key, loc, &prev)
	return true
}

// Remove records a tombstone for key at loc, subject to the same sequence
// rule as Put.
func (idx *Index) Remove(key []byte, loc Location) bool {
	loc.Tombstone = true
	return idx.Put(key, loc)
}

// insert links a new node after prev; mu must be held
func (idx *Index) insert(key []byte, loc Location, prev *[MaxHeight]*node) {
	height := idx.randomHeight()
	if current := int(idx.maxHeight.Load()); height > current {
		for level := current; level < height; level++ {
			prev[level] = idx.head
		}
		idx.maxHeight.Store(int32(height))
	}

	n := &node{key: append([]byte(nil), key...), height: int32(height)}
	n.loc.Store(&loc)
	for level := 0; level < height; level++ {
		n.setNext(level, prev[level].getNext(level))
	}
	// Publish bottom-up once the node is fully built
	for level := 0; level < height; level++ {
		prev[level].setNext(level, n)
	}

	idx.count.Add(1)
	if !loc.Tombstone {
		idx.live.Add(1)
	}
}

// swap replaces the location of n; mu must be held
func (idx *Index) swap(n *node, old *Location, loc Location) {
	n.loc.Store(&loc)
	if old != nil && !old.Tombstone {
		idx.live.Add(-1)
	}
	if !loc.Tombstone {
		idx.live.Add(1)
	}
}

// Get returns the current location of key. Tombstone locations are
// returned as found; callers decide how to treat them.
func (idx *Index) Get(key []byte) (Location, bool) {
	n := idx.find(key)
	if n == nil {
		return Location{}, false
	}
	loc := n.loc.Load()
	if loc == nil {
		return Location{}, false
	}
	return *loc, true
}

// CompareAndSwap replaces the location of key with loc only while it still
// refers to the same record as old.
func (idx *Index) CompareAndSwap(key []byte, old, loc Location) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n := idx.find(key)
	if n == nil {
		return false
	}
	current := n.loc.Load()
	if current == nil || !current.Same(old) {
		return false
	}
	idx.swap(n, current, loc)
	return true
}

// CompareAndDelete removes key only while its location still refers to the
// same record as old. The node is unlinked so memory stays bounded by the
// number of distinct keys.
func (idx *Index) CompareAndDelete(key []byte, old Location) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var prev [MaxHeight]*node
	n := idx.findGreaterOrEqual(key, &prev)
	if n == nil || !bytes.Equal(n.key, key) {
		return false
	}
	current := n.loc.Load()
	if current == nil || !current.Same(old) {
		return false
	}

	n.loc.Store(nil)
	for level := int(n.height) - 1; level >= 0; level-- {
		if prev[level].getNext(level) == n {
			prev[level].setNext(level, n.getNext(level))
		}
	}

	idx.count.Add(-1)
	if !current.Tombstone {
		idx.live.Add(-1)
	}
	return true
}

// Range returns a snapshot of the items with low <= key <= high in
// ascending key order. A nil bound is unbounded.
func (idx *Index) Range(low, high []byte) []Item {
	var items []Item
	it := idx.NewIterator()
	for it.seekLow(low); it.Valid(); it.Next() {
		if high != nil && bytes.Compare(it.Key(), high) > 0 {
			break
		}
		items = append(items, Item{Key: it.Key(), Location: it.Location()})
	}
	return items
}

// Keys returns a snapshot of the keys in [low, high] in ascending order,
// including keys currently holding a tombstone.
func (idx *Index) Keys(low, high []byte) [][]byte {
	var keys [][]byte
	it := idx.NewIterator()
	for it.seekLow(low); it.Valid(); it.Next() {
		if high != nil && bytes.Compare(it.Key(), high) > 0 {
			break
		}
		keys = append(keys, it.Key())
	}
	return keys
}

// Len returns the number of keys tracked, including tombstones
func (idx *Index) Len() int {
	return int(idx.count.Load())
}

// LiveLen returns the number of keys whose newest record is a value
func (idx *Index) LiveLen() int {
	return int(idx.live.Load())
}

// Iterator walks the index in key order. It is safe to use while the index
// is modified; it observes each key's location at the time it is reached.
type Iterator struct {
	idx     *Index
	current *node
	loc     Location
}

// NewIterator creates an iterator positioned before the first key
func (idx *Index) NewIterator() *Iterator {
	return &Iterator{idx: idx}
}

// SeekToFirst positions the iterator at the first key
func (it *Iterator) SeekToFirst() {
	it.settle(it.idx.head.getNext(0))
}

// Seek positions the iterator at the first key >= key
func (it *Iterator) Seek(key []byte) {
	it.settle(it.idx.findGreaterOrEqual(key, nil))
}

func (it *Iterator) seekLow(low []byte) {
	if low == nil {
		it.SeekToFirst()
		return
	}
	it.Seek(low)
}

// Next advances the iterator to the next key
func (it *Iterator) Next() {
	if it.current == nil {
		return
	}
	it.settle(it.current.getNext(0))
}

// settle moves to n or the first following node that is still linked
func (it *Iterator) settle(n *node) {
	for ; n != nil; n = n.getNext(0) {
		if loc := n.loc.Load(); loc != nil {
			it.current = n
			it.loc = *loc
			return
		}
	}
	it.current = nil
}

// Valid returns true if the iterator is positioned at a key
func (it *Iterator) Valid() bool {
	return it.current != nil
}

// Key returns the current key. The slice must not be modified.
func (it *Iterator) Key() []byte {
	if it.current == nil {
		return nil
	}
	return it.current.key
}

// Location returns the location of the current key as observed when the
// iterator moved onto it
func (it *Iterator) Location() Location {
	return it.loc
}
