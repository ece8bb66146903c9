// Package container provides the in-memory extendible hash table used as the
// buffer pool's page table.
package container

import (
	"fmt"
	"sync"

	"mit.edu/dsg/minibase/common"
)

type entry[K comparable, V any] struct {
	key K
	val V
}

// bucket holds up to bucketSize entries that agree on the low localDepth bits
// of their hash. Multiple directory slots may alias one bucket while its
// localDepth is smaller than the directory's global depth.
type bucket[K comparable, V any] struct {
	localDepth int
	items      []entry[K, V]
}

func (b *bucket[K, V]) find(key K) (V, bool) {
	for i := range b.items {
		if b.items[i].key == key {
			return b.items[i].val, true
		}
	}
	var zero V
	return zero, false
}

func (b *bucket[K, V]) remove(key K) bool {
	for i := range b.items {
		if b.items[i].key == key {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return true
		}
	}
	return false
}

// insert appends or overwrites. It reports whether a new entry was added
// (false means the key existed and only its value changed).
func (b *bucket[K, V]) insert(key K, val V) bool {
	for i := range b.items {
		if b.items[i].key == key {
			b.items[i].val = val
			return false
		}
	}
	b.items = append(b.items, entry[K, V]{key: key, val: val})
	return true
}

// ExtendibleHashTable is an unordered map with directory doubling. The
// directory has 2^globalDepth slots, each pointing at a bucket; splitting a
// full bucket raises its local depth and, when necessary, doubles the
// directory first.
//
// All operations run under a single latch. The table is designed to sit
// behind the buffer pool's own latch, so this inner latch is effectively
// uncontended; it exists so the table is safe to use on its own.
type ExtendibleHashTable[K comparable, V any] struct {
	mu          sync.Mutex
	globalDepth int
	bucketSize  int
	numBuckets  int
	dir         []*bucket[K, V]
	hash        func(K) uint64
}

// NewExtendibleHashTable creates a table whose buckets hold up to bucketSize
// entries. The hash function must be non-degenerate; keys whose hashes agree
// on every bit can never be separated by splitting.
func NewExtendibleHashTable[K comparable, V any](bucketSize int, hash func(K) uint64) *ExtendibleHashTable[K, V] {
	common.Assert(bucketSize > 0, "bucket size must be positive")
	return &ExtendibleHashTable[K, V]{
		globalDepth: 0,
		bucketSize:  bucketSize,
		numBuckets:  1,
		dir:         []*bucket[K, V]{{localDepth: 0}},
		hash:        hash,
	}
}

func (ht *ExtendibleHashTable[K, V]) indexOf(key K) uint64 {
	mask := uint64(1)<<ht.globalDepth - 1
	return ht.hash(key) & mask
}

// Find returns the value mapped to key, if present.
func (ht *ExtendibleHashTable[K, V]) Find(key K) (V, bool) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return ht.dir[ht.indexOf(key)].find(key)
}

// Remove deletes the entry for key and reports whether it was present.
func (ht *ExtendibleHashTable[K, V]) Remove(key K) bool {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return ht.dir[ht.indexOf(key)].remove(key)
}

// Insert maps key to val. If the key is already present its value is
// overwritten and Insert reports false. A full target bucket is split,
// doubling the directory when the bucket's local depth has caught up with
// the global depth, until the key's bucket has room. If every entry of the
// full bucket has the same hash as the new key, no split can separate them:
// the insert fails with HashBucketFullError without changing the table
// rather than doubling forever; this only happens for degenerate hash
// functions.
func (ht *ExtendibleHashTable[K, V]) Insert(key K, val V) (bool, error) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	for {
		b := ht.dir[ht.indexOf(key)]
		if _, ok := b.find(key); ok {
			b.insert(key, val)
			return false, nil
		}
		if len(b.items) < ht.bucketSize {
			b.insert(key, val)
			return true, nil
		}
		h := ht.hash(key)
		separable := false
		for _, e := range b.items {
			if ht.hash(e.key) != h {
				separable = true
				break
			}
		}
		if !separable {
			return false, common.DBError{
				Code:      common.HashBucketFullError,
				ErrString: fmt.Sprintf("bucket of depth %d cannot be split further", b.localDepth),
			}
		}
		ht.split(b)
	}
}

// split divides a full bucket between itself and a new sibling one depth
// level down, doubling the directory first if needed. It reports false when
// the split was futile (every entry stayed put), which means the entries
// hash identically beyond the new depth.
func (ht *ExtendibleHashTable[K, V]) split(b *bucket[K, V]) bool {
	if b.localDepth == ht.globalDepth {
		// Duplicate the directory: slot i+2^d starts out aliasing slot i.
		ht.dir = append(ht.dir, ht.dir...)
		ht.globalDepth++
	}

	b.localDepth++
	sibling := &bucket[K, V]{localDepth: b.localDepth}
	ht.numBuckets++

	// Every directory slot that used to alias b now selects between b and
	// the sibling by the new high bit of its index.
	highBit := uint64(1) << (b.localDepth - 1)
	for i := range ht.dir {
		if ht.dir[i] == b && uint64(i)&highBit != 0 {
			ht.dir[i] = sibling
		}
	}

	// Redistribute under the deeper mask.
	kept := b.items[:0]
	moved := 0
	for _, e := range b.items {
		if ht.hash(e.key)&highBit != 0 {
			sibling.items = append(sibling.items, e)
			moved++
		} else {
			kept = append(kept, e)
		}
	}
	b.items = kept
	return moved > 0 || len(b.items) == 0
}

// GlobalDepth returns the current directory depth.
func (ht *ExtendibleHashTable[K, V]) GlobalDepth() int {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return ht.globalDepth
}

// LocalDepth returns the depth of the bucket behind the given directory slot.
func (ht *ExtendibleHashTable[K, V]) LocalDepth(dirIndex int) int {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return ht.dir[dirIndex].localDepth
}

// NumBuckets returns the number of distinct buckets.
func (ht *ExtendibleHashTable[K, V]) NumBuckets() int {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return ht.numBuckets
}

// Range calls fn for every entry until fn returns false. The latch is held
// for the duration, so fn must not call back into the table.
func (ht *ExtendibleHashTable[K, V]) Range(fn func(key K, val V) bool) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	seen := uint64(0)
	for i, b := range ht.dir {
		// Visit each bucket once even when several slots alias it: the
		// lowest aliasing slot is i mod 2^localDepth.
		if uint64(i) != uint64(i)&(uint64(1)<<b.localDepth-1) {
			continue
		}
		seen++
		for _, e := range b.items {
			if !fn(e.key, e.val) {
				return
			}
		}
	}
	common.Assert(seen == uint64(ht.numBuckets), "directory out of sync with bucket count")
}
