package storage

import (
	"sync"

	"github.com/tidwall/btree"
	"mit.edu/dsg/minibase/common"
)

// candidate is an eviction candidate ordered by its ranking timestamp. For a
// frame with fewer than k recorded accesses the rank is its earliest access
// (classical LRU among the "infinite distance" frames); for a frame with k
// accesses it is the oldest of the last k.
type candidate struct {
	rank    uint64
	frameID common.FrameID
}

func candidateLess(a, b candidate) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	return a.frameID < b.frameID
}

type frameRecord struct {
	// history holds the most recent accesses, oldest first, trimmed to k.
	history   []uint64
	evictable bool
}

// LRUKReplacer tracks per-frame access history and selects eviction victims
// by backward k-distance: the victim is the evictable frame whose k-th most
// recent access is furthest in the past, with frames that have fewer than k
// accesses (distance +inf) always preferred and ordered among themselves by
// their earliest access.
//
// Two ordered partitions make both the update and the victim scan
// logarithmic: frames with short history live in cold, frames with a full
// k-window live in hot. The victim is cold's minimum if cold is non-empty,
// otherwise hot's minimum.
type LRUKReplacer struct {
	mu      sync.Mutex
	k       int
	clock   uint64
	frames  map[common.FrameID]*frameRecord
	cold    *btree.BTreeG[candidate]
	hot     *btree.BTreeG[candidate]
	curSize int
}

// NewLRUKReplacer creates a replacer ranking frames by their k-th most
// recent access.
func NewLRUKReplacer(k int) *LRUKReplacer {
	common.Assert(k > 0, "history depth must be positive")
	return &LRUKReplacer{
		k:      k,
		frames: make(map[common.FrameID]*frameRecord),
		cold:   btree.NewBTreeG(candidateLess),
		hot:    btree.NewBTreeG(candidateLess),
	}
}

func (r *LRUKReplacer) partition(rec *frameRecord) *btree.BTreeG[candidate] {
	if len(rec.history) < r.k {
		return r.cold
	}
	return r.hot
}

// RecordAccess appends the current timestamp to the frame's history,
// creating the record on first access. History beyond the last k accesses
// is dropped.
func (r *LRUKReplacer) RecordAccess(frameID common.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock++

	rec := r.frames[frameID]
	if rec == nil {
		rec = &frameRecord{history: make([]uint64, 0, r.k)}
		r.frames[frameID] = rec
	}

	if rec.evictable {
		r.partition(rec).Delete(candidate{rank: rec.history[0], frameID: frameID})
	}
	rec.history = append(rec.history, r.clock)
	if len(rec.history) > r.k {
		rec.history = rec.history[1:]
	}
	if rec.evictable {
		r.partition(rec).Set(candidate{rank: rec.history[0], frameID: frameID})
	}
}

// SetEvictable flips whether the frame may be chosen as a victim. The call
// is idempotent; the replacer's size counts only evictable frames.
func (r *LRUKReplacer) SetEvictable(frameID common.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.frames[frameID]
	common.Assert(rec != nil, "frame %d has no recorded access", frameID)
	if rec.evictable == evictable {
		return
	}
	rec.evictable = evictable
	if evictable {
		r.partition(rec).Set(candidate{rank: rec.history[0], frameID: frameID})
		r.curSize++
	} else {
		r.partition(rec).Delete(candidate{rank: rec.history[0], frameID: frameID})
		r.curSize--
	}
}

// Evict selects and removes the victim frame per the LRU-K policy, clearing
// its history. It reports false when no frame is evictable.
func (r *LRUKReplacer) Evict() (common.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.curSize == 0 {
		return common.InvalidFrameID, false
	}
	tree := r.cold
	if tree.Len() == 0 {
		tree = r.hot
	}
	victim, ok := tree.Min()
	common.Assert(ok, "evictable count out of sync with partitions")
	tree.Delete(victim)
	delete(r.frames, victim.frameID)
	r.curSize--
	return victim.frameID, true
}

// Remove forcibly clears a frame's history and state, e.g. when the buffer
// pool deletes the page occupying it. The frame must be evictable.
func (r *LRUKReplacer) Remove(frameID common.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.frames[frameID]
	if rec == nil {
		return
	}
	common.Assert(rec.evictable, "removing non-evictable frame %d", frameID)
	r.partition(rec).Delete(candidate{rank: rec.history[0], frameID: frameID})
	delete(r.frames, frameID)
	r.curSize--
}

// Size returns the number of currently evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.curSize
}
