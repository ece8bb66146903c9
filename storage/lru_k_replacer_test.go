package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/minibase/common"
)

func evictOK(t *testing.T, r *LRUKReplacer) common.FrameID {
	t.Helper()
	id, ok := r.Evict()
	require.True(t, ok, "expected an evictable frame")
	return id
}

// TestLRUKReplacer_Policy replays the canonical access pattern: k=2, frames
// 1,2,3,4,1,2,5 accessed in that order, everything evictable. Frames 3, 4
// and 5 have a single access each (backward 2-distance +inf) so they go
// first, oldest first access first; then the full-history frames by the
// oldest of their last two accesses.
func TestLRUKReplacer_Policy(t *testing.T) {
	r := NewLRUKReplacer(2)

	for _, f := range []common.FrameID{1, 2, 3, 4, 1, 2, 5} {
		r.RecordAccess(f)
	}
	for _, f := range []common.FrameID{1, 2, 3, 4, 5} {
		r.SetEvictable(f, true)
	}
	require.Equal(t, 5, r.Size())

	assert.Equal(t, common.FrameID(3), evictOK(t, r))
	assert.Equal(t, common.FrameID(4), evictOK(t, r))
	assert.Equal(t, common.FrameID(5), evictOK(t, r))
	assert.Equal(t, common.FrameID(1), evictOK(t, r))
	assert.Equal(t, common.FrameID(2), evictOK(t, r))

	_, ok := r.Evict()
	assert.False(t, ok, "replacer should be empty")
	assert.Equal(t, 0, r.Size())
}

// TestLRUKReplacer_HistoryWindow checks that the ranking follows the k-th
// most recent access, not the most recent one: a frame touched long ago and
// never since must lose to a frame touched recently but often.
func TestLRUKReplacer_HistoryWindow(t *testing.T) {
	r := NewLRUKReplacer(2)

	r.RecordAccess(1) // t=1
	r.RecordAccess(1) // t=2
	r.RecordAccess(2) // t=3
	r.RecordAccess(2) // t=4
	r.RecordAccess(1) // t=5 -> frame 1 history [2,5], frame 2 history [3,4]

	r.SetEvictable(1, true)
	r.SetEvictable(2, true)

	// Frame 1's 2nd most recent access (t=2) is older than frame 2's (t=3).
	assert.Equal(t, common.FrameID(1), evictOK(t, r))
	assert.Equal(t, common.FrameID(2), evictOK(t, r))
}

func TestLRUKReplacer_SetEvictable(t *testing.T) {
	r := NewLRUKReplacer(2)
	r.RecordAccess(1)
	r.SetEvictable(1, true)
	r.SetEvictable(1, true) // idempotent
	assert.Equal(t, 1, r.Size())

	r.SetEvictable(1, false)
	r.SetEvictable(1, false)
	assert.Equal(t, 0, r.Size())
	_, ok := r.Evict()
	assert.False(t, ok, "pinned frame must not be evicted")

	r.SetEvictable(1, true)
	assert.Equal(t, common.FrameID(1), evictOK(t, r))
}

func TestLRUKReplacer_EvictClearsHistory(t *testing.T) {
	r := NewLRUKReplacer(2)
	r.RecordAccess(1)
	r.RecordAccess(1)
	r.RecordAccess(2)
	r.SetEvictable(1, true)
	r.SetEvictable(2, true)

	// Frame 2 has <k accesses and is preferred despite frame 1 being older.
	assert.Equal(t, common.FrameID(2), evictOK(t, r))
	assert.Equal(t, common.FrameID(1), evictOK(t, r))

	// After eviction the history is gone: one new access makes it a fresh
	// <k frame again.
	r.RecordAccess(1)
	r.SetEvictable(1, true)
	assert.Equal(t, 1, r.Size())
	assert.Equal(t, common.FrameID(1), evictOK(t, r))
}

func TestLRUKReplacer_Remove(t *testing.T) {
	r := NewLRUKReplacer(2)
	r.RecordAccess(1)
	r.SetEvictable(1, true)
	r.Remove(1)
	assert.Equal(t, 0, r.Size())
	_, ok := r.Evict()
	assert.False(t, ok)

	// Removing an unknown frame is a no-op.
	r.Remove(99)

	// Removing a non-evictable frame is a bug in the caller.
	r.RecordAccess(2)
	r.SetEvictable(2, false)
	assert.Panics(t, func() { r.Remove(2) })
}
