package container

import (
	"sync"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/minibase/common"
)

// identityHash lets tests steer keys into specific buckets by treating the
// key itself as its hash.
func identityHash(k uint64) uint64 { return k }

func TestExtendibleHashTable_BasicOps(t *testing.T) {
	ht := NewExtendibleHashTable[uint64, string](4, identityHash)

	_, ok := ht.Find(1)
	assert.False(t, ok, "empty table should not find anything")

	inserted, err := ht.Insert(1, "one")
	require.NoError(t, err)
	assert.True(t, inserted)

	v, ok := ht.Find(1)
	require.True(t, ok)
	assert.Equal(t, "one", v)

	// Re-inserting an existing key overwrites and reports false.
	inserted, err = ht.Insert(1, "uno")
	require.NoError(t, err)
	assert.False(t, inserted)
	v, _ = ht.Find(1)
	assert.Equal(t, "uno", v)

	assert.True(t, ht.Remove(1))
	assert.False(t, ht.Remove(1), "second remove should be a no-op")
	_, ok = ht.Find(1)
	assert.False(t, ok)
}

// TestExtendibleHashTable_DirectoryDoubling replays the canonical split
// sequence: bucket size 2, global depth 0. Keys hashing to 0b00 and 0b10
// share the lone bucket; a key hashing to 0b01 forces the first directory
// doubling, and a fourth key hashing to 0b00 overflows the even bucket again
// and forces a second doubling (0b00 and 0b10 only separate at depth 2).
func TestExtendibleHashTable_DirectoryDoubling(t *testing.T) {
	hashes := map[uint64]uint64{10: 0b00, 20: 0b10, 30: 0b01, 40: 0b00}
	ht := NewExtendibleHashTable[uint64, int](2, func(k uint64) uint64 { return hashes[k] })

	require.Equal(t, 0, ht.GlobalDepth())

	_, err := ht.Insert(10, 1)
	require.NoError(t, err)
	_, err = ht.Insert(20, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, ht.GlobalDepth(), "two entries fit in the initial bucket")

	_, err = ht.Insert(30, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, ht.GlobalDepth(), "third entry must double the directory")
	assert.Equal(t, 2, ht.NumBuckets())

	_, err = ht.Insert(40, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, ht.GlobalDepth(), "splitting the even bucket needs depth 2")

	for k, want := range map[uint64]int{10: 1, 20: 2, 30: 3, 40: 4} {
		v, ok := ht.Find(k)
		require.True(t, ok, "key %d lost across splits", k)
		assert.Equal(t, want, v)
	}
}

// TestExtendibleHashTable_DegenerateHash verifies that keys hashing
// identically beyond any directory depth fail with HashBucketFullError
// instead of doubling the directory forever.
func TestExtendibleHashTable_DegenerateHash(t *testing.T) {
	ht := NewExtendibleHashTable[uint64, int](2, func(uint64) uint64 { return 7 })

	_, err := ht.Insert(1, 1)
	require.NoError(t, err)
	_, err = ht.Insert(2, 2)
	require.NoError(t, err)

	_, err = ht.Insert(3, 3)
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.HashBucketFullError), "got %v", err)

	// The table must still be consistent afterwards.
	for k, want := range map[uint64]int{1: 1, 2: 2} {
		v, ok := ht.Find(k)
		require.True(t, ok)
		assert.Equal(t, want, v)
	}
}

func TestExtendibleHashTable_SplitKeepsLocalDepths(t *testing.T) {
	ht := NewExtendibleHashTable[uint64, int](1, identityHash)
	for k := uint64(0); k < 4; k++ {
		_, err := ht.Insert(k, int(k))
		require.NoError(t, err)
	}
	require.Equal(t, 2, ht.GlobalDepth())
	for i := 0; i < 4; i++ {
		assert.LessOrEqual(t, ht.LocalDepth(i), ht.GlobalDepth())
	}

	count := 0
	ht.Range(func(k uint64, v int) bool {
		assert.Equal(t, int(k), v)
		count++
		return true
	})
	assert.Equal(t, 4, count)
}

// TestExtendibleHashTable_Concurrent hammers the table from many goroutines
// with a real hash function to shake out latch bugs.
func TestExtendibleHashTable_Concurrent(t *testing.T) {
	ht := NewExtendibleHashTable[uint64, uint64](8, func(k uint64) uint64 {
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(k >> (8 * i))
		}
		return xxhash.Sum64(b[:])
	})

	const numThreads = 8
	const perThread = 2000

	var wg sync.WaitGroup
	for tid := 0; tid < numThreads; tid++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			base := uint64(tid) * perThread
			for i := uint64(0); i < perThread; i++ {
				_, err := ht.Insert(base+i, base+i)
				assert.NoError(t, err)
			}
			for i := uint64(0); i < perThread; i++ {
				v, ok := ht.Find(base + i)
				assert.True(t, ok)
				assert.Equal(t, base+i, v)
			}
			for i := uint64(0); i < perThread; i += 2 {
				assert.True(t, ht.Remove(base+i))
			}
		}(tid)
	}
	wg.Wait()

	for tid := 0; tid < numThreads; tid++ {
		base := uint64(tid) * perThread
		for i := uint64(0); i < perThread; i++ {
			_, ok := ht.Find(base + i)
			assert.Equal(t, i%2 == 1, ok, "key %d", base+i)
		}
	}
}
