package storage

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"mit.edu/dsg/minibase/common"
	"mit.edu/dsg/minibase/container"
)

// BufferPoolManager manages the reading and writing of database pages
// between the DiskManager and memory. It keeps hot pages resident in a fixed
// set of frames, pins pages against eviction while they are in use, and
// writes dirty pages back before their frames are reused.
//
// A single coarse latch guards the page table, the free list, the replacer
// state, and the frame bookkeeping. Disk I/O happens while holding it; this
// keeps the invariants easy to reason about at the cost of throughput under
// I/O-heavy loads.
type BufferPoolManager struct {
	mu        sync.Mutex
	disk      *DiskManager
	frames    []Page
	pageTable *container.ExtendibleHashTable[common.PageID, common.FrameID]
	replacer  *LRUKReplacer
	freeList  []common.FrameID
}

// pageTableBucketSize bounds entries per page-table bucket before a split.
const pageTableBucketSize = 16

func hashPageID(pid common.PageID) uint64 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(pid))
	return xxhash.Sum64(b[:])
}

// NewBufferPoolManager creates a pool of poolSize frames over the given
// pagefile, evicting with an LRU-K policy of the given history depth.
func NewBufferPoolManager(poolSize int, k int, disk *DiskManager) *BufferPoolManager {
	common.Assert(poolSize > 0, "pool size must be positive")
	bpm := &BufferPoolManager{
		disk:      disk,
		frames:    make([]Page, poolSize),
		pageTable: container.NewExtendibleHashTable[common.PageID, common.FrameID](pageTableBucketSize, hashPageID),
		replacer:  NewLRUKReplacer(k),
		freeList:  make([]common.FrameID, 0, poolSize),
	}
	for i := range bpm.frames {
		bpm.frames[i].id = common.InvalidPageID
		bpm.freeList = append(bpm.freeList, common.FrameID(i))
	}
	return bpm
}

// DiskManager returns the underlying pagefile.
func (bpm *BufferPoolManager) DiskManager() *DiskManager { return bpm.disk }

// acquireFrame obtains a reusable frame, preferring the free list over
// eviction. An evicted victim's dirty contents are written back and its page
// table entry removed. Called with the pool latch held.
func (bpm *BufferPoolManager) acquireFrame() (common.FrameID, error) {
	if n := len(bpm.freeList); n > 0 {
		frameID := bpm.freeList[n-1]
		bpm.freeList = bpm.freeList[:n-1]
		return frameID, nil
	}

	frameID, ok := bpm.replacer.Evict()
	if !ok {
		return common.InvalidFrameID, common.DBError{
			Code:      common.BufferPoolFullError,
			ErrString: fmt.Sprintf("all %d frames are pinned", len(bpm.frames)),
		}
	}

	frame := &bpm.frames[frameID]
	common.Assert(frame.pinCount == 0, "evicted frame %d is pinned", frameID)
	if frame.dirty {
		if err := bpm.disk.WritePage(frame.id, frame.Data()); err != nil {
			// Put the frame back the way we found it so the pool stays
			// consistent; the caller sees the I/O failure.
			bpm.replacer.RecordAccess(frameID)
			bpm.replacer.SetEvictable(frameID, true)
			return common.InvalidFrameID, err
		}
		frame.dirty = false
	}
	bpm.pageTable.Remove(frame.id)
	return frameID, nil
}

func (bpm *BufferPoolManager) installFrame(frameID common.FrameID, pageID common.PageID) *Page {
	frame := &bpm.frames[frameID]
	frame.id = pageID
	frame.pinCount = 1
	frame.dirty = false
	bpm.replacer.RecordAccess(frameID)
	bpm.replacer.SetEvictable(frameID, false)
	_, err := bpm.pageTable.Insert(pageID, frameID)
	common.Assert(err == nil, "page table insert failed: %v", err)
	return frame
}

// NewPage allocates a fresh page on disk, installs it pinned in a frame, and
// returns it zero-filled. Returns BufferPoolFullError when every frame is
// pinned; the caller may retry once pins drain.
func (bpm *BufferPoolManager) NewPage() (*Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, err := bpm.acquireFrame()
	if err != nil {
		return nil, err
	}
	pageID, err := bpm.disk.AllocatePage()
	if err != nil {
		bpm.freeList = append(bpm.freeList, frameID)
		return nil, err
	}
	frame := &bpm.frames[frameID]
	frame.reset()
	return bpm.installFrame(frameID, pageID), nil
}

// FetchPage returns the requested page pinned, reading it from disk if it is
// not resident. Returns BufferPoolFullError when no frame can be freed.
func (bpm *BufferPoolManager) FetchPage(pageID common.PageID) (*Page, error) {
	common.Assert(pageID.IsValid(), "fetching invalid page id")
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if frameID, ok := bpm.pageTable.Find(pageID); ok {
		frame := &bpm.frames[frameID]
		frame.pinCount++
		bpm.replacer.RecordAccess(frameID)
		bpm.replacer.SetEvictable(frameID, false)
		return frame, nil
	}

	frameID, err := bpm.acquireFrame()
	if err != nil {
		return nil, err
	}
	frame := &bpm.frames[frameID]
	frame.reset()
	if err := bpm.disk.ReadPage(pageID, frame.Data()); err != nil {
		bpm.freeList = append(bpm.freeList, frameID)
		return nil, err
	}
	return bpm.installFrame(frameID, pageID), nil
}

// UnpinPage drops one pin on the page. isDirty is OR'd into the frame's
// dirty flag: once dirty, the page stays dirty until flushed. When the pin
// count reaches zero the frame becomes an eviction candidate. Returns false
// if the page is not resident or was not pinned.
func (bpm *BufferPoolManager) UnpinPage(pageID common.PageID, isDirty bool) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable.Find(pageID)
	if !ok {
		return false
	}
	frame := &bpm.frames[frameID]
	if frame.pinCount == 0 {
		return false
	}
	frame.pinCount--
	frame.dirty = frame.dirty || isDirty
	if frame.pinCount == 0 {
		bpm.replacer.SetEvictable(frameID, true)
	}
	return true
}

// FlushPage writes the page to disk regardless of its dirty flag and clears
// the flag. Returns false if the page is not resident.
func (bpm *BufferPoolManager) FlushPage(pageID common.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameID, ok := bpm.pageTable.Find(pageID)
	if !ok {
		return false
	}
	frame := &bpm.frames[frameID]
	if err := bpm.disk.WritePage(pageID, frame.Data()); err != nil {
		return false
	}
	frame.dirty = false
	return true
}

// FlushAllPages writes every resident page to disk and clears all dirty
// flags. Typically called at shutdown, but also useful for tests.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	for i := range bpm.frames {
		frame := &bpm.frames[i]
		if !frame.id.IsValid() {
			continue
		}
		if err := bpm.disk.WritePage(frame.id, frame.Data()); err != nil {
			return err
		}
		frame.dirty = false
	}
	return nil
}

// DeletePage drops the page from the pool and deallocates it on disk. A
// non-resident page is a no-op success; a pinned page cannot be deleted.
func (bpm *BufferPoolManager) DeletePage(pageID common.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable.Find(pageID)
	if !ok {
		bpm.disk.DeallocatePage(pageID)
		return true
	}
	frame := &bpm.frames[frameID]
	if frame.pinCount > 0 {
		return false
	}
	bpm.pageTable.Remove(pageID)
	bpm.replacer.Remove(frameID)
	frame.reset()
	bpm.freeList = append(bpm.freeList, frameID)
	bpm.disk.DeallocatePage(pageID)
	return true
}

// PoolSize returns the number of frames in the pool.
func (bpm *BufferPoolManager) PoolSize() int { return len(bpm.frames) }
