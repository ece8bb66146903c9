package storage

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"mit.edu/dsg/minibase/common"
)

// DiskManager performs page-granular I/O against a single flat pagefile.
// Page 0 is reserved for the header page and is allocated when the file is
// first created. Page ids are handed out monotonically and never reissued
// within a run; deallocation keeps no record of the freed page.
type DiskManager struct {
	file *os.File
	// numPages caches the file length (in pages) to avoid stat() syscalls on
	// every read. It is updated atomically after physical allocation.
	numPages atomic.Int32
	// allocMu serializes file expansion (Truncate) during allocation.
	allocMu sync.Mutex
}

// NewDiskManager opens (or creates) the pagefile at path. A fresh file is
// extended to hold the reserved header page.
func NewDiskManager(path string) (*DiskManager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	// Note: we assume the file length is always a multiple of PageSize.
	dm := &DiskManager{file: f}
	dm.numPages.Store(int32(stat.Size() / int64(common.PageSize)))

	if dm.numPages.Load() == 0 {
		if _, err := dm.AllocatePage(); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return dm, nil
}

// AllocatePage grows the pagefile by one page and returns its id. Reads from
// the new area return zeros until the first write.
func (dm *DiskManager) AllocatePage() (common.PageID, error) {
	dm.allocMu.Lock()
	defer dm.allocMu.Unlock()

	current := dm.numPages.Load()
	newSizeBytes := int64(current+1) * int64(common.PageSize)
	if err := dm.file.Truncate(newSizeBytes); err != nil {
		return common.InvalidPageID, fmt.Errorf("failed to allocate page: %w", err)
	}
	dm.numPages.Store(current + 1)
	return common.PageID(current), nil
}

// DeallocatePage checks that the page was allocated; nothing is recorded.
// The id is never handed out again within a run because allocation only
// grows the file, and the file is not shrunk; a real system would track the
// page in a free map for reuse across restarts.
func (dm *DiskManager) DeallocatePage(pageID common.PageID) {
	common.Assert(pageID.IsValid() && int32(pageID) < dm.numPages.Load(),
		"deallocating unallocated page %d", pageID)
}

// ReadPage reads the content of the page identified by pageID into buf.
// Returns an error if the page does not exist.
func (dm *DiskManager) ReadPage(pageID common.PageID, buf []byte) error {
	common.Assert(len(buf) == common.PageSize, "buffer length must match PageSize")
	if !pageID.IsValid() || int32(pageID) >= dm.numPages.Load() {
		return fmt.Errorf("read out of bounds: page %d does not exist (file has %d pages)",
			pageID, dm.numPages.Load())
	}
	_, err := dm.file.ReadAt(buf, int64(pageID)*int64(common.PageSize))
	return err
}

// WritePage writes the content of buf to the page identified by pageID.
// Returns an error if the page does not exist.
func (dm *DiskManager) WritePage(pageID common.PageID, buf []byte) error {
	common.Assert(len(buf) == common.PageSize, "buffer length must match PageSize")
	if !pageID.IsValid() || int32(pageID) >= dm.numPages.Load() {
		return fmt.Errorf("write out of bounds: page %d does not exist", pageID)
	}
	_, err := dm.file.WriteAt(buf, int64(pageID)*int64(common.PageSize))
	return err
}

// NumPages returns the number of pages currently in the file.
func (dm *DiskManager) NumPages() int {
	return int(dm.numPages.Load())
}

// Sync flushes writes to stable storage.
func (dm *DiskManager) Sync() error {
	return dm.file.Sync()
}

// Close closes the underlying OS file.
func (dm *DiskManager) Close() error {
	return dm.file.Close()
}
