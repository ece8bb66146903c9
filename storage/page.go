package storage

import (
	"sync"

	"mit.edu/dsg/minibase/common"
)

// Page is a frame-resident copy of one disk page. It holds the raw bytes of
// the page plus the bookkeeping the buffer pool needs: the identity of the
// page currently occupying the frame, a pin count, and a dirty flag.
//
// The content of the page is protected by Latch; callers that read or write
// Data must hold it. The bookkeeping fields are protected by the buffer
// pool's own latch and are only mutated there.
type Page struct {
	// Latch protects the content of the page from concurrent access.
	Latch sync.RWMutex

	data     [common.PageSize]byte
	id       common.PageID
	pinCount int
	dirty    bool
}

// ID returns the id of the page occupying this frame, or InvalidPageID if
// the frame is empty.
func (p *Page) ID() common.PageID { return p.id }

// Data returns the page's raw bytes. Hold Latch while accessing them.
func (p *Page) Data() []byte { return p.data[:] }

// PinCount returns the number of callers currently pinning the page.
func (p *Page) PinCount() int { return p.pinCount }

// IsDirty reports whether the page has been modified since it was last
// written to disk.
func (p *Page) IsDirty() bool { return p.dirty }

// reset clears the frame for reuse.
func (p *Page) reset() {
	p.data = [common.PageSize]byte{}
	p.id = common.InvalidPageID
	p.pinCount = 0
	p.dirty = false
}
