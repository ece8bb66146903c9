package index

import (
	"mit.edu/dsg/minibase/common"
	"mit.edu/dsg/minibase/storage"
)

// internalPage is a view over an internal node. size counts children; pair i
// holds (separator key i, child i), and the key in slot 0 is a placeholder
// treated as negative infinity.
type internalPage struct {
	nodePage
}

func asInternal(page *storage.Page) internalPage {
	n := asNode(page)
	common.Assert(n.kind() == kindInternal, "page %d is not an internal node", page.ID())
	return internalPage{nodePage: n}
}

func initInternal(page *storage.Page, parent common.PageID, maxSize int) internalPage {
	initNode(page, kindInternal, parent, maxSize)
	return internalPage{nodePage: asNode(page)}
}

func (p internalPage) childAt(i int) common.PageID {
	return common.PageID(int32(u32At(p.pairBytes(i)[8:])))
}

func (p internalPage) setChildAt(i int, pid common.PageID) {
	putU32At(p.pairBytes(i)[8:], uint32(int32(pid)))
}

func (p internalPage) setPairAt(i int, k Key, child common.PageID) {
	p.setKeyAt(i, k)
	p.setChildAt(i, child)
}

// childIndex returns the slot holding the given child id, or -1.
func (p internalPage) childIndex(child common.PageID) int {
	for i := 0; i < p.size(); i++ {
		if p.childAt(i) == child {
			return i
		}
	}
	return -1
}

// lookup returns the child whose subtree covers k: the last child whose
// separator key is <= k, with slot 0 standing in for negative infinity.
func (p internalPage) lookup(k Key) common.PageID {
	i := p.size() - 1
	for i > 0 && p.keyAt(i) > k {
		i--
	}
	return p.childAt(i)
}

// insertNodeAfter places (k, newChild) immediately after oldChild's slot.
// The node may momentarily exceed maxSize by one entry during a split; the
// physical capacity leaves room for that.
func (p internalPage) insertNodeAfter(oldChild common.PageID, k Key, newChild common.PageID) {
	n := p.size()
	common.Assert(n < pairCapacity, "internal node %d out of physical room", p.id())
	i := p.childIndex(oldChild)
	common.Assert(i != -1, "child %d not found in node %d", oldChild, p.id())
	p.shiftRight(i + 1)
	p.setSize(n + 1)
	p.setPairAt(i+1, k, newChild)
}

// populateNewRoot initializes a fresh root with exactly two children
// separated by the pivot key.
func (p internalPage) populateNewRoot(left common.PageID, pivot Key, right common.PageID) {
	common.Assert(p.size() == 0, "populating non-empty root %d", p.id())
	p.setPairAt(0, 0, left)
	p.setPairAt(1, pivot, right)
	p.setSize(2)
}

// removeAt deletes the pair in slot i.
func (p internalPage) removeAt(i int) {
	p.shiftLeft(i)
	p.setSize(p.size() - 1)
}

// adoptChild rewrites the parent link of the child page so it points here.
// The child is pinned through the buffer pool and write-latched for the
// update; callers must not already hold that latch.
func (p internalPage) adoptChild(child common.PageID, bpm *storage.BufferPoolManager) error {
	page, err := bpm.FetchPage(child)
	if err != nil {
		return err
	}
	page.Latch.Lock()
	asNode(page).setParent(p.id())
	page.Latch.Unlock()
	bpm.UnpinPage(child, true)
	return nil
}

// copyNFrom appends count pairs starting at src's from index and adopts the
// transferred children.
func (p internalPage) copyNFrom(src internalPage, from, count int, bpm *storage.BufferPoolManager) error {
	n := p.size()
	common.Assert(n+count <= pairCapacity, "internal node %d out of physical room", p.id())
	for i := 0; i < count; i++ {
		copy(p.pairBytes(n+i), src.pairBytes(from+i))
	}
	p.setSize(n + count)
	for i := 0; i < count; i++ {
		if err := p.adoptChild(p.childAt(n+i), bpm); err != nil {
			return err
		}
	}
	return nil
}

// moveHalfTo moves the upper half of this node's children to recipient,
// which must be empty. The first moved key becomes the separator to promote;
// it stays in recipient's slot 0 where it is treated as a placeholder.
func (p internalPage) moveHalfTo(recipient internalPage, bpm *storage.BufferPoolManager) error {
	n := p.size()
	mid := n / 2
	if err := recipient.copyNFrom(p, mid, n-mid, bpm); err != nil {
		return err
	}
	p.setSize(mid)
	return nil
}

// moveAllTo moves every child to the end of recipient (the left sibling).
// middleKey is the parent separator between the two nodes; it descends into
// the slot-0 placeholder position of the transferred run.
func (p internalPage) moveAllTo(recipient internalPage, middleKey Key, bpm *storage.BufferPoolManager) error {
	p.setKeyAt(0, middleKey)
	if err := recipient.copyNFrom(p, 0, p.size(), bpm); err != nil {
		return err
	}
	p.setSize(0)
	return nil
}

// moveFirstToEndOf shifts this node's first child onto the end of recipient
// (the left sibling). middleKey is the parent separator, which pairs with
// the transferred child.
func (p internalPage) moveFirstToEndOf(recipient internalPage, middleKey Key, bpm *storage.BufferPoolManager) error {
	n := p.size()
	common.Assert(n > 0, "moving from empty node %d", p.id())
	p.setKeyAt(0, middleKey)
	if err := recipient.copyNFrom(p, 0, 1, bpm); err != nil {
		return err
	}
	p.shiftLeft(0)
	p.setSize(n - 1)
	return nil
}

// moveLastToFrontOf shifts this node's last child onto the front of
// recipient (the right sibling). middleKey is the parent separator; it
// becomes the separator above recipient's previously-first child.
func (p internalPage) moveLastToFrontOf(recipient internalPage, middleKey Key, bpm *storage.BufferPoolManager) error {
	n := p.size()
	common.Assert(n > 0, "moving from empty node %d", p.id())
	rn := recipient.size()
	recipient.shiftRight(0)
	recipient.setSize(rn + 1)
	recipient.setKeyAt(1, middleKey)
	copy(recipient.pairBytes(0), p.pairBytes(n-1))
	recipient.setKeyAt(0, 0)
	p.setSize(n - 1)
	return recipient.adoptChild(recipient.childAt(0), bpm)
}
