package index

import (
	"sort"

	"mit.edu/dsg/minibase/common"
	"mit.edu/dsg/minibase/storage"
)

// leafPage is a view over a leaf node. Pairs map keys to RecordIDs and are
// kept strictly ordered; leaves chain together through next links in
// ascending key order.
type leafPage struct {
	nodePage
}

func asLeaf(page *storage.Page) leafPage {
	n := asNode(page)
	common.Assert(n.kind() == kindLeaf, "page %d is not a leaf", page.ID())
	return leafPage{nodePage: n}
}

func initLeaf(page *storage.Page, parent common.PageID, maxSize int) leafPage {
	initNode(page, kindLeaf, parent, maxSize)
	return leafPage{nodePage: asNode(page)}
}

func (l leafPage) next() common.PageID {
	return common.PageID(int32(l.u32(offNext)))
}

func (l leafPage) setNext(pid common.PageID) {
	l.setU32(offNext, uint32(int32(pid)))
}

func (l leafPage) valueAt(i int) common.RecordID {
	var rid common.RecordID
	rid.LoadFrom(l.pairBytes(i)[8:])
	return rid
}

func (l leafPage) setPairAt(i int, k Key, rid common.RecordID) {
	l.setKeyAt(i, k)
	rid.WriteTo(l.pairBytes(i)[8:])
}

// keyIndex returns the first index whose key is >= k, or size if none is.
func (l leafPage) keyIndex(k Key) int {
	return sort.Search(l.size(), func(i int) bool { return l.keyAt(i) >= k })
}

// lookup binary-searches for k.
func (l leafPage) lookup(k Key) (common.RecordID, bool) {
	i := l.keyIndex(k)
	if i < l.size() && l.keyAt(i) == k {
		return l.valueAt(i), true
	}
	return common.RecordID{}, false
}

// insert places the pair in key order. The caller must have verified that
// the key is absent and the leaf has room.
func (l leafPage) insert(k Key, rid common.RecordID) {
	n := l.size()
	common.Assert(n < l.maxSize(), "inserting into full leaf %d", l.id())
	i := l.keyIndex(k)
	common.Assert(i == n || l.keyAt(i) != k, "duplicate key %d in leaf %d", k, l.id())
	l.shiftRight(i)
	l.setSize(n + 1)
	l.setPairAt(i, k, rid)
}

// remove deletes the pair for k if present and returns the new size.
func (l leafPage) remove(k Key) int {
	n := l.size()
	i := l.keyIndex(k)
	if i == n || l.keyAt(i) != k {
		return n
	}
	l.shiftLeft(i)
	l.setSize(n - 1)
	return n - 1
}

// copyNFrom appends count pairs starting at src's from index.
func (l leafPage) copyNFrom(src leafPage, from, count int) {
	n := l.size()
	common.Assert(n+count <= l.maxSize(), "overflowing leaf %d", l.id())
	for i := 0; i < count; i++ {
		copy(l.pairBytes(n+i), src.pairBytes(from+i))
	}
	l.setSize(n + count)
}

// moveHalfTo moves the upper half of this leaf's pairs to recipient, which
// must be empty. The next-link splice is the caller's business.
func (l leafPage) moveHalfTo(recipient leafPage) {
	n := l.size()
	mid := n / 2
	recipient.copyNFrom(l, mid, n-mid)
	l.setSize(mid)
}

// moveAllTo moves every pair to the end of recipient and splices this leaf
// out of the next chain.
func (l leafPage) moveAllTo(recipient leafPage) {
	recipient.copyNFrom(l, 0, l.size())
	recipient.setNext(l.next())
	l.setSize(0)
}

// moveFirstToEndOf shifts this leaf's smallest pair onto the end of
// recipient (the left sibling).
func (l leafPage) moveFirstToEndOf(recipient leafPage) {
	n := l.size()
	common.Assert(n > 0, "moving from empty leaf %d", l.id())
	recipient.copyNFrom(l, 0, 1)
	l.shiftLeft(0)
	l.setSize(n - 1)
}

// moveLastToFrontOf shifts this leaf's largest pair onto the front of
// recipient (the right sibling).
func (l leafPage) moveLastToFrontOf(recipient leafPage) {
	n := l.size()
	common.Assert(n > 0, "moving from empty leaf %d", l.id())
	rn := recipient.size()
	common.Assert(rn < recipient.maxSize(), "overflowing leaf %d", recipient.id())
	recipient.shiftRight(0)
	recipient.setSize(rn + 1)
	copy(recipient.pairBytes(0), l.pairBytes(n-1))
	l.setSize(n - 1)
}
