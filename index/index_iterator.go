package index

import (
	"mit.edu/dsg/minibase/common"
	"mit.edu/dsg/minibase/storage"
)

// IndexIterator walks the leaf chain in ascending key order. It keeps the
// current leaf pinned (not latched) between calls and pins the next leaf as
// it steps off the end of the current one. The iterator is single-pass and
// is not safe against concurrent writers; Close releases the last pin.
//
// An exhausted iterator — one past the final pair, or created over an empty
// tree — reports IsEnd. There is no separate end sentinel to compare with.
type IndexIterator struct {
	tree *BPlusTree
	page *storage.Page
	idx  int
}

// Begin returns an iterator positioned at the tree's smallest key.
func (t *BPlusTree) Begin() (*IndexIterator, error) {
	return t.begin(nil)
}

// BeginAt returns an iterator positioned at the first pair whose key is
// >= key.
func (t *BPlusTree) BeginAt(key Key) (*IndexIterator, error) {
	return t.begin(&key)
}

// begin descends with read crabbing to the leftmost leaf (key == nil) or the
// leaf covering *key, then positions the iterator.
func (t *BPlusTree) begin(key *Key) (*IndexIterator, error) {
	it := &IndexIterator{tree: t}

	t.rootMu.RLock()
	if !t.rootPageID.IsValid() {
		t.rootMu.RUnlock()
		return it, nil
	}
	page, err := t.bpm.FetchPage(t.rootPageID)
	if err != nil {
		t.rootMu.RUnlock()
		return nil, err
	}
	page.Latch.RLock()
	t.rootMu.RUnlock()

	for !asNode(page).isLeaf() {
		inner := asInternal(page)
		var next common.PageID
		if key == nil {
			next = inner.childAt(0)
		} else {
			next = inner.lookup(*key)
		}
		child, err := t.bpm.FetchPage(next)
		if err != nil {
			page.Latch.RUnlock()
			t.bpm.UnpinPage(page.ID(), false)
			return nil, err
		}
		child.Latch.RLock()
		page.Latch.RUnlock()
		t.bpm.UnpinPage(page.ID(), false)
		page = child
	}

	leaf := asLeaf(page)
	idx := 0
	if key != nil {
		idx = leaf.keyIndex(*key)
	}
	next := leaf.next()
	size := leaf.size()
	page.Latch.RUnlock()

	if idx < size {
		it.page = page
		it.idx = idx
		return it, nil
	}
	// The position fell off the leaf (empty leaf, or every key < *key):
	// continue along the chain.
	t.bpm.UnpinPage(page.ID(), false)
	return it, it.advanceTo(next)
}

// advanceTo pins the first non-empty leaf starting at pid, leaving the
// iterator exhausted if the chain runs out.
func (it *IndexIterator) advanceTo(pid common.PageID) error {
	for pid.IsValid() {
		page, err := it.tree.bpm.FetchPage(pid)
		if err != nil {
			it.page = nil
			return err
		}
		page.Latch.RLock()
		leaf := asLeaf(page)
		if leaf.size() > 0 {
			page.Latch.RUnlock()
			it.page = page
			it.idx = 0
			return nil
		}
		next := leaf.next()
		page.Latch.RUnlock()
		it.tree.bpm.UnpinPage(pid, false)
		pid = next
	}
	it.page = nil
	return nil
}

// IsEnd reports whether the iterator has run off the last pair.
func (it *IndexIterator) IsEnd() bool { return it.page == nil }

// Key returns the key at the current position.
func (it *IndexIterator) Key() Key {
	common.Assert(it.page != nil, "dereferencing exhausted iterator")
	it.page.Latch.RLock()
	defer it.page.Latch.RUnlock()
	return asLeaf(it.page).keyAt(it.idx)
}

// Value returns the value at the current position.
func (it *IndexIterator) Value() common.RecordID {
	common.Assert(it.page != nil, "dereferencing exhausted iterator")
	it.page.Latch.RLock()
	defer it.page.Latch.RUnlock()
	return asLeaf(it.page).valueAt(it.idx)
}

// Next advances to the following pair, stepping to the next leaf when the
// current one is exhausted.
func (it *IndexIterator) Next() error {
	common.Assert(it.page != nil, "advancing exhausted iterator")
	it.page.Latch.RLock()
	leaf := asLeaf(it.page)
	if it.idx+1 < leaf.size() {
		it.idx++
		it.page.Latch.RUnlock()
		return nil
	}
	next := leaf.next()
	it.page.Latch.RUnlock()
	it.tree.bpm.UnpinPage(it.page.ID(), false)
	return it.advanceTo(next)
}

// Close releases the pin on the current leaf. Safe to call on an exhausted
// iterator.
func (it *IndexIterator) Close() {
	if it.page != nil {
		it.tree.bpm.UnpinPage(it.page.ID(), false)
		it.page = nil
	}
}
