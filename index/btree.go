package index

import (
	"sync"

	"mit.edu/dsg/minibase/common"
	"mit.edu/dsg/minibase/storage"
)

// BPlusTree is a concurrent, disk-backed B+-tree with unique integer keys
// and RecordID values. All pages are reached through the buffer pool by page
// id; the tree holds no in-memory pointers between nodes.
//
// Concurrency follows latch crabbing. Searches descend taking read latches,
// releasing each parent once the child is latched. Mutations descend taking
// write latches and keep the chain of "unsafe" ancestors (nodes that might
// split or merge) latched until the operation completes; as soon as a safe
// node is reached every latch above it is dropped. rootMu serializes changes
// to the identity of the root page.
type BPlusTree struct {
	name            string
	bpm             *storage.BufferPoolManager
	leafMaxSize     int
	internalMaxSize int

	rootMu     sync.RWMutex
	rootPageID common.PageID
}

// NewBPlusTree opens the named tree, reattaching to the root recorded in the
// header page or registering a fresh record if the name is new.
func NewBPlusTree(name string, bpm *storage.BufferPoolManager, leafMaxSize, internalMaxSize int) (*BPlusTree, error) {
	common.Assert(leafMaxSize > 1 && leafMaxSize <= DefaultMaxSize, "leaf fan-out %d out of range", leafMaxSize)
	common.Assert(internalMaxSize > 2 && internalMaxSize <= DefaultMaxSize, "internal fan-out %d out of range", internalMaxSize)

	t := &BPlusTree{
		name:            name,
		bpm:             bpm,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
		rootPageID:      common.InvalidPageID,
	}

	page, err := bpm.FetchPage(common.HeaderPageID)
	if err != nil {
		return nil, err
	}
	page.Latch.Lock()
	header := asHeader(page)
	root, ok := header.getRoot(name)
	dirty := false
	if ok {
		t.rootPageID = root
	} else {
		header.insertRecord(name, common.InvalidPageID)
		dirty = true
	}
	page.Latch.Unlock()
	bpm.UnpinPage(common.HeaderPageID, dirty)
	return t, nil
}

// setRoot records the new root both in memory and in the header page.
// Callers must hold rootMu exclusively.
func (t *BPlusTree) setRoot(pid common.PageID) error {
	t.rootPageID = pid
	page, err := t.bpm.FetchPage(common.HeaderPageID)
	if err != nil {
		return err
	}
	page.Latch.Lock()
	ok := asHeader(page).updateRecord(t.name, pid)
	page.Latch.Unlock()
	t.bpm.UnpinPage(common.HeaderPageID, true)
	common.Assert(ok, "tree %q has no header record", t.name)
	return nil
}

// safeForInsert reports whether an insert below this node cannot force it to
// split (so ancestor latches may be released).
func (t *BPlusTree) safeForInsert(n nodePage) bool {
	if n.isLeaf() {
		if n.isRoot() {
			// The root leaf is allowed to sit at max size; it only splits
			// when an insert arrives while it is already full.
			return n.size() < n.maxSize()
		}
		return n.size()+1 < n.maxSize()
	}
	return n.size() < n.maxSize()
}

// safeForDelete reports whether a delete below this node cannot force it to
// merge, redistribute, or change the root.
func (t *BPlusTree) safeForDelete(n nodePage) bool {
	if n.isRoot() {
		if n.isLeaf() {
			return n.size() > 1
		}
		return n.size() > 2
	}
	return n.size() > n.minSize()
}

// releasePath unlatches and unpins every held page, root side first, and
// drops rootMu if still held.
func (t *BPlusTree) releasePath(path []*storage.Page, rootHeld bool, dirty bool) {
	for _, page := range path {
		page.Latch.Unlock()
		t.bpm.UnpinPage(page.ID(), dirty)
	}
	if rootHeld {
		t.rootMu.Unlock()
	}
}

// descend walks from the root to the leaf covering key, write-latching each
// node and keeping the chain of unsafe ancestors. Callers must hold rootMu
// exclusively; descend transfers that ownership to the returned rootHeld.
func (t *BPlusTree) descend(key Key, safe func(nodePage) bool) (path []*storage.Page, rootHeld bool, err error) {
	rootHeld = true
	pid := t.rootPageID
	for {
		page, ferr := t.bpm.FetchPage(pid)
		if ferr != nil {
			t.releasePath(path, rootHeld, false)
			return nil, false, ferr
		}
		page.Latch.Lock()
		path = append(path, page)

		node := asNode(page)
		if safe(node) {
			for _, p := range path[:len(path)-1] {
				p.Latch.Unlock()
				t.bpm.UnpinPage(p.ID(), false)
			}
			path = append(path[:0], page)
			if rootHeld {
				t.rootMu.Unlock()
				rootHeld = false
			}
		}
		if node.isLeaf() {
			return path, rootHeld, nil
		}
		pid = asInternal(page).lookup(key)
	}
}

// GetValue looks key up and appends its value to result, reporting whether
// the key was found.
func (t *BPlusTree) GetValue(key Key, result *[]common.RecordID) (bool, error) {
	t.rootMu.RLock()
	if !t.rootPageID.IsValid() {
		t.rootMu.RUnlock()
		return false, nil
	}
	page, err := t.bpm.FetchPage(t.rootPageID)
	if err != nil {
		t.rootMu.RUnlock()
		return false, err
	}
	page.Latch.RLock()
	t.rootMu.RUnlock()

	for !asNode(page).isLeaf() {
		next := asInternal(page).lookup(key)
		child, err := t.bpm.FetchPage(next)
		if err != nil {
			page.Latch.RUnlock()
			t.bpm.UnpinPage(page.ID(), false)
			return false, err
		}
		child.Latch.RLock()
		page.Latch.RUnlock()
		t.bpm.UnpinPage(page.ID(), false)
		page = child
	}

	rid, found := asLeaf(page).lookup(key)
	page.Latch.RUnlock()
	t.bpm.UnpinPage(page.ID(), false)
	if found {
		*result = append(*result, rid)
	}
	return found, nil
}

// Insert adds the pair to the tree. It reports false (with nil error) when
// the key is already present; the existing value is left untouched.
func (t *BPlusTree) Insert(key Key, rid common.RecordID) (bool, error) {
	t.rootMu.Lock()

	if !t.rootPageID.IsValid() {
		page, err := t.bpm.NewPage()
		if err != nil {
			t.rootMu.Unlock()
			return false, err
		}
		leaf := initLeaf(page, common.InvalidPageID, t.leafMaxSize)
		leaf.insert(key, rid)
		err = t.setRoot(page.ID())
		t.bpm.UnpinPage(page.ID(), true)
		t.rootMu.Unlock()
		return err == nil, err
	}

	path, rootHeld, err := t.descend(key, t.safeForInsert)
	if err != nil {
		return false, err
	}
	leafPg := path[len(path)-1]
	leaf := asLeaf(leafPg)

	if _, found := leaf.lookup(key); found {
		t.releasePath(path, rootHeld, false)
		return false, nil
	}

	var pivot Key
	var newID common.PageID
	split := false

	if leaf.size() < leaf.maxSize() {
		leaf.insert(key, rid)
		if leaf.size() == leaf.maxSize() && !leaf.isRoot() {
			// A non-root leaf never stays at max size: split it now, keeping
			// the lower half in place.
			pivot, newID, err = t.splitLeaf(leaf, nil)
			split = true
		}
	} else {
		// The leaf was already full (the root leaf, or a leaf that a merge
		// filled to max size): split and place the incoming pair in its half.
		incoming := leafEntry{key: key, rid: rid}
		pivot, newID, err = t.splitLeaf(leaf, &incoming)
		split = true
	}
	if err != nil {
		t.releasePath(path, rootHeld, true)
		return false, err
	}
	if !split {
		t.releasePath(path, rootHeld, true)
		return true, nil
	}

	oldID := leaf.id()
	leafPg.Latch.Unlock()
	t.bpm.UnpinPage(oldID, true)
	path = path[:len(path)-1]

	if err := t.propagateSplit(path, rootHeld, oldID, pivot, newID); err != nil {
		return false, err
	}
	return true, nil
}

type leafEntry struct {
	key Key
	rid common.RecordID
}

// splitLeaf carves the upper half of the (latched) leaf into a fresh right
// sibling, splicing it into the next chain. When incoming is non-nil the
// pair is inserted into whichever half owns it, and the halves are
// rebalanced so neither ends up more than one entry larger. Returns the
// pivot (the new sibling's smallest key) and the sibling's page id; the
// sibling page is unpinned before returning, which is safe because it is
// unreachable until the pivot is linked into the parent.
func (t *BPlusTree) splitLeaf(leaf leafPage, incoming *leafEntry) (Key, common.PageID, error) {
	newPage, err := t.bpm.NewPage()
	if err != nil {
		return 0, common.InvalidPageID, err
	}
	newLeaf := initLeaf(newPage, leaf.parent(), t.leafMaxSize)
	newLeaf.setNext(leaf.next())
	leaf.setNext(newPage.ID())
	leaf.moveHalfTo(newLeaf)

	if incoming != nil {
		if incoming.key >= newLeaf.keyAt(0) {
			newLeaf.insert(incoming.key, incoming.rid)
		} else {
			leaf.insert(incoming.key, incoming.rid)
		}
		for newLeaf.size() > leaf.size()+1 {
			newLeaf.moveFirstToEndOf(leaf)
		}
	}

	pivot := newLeaf.keyAt(0)
	newID := newPage.ID()
	t.bpm.UnpinPage(newID, true)
	return pivot, newID, nil
}

// propagateSplit links (pivot, newID) into the ancestors held in path,
// splitting each full internal node and, if the split reaches above the
// root, growing the tree by one level. Consumes path and rootMu.
func (t *BPlusTree) propagateSplit(path []*storage.Page, rootHeld bool, childID common.PageID, pivot Key, newID common.PageID) error {
	for {
		if len(path) == 0 {
			common.Assert(rootHeld, "split escaped the latched ancestor chain")
			rootPage, err := t.bpm.NewPage()
			if err != nil {
				t.rootMu.Unlock()
				return err
			}
			root := initInternal(rootPage, common.InvalidPageID, t.internalMaxSize)
			root.populateNewRoot(childID, pivot, newID)
			err = root.adoptChild(childID, t.bpm)
			if err == nil {
				err = root.adoptChild(newID, t.bpm)
			}
			if err == nil {
				err = t.setRoot(rootPage.ID())
			}
			t.bpm.UnpinPage(rootPage.ID(), true)
			t.rootMu.Unlock()
			return err
		}

		parentPg := path[len(path)-1]
		parent := asInternal(parentPg)
		parent.insertNodeAfter(childID, pivot, newID)
		if parent.size() <= parent.maxSize() {
			t.releasePath(path, rootHeld, true)
			return nil
		}

		newPage, err := t.bpm.NewPage()
		if err != nil {
			t.releasePath(path, rootHeld, true)
			return err
		}
		newInner := initInternal(newPage, parent.parent(), t.internalMaxSize)
		if err := parent.moveHalfTo(newInner, t.bpm); err != nil {
			t.bpm.UnpinPage(newPage.ID(), true)
			t.releasePath(path, rootHeld, true)
			return err
		}

		pivot = newInner.keyAt(0)
		childID = parent.id()
		newID = newPage.ID()
		t.bpm.UnpinPage(newPage.ID(), true)

		parentPg.Latch.Unlock()
		t.bpm.UnpinPage(parentPg.ID(), true)
		path = path[:len(path)-1]
	}
}

// Remove deletes the pair for key if present, rebalancing underfull nodes by
// borrowing from a sibling when one can spare an entry and merging
// otherwise.
func (t *BPlusTree) Remove(key Key) error {
	t.rootMu.Lock()
	if !t.rootPageID.IsValid() {
		t.rootMu.Unlock()
		return nil
	}

	path, rootHeld, err := t.descend(key, t.safeForDelete)
	if err != nil {
		return err
	}
	leafPg := path[len(path)-1]
	leaf := asLeaf(leafPg)

	before := leaf.size()
	after := leaf.remove(key)
	if after == before {
		t.releasePath(path, rootHeld, false)
		return nil
	}

	if leaf.isRoot() {
		if after == 0 {
			pid := leaf.id()
			leafPg.Latch.Unlock()
			t.bpm.UnpinPage(pid, false)
			t.bpm.DeletePage(pid)
			err := t.setRoot(common.InvalidPageID)
			t.rootMu.Unlock()
			return err
		}
		t.releasePath(path, rootHeld, true)
		return nil
	}
	if after >= leaf.minSize() {
		t.releasePath(path, rootHeld, true)
		return nil
	}
	return t.rebalance(path, rootHeld)
}

// rebalance repairs the underfull node at the bottom of path, cascading
// upward while merges leave ancestors underfull. Consumes path and rootMu.
func (t *BPlusTree) rebalance(path []*storage.Page, rootHeld bool) error {
	for {
		nodePg := path[len(path)-1]
		node := asNode(nodePg)
		common.Assert(len(path) >= 2, "underfull node %d has no latched parent", node.id())
		parentPg := path[len(path)-2]
		parent := asInternal(parentPg)
		idx := parent.childIndex(node.id())
		common.Assert(idx != -1, "node %d missing from parent %d", node.id(), parent.id())

		merged, err := t.borrowOrMerge(nodePg, parent, idx)
		// borrowOrMerge released (and possibly deleted) the node level.
		path = path[:len(path)-1]
		if err != nil {
			t.releasePath(path, rootHeld, true)
			return err
		}
		if !merged {
			t.releasePath(path, rootHeld, true)
			return nil
		}

		if parent.isRoot() {
			if parent.size() == 1 {
				// The root has a single child left: that child becomes the
				// new root.
				childID := parent.childAt(0)
				pid := parent.id()
				parentPg.Latch.Unlock()
				t.bpm.UnpinPage(pid, false)
				t.bpm.DeletePage(pid)
				path = path[:len(path)-1]

				childPg, err := t.bpm.FetchPage(childID)
				if err == nil {
					childPg.Latch.Lock()
					asNode(childPg).setParent(common.InvalidPageID)
					childPg.Latch.Unlock()
					t.bpm.UnpinPage(childID, true)
					err = t.setRoot(childID)
				}
				t.releasePath(path, rootHeld, true)
				return err
			}
			t.releasePath(path, rootHeld, true)
			return nil
		}
		if parent.size() >= parent.minSize() {
			t.releasePath(path, rootHeld, true)
			return nil
		}
		// The parent is now the underfull node; loop.
	}
}

// borrowOrMerge fixes the underfull (latched, pinned) node under its latched
// parent. It first tries to borrow from the left then the right sibling;
// failing that it merges with one of them. It reports merged=true when the
// node level was consumed by a merge; in every case the node page and any
// touched sibling are unlatched and unpinned before returning.
func (t *BPlusTree) borrowOrMerge(nodePg *storage.Page, parent internalPage, idx int) (bool, error) {
	node := asNode(nodePg)
	isLeaf := node.isLeaf()

	release := func(pg *storage.Page, dirty bool) {
		pg.Latch.Unlock()
		t.bpm.UnpinPage(pg.ID(), dirty)
	}

	var leftPg, rightPg *storage.Page
	if idx > 0 {
		pg, err := t.bpm.FetchPage(parent.childAt(idx - 1))
		if err != nil {
			release(nodePg, true)
			return false, err
		}
		pg.Latch.Lock()
		leftPg = pg
	}

	// Borrow from the left sibling.
	if leftPg != nil && asNode(leftPg).size() > asNode(leftPg).minSize() {
		if isLeaf {
			asLeaf(leftPg).moveLastToFrontOf(asLeaf(nodePg))
			parent.setKeyAt(idx, node.keyAt(0))
		} else {
			left := asInternal(leftPg)
			promoted := left.keyAt(left.size() - 1)
			if err := left.moveLastToFrontOf(asInternal(nodePg), parent.keyAt(idx), t.bpm); err != nil {
				release(leftPg, true)
				release(nodePg, true)
				return false, err
			}
			parent.setKeyAt(idx, promoted)
		}
		release(leftPg, true)
		release(nodePg, true)
		return false, nil
	}

	if idx+1 < parent.size() {
		pg, err := t.bpm.FetchPage(parent.childAt(idx + 1))
		if err != nil {
			if leftPg != nil {
				release(leftPg, false)
			}
			release(nodePg, true)
			return false, err
		}
		pg.Latch.Lock()
		rightPg = pg
	}

	// Borrow from the right sibling.
	if rightPg != nil && asNode(rightPg).size() > asNode(rightPg).minSize() {
		if leftPg != nil {
			release(leftPg, false)
		}
		if isLeaf {
			asLeaf(rightPg).moveFirstToEndOf(asLeaf(nodePg))
			parent.setKeyAt(idx+1, asLeaf(rightPg).keyAt(0))
		} else {
			right := asInternal(rightPg)
			promoted := right.keyAt(1)
			if err := right.moveFirstToEndOf(asInternal(nodePg), parent.keyAt(idx+1), t.bpm); err != nil {
				release(rightPg, true)
				release(nodePg, true)
				return false, err
			}
			parent.setKeyAt(idx+1, promoted)
		}
		release(rightPg, true)
		release(nodePg, true)
		return false, nil
	}

	// No sibling can spare: merge. Prefer folding this node into its left
	// sibling; the leftmost node instead absorbs its right sibling.
	if leftPg != nil {
		if rightPg != nil {
			release(rightPg, false)
		}
		var err error
		if isLeaf {
			asLeaf(nodePg).moveAllTo(asLeaf(leftPg))
		} else {
			err = asInternal(nodePg).moveAllTo(asInternal(leftPg), parent.keyAt(idx), t.bpm)
		}
		release(leftPg, true)
		pid := nodePg.ID()
		release(nodePg, false)
		if err != nil {
			return false, err
		}
		t.bpm.DeletePage(pid)
		parent.removeAt(idx)
		return true, nil
	}

	common.Assert(rightPg != nil, "node %d has no siblings under parent %d", node.id(), parent.id())
	var err error
	if isLeaf {
		asLeaf(rightPg).moveAllTo(asLeaf(nodePg))
	} else {
		err = asInternal(rightPg).moveAllTo(asInternal(nodePg), parent.keyAt(idx+1), t.bpm)
	}
	pid := rightPg.ID()
	release(rightPg, false)
	release(nodePg, true)
	if err != nil {
		return false, err
	}
	t.bpm.DeletePage(pid)
	parent.removeAt(idx + 1)
	return true, nil
}
