// Package index implements a disk-backed B+-tree mapping fixed-width integer
// keys to record ids. Tree pages live in the buffer pool; the tree never
// holds child pointers in memory, only page ids resolved through the pool.
package index

import (
	"encoding/binary"

	"mit.edu/dsg/minibase/common"
	"mit.edu/dsg/minibase/storage"
)

// Key is a fixed-width (8 byte) index key.
type Key int64

// pageKind discriminates the two node layouts sharing the common header.
type pageKind uint32

const (
	kindInvalid pageKind = iota
	kindLeaf
	kindInternal
)

// Common node header layout. All fields are little-endian uint32.
//
//	offset 0:  page kind
//	offset 4:  size (leaf: number of pairs; internal: number of children)
//	offset 8:  max size
//	offset 12: parent page id
//	offset 16: own page id
//	offset 20: next leaf page id (leaf only; internal pages leave it unused)
//	offset 24: pairs
//
// Each pair occupies 16 bytes: the key in the first 8, the value (a RecordID
// for leaves, a child page id for internals) in the remaining 8.
const (
	offKind      = 0
	offSize      = 4
	offMaxSize   = 8
	offParent    = 12
	offSelf      = 16
	offNext      = 20
	nodeHeader   = 24
	pairSize     = 16
	pairCapacity = (common.PageSize - nodeHeader) / pairSize
)

// DefaultMaxSize is the largest fan-out a node can be configured with. One
// slot of slack is reserved because a full internal page briefly holds one
// extra entry while being split.
const DefaultMaxSize = pairCapacity - 1

func u32At(b []byte) uint32       { return binary.LittleEndian.Uint32(b) }
func putU32At(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

// nodePage provides the header accessors shared by leaf and internal pages.
// All accessors assume the caller holds the page latch.
type nodePage struct {
	page *storage.Page
}

func asNode(page *storage.Page) nodePage { return nodePage{page: page} }

func (n nodePage) u32(off int) uint32 {
	return binary.LittleEndian.Uint32(n.page.Data()[off:])
}

func (n nodePage) setU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(n.page.Data()[off:], v)
}

func (n nodePage) kind() pageKind { return pageKind(n.u32(offKind)) }
func (n nodePage) isLeaf() bool   { return n.kind() == kindLeaf }
func (n nodePage) size() int      { return int(n.u32(offSize)) }
func (n nodePage) setSize(s int)  { n.setU32(offSize, uint32(s)) }
func (n nodePage) maxSize() int   { return int(n.u32(offMaxSize)) }
func (n nodePage) id() common.PageID {
	return common.PageID(int32(n.u32(offSelf)))
}

func (n nodePage) parent() common.PageID {
	return common.PageID(int32(n.u32(offParent)))
}

func (n nodePage) setParent(pid common.PageID) {
	n.setU32(offParent, uint32(int32(pid)))
}

func (n nodePage) isRoot() bool { return !n.parent().IsValid() }

func (n nodePage) keyAt(i int) Key {
	off := nodeHeader + i*pairSize
	return Key(binary.LittleEndian.Uint64(n.page.Data()[off:]))
}

func (n nodePage) setKeyAt(i int, k Key) {
	off := nodeHeader + i*pairSize
	binary.LittleEndian.PutUint64(n.page.Data()[off:], uint64(k))
}

// pairBytes returns the 16-byte slice backing pair i.
func (n nodePage) pairBytes(i int) []byte {
	off := nodeHeader + i*pairSize
	return n.page.Data()[off : off+pairSize]
}

// shiftRight opens a hole at index i by moving pairs [i, size) one slot up.
func (n nodePage) shiftRight(i int) {
	data := n.page.Data()
	start := nodeHeader + i*pairSize
	end := nodeHeader + n.size()*pairSize
	copy(data[start+pairSize:end+pairSize], data[start:end])
}

// shiftLeft closes the hole at index i by moving pairs (i, size) one slot
// down.
func (n nodePage) shiftLeft(i int) {
	data := n.page.Data()
	start := nodeHeader + (i+1)*pairSize
	end := nodeHeader + n.size()*pairSize
	copy(data[start-pairSize:end-pairSize], data[start:end])
}

// minSize is the smallest legal occupancy of a non-root node.
func (n nodePage) minSize() int { return (n.maxSize() + 1) / 2 }

func initNode(page *storage.Page, kind pageKind, parent common.PageID, maxSize int) {
	common.Assert(maxSize > 1 && maxSize <= DefaultMaxSize, "fan-out %d out of range", maxSize)
	n := asNode(page)
	n.setU32(offKind, uint32(kind))
	n.setSize(0)
	n.setU32(offMaxSize, uint32(maxSize))
	n.setParent(parent)
	n.setU32(offSelf, uint32(int32(page.ID())))
	invalid := common.InvalidPageID
	n.setU32(offNext, uint32(int32(invalid)))
}
