package index

import (
	"bytes"
	"encoding/binary"

	"mit.edu/dsg/minibase/common"
	"mit.edu/dsg/minibase/storage"
)

// headerPage is a view over the reserved page 0 of the pagefile. It stores
// {index name -> root page id} records so trees can reattach to their roots
// across restarts. Names are fixed-width, zero-padded.
//
// Layout: a uint32 record count at offset 0, records from offset 8, each
// record being name (StringLength bytes) + root page id (4) + 4 bytes pad.
type headerPage struct {
	page *storage.Page
}

const (
	headerCountOff   = 0
	headerRecordsOff = 8
	headerRecordSize = common.StringLength + 8
	headerMaxRecords = (common.PageSize - headerRecordsOff) / headerRecordSize
)

func asHeader(page *storage.Page) headerPage {
	common.Assert(page.ID() == common.HeaderPageID, "page %d is not the header page", page.ID())
	return headerPage{page: page}
}

func (h headerPage) count() int {
	return int(binary.LittleEndian.Uint32(h.page.Data()[headerCountOff:]))
}

func (h headerPage) setCount(n int) {
	binary.LittleEndian.PutUint32(h.page.Data()[headerCountOff:], uint32(n))
}

func (h headerPage) recordName(i int) []byte {
	off := headerRecordsOff + i*headerRecordSize
	return h.page.Data()[off : off+common.StringLength]
}

func (h headerPage) recordRoot(i int) common.PageID {
	off := headerRecordsOff + i*headerRecordSize + common.StringLength
	return common.PageID(int32(binary.LittleEndian.Uint32(h.page.Data()[off:])))
}

func (h headerPage) setRecordRoot(i int, pid common.PageID) {
	off := headerRecordsOff + i*headerRecordSize + common.StringLength
	binary.LittleEndian.PutUint32(h.page.Data()[off:], uint32(int32(pid)))
}

func (h headerPage) find(name string) int {
	padded := paddedName(name)
	for i := 0; i < h.count(); i++ {
		if bytes.Equal(h.recordName(i), padded[:]) {
			return i
		}
	}
	return -1
}

// getRoot looks up the root page id recorded for the named index.
func (h headerPage) getRoot(name string) (common.PageID, bool) {
	if i := h.find(name); i != -1 {
		return h.recordRoot(i), true
	}
	return common.InvalidPageID, false
}

// insertRecord adds a record for a new index. Returns false if the name is
// already taken.
func (h headerPage) insertRecord(name string, root common.PageID) bool {
	if h.find(name) != -1 {
		return false
	}
	n := h.count()
	common.Assert(n < headerMaxRecords, "header page full (%d indexes)", n)
	padded := paddedName(name)
	copy(h.recordName(n), padded[:])
	h.setRecordRoot(n, root)
	h.setCount(n + 1)
	return true
}

// updateRecord rewrites the root page id of an existing record.
func (h headerPage) updateRecord(name string, root common.PageID) bool {
	i := h.find(name)
	if i == -1 {
		return false
	}
	h.setRecordRoot(i, root)
	return true
}

func paddedName(name string) [common.StringLength]byte {
	common.Assert(len(name) > 0 && len(name) <= common.StringLength,
		"index name %q must be 1..%d bytes", name, common.StringLength)
	var out [common.StringLength]byte
	copy(out[:], name)
	return out
}
