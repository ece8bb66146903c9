package common

import (
	"encoding/binary"
	"fmt"
)

const (
	// PageSize is the fixed size of a disk page in bytes.
	PageSize int = 4096
	// StringLength is the fixed storage width of a string field (e.g., an
	// index name in the header page, or a string column).
	StringLength int = 32
	IntSize      int = 8
)

// PageID identifies a page within the database pagefile. Page ids are handed
// out monotonically by the DiskManager and are never recycled within a run.
type PageID int32

const (
	// InvalidPageID marks an unused frame or a missing link.
	InvalidPageID PageID = -1
	// HeaderPageID is the reserved first page of the pagefile, holding
	// {index name -> root page id} records.
	HeaderPageID PageID = 0
)

// IsValid reports whether the PageID refers to an allocated page.
func (p PageID) IsValid() bool { return p >= 0 }

func (p PageID) String() string { return fmt.Sprintf("Page(%d)", int32(p)) }

// FrameID identifies an in-memory buffer pool slot, in [0, poolSize).
type FrameID int32

const InvalidFrameID FrameID = -1

// TableOID is a unique identifier for a table in the catalog.
type TableOID uint32

const InvalidTableOID TableOID = 0

// RecordID identifies a specific tuple (row) via its page and slot index.
type RecordID struct {
	PageID PageID
	Slot   int32
}

// RecordIDSize is the serialized size of a RecordID (PageID (4) + Slot (4)).
const RecordIDSize = 8

func (r *RecordID) String() string {
	return fmt.Sprintf("rid(%d, %d)", int32(r.PageID), r.Slot)
}

// WriteTo serializes the RecordID into the provided buffer. The buffer must
// be large enough to hold a RecordID.
func (r *RecordID) WriteTo(data []byte) {
	if len(data) < RecordIDSize {
		panic("buffer too small")
	}
	binary.LittleEndian.PutUint32(data, uint32(r.PageID))
	binary.LittleEndian.PutUint32(data[4:], uint32(r.Slot))
}

// LoadFrom deserializes a RecordID from the provided buffer.
func (r *RecordID) LoadFrom(data []byte) {
	if len(data) < RecordIDSize {
		panic("buffer too small")
	}
	r.PageID = PageID(binary.LittleEndian.Uint32(data))
	r.Slot = int32(binary.LittleEndian.Uint32(data[4:]))
}

// TransactionID identifies a transaction. Ids are monotonic, so a larger id
// always belongs to a younger transaction.
type TransactionID int64

const InvalidTransactionID TransactionID = -1

// Type is the type of a column in a table schema.
type Type int8

const (
	// For uninitialized values
	DefaultType Type = iota
	IntType
	StringType
)

// Size returns the fixed-width storage size of the type in bytes.
func (t Type) Size() int {
	switch t {
	case IntType:
		return IntSize
	case StringType:
		return StringLength
	default:
		panic("unknown type")
	}
}

func (t Type) String() string {
	switch t {
	case IntType:
		return "int"
	case StringType:
		return "string"
	}
	return "unknown"
}
