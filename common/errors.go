package common

import "fmt"

type DBErrorCode int

const (
	// DuplicateObjectError indicates an attempt to create a table or index
	// that already exists in the catalog.
	DuplicateObjectError DBErrorCode = iota
	// NoSuchObjectError indicates a request for a table or index that does
	// not exist in the catalog.
	NoSuchObjectError
	// BufferPoolFullError is returned when every frame in the buffer pool is
	// pinned and no victim can be evicted. Callers may retry once pins drain.
	BufferPoolFullError
	// HashBucketFullError is returned by the extendible hash table when a
	// bucket cannot be split any further because its entries hash
	// identically beyond the directory depth.
	HashBucketFullError
	// DeadlockError names a deadlock abort. The lock manager does not return
	// it: a deadlock victim receives a concurrency.TxnAbortError whose Reason
	// is Deadlock.
	DeadlockError
)

func (ec DBErrorCode) String() string {
	switch ec {
	case DuplicateObjectError:
		return "DuplicateObjectError"
	case NoSuchObjectError:
		return "NoSuchObjectError"
	case BufferPoolFullError:
		return "BufferPoolFullError"
	case HashBucketFullError:
		return "HashBucketFullError"
	case DeadlockError:
		return "DeadlockError"
	}
	return "unknown"
}

// DBError is the custom error type for the database engine.
// It wraps a specific DBErrorCode with a detailed message.
//
// By implementing the built-in 'error' interface, it integrates seamlessly
// with Go's error handling while providing enough metadata for the
// database kernel to make architectural decisions (like retrying a fetch
// after pool exhaustion).
type DBError struct {
	Code      DBErrorCode
	ErrString string
}

func (e DBError) Error() string {
	return fmt.Sprintf("err: %s; msg: %s", e.Code.String(), e.ErrString)
}

// IsCode reports whether err is a DBError carrying the given code.
func IsCode(err error, code DBErrorCode) bool {
	dbe, ok := err.(DBError)
	return ok && dbe.Code == code
}
