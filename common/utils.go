package common

import "fmt"

// Assert checks a condition and panics if it is false.
//
// Assertions are reserved for internal invariants: truths about the system
// state that must always hold (a negative pin count, a hash directory entry
// pointing nowhere, a B+-tree child whose parent link drifted). Continuing
// past a broken invariant in a database risks persisting corrupted data, so
// we crash instead. User input and I/O failures return errors as usual.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
