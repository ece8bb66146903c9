// Package concurrency implements two-phase locking over tables and rows:
// transactions, a hierarchical lock manager with five modes, and background
// deadlock detection over the waits-for graph.
package concurrency

import (
	"fmt"
	"sync"

	"mit.edu/dsg/minibase/common"
)

// TransactionState tracks where a transaction is in its two-phase lifecycle.
type TransactionState int

const (
	// Growing transactions may acquire locks.
	Growing TransactionState = iota
	// Shrinking transactions have released an S/X lock and (depending on the
	// isolation level) may no longer acquire new ones.
	Shrinking
	Committed
	Aborted
)

func (s TransactionState) String() string {
	switch s {
	case Growing:
		return "GROWING"
	case Shrinking:
		return "SHRINKING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	}
	return "unknown"
}

// IsolationLevel selects which anomalies a transaction tolerates, which in
// turn drives the lock manager's acquisition and release policing.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	case ReadCommitted:
		return "READ_COMMITTED"
	case RepeatableRead:
		return "REPEATABLE_READ"
	}
	return "unknown"
}

// LockMode is one of the five modes of the standard multi-granularity
// hierarchy.
type LockMode int

const (
	// Shared allows reading a resource; any number of holders may share it.
	Shared LockMode = iota
	// Exclusive allows modification and is incompatible with everything.
	Exclusive
	// IntentionShared signals the intent to take Shared locks below.
	IntentionShared
	// IntentionExclusive signals the intent to take Exclusive locks below.
	IntentionExclusive
	// SharedIntentionExclusive reads the whole resource while intending to
	// modify parts of it.
	SharedIntentionExclusive
)

// NumLockModes is the number of distinct lock modes.
const NumLockModes = 5

func (m LockMode) String() string {
	switch m {
	case Shared:
		return "S"
	case Exclusive:
		return "X"
	case IntentionShared:
		return "IS"
	case IntentionExclusive:
		return "IX"
	case SharedIntentionExclusive:
		return "SIX"
	}
	return "unknown"
}

// AbortReason enumerates why the lock manager killed a transaction.
type AbortReason int

const (
	UpgradeConflict AbortReason = iota
	IncompatibleUpgrade
	LockOnShrinking
	LockSharedOnReadUncommitted
	AttemptedUnlockButNoLockHeld
	TableUnlockedBeforeUnlockingRows
	TableLockNotPresent
	AttemptedIntentionLockOnRow
	Deadlock
)

func (r AbortReason) String() string {
	switch r {
	case UpgradeConflict:
		return "UPGRADE_CONFLICT"
	case IncompatibleUpgrade:
		return "INCOMPATIBLE_UPGRADE"
	case LockOnShrinking:
		return "LOCK_ON_SHRINKING"
	case LockSharedOnReadUncommitted:
		return "LOCK_SHARED_ON_READ_UNCOMMITTED"
	case AttemptedUnlockButNoLockHeld:
		return "ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD"
	case TableUnlockedBeforeUnlockingRows:
		return "TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS"
	case TableLockNotPresent:
		return "TABLE_LOCK_NOT_PRESENT"
	case AttemptedIntentionLockOnRow:
		return "ATTEMPTED_INTENTION_LOCK_ON_ROW"
	case Deadlock:
		return "DEADLOCK"
	}
	return "unknown"
}

// TxnAbortError is raised on every abort path out of the lock manager. The
// transaction's state is set to Aborted before the error is returned, so the
// caller's cleanup always observes the final state.
type TxnAbortError struct {
	TxnID  common.TransactionID
	Reason AbortReason
}

func (e *TxnAbortError) Error() string {
	return fmt.Sprintf("transaction %d aborted: %s", e.TxnID, e.Reason)
}

// Transaction is the runtime state of one transaction: its two-phase state,
// isolation level, and the bookkeeping of which locks it holds. The lock
// manager is the only mutator of the lock sets.
type Transaction struct {
	mu        sync.Mutex
	id        common.TransactionID
	isolation IsolationLevel
	state     TransactionState

	// tableLocks[mode] is the set of tables locked in that mode.
	tableLocks [NumLockModes]map[common.TableOID]struct{}
	// sharedRows and exclusiveRows group held row locks by table.
	sharedRows    map[common.TableOID]map[common.RecordID]struct{}
	exclusiveRows map[common.TableOID]map[common.RecordID]struct{}
}

func newTransaction() *Transaction {
	txn := &Transaction{}
	for m := range txn.tableLocks {
		txn.tableLocks[m] = make(map[common.TableOID]struct{})
	}
	txn.sharedRows = make(map[common.TableOID]map[common.RecordID]struct{})
	txn.exclusiveRows = make(map[common.TableOID]map[common.RecordID]struct{})
	txn.reset(common.InvalidTransactionID, ReadCommitted)
	return txn
}

// reset clears the transaction for reuse from the pool.
func (txn *Transaction) reset(id common.TransactionID, isolation IsolationLevel) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.id = id
	txn.isolation = isolation
	txn.state = Growing
	for m := range txn.tableLocks {
		clear(txn.tableLocks[m])
	}
	clear(txn.sharedRows)
	clear(txn.exclusiveRows)
}

// ID returns the transaction id.
func (txn *Transaction) ID() common.TransactionID { return txn.id }

// Isolation returns the isolation level the transaction runs under.
func (txn *Transaction) Isolation() IsolationLevel { return txn.isolation }

// State returns the current lifecycle state.
func (txn *Transaction) State() TransactionState {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.state
}

// SetState transitions the lifecycle state.
func (txn *Transaction) SetState(s TransactionState) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.state = s
}

// HoldsTableLock reports whether the transaction holds the table in exactly
// the given mode.
func (txn *Transaction) HoldsTableLock(oid common.TableOID, mode LockMode) bool {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	_, ok := txn.tableLocks[mode][oid]
	return ok
}

// HoldsRowLock reports whether the transaction holds the row in the given
// mode (Shared or Exclusive).
func (txn *Transaction) HoldsRowLock(oid common.TableOID, rid common.RecordID, mode LockMode) bool {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	rows := txn.rowSetLocked(mode)[oid]
	if rows == nil {
		return false
	}
	_, ok := rows[rid]
	return ok
}

func (txn *Transaction) rowSetLocked(mode LockMode) map[common.TableOID]map[common.RecordID]struct{} {
	switch mode {
	case Shared:
		return txn.sharedRows
	case Exclusive:
		return txn.exclusiveRows
	}
	panic("row locks are only Shared or Exclusive")
}

func (txn *Transaction) addTableLock(oid common.TableOID, mode LockMode) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.tableLocks[mode][oid] = struct{}{}
}

func (txn *Transaction) removeTableLock(oid common.TableOID, mode LockMode) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	delete(txn.tableLocks[mode], oid)
}

func (txn *Transaction) addRowLock(oid common.TableOID, rid common.RecordID, mode LockMode) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	set := txn.rowSetLocked(mode)
	if set[oid] == nil {
		set[oid] = make(map[common.RecordID]struct{})
	}
	set[oid][rid] = struct{}{}
}

func (txn *Transaction) removeRowLock(oid common.TableOID, rid common.RecordID, mode LockMode) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if rows := txn.rowSetLocked(mode)[oid]; rows != nil {
		delete(rows, rid)
	}
}

// hasRowLocksOn reports whether any row of the table is still locked.
func (txn *Transaction) hasRowLocksOn(oid common.TableOID) bool {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return len(txn.sharedRows[oid]) > 0 || len(txn.exclusiveRows[oid]) > 0
}

// heldTableMode returns the mode the transaction holds the table in, if any.
func (txn *Transaction) heldTableMode(oid common.TableOID) (LockMode, bool) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	for m := range txn.tableLocks {
		if _, ok := txn.tableLocks[m][oid]; ok {
			return LockMode(m), true
		}
	}
	return 0, false
}

// snapshotLocks copies the held lock sets for release at commit/abort.
func (txn *Transaction) snapshotLocks() (tables map[common.TableOID]struct{}, rows map[common.TableOID][]common.RecordID) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	tables = make(map[common.TableOID]struct{})
	for m := range txn.tableLocks {
		for oid := range txn.tableLocks[m] {
			tables[oid] = struct{}{}
		}
	}
	rows = make(map[common.TableOID][]common.RecordID)
	for _, set := range []map[common.TableOID]map[common.RecordID]struct{}{txn.sharedRows, txn.exclusiveRows} {
		for oid, rids := range set {
			for rid := range rids {
				rows[oid] = append(rows[oid], rid)
			}
		}
	}
	return tables, rows
}
