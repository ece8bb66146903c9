package concurrency

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/minibase/common"
)

// TransactionManager owns the transaction lifecycle: it hands out monotonic
// ids, tracks the active set, and releases a transaction's locks when it
// commits or aborts. Contexts are pooled and recycled.
type TransactionManager struct {
	activeTxns  *xsync.MapOf[common.TransactionID, *Transaction]
	lockManager *LockManager
	nextTxnID   atomic.Int64
	txnPool     sync.Pool
}

// NewTransactionManager creates a manager issuing ids starting at 1.
func NewTransactionManager(lockManager *LockManager) *TransactionManager {
	return &TransactionManager{
		activeTxns:  xsync.NewMapOf[common.TransactionID, *Transaction](),
		lockManager: lockManager,
		txnPool: sync.Pool{
			New: func() any { return newTransaction() },
		},
	}
}

// Begin starts a new transaction at the given isolation level.
func (tm *TransactionManager) Begin(isolation IsolationLevel) *Transaction {
	id := common.TransactionID(tm.nextTxnID.Add(1))
	txn := tm.txnPool.Get().(*Transaction)
	txn.reset(id, isolation)
	tm.activeTxns.Store(id, txn)
	return txn
}

// Get returns the active transaction with the given id, if any.
func (tm *TransactionManager) Get(id common.TransactionID) (*Transaction, bool) {
	return tm.activeTxns.Load(id)
}

// Commit completes the transaction and releases everything it holds.
func (tm *TransactionManager) Commit(txn *Transaction) {
	txn.SetState(Committed)
	tm.finish(txn)
}

// Abort rolls the transaction's lock state back and retires it. Safe to call
// on a transaction the deadlock detector already marked aborted.
func (tm *TransactionManager) Abort(txn *Transaction) {
	txn.SetState(Aborted)
	tm.finish(txn)
}

// finish releases all row locks, then all table locks (the hierarchy demands
// that order), and recycles the context.
func (tm *TransactionManager) finish(txn *Transaction) {
	tables, rows := txn.snapshotLocks()
	for oid, rids := range rows {
		for _, rid := range rids {
			_ = tm.lockManager.UnlockRow(txn, oid, rid)
		}
	}
	for oid := range tables {
		_ = tm.lockManager.UnlockTable(txn, oid)
	}
	tm.activeTxns.Delete(txn.ID())
	tm.txnPool.Put(txn)
}
