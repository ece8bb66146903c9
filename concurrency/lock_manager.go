package concurrency

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/minibase/common"
)

// compatibilityMatrix[req][held] reports whether a requested mode can be
// granted alongside a held mode.
var compatibilityMatrix = [NumLockModes][NumLockModes]bool{
	//              S      X      IS     IX     SIX
	/* S   */ {true, false, true, false, false},
	/* X   */ {false, false, false, false, false},
	/* IS  */ {true, false, true, true, true},
	/* IX  */ {false, false, true, true, false},
	/* SIX */ {false, false, true, false, false},
}

// Compatible reports whether req can coexist with held.
func Compatible(req, held LockMode) bool {
	return compatibilityMatrix[req][held]
}

// Upgradeable reports whether a held lock may be upgraded to the requested
// mode. The allowed upgrades are IS->{S,X,SIX}, S->{X,SIX}, IX->{X,SIX},
// SIX->{X}.
func Upgradeable(held, req LockMode) bool {
	switch held {
	case IntentionShared:
		return req == Shared || req == Exclusive || req == SharedIntentionExclusive
	case Shared, IntentionExclusive:
		return req == Exclusive || req == SharedIntentionExclusive
	case SharedIntentionExclusive:
		return req == Exclusive
	default: // Exclusive cannot upgrade
		return false
	}
}

// waiterWakeInterval bounds how long a blocked waiter sleeps before
// re-checking grantability and the deadlock victim flag.
const waiterWakeInterval = 2 * time.Millisecond

// DefaultDeadlockInterval is how often the background detector scans the
// waits-for graph unless configured otherwise.
const DefaultDeadlockInterval = 50 * time.Millisecond

type lockRequest struct {
	txnID   common.TransactionID
	mode    LockMode
	granted bool
}

// lockRequestQueue holds the requests against one lockable object. At most
// one transaction may be upgrading at a time; while one is, every other
// waiter defers to it.
type lockRequestQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  []*lockRequest
	upgrading common.TransactionID
}

func newLockRequestQueue() *lockRequestQueue {
	q := &lockRequestQueue{upgrading: common.InvalidTransactionID}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// find returns the transaction's request in the queue, if any. Callers hold
// the queue latch.
func (q *lockRequestQueue) find(txnID common.TransactionID) *lockRequest {
	for _, r := range q.requests {
		if r.txnID == txnID {
			return r
		}
	}
	return nil
}

func (q *lockRequestQueue) remove(txnID common.TransactionID) {
	for i, r := range q.requests {
		if r.txnID == txnID {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

// blockers returns the ids of every other transaction whose granted request
// is incompatible with the given mode.
func (q *lockRequestQueue) blockers(txnID common.TransactionID, mode LockMode) []common.TransactionID {
	var out []common.TransactionID
	for _, r := range q.requests {
		if r.granted && r.txnID != txnID && !Compatible(mode, r.mode) {
			out = append(out, r.txnID)
		}
	}
	return out
}

func (q *lockRequestQueue) blocked(txnID common.TransactionID, mode LockMode) bool {
	for _, r := range q.requests {
		if r.granted && r.txnID != txnID && !Compatible(mode, r.mode) {
			return true
		}
	}
	return false
}

// waitTimeout blocks on the queue's condition variable for at most d, so a
// waiter always gets a chance to re-check the deadlock victim flag even if
// no notification arrives.
func (q *lockRequestQueue) waitTimeout(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	q.cond.Wait()
	timer.Stop()
}

// LockManager grants table and row locks to transactions, enforcing the
// multi-granularity hierarchy, the isolation level's acquisition rules, and
// upgrade semantics. Blocked acquisitions wait on the per-object queue until
// compatible, or until the deadlock detector names them as a victim.
type LockManager struct {
	tableQueues *xsync.MapOf[common.TableOID, *lockRequestQueue]
	rowQueues   *xsync.MapOf[common.RecordID, *lockRequestQueue]
	waits       *waitsForGraph

	// terminate publishes the id of the transaction the deadlock detector
	// chose as victim; the victim clears it when it observes the sentence.
	terminate atomic.Int64
	detecting atomic.Bool
	detector  sync.WaitGroup
}

// NewLockManager creates a lock manager with no active locks.
func NewLockManager() *LockManager {
	lm := &LockManager{
		tableQueues: xsync.NewMapOf[common.TableOID, *lockRequestQueue](),
		rowQueues:   xsync.NewMapOf[common.RecordID, *lockRequestQueue](),
		waits:       newWaitsForGraph(),
	}
	lm.terminate.Store(int64(common.InvalidTransactionID))
	return lm
}

// abort marks the transaction aborted and returns the structured error. The
// state is set before returning so the caller's cleanup sees it.
func (lm *LockManager) abort(txn *Transaction, reason AbortReason) error {
	txn.SetState(Aborted)
	return &TxnAbortError{TxnID: txn.ID(), Reason: reason}
}

// validate enforces the row-mode restriction and the isolation level's
// acquisition policy.
func (lm *LockManager) validate(txn *Transaction, mode LockMode, isRow bool) error {
	if isRow && mode != Shared && mode != Exclusive {
		return lm.abort(txn, AttemptedIntentionLockOnRow)
	}
	state := txn.State()
	switch txn.Isolation() {
	case RepeatableRead:
		if state == Shrinking {
			return lm.abort(txn, LockOnShrinking)
		}
	case ReadCommitted:
		if state == Shrinking && mode != Shared && mode != IntentionShared {
			return lm.abort(txn, LockOnShrinking)
		}
	case ReadUncommitted:
		if mode == Shared || mode == IntentionShared || mode == SharedIntentionExclusive {
			return lm.abort(txn, LockSharedOnReadUncommitted)
		}
		if state == Shrinking {
			return lm.abort(txn, LockOnShrinking)
		}
	}
	return nil
}

// waitForGrant blocks until the request may be granted. Grantability is
// recomputed on every wakeup: the request proceeds once no other granted
// request is incompatible with it, and while an upgrade is pending only the
// upgrading transaction may proceed. While blocked, the waiter keeps its
// waits-for edges pointing at its current blockers and re-checks whether the
// detector has sentenced it. Called and returns with the queue latch held.
func (lm *LockManager) waitForGrant(txn *Transaction, q *lockRequestQueue, mode LockMode) error {
	for {
		if common.TransactionID(lm.terminate.Load()) == txn.ID() {
			if q.upgrading == txn.ID() {
				// The upgrade never happened; the old granted request (and
				// the old mode) stay in place for abort cleanup to release.
				q.upgrading = common.InvalidTransactionID
			} else {
				q.remove(txn.ID())
			}
			lm.waits.RemoveTxn(txn.ID())
			lm.terminate.Store(int64(common.InvalidTransactionID))
			txn.SetState(Aborted)
			// Peers blocked behind the victim must re-evaluate.
			q.cond.Broadcast()
			return &TxnAbortError{TxnID: txn.ID(), Reason: Deadlock}
		}

		if q.upgrading != common.InvalidTransactionID {
			if q.upgrading == txn.ID() && !q.blocked(txn.ID(), mode) {
				lm.waits.RemoveTxn(txn.ID())
				return nil
			}
		} else if !q.blocked(txn.ID(), mode) {
			lm.waits.RemoveTxn(txn.ID())
			return nil
		}

		lm.waits.SetEdges(txn.ID(), q.blockers(txn.ID(), mode))
		q.waitTimeout(waiterWakeInterval)
	}
}

// LockTable acquires (or upgrades to) the given mode on the table, blocking
// until granted. Policy violations and deadlock sentences abort the
// transaction with a TxnAbortError.
func (lm *LockManager) LockTable(txn *Transaction, mode LockMode, oid common.TableOID) error {
	if err := lm.validate(txn, mode, false); err != nil {
		return err
	}
	q, _ := lm.tableQueues.LoadOrCompute(oid, newLockRequestQueue)

	q.mu.Lock()
	req := q.find(txn.ID())
	upgrade := false
	var oldMode LockMode
	if req != nil {
		common.Assert(req.granted, "transaction %d re-locking while still waiting", txn.ID())
		if req.mode == mode {
			q.mu.Unlock()
			return nil
		}
		if q.upgrading != common.InvalidTransactionID {
			q.mu.Unlock()
			return lm.abort(txn, UpgradeConflict)
		}
		if !Upgradeable(req.mode, mode) {
			q.mu.Unlock()
			return lm.abort(txn, IncompatibleUpgrade)
		}
		q.upgrading = txn.ID()
		upgrade = true
		oldMode = req.mode
	} else {
		req = &lockRequest{txnID: txn.ID(), mode: mode}
		q.requests = append(q.requests, req)
	}

	if err := lm.waitForGrant(txn, q, mode); err != nil {
		q.mu.Unlock()
		return err
	}

	if upgrade {
		txn.removeTableLock(oid, oldMode)
		q.upgrading = common.InvalidTransactionID
	}
	req.mode = mode
	req.granted = true
	txn.addTableLock(oid, mode)
	q.mu.Unlock()
	return nil
}

// UnlockTable releases the transaction's table lock, waking the queue and
// possibly moving the transaction into its shrinking phase. Every row lock
// on the table must already be released.
func (lm *LockManager) UnlockTable(txn *Transaction, oid common.TableOID) error {
	q, ok := lm.tableQueues.Load(oid)
	if !ok {
		return lm.abort(txn, AttemptedUnlockButNoLockHeld)
	}

	q.mu.Lock()
	req := q.find(txn.ID())
	if req == nil || !req.granted {
		q.mu.Unlock()
		return lm.abort(txn, AttemptedUnlockButNoLockHeld)
	}
	if txn.hasRowLocksOn(oid) {
		q.mu.Unlock()
		return lm.abort(txn, TableUnlockedBeforeUnlockingRows)
	}
	q.remove(txn.ID())
	txn.removeTableLock(oid, req.mode)
	lm.updateStateOnUnlock(txn, req.mode)
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

// LockRow acquires (or upgrades to) a Shared or Exclusive lock on the row.
// The transaction must already hold an appropriate table lock: any mode for
// a Shared row lock, one of {IX, X, SIX} for an Exclusive one.
func (lm *LockManager) LockRow(txn *Transaction, mode LockMode, oid common.TableOID, rid common.RecordID) error {
	if err := lm.validate(txn, mode, true); err != nil {
		return err
	}
	held, ok := txn.heldTableMode(oid)
	if !ok {
		return lm.abort(txn, TableLockNotPresent)
	}
	if mode == Exclusive &&
		held != IntentionExclusive && held != Exclusive && held != SharedIntentionExclusive {
		return lm.abort(txn, TableLockNotPresent)
	}

	q, _ := lm.rowQueues.LoadOrCompute(rid, newLockRequestQueue)

	q.mu.Lock()
	req := q.find(txn.ID())
	upgrade := false
	var oldMode LockMode
	if req != nil {
		common.Assert(req.granted, "transaction %d re-locking while still waiting", txn.ID())
		if req.mode == mode {
			q.mu.Unlock()
			return nil
		}
		if q.upgrading != common.InvalidTransactionID {
			q.mu.Unlock()
			return lm.abort(txn, UpgradeConflict)
		}
		if !Upgradeable(req.mode, mode) {
			q.mu.Unlock()
			return lm.abort(txn, IncompatibleUpgrade)
		}
		q.upgrading = txn.ID()
		upgrade = true
		oldMode = req.mode
	} else {
		req = &lockRequest{txnID: txn.ID(), mode: mode}
		q.requests = append(q.requests, req)
	}

	if err := lm.waitForGrant(txn, q, mode); err != nil {
		q.mu.Unlock()
		return err
	}

	if upgrade {
		txn.removeRowLock(oid, rid, oldMode)
		q.upgrading = common.InvalidTransactionID
	}
	req.mode = mode
	req.granted = true
	txn.addRowLock(oid, rid, mode)
	q.mu.Unlock()
	return nil
}

// UnlockRow releases the transaction's lock on the row.
func (lm *LockManager) UnlockRow(txn *Transaction, oid common.TableOID, rid common.RecordID) error {
	q, ok := lm.rowQueues.Load(rid)
	if !ok {
		return lm.abort(txn, AttemptedUnlockButNoLockHeld)
	}

	q.mu.Lock()
	req := q.find(txn.ID())
	if req == nil || !req.granted {
		q.mu.Unlock()
		return lm.abort(txn, AttemptedUnlockButNoLockHeld)
	}
	q.remove(txn.ID())
	txn.removeRowLock(oid, rid, req.mode)
	lm.updateStateOnUnlock(txn, req.mode)
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

// updateStateOnUnlock applies the isolation level's shrinking rule. Only S
// and X releases affect the transaction state, and completed transactions
// are left alone.
func (lm *LockManager) updateStateOnUnlock(txn *Transaction, mode LockMode) {
	switch txn.State() {
	case Committed, Aborted:
		return
	}
	if mode != Shared && mode != Exclusive {
		return
	}
	switch txn.Isolation() {
	case RepeatableRead:
		txn.SetState(Shrinking)
	case ReadCommitted:
		if mode == Exclusive {
			txn.SetState(Shrinking)
		}
	case ReadUncommitted:
		common.Assert(mode == Exclusive, "S lock released under READ_UNCOMMITTED")
		txn.SetState(Shrinking)
	}
}

// WaitsForEdges returns a sorted snapshot of the waits-for graph, mainly for
// tests and debugging.
func (lm *LockManager) WaitsForEdges() [][2]common.TransactionID {
	return lm.waits.EdgeList()
}

// StartDeadlockDetection launches the background cycle detector, scanning
// every interval. A second call while running is a no-op.
func (lm *LockManager) StartDeadlockDetection(interval time.Duration) {
	if !lm.detecting.CompareAndSwap(false, true) {
		return
	}
	lm.detector.Add(1)
	go func() {
		defer lm.detector.Done()
		lm.runCycleDetection(interval)
	}()
}

// StopDeadlockDetection stops the detector and waits for it to exit.
func (lm *LockManager) StopDeadlockDetection() {
	lm.detecting.Store(false)
	lm.detector.Wait()
}

// runCycleDetection periodically searches the waits-for graph. When a
// deadlock is found the victim's id is published and every queue notified so
// the victim (and anyone blocked behind it) re-evaluates promptly.
func (lm *LockManager) runCycleDetection(interval time.Duration) {
	for lm.detecting.Load() {
		time.Sleep(interval)
		victim, found := lm.waits.FindVictim()
		if !found {
			continue
		}
		lm.terminate.Store(int64(victim))
		lm.broadcastAll()
	}
}

func (lm *LockManager) broadcastAll() {
	wake := func(q *lockRequestQueue) {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
	lm.tableQueues.Range(func(_ common.TableOID, q *lockRequestQueue) bool {
		wake(q)
		return true
	})
	lm.rowQueues.Range(func(_ common.RecordID, q *lockRequestQueue) bool {
		wake(q)
		return true
	})
}
