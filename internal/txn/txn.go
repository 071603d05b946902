// Package txn gives every command an all-or-nothing unit of work.
//
// Components mutate their in-memory state directly and register an undo
// closure for every mutation. Logs are buffered on the transaction and only
// handed back to the caller when the whole command succeeded.
package txn

import "LendLedger/internal/ledger"

// Tx is the unit of work for one command. It is not safe for concurrent use;
// the processor applies one command at a time.
type Tx struct {
	now    int64
	undo   []func()
	logs   []ledger.Log
	closed bool
}

// New starts a transaction at the given unix second.
func New(now int64) *Tx {
	return &Tx{now: now}
}

// Now is the block time of the command in unix seconds.
func (tx *Tx) Now() int64 {
	return tx.now
}

// OnRollback registers fn to run if the transaction is rolled back.
func (tx *Tx) OnRollback(fn func()) {
	tx.undo = append(tx.undo, fn)
}

// Emit buffers a protocol log.
func (tx *Tx) Emit(l ledger.Log) {
	tx.logs = append(tx.logs, l)
}

// Logs returns the logs emitted so far.
func (tx *Tx) Logs() []ledger.Log {
	return tx.logs
}

// Rollback undoes every recorded mutation in reverse order.
func (tx *Tx) Rollback() {
	if tx.closed {
		return
	}
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.logs = nil
	tx.closed = true
}

// Commit drops the undo journal and returns the buffered logs.
func (tx *Tx) Commit() []ledger.Log {
	logs := tx.logs
	tx.undo = nil
	tx.logs = nil
	tx.closed = true
	return logs
}

// Run executes fn inside a fresh transaction. On error or panic every
// mutation fn made is undone and no logs are returned. A panic is re-raised
// after the rollback.
func Run(now int64, fn func(tx *Tx) error) (logs []ledger.Log, err error) {
	tx := New(now)
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return nil, err
	}
	return tx.Commit(), nil
}

// Set assigns v to *p and restores the previous value on rollback.
func Set[T any](tx *Tx, p *T, v T) {
	prev := *p
	tx.OnRollback(func() { *p = prev })
	*p = v
}

// SetMap assigns m[k] = v and restores the previous entry (or its absence)
// on rollback.
func SetMap[K comparable, V any](tx *Tx, m map[K]V, k K, v V) {
	prev, existed := m[k]
	tx.OnRollback(func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

// DeleteMap removes m[k] and restores it on rollback.
func DeleteMap[K comparable, V any](tx *Tx, m map[K]V, k K) {
	prev, existed := m[k]
	if !existed {
		return
	}
	tx.OnRollback(func() { m[k] = prev })
	delete(m, k)
}
