package stm

import (
	"sync/atomic"
	"time"

	stmerrors "github.com/orizon-lang/orizon-stm/internal/errors"
	"github.com/orizon-lang/orizon-stm/internal/runtime/stm/stmlog"
)

// Commit makes the transaction's writes visible, or aborts it and returns
// ErrConflict when something it read has been overwritten since. It returns
// ErrHeapExhausted, also after aborting, if the surviving young objects do
// not fit in the old heap.
//
// Commits are serialized by the engine mutex. Under it the transaction waits
// for any inevitable transaction to finish, promotes its young survivors,
// validates its read set against the object versions and publishes every
// private copy with the next clock value.
func (tx *Txn) Commit() error {
	tx.check()
	tl, e := tx.tl, tx.e

	e.mu.Lock()
	e.world.parkLocked(tl)
	if tx.state != Inevitable {
		e.world.until(tl, e.inevitableDone, stmlog.WaitOtherInevitable, func() bool { return e.inevitable == nil })
	}

	if err := e.minorCollectLocked(tx); err != nil {
		cbs := tx.abortLocked(err)
		e.mu.Unlock()
		runCallbacks(cbs)
		return err
	}

	if tx.state != Inevitable {
		if r, ok := tx.validateLocked(); !ok {
			e.log.Contention(tx.seg.num, uint64(r), "commit")
			e.stats.conflicts.Add(1)
			cbs := tx.abortLocked(ErrConflict)
			e.mu.Unlock()
			runCallbacks(cbs)
			return ErrConflict
		}
	}

	// read-only transactions leave the clock alone
	wv := e.clock.Load()
	if len(tx.writeOrder) > 0 || len(tx.created) > 0 {
		wv++
		for _, r := range tx.writeOrder {
			c := tx.writes[r]
			w := e.oldWords(r)
			atomic.StoreUint64(&w[0], c[0]|lockBit)
			copyToOld(w, c)
			atomic.StoreUint64(&w[0], wv<<1)
		}
		for r := range tx.created {
			e.setHeader(r, wv<<1)
		}
		e.clock.Store(wv)
	}

	for _, w := range tx.seg.weakrefs {
		e.weakrefs[w] = struct{}{}
	}
	tx.seg.weakrefs = tx.seg.weakrefs[:0]

	inevitable := tx.state == Inevitable
	if inevitable {
		e.inevitable = nil
		e.inevitableDone.Broadcast()
		e.stats.inevitableCommits.Add(1)
	}
	e.stats.commits.Add(1)

	cbs := tl.onCommit.drain()
	tl.onAbort.reset()
	reads, writes, created := len(tx.reads), len(tx.writeOrder), len(tx.created)
	seg := tx.seg.num
	tx.finishLocked(Committed)
	needMajor := e.heapUsage() > e.majorThreshold
	e.mu.Unlock()

	e.log.Event(stmlog.TransactionCommit, seg).
		Uint64("version", wv).
		Int("reads", reads).
		Int("writes", writes).
		Int("created", created).
		Bool("inevitable", inevitable).
		Dur("duration", time.Since(tx.start)).
		Log("")

	runCallbacks(cbs)
	if needMajor {
		tl.collectIfNeeded()
	}
	return nil
}

// validateLocked checks every read against the current object headers. It
// returns the first stale object.
func (tx *Txn) validateLocked() (Ref, bool) {
	for r, ver := range tx.reads {
		h := tx.e.header(r)
		if h&lockBit != 0 || h>>1 != ver {
			return r, false
		}
	}
	return Null, true
}

// abortLocked discards the transaction: the committed heap is untouched, so
// dropping the private state is enough. It returns the abort callbacks, to be
// run once the mutex is released.
func (tx *Txn) abortLocked(cause error) []callback {
	if tx.state == Inevitable {
		stmerrors.Fatal("ABORT_INEVITABLE", "inevitable transaction (%s) cannot abort: %v", tx.reason, cause)
	}
	e, tl := tx.e, tx.tl
	for r := range tx.created {
		e.freeLocked(r)
	}
	tx.seg.resetNursery()
	tx.seg.weakrefs = tx.seg.weakrefs[:0]
	tl.restoreStack(tx.stackSnap)

	cbs := tl.onAbort.drain()
	tl.onCommit.reset()
	seg := tx.seg.num
	tx.finishLocked(Aborted)
	e.stats.aborts.Add(1)

	e.log.Event(stmlog.TransactionAbort, seg).
		Str("cause", causeCode(cause)).
		Int("callbacks", len(cbs)).
		Dur("duration", time.Since(tx.start)).
		Log("")
	return cbs
}

func (tx *Txn) finishLocked(s State) {
	tx.state = s
	tx.tl.last = s
	tx.tl.tx = nil
	tx.e.segments.Release(tx.tl)
	tx.reads, tx.writes, tx.writeOrder, tx.created = nil, nil, nil, nil
	tx.stackSnap = nil
}

func causeCode(err error) string {
	if se, ok := err.(*stmerrors.StandardError); ok {
		return se.Code
	}
	return err.Error()
}
