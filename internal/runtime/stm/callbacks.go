package stm

import (
	stmerrors "github.com/orizon-lang/orizon-stm/internal/errors"
)

type callback struct {
	key any
	fn  func(key any)
}

// callbackTable maps opaque keys to callbacks, keeping registration order.
type callbackTable struct {
	index   map[any]int
	entries []callback
}

func (t *callbackTable) set(key any, fn func(key any)) {
	if fn == nil {
		t.remove(key)
		return
	}
	if _, dup := t.index[key]; dup {
		stmerrors.Fatal("DUPLICATE_CALLBACK_KEY", "callback key %v registered twice", key)
	}
	if t.index == nil {
		t.index = make(map[any]int)
	}
	t.index[key] = len(t.entries)
	t.entries = append(t.entries, callback{key: key, fn: fn})
}

func (t *callbackTable) remove(key any) {
	i, ok := t.index[key]
	if !ok {
		return
	}
	delete(t.index, key)
	copy(t.entries[i:], t.entries[i+1:])
	t.entries[len(t.entries)-1] = callback{}
	t.entries = t.entries[:len(t.entries)-1]
	for j := i; j < len(t.entries); j++ {
		t.index[t.entries[j].key] = j
	}
}

func (t *callbackTable) len() int { return len(t.entries) }

// drain empties the table and returns what it held.
func (t *callbackTable) drain() []callback {
	out := t.entries
	t.entries = nil
	clear(t.index)
	return out
}

func (t *callbackTable) reset() { t.drain() }

func runCallbacks(cbs []callback) {
	for _, cb := range cbs {
		cb.fn(cb.key)
	}
}

// CallOnAbort registers fn to run, with key, if the current transaction
// aborts. It does nothing outside a RUNNING transaction, in particular in an
// inevitable one, which cannot abort. A nil fn removes the registration for
// key. Registering a key twice is a contract violation.
//
// On abort the table is emptied before any callback runs, so a callback may
// register again.
func (tl *ThreadLocal) CallOnAbort(key any, fn func(key any)) {
	if tl.tx == nil || tl.tx.state != Running {
		return
	}
	tl.onAbort.set(key, fn)
}

// CallOnCommit registers fn to run, with key, after the current transaction
// commits. It follows the CallOnAbort rules but is also honoured in an
// inevitable transaction.
func (tl *ThreadLocal) CallOnCommit(key any, fn func(key any)) {
	if tl.tx == nil || (tl.tx.state != Running && tl.tx.state != Inevitable) {
		return
	}
	tl.onCommit.set(key, fn)
}

// PendingAbortCallbacks returns the number of registered abort callbacks.
func (tl *ThreadLocal) PendingAbortCallbacks() int { return tl.onAbort.len() }
