package stm

import (
	"sync"

	stmerrors "github.com/orizon-lang/orizon-stm/internal/errors"
)

// ThreadLocal is the transactional state of one mutator thread: its shadow
// stack of collector roots, its current transaction and its callback tables.
// A ThreadLocal is used by one goroutine at a time.
type ThreadLocal struct {
	e  *Engine
	id int

	// mu guards stack; a major collection reads every thread's stack.
	mu    sync.Mutex
	stack []Ref

	tx      *Txn
	last    State
	seg     *segment
	lastSeg int

	onAbort  callbackTable
	onCommit callbackTable

	registered bool
}

func newThreadLocal(e *Engine, id int) *ThreadLocal {
	return &ThreadLocal{e: e, id: id, lastSeg: -1}
}

// RegisterThread creates the state for a new mutator thread.
func (e *Engine) RegisterThread() *ThreadLocal {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkOpen()
	e.world.parkLocked(nil)
	tl := newThreadLocal(e, e.nextID)
	e.nextID++
	tl.registered = true
	e.threads[tl] = struct{}{}
	return tl
}

// Unregister removes the thread from the engine. Its shadow stack stops
// being a root.
func (tl *ThreadLocal) Unregister() {
	if tl.tx != nil {
		stmerrors.Fatal("TRANSACTION_ACTIVE", "thread %d unregistered inside a transaction", tl.id)
	}
	e := tl.e
	e.mu.Lock()
	defer e.mu.Unlock()
	e.world.parkLocked(tl)
	delete(e.threads, tl)
	tl.registered = false
	tl.mu.Lock()
	tl.stack = nil
	tl.mu.Unlock()
}

// ID returns the thread's number, unique within its engine.
func (tl *ThreadLocal) ID() int { return tl.id }

// Current returns the running transaction, or nil.
func (tl *ThreadLocal) Current() *Txn { return tl.tx }

// State returns the state of the running transaction, or the outcome of the
// last one.
func (tl *ThreadLocal) State() State {
	if tl.tx != nil {
		return tl.tx.state
	}
	return tl.last
}

// SafePoint lets a pending stop-the-world request proceed. Allocation and
// transaction boundaries already poll; long loops that do neither should
// call it.
func (tl *ThreadLocal) SafePoint() {
	tl.e.world.Poll(tl)
}

func (tl *ThreadLocal) segment() *segment {
	if tl == nil {
		return nil
	}
	return tl.seg
}

// Push adds r to the shadow stack. Refs that must stay valid across an
// allocation or commit have to be on the shadow stack, which the collector
// rewrites when it moves objects.
func (tl *ThreadLocal) Push(r Ref) {
	tl.mu.Lock()
	tl.stack = append(tl.stack, r)
	tl.mu.Unlock()
}

// Pop removes and returns the top of the shadow stack.
func (tl *ThreadLocal) Pop() Ref {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	n := len(tl.stack)
	if n == 0 {
		stmerrors.Fatal("SHADOW_STACK_UNDERFLOW", "pop from the empty shadow stack of thread %d", tl.id)
	}
	r := tl.stack[n-1]
	tl.stack = tl.stack[:n-1]
	return r
}

// Root returns shadow stack entry i, counted from the bottom.
func (tl *ThreadLocal) Root(i int) Ref {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.stack[i]
}

// SetRoot replaces shadow stack entry i.
func (tl *ThreadLocal) SetRoot(i int, r Ref) {
	tl.mu.Lock()
	tl.stack[i] = r
	tl.mu.Unlock()
}

// Depth returns the shadow stack size.
func (tl *ThreadLocal) Depth() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.stack)
}

func (tl *ThreadLocal) snapshotStack() []Ref {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]Ref(nil), tl.stack...)
}

func (tl *ThreadLocal) restoreStack(snap []Ref) {
	tl.mu.Lock()
	tl.stack = append(tl.stack[:0], snap...)
	tl.mu.Unlock()
}
