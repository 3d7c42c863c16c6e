package stm

import (
	"sync/atomic"
	"time"

	stmerrors "github.com/orizon-lang/orizon-stm/internal/errors"
	"github.com/orizon-lang/orizon-stm/internal/runtime/stm/stmlog"
)

// State is a transaction's position in its lifecycle.
type State int

const (
	Inactive State = iota
	Running
	Inevitable
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "INACTIVE"
	case Running:
		return "RUNNING"
	case Inevitable:
		return "INEVITABLE"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Txn is a running transaction. It is only valid until it commits or
// aborts, and only on the goroutine driving its ThreadLocal.
type Txn struct {
	tl    *ThreadLocal
	e     *Engine
	seg   *segment
	state State

	// rv is the clock value every shared read must not exceed.
	rv uint64

	reads      map[Ref]uint64   // old object -> version observed
	writes     map[Ref][]uint64 // old object -> private copy
	writeOrder []Ref
	created    map[Ref]struct{} // old objects allocated by this transaction

	stackSnap []Ref
	start     time.Time
	reason    string
}

// abortSignal unwinds a transaction aborted inside a barrier. Atomically and
// Try turn it back into an error.
type abortSignal struct{ err error }

func (s abortSignal) Error() string { return "stm: transaction aborted: " + s.err.Error() }

func (s abortSignal) Unwrap() error { return s.err }

// Begin starts a transaction, waiting for a free segment if necessary.
func (tl *ThreadLocal) Begin() *Txn {
	if tl.tx != nil {
		stmerrors.Fatal("TRANSACTION_ACTIVE", "thread %d begins a transaction inside another", tl.id)
	}
	if !tl.registered {
		stmerrors.Fatal("THREAD_NOT_REGISTERED", "thread %d is not registered", tl.id)
	}
	e := tl.e
	snap := tl.snapshotStack()

	e.mu.Lock()
	e.checkOpen()
	e.world.parkLocked(tl)
	e.segments.Acquire(tl)
	tx := &Txn{
		tl:        tl,
		e:         e,
		seg:       tl.seg,
		state:     Running,
		rv:        e.clock.Load(),
		reads:     make(map[Ref]uint64),
		writes:    make(map[Ref][]uint64),
		created:   make(map[Ref]struct{}),
		stackSnap: snap,
		start:     time.Now(),
	}
	tl.tx = tx
	tl.last = Running
	e.mu.Unlock()

	e.log.Event(stmlog.TransactionStart, tx.seg.num).
		Int("thread", tl.id).
		Uint64("rv", tx.rv).
		Log("")
	return tx
}

// State returns the transaction's state.
func (tx *Txn) State() State { return tx.state }

// ReadVersion returns the clock value the transaction's reads are
// consistent with.
func (tx *Txn) ReadVersion() uint64 { return tx.rv }

// Thread returns the owning thread.
func (tx *Txn) Thread() *ThreadLocal { return tx.tl }

// Segment returns the number of the segment the transaction runs in.
func (tx *Txn) Segment() int { return tx.seg.num }

func (tx *Txn) check() {
	if tx.tl.tx != tx || (tx.state != Running && tx.state != Inevitable) {
		stmerrors.Fatal("NO_TRANSACTION", "use of a %s transaction", tx.state)
	}
}

func (tx *Txn) youngWords(r Ref) []uint64 {
	w := tx.seg.young(r)
	if w == nil {
		stmerrors.Fatal("FOREIGN_YOUNG_REF", "%s does not belong to segment %d", r, tx.seg.num)
	}
	return w
}

func (tx *Txn) createdWords(r Ref) ([]uint64, bool) {
	if _, ok := tx.created[r]; !ok {
		return nil, false
	}
	return tx.e.oldWords(r), true
}

func checkWord(r Ref, word, n int) {
	if word < 1 || word >= n {
		stmerrors.Fatal("BAD_WORD_INDEX", "word %d out of range for %s", word, r)
	}
}

// Load reads word of the object r. Word 0 is the engine's header and cannot
// be read. A conflict aborts the transaction and unwinds to the enclosing
// Atomically or Try.
func (tx *Txn) Load(r Ref, word int) uint64 {
	tx.check()
	if r == Null {
		stmerrors.Fatal("NULL_REF", "load through a null reference")
	}
	if r.IsYoung() {
		w := tx.youngWords(r)
		checkWord(r, word, len(w))
		return w[word]
	}
	if c, ok := tx.writes[r]; ok {
		checkWord(r, word, len(c))
		return c[word]
	}
	if w, ok := tx.createdWords(r); ok {
		checkWord(r, word, len(w))
		return atomic.LoadUint64(&w[word])
	}
	return tx.readShared(r, word)
}

// LoadRef reads a reference slot.
func (tx *Txn) LoadRef(r Ref, word int) Ref { return Ref(tx.Load(r, word)) }

func (tx *Txn) readShared(r Ref, word int) uint64 {
	w := tx.e.oldWords(r)
	checkWord(r, word, len(w))
	for {
		h := atomic.LoadUint64(&w[0])
		if h&lockBit != 0 || h>>1 > tx.rv {
			tx.conflict(r, "read")
		}
		v := atomic.LoadUint64(&w[word])
		if atomic.LoadUint64(&w[0]) != h {
			continue
		}
		if _, seen := tx.reads[r]; !seen {
			tx.reads[r] = h >> 1
		}
		return v
	}
}

// Store writes word of the object r. The first store to a committed object
// takes a private copy, published at commit.
func (tx *Txn) Store(r Ref, word int, v uint64) {
	tx.check()
	if r == Null {
		stmerrors.Fatal("NULL_REF", "store through a null reference")
	}
	if r.IsYoung() {
		w := tx.youngWords(r)
		checkWord(r, word, len(w))
		w[word] = v
		return
	}
	if w, ok := tx.createdWords(r); ok {
		checkWord(r, word, len(w))
		atomic.StoreUint64(&w[word], v)
		return
	}
	c := tx.privateCopy(r)
	checkWord(r, word, len(c))
	c[word] = v
}

// StoreRef writes a reference slot.
func (tx *Txn) StoreRef(r Ref, word int, v Ref) { tx.Store(r, word, uint64(v)) }

func (tx *Txn) privateCopy(r Ref) []uint64 {
	if c, ok := tx.writes[r]; ok {
		return c
	}
	w := tx.e.oldWords(r)
	for {
		h := atomic.LoadUint64(&w[0])
		if h&lockBit != 0 || h>>1 > tx.rv {
			tx.conflict(r, "write")
		}
		c := make([]uint64, tx.e.sizeOf(w)/8)
		for i := 1; i < len(c); i++ {
			c[i] = atomic.LoadUint64(&w[i])
		}
		if atomic.LoadUint64(&w[0]) != h {
			continue
		}
		c[0] = h
		if _, seen := tx.reads[r]; !seen {
			tx.reads[r] = h >> 1
		}
		tx.writes[r] = c
		tx.writeOrder = append(tx.writeOrder, r)
		tx.e.log.Debug(stmlog.PrivateCopy, tx.seg.num).
			Uint64("ref", uint64(r)).
			Int("words", len(c)).
			Log("")
		return c
	}
}

// Alloc returns a new zeroed object of size bytes. The embedder must write
// the object's layout before the next call that can collect (Alloc, Commit,
// BecomeInevitable, SafePoint), and refs that must survive such a call have
// to be on the shadow stack.
func (tx *Txn) Alloc(size uintptr) Ref {
	tx.check()
	e := tx.e
	e.world.Poll(tx.tl)
	size = tx.roundSize(size)
	if size > e.cfg.LargeObjectThreshold || size > uintptr(len(tx.seg.nursery))*8 {
		return tx.allocLarge(size)
	}
	if r, ok := tx.seg.bump(size); ok {
		return r
	}

	e.mu.Lock()
	e.world.parkLocked(tx.tl)
	err := e.minorCollectLocked(tx)
	e.mu.Unlock()
	if err != nil {
		tx.abortWith(err)
	}
	r, ok := tx.seg.bump(size)
	if !ok {
		stmerrors.Fatal("NURSERY_FULL", "nursery cannot hold %d bytes after a collection", size)
	}
	return r
}

func (tx *Txn) roundSize(size uintptr) uintptr {
	n, ok := tx.e.roundSize(size)
	if !ok {
		tx.abortWith(ErrHeapExhausted.With(map[string]interface{}{"size": size}, nil))
	}
	return n
}

func (tx *Txn) allocLarge(size uintptr) Ref {
	e := tx.e
	e.mu.Lock()
	e.world.parkLocked(tx.tl)
	r := e.mallocLocked(size)
	e.mu.Unlock()
	if r == Null {
		tx.abortWith(ErrHeapExhausted.With(map[string]interface{}{"size": size}, nil))
	}
	tx.created[r] = struct{}{}
	return r
}

// BecomeInevitable turns the transaction into one that cannot abort, for
// effects that cannot be rolled back. It waits until no other transaction is
// inevitable; if the reads so far are already stale the transaction aborts
// instead. Registered abort callbacks are dropped.
func (tx *Txn) BecomeInevitable(reason string) {
	tx.check()
	if tx.state == Inevitable {
		return
	}
	tl, e := tx.tl, tx.e
	e.mu.Lock()
	e.world.parkLocked(tl)
	e.world.until(tl, e.inevitableDone, stmlog.WaitOtherInevitable, func() bool { return e.inevitable == nil })
	if r, ok := tx.validateLocked(); !ok {
		e.log.Contention(tx.seg.num, uint64(r), "inevitable")
		e.stats.conflicts.Add(1)
		cbs := tx.abortLocked(ErrConflict)
		e.mu.Unlock()
		runCallbacks(cbs)
		panic(abortSignal{ErrConflict})
	}
	tx.rv = e.clock.Load()
	tx.state = Inevitable
	tx.reason = reason
	e.inevitable = tx
	tl.onAbort.reset()
	e.mu.Unlock()

	e.log.Event(stmlog.BecomeInevitable, tx.seg.num).
		Str("reason", reason).
		Uint64("rv", tx.rv).
		Log("")
}

// IsInevitable reports whether the transaction can no longer abort.
func (tx *Txn) IsInevitable() bool { return tx.state == Inevitable }

// Abort rolls the transaction back and runs the abort callbacks. Aborting an
// inevitable transaction is a contract violation.
func (tx *Txn) Abort() {
	tx.check()
	if tx.state == Inevitable {
		stmerrors.Fatal("ABORT_INEVITABLE", "inevitable transaction (%s) cannot abort", tx.reason)
	}
	e := tx.e
	e.mu.Lock()
	cbs := tx.abortLocked(ErrAborted)
	e.mu.Unlock()
	runCallbacks(cbs)
}

func (tx *Txn) conflict(r Ref, kind string) {
	tx.e.log.Contention(tx.seg.num, uint64(r), kind)
	tx.e.stats.conflicts.Add(1)
	tx.abortWith(ErrConflict)
}

// abortWith aborts and unwinds with err.
func (tx *Txn) abortWith(err error) {
	e := tx.e
	e.mu.Lock()
	cbs := tx.abortLocked(err)
	e.mu.Unlock()
	runCallbacks(cbs)
	panic(abortSignal{err})
}

// Try runs fn inside the transaction and reports an abort raised by a
// barrier as its error. If fn returns an error or panics, the transaction is
// aborted (an inevitable one is committed instead, since it cannot abort).
func (tx *Txn) Try(fn func(tx *Txn) error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if sig, ok := r.(abortSignal); ok {
			err = sig.err
			return
		}
		if tx.tl.tx == tx {
			if tx.state == Inevitable {
				_ = tx.Commit()
			} else {
				tx.Abort()
			}
		}
		panic(r)
	}()
	if err = fn(tx); err != nil && tx.tl.tx == tx {
		if tx.state == Inevitable {
			if cerr := tx.Commit(); cerr != nil {
				return cerr
			}
			return err
		}
		tx.Abort()
	}
	return err
}
