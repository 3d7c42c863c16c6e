package stm

import (
	"sync/atomic"
	"time"

	"github.com/orizon-lang/orizon-stm/internal/allocator/largemalloc"
	stmerrors "github.com/orizon-lang/orizon-stm/internal/errors"
	"github.com/orizon-lang/orizon-stm/internal/runtime/stm/fifo"
	"github.com/orizon-lang/orizon-stm/internal/runtime/stm/stmlog"
)

// CollectMajor stops every other thread and runs a mark/sweep collection of
// the old heap. It must be called outside a transaction.
func (tl *ThreadLocal) CollectMajor() {
	if tl.tx != nil {
		stmerrors.Fatal("TRANSACTION_ACTIVE", "major collection requested inside a transaction")
	}
	e := tl.e
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkOpen()
	e.world.Wait(tl, StopOthersAndBecomeGloballyUnique)
	defer e.world.Release(tl)
	e.majorCollectLocked()
}

// collectIfNeeded runs a major collection if old-heap usage is above the
// threshold, checking again once the world is stopped since another thread
// may have collected meanwhile.
func (tl *ThreadLocal) collectIfNeeded() {
	e := tl.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.heapUsage() <= e.majorThreshold {
		return
	}
	e.world.Wait(tl, StopOthersAndBecomeGloballyUnique)
	defer e.world.Release(tl)
	if e.heapUsage() > e.majorThreshold {
		e.majorCollectLocked()
	}
}

// markBits has one bit per allocation granule of the old heap.
type markBits []uint64

func newMarkBits(top uintptr) markBits {
	n := top / largemalloc.Alignment
	return make(markBits, (n+63)/64)
}

// set marks r and reports whether it was unmarked.
func (m markBits) set(r Ref) bool {
	g := uintptr(r) / largemalloc.Alignment
	word, bit := g/64, uint64(1)<<(g%64)
	if m[word]&bit != 0 {
		return false
	}
	m[word] |= bit
	return true
}

func (m markBits) has(r Ref) bool {
	g := uintptr(r) / largemalloc.Alignment
	return m[g/64]&(1<<(g%64)) != 0
}

type majorCollection struct {
	e     *Engine
	marks markBits
	weak  map[Ref]struct{}
	queue fifo.Queue[Ref]
}

func (mc *majorCollection) mark(r Ref) {
	if r == Null || r.IsYoung() {
		return
	}
	if mc.marks.set(r) {
		mc.queue.Append(r)
	}
}

// markSlots marks the old objects referenced from an object held outside the
// old heap (a private copy or a young object).
func (mc *majorCollection) markSlots(words []uint64, weak bool) {
	mc.e.trace(words, weak, func(i int) {
		mc.mark(Ref(atomic.LoadUint64(&words[i])))
	})
}

// majorCollectLocked marks from every root and frees the unmarked chunks.
// The caller holds e.mu and the world in globally unique mode.
func (e *Engine) majorCollectLocked() {
	start := time.Now()
	before := e.heapUsage()
	e.log.Event(stmlog.MajorCollectStart, -1).
		Uint64("in_use", uint64(before)).
		Uint64("threshold", uint64(e.majorThreshold)).
		Log("")

	mc := &majorCollection{
		e:     e,
		marks: newMarkBits(e.arena.Top()),
		weak:  make(map[Ref]struct{}, len(e.weakrefs)),
	}
	for w := range e.weakrefs {
		mc.weak[w] = struct{}{}
	}
	youngWeak := make(map[Ref]struct{})
	for _, s := range e.segs {
		for _, w := range s.weakrefs {
			if w.IsYoung() {
				youngWeak[w] = struct{}{}
			} else {
				mc.weak[w] = struct{}{}
			}
		}
	}

	for _, r := range e.prebuilt {
		mc.mark(r)
	}
	for tl := range e.threads {
		mc.markThread(tl)
	}
	for _, s := range e.segs {
		if s.owner == nil {
			continue
		}
		// young objects of running transactions are traced, not moved
		for _, off := range s.objs {
			y := youngRef(s.num, off)
			words := s.young(y)
			words = words[:e.sizeOf(words)/8]
			_, weak := youngWeak[y]
			mc.markSlots(words, weak)
		}
	}
	for {
		r, ok := mc.queue.Pop()
		if !ok {
			break
		}
		_, weak := mc.weak[r]
		mc.markSlots(e.oldObject(r), weak)
	}

	dead := e.clearWeakrefsLocked(mc, youngWeak)

	var freed uintptr
	e.arena.Walk(func(p, size uintptr) bool {
		if !mc.marks.has(Ref(p)) {
			freed += size + largemalloc.ChunkOverhead
			e.arena.Free(p)
		}
		return true
	})
	merged := e.arena.Sweep()
	if err := e.release(e.arena.Top(), e.arena.Size()); err != nil {
		e.log.Event(stmlog.ArenaResize, -1).
			Uint64("release_from", uint64(e.arena.Top())).
			Uint64("release_to", uint64(e.arena.Size())).
			Str("error", err.Error()).
			Log("")
	}

	after := e.heapUsage()
	next := uintptr(float64(after) * e.cfg.MajorCollectionFactor)
	if next < e.cfg.MajorCollectionThreshold {
		next = e.cfg.MajorCollectionThreshold
	}
	e.majorThreshold = next
	e.stats.majorCollections.Add(1)
	e.stats.freedBytes.Add(uint64(freed))

	e.log.Event(stmlog.MajorCollectDone, -1).
		Uint64("freed", uint64(freed)).
		Uint64("in_use", uint64(after)).
		Int("merged", merged).
		Int("dead_weakrefs", dead).
		Uint64("next_threshold", uint64(next)).
		Dur("duration", time.Since(start)).
		Log("")
}

// markThread marks the roots held by one thread: its shadow stack and, if it
// runs a transaction, everything the transaction may still touch or restore.
func (mc *majorCollection) markThread(tl *ThreadLocal) {
	tl.mu.Lock()
	for _, r := range tl.stack {
		mc.mark(r)
	}
	tl.mu.Unlock()

	tx := tl.tx
	if tx == nil {
		return
	}
	for _, r := range tx.stackSnap {
		mc.mark(r)
	}
	for r := range tx.reads {
		mc.mark(r)
	}
	for r := range tx.created {
		mc.mark(r)
	}
	for _, r := range tx.writeOrder {
		mc.mark(r)
		_, weak := mc.weak[r]
		mc.markSlots(tx.writes[r], weak)
	}
}

// clearWeakrefsLocked forgets committed weakrefs that died and nulls every
// target that was not marked, in the shared heap, in private copies and in
// nurseries. It returns the number of weakrefs forgotten.
func (e *Engine) clearWeakrefsLocked(mc *majorCollection, youngWeak map[Ref]struct{}) int {
	dead := 0
	live := func(t Ref) bool { return t == Null || t.IsYoung() || mc.marks.has(t) }

	for w := range e.weakrefs {
		if !mc.marks.has(w) {
			delete(e.weakrefs, w)
			dead++
			continue
		}
		words := e.oldObject(w)
		last := len(words) - 1
		if !live(Ref(atomic.LoadUint64(&words[last]))) {
			atomic.StoreUint64(&words[last], 0)
		}
	}

	for _, s := range e.segs {
		for _, w := range s.weakrefs {
			var words []uint64
			if w.IsYoung() {
				words = s.young(w)
				words = words[:e.sizeOf(words)/8]
			} else {
				words = e.oldObject(w)
			}
			last := len(words) - 1
			if !live(Ref(atomic.LoadUint64(&words[last]))) {
				atomic.StoreUint64(&words[last], 0)
			}
		}
		if s.owner == nil || s.owner.tx == nil {
			continue
		}
		tx := s.owner.tx
		for _, r := range tx.writeOrder {
			if _, weak := mc.weak[r]; !weak {
				continue
			}
			c := tx.writes[r]
			if !live(Ref(c[len(c)-1])) {
				c[len(c)-1] = 0
			}
		}
	}
	return dead
}
