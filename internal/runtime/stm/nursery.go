package stm

import (
	"sync/atomic"
	"time"

	"github.com/orizon-lang/orizon-stm/internal/runtime/stm/fifo"
	"github.com/orizon-lang/orizon-stm/internal/runtime/stm/stmlog"
)

// minorCollection evacuates the live young objects of one transaction into
// the old heap. Survivors become objects created by the transaction: they
// stay invisible to others until it commits.
type minorCollection struct {
	e   *Engine
	tx  *Txn
	seg *segment

	youngWeak map[Ref]struct{} // young weakrefs, by young ref
	oldWeak   map[Ref]struct{} // weakrefs of this transaction in the old heap

	queue    fifo.Queue[Ref]
	promoted uint64
	err      error
}

// minorCollectLocked runs a minor collection for tx. e.mu must be held.
func (e *Engine) minorCollectLocked(tx *Txn) error {
	seg := tx.seg
	if seg.used == 0 {
		return nil
	}
	start := time.Now()
	e.log.Event(stmlog.MinorCollectStart, seg.num).
		Uint64("nursery_used", uint64(seg.used)).
		Int("objects", len(seg.objs)).
		Log("")

	mc := &minorCollection{
		e:         e,
		tx:        tx,
		seg:       seg,
		youngWeak: make(map[Ref]struct{}),
		oldWeak:   make(map[Ref]struct{}),
	}
	for _, w := range seg.weakrefs {
		if w.IsYoung() {
			mc.youngWeak[w] = struct{}{}
		} else {
			mc.oldWeak[w] = struct{}{}
		}
	}

	// roots: the shadow stack, private copies, and old objects created
	// by the transaction
	tx.tl.mu.Lock()
	for i, r := range tx.tl.stack {
		if r.IsYoung() {
			tx.tl.stack[i] = mc.promote(r)
		}
	}
	tx.tl.mu.Unlock()

	for _, r := range tx.writeOrder {
		c := tx.writes[r]
		_, weak := e.weakrefs[r]
		e.trace(c, weak, func(i int) {
			if v := Ref(c[i]); v.IsYoung() {
				c[i] = uint64(mc.promote(v))
			}
		})
	}

	created := make([]Ref, 0, len(tx.created))
	for r := range tx.created {
		created = append(created, r)
	}
	for _, r := range created {
		mc.scanOld(r)
	}
	for {
		r, ok := mc.queue.Pop()
		if !ok {
			break
		}
		mc.scanOld(r)
	}

	if mc.err == nil {
		mc.fixWeakrefs()
	}
	seg.resetNursery()
	e.stats.minorCollections.Add(1)
	e.stats.promotedBytes.Add(mc.promoted)

	e.log.Event(stmlog.MinorCollectDone, seg.num).
		Uint64("promoted", mc.promoted).
		Bool("exhausted", mc.err != nil).
		Dur("duration", time.Since(start)).
		Log("")
	return mc.err
}

// promote returns the old-heap address of the young object y, copying it on
// first sight.
func (mc *minorCollection) promote(y Ref) Ref {
	if mc.err != nil {
		return Null
	}
	words := mc.tx.youngWords(y)
	if h := words[0]; h&forwardedBit != 0 {
		return Ref(h &^ forwardedBit)
	}
	e := mc.e
	size := e.sizeOf(words)
	r := e.mallocLocked(size)
	if r == Null {
		mc.err = ErrHeapExhausted.With(map[string]interface{}{"size": size, "segment": mc.seg.num}, nil)
		return Null
	}
	copyToOld(e.oldWords(r), words[:size/8])
	words[0] = forwardedBit | uint64(r)
	mc.tx.created[r] = struct{}{}
	if _, weak := mc.youngWeak[y]; weak {
		mc.oldWeak[r] = struct{}{}
	}
	mc.promoted += uint64(size)
	mc.queue.Append(r)
	return r
}

// scanOld promotes the young objects referenced by the old object r.
func (mc *minorCollection) scanOld(r Ref) {
	if mc.err != nil {
		return
	}
	words := mc.e.oldObject(r)
	_, weak := mc.oldWeak[r]
	mc.e.trace(words, weak, func(i int) {
		if v := Ref(atomic.LoadUint64(&words[i])); v.IsYoung() {
			atomic.StoreUint64(&words[i], uint64(mc.promote(v)))
		}
	})
}

// forwarded returns where y went, or Null if it died.
func (mc *minorCollection) forwarded(y Ref) Ref {
	words := mc.seg.young(y)
	if words == nil || words[0]&forwardedBit == 0 {
		return Null
	}
	return Ref(words[0] &^ forwardedBit)
}

// fixWeakrefs drops dead young weakrefs and rewrites or nulls young targets.
func (mc *minorCollection) fixWeakrefs() {
	e, seg := mc.e, mc.seg
	live := seg.weakrefs[:0]
	for _, w := range seg.weakrefs {
		if w.IsYoung() {
			if w = mc.forwarded(w); w == Null {
				continue
			}
		}
		words := e.oldObject(w)
		last := len(words) - 1
		if t := Ref(atomic.LoadUint64(&words[last])); t.IsYoung() {
			atomic.StoreUint64(&words[last], uint64(mc.forwarded(t)))
		}
		live = append(live, w)
	}
	clear(seg.weakrefs[len(live):])
	seg.weakrefs = live

	// committed weakrefs this transaction rewrote
	for _, r := range mc.tx.writeOrder {
		if _, weak := e.weakrefs[r]; !weak {
			continue
		}
		c := mc.tx.writes[r]
		if t := Ref(c[len(c)-1]); t.IsYoung() {
			c[len(c)-1] = uint64(mc.forwarded(t))
		}
	}
}
