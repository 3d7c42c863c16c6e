package stm

import (
	"sync/atomic"

	stmerrors "github.com/orizon-lang/orizon-stm/internal/errors"
)

// AllocWeakref allocates an object of size bytes whose last word refers to
// target without keeping it alive. Once target dies, the slot reads as Null
// after the next collection. The embedder must still write the object's
// layout, as for Alloc.
func (tx *Txn) AllocWeakref(size uintptr, target Ref) Ref {
	tx.check()
	size = tx.roundSize(size)
	tl := tx.tl

	tl.Push(target)
	r := tx.Alloc(size)
	target = tl.Pop()

	last := int(size/8) - 1
	if r.IsYoung() {
		tx.youngWords(r)[last] = uint64(target)
	} else {
		w, _ := tx.createdWords(r)
		atomic.StoreUint64(&w[last], uint64(target))
	}
	tx.seg.weakrefs = append(tx.seg.weakrefs, r)
	return r
}

// WeakrefGet returns the target of the weak reference r, or Null once the
// target has been collected.
func (tx *Txn) WeakrefGet(r Ref) Ref {
	tx.check()
	return tx.LoadRef(r, tx.weakSlot(r))
}

func (tx *Txn) weakSlot(r Ref) int {
	var words []uint64
	switch {
	case r == Null:
		stmerrors.Fatal("NULL_REF", "weakref access through a null reference")
	case r.IsYoung():
		words = tx.youngWords(r)
	default:
		if c, ok := tx.writes[r]; ok {
			return len(c) - 1
		}
		words = tx.e.oldWords(r)
	}
	return int(tx.e.sizeOf(words)/8) - 1
}

// IsWeakref reports whether r was allocated by AllocWeakref, in this
// transaction or a committed one.
func (tx *Txn) IsWeakref(r Ref) bool {
	tx.check()
	for _, w := range tx.seg.weakrefs {
		if w == r {
			return true
		}
	}
	e := tx.e
	e.mu.Lock()
	_, ok := e.weakrefs[r]
	e.mu.Unlock()
	return ok
}
