package stm

import (
	"fmt"
	"sync/atomic"

	stmerrors "github.com/orizon-lang/orizon-stm/internal/errors"
)

// Ref names an object. The zero Ref is null.
//
// Old objects are byte offsets into the shared heap. Young objects carry
// youngBit, the number of the segment whose nursery holds them and the
// offset inside that nursery; they are only meaningful to the transaction
// that allocated them.
type Ref uint64

// Null is the null reference.
const Null Ref = 0

const (
	youngBit   = 1 << 62
	segShift   = 40
	maxNursery = 1<<segShift - 1
	offMask    = 1<<segShift - 1

	maxSegments = 1<<(62-segShift) - 1

	// header word: version<<1 | lockBit
	lockBit = 1

	// set in word 0 of an evacuated young object; the rest is the new Ref
	forwardedBit = 1 << 63

	minObjectSize = 16
)

func youngRef(seg int, off uintptr) Ref {
	return Ref(youngBit | uint64(seg)<<segShift | uint64(off))
}

// IsYoung reports whether r names an object in a nursery.
func (r Ref) IsYoung() bool { return r&youngBit != 0 }

func (r Ref) segment() int { return int((uint64(r) &^ youngBit) >> segShift) }

func (r Ref) offset() uintptr { return uintptr(uint64(r) & offMask) }

func (r Ref) String() string {
	switch {
	case r == Null:
		return "null"
	case r.IsYoung():
		return fmt.Sprintf("young(%d:%#x)", r.segment(), r.offset())
	default:
		return fmt.Sprintf("old(%#x)", uint64(r))
	}
}

// Object is a read-only view of an object's words, handed to the Collector.
// Word 0 is the engine header.
type Object struct {
	words []uint64
}

// Word returns word i.
func (o Object) Word(i int) uint64 { return atomic.LoadUint64(&o.words[i]) }

// Len returns the number of words visible through the view. It may exceed
// the object's size when the engine does not know the size yet.
func (o Object) Len() int { return len(o.words) }

// Collector describes object layouts to the engine.
type Collector interface {
	// SizeRoundedUp returns the object's size in bytes: at least 16 and a
	// multiple of 8.
	SizeRoundedUp(obj Object) uintptr
	// Trace calls visit with the index of every word holding a reference.
	Trace(obj Object, visit func(word int))
}

// roundSize rounds size up to whole words. It reports false for sizes the
// old heap could never hold.
func (e *Engine) roundSize(size uintptr) (uintptr, bool) {
	if size > e.arena.Capacity() {
		return 0, false
	}
	size = (size + 7) &^ 7
	if size < minObjectSize {
		size = minObjectSize
	}
	return size, true
}

func (e *Engine) sizeOf(words []uint64) uintptr {
	size := e.collector.SizeRoundedUp(Object{words: words})
	if size < minObjectSize || size%8 != 0 || size/8 > uintptr(len(words)) {
		stmerrors.Fatal("BAD_OBJECT_SIZE", "collector reported size %d for an object with room for %d bytes", size, len(words)*8)
	}
	return size
}

// trace visits the reference slots of the object held in words, skipping the
// target slot of weak references.
func (e *Engine) trace(words []uint64, weak bool, visit func(word int)) {
	last := len(words) - 1
	e.collector.Trace(Object{words: words}, func(word int) {
		if word <= 0 || word > last || (weak && word == last) {
			return
		}
		visit(word)
	})
}
