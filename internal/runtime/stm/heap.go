package stm

import (
	"sync/atomic"

	"github.com/orizon-lang/orizon-stm/internal/allocator/largemalloc"
	"github.com/orizon-lang/orizon-stm/internal/runtime/stm/stmlog"
)

// oldWords returns the words of the old object at r, bounded by its chunk.
func (e *Engine) oldWords(r Ref) []uint64 {
	p := uintptr(r)
	return e.words[p/8 : (p+e.arena.UsableSize(p))/8]
}

// oldObject returns the words of the old object at r, bounded by its size.
func (e *Engine) oldObject(r Ref) []uint64 {
	w := e.oldWords(r)
	return w[:e.sizeOf(w)/8]
}

func (e *Engine) header(r Ref) uint64 {
	return atomic.LoadUint64(&e.words[uintptr(r)/8])
}

func (e *Engine) setHeader(r Ref, h uint64) {
	atomic.StoreUint64(&e.words[uintptr(r)/8], h)
}

// mallocLocked allocates size bytes in the old heap, growing the arena up to
// its reservation. Returns Null when the reservation is exhausted. e.mu must
// be held.
func (e *Engine) mallocLocked(size uintptr) Ref {
	for {
		if p := e.arena.Malloc(size); p != 0 {
			return Ref(p)
		}
		if !e.growLocked(size) {
			return Null
		}
	}
}

func (e *Engine) growLocked(need uintptr) bool {
	cur := e.arena.Size()
	next := cur * 2
	if floor := e.arena.Top() + need + largemalloc.ChunkOverhead + largemalloc.Alignment; next < floor {
		next = floor
	}
	if next > e.arena.Capacity() {
		next = e.arena.Capacity()
	}
	if next <= cur || !e.arena.Resize(next) {
		return false
	}
	e.log.Event(stmlog.ArenaResize, -1).
		Uint64("from", uint64(cur)).
		Uint64("to", uint64(e.arena.Size())).
		Log("")
	return true
}

// freeLocked returns an old object's chunk. e.mu must be held, or the world
// stopped.
func (e *Engine) freeLocked(r Ref) {
	e.arena.Free(uintptr(r))
}

// copyToOld stores src into the old object at dst, header excluded.
func copyToOld(dst []uint64, src []uint64) {
	for i := 1; i < len(src); i++ {
		atomic.StoreUint64(&dst[i], src[i])
	}
}

// heapUsage returns the bytes held by allocated chunks of the old heap.
func (e *Engine) heapUsage() uintptr {
	return e.arena.InUse()
}
