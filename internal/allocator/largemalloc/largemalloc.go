// Package largemalloc implements the allocator for objects that live in the
// shared old heap: objects promoted out of a nursery and objects too large to
// be allocated in one.
//
// The arena is one contiguous range of words subdivided into chunks. Every
// chunk starts with a two-word header holding the size of the previous chunk
// and its own size, the low bit of the latter marking it free. Memory above
// the last chunk (the top) is handed out by bumping.
//
// An Arena does no locking of its own. Callers serialize every call with
// whatever exclusion they already hold (the engine's global mutex, or the
// stop-the-world phase of a major collection).
package largemalloc

import (
	"fmt"
	"sort"

	stmerrors "github.com/orizon-lang/orizon-stm/internal/errors"
)

const (
	// ChunkOverhead is the per-chunk header size in bytes (two words).
	ChunkOverhead = 16
	// Alignment of every payload, in bytes.
	Alignment = 16

	minChunk = ChunkOverhead + Alignment
	freeBit  = 1
)

// Arena is a non-thread-safe first-fit allocator over a word slice.
type Arena struct {
	mem  []uint64
	size uintptr // managed bytes, <= len(mem)*8
	top  uintptr // first byte not covered by a chunk
	last uintptr // offset of the highest chunk header, valid if top > 0

	// free holds header offsets of free chunks. Sweep leaves it address
	// ordered; Free appends.
	free []uintptr

	stats Stats
}

// Stats describes arena usage.
type Stats struct {
	Size        uintptr // managed bytes
	Capacity    uintptr // reserved bytes
	Top         uintptr
	InUse       uintptr // bytes in allocated chunks, headers included
	Chunks      int
	FreeChunks  int
	Mallocs     uint64
	Frees       uint64
	Failures    uint64
	Coalesced   uint64
	OverheadPer uintptr
}

// New establishes an arena over mem managing its first size bytes.
func New(mem []uint64, size uintptr) (*Arena, error) {
	size = alignDown(size, Alignment)
	if size < minChunk {
		return nil, stmerrors.InvalidSize(size, "largemalloc.New")
	}
	if size > uintptr(len(mem))*8 {
		return nil, stmerrors.InvalidSize(size, "largemalloc.New (exceeds backing memory)")
	}
	return &Arena{mem: mem, size: size}, nil
}

// Words returns the backing memory. Payload offsets returned by Malloc index
// it as words[p/8].
func (a *Arena) Words() []uint64 { return a.mem }

// Size returns the managed size in bytes.
func (a *Arena) Size() uintptr { return a.size }

// Capacity returns the largest size Resize can reach.
func (a *Arena) Capacity() uintptr { return uintptr(len(a.mem)) * 8 }

// Top returns the end of the highest chunk.
func (a *Arena) Top() uintptr { return a.top }

// Resize changes the managed size. It fails if newSize is beyond the backing
// memory, or below the top, since that would require moving allocated data.
func (a *Arena) Resize(newSize uintptr) bool {
	newSize = alignDown(newSize, Alignment)
	if newSize > a.Capacity() || newSize < a.top {
		return false
	}
	a.size = newSize
	return true
}

// Malloc returns the payload offset of a chunk of at least n bytes, or 0 if
// the arena is exhausted.
func (a *Arena) Malloc(n uintptr) uintptr {
	if n > a.size {
		a.stats.Failures++
		return 0
	}
	need := alignUp(n, Alignment) + ChunkOverhead
	if need < minChunk {
		need = minChunk
	}

	for i, off := range a.free {
		sz := a.chunkSize(off)
		if sz < need {
			continue
		}
		a.free = append(a.free[:i], a.free[i+1:]...)
		if sz-need >= minChunk {
			a.split(off, sz, need)
			sz = need
		}
		a.setSize(off, sz, false)
		a.clear(off, sz)
		a.stats.Mallocs++
		a.stats.InUse += sz
		return off + ChunkOverhead
	}

	if a.top+need > a.size {
		a.stats.Failures++
		return 0
	}
	off := a.top
	var prev uintptr
	if off > 0 {
		prev = a.chunkSize(a.last)
	}
	a.mem[off/8] = uint64(prev)
	a.setSize(off, need, false)
	a.clear(off, need)
	a.last = off
	a.top += need
	a.stats.Mallocs++
	a.stats.InUse += need
	return off + ChunkOverhead
}

// Free releases a chunk returned by Malloc. Double frees and foreign
// pointers are not detected.
func (a *Arena) Free(p uintptr) {
	off := p - ChunkOverhead
	sz := a.chunkSize(off)
	a.setSize(off, sz, true)
	a.free = append(a.free, off)
	a.stats.Frees++
	a.stats.InUse -= sz
}

// UsableSize returns the payload capacity of the chunk holding p.
func (a *Arena) UsableSize(p uintptr) uintptr {
	return a.chunkSize(p-ChunkOverhead) - ChunkOverhead
}

// Sweep merges runs of adjacent free chunks, folds a trailing run into the
// top and rebuilds the free list in address order. It returns the number of
// merges performed. Must not run concurrently with Malloc or Free.
func (a *Arena) Sweep() int {
	merged := 0
	free := a.free[:0]
	var prevSize, last uintptr
	haveLast := false

	for off := uintptr(0); off < a.top; {
		sz := a.chunkSize(off)
		if !a.isFree(off) {
			a.mem[off/8] = uint64(prevSize)
			prevSize, last, haveLast = sz, off, true
			off += sz
			continue
		}

		start, total := off, sz
		for next := off + sz; next < a.top && a.isFree(next); next += a.chunkSize(next) {
			total += a.chunkSize(next)
			merged++
		}
		if start+total == a.top {
			a.top = start
			merged++
			break
		}
		a.mem[start/8] = uint64(prevSize)
		a.setSize(start, total, true)
		free = append(free, start)
		prevSize, last, haveLast = total, start, true
		off = start + total
	}

	a.free = free
	if haveLast {
		a.last = last
	} else {
		a.last = 0
	}
	a.stats.Coalesced += uint64(merged)
	return merged
}

// Walk calls fn with the payload offset and usable size of every allocated
// chunk, in address order, until fn returns false. fn must not call Malloc;
// it may Free the chunk it was given.
func (a *Arena) Walk(fn func(p, size uintptr) bool) {
	for off := uintptr(0); off < a.top; {
		sz := a.chunkSize(off)
		if !a.isFree(off) {
			if !fn(off+ChunkOverhead, sz-ChunkOverhead) {
				return
			}
		}
		off += sz
	}
}

// Verify checks the chunk chain for consistency.
func (a *Arena) Verify() error {
	var prev uintptr
	for off := uintptr(0); off < a.top; {
		sz := a.chunkSize(off)
		if sz < minChunk || sz%Alignment != 0 || off+sz > a.top {
			return fmt.Errorf("largemalloc: bad chunk size %d at %d", sz, off)
		}
		if got := uintptr(a.mem[off/8]); got != prev {
			return fmt.Errorf("largemalloc: chunk at %d records previous size %d, want %d", off, got, prev)
		}
		prev = sz
		off += sz
	}
	if a.top > a.size {
		return fmt.Errorf("largemalloc: top %d beyond size %d", a.top, a.size)
	}
	return nil
}

// Stats returns a snapshot of arena usage.
func (a *Arena) Stats() Stats {
	s := a.stats
	s.Size = a.size
	s.Capacity = a.Capacity()
	s.Top = a.top
	s.FreeChunks = len(a.free)
	s.OverheadPer = ChunkOverhead
	for off := uintptr(0); off < a.top; off += a.chunkSize(off) {
		s.Chunks++
	}
	return s
}

// InUse returns the bytes held by allocated chunks, headers included.
func (a *Arena) InUse() uintptr { return a.stats.InUse }

// Reset forgets every chunk.
func (a *Arena) Reset() {
	a.top, a.last = 0, 0
	a.free = a.free[:0]
	a.stats = Stats{}
}

func (a *Arena) split(off, sz, need uintptr) {
	rest := off + need
	a.mem[rest/8] = uint64(need)
	a.setSize(rest, sz-need, true)
	if next := off + sz; next < a.top {
		a.mem[next/8] = uint64(sz - need)
	} else {
		a.last = rest
	}
	a.free = append(a.free, rest)
	sort.Slice(a.free, func(i, j int) bool { return a.free[i] < a.free[j] })
}

func (a *Arena) chunkSize(off uintptr) uintptr { return uintptr(a.mem[off/8+1]) &^ freeBit }

func (a *Arena) isFree(off uintptr) bool { return a.mem[off/8+1]&freeBit != 0 }

func (a *Arena) setSize(off, sz uintptr, free bool) {
	v := uint64(sz)
	if free {
		v |= freeBit
	}
	a.mem[off/8+1] = v
}

func (a *Arena) clear(off, sz uintptr) {
	clear(a.mem[(off+ChunkOverhead)/8 : (off+sz)/8])
}

func alignUp(n, align uintptr) uintptr { return (n + align - 1) &^ (align - 1) }

func alignDown(n, align uintptr) uintptr { return n &^ (align - 1) }
