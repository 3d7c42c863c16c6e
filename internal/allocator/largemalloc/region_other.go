//go:build !linux

package largemalloc

import (
	stmerrors "github.com/orizon-lang/orizon-stm/internal/errors"
)

// Region is a block of memory backing an arena or a nursery.
type Region struct {
	words []uint64
}

// Reserve allocates size bytes (rounded up to a word) from the Go heap.
func Reserve(size uintptr) (*Region, error) {
	size = alignUp(size, 8)
	if size == 0 {
		return nil, stmerrors.InvalidSize(size, "largemalloc.Reserve")
	}
	return &Region{words: make([]uint64, size/8)}, nil
}

// Words returns the region as words.
func (r *Region) Words() []uint64 { return r.words }

// Size returns the region size in bytes.
func (r *Region) Size() uintptr { return uintptr(len(r.words)) * 8 }

// Release zeroes the words inside [from, to).
func (r *Region) Release(from, to uintptr) error {
	from = alignUp(from, 8)
	to = alignDown(to, 8)
	if to > r.Size() {
		to = r.Size()
	}
	if from < to {
		clear(r.words[from/8 : to/8])
	}
	return nil
}

// Close drops the memory.
func (r *Region) Close() error {
	r.words = nil
	return nil
}
