//go:build linux

package largemalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"

	stmerrors "github.com/orizon-lang/orizon-stm/internal/errors"
)

// Region is a block of anonymous memory backing an arena or a nursery.
type Region struct {
	raw   []byte
	words []uint64
}

// Reserve maps size bytes (rounded up to the page size) of private anonymous
// memory. Pages are only committed by the kernel when first touched.
func Reserve(size uintptr) (*Region, error) {
	page := uintptr(unix.Getpagesize())
	size = alignUp(size, page)
	if size == 0 {
		return nil, stmerrors.InvalidSize(size, "largemalloc.Reserve")
	}
	raw, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, stmerrors.System("mmap", err)
	}
	return &Region{
		raw:   raw,
		words: unsafe.Slice((*uint64)(unsafe.Pointer(&raw[0])), len(raw)/8),
	}, nil
}

// Words returns the region as words.
func (r *Region) Words() []uint64 { return r.words }

// Size returns the mapped size in bytes.
func (r *Region) Size() uintptr { return uintptr(len(r.raw)) }

// Release hands the whole pages inside [from, to) back to the kernel. They
// read as zero afterwards.
func (r *Region) Release(from, to uintptr) error {
	page := uintptr(unix.Getpagesize())
	from = alignUp(from, page)
	to = alignDown(to, page)
	if to > uintptr(len(r.raw)) {
		to = alignDown(uintptr(len(r.raw)), page)
	}
	if from >= to {
		return nil
	}
	if err := unix.Madvise(r.raw[from:to], unix.MADV_DONTNEED); err != nil {
		return stmerrors.System("madvise", err)
	}
	return nil
}

// Close unmaps the region. The words must not be used afterwards.
func (r *Region) Close() error {
	if r.raw == nil {
		return nil
	}
	raw := r.raw
	r.raw, r.words = nil, nil
	if err := unix.Munmap(raw); err != nil {
		return stmerrors.System("munmap", err)
	}
	return nil
}
