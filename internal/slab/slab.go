// Package slab implements the bump-pointer arena and size-classed free
// lists memory pool allocation is built on (spec §7's Allocate/Deallocate),
// mirroring the original library's slab-class resource over a pinned,
// optionally huge-paged region.
package slab

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/sss-lehigh/librome/internal/status"
)

const (
	minClassShift = 8  // 256 B
	maxClassShift = 20 // 1 MiB
	numClasses    = maxClassShift - minClassShift + 1
)

// classFor returns the slab class index for a request of size bytes:
// ceil(log2(size)), raised to at least minClassShift. Sizes above
// 1<<maxClassShift are rejected with ResourceExhausted.
func classFor(size uint64) (int, error) {
	if size == 0 {
		return 0, status.FailedPreconditionf("cannot allocate zero bytes")
	}
	shift := minClassShift
	cap := uint64(1) << minClassShift
	for cap < size && shift < maxClassShift {
		shift++
		cap <<= 1
	}
	if cap < size {
		return 0, status.ResourceExhaustedf("requested size %d exceeds largest slab class (%d bytes)", size, uint64(1)<<maxClassShift)
	}
	return shift - minClassShift, nil
}

func classSize(class int) uint64 {
	return uint64(1) << (minClassShift + class)
}

// freeList is a lock-free (Treiber) stack of free blocks for one slab
// class, linked in place through the first 8 bytes of each free block
// (storing the predecessor's offset+1 into the arena, 0 meaning empty).
type freeList struct {
	head atomic.Uint64
}

func (f *freeList) push(region []byte, offset uint64) {
	for {
		old := f.head.Load()
		binary.LittleEndian.PutUint64(region[offset:offset+8], old)
		if f.head.CompareAndSwap(old, offset+1) {
			return
		}
	}
}

func (f *freeList) pop(region []byte) (uint64, bool) {
	for {
		cur := f.head.Load()
		if cur == 0 {
			return 0, false
		}
		offset := cur - 1
		next := binary.LittleEndian.Uint64(region[offset : offset+8])
		if f.head.CompareAndSwap(cur, next) {
			return offset, true
		}
	}
}

// Arena is a pinned, contiguous byte region allocated with a bump pointer
// and returned to size-classed free lists on Deallocate.
type Arena struct {
	region []byte
	offset atomic.Uint64
}

// NewArena reserves size bytes, preferring huge pages when available.
func NewArena(size int) (*Arena, error) {
	region, err := mmapArena(size)
	if err != nil {
		return nil, status.Internalf("mmap arena: %v", err)
	}
	return &Arena{region: region}, nil
}

// Region exposes the backing memory for registration with the HCA.
func (a *Arena) Region() []byte { return a.region }

func (a *Arena) bump(n uint64) (uint64, error) {
	for {
		cur := a.offset.Load()
		next := cur + n
		if next > uint64(len(a.region)) {
			return 0, status.ResourceExhaustedf("arena exhausted: %d/%d bytes used", cur, len(a.region))
		}
		if a.offset.CompareAndSwap(cur, next) {
			return cur, nil
		}
	}
}

// Allocator hands out fixed-size blocks from one class table layered over
// a single Arena, as described in spec §7 ("Allocate routes to the
// smallest slab class covering the request; Deallocate returns the block to
// that class's free list").
type Allocator struct {
	arena   *Arena
	classes [numClasses]freeList
}

func NewAllocator(arena *Arena) *Allocator {
	return &Allocator{arena: arena}
}

// Allocate returns the arena-relative offset of a block at least size
// bytes, reusing a freed block of the same class before falling back to
// the bump pointer.
func (a *Allocator) Allocate(size uint64) (uint64, error) {
	class, err := classFor(size)
	if err != nil {
		return 0, err
	}
	if offset, ok := a.classes[class].pop(a.arena.region); ok {
		return offset, nil
	}
	return a.arena.bump(classSize(class))
}

// Deallocate returns the block at offset (originally allocated for size
// bytes) to its class's free list.
func (a *Allocator) Deallocate(offset uint64, size uint64) error {
	class, err := classFor(size)
	if err != nil {
		return err
	}
	a.classes[class].push(a.arena.region, offset)
	return nil
}

// ClassSize exposes the real block size backing a request of size bytes,
// used by callers that need to know how much of the slot is usable.
func ClassSize(size uint64) (uint64, error) {
	class, err := classFor(size)
	if err != nil {
		return 0, err
	}
	return classSize(class), nil
}
