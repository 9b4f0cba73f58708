package sim

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const (
	// heapBase keeps the null page and every dangling slice address out of
	// the heap.
	heapBase = 16

	minAlign = 8
)

type block struct {
	addr uint32
	size uint32
}

// Allocator is a first-fit free-list allocator over a Memory. It plays the
// role of the native library's malloc/free pair.
type Allocator struct {
	free  []block
	used  map[uint32]uint32
	stats AllocStats
	limit uint32
	inUse uint32
	mu    sync.Mutex
}

// AllocStats counts allocator activity.
type AllocStats struct {
	Allocs    int
	Frees     int
	BadFrees  int
	Live      int
	LiveBytes uint32
}

func newAllocator(size, limit uint32) *Allocator {
	return &Allocator{
		free:  []block{{addr: heapBase, size: size - heapBase}},
		used:  make(map[uint32]uint32),
		limit: limit,
	}
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

// Alloc reserves size bytes aligned to align (at least 8). A zero size
// still returns a unique address.
func (a *Allocator) Alloc(size, align uint32) (uint32, error) {
	if align < minAlign {
		align = minAlign
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("alignment %d is not a power of two", align)
	}
	if size > math.MaxUint32-minAlign {
		return 0, fmt.Errorf("allocation of %d bytes exceeds the address space", size)
	}
	n := alignUp(max(size, 1), minAlign)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.limit > 0 && uint64(a.inUse)+uint64(n) > uint64(a.limit) {
		return 0, fmt.Errorf("allocation limit exceeded: %d + %d > %d", a.inUse, n, a.limit)
	}

	for i, b := range a.free {
		start := alignUp(b.addr, align)
		end := uint64(start) + uint64(n)
		if end > uint64(b.addr)+uint64(b.size) {
			continue
		}

		var rest []block
		if start > b.addr {
			rest = append(rest, block{addr: b.addr, size: start - b.addr})
		}
		if tail := b.addr + b.size - uint32(end); tail > 0 {
			rest = append(rest, block{addr: uint32(end), size: tail})
		}
		a.free = append(a.free[:i], append(rest, a.free[i+1:]...)...)

		a.used[start] = n
		a.inUse += n
		a.stats.Allocs++
		a.stats.Live++
		a.stats.LiveBytes = a.inUse
		return start, nil
	}
	return 0, fmt.Errorf("out of memory: no free block of %d bytes", n)
}

// Free returns ptr to the free list. Size and alignment are taken from the
// allocation record. Freeing an unknown pointer is counted and logged.
func (a *Allocator) Free(ptr, size, align uint32) {
	if ptr == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	n, ok := a.used[ptr]
	if !ok {
		a.stats.BadFrees++
		Logger().Error("free of unallocated pointer",
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size),
			zap.Uint32("align", align))
		return
	}
	delete(a.used, ptr)
	a.inUse -= n
	a.stats.Frees++
	a.stats.Live--
	a.stats.LiveBytes = a.inUse

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].addr > ptr })
	a.free = append(a.free, block{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = block{addr: ptr, size: n}
	a.coalesce(i)
}

// coalesce merges the block at i with its neighbours.
func (a *Allocator) coalesce(i int) {
	if i+1 < len(a.free) && a.free[i].addr+a.free[i].size == a.free[i+1].addr {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].addr+a.free[i-1].size == a.free[i].addr {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// Owns reports whether ptr is a live allocation.
func (a *Allocator) Owns(ptr uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.used[ptr]
	return ok
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() AllocStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
