// Package sim provides an in-process library that behaves like a native
// library behind a C ABI: a flat address space, a malloc/free pair that
// tracks every allocation, a function-pointer table and symbols written
// in Go.
//
// It exists so marshalling code can be exercised without a native
// toolchain, and so misuse is observable: every free is recorded by the
// Allocator, and a free of an unknown pointer is counted in
// AllocStats.BadFrees instead of silently corrupting the heap.
//
//	lib := sim.New(sim.Config{})
//	lib.Register("answer", func(ctx context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
//	    return []uint64{42}, nil
//	})
package sim
