package ffimarshal

import "context"

// Memory is the foreign address space of a loaded library.
// Slices returned by Read may alias foreign memory and must be copied
// before any call that can free or grow it.
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadU8(offset uint32) (uint8, error)
	ReadU16(offset uint32) (uint16, error)
	ReadU32(offset uint32) (uint32, error)
	ReadU64(offset uint32) (uint64, error)
	WriteU8(offset uint32, value uint8) error
	WriteU16(offset uint32, value uint16) error
	WriteU32(offset uint32, value uint32) error
	WriteU64(offset uint32, value uint64) error
}

// MemorySizer provides the current size of foreign memory in bytes.
type MemorySizer interface {
	Size() uint32
}

// Allocator allocates memory through the library's own allocation symbols.
// A pointer obtained from Alloc must only be released through Free of the
// same Allocator.
type Allocator interface {
	Alloc(size, align uint32) (uint32, error)
	Free(ptr, size, align uint32)
}

// ContextAllocator is an Allocator that takes the caller's context, so an
// allocation made from inside a callback can run on the call already in
// progress instead of waiting for it.
type ContextAllocator interface {
	Allocator
	AllocContext(ctx context.Context, size, align uint32) (uint32, error)
	FreeContext(ctx context.Context, ptr, size, align uint32)
}

// FuncPtr is a foreign function pointer. 0 is the null function pointer.
type FuncPtr uint32

// TrampolineFunc is the fixed host-side signature behind every exported
// function pointer: (env, arg) -> ret.
type TrampolineFunc func(ctx context.Context, env uint32, arg uint32) (uint32, error)

// TrampolineTable exports host functions to the foreign side as function pointers.
type TrampolineTable interface {
	// Install exports fn and returns the function pointer the foreign side calls.
	Install(fn TrampolineFunc) (FuncPtr, error)

	// Uninstall removes a previously installed function pointer.
	Uninstall(fp FuncPtr) bool
}

// Library is a loaded native library exposing a fixed C ABI.
// Arguments and results are raw 64-bit slots; pointers are 32-bit addresses
// into Memory.
type Library interface {
	Name() string
	Memory() Memory
	Allocator() Allocator
	Trampolines() TrampolineTable

	// Call invokes symbol synchronously. It blocks until the foreign side
	// returns; there is no timeout and no abort.
	Call(ctx context.Context, symbol string, args ...uint64) ([]uint64, error)

	Close(ctx context.Context) error
}

// Session is implemented by libraries whose memory must not be touched while
// another goroutine's call is running. Enter blocks until the library is
// free and returns a context marking the session together with the function
// that ends it. Calls, allocations and callbacks made with that context run
// inside the session without blocking.
type Session interface {
	Enter(ctx context.Context) (context.Context, func())
}

// AsyncLibrary is implemented by libraries whose symbols may complete on a
// background worker.
type AsyncLibrary interface {
	Library

	// CallAsync starts symbol and returns immediately. The worker completes
	// the returned Pending; it never touches host-owned memory.
	CallAsync(ctx context.Context, symbol string, args ...uint64) *Pending[[]uint64]
}
