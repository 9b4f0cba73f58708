package marshal

import (
	"context"

	ffimarshal "github.com/wippyai/ffi-marshal"
)

// Ownership tags a foreign address with the side responsible for releasing it.
type Ownership uint8

const (
	// Caller: the host borrows the address for the duration of a call and
	// must not release it.
	Caller Ownership = iota

	// Callee: the memory belongs to the foreign allocator and the host holds
	// the single obligation to hand it back to the paired destructor.
	Callee
)

func (o Ownership) String() string {
	switch o {
	case Caller:
		return "caller"
	case Callee:
		return "callee"
	default:
		return "unknown"
	}
}

// Destructor releases a foreign address. It must accept 0 as a no-op.
type Destructor func(ctx context.Context, addr uint32) error

// Symbol returns a Destructor that calls the named foreign free function.
func Symbol(lib ffimarshal.Library, name string) Destructor {
	return func(ctx context.Context, addr uint32) error {
		_, err := lib.Call(ctx, name, uint64(addr))
		return err
	}
}

// FreeWith returns a Destructor that frees through the given allocator.
func FreeWith(alloc ffimarshal.Allocator, size, align uint32) Destructor {
	return func(ctx context.Context, addr uint32) error {
		if addr != 0 {
			freeOn(ctx, alloc, addr, size, align)
		}
		return nil
	}
}

// allocOn allocates on ctx's call chain when the allocator can tell.
func allocOn(ctx context.Context, a ffimarshal.Allocator, size, align uint32) (uint32, error) {
	if ca, ok := a.(ffimarshal.ContextAllocator); ok {
		return ca.AllocContext(ctx, size, align)
	}
	return a.Alloc(size, align)
}

func freeOn(ctx context.Context, a ffimarshal.Allocator, ptr, size, align uint32) {
	if ca, ok := a.(ffimarshal.ContextAllocator); ok {
		ca.FreeContext(ctx, ptr, size, align)
		return
	}
	a.Free(ptr, size, align)
}
