package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	ffimarshal "github.com/wippyai/ffi-marshal"
)

// Allocation symbols every library must export.
const (
	MallocSymbol = "malloc" // malloc(size, align) -> ptr
	FreeSymbol   = "free"   // free(ptr, size, align)
)

// allocator implements ffimarshal.ContextAllocator with the library's own
// malloc/free exports.
type allocator struct {
	lib      *Library
	mallocFn api.Function
	freeFn   api.Function
}

var _ ffimarshal.ContextAllocator = (*allocator)(nil)

func newAllocator(lib *Library, mallocFn, freeFn api.Function) *allocator {
	return &allocator{lib: lib, mallocFn: mallocFn, freeFn: freeFn}
}

// call runs fn inside the session ctx carries, or in a new one.
func (a *allocator) call(ctx context.Context, fn api.Function, stack []uint64) error {
	ctx, _, leave := a.lib.enter(ctx)
	defer leave()
	return fn.CallWithStack(ctx, stack)
}

// Alloc allocates outside any call. From inside a callback use AllocContext
// with the callback's context; Alloc would wait for the running call.
func (a *allocator) Alloc(size, align uint32) (uint32, error) {
	return a.AllocContext(context.Background(), size, align)
}

func (a *allocator) AllocContext(ctx context.Context, size, align uint32) (uint32, error) {
	if a.mallocFn == nil {
		return 0, fmt.Errorf("no allocator available")
	}

	stack := []uint64{api.EncodeU32(size), api.EncodeU32(align)}
	if err := a.call(ctx, a.mallocFn, stack); err != nil {
		return 0, err
	}
	return api.DecodeU32(stack[0]), nil
}

// Free frees outside any call. See Alloc.
func (a *allocator) Free(ptr, size, align uint32) {
	a.FreeContext(context.Background(), ptr, size, align)
}

func (a *allocator) FreeContext(ctx context.Context, ptr, size, align uint32) {
	if a.freeFn == nil || ptr == 0 {
		return
	}

	stack := []uint64{api.EncodeU32(ptr), api.EncodeU32(size), api.EncodeU32(align)}
	if err := a.call(ctx, a.freeFn, stack); err != nil {
		Logger().Warn("Free: failed to call free",
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size),
			zap.Error(err))
	}
}
