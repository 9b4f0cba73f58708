package marshal

import (
	"context"
	"encoding/binary"

	"github.com/wippyai/ffi-marshal/errors"
)

// SliceRef is a borrowed (pointer, length) view into foreign memory. Len
// counts elements, not bytes.
type SliceRef struct {
	Ptr uint32
	Len uint32
}

// danglingAddr returns the non-null address passed for empty slices. It is
// never dereferenced because the length is zero.
func danglingAddr(align uint32) uint32 { return align }

// WithInt32s copies xs into a caller-scoped buffer and runs fn with a view of
// it. Empty slices pass a dangling non-null pointer and allocate nothing.
func (b *Boundary) WithInt32s(ctx context.Context, xs []int32, fn func(SliceRef) error) error {
	if len(xs) == 0 {
		return fn(SliceRef{Ptr: danglingAddr(4)})
	}
	return b.withBuffer(ctx, int32sToBytes(xs), 4, func(addr uint32) error {
		return fn(SliceRef{Ptr: addr, Len: uint32(len(xs))})
	})
}

// WithBytes copies data into a caller-scoped buffer and runs fn with a view
// of it.
func (b *Boundary) WithBytes(ctx context.Context, data []byte, fn func(SliceRef) error) error {
	if len(data) == 0 {
		return fn(SliceRef{Ptr: danglingAddr(1)})
	}
	return b.withBuffer(ctx, data, 1, func(addr uint32) error {
		return fn(SliceRef{Ptr: addr, Len: uint32(len(data))})
	})
}

// WithOut allocates a zeroed out-parameter of size bytes, runs fn with its
// address, and releases it afterwards. fn reads the result before returning.
func (b *Boundary) WithOut(ctx context.Context, size, align uint32, fn func(addr uint32) error) error {
	return b.withBuffer(ctx, make([]byte, size), align, fn)
}

func (b *Boundary) withBuffer(ctx context.Context, data []byte, align uint32, fn func(uint32) error) (err error) {
	p, err := b.copyIn(ctx, data, align)
	if err != nil {
		return err
	}
	defer release(ctx, p, &err)
	return fn(p.Addr())
}

// copyIn allocates a buffer through the library allocator and fills it with
// data. The returned pointer must be released by the caller.
func (b *Boundary) copyIn(ctx context.Context, data []byte, align uint32) (*Ptr, error) {
	ctx, leave := b.enter(ctx)
	defer leave()

	size := uint32(len(data))
	alloc := b.lib.Allocator()
	addr, err := allocOn(ctx, alloc, size, align)
	if err != nil {
		return nil, errors.AllocationFailed(errors.PhaseEncode, size, align, err)
	}
	if addr == 0 {
		return nil, errors.AllocationFailed(errors.PhaseEncode, size, align, nil)
	}
	if err := b.lib.Memory().Write(addr, data); err != nil {
		freeOn(ctx, alloc, addr, size, align)
		return nil, errors.OutOfBounds(errors.PhaseEncode, addr, size, err)
	}
	return b.Wrap(addr, Callee, FreeWith(alloc, size, align), WithSize(size)), nil
}

func int32sToBytes(xs []int32) []byte {
	buf := make([]byte, 4*len(xs))
	for i, x := range xs {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(x))
	}
	return buf
}
