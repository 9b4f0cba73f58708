package marshal

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/wippyai/ffi-marshal/errors"
)

// MaxCStringSize caps a single transcoded string.
const MaxCStringSize = 1 << 28

// CStr is a borrowed NUL-terminated UTF-8 buffer in foreign memory. It is
// valid only inside the continuation that received it.
type CStr struct {
	addr uint32
	len  uint32
}

// Addr returns the address of the first byte.
func (c CStr) Addr() uint32 { return c.addr }

// Len returns the byte length excluding the terminator.
func (c CStr) Len() uint32 { return c.len }

// checkCString validates s before anything is allocated. A single NUL as the
// final byte is tolerated: it coincides with the terminator.
func checkCString(s string) error {
	if !utf8.ValidString(s) {
		return errors.InvalidUTF8(errors.PhaseEncode, []byte(s))
	}
	if i := strings.IndexByte(s, 0); i >= 0 && i < len(s)-1 {
		return errors.EmbeddedNul(i, s)
	}
	if len(s) >= MaxCStringSize {
		return errors.New(errors.PhaseEncode, errors.KindInvalidInput).
			Detail("string size %d exceeds maximum %d", len(s), MaxCStringSize).
			Build()
	}
	return nil
}

// EncodeCString copies s into a fresh NUL-terminated buffer allocated by the
// library. The caller must Release the returned pointer.
func (b *Boundary) EncodeCString(ctx context.Context, s string) (*Ptr, error) {
	if err := checkCString(s); err != nil {
		return nil, err
	}

	ctx, leave := b.enter(ctx)
	defer leave()

	size := uint32(len(s)) + 1
	alloc := b.lib.Allocator()
	addr, err := allocOn(ctx, alloc, size, 1)
	if err != nil {
		return nil, errors.AllocationFailed(errors.PhaseEncode, size, 1, err)
	}
	if addr == 0 {
		return nil, errors.AllocationFailed(errors.PhaseEncode, size, 1, nil)
	}

	buf := make([]byte, size)
	copy(buf, s)
	if err := b.lib.Memory().Write(addr, buf); err != nil {
		freeOn(ctx, alloc, addr, size, 1)
		return nil, errors.OutOfBounds(errors.PhaseEncode, addr, size, err)
	}

	return b.Wrap(addr, Callee, FreeWith(alloc, size, 1), WithSize(size)), nil
}

// WithCString runs fn with s transcoded into foreign memory and releases the
// buffer on every exit path, panics included. Validation failures are
// reported before any foreign call is made.
func (b *Boundary) WithCString(ctx context.Context, s string, fn func(CStr) error) (err error) {
	p, err := b.EncodeCString(ctx, s)
	if err != nil {
		return err
	}
	defer release(ctx, p, &err)

	return fn(CStr{addr: p.Addr(), len: uint32(len(strings.TrimSuffix(s, "\x00")))})
}

// WithCStrings transcodes every string, runs fn, then releases the buffers
// in reverse order. All strings are validated before the first allocation.
func (b *Boundary) WithCStrings(ctx context.Context, ss []string, fn func([]CStr) error) (err error) {
	for _, s := range ss {
		if err := checkCString(s); err != nil {
			return err
		}
	}

	ptrs := make([]*Ptr, 0, len(ss))
	defer func() {
		for i := len(ptrs) - 1; i >= 0; i-- {
			release(ctx, ptrs[i], &err)
		}
	}()

	cs := make([]CStr, len(ss))
	for i, s := range ss {
		p, err := b.EncodeCString(ctx, s)
		if err != nil {
			return err
		}
		ptrs = append(ptrs, p)
		cs[i] = CStr{addr: p.Addr(), len: uint32(len(strings.TrimSuffix(s, "\x00")))}
	}

	return fn(cs)
}
