package marshal

import (
	"bytes"
	"context"
	"unicode/utf8"

	ffimarshal "github.com/wippyai/ffi-marshal"
	"github.com/wippyai/ffi-marshal/errors"
)

// scanChunk is the read granularity of the terminator scan.
const scanChunk = 64

// DecodeCString copies the NUL-terminated UTF-8 string at addr into a host
// string. With Callee ownership the destructor runs exactly once after the
// bytes have been copied out, whether or not decoding succeeded.
//
// The scan is bounded only by the size of foreign memory; use
// DecodeCStringN whenever the contract supplies a length.
func (b *Boundary) DecodeCString(ctx context.Context, addr uint32, own Ownership, destroy Destructor) (s string, err error) {
	if addr == 0 {
		return "", errors.NilPointer(errors.PhaseDecode, "char const *")
	}
	ctx, leave := b.enter(ctx)
	defer leave()
	if own == Callee {
		p := b.Wrap(addr, Callee, destroy)
		defer release(ctx, p, &err)
	}

	data, err := scanCString(b.lib.Memory(), addr)
	if err != nil {
		return "", err
	}
	return decodeUTF8(data)
}

// DecodeCStringN decodes exactly n bytes at addr. No terminator is required.
func (b *Boundary) DecodeCStringN(ctx context.Context, addr, n uint32, own Ownership, destroy Destructor) (s string, err error) {
	data, err := b.DecodeBytes(ctx, addr, n, own, destroy)
	if err != nil {
		return "", err
	}
	return decodeUTF8(data)
}

// DecodeBytes copies a (pointer, length) byte run out of foreign memory.
// A zero length never dereferences addr.
func (b *Boundary) DecodeBytes(ctx context.Context, addr, n uint32, own Ownership, destroy Destructor) (out []byte, err error) {
	if addr == 0 && n > 0 {
		return nil, errors.NilPointer(errors.PhaseDecode, "uint8_t const *")
	}
	ctx, leave := b.enter(ctx)
	defer leave()
	if own == Callee {
		p := b.Wrap(addr, Callee, destroy)
		defer release(ctx, p, &err)
	}
	if n == 0 {
		return []byte{}, nil
	}

	view, err := b.lib.Memory().Read(addr, n)
	if err != nil {
		return nil, errors.OutOfBounds(errors.PhaseDecode, addr, n, err)
	}
	out = make([]byte, n)
	copy(out, view)
	return out, nil
}

// DerefI32 reads an optional int32 result. A null address is absent, not an
// error.
func (b *Boundary) DerefI32(ctx context.Context, addr uint32) (int32, bool, error) {
	if addr == 0 {
		return 0, false, nil
	}
	_, leave := b.enter(ctx)
	defer leave()
	v, err := b.lib.Memory().ReadU32(addr)
	if err != nil {
		return 0, false, errors.OutOfBounds(errors.PhaseDecode, addr, 4, err)
	}
	return int32(v), true, nil
}

func decodeUTF8(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", errors.InvalidUTF8(errors.PhaseDecode, data)
	}
	return string(data), nil
}

// scanCString returns a copy of the bytes before the terminator.
func scanCString(mem ffimarshal.Memory, addr uint32) ([]byte, error) {
	limit := ^uint32(0)
	if sz, ok := mem.(ffimarshal.MemorySizer); ok {
		limit = sz.Size()
	}
	if addr >= limit {
		return nil, errors.OutOfBounds(errors.PhaseDecode, addr, 1, nil)
	}

	var out []byte
	for off := addr; off < limit; {
		n := uint32(scanChunk)
		if limit-off < n {
			n = limit - off
		}
		chunk, err := mem.Read(off, n)
		if err != nil {
			// Memory without a size: fall back to byte reads near the end.
			if n > 1 {
				b, berr := mem.ReadU8(off)
				if berr != nil {
					return nil, errors.Unterminated(addr, off)
				}
				chunk = []byte{b}
				n = 1
			} else {
				return nil, errors.Unterminated(addr, off)
			}
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return append(out, chunk[:i]...), nil
		}
		out = append(out, chunk...)
		off += n
	}
	return nil, errors.Unterminated(addr, limit)
}
