package marshal

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/wippyai/ffi-marshal/errors"
)

// place allocates data in the library heap and returns its address.
func place(t *testing.T, b *Boundary, data []byte) uint32 {
	t.Helper()
	addr, err := b.Library().Allocator().Alloc(uint32(len(data)), 1)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if err := b.Library().Memory().Write(addr, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return addr
}

func TestDecodeCString(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		data    []byte
		want    string
		wantErr error
	}{
		{"ascii", []byte("hello\x00"), "hello", nil},
		{"empty", []byte("\x00"), "", nil},
		{"long", append([]byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef-xyz"), 0), "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef-xyz", nil},
		{"invalid utf8", []byte("ab\xff\xfe\x00"), "", errors.ErrDecodingViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, lib := newTestBoundary(t)
			addr := place(t, b, tt.data)

			got, err := b.DecodeCString(ctx, addr, Callee, b.Symbol("free_char_p"))
			if tt.wantErr != nil {
				if !stderrors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeCString = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("DecodeCString failed: %v", err)
			}
			if got != tt.want {
				t.Fatalf("DecodeCString = %q, want %q", got, tt.want)
			}

			// The free runs exactly once, whether or not decoding succeeded.
			if n := lib.Calls("free_char_p"); n != 1 {
				t.Fatalf("free_char_p called %d times, want 1", n)
			}
			assertNoLeaks(t, lib)
		})
	}
}

func TestDecodeCString_Null(t *testing.T) {
	b, lib := newTestBoundary(t)

	_, err := b.DecodeCString(context.Background(), 0, Callee, b.Symbol("free_char_p"))
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindNilPointer {
		t.Fatalf("DecodeCString(0) = %v, want nil_pointer", err)
	}
	if lib.Calls("free_char_p") != 0 {
		t.Fatal("null pointer reached the destructor")
	}
}

func TestDecodeCString_Borrowed(t *testing.T) {
	b, lib := newTestBoundary(t)
	addr := place(t, b, []byte("view\x00"))

	got, err := b.DecodeCString(context.Background(), addr, Caller, b.Symbol("free_char_p"))
	if err != nil || got != "view" {
		t.Fatalf("DecodeCString = (%q, %v)", got, err)
	}
	if lib.Calls("free_char_p") != 0 {
		t.Fatal("borrowed string was freed")
	}
	if !lib.Heap().Owns(addr) {
		t.Fatal("borrowed buffer no longer allocated")
	}
}

func TestDecodeCString_Unterminated(t *testing.T) {
	b, _ := newTestBoundary(t)
	mem := b.Library().Memory()
	size := uint32(1 << 16)

	tail := make([]byte, 8)
	for i := range tail {
		tail[i] = 'x'
	}
	if err := mem.Write(size-8, tail); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	_, err := b.DecodeCString(context.Background(), size-8, Caller, nil)
	if !stderrors.Is(err, errors.ErrDecodingViolation) {
		t.Fatalf("DecodeCString = %v, want decoding violation", err)
	}
}

func TestDecodeCString_CopiesBeforeFree(t *testing.T) {
	ctx := context.Background()
	b, lib := newTestBoundary(t)
	addr := place(t, b, []byte("copied\x00"))

	// A destructor that scribbles over the buffer before freeing it.
	scribble := func(ctx context.Context, a uint32) error {
		_ = b.Library().Memory().Write(a, []byte("XXXXXX"))
		lib.Heap().Free(a, 0, 1)
		return nil
	}

	got, err := b.DecodeCString(ctx, addr, Callee, scribble)
	if err != nil || got != "copied" {
		t.Fatalf("DecodeCString = (%q, %v)", got, err)
	}
}

func TestDecodeBytes(t *testing.T) {
	ctx := context.Background()
	b, lib := newTestBoundary(t)

	addr := place(t, b, []byte{1, 2, 3, 0, 5})
	got, err := b.DecodeBytes(ctx, addr, 5, Callee, FreeWith(lib.Allocator(), 5, 1))
	if err != nil {
		t.Fatalf("DecodeBytes failed: %v", err)
	}
	if string(got) != "\x01\x02\x03\x00\x05" {
		t.Fatalf("DecodeBytes = %v", got)
	}
	assertNoLeaks(t, lib)

	empty, err := b.DecodeBytes(ctx, 0, 0, Caller, nil)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("DecodeBytes(0, 0) = (%v, %v), want empty slice", empty, err)
	}

	if _, err := b.DecodeBytes(ctx, 0, 3, Caller, nil); err == nil {
		t.Fatal("DecodeBytes(null, 3) should fail")
	}
}

func TestDecodeCStringN(t *testing.T) {
	b, _ := newTestBoundary(t)
	addr := place(t, b, []byte("abcdef"))

	got, err := b.DecodeCStringN(context.Background(), addr, 3, Caller, nil)
	if err != nil || got != "abc" {
		t.Fatalf("DecodeCStringN = (%q, %v)", got, err)
	}

	bad := place(t, b, []byte{0xc3})
	if _, err := b.DecodeCStringN(context.Background(), bad, 1, Caller, nil); !stderrors.Is(err, errors.ErrDecodingViolation) {
		t.Fatalf("DecodeCStringN = %v, want decoding violation", err)
	}
}

func TestDerefI32(t *testing.T) {
	b, _ := newTestBoundary(t)

	if _, ok, err := b.DerefI32(context.Background(), 0); ok || err != nil {
		t.Fatalf("DerefI32(0) = (_, %v, %v), want absent", ok, err)
	}

	addr := place(t, b, []byte{0xd6, 0xff, 0xff, 0xff})
	v, ok, err := b.DerefI32(context.Background(), addr)
	if err != nil || !ok || v != -42 {
		t.Fatalf("DerefI32 = (%d, %v, %v), want -42", v, ok, err)
	}
}
