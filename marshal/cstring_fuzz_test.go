package marshal

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/wippyai/ffi-marshal/errors"
)

func FuzzCStringRoundTrip(f *testing.F) {
	f.Add("Hello, World!")
	f.Add("")
	f.Add("héllo wörld ✓")
	f.Add("trailing\x00")
	f.Add("Hel\x00lo")
	f.Add("\x00\x00")
	f.Add("\xff")
	f.Add("bad \xc3\x28 sequence")

	ctx := context.Background()
	b, lib := newTestBoundary(f)

	f.Fuzz(func(t *testing.T, s string) {
		if len(s) > 4096 {
			t.Skip("larger than the test arena")
		}
		before := lib.Heap().Stats()

		nul := strings.IndexByte(s, 0)
		valid := utf8.ValidString(s) && (nul < 0 || nul == len(s)-1)
		want := strings.TrimSuffix(s, "\x00")

		p, err := b.EncodeCString(ctx, s)
		if !valid {
			if !stderrors.Is(err, errors.ErrEncodingViolation) {
				t.Fatalf("EncodeCString(%q) = %v, want encoding violation", s, err)
			}
			if after := lib.Heap().Stats(); after.Allocs != before.Allocs {
				t.Fatalf("rejected input %q allocated %d buffers", s, after.Allocs-before.Allocs)
			}
			return
		}
		if err != nil {
			t.Fatalf("EncodeCString(%q) failed: %v", s, err)
		}

		got, err := b.DecodeCString(ctx, p.Addr(), Caller, nil)
		if err != nil {
			t.Fatalf("DecodeCString failed: %v", err)
		}
		if got != want {
			t.Fatalf("decode(encode(%q)) = %q", s, got)
		}
		if err := p.Release(ctx); err != nil {
			t.Fatalf("Release failed: %v", err)
		}

		err = b.WithCString(ctx, s, func(c CStr) error {
			got, err := b.DecodeCStringN(ctx, c.Addr(), c.Len(), Caller, nil)
			if err != nil {
				return err
			}
			if got != want {
				t.Errorf("scoped round trip of %q = %q", s, got)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithCString failed: %v", err)
		}

		if after := lib.Heap().Stats(); after.Live != before.Live || after.BadFrees != 0 {
			t.Fatalf("heap after round trip: %+v (before %+v)", after, before)
		}
	})
}
