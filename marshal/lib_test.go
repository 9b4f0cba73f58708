package marshal

import (
	"context"
	"encoding/binary"
	"testing"

	ffimarshal "github.com/wippyai/ffi-marshal"
	"github.com/wippyai/ffi-marshal/native/sim"
)

// newTestLib builds a small simulated library with the symbols the marshal
// tests need.
func newTestLib(t testing.TB) *sim.Library {
	t.Helper()

	lib := sim.New(sim.Config{Name: "marshal-test", MemorySize: 1 << 16})

	lib.Register("strlen", func(_ context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		s, err := lib.Arena().CString(uint32(args[0]))
		if err != nil {
			return nil, err
		}
		return []uint64{uint64(len(s))}, nil
	})

	lib.Register("concat", func(_ context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		a, err := lib.Arena().CString(uint32(args[0]))
		if err != nil {
			return nil, err
		}
		b, err := lib.Arena().CString(uint32(args[1]))
		if err != nil {
			return nil, err
		}
		out := a + b + "\x00"
		p, err := lib.Heap().Alloc(uint32(len(out)), 1)
		if err != nil {
			return nil, err
		}
		return []uint64{uint64(p)}, lib.Arena().Write(p, []byte(out))
	})

	lib.Register("free_char_p", func(_ context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		lib.Heap().Free(uint32(args[0]), 0, 1)
		return nil, nil
	})

	// sum(int32 const *xs, size_t len) -> int64
	lib.Register("sum", func(_ context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		ptr, n := uint32(args[0]), uint32(args[1])
		if n == 0 {
			return []uint64{0}, nil
		}
		data, err := lib.Arena().Read(ptr, 4*n)
		if err != nil {
			return nil, err
		}
		var total int64
		for i := uint32(0); i < n; i++ {
			total += int64(int32(binary.LittleEndian.Uint32(data[4*i:])))
		}
		return []uint64{uint64(total)}, nil
	})

	// call_with(env, fn, arg) -> fn(env, arg)
	lib.Register("call_with", func(ctx context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		r, err := lib.Invoke(ctx, ffimarshal.FuncPtr(args[1]), uint32(args[0]), uint32(args[2]))
		return []uint64{uint64(r)}, err
	})

	// call_n(env, fn, n) calls fn n times.
	lib.Register("call_n", func(ctx context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		for i := uint64(0); i < args[2]; i++ {
			if _, err := lib.Invoke(ctx, ffimarshal.FuncPtr(args[1]), uint32(args[0]), uint32(i)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	lib.Register("new_foo", func(_ context.Context, lib *sim.Library, _ []uint64) ([]uint64, error) {
		p, err := lib.Heap().Alloc(4, 4)
		if err != nil {
			return nil, err
		}
		return []uint64{uint64(p)}, lib.Arena().WriteU32(p, 42)
	})

	lib.Register("read_foo", func(_ context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		v, err := lib.Arena().ReadU32(uint32(args[0]))
		return []uint64{uint64(v)}, err
	})

	lib.Register("free_foo", func(_ context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		lib.Heap().Free(uint32(args[0]), 4, 4)
		return nil, nil
	})

	lib.Register("slow_answer", func(_ context.Context, _ *sim.Library, args []uint64) ([]uint64, error) {
		return []uint64{args[0] * 2}, nil
	})

	t.Cleanup(func() { _ = lib.Close(context.Background()) })
	return lib
}

func newTestBoundary(t testing.TB, opts ...Option) (*Boundary, *sim.Library) {
	t.Helper()
	lib := newTestLib(t)
	b := New(lib, opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b, lib
}

// assertNoLeaks fails the test if the library heap has live allocations or
// saw a bad free.
func assertNoLeaks(t testing.TB, lib *sim.Library) {
	t.Helper()
	st := lib.Heap().Stats()
	if st.Live != 0 {
		t.Errorf("%d allocations still live (%d bytes)", st.Live, st.LiveBytes)
	}
	if st.BadFrees != 0 {
		t.Errorf("%d frees of unallocated pointers", st.BadFrees)
	}
}
