package fixture

import (
	"context"
	"time"

	ffimarshal "github.com/wippyai/ffi-marshal"
	"github.com/wippyai/ffi-marshal/native/sim"
)

// NewSim returns a simulated library with every fixture symbol registered.
func NewSim(cfg sim.Config) *sim.Library {
	if cfg.Name == "" {
		cfg.Name = "fixture"
	}
	lib := sim.New(cfg)
	for name, fn := range simSymbols {
		lib.Register(name, fn)
	}
	return lib
}

func u32(v uint64) uint32 { return uint32(v) }

func ret(v uint32) []uint64 { return []uint64{uint64(v)} }

func boolRet(b bool) []uint64 {
	if b {
		return ret(1)
	}
	return ret(0)
}

// concatC mirrors the C helper: a freshly malloc'd NUL-terminated copy of
// a followed by b.
func concatC(lib *sim.Library, a, b uint32) (uint32, error) {
	sa, err := lib.Arena().CString(a)
	if err != nil {
		return 0, err
	}
	sb, err := lib.Arena().CString(b)
	if err != nil {
		return 0, err
	}
	out := sa + sb + "\x00"
	p, err := lib.Heap().Alloc(uint32(len(out)), 1)
	if err != nil {
		return 0, err
	}
	return p, lib.Arena().Write(p, []byte(out))
}

func newFoo(lib *sim.Library) (uint32, error) {
	p, err := lib.Heap().Alloc(4, 4)
	if err != nil {
		return 0, err
	}
	return p, lib.Arena().WriteU32(p, FooValue)
}

var simSymbols = map[string]sim.Func{
	"concat": func(_ context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		p, err := concatC(lib, u32(args[0]), u32(args[1]))
		return ret(p), err
	},

	"free_char_p": func(_ context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		lib.Heap().Free(u32(args[0]), 0, 1)
		return nil, nil
	},

	// with_concat(a, b, env, fn)
	"with_concat": func(ctx context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		p, err := concatC(lib, u32(args[0]), u32(args[1]))
		if err != nil {
			return nil, err
		}
		defer lib.Heap().Free(p, 0, 1)
		_, err = lib.Invoke(ctx, ffimarshal.FuncPtr(args[3]), u32(args[2]), p)
		return nil, err
	},

	// max(ptr, len) returns the address of the last maximum, or null.
	"max": func(_ context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		ptr, n := u32(args[0]), u32(args[1])
		if n == 0 {
			return ret(0), nil
		}
		best := ptr
		bestVal, err := lib.Arena().ReadU32(ptr)
		if err != nil {
			return nil, err
		}
		for i := uint32(1); i < n; i++ {
			addr := ptr + 4*i
			v, err := lib.Arena().ReadU32(addr)
			if err != nil {
				return nil, err
			}
			if int32(v) >= int32(bestVal) {
				best, bestVal = addr, v
			}
		}
		return ret(best), nil
	},

	"new_foo": func(_ context.Context, lib *sim.Library, _ []uint64) ([]uint64, error) {
		p, err := newFoo(lib)
		return ret(p), err
	},

	"read_foo": func(_ context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		v, err := lib.Arena().ReadU32(u32(args[0]))
		return ret(v), err
	},

	"free_foo": func(_ context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		lib.Heap().Free(u32(args[0]), 4, 4)
		return nil, nil
	},

	// with_foo(env, fn) lends a fresh foo to the callback.
	"with_foo": func(ctx context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		foo, err := newFoo(lib)
		if err != nil {
			return boolRet(false), nil
		}
		defer lib.Heap().Free(foo, 4, 4)
		if _, err := lib.Invoke(ctx, ffimarshal.FuncPtr(args[1]), u32(args[0]), foo); err != nil {
			return nil, err
		}
		return boolRet(true), nil
	},

	// call_with_42(env, fn)
	"call_with_42": func(ctx context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		r, err := lib.Invoke(ctx, ffimarshal.FuncPtr(args[1]), u32(args[0]), CallbackArg)
		return ret(r), err
	},

	// new_point(x, y, out)
	"new_point": func(_ context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		out := u32(args[2])
		if out == 0 {
			return boolRet(false), nil
		}
		if err := lib.Arena().WriteU32(out, u32(args[0])); err != nil {
			return nil, err
		}
		if err := lib.Arena().WriteU32(out+4, u32(args[1])); err != nil {
			return nil, err
		}
		return boolRet(true), nil
	},

	// concat_bytes(aPtr, aLen, bPtr, bLen, outLen)
	"concat_bytes": func(_ context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		aPtr, aLen, bPtr, bLen, outLen := u32(args[0]), u32(args[1]), u32(args[2]), u32(args[3]), u32(args[4])
		total := aLen + bLen
		p, err := lib.Heap().Alloc(total, 1)
		if err != nil {
			return ret(0), nil
		}
		for _, part := range []struct{ src, n, dst uint32 }{{aPtr, aLen, p}, {bPtr, bLen, p + aLen}} {
			if part.n == 0 {
				continue
			}
			data, err := lib.Arena().Read(part.src, part.n)
			if err != nil {
				return nil, err
			}
			if err := lib.Arena().Write(part.dst, data); err != nil {
				return nil, err
			}
		}
		if outLen != 0 {
			if err := lib.Arena().WriteU32(outLen, total); err != nil {
				return nil, err
			}
		}
		return ret(p), nil
	},

	"free_bytes": func(_ context.Context, lib *sim.Library, args []uint64) ([]uint64, error) {
		lib.Heap().Free(u32(args[0]), u32(args[1]), 1)
		return nil, nil
	},

	"long_running": func(ctx context.Context, _ *sim.Library, _ []uint64) ([]uint64, error) {
		t := time.NewTimer(LongRunningDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
		return ret(LongRunningResult), nil
	},

	"live_allocations": func(_ context.Context, lib *sim.Library, _ []uint64) ([]uint64, error) {
		return ret(uint32(lib.Heap().Stats().Live)), nil
	},
}
