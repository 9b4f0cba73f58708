package fixture

import (
	"context"
	"sync"

	"github.com/wippyai/ffi-marshal/internal/wasmgen"
	"github.com/wippyai/ffi-marshal/native/wasm"
)

// Linear memory layout of the wasm fixture.
const (
	wasmHeapBase  = 1024
	wasmMinPages  = 2
	wasmPageShift = 16
)

var (
	wasmOnce  sync.Once
	wasmBin   []byte
	wasmError error
)

// Wasm returns the fixture library as a core wasm binary. It imports
// ffi.invoke and ffi.sleep_ms and exports memory, malloc, free and every
// fixture symbol.
func Wasm() ([]byte, error) {
	wasmOnce.Do(func() {
		wasmBin, wasmError = buildWasm()
	})
	return wasmBin, wasmError
}

// NewWazero loads the wasm fixture. Every fixture symbol is required.
func NewWazero(ctx context.Context, cfg wasm.Config) (*wasm.Library, error) {
	bin, err := Wasm()
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "fixture"
	}
	cfg.Required = append(Symbols(), cfg.Required...)
	return wasm.Load(ctx, bin, cfg)
}

func sig(params, results int) wasmgen.FuncType {
	ft := wasmgen.FuncType{}
	for range params {
		ft.Params = append(ft.Params, wasmgen.I32)
	}
	for range results {
		ft.Results = append(ft.Results, wasmgen.I32)
	}
	return ft
}

func buildWasm() ([]byte, error) {
	m := wasmgen.NewModule()
	invoke := m.ImportFunc(wasm.HostModule, "invoke", sig(3, 1))
	sleepMs := m.ImportFunc(wasm.HostModule, "sleep_ms", sig(1, 0))

	m.Memory(wasm.MemoryExport, wasmMinPages, nil)
	heap := m.Global(wasmgen.I32, true, wasmHeapBase)
	live := m.Global(wasmgen.I32, true, 0)
	i32 := wasmgen.I32

	// malloc(size, align): bump allocation, growing memory as needed.
	// locals: 2 ptr, 3 end
	malloc := m.Func(wasm.MallocSymbol, sig(2, 1), i32, i32)
	malloc.LocalGet(0).I32Eqz().If().I32Const(1).LocalSet(0).End().
		LocalGet(1).I32Eqz().If().I32Const(1).LocalSet(1).End().
		GlobalGet(heap).LocalGet(1).I32Add().I32Const(1).I32Sub().
		I32Const(0).LocalGet(1).I32Sub().I32And().LocalTee(2).
		LocalGet(0).I32Add().LocalSet(3).
		Block().Loop().
		LocalGet(3).MemorySize().I32Const(wasmPageShift).I32Shl().I32LeU().BrIf(1).
		I32Const(1).MemoryGrow().I32Const(-1).I32Eq().If().I32Const(0).Return().End().
		Br(0).
		End().End().
		LocalGet(3).GlobalSet(heap).
		GlobalGet(live).I32Const(1).I32Add().GlobalSet(live).
		LocalGet(2)

	// free(ptr, size, align)
	free := m.Func(wasm.FreeSymbol, sig(3, 0))
	free.LocalGet(0).If().
		GlobalGet(live).I32Const(1).I32Sub().GlobalSet(live).
		End()

	// strlen(p), internal.
	// locals: 1 n
	strlen := m.Func("", sig(1, 1), i32)
	strlen.Block().Loop().
		LocalGet(0).LocalGet(1).I32Add().I32Load8U(0).I32Eqz().BrIf(1).
		LocalGet(1).I32Const(1).I32Add().LocalSet(1).
		Br(0).
		End().End().
		LocalGet(1)

	// concat(a, b)
	// locals: 2 lenA, 3 lenB, 4 out
	concat := m.Func("concat", sig(2, 1), i32, i32, i32)
	concat.LocalGet(0).Call(strlen.Index()).LocalSet(2).
		LocalGet(1).Call(strlen.Index()).LocalSet(3).
		LocalGet(2).LocalGet(3).I32Add().I32Const(1).I32Add().I32Const(1).Call(malloc.Index()).LocalTee(4).
		I32Eqz().If().I32Const(0).Return().End().
		LocalGet(4).LocalGet(0).LocalGet(2).MemoryCopy().
		LocalGet(4).LocalGet(2).I32Add().LocalGet(1).LocalGet(3).MemoryCopy().
		LocalGet(4).LocalGet(2).I32Add().LocalGet(3).I32Add().I32Const(0).I32Store8(0).
		LocalGet(4)

	// free_char_p(p)
	freeCharP := m.Func("free_char_p", sig(1, 0))
	freeCharP.LocalGet(0).I32Const(0).I32Const(1).Call(free.Index())

	// with_concat(a, b, env, fn)
	// locals: 4 s
	withConcat := m.Func("with_concat", sig(4, 0), i32)
	withConcat.LocalGet(0).LocalGet(1).Call(concat.Index()).LocalSet(4).
		LocalGet(3).LocalGet(2).LocalGet(4).Call(invoke).Drop().
		LocalGet(4).Call(freeCharP.Index())

	// max(ptr, len): address of the last maximum, or null.
	// locals: 2 best, 3 i, 4 cur
	maxFn := m.Func("max", sig(2, 1), i32, i32, i32)
	maxFn.LocalGet(1).I32Eqz().If().I32Const(0).Return().End().
		LocalGet(0).LocalSet(2).
		I32Const(1).LocalSet(3).
		Block().Loop().
		LocalGet(3).LocalGet(1).I32GeU().BrIf(1).
		LocalGet(0).LocalGet(3).I32Const(2).I32Shl().I32Add().LocalTee(4).
		I32Load(0).LocalGet(2).I32Load(0).I32GeS().If().LocalGet(4).LocalSet(2).End().
		LocalGet(3).I32Const(1).I32Add().LocalSet(3).
		Br(0).
		End().End().
		LocalGet(2)

	// new_foo()
	// locals: 0 foo
	newFoo := m.Func("new_foo", sig(0, 1), i32)
	newFoo.I32Const(4).I32Const(4).Call(malloc.Index()).LocalTee(0).
		I32Eqz().If().I32Const(0).Return().End().
		LocalGet(0).I32Const(FooValue).I32Store(0).
		LocalGet(0)

	m.Func("read_foo", sig(1, 1)).LocalGet(0).I32Load(0)

	freeFoo := m.Func("free_foo", sig(1, 0))
	freeFoo.LocalGet(0).I32Const(4).I32Const(4).Call(free.Index())

	// with_foo(env, fn)
	// locals: 2 foo
	withFoo := m.Func("with_foo", sig(2, 1), i32)
	withFoo.Call(newFoo.Index()).LocalTee(2).
		I32Eqz().If().I32Const(0).Return().End().
		LocalGet(1).LocalGet(0).LocalGet(2).Call(invoke).Drop().
		LocalGet(2).Call(freeFoo.Index()).
		I32Const(1)

	// call_with_42(env, fn)
	m.Func("call_with_42", sig(2, 1)).
		LocalGet(1).LocalGet(0).I32Const(CallbackArg).Call(invoke)

	// new_point(x, y, out)
	m.Func("new_point", sig(3, 1)).
		LocalGet(2).I32Eqz().If().I32Const(0).Return().End().
		LocalGet(2).LocalGet(0).I32Store(0).
		LocalGet(2).LocalGet(1).I32Store(4).
		I32Const(1)

	// concat_bytes(aPtr, aLen, bPtr, bLen, outLen)
	// locals: 5 out
	m.Func("concat_bytes", sig(5, 1), i32).
		LocalGet(1).LocalGet(3).I32Add().I32Const(1).Call(malloc.Index()).LocalTee(5).
		I32Eqz().If().I32Const(0).Return().End().
		LocalGet(5).LocalGet(0).LocalGet(1).MemoryCopy().
		LocalGet(5).LocalGet(1).I32Add().LocalGet(2).LocalGet(3).MemoryCopy().
		LocalGet(4).If().LocalGet(4).LocalGet(1).LocalGet(3).I32Add().I32Store(0).End().
		LocalGet(5)

	// free_bytes(ptr, len)
	m.Func("free_bytes", sig(2, 0)).
		LocalGet(0).LocalGet(1).I32Const(1).Call(free.Index())

	m.Func("long_running", sig(0, 1)).
		I32Const(int32(LongRunningDelay.Milliseconds())).Call(sleepMs).
		I32Const(LongRunningResult)

	m.Func("live_allocations", sig(0, 1)).GlobalGet(live)

	return m.Encode()
}
