package wasm

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	ffimarshal "github.com/wippyai/ffi-marshal"
	"github.com/wippyai/ffi-marshal/errors"
	"github.com/wippyai/ffi-marshal/internal/wasmgen"
)

var (
	i32  = wasmgen.I32
	i32s = func(n int) []wasmgen.ValType {
		out := make([]wasmgen.ValType, n)
		for i := range out {
			out[i] = wasmgen.I32
		}
		return out
	}
)

// testModule builds a library with a bump allocator and a few symbols:
//
//	echo(x) -> x
//	call_with(env, fn, arg) -> invoke(fn, env, arg)
//	nap(ms)
//	frees() -> number of free calls with a non-null pointer
func testModule(t *testing.T, withFree bool) []byte {
	t.Helper()

	m := wasmgen.NewModule()
	invoke := m.ImportFunc(HostModule, "invoke", wasmgen.FuncType{Params: i32s(3), Results: i32s(1)})
	sleep := m.ImportFunc(HostModule, "sleep_ms", wasmgen.FuncType{Params: i32s(1)})
	m.Memory(MemoryExport, 1, nil)
	heap := m.Global(i32, true, 1024)
	frees := m.Global(i32, true, 0)

	// malloc rounds the heap up to 8 and bumps it.
	malloc := m.Func(MallocSymbol, wasmgen.FuncType{Params: i32s(2), Results: i32s(1)}, i32)
	malloc.GlobalGet(heap).I32Const(7).I32Add().I32Const(-8).I32And().LocalTee(2).
		LocalGet(0).I32Add().GlobalSet(heap).
		LocalGet(2)

	if withFree {
		free := m.Func(FreeSymbol, wasmgen.FuncType{Params: i32s(3)})
		free.LocalGet(0).If().
			GlobalGet(frees).I32Const(1).I32Add().GlobalSet(frees).
			End()
	}

	m.Func("echo", wasmgen.FuncType{Params: i32s(1), Results: i32s(1)}).LocalGet(0)

	m.Func("call_with", wasmgen.FuncType{Params: i32s(3), Results: i32s(1)}).
		LocalGet(1).LocalGet(0).LocalGet(2).Call(invoke)

	m.Func("nap", wasmgen.FuncType{Params: i32s(1)}).LocalGet(0).Call(sleep)

	m.Func("frees", wasmgen.FuncType{Results: i32s(1)}).GlobalGet(frees)

	bin, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return bin
}

func loadTestLib(t *testing.T) *Library {
	t.Helper()
	ctx := context.Background()
	lib, err := Load(ctx, testModule(t, true), Config{Name: "wasm-test"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	t.Cleanup(func() { _ = lib.Close(ctx) })
	return lib
}

func TestLoad_MissingSymbols(t *testing.T) {
	_, err := Load(context.Background(), testModule(t, false), Config{Required: []string{"echo", "absent"}})
	var missing *errors.MissingSymbolsError
	if !stderrors.As(err, &missing) {
		t.Fatalf("expected MissingSymbolsError, got %v", err)
	}
	if len(missing.Symbols) != 2 || missing.Symbols[0] != FreeSymbol || missing.Symbols[1] != "absent" {
		t.Fatalf("missing = %v", missing.Symbols)
	}
}

func TestLoad_Garbage(t *testing.T) {
	_, err := Load(context.Background(), []byte("not wasm"), Config{})
	if err == nil {
		t.Fatal("expected error for invalid module")
	}
}

func TestLibrary_Call(t *testing.T) {
	lib := loadTestLib(t)
	ctx := context.Background()

	out, err := lib.Call(ctx, "echo", 99)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if out[0] != 99 {
		t.Errorf("echo = %d, want 99", out[0])
	}
	if lib.Calls("echo") != 1 {
		t.Errorf("Calls(echo) = %d, want 1", lib.Calls("echo"))
	}

	_, err = lib.Call(ctx, "nope")
	if !stderrors.Is(err, &errors.Error{Kind: errors.KindNotFound}) {
		t.Errorf("unknown symbol: got %v", err)
	}

	_, err = lib.Call(ctx, "echo")
	if !stderrors.Is(err, errors.ErrTypeMismatch) {
		t.Errorf("wrong arity: got %v", err)
	}
}

func TestAllocator_RoundTrip(t *testing.T) {
	lib := loadTestLib(t)
	ctx := context.Background()

	a, err := lib.Allocator().Alloc(5, 1)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	b, err := lib.Allocator().Alloc(4, 4)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if a == 0 || b <= a || b%8 != 0 {
		t.Fatalf("Alloc returned %d then %d", a, b)
	}

	mem := lib.Memory()
	if err := mem.Write(a, []byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := mem.WriteU32(b, 0xCAFEBABE); err != nil {
		t.Fatalf("WriteU32 failed: %v", err)
	}
	got, _ := mem.Read(a, 5)
	if string(got) != "hello" {
		t.Errorf("Read = %q", got)
	}
	if v, _ := mem.ReadU32(b); v != 0xCAFEBABE {
		t.Errorf("ReadU32 = %#x", v)
	}
	if _, err := mem.Read(mem.(*Memory).Size()-2, 4); err == nil {
		t.Error("expected out of bounds read")
	}

	lib.Allocator().Free(a, 5, 1)
	lib.Allocator().Free(0, 0, 1)
	out, err := lib.Call(ctx, "frees")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if out[0] != 1 {
		t.Errorf("frees = %d, want 1", out[0])
	}
}

func TestLibrary_CallbackReentry(t *testing.T) {
	lib := loadTestLib(t)
	ctx := context.Background()

	var scratch uint32
	fp, err := lib.Trampolines().Install(func(ctx context.Context, env, arg uint32) (uint32, error) {
		// Allocation and a nested call both re-enter the running call.
		p, err := lib.Allocator().(ffimarshal.ContextAllocator).AllocContext(ctx, 8, 8)
		if err != nil {
			return 0, err
		}
		scratch = p
		out, err := lib.Call(ctx, "echo", uint64(arg))
		if err != nil {
			return 0, err
		}
		return env + uint32(out[0]), nil
	})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	done := make(chan struct{})
	var out []uint64
	go func() {
		defer close(done)
		out, err = lib.Call(ctx, "call_with", 100, uint64(fp), 23)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callback re-entry deadlocked")
	}
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if out[0] != 123 {
		t.Errorf("call_with = %d, want 123", out[0])
	}
	if scratch == 0 {
		t.Error("callback allocation returned null")
	}
}

func TestLibrary_EnterExcludesOtherGoroutines(t *testing.T) {
	lib := loadTestLib(t)
	alloc := lib.Allocator().(ffimarshal.ContextAllocator)

	sctx, leave := lib.Enter(context.Background())
	inner, err := alloc.AllocContext(sctx, 8, 8)
	if err != nil || inner == 0 {
		t.Fatalf("AllocContext inside the session = %d, %v", inner, err)
	}
	if _, err := lib.Call(sctx, "echo", 1); err != nil {
		t.Fatalf("Call inside the session failed: %v", err)
	}

	done := make(chan uint32)
	go func() {
		p, _ := alloc.AllocContext(context.Background(), 8, 8)
		done <- p
	}()
	select {
	case <-done:
		t.Fatal("allocation from another goroutine ran inside the session")
	case <-time.After(20 * time.Millisecond):
	}

	leave()
	select {
	case p := <-done:
		if p == 0 || p == inner {
			t.Errorf("allocation after the session = %d (session got %d)", p, inner)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("allocation still blocked after the session ended")
	}
}

func TestLibrary_CallbackError(t *testing.T) {
	lib := loadTestLib(t)
	ctx := context.Background()

	boom := stderrors.New("boom")
	fp, _ := lib.Trampolines().Install(func(context.Context, uint32, uint32) (uint32, error) {
		return 0, boom
	})

	_, err := lib.Call(ctx, "call_with", 0, uint64(fp), 0)
	if !stderrors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	// The library is still usable afterwards.
	if _, err := lib.Call(ctx, "echo", 1); err != nil {
		t.Fatalf("Call after abort failed: %v", err)
	}

	lib.Trampolines().Uninstall(fp)
	_, err = lib.Call(ctx, "call_with", 0, uint64(fp), 0)
	if !stderrors.Is(err, &errors.Error{Kind: errors.KindNilPointer}) {
		t.Fatalf("expected nil pointer for uninstalled fp, got %v", err)
	}
}

func TestLibrary_CallAsync(t *testing.T) {
	lib := loadTestLib(t)
	ctx := context.Background()

	start := time.Now()
	p := lib.CallAsync(ctx, "nap", 30)
	if p.Settled() {
		t.Fatal("async call settled before it ran")
	}

	if _, err := p.Await(ctx); err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("nap returned after %v", elapsed)
	}

	out, err := lib.CallAsync(ctx, "echo", 5).Await(ctx)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if out[0] != 5 {
		t.Errorf("echo = %d, want 5", out[0])
	}
}

func TestLibrary_Closed(t *testing.T) {
	ctx := context.Background()
	lib, err := Load(ctx, testModule(t, true), Config{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := lib.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := lib.Close(ctx); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := lib.Call(ctx, "echo", 1); err == nil {
		t.Fatal("expected error calling a closed library")
	}
}
