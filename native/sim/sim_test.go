package sim

import (
	"context"
	stderrors "errors"
	"math"
	"testing"
	"time"

	ffimarshal "github.com/wippyai/ffi-marshal"
	"github.com/wippyai/ffi-marshal/errors"
)

func TestAllocator_AlignmentAndReuse(t *testing.T) {
	a := newAllocator(4096, 0)

	p1, err := a.Alloc(3, 1)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if p1 == 0 || p1%minAlign != 0 {
		t.Fatalf("Alloc returned %d, want non-null and 8-aligned", p1)
	}
	if p1 < heapBase {
		t.Fatalf("Alloc returned %d inside the reserved page", p1)
	}

	p2, err := a.Alloc(16, 64)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if p2%64 != 0 {
		t.Fatalf("Alloc(16, 64) = %d, not 64-aligned", p2)
	}

	a.Free(p1, 3, 1)
	p3, err := a.Alloc(8, 8)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if p3 != p1 {
		t.Fatalf("first fit should reuse %d, got %d", p1, p3)
	}

	st := a.Stats()
	if st.Allocs != 3 || st.Frees != 1 || st.Live != 2 {
		t.Fatalf("Stats = %+v", st)
	}
}

func TestAllocator_Coalesce(t *testing.T) {
	a := newAllocator(heapBase+64, 0)

	p1, _ := a.Alloc(32, 8)
	p2, _ := a.Alloc(32, 8)
	if _, err := a.Alloc(8, 8); err == nil {
		t.Fatal("expected out of memory")
	}

	a.Free(p2, 32, 8)
	a.Free(p1, 32, 8)

	if _, err := a.Alloc(64, 8); err != nil {
		t.Fatalf("freed neighbours should merge: %v", err)
	}
}

func TestAllocator_BadFree(t *testing.T) {
	a := newAllocator(4096, 0)
	p, _ := a.Alloc(8, 8)

	a.Free(p, 8, 8)
	a.Free(p, 8, 8)
	a.Free(12345, 8, 8)
	a.Free(0, 0, 0)

	st := a.Stats()
	if st.Frees != 1 {
		t.Errorf("Frees = %d, want 1", st.Frees)
	}
	if st.BadFrees != 2 {
		t.Errorf("BadFrees = %d, want 2", st.BadFrees)
	}
}

func TestAllocator_Limit(t *testing.T) {
	a := newAllocator(4096, 32)
	if _, err := a.Alloc(24, 8); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if _, err := a.Alloc(16, 8); err == nil {
		t.Fatal("expected allocation limit error")
	}
}

func TestAllocator_HugeSizeRejected(t *testing.T) {
	a := newAllocator(4096, 0)
	for _, size := range []uint32{math.MaxUint32, math.MaxUint32 - 3, math.MaxUint32 - minAlign + 1} {
		if p, err := a.Alloc(size, 8); err == nil {
			t.Errorf("Alloc(%d) = %#x, want error", size, p)
		}
	}
	if st := a.Stats(); st.Allocs != 0 || st.Live != 0 {
		t.Fatalf("stats after rejected allocations = %+v", st)
	}

	limited := newAllocator(4096, 64)
	if _, err := limited.Alloc(8, 8); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if _, err := limited.Alloc(math.MaxUint32-minAlign, 8); err == nil {
		t.Fatal("expected a size near the limit of uint32 to fail")
	}
}

func TestMemory_Bounds(t *testing.T) {
	m := newMemory(16)

	if err := m.WriteU32(12, 0xdeadbeef); err != nil {
		t.Fatalf("WriteU32 failed: %v", err)
	}
	v, err := m.ReadU32(12)
	if err != nil || v != 0xdeadbeef {
		t.Fatalf("ReadU32 = (%x, %v)", v, err)
	}
	if _, err := m.ReadU32(13); err == nil {
		t.Fatal("expected out of bounds read")
	}
	if err := m.Write(15, []byte{1, 2}); err == nil {
		t.Fatal("expected out of bounds write")
	}
	if _, err := m.Read(0xffffffff, 2); err == nil {
		t.Fatal("offset overflow must be rejected")
	}
}

func TestMemory_CString(t *testing.T) {
	m := newMemory(32)
	_ = m.Write(16, []byte("hey\x00"))

	s, err := m.CString(16)
	if err != nil || s != "hey" {
		t.Fatalf("CString = (%q, %v)", s, err)
	}

	_ = m.Write(28, []byte("abcd"))
	if _, err := m.CString(28); err == nil {
		t.Fatal("expected unterminated error")
	}
}

func TestLibrary_CallAndSpy(t *testing.T) {
	ctx := context.Background()
	lib := New(Config{Name: "test"})
	lib.Register("add", func(_ context.Context, _ *Library, args []uint64) ([]uint64, error) {
		return []uint64{args[0] + args[1]}, nil
	})

	out, err := lib.Call(ctx, "add", 2, 3)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if out[0] != 5 {
		t.Fatalf("add(2, 3) = %d", out[0])
	}
	if lib.Calls("add") != 1 {
		t.Fatalf("Calls(add) = %d, want 1", lib.Calls("add"))
	}

	_, err = lib.Call(ctx, "missing")
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestLibrary_PanicIsForeignFault(t *testing.T) {
	lib := New(Config{})
	lib.Register("boom", func(context.Context, *Library, []uint64) ([]uint64, error) {
		panic("segfault")
	})

	_, err := lib.Call(context.Background(), "boom")
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindForeignFault {
		t.Fatalf("expected foreign_fault, got %v", err)
	}
}

func TestLibrary_ReentrantCallback(t *testing.T) {
	ctx := context.Background()
	lib := New(Config{})
	lib.Register("inner", func(context.Context, *Library, []uint64) ([]uint64, error) {
		return []uint64{7}, nil
	})
	lib.Register("call_fn", func(ctx context.Context, lib *Library, args []uint64) ([]uint64, error) {
		r, err := lib.Invoke(ctx, ffimarshal.FuncPtr(args[0]), 0, 0)
		return []uint64{uint64(r)}, err
	})

	fp, err := lib.Trampolines().Install(func(ctx context.Context, env, arg uint32) (uint32, error) {
		out, err := lib.Call(ctx, "inner")
		if err != nil {
			return 0, err
		}
		return uint32(out[0]) * 2, nil
	})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	out, err := lib.Call(ctx, "call_fn", uint64(fp))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if out[0] != 14 {
		t.Fatalf("call_fn = %d, want 14", out[0])
	}

	if !lib.Trampolines().Uninstall(fp) {
		t.Fatal("Uninstall failed")
	}
	if _, err := lib.Call(ctx, "call_fn", uint64(fp)); err == nil {
		t.Fatal("expected error for uninstalled function pointer")
	}
}

func TestLibrary_CallAsync(t *testing.T) {
	lib := New(Config{})
	lib.Register("slow", func(ctx context.Context, _ *Library, _ []uint64) ([]uint64, error) {
		time.Sleep(30 * time.Millisecond)
		return []uint64{42}, nil
	})

	p := lib.CallAsync(context.Background(), "slow")

	select {
	case <-p.Done():
		t.Fatal("async call settled before its work finished")
	case <-time.After(5 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := p.Await(ctx)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if out[0] != 42 {
		t.Fatalf("slow = %d, want 42", out[0])
	}

	if err := lib.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := lib.Call(context.Background(), "slow"); err == nil {
		t.Fatal("Call after Close should fail")
	}
}
