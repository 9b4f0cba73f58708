package conformance

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/wippyai/ffi-marshal/errors"
	"github.com/wippyai/ffi-marshal/fixture"
	"github.com/wippyai/ffi-marshal/marshal"
)

const greeting = "Hello, World!"

// Scenarios returns every scenario in run order.
func Scenarios() []Scenario {
	return []Scenario{
		{"concat", "concat round-trips and its result is freed exactly once", scenarioConcat},
		{"inner_nul", "a string with an inner NUL is rejected before any foreign call", scenarioInnerNul},
		{"with_concat", "the callback runs once and sees the concatenation", scenarioWithConcat},
		{"max", "max returns a pointer to the largest element", scenarioMax},
		{"max_empty", "max of an empty slice returns null", scenarioMaxEmpty},
		{"foo", "an opaque foo is read and destroyed exactly once", scenarioFoo},
		{"with_foo", "a callback re-enters the library with a lent foo", scenarioWithFoo},
		{"call_with_42", "call_with_42 returns what the callback returns", scenarioCallWith42},
		{"new_point", "new_point fills a caller-allocated out parameter", scenarioNewPoint},
		{"concat_bytes", "byte slices concatenate into a callee buffer", scenarioConcatBytes},
		{"async", "long_running does not settle before a 10ms timer, then yields 42", scenarioAsync},
		{"double_release", "releasing twice frees once; releasing a borrow is refused", scenarioDoubleRelease},
	}
}

// leakCheck returns a func that fails if the live allocation count moved.
func leakCheck(ctx context.Context, env *Env) (func() error, error) {
	before, err := env.Live(ctx)
	if err != nil {
		return nil, err
	}
	return func() error {
		after, err := env.Live(ctx)
		if err != nil {
			return err
		}
		if after != before {
			return fmt.Errorf("live allocations went from %d to %d", before, after)
		}
		return nil
	}, nil
}

// callDelta returns a func reporting how many more times symbol was called.
// It reports want when the library does not count calls.
func callDelta(env *Env, symbol string) func(want int) int {
	base := env.Calls(symbol)
	return func(want int) int {
		if base < 0 {
			return want
		}
		return env.Calls(symbol) - base
	}
}

func scenarioConcat(ctx context.Context, env *Env) error {
	leaks, err := leakCheck(ctx, env)
	if err != nil {
		return err
	}
	frees := callDelta(env, fixture.FreeCharP.Symbol)

	res, err := env.B.Invoke(ctx, fixture.Concat, marshal.String("Hello, "), marshal.String("World!"))
	if err != nil {
		return err
	}
	if res.Stats.BuffersAcquired != 2 || res.Stats.BuffersReleased != 2 {
		return fmt.Errorf("acquired %d and released %d argument buffers, want 2 and 2",
			res.Stats.BuffersAcquired, res.Stats.BuffersReleased)
	}
	got, err := env.B.DecodeCString(ctx, res.U32(0), marshal.Callee, env.B.Symbol(fixture.FreeCharP.Symbol))
	if err != nil {
		return err
	}
	if got != greeting {
		return fmt.Errorf("concat = %q, want %q", got, greeting)
	}
	if n := frees(1); n != 1 {
		return fmt.Errorf("free_char_p called %d times, want 1", n)
	}
	return leaks()
}

func scenarioInnerNul(ctx context.Context, env *Env) error {
	leaks, err := leakCheck(ctx, env)
	if err != nil {
		return err
	}
	calls := callDelta(env, fixture.Concat.Symbol)

	_, err = env.B.Invoke(ctx, fixture.Concat, marshal.String("Hel\x00lo, "), marshal.String("World!"))
	if !stderrors.Is(err, errors.ErrEncodingViolation) {
		return fmt.Errorf("expected encoding violation, got %v", err)
	}
	if n := calls(0); n != 0 {
		return fmt.Errorf("concat called %d times after a rejected argument", n)
	}

	// A single trailing NUL is the terminator, not an inner NUL.
	res, err := env.B.Invoke(ctx, fixture.Concat, marshal.String("Hello, \x00"), marshal.String("World!"))
	if err != nil {
		return fmt.Errorf("trailing NUL rejected: %w", err)
	}
	got, err := env.B.DecodeCString(ctx, res.U32(0), marshal.Callee, env.B.Symbol(fixture.FreeCharP.Symbol))
	if err != nil {
		return err
	}
	if got != greeting {
		return fmt.Errorf("concat = %q, want %q", got, greeting)
	}
	return leaks()
}

func scenarioWithConcat(ctx context.Context, env *Env) error {
	leaks, err := leakCheck(ctx, env)
	if err != nil {
		return err
	}

	var seen string
	cb := func(ctx context.Context, arg uint32) (uint32, error) {
		s, err := env.B.DecodeCString(ctx, arg, marshal.Caller, nil)
		if err != nil {
			return 0, err
		}
		seen = s
		return 0, nil
	}

	res, err := env.B.Invoke(ctx, fixture.WithConcat,
		marshal.String("Hello, "), marshal.String("World!"), marshal.Callback(cb, marshal.AtMostOnce()))
	if err != nil {
		return err
	}
	if res.Stats.CallbacksInvoked != 1 {
		return fmt.Errorf("callback invoked %d times, want 1", res.Stats.CallbacksInvoked)
	}
	if seen != greeting {
		return fmt.Errorf("callback saw %q, want %q", seen, greeting)
	}
	if n := env.B.PendingCallbacks(); n != 0 {
		return fmt.Errorf("%d callback contexts outlived the call", n)
	}
	return leaks()
}

func scenarioMax(ctx context.Context, env *Env) error {
	leaks, err := leakCheck(ctx, env)
	if err != nil {
		return err
	}

	xs := []int32{-27, -42, 9, -8}
	err = env.B.WithInt32s(ctx, xs, func(ref marshal.SliceRef) error {
		res, err := env.B.Invoke(ctx, fixture.Max, ref)
		if err != nil {
			return err
		}
		v, ok, err := env.B.DerefI32(ctx, res.U32(0))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("max of %v returned null", xs)
		}
		if v != 9 {
			return fmt.Errorf("max = %d, want 9", v)
		}
		if addr := res.U32(0); addr != ref.Ptr+8 {
			return fmt.Errorf("max points at %#x, want element 2 at %#x", addr, ref.Ptr+8)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return leaks()
}

func scenarioMaxEmpty(ctx context.Context, env *Env) error {
	leaks, err := leakCheck(ctx, env)
	if err != nil {
		return err
	}

	res, err := env.B.Invoke(ctx, fixture.Max, marshal.Int32s(nil))
	if err != nil {
		return err
	}
	if res.Stats.BuffersAcquired != 0 {
		return fmt.Errorf("empty slice acquired %d buffers", res.Stats.BuffersAcquired)
	}
	if _, ok, err := env.B.DerefI32(ctx, res.U32(0)); err != nil || ok {
		return fmt.Errorf("max of empty slice = %#x, want null (err %v)", res.U32(0), err)
	}
	return leaks()
}

func scenarioFoo(ctx context.Context, env *Env) error {
	leaks, err := leakCheck(ctx, env)
	if err != nil {
		return err
	}
	frees := callDelta(env, fixture.FreeFoo.Symbol)

	res, err := env.B.Invoke(ctx, fixture.NewFoo)
	if err != nil {
		return err
	}
	if res.U32(0) == 0 {
		return fmt.Errorf("new_foo returned null")
	}
	foo := env.B.Opaque(res.U32(0), fixture.FooType, env.B.Symbol(fixture.FreeFoo.Symbol))

	res, err = env.B.Invoke(ctx, fixture.ReadFoo, foo)
	if err != nil {
		return err
	}
	if res.I32(0) != fixture.FooValue {
		return fmt.Errorf("read_foo = %d, want %d", res.I32(0), fixture.FooValue)
	}

	if err := foo.Release(ctx); err != nil {
		return err
	}
	if _, err := env.B.Invoke(ctx, fixture.ReadFoo, foo); !stderrors.Is(err, errors.ErrOwnershipViolation) {
		return fmt.Errorf("read_foo after release: expected ownership violation, got %v", err)
	}

	// free_foo(NULL) is a no-op.
	if _, err := env.B.Invoke(ctx, fixture.FreeFoo, (*marshal.Ptr)(nil)); err != nil {
		return err
	}
	if n := frees(2); n != 2 {
		return fmt.Errorf("free_foo called %d times, want 2", n)
	}
	return leaks()
}

func scenarioWithFoo(ctx context.Context, env *Env) error {
	leaks, err := leakCheck(ctx, env)
	if err != nil {
		return err
	}

	var read int32
	cb := func(ctx context.Context, arg uint32) (uint32, error) {
		// The foo is lent for the callback only.
		foo := env.B.Wrap(arg, marshal.Caller, nil, marshal.WithType(fixture.FooType))
		res, err := env.B.Invoke(ctx, fixture.ReadFoo, foo)
		if err != nil {
			return 0, err
		}
		read = res.I32(0)
		if err := foo.Release(ctx); !stderrors.Is(err, errors.ErrOwnershipViolation) {
			return 0, fmt.Errorf("releasing a lent foo: expected ownership violation, got %v", err)
		}
		return 0, nil
	}

	res, err := env.B.Invoke(ctx, fixture.WithFoo, marshal.Callback(cb))
	if err != nil {
		return err
	}
	if !res.Bool(0) {
		return fmt.Errorf("with_foo returned false")
	}
	if read != fixture.FooValue {
		return fmt.Errorf("callback read %d, want %d", read, fixture.FooValue)
	}
	return leaks()
}

func scenarioCallWith42(ctx context.Context, env *Env) error {
	var got uint32
	cb := func(_ context.Context, arg uint32) (uint32, error) {
		got = arg
		return 27, nil
	}
	res, err := env.B.Invoke(ctx, fixture.CallWith42, marshal.Callback(cb))
	if err != nil {
		return err
	}
	if got != fixture.CallbackArg {
		return fmt.Errorf("callback received %d, want %d", got, fixture.CallbackArg)
	}
	if res.I32(0) != 27 {
		return fmt.Errorf("call_with_42 = %d, want 27", res.I32(0))
	}
	return nil
}

func scenarioNewPoint(ctx context.Context, env *Env) error {
	leaks, err := leakCheck(ctx, env)
	if err != nil {
		return err
	}

	err = env.B.WithOut(ctx, fixture.PointSize, 4, func(addr uint32) error {
		out := env.B.Wrap(addr, marshal.Caller, nil, marshal.WithSize(fixture.PointSize))
		res, err := env.B.Invoke(ctx, fixture.NewPoint, marshal.I32(3), marshal.I32(-4), out)
		if err != nil {
			return err
		}
		if !res.Bool(0) {
			return fmt.Errorf("new_point returned false")
		}
		x, err := env.Lib.Memory().ReadU32(addr)
		if err != nil {
			return err
		}
		y, err := env.Lib.Memory().ReadU32(addr + 4)
		if err != nil {
			return err
		}
		if int32(x) != 3 || int32(y) != -4 {
			return fmt.Errorf("point = (%d, %d), want (3, -4)", int32(x), int32(y))
		}
		return nil
	})
	if err != nil {
		return err
	}

	res, err := env.B.Invoke(ctx, fixture.NewPoint, marshal.I32(1), marshal.I32(2), (*marshal.Ptr)(nil))
	if err != nil {
		return err
	}
	if res.Bool(0) {
		return fmt.Errorf("new_point with a null out parameter returned true")
	}
	return leaks()
}

func scenarioConcatBytes(ctx context.Context, env *Env) error {
	leaks, err := leakCheck(ctx, env)
	if err != nil {
		return err
	}

	var got []byte
	err = env.B.WithOut(ctx, 4, 4, func(outLen uint32) error {
		res, err := env.B.Invoke(ctx, fixture.ConcatBytes,
			marshal.Bytes([]byte("Hello, ")), marshal.Bytes([]byte("World!")),
			env.B.Wrap(outLen, marshal.Caller, nil))
		if err != nil {
			return err
		}
		n, err := env.Lib.Memory().ReadU32(outLen)
		if err != nil {
			return err
		}
		free := func(ctx context.Context, addr uint32) error {
			_, err := env.B.Invoke(ctx, fixture.FreeBytes, env.B.Wrap(addr, marshal.Caller, nil), marshal.U32(n))
			return err
		}
		got, err = env.B.DecodeBytes(ctx, res.U32(0), n, marshal.Callee, free)
		return err
	})
	if err != nil {
		return err
	}
	if string(got) != greeting {
		return fmt.Errorf("concat_bytes = %q, want %q", got, greeting)
	}
	return leaks()
}

func scenarioAsync(ctx context.Context, env *Env) error {
	p, err := env.B.InvokeAsync(ctx, fixture.LongRunning)
	if err != nil {
		return err
	}

	timer := time.NewTimer(10 * time.Millisecond)
	defer timer.Stop()
	select {
	case <-p.Done():
		return fmt.Errorf("long_running settled before a 10ms timer")
	case <-timer.C:
	}

	wctx, cancel := context.WithTimeout(ctx, env.opts.AsyncTimeout)
	defer cancel()
	out, err := p.Await(wctx)
	if err != nil {
		return err
	}
	if len(out) == 0 || int32(out[0]) != fixture.LongRunningResult {
		return fmt.Errorf("long_running = %v, want %d", out, fixture.LongRunningResult)
	}
	return nil
}

func scenarioDoubleRelease(ctx context.Context, env *Env) error {
	leaks, err := leakCheck(ctx, env)
	if err != nil {
		return err
	}
	frees := callDelta(env, fixture.FreeCharP.Symbol)

	res, err := env.B.Invoke(ctx, fixture.Concat, marshal.String("a"), marshal.String("b"))
	if err != nil {
		return err
	}
	addr := res.U32(0)

	borrowed := env.B.Wrap(addr, marshal.Caller, nil)
	if err := borrowed.Release(ctx); !stderrors.Is(err, errors.ErrOwnershipViolation) {
		return fmt.Errorf("releasing a borrowed pointer: expected ownership violation, got %v", err)
	}

	owned := env.B.Wrap(addr, marshal.Callee, env.B.Symbol(fixture.FreeCharP.Symbol))
	if err := owned.Release(ctx); err != nil {
		return err
	}
	err = owned.Release(ctx)
	switch env.opts.Policy {
	case marshal.ReleaseStrict:
		if !stderrors.Is(err, errors.ErrOwnershipViolation) {
			return fmt.Errorf("strict second release: expected ownership violation, got %v", err)
		}
	default:
		if err != nil {
			return fmt.Errorf("idempotent second release failed: %w", err)
		}
	}
	if n := frees(1); n != 1 {
		return fmt.Errorf("free_char_p called %d times, want 1", n)
	}
	return leaks()
}
