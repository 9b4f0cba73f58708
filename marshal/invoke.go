package marshal

import (
	"context"
	"math"

	"go.uber.org/zap"

	ffimarshal "github.com/wippyai/ffi-marshal"
	"github.com/wippyai/ffi-marshal/errors"
)

// Result holds the raw slots a foreign call returned and the boundary
// counters recorded while making it.
type Result struct {
	Values []uint64
	Stats  CallStats
}

// U32 returns result slot i as an unsigned 32-bit value.
func (r *Result) U32(i int) uint32 {
	if i >= len(r.Values) {
		return 0
	}
	return uint32(r.Values[i])
}

// I32 returns result slot i as a signed 32-bit value.
func (r *Result) I32(i int) int32 { return int32(r.U32(i)) }

// Bool returns result slot i as a C bool.
func (r *Result) Bool(i int) bool { return r.U32(i) != 0 }

// F64 returns result slot i as a double.
func (r *Result) F64(i int) float64 {
	if i >= len(r.Values) {
		return 0
	}
	return math.Float64frombits(r.Values[i])
}

// Invoke makes one synchronous foreign call. Host values (String, Int32s,
// Bytes, Callback) are acquired for the duration of the call and released in
// reverse order once it returns, on every exit path. Shape errors are
// reported before anything is allocated.
func (b *Boundary) Invoke(ctx context.Context, sig Signature, args ...Arg) (res *Result, err error) {
	if err := checkArgs(sig, args); err != nil {
		return nil, err
	}
	ctx, leave := b.enter(ctx)
	defer leave()

	info := CallInfo{Library: b.lib.Name(), Symbol: sig.Symbol}
	stats := &CallStats{}
	call := newCallState()

	ctx, token := b.hook.OnCallStart(ctx, info)
	defer func() {
		stats.States = call.snapshot()
		if res != nil {
			res.Stats = *stats
		}
		b.hook.OnCallEnd(ctx, token, info, stats, err)
	}()

	var owned []*Ptr
	var callbacks []CallbackArg
	defer func() {
		releaseAll(ctx, owned, stats, &err)
		for _, cb := range callbacks {
			b.unregisterCallback(cb)
		}
		if terr := call.advance(StateBufferReleased); terr != nil && err == nil {
			err = terr
		}
		if terr := call.advance(StateTerminal); terr != nil && err == nil {
			err = terr
		}
	}()

	acquired := func(p *Ptr) error {
		owned = append(owned, p)
		stats.recordAcquire(p.Size())
		return call.advance(StateBufferAcquired)
	}

	slots := make([]uint64, 0, slotCount(sig))
	for i, a := range args {
		switch v := a.(type) {
		case hostString:
			p, err := b.EncodeCString(ctx, string(v))
			if err != nil {
				return nil, withSymbol(err, sig.Symbol)
			}
			if err := acquired(p); err != nil {
				return nil, err
			}
			slots = append(slots, uint64(p.Addr()))

		case hostInt32s:
			addr, n, err := b.acquireSlice(ctx, int32sToBytes(v), 4, acquired)
			if err != nil {
				return nil, withSymbol(err, sig.Symbol)
			}
			slots = append(slots, uint64(addr), uint64(n/4))

		case hostBytes:
			addr, n, err := b.acquireSlice(ctx, v, 1, acquired)
			if err != nil {
				return nil, withSymbol(err, sig.Symbol)
			}
			slots = append(slots, uint64(addr), uint64(n))

		case hostCallback:
			cb, err := b.registerCallback(v.fn, call, stats, v.opts...)
			if err != nil {
				return nil, withSymbol(err, sig.Symbol)
			}
			callbacks = append(callbacks, cb)
			slots = append(slots, uint64(cb.Env), uint64(cb.Fn))

		case *Ptr:
			if v == nil {
				slots = append(slots, 0)
				continue
			}
			addr, err := v.As(sig.Params[i].Type)
			if err != nil {
				return nil, withSymbol(err, sig.Symbol)
			}
			slots = append(slots, uint64(addr))

		case CStr:
			slots = append(slots, uint64(v.addr))
		case SliceRef:
			slots = append(slots, uint64(v.Ptr), uint64(v.Len))
		case CallbackArg:
			slots = append(slots, uint64(v.Env), uint64(v.Fn))
		default:
			slots = append(slots, scalarSlot(a))
		}
	}

	if err := call.advance(StateForeignCallInFlight); err != nil {
		return nil, err
	}
	out, callErr := b.lib.Call(ctx, sig.Symbol, slots...)
	if err := call.advance(StateForeignCallReturned); err != nil {
		return nil, err
	}
	if callErr != nil {
		return nil, callErr
	}
	return &Result{Values: out}, nil
}

// releaseAll releases owned in reverse order, counting only the releases
// that succeeded.
func releaseAll(ctx context.Context, owned []*Ptr, stats *CallStats, err *error) {
	for i := len(owned) - 1; i >= 0; i-- {
		if release(ctx, owned[i], err) {
			stats.BuffersReleased++
		}
	}
}

// acquireSlice copies data into a library buffer for the duration of a call.
// Empty data passes a dangling address without allocating.
func (b *Boundary) acquireSlice(ctx context.Context, data []byte, align uint32, acquired func(*Ptr) error) (uint32, uint32, error) {
	if len(data) == 0 {
		return danglingAddr(align), 0, nil
	}
	p, err := b.copyIn(ctx, data, align)
	if err != nil {
		return 0, 0, err
	}
	if err := acquired(p); err != nil {
		return 0, 0, err
	}
	return p.Addr(), uint32(len(data)), nil
}

// InvokeAsync starts a non-blocking foreign call on a library that supports
// it. Only scalar and pointer arguments are accepted: host buffers cannot
// outlive a synchronous call.
func (b *Boundary) InvokeAsync(ctx context.Context, sig Signature, args ...Arg) (*ffimarshal.Pending[[]uint64], error) {
	async, ok := b.lib.(ffimarshal.AsyncLibrary)
	if !ok {
		return nil, errors.New(errors.PhaseCall, errors.KindInvalidInput).
			Symbol(sig.Symbol).
			Detail("library %s does not support async calls", b.lib.Name()).
			Build()
	}
	if err := checkArgs(sig, args); err != nil {
		return nil, err
	}

	slots := make([]uint64, 0, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case I32, U32, I64, F64:
			slots = append(slots, scalarSlot(a))
		case *Ptr:
			if v == nil {
				slots = append(slots, 0)
				continue
			}
			addr, err := v.As(sig.Params[i].Type)
			if err != nil {
				return nil, withSymbol(err, sig.Symbol)
			}
			slots = append(slots, uint64(addr))
		default:
			return nil, errors.New(errors.PhaseCall, errors.KindTypeMismatch).
				Symbol(sig.Symbol).
				GoType(goTypeName(a)).
				CType(sig.Params[i].cType()).
				Detail("argument %d: async calls take scalar arguments only", i).
				Build()
		}
	}

	info := CallInfo{Library: b.lib.Name(), Symbol: sig.Symbol, Async: true}
	ctx, token := b.hook.OnCallStart(ctx, info)
	p := async.CallAsync(ctx, sig.Symbol, slots...)
	go func() {
		<-p.Done()
		_, err := p.Await(context.Background())
		if err != nil {
			Logger().Debug("async call failed", zap.String("symbol", sig.Symbol), zap.Error(err))
		}
		b.hook.OnCallEnd(ctx, token, info, &CallStats{}, err)
	}()
	return p, nil
}

// checkArgs validates arity, kinds, opaque types and host strings.
func checkArgs(sig Signature, args []Arg) error {
	if len(args) != len(sig.Params) {
		return errors.New(errors.PhaseCall, errors.KindTypeMismatch).
			Symbol(sig.Symbol).
			Detail("%s takes %d arguments, got %d", sig, len(sig.Params), len(args)).
			Build()
	}
	for i, a := range args {
		p := sig.Params[i]
		if a == nil {
			return errors.New(errors.PhaseCall, errors.KindTypeMismatch).
				Symbol(sig.Symbol).
				CType(p.cType()).
				Detail("argument %d is nil", i).
				Build()
		}
		if a.Kind() != p.Kind {
			return errors.New(errors.PhaseCall, errors.KindTypeMismatch).
				Symbol(sig.Symbol).
				GoType(goTypeName(a)).
				CType(p.cType()).
				Detail("argument %d", i).
				Build()
		}
		switch v := a.(type) {
		case *Ptr:
			if v == nil {
				continue
			}
			if _, err := v.As(p.Type); err != nil {
				return withSymbol(err, sig.Symbol)
			}
		case hostString:
			if err := checkCString(string(v)); err != nil {
				return withSymbol(err, sig.Symbol)
			}
		case hostCallback:
			if v.fn == nil {
				return withSymbol(errors.NilPointer(errors.PhaseCall, "callback_t"), sig.Symbol)
			}
		}
	}
	return nil
}

func slotCount(sig Signature) int {
	n := 0
	for _, p := range sig.Params {
		n += p.Kind.Slots()
	}
	return n
}

// withSymbol tags a structured error with the symbol being called.
func withSymbol(err error, symbol string) error {
	if e, ok := err.(*errors.Error); ok && e.Symbol == "" {
		e.Symbol = symbol
	}
	return err
}
