package marshal

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	ffimarshal "github.com/wippyai/ffi-marshal"
	"github.com/wippyai/ffi-marshal/errors"
	"github.com/wippyai/ffi-marshal/handle"
)

// CallbackFunc is the host closure behind a foreign callback. It runs
// synchronously inside the foreign call that received it.
type CallbackFunc func(ctx context.Context, arg uint32) (uint32, error)

// CallbackOption configures a callback registration.
type CallbackOption func(*callbackState)

// AtMostOnce rejects a second invocation of the same registration.
func AtMostOnce() CallbackOption {
	return func(s *callbackState) { s.once = true }
}

type callbackState struct {
	fn          CallbackFunc
	call        *callState
	stats       *CallStats
	invocations atomic.Int32
	once        bool
}

// CallbackArg is the two-field record {env, fn} handed to the foreign side.
type CallbackArg struct {
	state *callbackState
	Env   uint32
	Fn    ffimarshal.FuncPtr
}

// Invocations returns how many times the foreign side called back so far.
func (c CallbackArg) Invocations() int {
	if c.state == nil {
		return 0
	}
	return int(c.state.invocations.Load())
}

// trampoline installs the fixed-signature dispatcher once per Boundary.
func (b *Boundary) trampoline() (ffimarshal.FuncPtr, error) {
	b.trampMu.Lock()
	defer b.trampMu.Unlock()
	if b.tramp == 0 && b.trampErr == nil {
		b.tramp, b.trampErr = b.lib.Trampolines().Install(b.dispatch)
	}
	return b.tramp, b.trampErr
}

// WithCallback registers fn, runs cont with the callback record and removes
// the context when cont returns, whether or not the callback fired.
func (b *Boundary) WithCallback(ctx context.Context, fn CallbackFunc, cont func(CallbackArg) error, opts ...CallbackOption) error {
	cb, err := b.registerCallback(fn, nil, nil, opts...)
	if err != nil {
		return err
	}
	defer b.unregisterCallback(cb)
	return cont(cb)
}

func (b *Boundary) registerCallback(fn CallbackFunc, call *callState, stats *CallStats, opts ...CallbackOption) (CallbackArg, error) {
	if fn == nil {
		return CallbackArg{}, errors.NilPointer(errors.PhaseCallback, "callback_t")
	}
	fp, err := b.trampoline()
	if err != nil {
		return CallbackArg{}, errors.Wrap(errors.PhaseCallback, errors.KindInstantiation, err, "install trampoline")
	}

	state := &callbackState{fn: fn, call: call, stats: stats}
	for _, opt := range opts {
		opt(state)
	}
	h, err := b.contexts.Insert(state)
	if err != nil {
		return CallbackArg{}, errors.Wrap(errors.PhaseCallback, errors.KindInvalidInput, err, "register callback context")
	}
	return CallbackArg{state: state, Env: uint32(h), Fn: fp}, nil
}

func (b *Boundary) unregisterCallback(cb CallbackArg) {
	if _, ok := b.contexts.Remove(handle.Handle(cb.Env)); !ok {
		Logger().Warn("callback context already removed", zap.Uint32("env", cb.Env))
	}
}

// dispatch routes a foreign invocation to the registered closure.
func (b *Boundary) dispatch(ctx context.Context, env, arg uint32) (uint32, error) {
	state, ok := b.contexts.Get(handle.Handle(env))
	if !ok {
		Logger().Error("callback invoked outside its registering call", zap.Uint32("env", env))
		return 0, errors.CallbackExpired(env)
	}

	n := state.invocations.Add(1)
	if state.once && n > 1 {
		return 0, errors.New(errors.PhaseCallback, errors.KindInvalidInput).
			Detail("callback %d invoked %d times, registered for at most one", env, n).
			Build()
	}
	if state.call != nil {
		if err := state.call.advance(StateCallbackInvoked); err != nil {
			return 0, err
		}
	}
	if state.stats != nil {
		state.stats.CallbacksInvoked++
	}
	return state.fn(ctx, arg)
}
