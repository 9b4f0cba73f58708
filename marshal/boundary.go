package marshal

import (
	"context"
	"sync"

	"go.uber.org/zap"

	ffimarshal "github.com/wippyai/ffi-marshal"
	"github.com/wippyai/ffi-marshal/handle"
)

// Boundary marshals host values across one loaded library.
//
// A Boundary is safe for concurrent use. When the library implements
// ffimarshal.Session, every operation that touches foreign memory runs
// inside a session, so concurrent operations never overlap a running call.
// Operations made from a callback must use the callback's context.
type Boundary struct {
	lib      ffimarshal.Library
	hook     Hook
	contexts *handle.Table[*callbackState]
	policy   ReleasePolicy
	tramp    ffimarshal.FuncPtr
	trampErr error
	trampMu  sync.Mutex
}

// Option configures a Boundary.
type Option func(*Boundary)

// WithHook installs an observability hook for Invoke.
func WithHook(h Hook) Option {
	return func(b *Boundary) {
		if h != nil {
			b.hook = h
		}
	}
}

// WithReleasePolicy sets the policy for pointers the Boundary wraps.
func WithReleasePolicy(p ReleasePolicy) Option {
	return func(b *Boundary) { b.policy = p }
}

// New creates a Boundary over lib.
func New(lib ffimarshal.Library, opts ...Option) *Boundary {
	b := &Boundary{
		lib:      lib,
		hook:     nopHook{},
		contexts: handle.NewTable[*callbackState](handle.WithoutReuse()),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Library returns the underlying library.
func (b *Boundary) Library() ffimarshal.Library { return b.lib }

// Symbol returns a Destructor calling the named foreign free function.
func (b *Boundary) Symbol(name string) Destructor { return Symbol(b.lib, name) }

// PendingCallbacks returns the number of registered callback contexts.
func (b *Boundary) PendingCallbacks() int { return b.contexts.Len() }

// Wrap tags a foreign address using the Boundary's release policy.
func (b *Boundary) Wrap(addr uint32, own Ownership, destroy Destructor, opts ...PtrOption) *Ptr {
	opts = append([]PtrOption{WithPolicy(b.policy)}, opts...)
	return Wrap(addr, own, destroy, opts...)
}

// Opaque wraps a constructor result using the Boundary's release policy.
func (b *Boundary) Opaque(addr uint32, typeName string, destroy Destructor) *Ptr {
	return Opaque(addr, typeName, destroy, WithPolicy(b.policy))
}

// Close drops every callback context still registered and uninstalls the
// trampoline. It does not close the library.
func (b *Boundary) Close() error {
	if n := b.contexts.Len(); n > 0 {
		Logger().Warn("closing boundary with registered callback contexts",
			zap.String("library", b.lib.Name()),
			zap.Int("contexts", n))
	}

	b.trampMu.Lock()
	tramp := b.tramp
	b.tramp, b.trampErr = 0, handle.ErrClosed
	b.trampMu.Unlock()
	if tramp != 0 {
		b.lib.Trampolines().Uninstall(tramp)
	}
	return b.contexts.Close()
}

// enter runs the rest of an operation inside a library session when the
// library asks for one.
func (b *Boundary) enter(ctx context.Context) (context.Context, func()) {
	if s, ok := b.lib.(ffimarshal.Session); ok {
		return s.Enter(ctx)
	}
	return ctx, func() {}
}

// release frees p and logs a failed release instead of masking err. It
// reports whether the release succeeded.
func release(ctx context.Context, p *Ptr, err *error) bool {
	rerr := p.Release(ctx)
	if rerr == nil {
		return true
	}
	Logger().Warn("release failed",
		zap.Uint32("ptr", p.Addr()),
		zap.Error(rerr))
	if *err == nil {
		*err = rerr
	}
	return false
}
