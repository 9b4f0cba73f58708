package marshal

import (
	"context"
	"sync/atomic"

	"github.com/wippyai/ffi-marshal/errors"
)

// ReleasePolicy selects how a second Release of the same pointer behaves.
// Neither policy ever issues a second foreign free.
type ReleasePolicy uint8

const (
	// ReleaseIdempotent makes a second Release a silent no-op.
	ReleaseIdempotent ReleasePolicy = iota

	// ReleaseStrict makes a second Release fail with an ownership violation.
	ReleaseStrict
)

func (p ReleasePolicy) String() string {
	if p == ReleaseStrict {
		return "strict"
	}
	return "idempotent"
}

// Ptr wraps a raw foreign address with its ownership tag.
// Opaque pointers additionally carry a type name and are never dereferenced
// by the host.
type Ptr struct {
	destroy  Destructor
	typeName string
	size     uint32
	addr     uint32
	own      Ownership
	policy   ReleasePolicy
	released atomic.Bool
}

// PtrOption configures a wrapped pointer.
type PtrOption func(*Ptr)

// WithType names the opaque type behind the pointer.
func WithType(name string) PtrOption {
	return func(p *Ptr) { p.typeName = name }
}

// WithSize records the known byte length of the pointee.
func WithSize(n uint32) PtrOption {
	return func(p *Ptr) { p.size = n }
}

// WithPolicy selects the double-release policy.
func WithPolicy(policy ReleasePolicy) PtrOption {
	return func(p *Ptr) { p.policy = policy }
}

// Wrap tags addr with its ownership. destroy is required for Callee pointers.
func Wrap(addr uint32, own Ownership, destroy Destructor, opts ...PtrOption) *Ptr {
	p := &Ptr{addr: addr, own: own, destroy: destroy}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Opaque wraps a handle returned by a foreign constructor. The host becomes
// responsible for calling destroy exactly once.
func Opaque(addr uint32, typeName string, destroy Destructor, opts ...PtrOption) *Ptr {
	opts = append([]PtrOption{WithType(typeName)}, opts...)
	return Wrap(addr, Callee, destroy, opts...)
}

// Addr returns the raw foreign address.
func (p *Ptr) Addr() uint32 { return p.addr }

// Ownership returns the ownership tag.
func (p *Ptr) Ownership() Ownership { return p.own }

// Type returns the opaque type name, empty for plain buffers.
func (p *Ptr) Type() string { return p.typeName }

// Size returns the known pointee size, 0 when unknown.
func (p *Ptr) Size() uint32 { return p.size }

// IsNull reports whether the address is the null pointer.
func (p *Ptr) IsNull() bool { return p.addr == 0 }

// Released reports whether Release has already run.
func (p *Ptr) Released() bool { return p.released.Load() }

// As returns the address if the pointer is live and of the named type.
func (p *Ptr) As(typeName string) (uint32, error) {
	if p.released.Load() {
		return 0, errors.New(errors.PhaseCall, errors.KindOwnershipViolation).
			CType(p.cType()).
			Detail("use of pointer 0x%x after release", p.addr).
			Value(p.addr).
			Build()
	}
	if typeName != "" && p.typeName != typeName {
		return 0, errors.TypeMismatch(errors.PhaseCall, "*marshal.Ptr("+p.cType()+")", typeName+" *")
	}
	return p.addr, nil
}

// Release hands a Callee pointer back to its destructor exactly once.
// Releasing a borrowed (Caller) pointer is an ownership violation and frees
// nothing. A null Callee pointer is released without a foreign call.
func (p *Ptr) Release(ctx context.Context) error {
	if p.own != Callee {
		return errors.NotOwned(p.addr)
	}
	if !p.released.CompareAndSwap(false, true) {
		if p.policy == ReleaseStrict {
			return errors.DoubleRelease(p.addr)
		}
		return nil
	}
	if p.addr == 0 {
		return nil
	}
	if p.destroy == nil {
		return errors.New(errors.PhaseRelease, errors.KindInvalidInput).
			CType(p.cType()).
			Detail("pointer 0x%x has no destructor", p.addr).
			Build()
	}
	if err := p.destroy(ctx, p.addr); err != nil {
		return errors.New(errors.PhaseRelease, errors.KindForeignFault).
			CType(p.cType()).
			Cause(err).
			Detail("destructor for 0x%x failed", p.addr).
			Build()
	}
	return nil
}

func (p *Ptr) cType() string {
	if p.typeName != "" {
		return p.typeName
	}
	return "void"
}
