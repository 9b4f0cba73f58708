package ffimarshal

import (
	"context"
	"sync"
)

// Pending is a result completed exactly once, possibly from another goroutine.
type Pending[T any] struct {
	val  T
	err  error
	done chan struct{}
	once sync.Once
}

// NewPending creates an incomplete result.
func NewPending[T any]() *Pending[T] {
	return &Pending[T]{done: make(chan struct{})}
}

// Complete stores v. Returns false if the result was already settled.
func (p *Pending[T]) Complete(v T) bool {
	settled := false
	p.once.Do(func() {
		p.val = v
		settled = true
		close(p.done)
	})
	return settled
}

// Fail settles the result with err. Returns false if already settled.
func (p *Pending[T]) Fail(err error) bool {
	settled := false
	p.once.Do(func() {
		p.err = err
		settled = true
		close(p.done)
	})
	return settled
}

// Done is closed once the result is settled.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Await blocks until the result is settled or ctx is done. Cancelling ctx
// stops the wait only; the foreign operation keeps running.
func (p *Pending[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Settled reports whether the result is available without blocking.
func (p *Pending[T]) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
