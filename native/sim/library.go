package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	ffimarshal "github.com/wippyai/ffi-marshal"
	"github.com/wippyai/ffi-marshal/errors"
)

// DefaultMemorySize is the arena size used when Config.MemorySize is 0.
const DefaultMemorySize = 1 << 20

// Func implements one native symbol. Arguments and results are raw slots.
type Func func(ctx context.Context, lib *Library, args []uint64) ([]uint64, error)

// Config configures a simulated library.
type Config struct {
	Name string

	// MemorySize is the arena size in bytes.
	MemorySize uint32

	// AllocLimit caps the bytes outstanding at once. 0 means no cap.
	AllocLimit uint32
}

// Library is an in-process stand-in for a native library with a C ABI.
// Calls are serialized; a symbol calling back into the host may re-enter
// the library on the same call chain.
type Library struct {
	mem     *Memory
	alloc   *Allocator
	tramps  *ffimarshal.FuncTable
	funcs   map[string]Func
	calls   map[string]*atomic.Int64
	name    string
	funcsMu sync.RWMutex
	callMu  sync.Mutex
	workers sync.WaitGroup
	closed  atomic.Bool
}

var (
	_ ffimarshal.AsyncLibrary = (*Library)(nil)
	_ ffimarshal.Session      = (*Library)(nil)
	_ ffimarshal.MemorySizer  = (*Memory)(nil)
)

// New creates an empty library. Symbols are added with Register.
func New(cfg Config) *Library {
	if cfg.MemorySize == 0 {
		cfg.MemorySize = DefaultMemorySize
	}
	if cfg.Name == "" {
		cfg.Name = "sim"
	}
	return &Library{
		name:   cfg.Name,
		mem:    newMemory(cfg.MemorySize),
		alloc:  newAllocator(cfg.MemorySize, cfg.AllocLimit),
		tramps: ffimarshal.NewFuncTable(),
		funcs:  make(map[string]Func),
		calls:  make(map[string]*atomic.Int64),
	}
}

// Register adds or replaces a symbol.
func (l *Library) Register(symbol string, fn Func) {
	l.funcsMu.Lock()
	defer l.funcsMu.Unlock()
	l.funcs[symbol] = fn
	if _, ok := l.calls[symbol]; !ok {
		l.calls[symbol] = new(atomic.Int64)
	}
}

func (l *Library) Name() string                            { return l.name }
func (l *Library) Memory() ffimarshal.Memory               { return l.mem }
func (l *Library) Allocator() ffimarshal.Allocator         { return l.alloc }
func (l *Library) Trampolines() ffimarshal.TrampolineTable { return l.tramps }

// Arena returns the concrete memory for symbol implementations.
func (l *Library) Arena() *Memory { return l.mem }

// Heap returns the concrete allocator for symbol implementations.
func (l *Library) Heap() *Allocator { return l.alloc }

// Calls returns how many times symbol has been called.
func (l *Library) Calls(symbol string) int {
	l.funcsMu.RLock()
	defer l.funcsMu.RUnlock()
	if c, ok := l.calls[symbol]; ok {
		return int(c.Load())
	}
	return 0
}

type callKey struct{}

// enter serializes calls. A call already running on this library (a symbol
// calling back into the host, which calls the library again) re-enters
// without locking.
func (l *Library) enter(ctx context.Context) (context.Context, func()) {
	if owner, _ := ctx.Value(callKey{}).(*Library); owner == l {
		return ctx, func() {}
	}
	l.callMu.Lock()
	return context.WithValue(ctx, callKey{}, l), l.callMu.Unlock
}

// Enter holds the library for a sequence of operations made with the
// returned context.
func (l *Library) Enter(ctx context.Context) (context.Context, func()) {
	return l.enter(ctx)
}

// Call invokes symbol synchronously.
func (l *Library) Call(ctx context.Context, symbol string, args ...uint64) ([]uint64, error) {
	if l.closed.Load() {
		return nil, errors.New(errors.PhaseCall, errors.KindInvalidInput).
			Symbol(symbol).
			Detail("library %s is closed", l.name).
			Build()
	}

	l.funcsMu.RLock()
	fn, ok := l.funcs[symbol]
	counter := l.calls[symbol]
	l.funcsMu.RUnlock()
	if !ok {
		return nil, errors.NotFound(errors.PhaseCall, "symbol", symbol)
	}

	ctx, leave := l.enter(ctx)
	defer leave()
	counter.Add(1)
	return l.run(ctx, symbol, fn, args)
}

func (l *Library) run(ctx context.Context, symbol string, fn Func, args []uint64) (out []uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("native symbol panicked", zap.String("symbol", symbol), zap.Any("panic", r))
			err = errors.ForeignFault(symbol, fmt.Errorf("panic: %v", r))
		}
	}()
	return fn(ctx, l, args)
}

// CallAsync runs symbol on a worker goroutine and completes the returned
// Pending with its results.
func (l *Library) CallAsync(ctx context.Context, symbol string, args ...uint64) *ffimarshal.Pending[[]uint64] {
	p := ffimarshal.NewPending[[]uint64]()
	argv := append([]uint64(nil), args...)

	l.workers.Add(1)
	go func() {
		defer l.workers.Done()
		// The worker is a fresh call chain: drop any re-entry marker.
		wctx := context.WithValue(context.WithoutCancel(ctx), callKey{}, nil)
		out, err := l.Call(wctx, symbol, argv...)
		if err != nil {
			p.Fail(err)
			return
		}
		p.Complete(out)
	}()
	return p
}

// Invoke calls the host function behind fp, as native code calling a
// function pointer would.
func (l *Library) Invoke(ctx context.Context, fp ffimarshal.FuncPtr, env, arg uint32) (uint32, error) {
	fn, ok := l.tramps.Lookup(fp)
	if !ok {
		return 0, errors.New(errors.PhaseCallback, errors.KindNilPointer).
			Detail("function pointer %d is not installed", fp).
			Build()
	}
	return fn(ctx, env, arg)
}

// Close waits for async workers and drops installed function pointers.
func (l *Library) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	done := make(chan struct{})
	go func() {
		l.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return l.tramps.Close()
}
