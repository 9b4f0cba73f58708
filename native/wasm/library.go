package wasm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	ffimarshal "github.com/wippyai/ffi-marshal"
	"github.com/wippyai/ffi-marshal/errors"
)

// HostModule is the import module the library links against.
//
//	ffi.invoke(fnptr i32, env i32, arg i32) -> i32   call a host function pointer
//	ffi.sleep_ms(ms i32)                             block the calling thread
const HostModule = "ffi"

// MemoryExport is the name of the exported linear memory.
const MemoryExport = "memory"

// Config configures library loading.
type Config struct {
	// Name is the module instance name. Defaults to "lib".
	Name string

	// MemoryLimitPages caps linear memory in 64KiB pages. 0 keeps the
	// wazero default.
	MemoryLimitPages uint32

	// Required lists symbols that must be exported in addition to malloc and
	// free.
	Required []string
}

// Library is a native library compiled to core wasm and run by wazero.
//
// Every call, allocation and session is serialized. Calls and allocations
// made from inside a callback must pass the callback's context so they
// re-enter the running call instead of waiting for it. Host memory access
// is only serialized with guest code inside a session (see Enter).
type Library struct {
	runtime wazero.Runtime
	mod     api.Module
	mem     *Memory
	alloc   *allocator
	tramps  *ffimarshal.FuncTable
	funcs   map[string]api.Function
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

// callScope is one top-level call chain on the library.
type callScope struct {
	lib *Library
	// err is the host error that aborted the guest through ffi.invoke.
	err error
}

type scopeKey struct{}

// Load compiles and instantiates a library.
func Load(ctx context.Context, wasmBytes []byte, cfg Config) (*Library, error) {
	if cfg.Name == "" {
		cfg.Name = "lib"
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithCoreFeatures(api.CoreFeaturesV2)
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	l := &Library{
		runtime: rt,
		name:    cfg.Name,
		tramps:  ffimarshal.NewFuncTable(),
		funcs:   make(map[string]api.Function),
		calls:   make(map[string]*atomic.Int64),
	}

	i32 := api.ValueTypeI32
	_, err := rt.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(l.hostInvoke), []api.ValueType{i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("fnptr", "env", "arg").
		Export("invoke").
		NewFunctionBuilder().
		WithFunc(hostSleep).
		WithParameterNames("ms").
		Export("sleep_ms").
		Instantiate(ctx)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, errors.Instantiation(err)
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, errors.Load("compile library", err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(cfg.Name))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, errors.Instantiation(err)
	}
	l.mod = mod

	var missing []string
	if mod.Memory() == nil {
		missing = append(missing, MemoryExport)
	}
	exports := compiled.ExportedFunctions()
	for _, sym := range append([]string{MallocSymbol, FreeSymbol}, cfg.Required...) {
		if _, ok := exports[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	if len(missing) > 0 {
		_ = rt.Close(ctx)
		return nil, errors.NewMissingSymbolsError(cfg.Name, missing)
	}

	l.mem = &Memory{mem: mod.Memory()}
	l.alloc = newAllocator(l, mod.ExportedFunction(MallocSymbol), mod.ExportedFunction(FreeSymbol))

	for name := range exports {
		l.funcs[name] = mod.ExportedFunction(name)
		l.calls[name] = new(atomic.Int64)
	}

	Logger().Debug("library loaded",
		zap.String("name", cfg.Name),
		zap.Int("exports", len(exports)),
		zap.Uint32("memory", l.mem.Size()))
	return l, nil
}

func (l *Library) Name() string                            { return l.name }
func (l *Library) Memory() ffimarshal.Memory               { return l.mem }
func (l *Library) Allocator() ffimarshal.Allocator         { return l.alloc }
func (l *Library) Trampolines() ffimarshal.TrampolineTable { return l.tramps }

// Symbols returns the exported function names.
func (l *Library) Symbols() []string {
	l.funcsMu.RLock()
	defer l.funcsMu.RUnlock()
	out := make([]string, 0, len(l.funcs))
	for name := range l.funcs {
		out = append(out, name)
	}
	return out
}

// Calls returns how many times symbol has been called through Call.
func (l *Library) Calls(symbol string) int {
	l.funcsMu.RLock()
	defer l.funcsMu.RUnlock()
	if c, ok := l.calls[symbol]; ok {
		return int(c.Load())
	}
	return 0
}

// enter serializes top-level call chains. A context already carrying this
// library's scope re-enters without locking.
func (l *Library) enter(ctx context.Context) (context.Context, *callScope, func()) {
	if s, _ := ctx.Value(scopeKey{}).(*callScope); s != nil && s.lib == l {
		return ctx, s, func() {}
	}

	l.callMu.Lock()
	s := &callScope{lib: l}
	return context.WithValue(ctx, scopeKey{}, s), s, l.callMu.Unlock
}

// Enter starts a session: no other goroutine's call, allocation or session
// runs until the returned function is called. Work done with the returned
// context, including callbacks, re-enters the session.
func (l *Library) Enter(ctx context.Context) (context.Context, func()) {
	ctx, _, leave := l.enter(ctx)
	return ctx, leave
}

// Call invokes symbol synchronously.
func (l *Library) Call(ctx context.Context, symbol string, args ...uint64) ([]uint64, error) {
	return l.call(ctx, symbol, args)
}

func (l *Library) call(ctx context.Context, symbol string, args []uint64) ([]uint64, error) {
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
	if want := len(fn.Definition().ParamTypes()); want != len(args) {
		return nil, errors.New(errors.PhaseCall, errors.KindTypeMismatch).
			Symbol(symbol).
			Detail("%s takes %d arguments, got %d", symbol, want, len(args)).
			Build()
	}

	ctx, scope, leave := l.enter(ctx)
	defer leave()
	counter.Add(1)

	out, err := fn.Call(ctx, args...)
	if err != nil {
		if herr := scope.err; herr != nil {
			scope.err = nil
			return nil, herr
		}
		return nil, errors.ForeignFault(symbol, err)
	}
	return out, nil
}

// CallAsync runs symbol on a worker goroutine. The worker still takes the
// call lock, so it never overlaps another call.
func (l *Library) CallAsync(ctx context.Context, symbol string, args ...uint64) *ffimarshal.Pending[[]uint64] {
	p := ffimarshal.NewPending[[]uint64]()
	argv := append([]uint64(nil), args...)

	l.workers.Add(1)
	go func() {
		defer l.workers.Done()
		wctx := context.WithValue(context.WithoutCancel(ctx), scopeKey{}, nil)
		out, err := l.call(wctx, symbol, argv)
		if err != nil {
			p.Fail(err)
			return
		}
		p.Complete(out)
	}()
	return p
}

// hostInvoke implements ffi.invoke. A failing host function aborts the
// guest; the original error is handed back to the caller of Call.
func (l *Library) hostInvoke(ctx context.Context, _ api.Module, stack []uint64) {
	fp := ffimarshal.FuncPtr(api.DecodeU32(stack[0]))
	env := api.DecodeU32(stack[1])
	arg := api.DecodeU32(stack[2])

	var ret uint32
	var err error
	if fn, ok := l.tramps.Lookup(fp); ok {
		ret, err = fn(ctx, env, arg)
	} else {
		err = errors.New(errors.PhaseCallback, errors.KindNilPointer).
			Detail("function pointer %d is not installed", fp).
			Build()
	}

	if err != nil {
		if s, _ := ctx.Value(scopeKey{}).(*callScope); s != nil {
			s.err = err
		}
		panic(err)
	}
	stack[0] = api.EncodeU32(ret)
}

func hostSleep(ctx context.Context, ms uint32) {
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Close waits for async workers and closes the runtime.
func (l *Library) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.workers.Wait()
	_ = l.tramps.Close()
	return l.runtime.Close(ctx)
}
