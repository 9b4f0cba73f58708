// Package ffimarshal provides a safe marshalling discipline for synchronous
// calls across a native C ABI boundary.
//
// The root package defines the boundary itself: Memory and Allocator for the
// foreign address space, Library for symbol calls, TrampolineTable for
// exporting host callbacks as function pointers, and Pending for the one
// non-blocking contract.
//
// # Architecture Overview
//
//	ffimarshal/          Boundary interfaces (Memory, Allocator, Library, Pending)
//	├── marshal/         Transcoders, ownership-tagged pointers, callbacks, call state
//	├── handle/          Opaque-index tables for callback contexts and function pointers
//	├── internal/wasmgen Minimal core wasm assembler for the fixture module
//	├── native/sim/      In-process simulated C ABI library
//	├── native/wasm/     wazero-backed library loading a real wasm module
//	├── fixture/         Reference native library used by tests and the runner
//	├── conformance/     Scenario suite runnable against any Library
//	├── observe/         OpenTelemetry hook for foreign calls
//	├── config/          Runner configuration
//	├── errors/          Structured error types
//	└── cmd/ffitest/     Command-line conformance runner
//
// # Quick Start
//
//	lib := fixture.NewSim(sim.Config{})
//	defer lib.Close(ctx)
//
//	b := marshal.New(lib)
//	defer b.Close()
//
//	concat := marshal.Sig("concat", marshal.P(marshal.ArgCStr), marshal.P(marshal.ArgCStr))
//	res, err := b.Invoke(ctx, concat, marshal.String("Hello, "), marshal.String("World!"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	out, err := b.DecodeCString(ctx, res.U32(0), marshal.Callee, b.Symbol("free_char_p"))
//
// # Ownership
//
// Every buffer crossing the boundary carries an Ownership tag. Caller means
// the host borrows the address for the duration of a call. Callee means the
// host holds the obligation to hand the address to its paired destructor
// exactly once.
//
// # Thread Safety
//
// Library implementations serialize calls per instance. Pending may be
// completed from any goroutine.
package ffimarshal
