// Package wasm loads a native library compiled to core WebAssembly and runs
// it with wazero.
//
// The module must export its linear memory as "memory" and an allocator
// pair:
//
//	malloc(size i32, align i32) -> i32
//	free(ptr i32, size i32, align i32)
//
// It may import from the "ffi" host module:
//
//	invoke(fnptr i32, env i32, arg i32) -> i32
//	sleep_ms(ms i32)
//
// invoke calls a host function installed in Library.Trampolines. If the
// host function fails, the guest is aborted and Call returns that error
// unchanged.
package wasm
