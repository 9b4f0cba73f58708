// Package fixture is the reference native library used by the conformance
// suite. The same symbols are provided by two backends: NewSim registers Go
// implementations on a simulated library, and NewWazero loads an equivalent
// module assembled in memory by Wasm.
//
// C view of the library:
//
//	char *   concat(char const *a, char const *b);
//	void     free_char_p(char *s);
//	void     with_concat(char const *a, char const *b, callback_t cb);
//	int32_t *max(slice_ref_int32_t xs);
//	foo_t *  new_foo(void);
//	int32_t  read_foo(foo_t const *foo);
//	void     free_foo(foo_t *foo);
//	bool     with_foo(callback_t cb);
//	int32_t  call_with_42(callback_t cb);
//	bool     new_point(int32_t x, int32_t y, point_t *out);
//	uint8_t *concat_bytes(slice_ref_uint8_t a, slice_ref_uint8_t b, uint32_t *out_len);
//	void     free_bytes(uint8_t *p, uint32_t len);
//	int32_t  long_running(void);
//	int32_t  live_allocations(void);
//
// A callback_t is the record {env, fn}; the library calls fn(env, arg).
package fixture

import (
	"time"

	"github.com/wippyai/ffi-marshal/marshal"
)

const (
	// FooType names the opaque foo_t handle.
	FooType = "foo_t"

	// FooValue is what new_foo stores and read_foo returns.
	FooValue = 42

	// CallbackArg is what call_with_42 passes to its callback.
	CallbackArg = 42

	// LongRunningResult is the value long_running returns.
	LongRunningResult = 42

	// LongRunningDelay is how long long_running blocks.
	LongRunningDelay = 50 * time.Millisecond

	// PointSize is sizeof(point_t): two int32 fields.
	PointSize = 8
)

// Signatures of the fixture symbols.
var (
	Concat          = marshal.Sig("concat", marshal.P(marshal.ArgCStr), marshal.P(marshal.ArgCStr))
	FreeCharP       = marshal.Sig("free_char_p", marshal.P(marshal.ArgPtr))
	WithConcat      = marshal.Sig("with_concat", marshal.P(marshal.ArgCStr), marshal.P(marshal.ArgCStr), marshal.P(marshal.ArgCallback))
	Max             = marshal.Sig("max", marshal.P(marshal.ArgSlice))
	NewFoo          = marshal.Sig("new_foo")
	ReadFoo         = marshal.Sig("read_foo", marshal.OpaqueParam(FooType))
	FreeFoo         = marshal.Sig("free_foo", marshal.OpaqueParam(FooType))
	WithFoo         = marshal.Sig("with_foo", marshal.P(marshal.ArgCallback))
	CallWith42      = marshal.Sig("call_with_42", marshal.P(marshal.ArgCallback))
	NewPoint        = marshal.Sig("new_point", marshal.P(marshal.ArgI32), marshal.P(marshal.ArgI32), marshal.P(marshal.ArgPtr))
	ConcatBytes     = marshal.Sig("concat_bytes", marshal.P(marshal.ArgSlice), marshal.P(marshal.ArgSlice), marshal.P(marshal.ArgPtr))
	FreeBytes       = marshal.Sig("free_bytes", marshal.P(marshal.ArgPtr), marshal.P(marshal.ArgU32))
	LongRunning     = marshal.Sig("long_running")
	LiveAllocations = marshal.Sig("live_allocations")
)

// Signatures lists every fixture symbol.
var Signatures = []marshal.Signature{
	Concat, FreeCharP, WithConcat, Max,
	NewFoo, ReadFoo, FreeFoo, WithFoo,
	CallWith42, NewPoint, ConcatBytes, FreeBytes,
	LongRunning, LiveAllocations,
}

// Symbols returns the names of every fixture symbol.
func Symbols() []string {
	out := make([]string, len(Signatures))
	for i, s := range Signatures {
		out[i] = s.Symbol
	}
	return out
}
