package marshal

import (
	"fmt"
	"math"
)

// ArgKind is the ABI shape of a parameter.
type ArgKind uint8

const (
	ArgI32 ArgKind = iota
	ArgU32
	ArgI64
	ArgF64
	ArgPtr
	ArgCStr
	ArgSlice
	ArgCallback
)

var argCTypes = [...]string{
	ArgI32:      "int32_t",
	ArgU32:      "uint32_t",
	ArgI64:      "int64_t",
	ArgF64:      "double",
	ArgPtr:      "void *",
	ArgCStr:     "char const *",
	ArgSlice:    "slice_ref_t",
	ArgCallback: "callback_t",
}

// CType returns the C spelling of the kind.
func (k ArgKind) CType() string {
	if int(k) < len(argCTypes) {
		return argCTypes[k]
	}
	return "unknown"
}

func (k ArgKind) String() string { return k.CType() }

// Slots returns how many raw call slots the kind flattens into.
func (k ArgKind) Slots() int {
	switch k {
	case ArgSlice, ArgCallback:
		return 2
	default:
		return 1
	}
}

// Arg is a value that can cross the boundary. The set of implementations is
// closed: I32, U32, I64, F64, *Ptr, CStr, SliceRef, CallbackArg and the
// host-side values built by String, Int32s, Bytes and Callback.
type Arg interface {
	Kind() ArgKind
	isArg()
}

// I32 is a signed 32-bit scalar argument.
type I32 int32

// U32 is an unsigned 32-bit scalar argument.
type U32 uint32

// I64 is a signed 64-bit scalar argument.
type I64 int64

// F64 is a double argument.
type F64 float64

func (I32) Kind() ArgKind         { return ArgI32 }
func (U32) Kind() ArgKind         { return ArgU32 }
func (I64) Kind() ArgKind         { return ArgI64 }
func (F64) Kind() ArgKind         { return ArgF64 }
func (*Ptr) Kind() ArgKind        { return ArgPtr }
func (CStr) Kind() ArgKind        { return ArgCStr }
func (SliceRef) Kind() ArgKind    { return ArgSlice }
func (CallbackArg) Kind() ArgKind { return ArgCallback }

func (I32) isArg()         {}
func (U32) isArg()         {}
func (I64) isArg()         {}
func (F64) isArg()         {}
func (*Ptr) isArg()        {}
func (CStr) isArg()        {}
func (SliceRef) isArg()    {}
func (CallbackArg) isArg() {}

// hostString is transcoded by Invoke for the duration of the call.
type hostString string

// hostInt32s is copied by Invoke for the duration of the call.
type hostInt32s []int32

// hostBytes is copied by Invoke for the duration of the call.
type hostBytes []byte

// hostCallback is registered by Invoke for the duration of the call.
type hostCallback struct {
	fn   CallbackFunc
	opts []CallbackOption
}

// String passes s as a NUL-terminated C string.
func String(s string) Arg { return hostString(s) }

// Int32s passes xs as a (pointer, length) slice.
func Int32s(xs []int32) Arg { return hostInt32s(xs) }

// Bytes passes b as a (pointer, length) slice.
func Bytes(b []byte) Arg { return hostBytes(b) }

// Callback passes fn as a {env, fn} callback record.
func Callback(fn CallbackFunc, opts ...CallbackOption) Arg {
	return hostCallback{fn: fn, opts: opts}
}

func (hostString) Kind() ArgKind   { return ArgCStr }
func (hostInt32s) Kind() ArgKind   { return ArgSlice }
func (hostBytes) Kind() ArgKind    { return ArgSlice }
func (hostCallback) Kind() ArgKind { return ArgCallback }

func (hostString) isArg()   {}
func (hostInt32s) isArg()   {}
func (hostBytes) isArg()    {}
func (hostCallback) isArg() {}

// Param declares one parameter of a foreign symbol.
type Param struct {
	// Type names the opaque pointee for ArgPtr parameters. Empty accepts any
	// pointer.
	Type string
	Kind ArgKind
}

// P declares a parameter of the given kind.
func P(kind ArgKind) Param { return Param{Kind: kind} }

// OpaqueParam declares a pointer parameter of the named opaque type.
func OpaqueParam(typeName string) Param { return Param{Kind: ArgPtr, Type: typeName} }

func (p Param) cType() string {
	if p.Kind == ArgPtr && p.Type != "" {
		return p.Type + " *"
	}
	return p.Kind.CType()
}

// Signature describes a foreign symbol's parameters.
type Signature struct {
	Symbol string
	Params []Param
}

// Sig builds a Signature.
func Sig(symbol string, params ...Param) Signature {
	return Signature{Symbol: symbol, Params: params}
}

func (s Signature) String() string {
	out := s.Symbol + "("
	for i, p := range s.Params {
		if i > 0 {
			out += ", "
		}
		out += p.cType()
	}
	return out + ")"
}

func goTypeName(a Arg) string {
	switch a.(type) {
	case hostString:
		return "string"
	case hostInt32s:
		return "[]int32"
	case hostBytes:
		return "[]byte"
	case hostCallback:
		return "marshal.CallbackFunc"
	default:
		return fmt.Sprintf("%T", a)
	}
}

// scalarSlot encodes a scalar argument into a raw call slot.
func scalarSlot(a Arg) uint64 {
	switch v := a.(type) {
	case I32:
		return uint64(uint32(v))
	case U32:
		return uint64(v)
	case I64:
		return uint64(v)
	case F64:
		return math.Float64bits(float64(v))
	default:
		return 0
	}
}
