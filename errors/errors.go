package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where at the boundary the error occurred
type Phase string

const (
	PhaseEncode   Phase = "encode"   // host to foreign
	PhaseDecode   Phase = "decode"   // foreign to host
	PhaseRelease  Phase = "release"  // buffer or handle release
	PhaseCall     Phase = "call"     // foreign call dispatch
	PhaseCallback Phase = "callback" // trampoline dispatch
	PhaseLoad     Phase = "load"     // library loading
	PhaseConfig   Phase = "config"   // runner configuration
)

// Kind categorizes the error
type Kind string

const (
	KindEncodingViolation  Kind = "encoding_violation"
	KindDecodingViolation  Kind = "decoding_violation"
	KindOwnershipViolation Kind = "ownership_violation"
	KindTypeMismatch       Kind = "type_mismatch"
	KindAllocation         Kind = "allocation"
	KindNilPointer         Kind = "nil_pointer"
	KindOutOfBounds        Kind = "out_of_bounds"
	KindNotFound           Kind = "not_found"
	KindInvalidInput       Kind = "invalid_input"
	KindInstantiation      Kind = "instantiation"
	KindCallbackExpired    Kind = "callback_expired"
	KindIllegalTransition  Kind = "illegal_transition"
	KindForeignFault       Kind = "foreign_fault"
)

// Sentinels for errors.Is checks that ignore the phase.
var (
	ErrEncodingViolation  = &Error{Kind: KindEncodingViolation}
	ErrDecodingViolation  = &Error{Kind: KindDecodingViolation}
	ErrOwnershipViolation = &Error{Kind: KindOwnershipViolation}
	ErrTypeMismatch       = &Error{Kind: KindTypeMismatch}
	ErrAllocation         = &Error{Kind: KindAllocation}
	ErrCallbackExpired    = &Error{Kind: KindCallbackExpired}
)

// Error is the structured error type used throughout the module
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	GoType string
	CType  string
	Symbol string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Symbol != "" {
		b.WriteString(" in ")
		b.WriteString(e.Symbol)
	}

	if e.GoType != "" || e.CType != "" {
		b.WriteString(": ")
		if e.GoType != "" && e.CType != "" {
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
			b.WriteString(", C type ")
			b.WriteString(e.CType)
		} else if e.GoType != "" {
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
		} else {
			b.WriteString("C type ")
			b.WriteString(e.CType)
		}
	}

	if e.Detail != "" {
		if e.GoType != "" || e.CType != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. A target without a phase
// matches on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Symbol sets the foreign symbol involved
func (b *Builder) Symbol(name string) *Builder {
	b.err.Symbol = name
	return b
}

// GoType sets the Go type name
func (b *Builder) GoType(t string) *Builder {
	b.err.GoType = t
	return b
}

// CType sets the C-side type name
func (b *Builder) CType(t string) *Builder {
	b.err.CType = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// EmbeddedNul reports a NUL byte inside a string that must be NUL-terminated
func EmbeddedNul(index int, s string) *Error {
	preview := s
	if len(preview) > 32 {
		preview = preview[:32]
	}
	return &Error{
		Phase:  PhaseEncode,
		Kind:   KindEncodingViolation,
		GoType: "string",
		CType:  "char const *",
		Detail: fmt.Sprintf("inner null byte at offset %d in %q", index, preview),
		Value:  index,
	}
}

// InvalidUTF8 creates an invalid UTF-8 error
func InvalidUTF8(phase Phase, data []byte) *Error {
	kind := KindDecodingViolation
	if phase == PhaseEncode {
		kind = KindEncodingViolation
	}
	preview := data
	if len(preview) > 32 {
		preview = preview[:32]
	}
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: fmt.Sprintf("invalid UTF-8 sequence: %x", preview),
	}
}

// Unterminated reports a C string with no terminator inside foreign memory
func Unterminated(addr, limit uint32) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindDecodingViolation,
		CType:  "char const *",
		Detail: fmt.Sprintf("no null terminator between 0x%x and 0x%x", addr, limit),
		Value:  addr,
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size, align uint32, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align),
		Cause:  cause,
	}
}

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, goType, cType string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		GoType: goType,
		CType:  cType,
	}
}

// DoubleRelease reports a second release of the same pointer
func DoubleRelease(addr uint32) *Error {
	return &Error{
		Phase:  PhaseRelease,
		Kind:   KindOwnershipViolation,
		Detail: fmt.Sprintf("pointer 0x%x already released", addr),
		Value:  addr,
	}
}

// NotOwned reports an attempt to free a buffer the host only borrows
func NotOwned(addr uint32) *Error {
	return &Error{
		Phase:  PhaseRelease,
		Kind:   KindOwnershipViolation,
		Detail: fmt.Sprintf("pointer 0x%x is borrowed, not owned by the host", addr),
		Value:  addr,
	}
}

// NilPointer creates a nil pointer error
func NilPointer(phase Phase, cType string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNilPointer,
		CType:  cType,
		Detail: "null pointer",
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, addr, length uint32, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("access [0x%x, +%d) outside foreign memory", addr, length),
		Value:  addr,
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// CallbackExpired reports a trampoline invoked after its registering call returned
func CallbackExpired(env uint32) *Error {
	return &Error{
		Phase:  PhaseCallback,
		Kind:   KindCallbackExpired,
		Detail: fmt.Sprintf("callback context %d is no longer registered", env),
		Value:  env,
	}
}

// ForeignFault wraps a trap or panic raised inside a foreign symbol
func ForeignFault(symbol string, cause error) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindForeignFault,
		Symbol: symbol,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInstantiation,
		Detail: "instantiate library",
		Cause:  cause,
	}
}

// Load creates a library loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidInput,
		Detail: detail,
		Cause:  cause,
	}
}

// MissingSymbolsError is returned when a library lacks required exports
type MissingSymbolsError struct {
	Library string
	Symbols []string
}

// NewMissingSymbolsError creates an error for the given library and symbols
func NewMissingSymbolsError(library string, symbols []string) *MissingSymbolsError {
	return &MissingSymbolsError{Library: library, Symbols: symbols}
}

func (e *MissingSymbolsError) Error() string {
	if len(e.Symbols) == 0 {
		return "[load] not_found: no symbols specified"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("library %s is missing %d symbol(s):\n", e.Library, len(e.Symbols)))
	for _, s := range e.Symbols {
		b.WriteString("  - ")
		b.WriteString(s)
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *MissingSymbolsError) Is(target error) bool {
	_, ok := target.(*MissingSymbolsError)
	return ok
}
