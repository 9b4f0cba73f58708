// Package errors provides structured error types for the ffi-marshal module.
//
// Errors are categorized by Phase (where at the boundary the error occurred)
// and Kind (error category). The four boundary violations are
// KindEncodingViolation, KindDecodingViolation, KindOwnershipViolation and
// KindTypeMismatch; each has a phase-independent sentinel:
//
//	if errors.Is(err, ffierrors.ErrEncodingViolation) { ... }
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseCall, errors.KindTypeMismatch).
//		Symbol("read_foo").
//		GoType("marshal.I32").
//		CType("foo_t *").
//		Build()
//
// All violations are raised synchronously at the boundary and are not
// retryable: they indicate a programming or schema defect.
package errors
