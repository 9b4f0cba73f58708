// Package marshal moves host values across a foreign C ABI boundary without
// leaking or misreading foreign memory.
//
// A Boundary binds the discipline to one Library:
//
//   - WithCString and WithCStrings transcode host strings into scoped,
//     NUL-terminated buffers. An inner NUL or invalid UTF-8 is rejected
//     before anything is allocated.
//   - DecodeCString copies a foreign string back into the host. For Callee
//     ownership the paired destructor runs exactly once after the copy,
//     even when decoding fails.
//   - Ptr tags an address with its Ownership. Only Callee pointers are ever
//     released; a second Release never frees twice.
//   - WithCallback exports a host closure as an {env, fn} record whose
//     context lives exactly as long as the registering call.
//   - Invoke composes all of the above for one call and drives the call
//     state machine, reporting to a Hook.
//
// # Call lifecycle
//
//	Created -> BufferAcquired -> ForeignCallInFlight -> CallbackInvoked* ->
//	ForeignCallReturned -> BufferReleased -> Terminal
//
// BufferReleased is never skipped: every exit path, errors and panics
// included, releases what the call acquired.
//
// # Thread Safety
//
// A Boundary may be shared between goroutines. Buffers handed to a
// continuation are only valid inside it.
package marshal
