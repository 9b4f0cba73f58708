// Package handle provides opaque-index tables for host values referenced
// from foreign code.
//
// A value is inserted when it must cross the boundary (a callback context,
// an exported function pointer) and the foreign side only ever sees the
// integer handle. Removal is explicit and happens when the registering call
// completes; nothing is finalized implicitly.
//
//	table := handle.NewTable[*callbackState]()
//	h, err := table.Insert(state)
//	defer table.Remove(h)
//
// Handle 0 is never issued so it can stand for "no context" on the wire.
package handle
