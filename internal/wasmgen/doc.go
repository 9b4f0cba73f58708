// Package wasmgen assembles small core WebAssembly modules in memory.
//
// It covers what the fixture library needs: function types, imported
// functions, one memory, i32/i64 globals, exports, active data segments and
// a structured instruction emitter including bulk memory operations.
//
//	m := wasmgen.NewModule()
//	add := m.Func("add", wasmgen.FuncType{
//	    Params:  []wasmgen.ValType{wasmgen.I32, wasmgen.I32},
//	    Results: []wasmgen.ValType{wasmgen.I32},
//	})
//	add.LocalGet(0).LocalGet(1).I32Add()
//	bin, err := m.Encode()
package wasmgen
