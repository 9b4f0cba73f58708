package wasmgen

import (
	"errors"
	"fmt"
)

// ValType is a core value type.
type ValType byte

const (
	I32 ValType = 0x7F
	I64 ValType = 0x7E
	F32 ValType = 0x7D
	F64 ValType = 0x7C
)

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionGlobal   = 6
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11

	funcTypeMarker = 0x60

	kindFunc   = 0x00
	kindMemory = 0x02
	kindGlobal = 0x03
)

var magic = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

func (ft FuncType) key() string {
	return fmt.Sprintf("%x->%x", ft.Params, ft.Results)
}

// Func is a function defined in the module. Its index is fixed when it is
// declared, so bodies may call functions declared later.
type Func struct {
	Code
	locals []ValType
	index  uint32
	typ    uint32
}

// Index returns the function's index in the module's function space.
func (f *Func) Index() uint32 { return f.index }

type funcImport struct {
	module string
	name   string
	typ    uint32
}

type global struct {
	typ     ValType
	mutable bool
	init    int64
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type dataSegment struct {
	data   []byte
	offset uint32
}

// Module builds a core wasm module with one memory.
type Module struct {
	typeIdx map[string]uint32
	err     error
	memMax  *uint32
	types   []FuncType
	imports []funcImport
	funcs   []*Func
	globals []global
	exports []export
	data    []dataSegment
	memMin  uint32
	hasMem  bool
}

// NewModule creates an empty module.
func NewModule() *Module {
	return &Module{typeIdx: make(map[string]uint32)}
}

func (m *Module) internType(ft FuncType) uint32 {
	k := ft.key()
	if idx, ok := m.typeIdx[k]; ok {
		return idx
	}
	idx := uint32(len(m.types))
	m.types = append(m.types, ft)
	m.typeIdx[k] = idx
	return idx
}

// ImportFunc declares an imported function and returns its index. Imports
// must be declared before any function is defined.
func (m *Module) ImportFunc(module, name string, ft FuncType) uint32 {
	if len(m.funcs) > 0 && m.err == nil {
		m.err = fmt.Errorf("import %s.%s declared after function definitions", module, name)
	}
	m.imports = append(m.imports, funcImport{module: module, name: name, typ: m.internType(ft)})
	return uint32(len(m.imports) - 1)
}

// Func defines a function. A non-empty name exports it. Locals follow the
// parameters in the local index space.
func (m *Module) Func(name string, ft FuncType, locals ...ValType) *Func {
	f := &Func{
		index:  uint32(len(m.imports) + len(m.funcs)),
		typ:    m.internType(ft),
		locals: locals,
	}
	m.funcs = append(m.funcs, f)
	if name != "" {
		m.exports = append(m.exports, export{name: name, kind: kindFunc, idx: f.index})
	}
	return f
}

// Global declares an i32 or i64 global and returns its index.
func (m *Module) Global(t ValType, mutable bool, init int64) uint32 {
	m.globals = append(m.globals, global{typ: t, mutable: mutable, init: init})
	return uint32(len(m.globals) - 1)
}

// ExportGlobal exports a global under name.
func (m *Module) ExportGlobal(name string, idx uint32) {
	m.exports = append(m.exports, export{name: name, kind: kindGlobal, idx: idx})
}

// Memory declares the module's memory in pages and exports it under name.
func (m *Module) Memory(name string, min uint32, max *uint32) {
	m.hasMem = true
	m.memMin = min
	m.memMax = max
	if name != "" {
		m.exports = append(m.exports, export{name: name, kind: kindMemory, idx: 0})
	}
}

// Data places bytes at a fixed memory offset at instantiation.
func (m *Module) Data(offset uint32, data []byte) {
	m.data = append(m.data, dataSegment{offset: offset, data: data})
}

// Encode returns the binary module.
func (m *Module) Encode() ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	for _, f := range m.funcs {
		if f.depth != 0 {
			return nil, fmt.Errorf("function %d has %d unclosed blocks", f.index, f.depth)
		}
	}
	if len(m.data) > 0 && !m.hasMem {
		return nil, errors.New("data segments without a memory")
	}

	buf := &Buffer{}
	buf.WriteBytes(magic)

	m.encodeTypes(buf)
	m.encodeImports(buf)
	m.encodeFunctions(buf)
	m.encodeMemory(buf)
	m.encodeGlobals(buf)
	m.encodeExports(buf)
	m.encodeCode(buf)
	m.encodeData(buf)
	return buf.Bytes, nil
}

func (m *Module) encodeTypes(buf *Buffer) {
	if len(m.types) == 0 {
		return
	}
	sec := &Buffer{}
	sec.WriteU32(uint32(len(m.types)))
	for _, ft := range m.types {
		sec.AppendByte(funcTypeMarker)
		sec.WriteU32(uint32(len(ft.Params)))
		for _, p := range ft.Params {
			sec.AppendByte(byte(p))
		}
		sec.WriteU32(uint32(len(ft.Results)))
		for _, r := range ft.Results {
			sec.AppendByte(byte(r))
		}
	}
	writeSection(buf, sectionType, sec)
}

func (m *Module) encodeImports(buf *Buffer) {
	if len(m.imports) == 0 {
		return
	}
	sec := &Buffer{}
	sec.WriteU32(uint32(len(m.imports)))
	for _, imp := range m.imports {
		sec.WriteName(imp.module)
		sec.WriteName(imp.name)
		sec.AppendByte(kindFunc)
		sec.WriteU32(imp.typ)
	}
	writeSection(buf, sectionImport, sec)
}

func (m *Module) encodeFunctions(buf *Buffer) {
	if len(m.funcs) == 0 {
		return
	}
	sec := &Buffer{}
	sec.WriteU32(uint32(len(m.funcs)))
	for _, f := range m.funcs {
		sec.WriteU32(f.typ)
	}
	writeSection(buf, sectionFunction, sec)
}

func (m *Module) encodeMemory(buf *Buffer) {
	if !m.hasMem {
		return
	}
	sec := &Buffer{}
	sec.WriteU32(1)
	sec.WriteLimits(m.memMin, m.memMax)
	writeSection(buf, sectionMemory, sec)
}

func (m *Module) encodeGlobals(buf *Buffer) {
	if len(m.globals) == 0 {
		return
	}
	sec := &Buffer{}
	sec.WriteU32(uint32(len(m.globals)))
	for _, g := range m.globals {
		sec.AppendByte(byte(g.typ))
		if g.mutable {
			sec.AppendByte(0x01)
		} else {
			sec.AppendByte(0x00)
		}
		if g.typ == I64 {
			sec.AppendByte(opI64Const)
			sec.WriteI64(g.init)
		} else {
			sec.AppendByte(opI32Const)
			sec.WriteI32(int32(g.init))
		}
		sec.AppendByte(opEnd)
	}
	writeSection(buf, sectionGlobal, sec)
}

func (m *Module) encodeExports(buf *Buffer) {
	if len(m.exports) == 0 {
		return
	}
	sec := &Buffer{}
	sec.WriteU32(uint32(len(m.exports)))
	for _, e := range m.exports {
		sec.WriteName(e.name)
		sec.AppendByte(e.kind)
		sec.WriteU32(e.idx)
	}
	writeSection(buf, sectionExport, sec)
}

func (m *Module) encodeCode(buf *Buffer) {
	if len(m.funcs) == 0 {
		return
	}
	sec := &Buffer{}
	sec.WriteU32(uint32(len(m.funcs)))
	for _, f := range m.funcs {
		body := &Buffer{}
		groups := groupLocals(f.locals)
		body.WriteU32(uint32(len(groups)))
		for _, g := range groups {
			body.WriteU32(g.count)
			body.AppendByte(byte(g.typ))
		}
		body.WriteBytes(f.Bytes())
		body.AppendByte(opEnd)

		sec.WriteU32(uint32(len(body.Bytes)))
		sec.WriteBytes(body.Bytes)
	}
	writeSection(buf, sectionCode, sec)
}

func (m *Module) encodeData(buf *Buffer) {
	if len(m.data) == 0 {
		return
	}
	sec := &Buffer{}
	sec.WriteU32(uint32(len(m.data)))
	for _, d := range m.data {
		sec.AppendByte(0x00) // active, memory 0
		sec.AppendByte(opI32Const)
		sec.WriteI32(int32(d.offset))
		sec.AppendByte(opEnd)
		sec.WriteU32(uint32(len(d.data)))
		sec.WriteBytes(d.data)
	}
	writeSection(buf, sectionData, sec)
}

type localGroup struct {
	count uint32
	typ   ValType
}

func groupLocals(locals []ValType) []localGroup {
	var groups []localGroup
	for _, t := range locals {
		if n := len(groups); n > 0 && groups[n-1].typ == t {
			groups[n-1].count++
			continue
		}
		groups = append(groups, localGroup{count: 1, typ: t})
	}
	return groups
}
