// Package wasmtest builds small WebAssembly binaries for tests.
//
// Only the subset of the binary format that nest's tests need is supported:
// function and global imports, one memory, function and memory exports, active data
// segments, and raw function bodies.
package wasmtest

import "encoding/binary"

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

// Opcodes used by fixtures.
const (
	OpUnreachable byte = 0x00
	OpLoop        byte = 0x03
	OpBr          byte = 0x0c
	OpDrop        byte = 0x1a
	OpCall        byte = 0x10
	OpLocalGet    byte = 0x20
	OpI32Const    byte = 0x41
	OpI64Const    byte = 0x42
	OpI32Add      byte = 0x6a
	OpEnd         byte = 0x0b
	blockTypeVoid byte = 0x40
)

type funcType struct {
	params  []byte
	results []byte
}

type funcImport struct {
	module, name string
	typeIdx      uint32
}

type globalImport struct {
	module, name string
	valType      byte
}

type function struct {
	typeIdx uint32
	export  string
	body    []byte
}

type dataSegment struct {
	offset uint32
	data   []byte
}

// Module accumulates the sections of a module. Imports must be declared
// before functions so that returned function indices stay valid.
type Module struct {
	types     []funcType
	imports   []funcImport
	globals   []globalImport
	funcs     []function
	memPages  uint32
	memExport string
	hasMemory bool
	data      []dataSegment
}

// New returns an empty module.
func New() *Module {
	return &Module{}
}

// Import declares a function import and returns its function index.
func (m *Module) Import(module, name string, params, results []byte) uint32 {
	m.imports = append(m.imports, funcImport{
		module:  module,
		name:    name,
		typeIdx: m.typeIndex(params, results),
	})
	return uint32(len(m.imports) - 1)
}

// ImportGlobal declares an immutable global import of type t.
func (m *Module) ImportGlobal(module, name string, t byte) *Module {
	m.globals = append(m.globals, globalImport{module: module, name: name, valType: t})
	return m
}

// Func defines a function with the given body (without the trailing end
// opcode) and returns its function index. An empty export leaves it private.
func (m *Module) Func(export string, params, results []byte, body ...byte) uint32 {
	m.funcs = append(m.funcs, function{
		typeIdx: m.typeIndex(params, results),
		export:  export,
		body:    body,
	})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Memory declares a memory of the given initial pages, exported under name
// when name is non-empty.
func (m *Module) Memory(pages uint32, export string) *Module {
	m.hasMemory = true
	m.memPages = pages
	m.memExport = export
	return m
}

// Data places b at offset in memory 0.
func (m *Module) Data(offset uint32, b []byte) *Module {
	m.data = append(m.data, dataSegment{offset: offset, data: b})
	return m
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(m.types) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.types)))
		for _, t := range m.types {
			sec = append(sec, 0x60)
			sec = appendU32(sec, uint32(len(t.params)))
			sec = append(sec, t.params...)
			sec = appendU32(sec, uint32(len(t.results)))
			sec = append(sec, t.results...)
		}
		out = appendSection(out, 1, sec)
	}

	if len(m.imports)+len(m.globals) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.imports)+len(m.globals)))
		for _, imp := range m.imports {
			sec = appendName(sec, imp.module)
			sec = appendName(sec, imp.name)
			sec = append(sec, 0x00)
			sec = appendU32(sec, imp.typeIdx)
		}
		for _, g := range m.globals {
			sec = appendName(sec, g.module)
			sec = appendName(sec, g.name)
			sec = append(sec, 0x03, g.valType, 0x00)
		}
		out = appendSection(out, 2, sec)
	}

	if len(m.funcs) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			sec = appendU32(sec, f.typeIdx)
		}
		out = appendSection(out, 3, sec)
	}

	if m.hasMemory {
		var sec []byte
		sec = appendU32(sec, 1)
		sec = append(sec, 0x00)
		sec = appendU32(sec, m.memPages)
		out = appendSection(out, 5, sec)
	}

	var exports []byte
	var exportCount uint32
	for i, f := range m.funcs {
		if f.export == "" {
			continue
		}
		exports = appendName(exports, f.export)
		exports = append(exports, 0x00)
		exports = appendU32(exports, uint32(len(m.imports)+i))
		exportCount++
	}
	if m.hasMemory && m.memExport != "" {
		exports = appendName(exports, m.memExport)
		exports = append(exports, 0x02)
		exports = appendU32(exports, 0)
		exportCount++
	}
	if exportCount > 0 {
		out = appendSection(out, 7, append(appendU32(nil, exportCount), exports...))
	}

	if len(m.funcs) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			var code []byte
			code = appendU32(code, 0) // no locals
			code = append(code, f.body...)
			code = append(code, OpEnd)
			sec = appendU32(sec, uint32(len(code)))
			sec = append(sec, code...)
		}
		out = appendSection(out, 10, sec)
	}

	if len(m.data) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.data)))
		for _, d := range m.data {
			sec = append(sec, 0x00, OpI32Const)
			sec = appendS32(sec, int32(d.offset))
			sec = append(sec, OpEnd)
			sec = appendU32(sec, uint32(len(d.data)))
			sec = append(sec, d.data...)
		}
		out = appendSection(out, 11, sec)
	}

	return out
}

func (m *Module) typeIndex(params, results []byte) uint32 {
	for i, t := range m.types {
		if string(t.params) == string(params) && string(t.results) == string(results) {
			return uint32(i)
		}
	}
	m.types = append(m.types, funcType{params: params, results: results})
	return uint32(len(m.types) - 1)
}

// I32Const encodes i32.const v.
func I32Const(v int32) []byte {
	return appendS32([]byte{OpI32Const}, v)
}

// I64Const encodes i64.const v.
func I64Const(v int64) []byte {
	return appendS64([]byte{OpI64Const}, v)
}

// Call encodes call idx.
func Call(idx uint32) []byte {
	return appendU32([]byte{OpCall}, idx)
}

// LocalGet encodes local.get idx.
func LocalGet(idx uint32) []byte {
	return appendU32([]byte{OpLocalGet}, idx)
}

// InfiniteLoop encodes loop br 0 end.
func InfiniteLoop() []byte {
	return []byte{OpLoop, blockTypeVoid, OpBr, 0x00, OpEnd}
}

// Seq concatenates instruction sequences.
func Seq(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func appendSection(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = appendU32(out, uint32(len(content)))
	return append(out, content...)
}

func appendName(out []byte, s string) []byte {
	out = appendU32(out, uint32(len(s)))
	return append(out, s...)
}

func appendU32(out []byte, v uint32) []byte {
	return binary.AppendUvarint(out, uint64(v))
}

func appendS32(out []byte, v int32) []byte {
	return appendS64(out, int64(v))
}

func appendS64(out []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
