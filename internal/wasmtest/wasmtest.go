// Package wasmtest assembles small WebAssembly binaries for tests. Modules
// are built on wabin's module model and encoded with its binary encoder;
// this package adds the few instruction helpers the guests need.
package wasmtest

import (
	"bytes"
	"fmt"

	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

// Value types.
const (
	I32 = wasm.ValueTypeI32
	I64 = wasm.ValueTypeI64
)

// blockEmpty is the block type of a block, loop or if without results.
const blockEmpty byte = 0x40

// Module accumulates sections. Imports must be declared before any Func
// because they share the function index space.
type Module struct {
	mod       wasm.Module
	typeIndex map[string]wasm.Index
}

func NewModule() *Module {
	return &Module{typeIndex: make(map[string]wasm.Index)}
}

func (m *Module) typeOf(params, results []byte) wasm.Index {
	key := string(params) + "|" + string(results)
	if idx, ok := m.typeIndex[key]; ok {
		return idx
	}
	idx := wasm.Index(len(m.mod.TypeSection))
	m.mod.TypeSection = append(m.mod.TypeSection, &wasm.FunctionType{Params: params, Results: results})
	m.typeIndex[key] = idx
	return idx
}

// Import declares an imported function and returns its function index.
func (m *Module) Import(module, name string, params, results []byte) uint32 {
	if len(m.mod.FunctionSection) > 0 {
		panic("wasmtest: Import after Func")
	}
	m.mod.ImportSection = append(m.mod.ImportSection, &wasm.Import{
		Type:     wasm.ExternTypeFunc,
		Module:   module,
		Name:     name,
		DescFunc: m.typeOf(params, results),
	})
	return m.mod.ImportFuncCount() - 1
}

// Func defines a function and returns its index. locals lists the value
// type of each local after the parameters. body is the instruction
// sequence without the final end opcode.
func (m *Module) Func(params, results, locals []byte, body ...[]byte) uint32 {
	m.mod.FunctionSection = append(m.mod.FunctionSection, m.typeOf(params, results))
	m.mod.CodeSection = append(m.mod.CodeSection, &wasm.Code{
		LocalTypes: locals,
		Body:       append(bytes.Join(body, nil), wasm.OpcodeEnd),
	})
	return m.mod.ImportFuncCount() + uint32(len(m.mod.FunctionSection)) - 1
}

// ExportFunc exports function idx under name.
func (m *Module) ExportFunc(name string, idx uint32) *Module {
	m.mod.ExportSection = append(m.mod.ExportSection, &wasm.Export{Type: wasm.ExternTypeFunc, Name: name, Index: idx})
	return m
}

// Memory declares memory 0 with the given minimum page count. A non-empty
// exportName also exports it.
func (m *Module) Memory(pages uint32, exportName string) *Module {
	m.mod.MemorySection = &wasm.Memory{Min: pages}
	if exportName != "" {
		m.mod.ExportSection = append(m.mod.ExportSection, &wasm.Export{Type: wasm.ExternTypeMemory, Name: exportName})
	}
	return m
}

// Data places b in memory 0 at offset.
func (m *Module) Data(offset int32, b []byte) *Module {
	m.mod.DataSection = append(m.mod.DataSection, &wasm.DataSegment{
		OffsetExpression: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: leb128.EncodeInt32(offset)},
		Init:             b,
	})
	return m
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	return binary.EncodeModule(&m.mod)
}

// Instructions.

func I32Const(v int32) []byte  { return append([]byte{wasm.OpcodeI32Const}, leb128.EncodeInt32(v)...) }
func I64Const(v int64) []byte  { return append([]byte{wasm.OpcodeI64Const}, leb128.EncodeInt64(v)...) }
func Call(idx uint32) []byte   { return append([]byte{wasm.OpcodeCall}, leb128.EncodeUint32(idx)...) }
func LocalGet(i uint32) []byte { return append([]byte{wasm.OpcodeLocalGet}, leb128.EncodeUint32(i)...) }
func LocalSet(i uint32) []byte { return append([]byte{wasm.OpcodeLocalSet}, leb128.EncodeUint32(i)...) }

var (
	Drop        = []byte{wasm.OpcodeDrop}
	I32Load     = []byte{wasm.OpcodeI32Load, 0x02, 0x00}
	I32Store    = []byte{wasm.OpcodeI32Store, 0x02, 0x00}
	I32Add      = []byte{wasm.OpcodeI32Add}
	Return      = []byte{wasm.OpcodeReturn}
	Unreachable = []byte{wasm.OpcodeUnreachable}
	// InfiniteLoop spins until the runtime interrupts it.
	InfiniteLoop = []byte{wasm.OpcodeLoop, blockEmpty, wasm.OpcodeBr, 0x00, wasm.OpcodeEnd}
)

// ReturnIfNonZero pops an i32 and returns code from the function when it
// is not zero.
func ReturnIfNonZero(code int32) []byte {
	b := []byte{wasm.OpcodeIf, blockEmpty}
	b = append(b, I32Const(code)...)
	return append(b, wasm.OpcodeReturn, wasm.OpcodeEnd)
}

// Store writes the i32 value at addr. Both operands are constants.
func Store(addr, value int32) []byte {
	return bytes.Join([][]byte{I32Const(addr), I32Const(value), I32Store}, nil)
}

// Load pushes the i32 stored at addr.
func Load(addr int32) []byte {
	return bytes.Join([][]byte{I32Const(addr), I32Load}, nil)
}

// String is a constant placed in guest memory.
type String struct {
	Ptr, Len int32
}

// Args pushes ptr and len.
func (s String) Args() []byte {
	return append(I32Const(s.Ptr), I32Const(s.Len)...)
}

// Strings lays out constants back to back in memory starting at base and
// registers the data segments on m.
func (m *Module) Strings(base int32, values ...string) []String {
	out := make([]String, 0, len(values))
	off := base
	for _, v := range values {
		m.Data(off, []byte(v))
		out = append(out, String{Ptr: off, Len: int32(len(v))})
		off += int32(len(v))
	}
	return out
}

func (s String) String() string {
	return fmt.Sprintf("[%d:%d]", s.Ptr, s.Ptr+s.Len)
}
