package wasmgen

const (
	opUnreachable = 0x00
	opBlock       = 0x02
	opLoop        = 0x03
	opIf          = 0x04
	opElse        = 0x05
	opEnd         = 0x0B
	opBr          = 0x0C
	opBrIf        = 0x0D
	opReturn      = 0x0F
	opCall        = 0x10
	opDrop        = 0x1A

	opLocalGet  = 0x20
	opLocalSet  = 0x21
	opLocalTee  = 0x22
	opGlobalGet = 0x23
	opGlobalSet = 0x24

	opI32Load   = 0x28
	opI64Load   = 0x29
	opI32Load8U = 0x2D
	opI32Store  = 0x36
	opI64Store  = 0x37
	opI32Store8 = 0x3A

	opMemorySize = 0x3F
	opMemoryGrow = 0x40

	opI32Const = 0x41
	opI64Const = 0x42

	opI32Eqz = 0x45
	opI32Eq  = 0x46
	opI32Ne  = 0x47
	opI32LtS = 0x48
	opI32LtU = 0x49
	opI32GtS = 0x4A
	opI32GtU = 0x4B
	opI32LeU = 0x4D
	opI32GeS = 0x4E
	opI32GeU = 0x4F

	opI32Add  = 0x6A
	opI32Sub  = 0x6B
	opI32Mul  = 0x6C
	opI32And  = 0x71
	opI32Or   = 0x72
	opI32Shl  = 0x74
	opI32ShrU = 0x76

	opPrefixFC = 0xFC
	subMemCopy = 0x0A
	subMemFill = 0x0B
	blockVoid  = 0x40
	memAlign8  = 0
	memAlign32 = 2
	memAlign64 = 3
)

// Code emits the instruction sequence of one function body. Methods return
// the receiver so bodies read top to bottom.
type Code struct {
	buf   Buffer
	depth int
}

func (c *Code) op(b byte) *Code {
	c.buf.AppendByte(b)
	return c
}

func (c *Code) opU32(b byte, v uint32) *Code {
	c.buf.AppendByte(b)
	c.buf.WriteU32(v)
	return c
}

func (c *Code) memarg(b byte, align, offset uint32) *Code {
	c.buf.AppendByte(b)
	c.buf.WriteU32(align)
	c.buf.WriteU32(offset)
	return c
}

func (c *Code) Unreachable() *Code { return c.op(opUnreachable) }
func (c *Code) Return() *Code      { return c.op(opReturn) }
func (c *Code) Drop() *Code        { return c.op(opDrop) }

// Block opens a block without a result.
func (c *Code) Block() *Code {
	c.depth++
	c.buf.AppendByte(opBlock)
	c.buf.AppendByte(blockVoid)
	return c
}

// Loop opens a loop without a result.
func (c *Code) Loop() *Code {
	c.depth++
	c.buf.AppendByte(opLoop)
	c.buf.AppendByte(blockVoid)
	return c
}

// If opens a conditional without a result.
func (c *Code) If() *Code {
	c.depth++
	c.buf.AppendByte(opIf)
	c.buf.AppendByte(blockVoid)
	return c
}

func (c *Code) Else() *Code { return c.op(opElse) }

// End closes the innermost block, loop or if.
func (c *Code) End() *Code {
	c.depth--
	return c.op(opEnd)
}

func (c *Code) Br(depth uint32) *Code   { return c.opU32(opBr, depth) }
func (c *Code) BrIf(depth uint32) *Code { return c.opU32(opBrIf, depth) }
func (c *Code) Call(fn uint32) *Code    { return c.opU32(opCall, fn) }

func (c *Code) LocalGet(i uint32) *Code  { return c.opU32(opLocalGet, i) }
func (c *Code) LocalSet(i uint32) *Code  { return c.opU32(opLocalSet, i) }
func (c *Code) LocalTee(i uint32) *Code  { return c.opU32(opLocalTee, i) }
func (c *Code) GlobalGet(i uint32) *Code { return c.opU32(opGlobalGet, i) }
func (c *Code) GlobalSet(i uint32) *Code { return c.opU32(opGlobalSet, i) }

func (c *Code) I32Load(offset uint32) *Code   { return c.memarg(opI32Load, memAlign32, offset) }
func (c *Code) I64Load(offset uint32) *Code   { return c.memarg(opI64Load, memAlign64, offset) }
func (c *Code) I32Load8U(offset uint32) *Code { return c.memarg(opI32Load8U, memAlign8, offset) }
func (c *Code) I32Store(offset uint32) *Code  { return c.memarg(opI32Store, memAlign32, offset) }
func (c *Code) I64Store(offset uint32) *Code  { return c.memarg(opI64Store, memAlign64, offset) }
func (c *Code) I32Store8(offset uint32) *Code { return c.memarg(opI32Store8, memAlign8, offset) }

// MemorySize pushes the memory size in pages.
func (c *Code) MemorySize() *Code { return c.opU32(opMemorySize, 0) }

// MemoryGrow grows memory by the popped page count and pushes the old size,
// or -1 on failure.
func (c *Code) MemoryGrow() *Code { return c.opU32(opMemoryGrow, 0) }

// MemoryCopy pops (dst, src, n).
func (c *Code) MemoryCopy() *Code {
	c.buf.AppendByte(opPrefixFC)
	c.buf.WriteU32(subMemCopy)
	c.buf.AppendByte(0x00)
	c.buf.AppendByte(0x00)
	return c
}

// MemoryFill pops (dst, value, n).
func (c *Code) MemoryFill() *Code {
	c.buf.AppendByte(opPrefixFC)
	c.buf.WriteU32(subMemFill)
	c.buf.AppendByte(0x00)
	return c
}

func (c *Code) I32Const(v int32) *Code {
	c.buf.AppendByte(opI32Const)
	c.buf.WriteI32(v)
	return c
}

func (c *Code) I64Const(v int64) *Code {
	c.buf.AppendByte(opI64Const)
	c.buf.WriteI64(v)
	return c
}

func (c *Code) I32Eqz() *Code  { return c.op(opI32Eqz) }
func (c *Code) I32Eq() *Code   { return c.op(opI32Eq) }
func (c *Code) I32Ne() *Code   { return c.op(opI32Ne) }
func (c *Code) I32LtS() *Code  { return c.op(opI32LtS) }
func (c *Code) I32LtU() *Code  { return c.op(opI32LtU) }
func (c *Code) I32GtS() *Code  { return c.op(opI32GtS) }
func (c *Code) I32GtU() *Code  { return c.op(opI32GtU) }
func (c *Code) I32LeU() *Code  { return c.op(opI32LeU) }
func (c *Code) I32GeS() *Code  { return c.op(opI32GeS) }
func (c *Code) I32GeU() *Code  { return c.op(opI32GeU) }
func (c *Code) I32Add() *Code  { return c.op(opI32Add) }
func (c *Code) I32Sub() *Code  { return c.op(opI32Sub) }
func (c *Code) I32Mul() *Code  { return c.op(opI32Mul) }
func (c *Code) I32And() *Code  { return c.op(opI32And) }
func (c *Code) I32Or() *Code   { return c.op(opI32Or) }
func (c *Code) I32Shl() *Code  { return c.op(opI32Shl) }
func (c *Code) I32ShrU() *Code { return c.op(opI32ShrU) }

// Bytes returns the emitted instructions, without the final end.
func (c *Code) Bytes() []byte { return c.buf.Bytes }
