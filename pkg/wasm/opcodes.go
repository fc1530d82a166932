package wasm

// Core opcodes referenced by the instrumenter. The full MVP integer set is
// admitted through opImm below; anything outside it is rejected.
const (
	opUnreachable  = 0x00
	opNop          = 0x01
	opBlock        = 0x02
	opLoop         = 0x03
	opIf           = 0x04
	opElse         = 0x05
	opEnd          = 0x0B
	opBr           = 0x0C
	opBrIf         = 0x0D
	opBrTable      = 0x0E
	opReturn       = 0x0F
	opCall         = 0x10
	opCallIndirect = 0x11

	opDrop   = 0x1A
	opSelect = 0x1B

	opLocalGet  = 0x20
	opLocalSet  = 0x21
	opLocalTee  = 0x22
	opGlobalGet = 0x23
	opGlobalSet = 0x24

	opI32Load    = 0x28
	opI64Store32 = 0x3E

	opMemorySize = 0x3F
	opMemoryGrow = 0x40

	opI32Const = 0x41
	opI64Const = 0x42

	opI64ExtendI32U = 0xAD
	opI64Mul        = 0x7E
)

// Immediate shapes understood by the instruction parser.
type immKind uint8

const (
	immNone immKind = iota
	immBlockType
	immIndex   // single u32 index or label
	immBrTable // label vector plus default
	immCallIndirect
	immMemArg   // align, offset
	immMemIndex // reserved zero byte for memory.size and memory.grow
	immI32
	immI64
)

// Cost classes charged per instruction.
type costClass uint8

const (
	costRegular costClass = iota
	costMul
	costDiv
	costMem
	costConst
	costBranch
	costCall
)

type opInfo struct {
	imm  immKind
	cost costClass
}

// opImm admits exactly the integer subset of the MVP instruction set.
// Floating point, sign extension, saturating truncation, and every later
// proposal are absent and therefore rejected during parsing, which keeps the
// instrumented code deterministic across engines.
var opImm = map[byte]opInfo{
	opUnreachable:  {immNone, costRegular},
	opNop:          {immNone, costRegular},
	opBlock:        {immBlockType, costRegular},
	opLoop:         {immBlockType, costRegular},
	opIf:           {immBlockType, costBranch},
	opElse:         {immNone, costRegular},
	opEnd:          {immNone, costRegular},
	opBr:           {immIndex, costBranch},
	opBrIf:         {immIndex, costBranch},
	opBrTable:      {immBrTable, costBranch},
	opReturn:       {immNone, costBranch},
	opCall:         {immIndex, costCall},
	opCallIndirect: {immCallIndirect, costCall},

	opDrop:   {immNone, costRegular},
	opSelect: {immNone, costRegular},

	opLocalGet:  {immIndex, costRegular},
	opLocalSet:  {immIndex, costRegular},
	opLocalTee:  {immIndex, costRegular},
	opGlobalGet: {immIndex, costRegular},
	opGlobalSet: {immIndex, costRegular},

	// Integer loads and stores, 0x28..0x36 minus the float slots 0x2A, 0x2B,
	// 0x38, 0x39.
	0x28: {immMemArg, costMem}, // i32.load
	0x29: {immMemArg, costMem}, // i64.load
	0x2C: {immMemArg, costMem}, // i32.load8_s
	0x2D: {immMemArg, costMem},
	0x2E: {immMemArg, costMem},
	0x2F: {immMemArg, costMem},
	0x30: {immMemArg, costMem},
	0x31: {immMemArg, costMem},
	0x32: {immMemArg, costMem},
	0x33: {immMemArg, costMem},
	0x34: {immMemArg, costMem},
	0x35: {immMemArg, costMem}, // i64.load32_u
	0x36: {immMemArg, costMem}, // i32.store
	0x37: {immMemArg, costMem}, // i64.store
	0x3A: {immMemArg, costMem}, // i32.store8
	0x3B: {immMemArg, costMem},
	0x3C: {immMemArg, costMem},
	0x3D: {immMemArg, costMem},
	0x3E: {immMemArg, costMem}, // i64.store32

	opMemorySize: {immMemIndex, costRegular},
	opMemoryGrow: {immMemIndex, costRegular},

	opI32Const: {immI32, costConst},
	opI64Const: {immI64, costConst},

	// i32 comparisons 0x45..0x4F.
	0x45: {immNone, costRegular},
	0x46: {immNone, costRegular},
	0x47: {immNone, costRegular},
	0x48: {immNone, costRegular},
	0x49: {immNone, costRegular},
	0x4A: {immNone, costRegular},
	0x4B: {immNone, costRegular},
	0x4C: {immNone, costRegular},
	0x4D: {immNone, costRegular},
	0x4E: {immNone, costRegular},
	0x4F: {immNone, costRegular},

	// i64 comparisons 0x50..0x5A.
	0x50: {immNone, costRegular},
	0x51: {immNone, costRegular},
	0x52: {immNone, costRegular},
	0x53: {immNone, costRegular},
	0x54: {immNone, costRegular},
	0x55: {immNone, costRegular},
	0x56: {immNone, costRegular},
	0x57: {immNone, costRegular},
	0x58: {immNone, costRegular},
	0x59: {immNone, costRegular},
	0x5A: {immNone, costRegular},

	// i32 arithmetic 0x67..0x78.
	0x67: {immNone, costRegular}, // i32.clz
	0x68: {immNone, costRegular},
	0x69: {immNone, costRegular},
	0x6A: {immNone, costRegular}, // i32.add
	0x6B: {immNone, costRegular}, // i32.sub
	0x6C: {immNone, costMul},     // i32.mul
	0x6D: {immNone, costDiv},     // i32.div_s
	0x6E: {immNone, costDiv},     // i32.div_u
	0x6F: {immNone, costDiv},     // i32.rem_s
	0x70: {immNone, costDiv},     // i32.rem_u
	0x71: {immNone, costRegular}, // i32.and
	0x72: {immNone, costRegular},
	0x73: {immNone, costRegular},
	0x74: {immNone, costRegular},
	0x75: {immNone, costRegular},
	0x76: {immNone, costRegular},
	0x77: {immNone, costRegular},
	0x78: {immNone, costRegular}, // i32.rotr

	// i64 arithmetic 0x79..0x8A.
	0x79: {immNone, costRegular}, // i64.clz
	0x7A: {immNone, costRegular},
	0x7B: {immNone, costRegular},
	0x7C: {immNone, costRegular}, // i64.add
	0x7D: {immNone, costRegular}, // i64.sub
	0x7E: {immNone, costMul},     // i64.mul
	0x7F: {immNone, costDiv},     // i64.div_s
	0x80: {immNone, costDiv},
	0x81: {immNone, costDiv},
	0x82: {immNone, costDiv}, // i64.rem_u
	0x83: {immNone, costRegular},
	0x84: {immNone, costRegular},
	0x85: {immNone, costRegular},
	0x86: {immNone, costRegular},
	0x87: {immNone, costRegular},
	0x88: {immNone, costRegular},
	0x89: {immNone, costRegular},
	0x8A: {immNone, costRegular}, // i64.rotr

	// Integer width conversions.
	0xA7: {immNone, costRegular}, // i32.wrap_i64
	0xAC: {immNone, costRegular}, // i64.extend_i32_s
	0xAD: {immNone, costRegular}, // i64.extend_i32_u
}
