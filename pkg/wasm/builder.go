package wasm

// Exported opcode and type aliases for callers that assemble modules in
// code, such as genesis tooling and the execution test fixtures.
const (
	OpUnreachable = opUnreachable
	OpNop         = opNop
	OpBlock       = opBlock
	OpLoop        = opLoop
	OpIf          = opIf
	OpEnd         = opEnd
	OpBr          = opBr
	OpBrIf        = opBrIf
	OpReturn      = opReturn
	OpCall        = opCall
	OpDrop        = opDrop
	OpLocalGet    = opLocalGet
	OpLocalSet    = opLocalSet
	OpLocalTee    = opLocalTee
	OpMemoryGrow  = opMemoryGrow
	OpI32Const    = opI32Const
	OpI64Const    = opI64Const
	OpI32Add      = 0x6A
	OpI64Add      = 0x7C

	ValI32 = valI32
	ValI64 = valI64

	BlockTypeEmpty = blockTypeEmpty

	ExtKindFunc   = extKindFunc
	ExtKindMemory = extKindMemory
)
