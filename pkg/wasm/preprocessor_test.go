package wasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// voidType is []->[], used by most fixtures.
var voidType = FuncType{}

func fixtureModule() *Module {
	return &Module{
		Types: []FuncType{voidType},
		Funcs: []uint32{0},
		Codes: []Code{{Body: []Instr{
			{Op: opI32Const, Const: 1},
			{Op: opDrop},
			{Op: opEnd},
		}}},
		Exports: []Export{{Name: "call", Kind: extKindFunc, Index: 0}},
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	m := &Module{
		Types: []FuncType{
			voidType,
			{Params: []byte{valI32, valI64}, Results: []byte{valI32}},
		},
		Imports: []Import{
			{Module: "env", Name: "read_value", Kind: extKindFunc, TypeIdx: 1},
			{Module: "env", Name: "memory", Kind: extKindMemory, Mem: Limits{Min: 1, Max: 4, HasMax: true}},
		},
		Funcs:    []uint32{0},
		Tables:   []TableType{{ElemType: 0x70, Lim: Limits{Min: 2}}},
		Memories: nil,
		Globals: []Global{{
			Type: GlobalType{ValType: valI64, Mutable: true},
			Init: []Instr{{Op: opI64Const, Const: -7}, {Op: opEnd}},
		}},
		Exports:  []Export{{Name: "call", Kind: extKindFunc, Index: 1}},
		Elements: []Element{{Offset: []Instr{{Op: opI32Const, Const: 0}, {Op: opEnd}}, Funcs: []uint32{1}}},
		Codes: []Code{{
			Locals: []LocalEntry{{Count: 2, Type: valI32}},
			Body: []Instr{
				{Op: opBlock, Block: blockTypeEmpty},
				{Op: opI32Const, Const: 300},
				{Op: opBrIf, Arg: 0},
				{Op: opEnd},
				{Op: opEnd},
			},
		}},
		Data: []DataSegment{{Offset: []Instr{{Op: opI32Const, Const: 16}, {Op: opEnd}}, Bytes: []byte("seed")}},
	}

	enc := m.Encode()
	parsed, err := ParseModule(enc)
	require.NoError(t, err)
	assert.Equal(t, enc, parsed.Encode())
	assert.Equal(t, m.Types, parsed.Types)
	assert.Equal(t, m.Imports, parsed.Imports)
	assert.Equal(t, m.Globals, parsed.Globals)
	assert.Equal(t, m.Codes, parsed.Codes)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := ParseModule([]byte("not a wasm module"))
	require.Error(t, err)

	_, err = ParseModule([]byte{0x00, 0x61, 0x73, 0x6D, 0x02, 0x00, 0x00, 0x00})
	require.Error(t, err, "wrong version")
}

func TestParseRejectsFloatOpcode(t *testing.T) {
	m := fixtureModule()
	m.Codes[0].Body = []Instr{{Op: 0x43}, {Op: opEnd}} // f32.const

	// Encode emits the raw opcode byte even though it carries no known
	// immediates, which is enough to exercise the parser rejection.
	_, err := ParseModule(m.Encode())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")

	_, err = Prepare(m.Encode(), DefaultConfig())
	require.ErrorIs(t, err, ErrDisallowedOpcode)
}

func TestPrepareSizeCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxModuleBytes = 8
	_, err := Prepare(fixtureModule().Encode(), cfg)
	require.ErrorIs(t, err, ErrModuleTooLarge)
}

func TestPrepareUnparseable(t *testing.T) {
	_, err := Prepare([]byte{1, 2, 3}, DefaultConfig())
	require.ErrorIs(t, err, ErrUnparseable)
}

func TestPrepareRejectsReservedImport(t *testing.T) {
	m := fixtureModule()
	m.Types = append(m.Types, FuncType{Params: []byte{valI64}})
	m.Imports = []Import{{Module: "env", Name: "gas", Kind: extKindFunc, TypeIdx: 1}}
	m.Exports[0].Index = 1

	_, err := Prepare(m.Encode(), DefaultConfig())
	require.ErrorIs(t, err, ErrDisallowedOpcode)
}

func TestPrepareMemoryClamp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMemoryPages = 16

	m := fixtureModule()
	m.Memories = []Limits{{Min: 2}}
	out, err := Prepare(m.Encode(), cfg)
	require.NoError(t, err)

	parsed, err := ParseModule(out.Bytes)
	require.NoError(t, err)
	require.Len(t, parsed.Memories, 1)
	assert.True(t, parsed.Memories[0].HasMax)
	assert.Equal(t, uint32(16), parsed.Memories[0].Max)

	m.Memories = []Limits{{Min: 64}}
	_, err = Prepare(m.Encode(), cfg)
	require.ErrorIs(t, err, ErrMemoryLimit)
}

func TestPrepareInjectsGasImport(t *testing.T) {
	out, err := Prepare(fixtureModule().Encode(), DefaultConfig())
	require.NoError(t, err)

	parsed, err := ParseModule(out.Bytes)
	require.NoError(t, err)
	require.Len(t, parsed.Imports, 1)
	assert.Equal(t, GasFuncModule, parsed.Imports[0].Module)
	assert.Equal(t, GasFuncName, parsed.Imports[0].Name)
	gasType := parsed.Types[parsed.Imports[0].TypeIdx]
	assert.Equal(t, FuncType{Params: []byte{valI64}}, gasType)

	// Static cost of the body: const + drop + end.
	ct := DefaultCostTable()
	want := ct.Const + ct.Regular + ct.Regular
	body := parsed.Codes[0].Body
	require.True(t, len(body) >= 2)
	assert.Equal(t, Instr{Op: opI64Const, Const: int64(want)}, body[0])
	assert.Equal(t, Instr{Op: opCall, Arg: 0}, body[1])

	// The exported entry point moved past the new import.
	assert.Equal(t, uint32(1), parsed.Exports[0].Index)
}

func TestPrepareRenumbersCalls(t *testing.T) {
	m := &Module{
		Types: []FuncType{voidType},
		Imports: []Import{
			{Module: "env", Name: "revert", Kind: extKindFunc, TypeIdx: 0},
		},
		Funcs: []uint32{0, 0},
		Codes: []Code{
			{Body: []Instr{
				{Op: opCall, Arg: 0}, // import, stays
				{Op: opCall, Arg: 2}, // second defined func, shifts
				{Op: opEnd},
			}},
			{Body: []Instr{{Op: opEnd}}},
		},
		Exports:  []Export{{Name: "call", Kind: extKindFunc, Index: 1}},
		Tables:   []TableType{{ElemType: 0x70, Lim: Limits{Min: 2}}},
		Elements: []Element{{Offset: []Instr{{Op: opI32Const, Const: 0}, {Op: opEnd}}, Funcs: []uint32{1, 2}}},
		HasStart: true,
		Start:    2,
	}

	out, err := Prepare(m.Encode(), DefaultConfig())
	require.NoError(t, err)
	parsed, err := ParseModule(out.Bytes)
	require.NoError(t, err)

	// Gas import lands at index 1; defined functions are now 2 and 3.
	var calls []uint32
	for _, in := range parsed.Codes[0].Body {
		if in.Op == opCall {
			calls = append(calls, in.Arg)
		}
	}
	assert.Contains(t, calls, uint32(0), "import call unchanged")
	assert.Contains(t, calls, uint32(3), "defined call shifted")
	assert.Equal(t, uint32(2), parsed.Exports[0].Index)
	assert.Equal(t, []uint32{2, 3}, parsed.Elements[0].Funcs)
	assert.Equal(t, uint32(3), parsed.Start)
}

func TestPrepareMetersLoop(t *testing.T) {
	m := fixtureModule()
	m.Codes[0].Body = []Instr{
		{Op: opLoop, Block: blockTypeEmpty},
		{Op: opI32Const, Const: 0},
		{Op: opBrIf, Arg: 0},
		{Op: opEnd},
		{Op: opEnd},
	}

	out, err := Prepare(m.Encode(), DefaultConfig())
	require.NoError(t, err)
	parsed, err := ParseModule(out.Bytes)
	require.NoError(t, err)

	body := parsed.Codes[0].Body
	// The loop body run starts after the loop opcode, so its charge sits
	// inside the loop and is paid on every iteration.
	var loopAt int
	for i, in := range body {
		if in.Op == opLoop {
			loopAt = i
			break
		}
	}
	require.Less(t, loopAt+2, len(body))
	assert.Equal(t, byte(opI64Const), body[loopAt+1].Op)
	assert.Equal(t, byte(opCall), body[loopAt+2].Op)
}

func TestPrepareRewritesMemoryGrow(t *testing.T) {
	m := fixtureModule()
	m.Memories = []Limits{{Min: 1}}
	m.Codes[0].Body = []Instr{
		{Op: opI32Const, Const: 4},
		{Op: opMemoryGrow},
		{Op: opDrop},
		{Op: opEnd},
	}

	out, err := Prepare(m.Encode(), DefaultConfig())
	require.NoError(t, err)
	parsed, err := ParseModule(out.Bytes)
	require.NoError(t, err)

	// A wrapper function was appended and the grow opcode replaced by a call
	// to it.
	require.Len(t, parsed.Funcs, 2)
	growIdx := uint32(1) + 1 // gas import plus original function
	found := false
	for _, in := range parsed.Codes[0].Body {
		require.NotEqual(t, byte(opMemoryGrow), in.Op)
		if in.Op == opCall && in.Arg == growIdx {
			found = true
		}
	}
	assert.True(t, found, "grow call not rewritten")

	wrapper := parsed.Codes[1].Body
	var hasGrow, hasMul bool
	for _, in := range wrapper {
		if in.Op == opMemoryGrow {
			hasGrow = true
		}
		if in.Op == opI64Mul {
			hasMul = true
		}
	}
	assert.True(t, hasGrow)
	assert.True(t, hasMul)
}

func TestPrepareDeterministic(t *testing.T) {
	raw := fixtureModule().Encode()
	a, err := Prepare(raw, DefaultConfig())
	require.NoError(t, err)
	b, err := Prepare(raw, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, a.Bytes, b.Bytes)
	assert.Equal(t, a.CodeHash, b.CodeHash)
}

func TestPrepareStripsCustomSections(t *testing.T) {
	raw := fixtureModule().Encode()
	custom := append([]byte{0}, appendU32(nil, 5)...)
	custom = append(custom, 4, 'n', 'a', 'm', 'e')
	raw = append(raw, custom...)

	out, err := Prepare(raw, DefaultConfig())
	require.NoError(t, err)
	parsed, err := ParseModule(out.Bytes)
	require.NoError(t, err)
	assert.NotNil(t, parsed)
}
