package runtime

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartzchain/quartz/pkg/effect"
	"github.com/quartzchain/quartz/pkg/storage/state"
	"github.com/quartzchain/quartz/pkg/storage/store"
	"github.com/quartzchain/quartz/pkg/types"
	"github.com/quartzchain/quartz/pkg/wasm"
)

// hostImport declares one env function a fixture module imports.
type hostImport struct {
	name    string
	params  int
	results int
}

// buildContract assembles a module importing the given env functions, with
// one page of memory, data at offset zero, and the body exported as call.
func buildContract(imports []hostImport, locals []wasm.LocalEntry, body []wasm.Instr, data []byte) []byte {
	m := &wasm.Module{}
	for _, imp := range imports {
		var ft wasm.FuncType
		for i := 0; i < imp.params; i++ {
			ft.Params = append(ft.Params, wasm.ValI32)
		}
		for i := 0; i < imp.results; i++ {
			ft.Results = append(ft.Results, wasm.ValI32)
		}
		m.Imports = append(m.Imports, wasm.Import{
			Module:  "env",
			Name:    imp.name,
			Kind:    wasm.ExtKindFunc,
			TypeIdx: uint32(len(m.Types)),
		})
		m.Types = append(m.Types, ft)
	}
	m.Types = append(m.Types, wasm.FuncType{})
	m.Funcs = []uint32{uint32(len(m.Types) - 1)}
	m.Codes = []wasm.Code{{Locals: locals, Body: body}}
	m.Memories = []wasm.Limits{{Min: 1}}
	m.Exports = []wasm.Export{{Name: EntryPoint, Kind: wasm.ExtKindFunc, Index: uint32(len(imports))}}
	if len(data) > 0 {
		m.Data = []wasm.DataSegment{{
			Offset: []wasm.Instr{{Op: wasm.OpI32Const, Const: 0}, {Op: wasm.OpEnd}},
			Bytes:  data,
		}}
	}
	return m.Encode()
}

func instrument(t *testing.T, raw []byte) []byte {
	t.Helper()
	out, err := wasm.Prepare(raw, wasm.DefaultConfig())
	require.NoError(t, err)
	return out.Bytes
}

// testEnv is a funded caller account over a fresh in-memory state.
type testEnv struct {
	st      *state.State
	root    types.Digest
	account *types.Account
	ec      *Context
}

func newTestEnv(t *testing.T, balance uint64) *testEnv {
	t.Helper()
	st := state.New(store.NewMemStore(), 0)

	caller := types.Blake2b([]byte("caller"))
	purse := types.NewURef(types.Blake2b([]byte("caller purse")), 0)
	account := types.NewAccount(caller, purse)

	m := effect.TransformMap{
		account.Key():      effect.Write(types.StoredAccount(account)),
		purse.BalanceKey(): effect.Write(types.StoredCLValue(types.CLU256(uint256.NewInt(balance)))),
	}
	root, err := st.Commit(state.EmptyRoot(), m)
	require.NoError(t, err)

	env := &testEnv{st: st, root: root, account: account}
	env.ec = &Context{
		Caller:     caller,
		Account:    account,
		GasLimit:   1_000_000,
		BlockTime:  77,
		DeployHash: types.Blake2b([]byte("deploy-1")),
		Reader:     st.Reader(root),
		Tracker:    effect.NewTracker(),
	}
	return env
}

// put commits extra values on top of the current root.
func (e *testEnv) put(t *testing.T, m effect.TransformMap) {
	t.Helper()
	root, err := e.st.Commit(e.root, m)
	require.NoError(t, err)
	e.root = root
	e.ec.Reader = e.st.Reader(root)
}

func i32c(v int32) wasm.Instr { return wasm.Instr{Op: wasm.OpI32Const, Const: int64(v)} }

func call(idx uint32) wasm.Instr { return wasm.Instr{Op: wasm.OpCall, Arg: idx} }

func TestExecuteRevert(t *testing.T) {
	env := newTestEnv(t, 0)
	raw := buildContract(
		[]hostImport{{name: "revert", params: 1}},
		nil,
		[]wasm.Instr{i32c(7), call(0), {Op: wasm.OpEnd}},
		nil,
	)
	res := New(DefaultConfig()).Execute(context.Background(), instrument(t, raw), env.ec)
	assert.Equal(t, ResultReverted, res.Kind)
	assert.Equal(t, uint32(7), res.Status)
	assert.False(t, res.Succeeded())
	assert.Greater(t, uint64(res.GasUsed), uint64(0))
}

func TestExecuteTrapsOnUnreachable(t *testing.T) {
	env := newTestEnv(t, 0)
	raw := buildContract(nil, nil, []wasm.Instr{{Op: wasm.OpUnreachable}, {Op: wasm.OpEnd}}, nil)
	res := New(DefaultConfig()).Execute(context.Background(), instrument(t, raw), env.ec)
	assert.Equal(t, ResultTrapped, res.Kind)
	require.Error(t, resultError(res))
}

func TestExecuteGasExhaustion(t *testing.T) {
	env := newTestEnv(t, 0)
	env.ec.GasLimit = 500
	raw := buildContract(nil, nil, []wasm.Instr{
		{Op: wasm.OpLoop, Block: wasm.BlockTypeEmpty},
		{Op: wasm.OpBr, Arg: 0},
		{Op: wasm.OpEnd},
		{Op: wasm.OpEnd},
	}, nil)
	res := New(DefaultConfig()).Execute(context.Background(), instrument(t, raw), env.ec)
	assert.Equal(t, ResultGasExhausted, res.Kind)
	assert.Equal(t, types.Gas(500), res.GasUsed, "gas saturates at the limit")
}

func TestExecuteMissingEntryPoint(t *testing.T) {
	env := newTestEnv(t, 0)
	m := &wasm.Module{
		Types:   []wasm.FuncType{{}},
		Funcs:   []uint32{0},
		Codes:   []wasm.Code{{Body: []wasm.Instr{{Op: wasm.OpEnd}}}},
		Exports: []wasm.Export{{Name: "other", Kind: wasm.ExtKindFunc, Index: 0}},
	}
	res := New(DefaultConfig()).Execute(context.Background(), instrument(t, m.Encode()), env.ec)
	assert.Equal(t, ResultTrapped, res.Kind)
	assert.ErrorIs(t, res.Err, ErrNoEntryPoint)
}

func TestExecuteReturnsNamedArg(t *testing.T) {
	env := newTestEnv(t, 0)
	env.ec.Args = types.NamedArgs{{Name: "amount", Value: types.CLU64(93)}}

	// Data layout: the arg name at offset 0, scratch space at 64.
	data := []byte("amount")
	raw := buildContract(
		[]hostImport{
			{name: "get_named_arg", params: 4, results: 1},
			{name: "ret", params: 2},
		},
		[]wasm.LocalEntry{{Count: 1, Type: wasm.ValI32}},
		[]wasm.Instr{
			i32c(0), i32c(int32(len(data))), i32c(64), i32c(64), call(0),
			{Op: wasm.OpLocalSet, Arg: 0},
			i32c(64), {Op: wasm.OpLocalGet, Arg: 0}, call(1),
			{Op: wasm.OpEnd},
		},
		data,
	)

	res := New(DefaultConfig()).Execute(context.Background(), instrument(t, raw), env.ec)
	require.Equal(t, ResultHalted, res.Kind, "err: %v", res.Err)
	require.NotNil(t, res.Return)
	got, err := res.Return.AsU64()
	require.NoError(t, err)
	assert.Equal(t, uint64(93), got)
}

func TestExecuteWriteUnderNewURef(t *testing.T) {
	env := newTestEnv(t, 0)

	// The first uref minted for this deploy is deterministic, so the fixture
	// can carry its storage key in the data segment.
	uref := types.NewURef(env.ec.DeployHash, 0)
	val := types.CLI64(42)
	data := make([]byte, 128)
	copy(data, uref.Key().Bytes())
	copy(data[64:], val.Bytes())

	raw := buildContract(
		[]hostImport{
			{name: "new_uref", params: 1},
			{name: "write", params: 4, results: 1},
		},
		nil,
		[]wasm.Instr{
			i32c(200), call(0), // mint, grants the rights
			i32c(0), i32c(types.KeySize), i32c(64), i32c(int32(len(val.Bytes()))), call(1),
			{Op: wasm.OpDrop},
			{Op: wasm.OpEnd},
		},
		data,
	)

	res := New(DefaultConfig()).Execute(context.Background(), instrument(t, raw), env.ec)
	require.Equal(t, ResultHalted, res.Kind, "err: %v", res.Err)

	tr, ok := env.ec.Tracker.Pending(uref.Key())
	require.True(t, ok)
	assert.Equal(t, effect.TransformWrite, tr.Kind)
	assert.Equal(t, types.TagCLValue, tr.Value.Tag())
	assert.Equal(t, val, *tr.Value.CLValue)
}

func TestExecuteWriteWithoutRightsFails(t *testing.T) {
	env := newTestEnv(t, 0)

	// Same layout as above but new_uref is never called, so the frame holds
	// no rights for the key and the write must be refused. The contract
	// reverts with the host error code so the test can observe it.
	uref := types.NewURef(env.ec.DeployHash, 0)
	val := types.CLI64(1)
	data := make([]byte, 128)
	copy(data, uref.Key().Bytes())
	copy(data[64:], val.Bytes())

	raw := buildContract(
		[]hostImport{
			{name: "write", params: 4, results: 1},
			{name: "revert", params: 1},
		},
		nil,
		[]wasm.Instr{
			i32c(0), i32c(types.KeySize), i32c(64), i32c(int32(len(val.Bytes()))), call(0),
			call(1),
			{Op: wasm.OpEnd},
		},
		data,
	)

	res := New(DefaultConfig()).Execute(context.Background(), instrument(t, raw), env.ec)
	require.Equal(t, ResultReverted, res.Kind)
	code := int32(errCodeInvalidAccess)
	assert.Equal(t, uint32(code), res.Status)

	_, ok := env.ec.Tracker.Pending(uref.Key())
	assert.False(t, ok, "refused write must leave no transform")
}

func TestExecuteTransferToAccount(t *testing.T) {
	env := newTestEnv(t, 1000)

	target := types.Blake2b([]byte("target"))
	tgtPurse := types.NewURef(types.Blake2b([]byte("target purse")), 0)
	tgtAccount := types.NewAccount(target, tgtPurse)
	env.put(t, effect.TransformMap{
		tgtAccount.Key(): effect.Write(types.StoredAccount(tgtAccount)),
	})

	amount := types.CLU256(uint256.NewInt(250))
	data := make([]byte, 128)
	copy(data, target[:])
	copy(data[32:], amount.Bytes())

	raw := buildContract(
		[]hostImport{{name: "transfer_to_account", params: 3, results: 1}},
		nil,
		[]wasm.Instr{
			i32c(0), i32c(32), i32c(int32(len(amount.Bytes()))), call(0),
			{Op: wasm.OpDrop},
			{Op: wasm.OpEnd},
		},
		data,
	)

	res := New(DefaultConfig()).Execute(context.Background(), instrument(t, raw), env.ec)
	require.Equal(t, ResultHalted, res.Kind, "err: %v", res.Err)

	// Debit is an exact write of the remaining balance.
	srcTr, ok := env.ec.Tracker.Pending(env.account.MainPurse.BalanceKey())
	require.True(t, ok)
	require.Equal(t, effect.TransformWrite, srcTr.Kind)
	rest, err := srcTr.Value.CLValue.AsU256()
	require.NoError(t, err)
	assert.Equal(t, uint64(750), rest.Uint64())

	// Credit is an add so concurrent deposits merge.
	tgtTr, ok := env.ec.Tracker.Pending(tgtPurse.BalanceKey())
	require.True(t, ok)
	assert.Equal(t, effect.TransformAddU256, tgtTr.Kind)

	xfers := env.ec.Tracker.Transfers()
	require.Len(t, xfers, 1)
	assert.Equal(t, env.account.MainPurse.Addr, xfers[0].Source)
	assert.Equal(t, tgtPurse.Addr, xfers[0].Target)
	assert.Equal(t, uint64(250), xfers[0].Amount.Uint64())
}

func TestExecuteTransferInsufficientBalance(t *testing.T) {
	env := newTestEnv(t, 10)

	target := types.Blake2b([]byte("target"))
	tgtAccount := types.NewAccount(target, types.NewURef(types.Blake2b([]byte("tp")), 0))
	env.put(t, effect.TransformMap{
		tgtAccount.Key(): effect.Write(types.StoredAccount(tgtAccount)),
	})

	amount := types.CLU256(uint256.NewInt(50))
	data := make([]byte, 128)
	copy(data, target[:])
	copy(data[32:], amount.Bytes())

	raw := buildContract(
		[]hostImport{
			{name: "transfer_to_account", params: 3, results: 1},
			{name: "revert", params: 1},
		},
		nil,
		[]wasm.Instr{
			i32c(0), i32c(32), i32c(int32(len(amount.Bytes()))), call(0),
			call(1),
			{Op: wasm.OpEnd},
		},
		data,
	)

	res := New(DefaultConfig()).Execute(context.Background(), instrument(t, raw), env.ec)
	require.Equal(t, ResultReverted, res.Kind)
	code := int32(errCodeInsufficient)
	assert.Equal(t, uint32(code), res.Status)
	assert.Empty(t, env.ec.Tracker.Transfers())
}

// storeContract commits a callee contract and returns its hash key address.
func storeContract(t *testing.T, env *testEnv, code []byte, namedKeys map[string]types.Key) types.Digest {
	t.Helper()
	wasmHash := types.Blake2b(code)
	contract := &types.Contract{WasmHash: wasmHash, NamedKeys: namedKeys, ProtocolMajor: 1}
	contractHash := types.Blake2b([]byte("contract"), wasmHash[:])
	env.put(t, effect.TransformMap{
		types.HashKey(wasmHash):     effect.Write(types.StoredWasm(code)),
		types.HashKey(contractHash): effect.Write(types.StoredContract(contract)),
	})
	return contractHash
}

func TestExecuteCallContract(t *testing.T) {
	env := newTestEnv(t, 0)

	// Callee stores 7 under its named uref.
	uref := types.NewURef(types.Blake2b([]byte("counter")), 0)
	val := types.CLI64(7)
	calleeData := make([]byte, 128)
	copy(calleeData, uref.Key().Bytes())
	copy(calleeData[64:], val.Bytes())
	callee := instrument(t, buildContract(
		[]hostImport{{name: "write", params: 4, results: 1}},
		nil,
		[]wasm.Instr{
			i32c(0), i32c(types.KeySize), i32c(64), i32c(int32(len(val.Bytes()))), call(0),
			{Op: wasm.OpDrop},
			{Op: wasm.OpEnd},
		},
		calleeData,
	))
	contractHash := storeContract(t, env, callee, map[string]types.Key{"counter": uref.Key()})

	callerData := make([]byte, 64)
	copy(callerData, contractHash[:])
	caller := buildContract(
		[]hostImport{{name: "call_contract", params: 3, results: 1}},
		nil,
		[]wasm.Instr{
			i32c(0), i32c(0), i32c(0), call(0),
			{Op: wasm.OpDrop},
			{Op: wasm.OpEnd},
		},
		callerData,
	)

	res := New(DefaultConfig()).Execute(context.Background(), instrument(t, caller), env.ec)
	require.Equal(t, ResultHalted, res.Kind, "err: %v", res.Err)

	tr, ok := env.ec.Tracker.Pending(uref.Key())
	require.True(t, ok, "callee effect must land in the shared tracker")
	assert.Equal(t, effect.TransformWrite, tr.Kind)
}

func TestExecuteCallerOverwritesCalleeWrite(t *testing.T) {
	env := newTestEnv(t, 0)

	// Callee and caller share one uref; the callee writes first, then the
	// caller writes the same key. The caller's later value must be the one
	// that commits.
	uref := types.NewURef(types.Blake2b([]byte("shared")), 0)
	env.account.NamedKeys = map[string]types.Key{"shared": uref.Key()}

	calleeVal := types.CLI64(7)
	calleeData := make([]byte, 128)
	copy(calleeData, uref.Key().Bytes())
	copy(calleeData[64:], calleeVal.Bytes())
	callee := instrument(t, buildContract(
		[]hostImport{{name: "write", params: 4, results: 1}},
		nil,
		[]wasm.Instr{
			i32c(0), i32c(types.KeySize), i32c(64), i32c(int32(len(calleeVal.Bytes()))), call(0),
			{Op: wasm.OpDrop},
			{Op: wasm.OpEnd},
		},
		calleeData,
	))
	contractHash := storeContract(t, env, callee, map[string]types.Key{"shared": uref.Key()})

	callerVal := types.CLI64(2)
	callerData := make([]byte, 192)
	copy(callerData, contractHash[:])
	copy(callerData[64:], uref.Key().Bytes())
	copy(callerData[128:], callerVal.Bytes())
	caller := buildContract(
		[]hostImport{
			{name: "call_contract", params: 3, results: 1},
			{name: "write", params: 4, results: 1},
		},
		nil,
		[]wasm.Instr{
			i32c(0), i32c(0), i32c(0), call(0),
			{Op: wasm.OpDrop},
			i32c(64), i32c(types.KeySize), i32c(128), i32c(int32(len(callerVal.Bytes()))), call(1),
			{Op: wasm.OpDrop},
			{Op: wasm.OpEnd},
		},
		callerData,
	)

	res := New(DefaultConfig()).Execute(context.Background(), instrument(t, caller), env.ec)
	require.Equal(t, ResultHalted, res.Kind, "err: %v", res.Err)

	effects, err := env.ec.Tracker.Finalize()
	require.NoError(t, err)
	root, err := env.st.Commit(env.root, effects)
	require.NoError(t, err)

	sv, err := env.st.Reader(root).Read(uref.Key())
	require.NoError(t, err)
	require.NotNil(t, sv)
	assert.Equal(t, callerVal, *sv.CLValue, "the later write wins")
}

func TestExecuteCallContractRevertPropagates(t *testing.T) {
	env := newTestEnv(t, 0)

	callee := instrument(t, buildContract(
		[]hostImport{{name: "revert", params: 1}},
		nil,
		[]wasm.Instr{i32c(9), call(0), {Op: wasm.OpEnd}},
		nil,
	))
	contractHash := storeContract(t, env, callee, nil)

	callerData := make([]byte, 64)
	copy(callerData, contractHash[:])
	caller := buildContract(
		[]hostImport{{name: "call_contract", params: 3, results: 1}},
		nil,
		[]wasm.Instr{
			i32c(0), i32c(0), i32c(0), call(0),
			{Op: wasm.OpDrop},
			{Op: wasm.OpEnd},
		},
		callerData,
	)

	res := New(DefaultConfig()).Execute(context.Background(), instrument(t, caller), env.ec)
	assert.Equal(t, ResultReverted, res.Kind)
	assert.Equal(t, uint32(9), res.Status)
}

func TestExecuteFailurePoisonsTracker(t *testing.T) {
	env := newTestEnv(t, 0)
	raw := buildContract(nil, nil, []wasm.Instr{{Op: wasm.OpUnreachable}, {Op: wasm.OpEnd}}, nil)
	res := New(DefaultConfig()).Execute(context.Background(), instrument(t, raw), env.ec)
	require.Equal(t, ResultTrapped, res.Kind)

	_, err := env.ec.Tracker.Finalize()
	assert.Error(t, err, "failed execution must not produce a committable map")
}
