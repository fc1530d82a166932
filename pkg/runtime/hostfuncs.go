package runtime

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/quartzchain/quartz/pkg/effect"
	"github.com/quartzchain/quartz/pkg/types"
	"github.com/quartzchain/quartz/pkg/wasm"
)

type abortKind uint8

const (
	abortNone abortKind = iota
	abortReturn
	abortRevert
	abortGas
	abortTrap
)

type abortState struct {
	kind   abortKind
	status uint32
	err    error
}

// hostAbort is the sentinel panic value used to unwind out of a host
// function. The surrounding run() recovers it; the recorded abortState on the
// invocation says what happened.
type hostAbort struct{}

// invocation is the per-call execution frame. Nested contract calls get their
// own frame but share the caller's gas meter, tracker, snapshot, and uref
// sequence, so effects and gas compose along the call path.
type invocation struct {
	cfg     Config
	ec      *Context
	account *types.Account
	args    types.NamedArgs
	meter   *gasMeter
	urefSeq *uint64
	depth   uint32

	// urefs holds the unforgeable references this frame may act on.
	urefs     map[types.Digest]types.AccessRights
	namedKeys map[string]types.Key
	canPutKey bool

	hostBuf []byte
	ret     *types.CLValue
	abrt    abortState
}

func newRootInvocation(ec *Context, cfg Config) *invocation {
	inv := &invocation{
		cfg:       cfg,
		ec:        ec,
		account:   ec.Account,
		args:      ec.Args,
		meter:     &gasMeter{limit: uint64(ec.GasLimit)},
		urefSeq:   new(uint64),
		urefs:     map[types.Digest]types.AccessRights{},
		namedKeys: map[string]types.Key{},
		canPutKey: true,
	}
	inv.urefs[ec.Account.MainPurse.Addr] = types.AccessReadAddWrite
	for name, k := range ec.Account.NamedKeys {
		inv.namedKeys[name] = k
		if k.Tag == types.KeyTagURef {
			inv.urefs[k.Addr] = types.AccessReadAddWrite
		}
	}
	return inv
}

// child builds the frame for a called contract. The callee acts with the
// contract's named keys, not the caller's.
func (inv *invocation) child(contract *types.Contract, args types.NamedArgs) *invocation {
	sub := &invocation{
		cfg:       inv.cfg,
		ec:        inv.ec,
		account:   inv.account,
		args:      args,
		meter:     inv.meter,
		urefSeq:   inv.urefSeq,
		depth:     inv.depth + 1,
		urefs:     map[types.Digest]types.AccessRights{},
		namedKeys: map[string]types.Key{},
	}
	for name, k := range contract.NamedKeys {
		sub.namedKeys[name] = k
		if k.Tag == types.KeyTagURef {
			sub.urefs[k.Addr] = types.AccessReadAddWrite
		}
	}
	return sub
}

func (inv *invocation) fail(kind abortKind, status uint32, err error) {
	inv.abrt = abortState{kind: kind, status: status, err: err}
	panic(hostAbort{})
}

func (inv *invocation) trap(err error) {
	inv.fail(abortTrap, 0, err)
}

func (inv *invocation) readMem(mod api.Module, ptr, size uint32) []byte {
	mem := mod.Memory()
	if mem == nil {
		inv.trap(ErrNoMemory)
	}
	b, ok := mem.Read(ptr, size)
	if !ok {
		inv.trap(fmt.Errorf("runtime: memory read out of range ptr=%d size=%d", ptr, size))
	}
	return b
}

func (inv *invocation) writeMem(mod api.Module, ptr uint32, data []byte) {
	mem := mod.Memory()
	if mem == nil {
		inv.trap(ErrNoMemory)
	}
	if !mem.Write(ptr, data) {
		inv.trap(fmt.Errorf("runtime: memory write out of range ptr=%d size=%d", ptr, len(data)))
	}
}

func (inv *invocation) readKey(mod api.Module, ptr, size uint32) types.Key {
	b := inv.readMem(mod, ptr, size)
	k, err := types.ParseKey(b)
	if err != nil {
		inv.trap(err)
	}
	return k
}

// checkAccess enforces the uref capability model: unforgeable references may
// only be used with the rights this frame holds for them. Keys of other tags
// are readable by anyone and writable by no one from inside wasm.
func (inv *invocation) checkAccess(k types.Key, want types.AccessRights) bool {
	if k.Tag != types.KeyTagURef {
		return want == types.AccessRead
	}
	r, ok := inv.urefs[k.Addr]
	if !ok {
		return false
	}
	switch want {
	case types.AccessRead:
		return r.CanRead()
	case types.AccessWrite:
		return r.CanWrite()
	case types.AccessAdd:
		return r.CanAdd()
	}
	return false
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// instantiateHost builds the env module for this frame. Every frame gets its
// own wazero runtime, so closures over the frame are safe.
func (inv *invocation) instantiateHost(ctx context.Context, wrt wazero.Runtime) error {
	b := wrt.NewHostModuleBuilder(wasm.GasFuncModule)

	fn := func(name string, f func(ctx context.Context, mod api.Module, stack []uint64), params, results []api.ValueType) {
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(f), params, results).
			Export(name)
	}

	fn(wasm.GasFuncName, inv.hostGas, []api.ValueType{i64}, nil)
	fn("read_value", inv.hostReadValue, []api.ValueType{i32, i32}, []api.ValueType{i32})
	fn("read_host_buffer", inv.hostReadHostBuffer, []api.ValueType{i32, i32}, []api.ValueType{i32})
	fn("write", inv.hostWrite, []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32})
	fn("add", inv.hostAdd, []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32})
	fn("new_uref", inv.hostNewURef, []api.ValueType{i32}, nil)
	fn("get_named_arg_size", inv.hostGetNamedArgSize, []api.ValueType{i32, i32}, []api.ValueType{i32})
	fn("get_named_arg", inv.hostGetNamedArg, []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32})
	fn("ret", inv.hostRet, []api.ValueType{i32, i32}, nil)
	fn("revert", inv.hostRevert, []api.ValueType{i32}, nil)
	fn("call_contract", inv.hostCallContract, []api.ValueType{i32, i32, i32}, []api.ValueType{i32})
	fn("transfer_to_account", inv.hostTransferToAccount, []api.ValueType{i32, i32, i32}, []api.ValueType{i32})
	fn("get_caller", inv.hostGetCaller, []api.ValueType{i32}, nil)
	fn("get_blocktime", inv.hostGetBlockTime, []api.ValueType{i32}, nil)
	fn("get_main_purse", inv.hostGetMainPurse, []api.ValueType{i32}, nil)
	fn("put_key", inv.hostPutKey, []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32})
	fn("get_key", inv.hostGetKey, []api.ValueType{i32, i32, i32}, []api.ValueType{i32})

	_, err := b.Instantiate(ctx)
	return err
}

func ret32(stack []uint64, v int32) {
	stack[0] = api.EncodeI32(v)
}

func (inv *invocation) hostGas(_ context.Context, _ api.Module, stack []uint64) {
	if !inv.meter.charge(uint64(stack[0])) {
		inv.fail(abortGas, 0, nil)
	}
}

func (inv *invocation) hostReadValue(_ context.Context, mod api.Module, stack []uint64) {
	k := inv.readKey(mod, uint32(stack[0]), uint32(stack[1]))
	if !inv.checkAccess(k, types.AccessRead) {
		ret32(stack, errCodeInvalidAccess)
		return
	}
	sv, err := readTracked(inv.ec.Reader, inv.ec.Tracker, k)
	if err != nil {
		inv.trap(err)
	}
	if sv == nil {
		ret32(stack, errCodeMissing)
		return
	}
	b, err := sv.Bytes()
	if err != nil {
		inv.trap(err)
	}
	inv.hostBuf = b
	ret32(stack, int32(len(b)))
}

func (inv *invocation) hostReadHostBuffer(_ context.Context, mod api.Module, stack []uint64) {
	destPtr, destSize := uint32(stack[0]), uint32(stack[1])
	if int(destSize) < len(inv.hostBuf) {
		ret32(stack, errCodeBufferSize)
		return
	}
	inv.writeMem(mod, destPtr, inv.hostBuf)
	n := len(inv.hostBuf)
	inv.hostBuf = nil
	ret32(stack, int32(n))
}

func (inv *invocation) hostWrite(_ context.Context, mod api.Module, stack []uint64) {
	k := inv.readKey(mod, uint32(stack[0]), uint32(stack[1]))
	if !inv.checkAccess(k, types.AccessWrite) {
		ret32(stack, errCodeInvalidAccess)
		return
	}
	raw := inv.readMem(mod, uint32(stack[2]), uint32(stack[3]))
	cl, err := types.ParseCLValue(raw)
	if err != nil {
		ret32(stack, errCodeSerialization)
		return
	}
	inv.ec.Tracker.Record(k, effect.Write(types.StoredCLValue(cl)))
	ret32(stack, 0)
}

func (inv *invocation) hostAdd(_ context.Context, mod api.Module, stack []uint64) {
	k := inv.readKey(mod, uint32(stack[0]), uint32(stack[1]))
	if !inv.checkAccess(k, types.AccessAdd) {
		ret32(stack, errCodeInvalidAccess)
		return
	}
	raw := inv.readMem(mod, uint32(stack[2]), uint32(stack[3]))
	cl, err := types.ParseCLValue(raw)
	if err != nil {
		ret32(stack, errCodeSerialization)
		return
	}
	var tr effect.Transform
	switch cl.Type {
	case types.CLTypeI64:
		n, _ := cl.AsI64()
		tr = effect.AddInt64(n)
	case types.CLTypeU64:
		n, _ := cl.AsU64()
		tr = effect.AddUInt64(n)
	case types.CLTypeU256:
		n, err := cl.AsU256()
		if err != nil {
			ret32(stack, errCodeSerialization)
			return
		}
		tr = effect.AddUInt256(n)
	default:
		ret32(stack, errCodeTypeMismatch)
		return
	}
	inv.ec.Tracker.Record(k, tr)
	ret32(stack, 0)
}

func (inv *invocation) hostNewURef(_ context.Context, mod api.Module, stack []uint64) {
	counter := *inv.urefSeq
	*inv.urefSeq++
	u := types.NewURef(inv.ec.DeployHash, counter)
	inv.urefs[u.Addr] = types.AccessReadAddWrite
	inv.writeMem(mod, uint32(stack[0]), u.Bytes())
}

func (inv *invocation) hostGetNamedArgSize(_ context.Context, mod api.Module, stack []uint64) {
	name := string(inv.readMem(mod, uint32(stack[0]), uint32(stack[1])))
	v, ok := inv.args.Get(name)
	if !ok {
		ret32(stack, errCodeMissing)
		return
	}
	ret32(stack, int32(len(v.Bytes())))
}

func (inv *invocation) hostGetNamedArg(_ context.Context, mod api.Module, stack []uint64) {
	name := string(inv.readMem(mod, uint32(stack[0]), uint32(stack[1])))
	v, ok := inv.args.Get(name)
	if !ok {
		ret32(stack, errCodeMissing)
		return
	}
	b := v.Bytes()
	if int(uint32(stack[3])) < len(b) {
		ret32(stack, errCodeBufferSize)
		return
	}
	inv.writeMem(mod, uint32(stack[2]), b)
	ret32(stack, int32(len(b)))
}

func (inv *invocation) hostRet(_ context.Context, mod api.Module, stack []uint64) {
	raw := inv.readMem(mod, uint32(stack[0]), uint32(stack[1]))
	cl, err := types.ParseCLValue(raw)
	if err != nil {
		inv.trap(err)
	}
	inv.ret = &cl
	inv.fail(abortReturn, 0, nil)
}

func (inv *invocation) hostRevert(_ context.Context, _ api.Module, stack []uint64) {
	inv.fail(abortRevert, uint32(stack[0]), nil)
}

func (inv *invocation) hostGetCaller(_ context.Context, mod api.Module, stack []uint64) {
	addr := inv.ec.Caller
	inv.writeMem(mod, uint32(stack[0]), addr[:])
}

func (inv *invocation) hostGetBlockTime(_ context.Context, mod api.Module, stack []uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], inv.ec.BlockTime)
	inv.writeMem(mod, uint32(stack[0]), buf[:])
}

func (inv *invocation) hostGetMainPurse(_ context.Context, mod api.Module, stack []uint64) {
	inv.writeMem(mod, uint32(stack[0]), inv.account.MainPurse.Bytes())
}

func (inv *invocation) hostPutKey(_ context.Context, mod api.Module, stack []uint64) {
	if !inv.canPutKey {
		ret32(stack, errCodeInvalidAccess)
		return
	}
	name := string(inv.readMem(mod, uint32(stack[0]), uint32(stack[1])))
	k := inv.readKey(mod, uint32(stack[2]), uint32(stack[3]))

	keys := make(map[string]types.Key, len(inv.namedKeys)+1)
	for n, v := range inv.namedKeys {
		keys[n] = v
	}
	keys[name] = k
	inv.namedKeys = keys
	if k.Tag == types.KeyTagURef {
		inv.urefs[k.Addr] = types.AccessReadAddWrite
	}

	acct := *inv.account
	acct.NamedKeys = keys
	inv.account = &acct
	inv.ec.Tracker.Record(acct.Key(), effect.Write(types.StoredAccount(&acct)))
	ret32(stack, 0)
}

func (inv *invocation) hostGetKey(_ context.Context, mod api.Module, stack []uint64) {
	name := string(inv.readMem(mod, uint32(stack[0]), uint32(stack[1])))
	k, ok := inv.namedKeys[name]
	if !ok {
		ret32(stack, errCodeMissing)
		return
	}
	inv.writeMem(mod, uint32(stack[2]), k.Bytes())
	ret32(stack, 0)
}
