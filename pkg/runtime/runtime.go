// Package runtime executes gas metered wasm contracts against a state
// snapshot, exposing the host API they are compiled against and collecting
// their effects in a tracker for later commit.
package runtime

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/quartzchain/quartz/pkg/effect"
	"github.com/quartzchain/quartz/pkg/logger"
	"github.com/quartzchain/quartz/pkg/types"
)

// EntryPoint is the export every contract must provide.
const EntryPoint = "call"

// Runtime executes instrumented wasm modules. It holds only configuration
// and is safe for concurrent use; each execution builds its own isolated
// wazero instance.
type Runtime struct {
	cfg Config
}

func New(cfg Config) *Runtime {
	if cfg.MaxCallDepth == 0 {
		cfg.MaxCallDepth = DefaultConfig().MaxCallDepth
	}
	return &Runtime{cfg: cfg}
}

// Execute runs code's entry point under ec. The code must already be
// instrumented; uninstrumented modules fail to instantiate because the gas
// import is missing from their import section, never because of it.
//
// Execute never returns a nil Result. Effects stay in ec.Tracker; committing
// them is the caller's decision based on Result.Succeeded.
func (r *Runtime) Execute(ctx context.Context, code []byte, ec *Context) *Result {
	inv := newRootInvocation(ec, r.cfg)
	res := inv.run(ctx, code)
	if res.Kind != ResultHalted {
		// A failed execution must not leave partial effects behind.
		ec.Tracker.Record(failureKey(ec.DeployHash), effect.Failed(resultError(res)))
	}
	return res
}

// failureKey poisons the tracker under a deploy-unique key so Finalize
// surfaces the failure no matter what else was recorded.
func failureKey(deployHash types.Digest) types.Key {
	return types.HashKey(deployHash)
}

func resultError(res *Result) error {
	if res.Err != nil {
		return res.Err
	}
	return fmt.Errorf("runtime: execution %s (status %d)", res.Kind, res.Status)
}

// run instantiates and calls the module for one frame, translating host
// aborts and wasm traps into a Result.
func (inv *invocation) run(ctx context.Context, code []byte) (res *Result) {
	defer func() {
		if res != nil {
			res.GasUsed = types.Gas(inv.meter.used)
		}
		if r := recover(); r == nil {
			return
		} else if _, ok := r.(hostAbort); !ok {
			panic(r)
		}
		res = inv.abortResult()
	}()

	wrt := wazero.NewRuntimeWithConfig(ctx, wazero.
		NewRuntimeConfigInterpreter().
		WithCloseOnContextDone(true))
	defer wrt.Close(ctx)

	if err := inv.instantiateHost(ctx, wrt); err != nil {
		return &Result{Kind: ResultTrapped, Err: err}
	}
	mod, err := wrt.InstantiateWithConfig(ctx, code, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return &Result{Kind: ResultTrapped, Err: err}
	}
	entry := mod.ExportedFunction(EntryPoint)
	if entry == nil {
		return &Result{Kind: ResultTrapped, Err: ErrNoEntryPoint}
	}

	_, callErr := entry.Call(ctx)
	if inv.abrt.kind != abortNone {
		// The abort unwound through wazero as an error; classify from the
		// recorded state rather than the wrapped message.
		return inv.abortResult()
	}
	if callErr != nil {
		return &Result{Kind: ResultTrapped, Err: callErr}
	}
	return &Result{Kind: ResultHalted, Return: inv.ret}
}

func (inv *invocation) abortResult() *Result {
	res := &Result{GasUsed: types.Gas(inv.meter.used)}
	switch inv.abrt.kind {
	case abortReturn:
		res.Kind = ResultHalted
		res.Return = inv.ret
	case abortRevert:
		res.Kind = ResultReverted
		res.Status = inv.abrt.status
	case abortGas:
		res.Kind = ResultGasExhausted
	default:
		res.Kind = ResultTrapped
		res.Err = inv.abrt.err
	}
	return res
}

// hostCallContract invokes a stored contract in a child frame. The callee
// draws gas from the same meter and records effects into the same tracker;
// its return value lands in the caller's host buffer.
func (inv *invocation) hostCallContract(ctx context.Context, mod api.Module, stack []uint64) {
	hashRaw := inv.readMem(mod, uint32(stack[0]), types.DigestSize)
	argsRaw := inv.readMem(mod, uint32(stack[1]), uint32(stack[2]))

	if inv.depth+1 > inv.cfg.MaxCallDepth {
		ret32(stack, errCodeCallDepth)
		return
	}

	hash, err := types.DigestFromBytes(hashRaw)
	if err != nil {
		inv.trap(err)
	}
	sv, err := readTracked(inv.ec.Reader, inv.ec.Tracker, types.HashKey(hash))
	if err != nil {
		inv.trap(err)
	}
	if sv == nil {
		ret32(stack, errCodeMissing)
		return
	}
	if sv.Tag() != types.TagContract {
		ret32(stack, errCodeTypeMismatch)
		return
	}
	contract := sv.Contract

	wasmSV, err := readTracked(inv.ec.Reader, inv.ec.Tracker, types.HashKey(contract.WasmHash))
	if err != nil {
		inv.trap(err)
	}
	if wasmSV == nil || wasmSV.Tag() != types.TagContractWasm {
		ret32(stack, errCodeMissing)
		return
	}

	var args types.NamedArgs
	if len(argsRaw) > 0 {
		if err := types.UnmarshalCanonical(argsRaw, &args); err != nil {
			ret32(stack, errCodeSerialization)
			return
		}
	}

	sub := inv.child(contract, args)
	res := sub.run(ctx, wasmSV.ContractWasm)
	switch res.Kind {
	case ResultHalted:
		if res.Return != nil {
			inv.hostBuf = res.Return.Bytes()
		} else {
			inv.hostBuf = nil
		}
		ret32(stack, int32(len(inv.hostBuf)))
	case ResultReverted:
		inv.fail(abortRevert, res.Status, nil)
	case ResultGasExhausted:
		inv.fail(abortGas, 0, nil)
	default:
		inv.fail(abortTrap, 0, fmt.Errorf("runtime: called contract %s: %w", hash, resultError(res)))
	}
}

// hostTransferToAccount moves motes from the caller's main purse to the
// target account's main purse. The debit is an exact write against the
// tracked balance; the credit is an add so transfers into one purse from
// different deploys stay mergeable.
func (inv *invocation) hostTransferToAccount(_ context.Context, mod api.Module, stack []uint64) {
	targetRaw := inv.readMem(mod, uint32(stack[0]), types.DigestSize)
	amountRaw := inv.readMem(mod, uint32(stack[1]), uint32(stack[2]))

	target, err := types.DigestFromBytes(targetRaw)
	if err != nil {
		inv.trap(err)
	}
	cl, err := types.ParseCLValue(amountRaw)
	if err != nil {
		ret32(stack, errCodeSerialization)
		return
	}
	amount, err := cl.AsU256()
	if err != nil {
		ret32(stack, errCodeTypeMismatch)
		return
	}

	src := inv.account.MainPurse
	bal, err := balanceOf(inv.ec.Reader, inv.ec.Tracker, src)
	if err != nil {
		inv.trap(err)
	}
	if bal.Lt(amount) {
		ret32(stack, errCodeInsufficient)
		return
	}

	tgtSV, err := readTracked(inv.ec.Reader, inv.ec.Tracker, types.AccountKey(target))
	if err != nil {
		inv.trap(err)
	}
	if tgtSV == nil {
		ret32(stack, errCodeMissing)
		return
	}
	if tgtSV.Tag() != types.TagAccount {
		ret32(stack, errCodeTypeMismatch)
		return
	}
	tgtPurse := tgtSV.Account.MainPurse

	rest := new(uint256.Int).Sub(bal, amount)
	inv.ec.Tracker.Record(src.BalanceKey(), effect.Write(types.StoredCLValue(types.CLU256(rest))))
	inv.ec.Tracker.Record(tgtPurse.BalanceKey(), effect.AddUInt256(amount))
	inv.ec.Tracker.RecordTransfer(effect.Transfer{
		Source: src.Addr,
		Target: tgtPurse.Addr,
		Amount: new(uint256.Int).Set(amount),
	})
	logger.Debug("transfer recorded",
		zap.String("source", src.Key().String()),
		zap.String("target", tgtPurse.Key().String()),
		zap.String("amount", amount.Dec()))
	ret32(stack, 0)
}
