// Package execution applies blocks of deploys to global state: it prepares
// session code, runs it through the wasm runtime, charges for consumed gas,
// and commits the surviving effects deploy by deploy.
package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/bluele/gcache"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/quartzchain/quartz/pkg/effect"
	"github.com/quartzchain/quartz/pkg/logger"
	"github.com/quartzchain/quartz/pkg/runtime"
	"github.com/quartzchain/quartz/pkg/storage/state"
	"github.com/quartzchain/quartz/pkg/storage/store"
	"github.com/quartzchain/quartz/pkg/storage/trie"
	"github.com/quartzchain/quartz/pkg/types"
	"github.com/quartzchain/quartz/pkg/wasm"
)

var (
	ErrUnknownAccount  = errors.New("execution: deploy account not found")
	ErrUnknownContract = errors.New("execution: stored contract not found")
)

// Config tunes the executor.
type Config struct {
	// Workers bounds concurrent speculative executions in ApplyBlockParallel.
	Workers int `yaml:"workers" mapstructure:"workers"`
	// ModuleCacheSize bounds the instrumented module cache.
	ModuleCacheSize int `yaml:"moduleCacheSize" mapstructure:"moduleCacheSize"`
}

func DefaultConfig() Config {
	return Config{Workers: 4, ModuleCacheSize: 256}
}

// BlockContext carries the block-level inputs of every deploy in a block.
type BlockContext struct {
	Timestamp uint64
	Height    uint64
	// Proposer is the account credited with the gas fees of the block.
	Proposer types.Digest
}

// DeployResult is the public outcome of one deploy. Cost is the fee actually
// charged, in motes.
type DeployResult struct {
	DeployHash types.Digest
	Kind       runtime.ResultKind
	Status     uint32
	GasUsed    types.Gas
	Cost       *uint256.Int
	Err        error
	Transfers  []effect.Transfer
}

// Succeeded reports whether the deploy's session effects were committed.
func (r *DeployResult) Succeeded() bool { return r.Kind == runtime.ResultHalted && r.Err == nil }

// Executor runs deploys against a State. It is safe for concurrent use.
type Executor struct {
	st       *state.State
	rt       *runtime.Runtime
	wasmCfg  wasm.Config
	cfg      Config
	modCache gcache.Cache
}

func New(st *state.State, wasmCfg wasm.Config, rtCfg runtime.Config, cfg Config) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.ModuleCacheSize <= 0 {
		cfg.ModuleCacheSize = DefaultConfig().ModuleCacheSize
	}
	return &Executor{
		st:       st,
		rt:       runtime.New(rtCfg),
		wasmCfg:  wasmCfg,
		cfg:      cfg,
		modCache: gcache.New(cfg.ModuleCacheSize).LRU().Build(),
	}
}

// instrument prepares raw session bytes, caching by the digest of the input.
func (e *Executor) instrument(raw []byte) ([]byte, error) {
	h := types.Blake2b(raw)
	if v, err := e.modCache.Get(h); err == nil {
		return v.([]byte), nil
	}
	im, err := wasm.Prepare(raw, e.wasmCfg)
	if err != nil {
		return nil, err
	}
	_ = e.modCache.Set(h, im.Bytes)
	return im.Bytes, nil
}

// sessionCode resolves the code a deploy runs. Stored contract code was
// instrumented when installed and is used as is.
func (e *Executor) sessionCode(reader *state.Reader, d *types.Deploy) ([]byte, error) {
	if d.BySession() {
		return e.instrument(d.Session)
	}
	sv, err := reader.Read(*d.StoredContract)
	if err != nil {
		return nil, err
	}
	if sv == nil || sv.Tag() != types.TagContract {
		return nil, ErrUnknownContract
	}
	wasmSV, err := reader.Read(types.HashKey(sv.Contract.WasmHash))
	if err != nil {
		return nil, err
	}
	if wasmSV == nil || wasmSV.Tag() != types.TagContractWasm {
		return nil, ErrUnknownContract
	}
	return wasmSV.ContractWasm, nil
}

// deployLevelError reports whether a code resolution failure is the deploy's
// fault, as opposed to a storage fault that must abandon the block.
func deployLevelError(err error) bool {
	return errors.Is(err, ErrUnknownContract) ||
		errors.Is(err, wasm.ErrModuleTooLarge) ||
		errors.Is(err, wasm.ErrUnparseable) ||
		errors.Is(err, wasm.ErrDisallowedOpcode) ||
		errors.Is(err, wasm.ErrMemoryLimit)
}

// storageFault reports whether an execution error came out of the state
// layer. Recording such an error as a deploy failure and moving on would
// commit a root other nodes cannot reproduce, so the block is abandoned.
func storageFault(err error) bool {
	return errors.Is(err, types.ErrSerialization) ||
		errors.Is(err, trie.ErrMissingNode) ||
		errors.Is(err, store.ErrNotFound)
}

// applyFault reports whether resolving a deploy's finalized effects failed
// because of the effects themselves. These fail the deploy, never the block.
func applyFault(err error) bool {
	return errors.Is(err, effect.ErrMissingValue) ||
		errors.Is(err, effect.ErrTypeMismatch) ||
		errors.Is(err, effect.ErrOverflow)
}

// resolveEffects applies every add transform against the snapshot it will
// commit on. A deploy that adds to a vacant key or to a value of another
// type surfaces here instead of at commit time.
func resolveEffects(reader *state.Reader, m effect.TransformMap) error {
	for k, tr := range m {
		if !tr.IsAdd() {
			continue
		}
		prev, err := reader.Read(k)
		if err != nil {
			return err
		}
		if _, err := tr.Apply(prev); err != nil {
			return fmt.Errorf("execution: effect on %s: %w", k, err)
		}
	}
	return nil
}

// deployOutcome is the internal result of one deploy run: the transform map
// to commit plus the touched-key sets used for conflict detection.
type deployOutcome struct {
	effects effect.TransformMap
	readSet []types.Key
	dr      DeployResult
}

// runDeploy executes one deploy against root without committing. Failures of
// the deploy are reported in the DeployResult; a non-nil error means the
// block itself cannot proceed.
func (e *Executor) runDeploy(ctx context.Context, root types.Digest, bc *BlockContext, d *types.Deploy) (*deployOutcome, error) {
	out := &deployOutcome{dr: DeployResult{DeployHash: d.Hash(), Cost: uint256.NewInt(0)}}
	reader := e.st.Reader(root)

	acctKey := types.AccountKey(d.Account)
	acctSV, err := reader.Read(acctKey)
	if err != nil {
		return nil, err
	}
	if acctSV == nil || acctSV.Tag() != types.TagAccount {
		out.dr.Kind = runtime.ResultTrapped
		out.dr.Err = ErrUnknownAccount
		return out, nil
	}
	account := acctSV.Account

	code, err := e.sessionCode(reader, d)
	if err != nil {
		if !deployLevelError(err) {
			return nil, err
		}
		// Preprocessing and resolution failures consume no gas.
		out.dr.Kind = runtime.ResultTrapped
		out.dr.Err = err
		return out, nil
	}

	tracker := effect.NewTracker()
	gasLimit := d.GasLimit
	var gasUsed types.Gas
	sessionOK := true

	run := func(mod []byte, limit types.Gas) *runtime.Result {
		return e.rt.Execute(ctx, mod, &runtime.Context{
			Caller:     d.Account,
			Account:    account,
			Args:       d.Args,
			GasLimit:   limit,
			BlockTime:  bc.Timestamp,
			DeployHash: out.dr.DeployHash,
			Reader:     reader,
			Tracker:    tracker,
		})
	}

	if len(d.Payment) > 0 {
		payCode, err := e.instrument(d.Payment)
		if err != nil {
			out.dr.Kind = runtime.ResultTrapped
			out.dr.Err = err
			return out, nil
		}
		pres := run(payCode, gasLimit)
		if pres.Err != nil && storageFault(pres.Err) {
			return nil, pres.Err
		}
		gasUsed += pres.GasUsed
		gasLimit -= pres.GasUsed
		if !pres.Succeeded() {
			sessionOK = false
			out.dr.Kind = pres.Kind
			out.dr.Status = pres.Status
			out.dr.Err = pres.Err
		}
	}

	if sessionOK {
		res := run(code, gasLimit)
		if res.Err != nil && storageFault(res.Err) {
			return nil, res.Err
		}
		gasUsed += res.GasUsed
		out.dr.Kind = res.Kind
		out.dr.Status = res.Status
		out.dr.Err = res.Err
		sessionOK = res.Succeeded()
	}

	effects := effect.TransformMap{}
	if sessionOK {
		effects, err = tracker.Finalize()
		if err != nil {
			out.dr.Kind = runtime.ResultTrapped
			out.dr.Err = err
			effects = effect.TransformMap{}
			sessionOK = false
		} else {
			out.dr.Transfers = tracker.Transfers()
		}
	}
	if sessionOK {
		if rerr := resolveEffects(reader, effects); rerr != nil {
			if !applyFault(rerr) {
				return nil, rerr
			}
			out.dr.Kind = runtime.ResultTrapped
			out.dr.Err = rerr
			out.dr.Transfers = nil
			effects = effect.TransformMap{}
		}
	}

	out.dr.GasUsed = gasUsed
	if err := e.chargePayment(reader, effects, account, bc, d, out); err != nil {
		return nil, err
	}

	out.effects = effects
	out.readSet = append(tracker.ReadSet(),
		acctKey, account.MainPurse.BalanceKey(), types.AccountKey(bc.Proposer))
	return out, nil
}

// chargePayment debits gas * price from the caller's main purse and credits
// the proposer, folding both into effects. The charge applies whether or not
// the session succeeded; an underfunded purse is drained rather than driven
// negative.
func (e *Executor) chargePayment(reader *state.Reader, effects effect.TransformMap, account *types.Account, bc *BlockContext, d *types.Deploy, out *deployOutcome) error {
	cost := new(uint256.Int).Mul(
		uint256.NewInt(uint64(out.dr.GasUsed)),
		uint256.NewInt(d.GasPrice),
	)
	if cost.IsZero() {
		return nil
	}

	balKey := account.MainPurse.BalanceKey()
	balance, err := balanceAfter(reader, effects, balKey)
	if err != nil {
		return err
	}
	pay := cost
	if balance.Lt(cost) {
		pay = balance
	}
	out.dr.Cost = new(uint256.Int).Set(pay)
	if pay.IsZero() {
		return nil
	}

	rest := new(uint256.Int).Sub(balance, pay)
	effects[balKey] = effect.Combine(effects[balKey],
		effect.Write(types.StoredCLValue(types.CLU256(rest))))

	propSV, err := reader.Read(types.AccountKey(bc.Proposer))
	if err != nil {
		return err
	}
	if propSV != nil && propSV.Tag() == types.TagAccount {
		propKey := propSV.Account.MainPurse.BalanceKey()
		effects[propKey] = effect.Combine(effects[propKey], effect.AddUInt256(pay))
	}
	return nil
}

// balanceAfter reads a purse balance at the snapshot with any pending
// transform for it applied.
func balanceAfter(reader *state.Reader, effects effect.TransformMap, balKey types.Key) (*uint256.Int, error) {
	sv, err := reader.Read(balKey)
	if err != nil {
		return nil, err
	}
	if tr, ok := effects[balKey]; ok {
		if sv, err = tr.Apply(sv); err != nil {
			return nil, err
		}
	}
	if sv == nil {
		return uint256.NewInt(0), nil
	}
	if sv.Tag() != types.TagCLValue {
		return nil, fmt.Errorf("execution: balance key holds %v", sv.Tag())
	}
	return sv.CLValue.AsU256()
}

// ApplyBlock executes deploys in order, committing each deploy's surviving
// effects before the next runs. It returns the post-state root and one
// result per deploy. A non-nil error means storage failed and the block must
// be abandoned.
func (e *Executor) ApplyBlock(ctx context.Context, root types.Digest, bc *BlockContext, deploys []*types.Deploy) (types.Digest, []DeployResult, error) {
	results := make([]DeployResult, 0, len(deploys))
	for _, d := range deploys {
		out, err := e.runDeploy(ctx, root, bc, d)
		if err != nil {
			return types.Digest{}, nil, err
		}
		root, err = e.commitDeploy(root, out)
		if err != nil {
			return types.Digest{}, nil, err
		}
		results = append(results, out.dr)
	}
	logger.Info("block applied",
		zap.Uint64("height", bc.Height),
		zap.Int("deploys", len(deploys)),
		zap.String("root", root.String()))
	return root, results, nil
}

func (e *Executor) commitDeploy(root types.Digest, out *deployOutcome) (types.Digest, error) {
	if !out.dr.Succeeded() {
		logger.Debug("deploy failed",
			zap.String("deploy", out.dr.DeployHash.String()),
			zap.String("kind", out.dr.Kind.String()),
			zap.Uint64("gas", uint64(out.dr.GasUsed)),
			zap.Error(out.dr.Err))
	}
	if len(out.effects) == 0 {
		return root, nil
	}
	return e.st.Commit(root, out.effects)
}
