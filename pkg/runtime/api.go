package runtime

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/quartzchain/quartz/pkg/effect"
	"github.com/quartzchain/quartz/pkg/storage/state"
	"github.com/quartzchain/quartz/pkg/types"
	"github.com/quartzchain/quartz/pkg/util/math"
)

// Config bounds a single execution.
type Config struct {
	// MaxCallDepth caps nested call_contract invocations.
	MaxCallDepth uint32 `yaml:"maxCallDepth" mapstructure:"maxCallDepth"`
}

func DefaultConfig() Config {
	return Config{MaxCallDepth: 10}
}

// Context carries everything a single session or contract execution needs.
// Reader is the pre-block state snapshot; all writes go through Tracker.
type Context struct {
	Caller     types.Digest
	Account    *types.Account
	Args       types.NamedArgs
	GasLimit   types.Gas
	BlockTime  uint64
	DeployHash types.Digest
	Reader     *state.Reader
	Tracker    *effect.Tracker
}

// ResultKind classifies how an execution finished.
type ResultKind uint8

const (
	// ResultHalted means the entry point ran to completion or returned a
	// value through ret.
	ResultHalted ResultKind = iota
	// ResultReverted means the contract called revert with a status code.
	ResultReverted
	// ResultTrapped covers wasm traps and host API failures.
	ResultTrapped
	// ResultGasExhausted means the gas limit was hit.
	ResultGasExhausted
)

func (k ResultKind) String() string {
	switch k {
	case ResultHalted:
		return "halted"
	case ResultReverted:
		return "reverted"
	case ResultTrapped:
		return "trapped"
	case ResultGasExhausted:
		return "gas exhausted"
	}
	return "unknown"
}

// Result is the outcome of one Execute call. GasUsed is meaningful for every
// kind; the tracked effects are only committed by the caller when Kind is
// ResultHalted.
type Result struct {
	Kind    ResultKind
	GasUsed types.Gas
	Status  uint32 // revert status when Kind is ResultReverted
	Return  *types.CLValue
	Err     error
}

// Succeeded reports whether tracked effects should be committed.
func (r *Result) Succeeded() bool { return r.Kind == ResultHalted }

var (
	ErrNoEntryPoint = errors.New("runtime: module exports no call function")
	ErrNoMemory     = errors.New("runtime: module exports no memory")
)

// In-band error codes returned by host functions that report sizes. Non
// negative values are payload sizes.
const (
	errCodeMissing       = -1
	errCodeTypeMismatch  = -2
	errCodeInvalidAccess = -3
	errCodeSerialization = -4
	errCodeBufferSize    = -5
	errCodeCallDepth     = -6
	errCodeInsufficient  = -7
)

// gasMeter is shared across nested invocations so a callee draws down the
// same budget as its caller.
type gasMeter struct {
	used  uint64
	limit uint64
}

// charge burns n units and reports false once the limit is hit. The meter
// saturates at the limit so GasUsed never overstates the budget.
func (g *gasMeter) charge(n uint64) bool {
	over := n > g.limit-g.used
	g.used = math.SaturatingAddUint64(g.used, n, g.limit)
	return !over
}

func (g *gasMeter) remaining() uint64 { return g.limit - g.used }

// readTracked resolves a key through the execution's own pending transforms
// layered over the state snapshot, recording the read.
func readTracked(reader *state.Reader, tracker *effect.Tracker, k types.Key) (*types.StoredValue, error) {
	tracker.RecordRead(k)
	base, err := reader.Read(k)
	if err != nil {
		return nil, err
	}
	if tr, ok := tracker.Pending(k); ok {
		return tr.Apply(base)
	}
	return base, nil
}

// balanceOf reads a purse balance from the tracked view, defaulting to zero
// for purses with no balance record.
func balanceOf(reader *state.Reader, tracker *effect.Tracker, purse types.URef) (*uint256.Int, error) {
	sv, err := readTracked(reader, tracker, purse.BalanceKey())
	if err != nil {
		return nil, err
	}
	if sv == nil {
		return uint256.NewInt(0), nil
	}
	if sv.Tag() != types.TagCLValue {
		return nil, types.ErrCLTypeMismatch
	}
	return sv.CLValue.AsU256()
}
