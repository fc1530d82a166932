// Package genesis builds the first state root of a chain from a manifest of
// funded accounts and preinstalled system contracts.
package genesis

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/mr-tron/base58"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/quartzchain/quartz/pkg/effect"
	"github.com/quartzchain/quartz/pkg/logger"
	"github.com/quartzchain/quartz/pkg/storage/state"
	"github.com/quartzchain/quartz/pkg/types"
	"github.com/quartzchain/quartz/pkg/wasm"
)

var ErrBadManifest = errors.New("genesis: invalid manifest")

// AccountSpec funds one account. Address is the base58 encoded 32 byte
// account hash; Balance is a decimal mote amount.
type AccountSpec struct {
	Address string `yaml:"address" mapstructure:"address"`
	Balance string `yaml:"balance" mapstructure:"balance"`
	Nonce   uint64 `yaml:"nonce" mapstructure:"nonce"`
}

// ContractSpec preinstalls one system contract. Wasm is the hex encoded raw
// module; it is instrumented during the build so stored code is always
// metered.
type ContractSpec struct {
	Name string `yaml:"name" mapstructure:"name"`
	Wasm string `yaml:"wasm" mapstructure:"wasm"`
}

// Manifest describes a chain's initial state.
type Manifest struct {
	Name      string         `yaml:"name" mapstructure:"name"`
	Timestamp uint64         `yaml:"timestamp" mapstructure:"timestamp"`
	Accounts  []AccountSpec  `yaml:"accounts" mapstructure:"accounts"`
	Contracts []ContractSpec `yaml:"contracts" mapstructure:"contracts"`
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var m Manifest
	if err := v.Unmarshal(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// MainPurse returns the deterministic main purse of a genesis account. Every
// node derives the same purse for the same address.
func MainPurse(addr types.Digest) types.URef {
	return types.NewURef(types.Blake2b(addr[:], []byte("main purse")), 0)
}

// ContractHash returns the deterministic hash key address of a named system
// contract.
func ContractHash(name string) types.Digest {
	return types.Blake2b([]byte("genesis contract"), []byte(name))
}

// Build commits the manifest onto the empty root and returns the first state
// root. Rebuilding the same manifest always yields the same root.
func Build(st *state.State, wasmCfg wasm.Config, m *Manifest) (types.Digest, error) {
	effects := effect.TransformMap{}

	for i, spec := range m.Accounts {
		raw, err := base58.Decode(spec.Address)
		if err != nil {
			return types.Digest{}, fmt.Errorf("%w: account %d address: %v", ErrBadManifest, i, err)
		}
		addr, err := types.DigestFromBytes(raw)
		if err != nil {
			return types.Digest{}, fmt.Errorf("%w: account %d address: %v", ErrBadManifest, i, err)
		}
		balance, err := uint256.FromDecimal(spec.Balance)
		if err != nil {
			return types.Digest{}, fmt.Errorf("%w: account %d balance: %v", ErrBadManifest, i, err)
		}

		account := types.NewAccount(addr, MainPurse(addr))
		account.Nonce = spec.Nonce
		if _, dup := effects[account.Key()]; dup {
			return types.Digest{}, fmt.Errorf("%w: duplicate account %s", ErrBadManifest, spec.Address)
		}
		effects[account.Key()] = effect.Write(types.StoredAccount(account))
		effects[account.MainPurse.BalanceKey()] = effect.Write(
			types.StoredCLValue(types.CLU256(balance)))
	}

	for _, spec := range m.Contracts {
		raw, err := hex.DecodeString(spec.Wasm)
		if err != nil {
			return types.Digest{}, fmt.Errorf("%w: contract %q: %v", ErrBadManifest, spec.Name, err)
		}
		im, err := wasm.Prepare(raw, wasmCfg)
		if err != nil {
			return types.Digest{}, fmt.Errorf("genesis: contract %q: %w", spec.Name, err)
		}
		wasmHash := types.Blake2b(im.Bytes)
		contract := &types.Contract{WasmHash: wasmHash, ProtocolMajor: 1}
		hash := ContractHash(spec.Name)
		if _, dup := effects[types.HashKey(hash)]; dup {
			return types.Digest{}, fmt.Errorf("%w: duplicate contract %q", ErrBadManifest, spec.Name)
		}
		effects[types.HashKey(wasmHash)] = effect.Write(types.StoredWasm(im.Bytes))
		effects[types.HashKey(hash)] = effect.Write(types.StoredContract(contract))
	}

	root, err := st.Commit(state.EmptyRoot(), effects)
	if err != nil {
		return types.Digest{}, err
	}
	logger.Info("genesis built",
		zap.String("chain", m.Name),
		zap.Int("accounts", len(m.Accounts)),
		zap.Int("contracts", len(m.Contracts)),
		zap.String("root", root.String()))
	return root, nil
}
