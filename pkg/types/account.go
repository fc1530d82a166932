package types

import (
	"github.com/holiman/uint256"
)

// Account is the on-chain record of an account: its address, the purse
// holding its motes and the keys it has registered by name.
type Account struct {
	_         struct{} `cbor:",toarray"`
	Address   Digest
	MainPurse URef
	NamedKeys map[string]Key
	Nonce     uint64
}

// NewAccount creates an account with an empty named-key table.
func NewAccount(addr Digest, mainPurse URef) *Account {
	return &Account{Address: addr, MainPurse: mainPurse, NamedKeys: map[string]Key{}}
}

// Key returns the trie key of the account record.
func (a *Account) Key() Key { return AccountKey(a.Address) }

// Contract is the header of a stored contract. The wasm itself lives under a
// separate hash key so identical code is stored once.
type Contract struct {
	_             struct{} `cbor:",toarray"`
	WasmHash      Digest
	NamedKeys     map[string]Key
	ProtocolMajor uint32
}

// Bid is a validator stake record.
type Bid struct {
	_            struct{} `cbor:",toarray"`
	Validator    Digest
	BondingPurse URef
	Staked       []byte // minimal big-endian mote amount
}

// StakedAmount returns the staked motes as a 256-bit integer.
func (b *Bid) StakedAmount() *uint256.Int {
	return new(uint256.Int).SetBytes(b.Staked)
}

// SetStakedAmount stores the staked motes in canonical minimal form.
func (b *Bid) SetStakedAmount(v *uint256.Int) {
	b.Staked = v.Bytes()
}
