package types

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/mr-tron/base58"
)

// KeyTag discriminates the global key space.
type KeyTag uint8

const (
	// KeyTagAccount addresses an account record by account hash.
	KeyTagAccount KeyTag = iota
	// KeyTagHash addresses a stored contract or contract wasm blob.
	KeyTagHash
	// KeyTagURef addresses a value behind an unforgeable reference.
	KeyTagURef
	// KeyTagBalance addresses the mote balance of a purse.
	KeyTagBalance
	// KeyTagBid addresses a validator bid record.
	KeyTagBid
)

// KeySize is the serialized length of a key: one tag byte plus the address.
const KeySize = 1 + DigestSize

var keyTagNames = map[KeyTag]string{
	KeyTagAccount: "account",
	KeyTagHash:    "hash",
	KeyTagURef:    "uref",
	KeyTagBalance: "balance",
	KeyTagBid:     "bid",
}

// Key is a fixed-format discriminated identifier addressing exactly one
// stored value under a state root. Keys are immutable values; the access
// rights of a URef are carried by the URef capability, not by the key, so
// they never influence trie addressing.
type Key struct {
	Tag  KeyTag
	Addr Digest
}

// AccountKey addresses the account record of the given account hash.
func AccountKey(addr Digest) Key { return Key{Tag: KeyTagAccount, Addr: addr} }

// HashKey addresses contract data stored under a hash.
func HashKey(addr Digest) Key { return Key{Tag: KeyTagHash, Addr: addr} }

// BalanceKey addresses the balance of the purse with the given address.
func BalanceKey(purse Digest) Key { return Key{Tag: KeyTagBalance, Addr: purse} }

// BidKey addresses the bid record of a validator.
func BidKey(addr Digest) Key { return Key{Tag: KeyTagBid, Addr: addr} }

// Bytes returns the canonical serialized key.
func (k Key) Bytes() []byte {
	out := make([]byte, KeySize)
	out[0] = byte(k.Tag)
	copy(out[1:], k.Addr[:])
	return out
}

// ParseKey decodes a canonical serialized key.
func ParseKey(b []byte) (Key, error) {
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("%w: key length %d", ErrSerialization, len(b))
	}
	tag := KeyTag(b[0])
	if _, ok := keyTagNames[tag]; !ok {
		return Key{}, fmt.Errorf("%w: unknown key tag %d", ErrSerialization, b[0])
	}
	addr, err := DigestFromBytes(b[1:])
	if err != nil {
		return Key{}, err
	}
	return Key{Tag: tag, Addr: addr}, nil
}

// TriePath returns the byte path under which the key is stored in the trie.
func (k Key) TriePath() []byte { return k.Bytes() }

// String renders the key as "<tag>-<base58 address>".
func (k Key) String() string {
	name, ok := keyTagNames[k.Tag]
	if !ok {
		name = "invalid"
	}
	return name + "-" + base58.Encode(k.Addr[:])
}

// ParseKeyString parses the textual rendering produced by String.
func ParseKeyString(s string) (Key, error) {
	i := strings.IndexByte(s, '-')
	if i < 0 {
		return Key{}, fmt.Errorf("%w: key string %q", ErrSerialization, s)
	}
	var tag KeyTag
	found := false
	for t, name := range keyTagNames {
		if name == s[:i] {
			tag, found = t, true
			break
		}
	}
	if !found {
		return Key{}, fmt.Errorf("%w: unknown key prefix %q", ErrSerialization, s[:i])
	}
	raw, err := base58.Decode(s[i+1:])
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	addr, err := DigestFromBytes(raw)
	if err != nil {
		return Key{}, err
	}
	return Key{Tag: tag, Addr: addr}, nil
}

// MarshalCBOR encodes the key as its canonical byte string.
func (k Key) MarshalCBOR() ([]byte, error) {
	return canonicalMarshal(k.Bytes())
}

func (k *Key) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	got, err := ParseKey(raw)
	if err != nil {
		return err
	}
	*k = got
	return nil
}
