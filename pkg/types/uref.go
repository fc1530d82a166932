package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// AccessRights is the capability bit set carried by a URef.
type AccessRights uint8

const (
	AccessNone  AccessRights = 0
	AccessRead  AccessRights = 1 << 0
	AccessWrite AccessRights = 1 << 1
	AccessAdd   AccessRights = 1 << 2

	AccessReadAddWrite = AccessRead | AccessAdd | AccessWrite
)

// CanRead reports whether the rights include reads.
func (r AccessRights) CanRead() bool { return r&AccessRead != 0 }

// CanWrite reports whether the rights include writes.
func (r AccessRights) CanWrite() bool { return r&AccessWrite != 0 }

// CanAdd reports whether the rights include commutative adds.
func (r AccessRights) CanAdd() bool { return r&AccessAdd != 0 }

// URefSize is the serialized length: address plus one rights byte.
const URefSize = DigestSize + 1

// URef is an unforgeable reference to a stored value. The address alone
// identifies the value; the rights bound what the holder may do with it.
type URef struct {
	Addr   Digest
	Rights AccessRights
}

// NewURef derives a deterministic URef address from seed material. Contracts
// receive fresh urefs derived from the deploy hash and a per-execution
// counter so every node derives the same addresses.
func NewURef(seed Digest, counter uint64) URef {
	var ctr [8]byte
	for i := 0; i < 8; i++ {
		ctr[i] = byte(counter >> (8 * i))
	}
	return URef{Addr: Blake2b(seed[:], ctr[:]), Rights: AccessReadAddWrite}
}

// Key returns the trie key the uref points at. Rights are deliberately
// excluded: all urefs for one address alias one stored value.
func (u URef) Key() Key { return Key{Tag: KeyTagURef, Addr: u.Addr} }

// BalanceKey returns the balance key of the purse this uref identifies.
func (u URef) BalanceKey() Key { return Key{Tag: KeyTagBalance, Addr: u.Addr} }

// Bytes returns the canonical serialized uref.
func (u URef) Bytes() []byte {
	out := make([]byte, URefSize)
	copy(out, u.Addr[:])
	out[DigestSize] = byte(u.Rights)
	return out
}

// ParseURef decodes a canonical serialized uref.
func ParseURef(b []byte) (URef, error) {
	if len(b) != URefSize {
		return URef{}, fmt.Errorf("%w: uref length %d", ErrSerialization, len(b))
	}
	addr, err := DigestFromBytes(b[:DigestSize])
	if err != nil {
		return URef{}, err
	}
	rights := AccessRights(b[DigestSize])
	if rights > AccessReadAddWrite {
		return URef{}, fmt.Errorf("%w: uref rights %d", ErrSerialization, rights)
	}
	return URef{Addr: addr, Rights: rights}, nil
}

func (u URef) MarshalCBOR() ([]byte, error) {
	return canonicalMarshal(u.Bytes())
}

func (u *URef) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	got, err := ParseURef(raw)
	if err != nil {
		return err
	}
	*u = got
	return nil
}
