package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// StoredValueTag discriminates the stored value union on the wire.
type StoredValueTag uint8

const (
	TagCLValue StoredValueTag = iota
	TagAccount
	TagContract
	TagContractWasm
	TagBid
)

// StoredValue is the tagged union of everything that can live under a key.
// Exactly one member is set. The canonical encoding is one tag byte followed
// by the deterministic CBOR payload of the member, so any stored value
// round-trips byte for byte.
type StoredValue struct {
	CLValue      *CLValue
	Account      *Account
	Contract     *Contract
	ContractWasm []byte
	Bid          *Bid
}

// StoredCLValue wraps a CLValue into a stored value.
func StoredCLValue(v CLValue) *StoredValue { return &StoredValue{CLValue: &v} }

// StoredAccount wraps an account record into a stored value.
func StoredAccount(a *Account) *StoredValue { return &StoredValue{Account: a} }

// StoredContract wraps a contract header into a stored value.
func StoredContract(c *Contract) *StoredValue { return &StoredValue{Contract: c} }

// StoredWasm wraps raw module bytes into a stored value.
func StoredWasm(code []byte) *StoredValue { return &StoredValue{ContractWasm: code} }

// StoredBid wraps a bid record into a stored value.
func StoredBid(b *Bid) *StoredValue { return &StoredValue{Bid: b} }

// Tag returns the union discriminant of the populated member.
func (v *StoredValue) Tag() StoredValueTag {
	switch {
	case v.Account != nil:
		return TagAccount
	case v.Contract != nil:
		return TagContract
	case v.ContractWasm != nil:
		return TagContractWasm
	case v.Bid != nil:
		return TagBid
	default:
		return TagCLValue
	}
}

// Bytes returns the canonical self-describing encoding.
func (v *StoredValue) Bytes() ([]byte, error) {
	var payload interface{}
	tag := v.Tag()
	switch tag {
	case TagCLValue:
		if v.CLValue == nil {
			return nil, fmt.Errorf("%w: empty stored value", ErrSerialization)
		}
		payload = *v.CLValue
	case TagAccount:
		payload = v.Account
	case TagContract:
		payload = v.Contract
	case TagContractWasm:
		payload = v.ContractWasm
	case TagBid:
		payload = v.Bid
	}
	body, err := canonicalMarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(tag))
	return append(out, body...), nil
}

// ParseStoredValue decodes the canonical encoding produced by Bytes.
func ParseStoredValue(b []byte) (*StoredValue, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: empty stored value bytes", ErrSerialization)
	}
	tag, body := StoredValueTag(b[0]), b[1:]
	out := &StoredValue{}
	switch tag {
	case TagCLValue:
		var cl CLValue
		if err := cbor.Unmarshal(body, &cl); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		out.CLValue = &cl
	case TagAccount:
		var a Account
		if err := cbor.Unmarshal(body, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		out.Account = &a
	case TagContract:
		var c Contract
		if err := cbor.Unmarshal(body, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		out.Contract = &c
	case TagContractWasm:
		var w []byte
		if err := cbor.Unmarshal(body, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		if w == nil {
			w = []byte{}
		}
		out.ContractWasm = w
	case TagBid:
		var bid Bid
		if err := cbor.Unmarshal(body, &bid); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		out.Bid = &bid
	default:
		return nil, fmt.Errorf("%w: unknown stored value tag %d", ErrSerialization, b[0])
	}
	return out, nil
}
