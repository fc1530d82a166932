package types

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"github.com/holiman/uint256"
)

// CLType tags the contract-visible value types.
type CLType uint8

const (
	CLTypeUnit CLType = iota
	CLTypeBool
	CLTypeI32
	CLTypeI64
	CLTypeU64
	CLTypeU256
	CLTypeByteArray
	CLTypeString
	CLTypeKey
	CLTypeURef
)

var clTypeNames = map[CLType]string{
	CLTypeUnit:      "unit",
	CLTypeBool:      "bool",
	CLTypeI32:       "i32",
	CLTypeI64:       "i64",
	CLTypeU64:       "u64",
	CLTypeU256:      "u256",
	CLTypeByteArray: "bytearray",
	CLTypeString:    "string",
	CLTypeKey:       "key",
	CLTypeURef:      "uref",
}

func (t CLType) String() string {
	if n, ok := clTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("cltype(%d)", uint8(t))
}

// ErrCLTypeMismatch is returned when a value is accessed as the wrong type
// or a numeric transform meets a non-numeric value.
var ErrCLTypeMismatch = fmt.Errorf("types: cl type mismatch")

// CLValue is a typed value visible to contract code. The payload encoding is
// fixed per type: little-endian fixed-width integers, big-endian 32 bytes for
// u256, raw bytes for byte arrays and strings, canonical key/uref bytes.
type CLValue struct {
	Type CLType
	Raw  []byte
}

func CLUnit() CLValue { return CLValue{Type: CLTypeUnit} }

func CLBool(v bool) CLValue {
	b := byte(0)
	if v {
		b = 1
	}
	return CLValue{Type: CLTypeBool, Raw: []byte{b}}
}

func CLI32(v int32) CLValue {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, uint32(v))
	return CLValue{Type: CLTypeI32, Raw: raw}
}

func CLI64(v int64) CLValue {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, uint64(v))
	return CLValue{Type: CLTypeI64, Raw: raw}
}

func CLU64(v uint64) CLValue {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, v)
	return CLValue{Type: CLTypeU64, Raw: raw}
}

func CLU256(v *uint256.Int) CLValue {
	raw := v.Bytes32()
	return CLValue{Type: CLTypeU256, Raw: raw[:]}
}

func CLByteArray(b []byte) CLValue {
	raw := make([]byte, len(b))
	copy(raw, b)
	return CLValue{Type: CLTypeByteArray, Raw: raw}
}

func CLString(s string) CLValue { return CLValue{Type: CLTypeString, Raw: []byte(s)} }

func CLKey(k Key) CLValue { return CLValue{Type: CLTypeKey, Raw: k.Bytes()} }

func CLURef(u URef) CLValue { return CLValue{Type: CLTypeURef, Raw: u.Bytes()} }

func (v CLValue) AsBool() (bool, error) {
	if v.Type != CLTypeBool {
		return false, ErrCLTypeMismatch
	}
	return v.Raw[0] != 0, nil
}

func (v CLValue) AsI32() (int32, error) {
	if v.Type != CLTypeI32 {
		return 0, ErrCLTypeMismatch
	}
	return int32(binary.LittleEndian.Uint32(v.Raw)), nil
}

func (v CLValue) AsI64() (int64, error) {
	if v.Type != CLTypeI64 {
		return 0, ErrCLTypeMismatch
	}
	return int64(binary.LittleEndian.Uint64(v.Raw)), nil
}

func (v CLValue) AsU64() (uint64, error) {
	if v.Type != CLTypeU64 {
		return 0, ErrCLTypeMismatch
	}
	return binary.LittleEndian.Uint64(v.Raw), nil
}

func (v CLValue) AsU256() (*uint256.Int, error) {
	if v.Type != CLTypeU256 {
		return nil, ErrCLTypeMismatch
	}
	return new(uint256.Int).SetBytes(v.Raw), nil
}

func (v CLValue) AsString() (string, error) {
	if v.Type != CLTypeString {
		return "", ErrCLTypeMismatch
	}
	return string(v.Raw), nil
}

func (v CLValue) AsKey() (Key, error) {
	if v.Type != CLTypeKey {
		return Key{}, ErrCLTypeMismatch
	}
	return ParseKey(v.Raw)
}

func (v CLValue) AsURef() (URef, error) {
	if v.Type != CLTypeURef {
		return URef{}, ErrCLTypeMismatch
	}
	return ParseURef(v.Raw)
}

// IsNumeric reports whether the value supports add transforms.
func (v CLValue) IsNumeric() bool {
	switch v.Type {
	case CLTypeI64, CLTypeU64, CLTypeU256:
		return true
	}
	return false
}

// Bytes returns the wasm-boundary encoding: one type byte plus the payload.
func (v CLValue) Bytes() []byte {
	out := make([]byte, 1+len(v.Raw))
	out[0] = byte(v.Type)
	copy(out[1:], v.Raw)
	return out
}

// ParseCLValue decodes the wasm-boundary encoding, validating the payload
// length and shape for the claimed type.
func ParseCLValue(b []byte) (CLValue, error) {
	if len(b) < 1 {
		return CLValue{}, fmt.Errorf("%w: empty cl value", ErrSerialization)
	}
	v := CLValue{Type: CLType(b[0]), Raw: append([]byte(nil), b[1:]...)}
	if err := v.validate(); err != nil {
		return CLValue{}, err
	}
	return v, nil
}

// MarshalCBOR encodes the value as its wasm-boundary byte string.
func (v CLValue) MarshalCBOR() ([]byte, error) {
	return canonicalMarshal(v.Bytes())
}

func (v *CLValue) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	got, err := ParseCLValue(raw)
	if err != nil {
		return err
	}
	*v = got
	return nil
}

func (v CLValue) validate() error {
	want := -1
	switch v.Type {
	case CLTypeUnit:
		want = 0
	case CLTypeBool:
		if len(v.Raw) != 1 || v.Raw[0] > 1 {
			return fmt.Errorf("%w: bool payload", ErrSerialization)
		}
		return nil
	case CLTypeI32:
		want = 4
	case CLTypeI64, CLTypeU64:
		want = 8
	case CLTypeU256:
		want = 32
	case CLTypeByteArray:
		return nil
	case CLTypeString:
		if !utf8.Valid(v.Raw) {
			return fmt.Errorf("%w: string payload not utf8", ErrSerialization)
		}
		return nil
	case CLTypeKey:
		_, err := ParseKey(v.Raw)
		return err
	case CLTypeURef:
		_, err := ParseURef(v.Raw)
		return err
	default:
		return fmt.Errorf("%w: unknown cl type %d", ErrSerialization, uint8(v.Type))
	}
	if len(v.Raw) != want {
		return fmt.Errorf("%w: %s payload length %d", ErrSerialization, v.Type, len(v.Raw))
	}
	return nil
}
