package types

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// ErrSerialization marks malformed canonical bytes. Callers treat it as data
// corruption, not as a recoverable condition.
var ErrSerialization = errors.New("types: malformed serialization")

// canonicalEnc is the single deterministic CBOR encoder used for every
// consensus-visible encoding. Two nodes encoding the same value must produce
// the same bytes, so the core deterministic profile is mandatory.
var canonicalEnc cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	canonicalEnc = em
}

func canonicalMarshal(v interface{}) ([]byte, error) {
	return canonicalEnc.Marshal(v)
}

// MarshalCanonical encodes v with the engine's deterministic CBOR profile.
func MarshalCanonical(v interface{}) ([]byte, error) {
	return canonicalEnc.Marshal(v)
}

// UnmarshalCanonical decodes canonical CBOR bytes into v.
func UnmarshalCanonical(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
