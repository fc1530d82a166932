package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// DigestSize is the byte length of all content-addressing hashes used by the
// engine: trie node hashes, state roots, account addresses and deploy hashes.
const DigestSize = 32

// Digest is a blake2b-256 content hash.
type Digest [DigestSize]byte

// Blake2b hashes the concatenation of the given byte slices.
func Blake2b(data ...[]byte) Digest {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	for _, d := range data {
		h.Write(d)
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// DigestFromBytes copies b into a Digest, rejecting wrong lengths.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, fmt.Errorf("%w: digest length %d", ErrSerialization, len(b))
	}
	copy(d[:], b)
	return d, nil
}

func (d Digest) Bytes() []byte { return d[:] }

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

func (d Digest) IsZero() bool {
	var zero Digest
	return bytes.Equal(d[:], zero[:])
}

// MarshalCBOR encodes the digest as a CBOR byte string rather than an array
// of integers.
func (d Digest) MarshalCBOR() ([]byte, error) {
	return canonicalMarshal(d[:])
}

func (d *Digest) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	got, err := DigestFromBytes(raw)
	if err != nil {
		return err
	}
	*d = got
	return nil
}
