// Package effect models the mutations an execution proposes against global
// state: single-key transforms, their composition within one execution, and
// the tracker accumulating them.
package effect

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/quartzchain/quartz/pkg/types"
	"github.com/quartzchain/quartz/pkg/util/math"
)

var (
	// ErrTypeMismatch marks an add transform meeting a value of another type.
	ErrTypeMismatch = errors.New("effect: transform type mismatch")
	// ErrOverflow marks checked numeric overflow while combining or applying
	// add transforms. Overflow fails the execution; it never wraps and never
	// saturates.
	ErrOverflow = errors.New("effect: numeric overflow")
	// ErrMissingValue marks an add against a key holding no value.
	ErrMissingValue = errors.New("effect: add to missing value")
)

// TransformKind discriminates transforms.
type TransformKind uint8

const (
	// TransformIdentity proposes nothing; it exists to witness a read.
	TransformIdentity TransformKind = iota
	// TransformWrite replaces the stored value.
	TransformWrite
	// TransformAddI64 increments a stored i64 cl value.
	TransformAddI64
	// TransformAddU64 increments a stored u64 cl value.
	TransformAddU64
	// TransformAddU256 increments a stored u256 cl value.
	TransformAddU256
	// TransformFailure poisons the key; it records the first combination
	// error and fails the execution at finalization.
	TransformFailure
)

// Transform is one proposed mutation of one key. The zero value is Identity.
type Transform struct {
	Kind  TransformKind
	Value *types.StoredValue
	I64   int64
	U64   uint64
	U256  *uint256.Int
	Err   error
}

// Identity returns the read-witness transform.
func Identity() Transform { return Transform{Kind: TransformIdentity} }

// Write returns a transform replacing the stored value with v.
func Write(v *types.StoredValue) Transform {
	return Transform{Kind: TransformWrite, Value: v}
}

// AddInt64 returns a checked i64 increment.
func AddInt64(n int64) Transform { return Transform{Kind: TransformAddI64, I64: n} }

// AddUInt64 returns a checked u64 increment.
func AddUInt64(n uint64) Transform { return Transform{Kind: TransformAddU64, U64: n} }

// AddUInt256 returns a checked u256 increment.
func AddUInt256(n *uint256.Int) Transform {
	return Transform{Kind: TransformAddU256, U256: n.Clone()}
}

// Failed returns a poisoned transform carrying err.
func Failed(err error) Transform { return Transform{Kind: TransformFailure, Err: err} }

// IsAdd reports whether the transform is one of the commutative increments.
func (t Transform) IsAdd() bool {
	switch t.Kind {
	case TransformAddI64, TransformAddU64, TransformAddU256:
		return true
	}
	return false
}

// Combine composes two transforms produced by the same execution, a first.
// A later write wins unconditionally; adds of one width pre-combine
// arithmetically; an add after a write folds into the written value; any
// type conflict or overflow poisons the result.
func Combine(a, b Transform) Transform {
	if a.Kind == TransformFailure {
		return a
	}
	if b.Kind == TransformFailure {
		return b
	}
	if b.Kind == TransformIdentity {
		return a
	}
	if a.Kind == TransformIdentity {
		return b
	}
	if b.Kind == TransformWrite {
		return b
	}
	// b is an add
	if a.Kind == TransformWrite {
		v, err := b.Apply(a.Value)
		if err != nil {
			return Failed(err)
		}
		return Write(v)
	}
	if a.Kind != b.Kind {
		return Failed(fmt.Errorf("%w: cannot combine %d with %d", ErrTypeMismatch, a.Kind, b.Kind))
	}
	switch a.Kind {
	case TransformAddI64:
		s, err := math.AddInt64Overflow(a.I64, b.I64)
		if err != nil {
			return Failed(fmt.Errorf("%w: %v", ErrOverflow, err))
		}
		return AddInt64(s)
	case TransformAddU64:
		s, err := math.AddUint64Overflow(a.U64, b.U64)
		if err != nil {
			return Failed(fmt.Errorf("%w: %v", ErrOverflow, err))
		}
		return AddUInt64(s)
	case TransformAddU256:
		s, over := new(uint256.Int).AddOverflow(a.U256, b.U256)
		if over {
			return Failed(fmt.Errorf("%w: u256 add", ErrOverflow))
		}
		return AddUInt256(s)
	}
	return Failed(fmt.Errorf("%w: unexpected transform kind %d", ErrTypeMismatch, a.Kind))
}

// Apply resolves the transform against the value currently stored under the
// key, which may be nil when the key is vacant. The returned value is what
// commit writes; Identity returns prev unchanged.
func (t Transform) Apply(prev *types.StoredValue) (*types.StoredValue, error) {
	switch t.Kind {
	case TransformIdentity:
		return prev, nil
	case TransformWrite:
		return t.Value, nil
	case TransformFailure:
		return nil, t.Err
	}
	if prev == nil {
		return nil, ErrMissingValue
	}
	cl := prev.CLValue
	if cl == nil {
		return nil, fmt.Errorf("%w: add to stored value tag %d", ErrTypeMismatch, prev.Tag())
	}
	switch t.Kind {
	case TransformAddI64:
		cur, err := cl.AsI64()
		if err != nil {
			return nil, fmt.Errorf("%w: add i64 to %s", ErrTypeMismatch, cl.Type)
		}
		s, err := math.AddInt64Overflow(cur, t.I64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOverflow, err)
		}
		return types.StoredCLValue(types.CLI64(s)), nil
	case TransformAddU64:
		cur, err := cl.AsU64()
		if err != nil {
			return nil, fmt.Errorf("%w: add u64 to %s", ErrTypeMismatch, cl.Type)
		}
		s, err := math.AddUint64Overflow(cur, t.U64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOverflow, err)
		}
		return types.StoredCLValue(types.CLU64(s)), nil
	case TransformAddU256:
		cur, err := cl.AsU256()
		if err != nil {
			return nil, fmt.Errorf("%w: add u256 to %s", ErrTypeMismatch, cl.Type)
		}
		s, over := new(uint256.Int).AddOverflow(cur, t.U256)
		if over {
			return nil, fmt.Errorf("%w: u256 add", ErrOverflow)
		}
		return types.StoredCLValue(types.CLU256(s)), nil
	}
	return nil, fmt.Errorf("%w: unexpected transform kind %d", ErrTypeMismatch, t.Kind)
}

// TransformMap is the finalized effect of one execution: the combined
// transform per touched key.
type TransformMap map[types.Key]Transform

// SortedKeys returns the keys in canonical byte order so applying a map is
// deterministic.
func (m TransformMap) SortedKeys() []types.Key {
	keys := make([]types.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i].Bytes(), keys[j].Bytes()) < 0
	})
	return keys
}
