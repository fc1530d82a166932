package effect

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartzchain/quartz/pkg/types"
)

func TestCombineLastWriteWins(t *testing.T) {
	assert := assert.New(t)

	first := Write(types.StoredCLValue(types.CLU64(1)))
	second := Write(types.StoredCLValue(types.CLU64(2)))

	got := Combine(first, second)
	assert.Equal(TransformWrite, got.Kind)
	v, err := got.Value.CLValue.AsU64()
	assert.NoError(err)
	assert.Equal(uint64(2), v)
}

func TestCombineAddsPreCombine(t *testing.T) {
	assert := assert.New(t)

	got := Combine(AddUInt64(3), AddUInt64(4))
	assert.Equal(TransformAddU64, got.Kind)
	assert.Equal(uint64(7), got.U64)

	got = Combine(AddInt64(-3), AddInt64(5))
	assert.Equal(TransformAddI64, got.Kind)
	assert.Equal(int64(2), got.I64)

	got = Combine(AddUInt256(uint256.NewInt(10)), AddUInt256(uint256.NewInt(20)))
	assert.Equal(TransformAddU256, got.Kind)
	assert.Equal(uint64(30), got.U256.Uint64())
}

func TestCombineIdentityLaws(t *testing.T) {
	assert := assert.New(t)

	w := Write(types.StoredCLValue(types.CLU64(9)))
	assert.Equal(w, Combine(Identity(), w))
	assert.Equal(w, Combine(w, Identity()))
	assert.Equal(TransformIdentity, Combine(Identity(), Identity()).Kind)
}

func TestCombineAddOverWrite(t *testing.T) {
	assert := assert.New(t)

	got := Combine(Write(types.StoredCLValue(types.CLU64(10))), AddUInt64(5))
	assert.Equal(TransformWrite, got.Kind)
	v, err := got.Value.CLValue.AsU64()
	assert.NoError(err)
	assert.Equal(uint64(15), v)

	// folding an add into a non-numeric write poisons the transform
	got = Combine(Write(types.StoredCLValue(types.CLString("x"))), AddUInt64(5))
	assert.Equal(TransformFailure, got.Kind)
	assert.ErrorIs(got.Err, ErrTypeMismatch)
}

func TestCombineMismatchedAddWidths(t *testing.T) {
	assert := assert.New(t)

	got := Combine(AddUInt64(1), AddInt64(1))
	assert.Equal(TransformFailure, got.Kind)
	assert.ErrorIs(got.Err, ErrTypeMismatch)
}

func TestCombineOverflowFails(t *testing.T) {
	assert := assert.New(t)

	got := Combine(AddUInt64(^uint64(0)), AddUInt64(1))
	assert.Equal(TransformFailure, got.Kind)
	assert.ErrorIs(got.Err, ErrOverflow)

	max := new(uint256.Int).Not(uint256.NewInt(0))
	got = Combine(AddUInt256(max), AddUInt256(uint256.NewInt(1)))
	assert.Equal(TransformFailure, got.Kind)
	assert.ErrorIs(got.Err, ErrOverflow)
}

func TestApply(t *testing.T) {
	assert := assert.New(t)

	base := types.StoredCLValue(types.CLU64(100))

	got, err := AddUInt64(20).Apply(base)
	assert.NoError(err)
	v, _ := got.CLValue.AsU64()
	assert.Equal(uint64(120), v)

	got, err = Identity().Apply(base)
	assert.NoError(err)
	assert.Equal(base, got)

	replacement := types.StoredCLValue(types.CLString("new"))
	got, err = Write(replacement).Apply(base)
	assert.NoError(err)
	assert.Equal(replacement, got)

	_, err = AddUInt64(1).Apply(nil)
	assert.ErrorIs(err, ErrMissingValue)

	_, err = AddUInt64(1).Apply(types.StoredCLValue(types.CLString("x")))
	assert.ErrorIs(err, ErrTypeMismatch)

	_, err = AddUInt64(1).Apply(types.StoredCLValue(types.CLU64(^uint64(0))))
	assert.ErrorIs(err, ErrOverflow)

	_, err = AddUInt64(1).Apply(types.StoredAccount(types.NewAccount(types.Digest{}, types.URef{})))
	assert.ErrorIs(err, ErrTypeMismatch)
}

func TestTrackerReadYourWrites(t *testing.T) {
	assert := assert.New(t)

	k := types.BalanceKey(types.Blake2b([]byte("purse")))
	tr := NewTracker()

	_, ok := tr.Pending(k)
	assert.False(ok)

	tr.Record(k, Write(types.StoredCLValue(types.CLU64(5))))
	tr.Record(k, AddUInt64(10))

	pending, ok := tr.Pending(k)
	assert.True(ok)
	assert.Equal(TransformWrite, pending.Kind)
	v, _ := pending.Value.CLValue.AsU64()
	assert.Equal(uint64(15), v)
}

func TestTrackerOpsAndReadSet(t *testing.T) {
	assert := assert.New(t)

	k1 := types.AccountKey(types.Blake2b([]byte("a")))
	k2 := types.BalanceKey(types.Blake2b([]byte("b")))
	k3 := types.HashKey(types.Blake2b([]byte("c")))

	tr := NewTracker()
	tr.RecordRead(k1)
	tr.Record(k2, AddUInt64(1))
	tr.Record(k3, Write(types.StoredCLValue(types.CLU64(1))))
	// a later read never weakens a recorded write
	tr.RecordRead(k3)

	ops := tr.Ops()
	assert.Equal(OpRead, ops[k1])
	assert.Equal(OpAdd, ops[k2])
	assert.Equal(OpWrite, ops[k3])

	assert.Equal([]types.Key{k1, k2, k3}, tr.ReadSet())
}

func TestTrackerFinalize(t *testing.T) {
	assert := assert.New(t)

	k1 := types.BalanceKey(types.Blake2b([]byte("p1")))
	k2 := types.BalanceKey(types.Blake2b([]byte("p2")))

	tr := NewTracker()
	tr.Record(k1, AddUInt64(1))
	tr.Record(k1, AddUInt64(2))
	tr.RecordRead(k2)

	m, err := tr.Finalize()
	require.NoError(t, err)
	// pure reads do not appear in the finalized map
	assert.Len(m, 1)
	assert.Equal(uint64(3), m[k1].U64)

	tr.Record(k1, AddInt64(1)) // poison: width mismatch
	_, err = tr.Finalize()
	assert.ErrorIs(err, ErrTypeMismatch)
}

func TestTransformMapSortedKeys(t *testing.T) {
	assert := assert.New(t)

	m := TransformMap{}
	var keys []types.Key
	for _, s := range []string{"d", "a", "c", "b"} {
		k := types.AccountKey(types.Blake2b([]byte(s)))
		keys = append(keys, k)
		m[k] = AddUInt64(1)
	}

	sorted := m.SortedKeys()
	assert.Len(sorted, len(keys))
	for i := 1; i < len(sorted); i++ {
		assert.True(string(sorted[i-1].Bytes()) < string(sorted[i].Bytes()))
	}
}

func TestTrackerTransfers(t *testing.T) {
	assert := assert.New(t)

	tr := NewTracker()
	tr.RecordTransfer(Transfer{
		Source: types.Blake2b([]byte("s")),
		Target: types.Blake2b([]byte("t")),
		Amount: uint256.NewInt(100),
	})

	xs := tr.Transfers()
	assert.Len(xs, 1)
	assert.Equal(uint64(100), xs[0].Amount.Uint64())
}
