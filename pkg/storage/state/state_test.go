package state

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartzchain/quartz/pkg/effect"
	"github.com/quartzchain/quartz/pkg/storage/store"
	"github.com/quartzchain/quartz/pkg/types"
)

func newTestState() *State {
	return New(store.NewMemStore(), 0)
}

func TestCommitIdentityLaw(t *testing.T) {
	assert := assert.New(t)
	s := newTestState()

	k := types.BalanceKey(types.Blake2b([]byte("purse")))
	root, err := s.Commit(EmptyRoot(), effect.TransformMap{
		k: effect.Write(types.StoredCLValue(types.CLU64(10))),
	})
	require.NoError(t, err)

	// merging the empty transform set into any root yields the same root
	same, err := s.Commit(root, effect.TransformMap{})
	assert.NoError(err)
	assert.Equal(root, same)

	same, err = s.Commit(root, nil)
	assert.NoError(err)
	assert.Equal(root, same)

	// a map of pure identities is the empty set for commit purposes
	same, err = s.Commit(root, effect.TransformMap{k: effect.Identity()})
	assert.NoError(err)
	assert.Equal(root, same)
}

func TestCommitWriteAndRead(t *testing.T) {
	assert := assert.New(t)
	s := newTestState()

	k := types.AccountKey(types.Blake2b([]byte("acct")))
	acct := types.NewAccount(types.Blake2b([]byte("acct")), types.NewURef(types.Blake2b([]byte("p")), 0))

	root, err := s.Commit(EmptyRoot(), effect.TransformMap{
		k: effect.Write(types.StoredAccount(acct)),
	})
	require.NoError(t, err)

	got, err := s.Reader(root).Read(k)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(acct.Address, got.Account.Address)

	// the empty root still reads nothing
	got, err = s.Reader(EmptyRoot()).Read(k)
	assert.NoError(err)
	assert.Nil(got)
}

func TestCommitAddComposesWithStoredValue(t *testing.T) {
	assert := assert.New(t)
	s := newTestState()

	k := types.BalanceKey(types.Blake2b([]byte("purse")))
	root, err := s.Commit(EmptyRoot(), effect.TransformMap{
		k: effect.Write(types.StoredCLValue(types.CLU256(uint256.NewInt(1000)))),
	})
	require.NoError(t, err)

	root2, err := s.Commit(root, effect.TransformMap{
		k: effect.AddUInt256(uint256.NewInt(100)),
	})
	require.NoError(t, err)
	assert.NotEqual(root, root2)

	got, err := s.Reader(root2).Read(k)
	require.NoError(t, err)
	v, err := got.CLValue.AsU256()
	assert.NoError(err)
	assert.Equal(uint64(1100), v.Uint64())

	// prior root unchanged
	got, err = s.Reader(root).Read(k)
	require.NoError(t, err)
	v, err = got.CLValue.AsU256()
	assert.NoError(err)
	assert.Equal(uint64(1000), v.Uint64())
}

func TestCommitAddToMissingFails(t *testing.T) {
	assert := assert.New(t)
	s := newTestState()

	k := types.BalanceKey(types.Blake2b([]byte("vacant")))
	_, err := s.Commit(EmptyRoot(), effect.TransformMap{
		k: effect.AddUInt64(1),
	})
	assert.ErrorIs(err, effect.ErrMissingValue)
}

func TestCommitAddTypeMismatchFails(t *testing.T) {
	assert := assert.New(t)
	s := newTestState()

	k := types.BalanceKey(types.Blake2b([]byte("purse")))
	root, err := s.Commit(EmptyRoot(), effect.TransformMap{
		k: effect.Write(types.StoredCLValue(types.CLString("not a number"))),
	})
	require.NoError(t, err)

	_, err = s.Commit(root, effect.TransformMap{k: effect.AddUInt64(5)})
	assert.ErrorIs(err, effect.ErrTypeMismatch)

	// failed commit left the old root valid
	got, err := s.Reader(root).Read(k)
	assert.NoError(err)
	assert.NotNil(got)
}

func TestCommitDeterministicOrder(t *testing.T) {
	assert := assert.New(t)

	// two states, same transforms assembled in different insertion orders
	build := func(names []string) types.Digest {
		s := newTestState()
		m := effect.TransformMap{}
		for i, n := range names {
			m[types.BalanceKey(types.Blake2b([]byte(n)))] = effect.Write(
				types.StoredCLValue(types.CLU64(uint64(i + 1))))
		}
		// reassemble values so each name maps to the same value in both runs
		for _, n := range names {
			k := types.BalanceKey(types.Blake2b([]byte(n)))
			m[k] = effect.Write(types.StoredCLValue(types.CLU64(uint64(len(n)))))
		}
		root, err := s.Commit(EmptyRoot(), m)
		require.NoError(t, err)
		return root
	}

	a := build([]string{"p1", "p2", "p3"})
	b := build([]string{"p3", "p1", "p2"})
	assert.Equal(a, b)
}
