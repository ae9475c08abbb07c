package treebuilder

import (
	"math/big"
	"testing"

	"github.com/superphiz/tornado-root-updater/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDigests(t *testing.T, n int) []ethCommon.Hash {
	instance := ethCommon.HexToAddress("0x12D66f87A04A9E220743712cE6d9bB1B5616B8Fc")
	ds := make([]ethCommon.Hash, n)
	for i := range ds {
		var err error
		ds[i], err = common.HashLeaf(instance, ethCommon.BigToHash(big.NewInt(int64(1000+i))),
			int64(9000000+i))
		require.NoError(t, err)
	}
	return ds
}

func TestEmptyRoot(t *testing.T) {
	acc, err := NewAccumulator(20, nil)
	require.NoError(t, err)
	assert.Equal(t, ethCommon.Hash{}, acc.Root())
	assert.Equal(t, int64(0), acc.Size())
}

func TestDeterminism(t *testing.T) {
	ds := testDigests(t, 10)

	acc1, err := NewAccumulator(20, ds)
	require.NoError(t, err)
	acc2, err := NewAccumulator(20, nil)
	require.NoError(t, err)
	for _, d := range ds {
		_, err := acc2.Insert(d)
		require.NoError(t, err)
	}
	assert.Equal(t, acc1.Root(), acc2.Root())
	assert.NotEqual(t, ethCommon.Hash{}, acc1.Root())

	// order matters
	swapped := append([]ethCommon.Hash{}, ds...)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	acc3, err := NewAccumulator(20, swapped)
	require.NoError(t, err)
	assert.NotEqual(t, acc1.Root(), acc3.Root())
}

func TestRoundTrip(t *testing.T) {
	ds := testDigests(t, 7)
	acc, err := NewAccumulator(16, ds[:3])
	require.NoError(t, err)
	for _, d := range ds[3:] {
		_, err := acc.Insert(d)
		require.NoError(t, err)
		rebuilt, err := NewAccumulator(16, acc.Leaves())
		require.NoError(t, err)
		assert.Equal(t, acc.Root(), rebuilt.Root())
	}
	assert.Equal(t, ds, acc.Leaves())
}

func TestIndexMonotonicity(t *testing.T) {
	ds := testDigests(t, 5)
	acc, err := NewAccumulator(10, ds[:2])
	require.NoError(t, err)
	for i, d := range ds[2:] {
		idx, err := acc.Insert(d)
		require.NoError(t, err)
		assert.Equal(t, int64(2+i), idx)
		assert.Equal(t, idx+1, acc.Size())
	}
}

func TestTreeFull(t *testing.T) {
	ds := testDigests(t, 5)
	acc, err := NewAccumulator(2, ds[:4])
	require.NoError(t, err)
	assert.Equal(t, int64(4), acc.Capacity())
	root := acc.Root()
	_, err = acc.Insert(ds[4])
	assert.ErrorIs(t, err, ErrTreeFull)
	assert.Equal(t, root, acc.Root())
	assert.Equal(t, int64(4), acc.Size())
}

func TestCapacityFilled(t *testing.T) {
	for _, levels := range []int{1, 3, 5} {
		acc, err := NewAccumulator(levels, nil)
		require.NoError(t, err)
		ds := testDigests(t, int(acc.Capacity())+1)
		for i, d := range ds[:acc.Capacity()] {
			idx, err := acc.Insert(d)
			require.NoError(t, err, "levels %d leaf %d", levels, i)
			assert.Equal(t, int64(i), idx)
		}
		_, err = acc.Insert(ds[acc.Capacity()])
		assert.ErrorIs(t, err, ErrTreeFull)

		rebuilt, err := NewAccumulator(levels, acc.Leaves())
		require.NoError(t, err)
		assert.Equal(t, acc.Root(), rebuilt.Root())
	}
}

func TestInvalidLevels(t *testing.T) {
	_, err := NewAccumulator(0, nil)
	assert.ErrorIs(t, err, ErrInvalidLevels)
	_, err = NewAccumulator(MaxLevels+1, nil)
	assert.ErrorIs(t, err, ErrInvalidLevels)
}
