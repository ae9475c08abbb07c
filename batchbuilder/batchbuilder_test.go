package batchbuilder

import (
	"math/big"
	"testing"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/treebuilder"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLevels = 10

func testLeaves(from, n int64) []common.LeafRecord {
	leaves := make([]common.LeafRecord, n)
	for i := range leaves {
		v := from + int64(i)
		leaves[i] = common.LeafRecord{
			ValueHash: ethCommon.BigToHash(big.NewInt(v)),
			BlockNum:  v,
			Digest:    ethCommon.BigToHash(big.NewInt(1000 + v)),
		}
	}
	return leaves
}

func newTestBuilder(t *testing.T, batchSize int, policy Policy,
	pending map[common.EventType][]common.LeafRecord) *BatchBuilder {
	bb, err := NewBatchBuilder(Config{BatchSize: batchSize, Policy: policy})
	require.NoError(t, err)
	for _, eventType := range common.EventTypes {
		acc, err := treebuilder.NewAccumulator(testLevels, nil)
		require.NoError(t, err)
		bb.Reset(eventType, acc, NewPendingQueue(pending[eventType]))
	}
	return bb
}

func TestPendingQueueTakeN(t *testing.T) {
	leaves := testLeaves(0, 5)
	q := NewPendingQueue(leaves)
	// the queue owns a copy
	leaves[0].BlockNum = 99
	assert.Equal(t, 5, q.Len())

	taken := q.TakeN(2)
	assert.Equal(t, testLeaves(0, 2), taken)
	assert.Equal(t, testLeaves(2, 3), q.Leaves())
	assert.Equal(t, 3, q.Len())

	q.Push(testLeaves(5, 1)[0])
	assert.Equal(t, testLeaves(2, 4), q.TakeN(10))
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.TakeN(1))
}

func TestBatchScenario(t *testing.T) {
	pending := testLeaves(1, 3)
	bb := newTestBuilder(t, 2, PolicyRoundRobin,
		map[common.EventType][]common.LeafRecord{common.EventDeposit: pending})

	r0, err := bb.Root(common.EventDeposit)
	require.NoError(t, err)

	batch, err := bb.NextBatch(common.EventDeposit)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, r0, batch.OldRoot)
	require.Len(t, batch.Leaves, 2)
	assert.Equal(t, int64(0), batch.Leaves[0].Index)
	assert.Equal(t, int64(1), batch.Leaves[1].Index)
	assert.Equal(t, pending[0].Digest, batch.Leaves[0].Digest)
	assert.Equal(t, 1, bb.Pending(common.EventDeposit))

	expected, err := treebuilder.NewAccumulator(testLevels,
		[]ethCommon.Hash{pending[0].Digest, pending[1].Digest})
	require.NoError(t, err)
	r1 := expected.Root()
	assert.Equal(t, r1, batch.NewRoot)

	batch, err = bb.NextBatch(common.EventDeposit)
	require.NoError(t, err)
	require.Len(t, batch.Leaves, 1)
	assert.Equal(t, r1, batch.OldRoot)
	assert.Equal(t, int64(2), batch.FirstIndex())
	_, err = expected.Insert(pending[2].Digest)
	require.NoError(t, err)
	assert.Equal(t, expected.Root(), batch.NewRoot)

	batch, err = bb.NextBatch(common.EventDeposit)
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestIndexMonotonicity(t *testing.T) {
	bb := newTestBuilder(t, 3, PolicyRoundRobin, map[common.EventType][]common.LeafRecord{
		common.EventDeposit:    testLeaves(0, 10),
		common.EventWithdrawal: testLeaves(100, 7),
	})
	next := map[common.EventType]int64{}
	for {
		batch, err := bb.Next()
		require.NoError(t, err)
		if batch == nil {
			break
		}
		for _, leaf := range batch.Leaves {
			assert.Equal(t, next[batch.EventType], leaf.Index)
			next[batch.EventType]++
		}
	}
	assert.Equal(t, int64(10), next[common.EventDeposit])
	assert.Equal(t, int64(7), next[common.EventWithdrawal])
}

func schedule(t *testing.T, bb *BatchBuilder) []common.EventType {
	var order []common.EventType
	for {
		batch, err := bb.Next()
		require.NoError(t, err)
		if batch == nil {
			return order
		}
		order = append(order, batch.EventType)
	}
}

func TestRoundRobinFairness(t *testing.T) {
	bb := newTestBuilder(t, 2, PolicyRoundRobin, map[common.EventType][]common.LeafRecord{
		common.EventDeposit:    testLeaves(0, 9),
		common.EventWithdrawal: testLeaves(100, 5),
	})
	d, w := common.EventDeposit, common.EventWithdrawal
	assert.Equal(t, []common.EventType{d, w, d, w, d, w, d, d}, schedule(t, bb))
}

func TestWeightedFairness(t *testing.T) {
	bb := newTestBuilder(t, 2, PolicyWeighted, map[common.EventType][]common.LeafRecord{
		common.EventDeposit:    testLeaves(0, 12),
		common.EventWithdrawal: testLeaves(100, 4),
	})
	order := schedule(t, bb)
	d, w := common.EventDeposit, common.EventWithdrawal
	// the deeper deposit queue leads, with at most weightedMaxRun batches in
	// a row while withdrawals are pending
	assert.Equal(t, []common.EventType{d, d, w, d, d, w, d, d}, order)

	run := 0
	for i, et := range order {
		if i > 0 && et == order[i-1] {
			run++
		} else {
			run = 1
		}
		assert.LessOrEqual(t, run, weightedMaxRun)
	}
}

func TestWeightedMaxRun(t *testing.T) {
	d, w := common.EventDeposit, common.EventWithdrawal
	s := NewScheduler(PolicyWeighted, common.EventTypes)
	// the withdrawal queue never drains, so it stays a competitor
	pending := func(et common.EventType) int {
		if et == d {
			return 1000
		}
		return 1
	}
	var order []common.EventType
	for i := 0; i < 3*(weightedMaxRun+1); i++ {
		et, ok := s.Next(pending)
		require.True(t, ok)
		order = append(order, et)
	}
	assert.Equal(t, []common.EventType{d, d, w, d, d, w, d, d, w}, order)

	// alone, the deposits run without bound
	s = NewScheduler(PolicyWeighted, common.EventTypes)
	for i := 0; i < 5; i++ {
		et, ok := s.Next(func(et common.EventType) int {
			if et == d {
				return 1
			}
			return 0
		})
		require.True(t, ok)
		assert.Equal(t, d, et)
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyRoundRobin, p)
	p, err = ParsePolicy("weighted")
	require.NoError(t, err)
	assert.Equal(t, PolicyWeighted, p)
	_, err = ParsePolicy("random")
	assert.Error(t, err)
}

func TestTreeFullAbortsBatch(t *testing.T) {
	bb, err := NewBatchBuilder(Config{BatchSize: 8})
	require.NoError(t, err)
	acc, err := treebuilder.NewAccumulator(2, nil)
	require.NoError(t, err)
	bb.Reset(common.EventDeposit, acc, NewPendingQueue(testLeaves(0, 5)))
	_, err = bb.NextBatch(common.EventDeposit)
	assert.ErrorIs(t, err, treebuilder.ErrTreeFull)
}
