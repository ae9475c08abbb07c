package coordinator

import (
	"context"
	"math/big"
	"testing"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/coordinator/prover"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyDirect, s)
	s, err = ParseStrategy("Proof")
	require.NoError(t, err)
	assert.Equal(t, StrategyProof, s)
	_, err = ParseStrategy("optimistic")
	assert.Error(t, err)
}

func TestNewSubmitStrategy(t *testing.T) {
	ts := newTestSetup(t)
	cfg := newTestConfig()
	s, err := NewSubmitStrategy(&cfg, ts.client, nil)
	require.NoError(t, err)
	assert.Equal(t, StrategyDirect, s.Name())

	cfg.Strategy = StrategyProof
	_, err = NewSubmitStrategy(&cfg, ts.client, nil)
	assert.Error(t, err)
	s, err = NewSubmitStrategy(&cfg, ts.client, []prover.Client{&prover.MockClient{}})
	require.NoError(t, err)
	assert.Equal(t, StrategyProof, s.Name())
}

func TestProofStrategyPrepare(t *testing.T) {
	ts := newTestSetup(t)
	cfg := newTestConfig()
	cfg.Strategy = StrategyProof
	cfg.CircuitRef = "mining-tree-batch"
	s, err := NewSubmitStrategy(&cfg, ts.client, []prover.Client{&prover.MockClient{}})
	require.NoError(t, err)

	batch := &common.CommitBatch{
		EventType: common.EventWithdrawal,
		OldRoot:   value(10),
		NewRoot:   value(11),
		Leaves: []common.LeafRecord{
			{Instance: instanceA, ValueHash: value(5), BlockNum: 7, Index: 2, Digest: value(20)},
		},
	}
	batchInfo := NewBatchInfo(1, batch, 7)
	// snapshot too short for a batch starting at index 2
	batchInfo.Snapshot = []ethCommon.Hash{value(1)}
	assert.Error(t, s.Prepare(context.Background(), batchInfo))

	batchInfo.Snapshot = []ethCommon.Hash{value(1), value(2), value(20)}
	require.NoError(t, s.Prepare(context.Background(), batchInfo))
	assert.Equal(t, StrategyProof, batchInfo.Strategy)
	require.NotNil(t, batchInfo.ZKInputs)
	assert.Equal(t, big.NewInt(2), batchInfo.ZKInputs.PathIndices)
	assert.Len(t, batchInfo.ZKInputs.OldLeaves, 2)
	require.NotNil(t, batchInfo.Proof)
	assert.Len(t, batchInfo.Proof.Bytes(), 8*32)
	assert.NotNil(t, batchInfo.ServerProof)
}
