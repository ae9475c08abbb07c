package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/superphiz/tornado-root-updater/batchbuilder"
	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/database/statedb"
	"github.com/superphiz/tornado-root-updater/test"
	"github.com/superphiz/tornado-root-updater/treebuilder"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	instanceA = ethCommon.HexToAddress("0x12D66f87A04A9E220743712cE6d9bB1B5616B8Fc")
	instanceB = ethCommon.HexToAddress("0x47CE0C6eD5B0Ce3d3A51fdb1C52DC66a7c3c2936")
)

var deleteme []string

func TestMain(m *testing.M) {
	exitVal := m.Run()
	for _, dir := range deleteme {
		if err := os.RemoveAll(dir); err != nil {
			panic(err)
		}
	}
	os.Exit(exitVal)
}

func value(v int64) ethCommon.Hash {
	return ethCommon.BigToHash(big.NewInt(v))
}

type testSetup struct {
	client  *test.Client
	stateDB *statedb.StateDB
	hasher  *common.LeafHasher
	sync    *Synchronizer
}

func newTestSetup(t *testing.T, cfg Config) *testSetup {
	ks, account, cleanup, err := test.NewKeyStore()
	require.NoError(t, err)
	t.Cleanup(cleanup)
	setup := test.NewClientSetupExample()
	setup.Levels = 10
	setup.KeyStore = ks
	setup.Account = account
	client := test.NewClient(true, test.NewTimerTest(), setup)

	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)
	stateDB, err := statedb.NewStateDB(statedb.Config{Path: dir, Keep: 16})
	require.NoError(t, err)
	t.Cleanup(stateDB.Close)

	hasher, err := common.NewLeafHasher(64)
	require.NoError(t, err)
	if cfg.Instances == nil {
		cfg.Instances = []ethCommon.Address{instanceA, instanceB}
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	sync, err := NewSynchronizer(client, stateDB, hasher, cfg)
	require.NoError(t, err)
	return &testSetup{client: client, stateDB: stateDB, hasher: hasher, sync: sync}
}

func (ts *testSetup) digest(t *testing.T, ev common.RawEvent) ethCommon.Hash {
	d, err := ts.hasher.Hash(ev.Instance, ev.Value, ev.BlockNum)
	require.NoError(t, err)
	return d
}

func (ts *testSetup) plan(t *testing.T, eventType common.EventType) *Plan {
	head, err := ts.sync.Head(context.Background())
	require.NoError(t, err)
	plan, err := ts.sync.Plan(context.Background(), eventType, head.Num)
	require.NoError(t, err)
	return plan
}

func pendingDigests(plan *Plan) []ethCommon.Hash {
	leaves := plan.Pending.Leaves()
	digests := make([]ethCommon.Hash, len(leaves))
	for i := range leaves {
		digests[i] = leaves[i].Digest
	}
	return digests
}

func TestPlanPush(t *testing.T) {
	ts := newTestSetup(t, Config{StartBlock: 1, ConfirmationDepth: 2})
	a1 := ts.client.CtlAddEvent(common.EventDeposit, instanceA, value(1))
	b1 := ts.client.CtlAddEvent(common.EventDeposit, instanceB, value(2))
	a2 := ts.client.CtlAddEvent(common.EventDeposit, instanceA, value(3))
	w1 := ts.client.CtlAddEvent(common.EventWithdrawal, instanceB, value(4))
	ts.client.CtlMineBlock() // block 1
	// not confirmed yet
	ts.client.CtlAddEvent(common.EventDeposit, instanceA, value(5))
	ts.client.CtlMineBlocks(2) // blocks 2 and 3

	plan := ts.plan(t, common.EventDeposit)
	assert.Equal(t, int64(1), plan.From)
	assert.Equal(t, int64(1), plan.To)
	assert.Empty(t, plan.Known)
	// instances in configured order, each one in upstream order
	assert.Equal(t, []ethCommon.Hash{ts.digest(t, a1), ts.digest(t, a2), ts.digest(t, b1)},
		pendingDigests(plan))

	plan = ts.plan(t, common.EventWithdrawal)
	assert.Equal(t, []ethCommon.Hash{ts.digest(t, w1)}, pendingDigests(plan))

	stats := ts.sync.Stats()
	assert.Equal(t, int64(3), stats.Eth.LastBlock.Num)
	assert.Equal(t, 3, stats.Sync.Types[common.EventDeposit].Pending)
	assert.Equal(t, 1, stats.Sync.Types[common.EventWithdrawal].Pending)
}

func TestPlanIdempotent(t *testing.T) {
	ts := newTestSetup(t, Config{StartBlock: 1, ConfirmationDepth: 0})
	a1 := ts.client.CtlAddEvent(common.EventDeposit, instanceA, value(1))
	// same digest from a second log
	ts.client.CtlAddEvent(common.EventDeposit, instanceA, value(1))
	a2 := ts.client.CtlAddEvent(common.EventDeposit, instanceA, value(2))
	ts.client.CtlMineBlock()

	plan := ts.plan(t, common.EventDeposit)
	expected := []ethCommon.Hash{ts.digest(t, a1), ts.digest(t, a2)}
	assert.Equal(t, expected, pendingDigests(plan))

	// the same range read again gives the same queue
	plan = ts.plan(t, common.EventDeposit)
	assert.Equal(t, expected, pendingDigests(plan))

	// known leaves are never pending again
	_, err := ts.stateDB.Append(common.EventDeposit, 0, expected[:1])
	require.NoError(t, err)
	plan = ts.plan(t, common.EventDeposit)
	assert.Equal(t, expected[:1], plan.Known)
	assert.Equal(t, expected[1:], pendingDigests(plan))
}

func TestPlanEmptyRange(t *testing.T) {
	ts := newTestSetup(t, Config{StartBlock: 5, ConfirmationDepth: 12})
	ts.client.CtlMineBlocks(3)

	plan := ts.plan(t, common.EventDeposit)
	assert.True(t, plan.Empty())
	assert.Equal(t, 0, plan.Pending.Len())

	// the cursor is set, not left unset
	lastBlock, ok, err := ts.stateDB.LastBlock(common.EventDeposit)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(4), lastBlock)

	// and an empty range never moves it
	plan = ts.plan(t, common.EventDeposit)
	assert.True(t, plan.Empty())
	assert.Equal(t, int64(5), plan.From)
	lastBlock, _, err = ts.stateDB.LastBlock(common.EventDeposit)
	require.NoError(t, err)
	assert.Equal(t, int64(4), lastBlock)
}

func commitEvents(t *testing.T, ts *testSetup, known []ethCommon.Hash,
	events ...common.RawEvent) *common.CommitBatch {
	acc, err := treebuilder.NewAccumulator(10, known)
	require.NoError(t, err)
	leaves := make([]common.LeafRecord, len(events))
	for i, ev := range events {
		leaves[i] = common.LeafRecord{Instance: ev.Instance, ValueHash: ev.Value,
			BlockNum: ev.BlockNum, Digest: ts.digest(t, ev)}
	}
	bb, err := batchbuilder.NewBatchBuilder(batchbuilder.Config{BatchSize: len(events)})
	require.NoError(t, err)
	bb.Reset(common.EventDeposit, acc, batchbuilder.NewPendingQueue(leaves))
	batch, err := bb.NextBatch(common.EventDeposit)
	require.NoError(t, err)
	_, err = ts.client.CtlCommit(batch)
	require.NoError(t, err)
	return batch
}

func TestPlanRecoversRegistryLeaves(t *testing.T) {
	ts := newTestSetup(t, Config{StartBlock: 1, ConfirmationDepth: 0})
	a1 := ts.client.CtlAddEvent(common.EventDeposit, instanceA, value(1))
	a2 := ts.client.CtlAddEvent(common.EventDeposit, instanceA, value(2))
	a3 := ts.client.CtlAddEvent(common.EventDeposit, instanceA, value(3))
	ts.client.CtlMineBlock()
	// committed on chain, never stored locally
	batch := commitEvents(t, ts, nil, a1, a2)
	require.Equal(t, batch.NewRoot, ts.client.CtlRegistryState().Roots[common.EventDeposit])

	plan := ts.plan(t, common.EventDeposit)
	assert.Equal(t, 2, plan.Recovered)
	assert.Equal(t, batch.Digests(), plan.Known)
	assert.Equal(t, []ethCommon.Hash{ts.digest(t, a3)}, pendingDigests(plan))

	n, err := ts.stateDB.NumLeaves(common.EventDeposit)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// a second read matches the stored leaves
	plan = ts.plan(t, common.EventDeposit)
	assert.Equal(t, 0, plan.Recovered)
	assert.Equal(t, batch.Digests(), plan.Known)
}

func TestPlanRegistryMismatchAndGap(t *testing.T) {
	ts := newTestSetup(t, Config{StartBlock: 1, ConfirmationDepth: 0})
	a1 := ts.client.CtlAddEvent(common.EventDeposit, instanceA, value(1))
	ts.client.CtlMineBlock()
	commitEvents(t, ts, nil, a1)

	// a different leaf stored at index 0
	_, err := ts.stateDB.Append(common.EventDeposit, 0, []ethCommon.Hash{value(99)})
	require.NoError(t, err)
	head := ts.client.CtlLastBlock().Num
	_, err = ts.sync.Plan(context.Background(), common.EventDeposit, head)
	assert.ErrorIs(t, err, ErrRegistryLeafMismatch)
	assert.ErrorIs(t, err, common.ErrStateDivergence)
	assert.False(t, common.IsFatal(err))

	// reading from after the first commit leaves a gap
	ts2 := newTestSetup(t, Config{StartBlock: 1, ConfirmationDepth: 0})
	b1 := ts2.client.CtlAddEvent(common.EventDeposit, instanceA, value(1))
	b2 := ts2.client.CtlAddEvent(common.EventDeposit, instanceA, value(2))
	ts2.client.CtlMineBlock()
	first := commitEvents(t, ts2, nil, b1)
	commitEvents(t, ts2, first.Digests(), b2)
	require.NoError(t, ts2.stateDB.SetLastBlock(common.EventDeposit, ts2.client.CtlLastBlock().Num-1))
	head = ts2.client.CtlLastBlock().Num
	_, err = ts2.sync.Plan(context.Background(), common.EventDeposit, head)
	assert.ErrorIs(t, err, ErrRegistryIndexGap)
	assert.ErrorIs(t, err, common.ErrStateDivergence)
}

func TestPlanPull(t *testing.T) {
	ts := newTestSetup(t, Config{StartBlock: 1, ConfirmationDepth: 1, Mode: ModePull})
	r1 := ts.client.CtlAddRegisteredEvent(common.EventDeposit, instanceB, value(1))
	ts.client.CtlAddEvent(common.EventDeposit, instanceA, value(2))
	r2 := ts.client.CtlAddRegisteredEvent(common.EventDeposit, instanceA, value(3))
	ts.client.CtlMineBlock() // block 1
	// registered but not confirmed at the next plan
	ts.client.CtlAddRegisteredEvent(common.EventDeposit, instanceA, value(4))
	ts.client.CtlMineBlock() // block 2

	plan := ts.plan(t, common.EventDeposit)
	assert.Equal(t, int64(1), plan.To)
	// registration order, unregistered events skipped, unconfirmed ones wait
	assert.Equal(t, []ethCommon.Hash{ts.digest(t, r1), ts.digest(t, r2)}, pendingDigests(plan))
}

func TestPlanPullMissingEvent(t *testing.T) {
	ts := newTestSetup(t, Config{StartBlock: 1, ConfirmationDepth: 0, Mode: ModePull})
	ts.client.CtlAddRegisteredEvent(common.EventDeposit, instanceA, value(1))
	ts.client.CtlRegister(common.EventDeposit, value(12345))
	ts.client.CtlMineBlock()

	head := ts.client.CtlLastBlock().Num
	_, err := ts.sync.Plan(context.Background(), common.EventDeposit, head)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrMissingUpstreamEvent)
	assert.True(t, common.IsFatal(err))
}

func TestPlanInstanceError(t *testing.T) {
	ts := newTestSetup(t, Config{StartBlock: 1, ConfirmationDepth: 0})
	ts.client.CtlMineBlock()
	errRPC := errors.New("connection refused")
	ts.client.CtlSetInstanceErr(errRPC)
	head := ts.client.CtlLastBlock().Num
	_, err := ts.sync.Plan(context.Background(), common.EventDeposit, head)
	assert.ErrorIs(t, err, errRPC)
	assert.False(t, common.IsFatal(err))
}

func TestMaxBlockRange(t *testing.T) {
	ts := newTestSetup(t, Config{StartBlock: 1, ConfirmationDepth: 0, MaxBlockRange: 2})
	var expected []ethCommon.Hash
	for i := int64(0); i < 5; i++ {
		ev := ts.client.CtlAddEvent(common.EventDeposit, instanceA, value(i+1))
		expected = append(expected, ts.digest(t, ev))
		ts.client.CtlMineBlock()
	}
	plan := ts.plan(t, common.EventDeposit)
	assert.Equal(t, int64(1), plan.From)
	assert.Equal(t, int64(5), plan.To)
	assert.Equal(t, expected, pendingDigests(plan))
}

func TestNewSynchronizerConfig(t *testing.T) {
	_, err := NewSynchronizer(nil, nil, nil, Config{Mode: "poll",
		Instances: []ethCommon.Address{instanceA}})
	assert.Error(t, err)
	_, err = NewSynchronizer(nil, nil, nil, Config{})
	assert.Error(t, err)
}

func TestPlanMalformedEvent(t *testing.T) {
	// 2^256 - 1 is outside the field
	outside := ethCommon.HexToHash("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")

	ts := newTestSetup(t, Config{StartBlock: 1, ConfirmationDepth: 0})
	ts.client.CtlAddEvent(common.EventDeposit, instanceA, value(1))
	ts.client.CtlAddEvent(common.EventDeposit, instanceB, outside)
	w1 := ts.client.CtlAddEvent(common.EventWithdrawal, instanceA, value(2))
	ts.client.CtlMineBlock()

	head := ts.client.CtlLastBlock().Num
	_, err := ts.sync.Plan(context.Background(), common.EventDeposit, head)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrMalformedEvent)
	assert.ErrorIs(t, err, common.ErrNotInFF)
	assert.True(t, common.IsFatal(err))
	// the cursor doesn't move
	_, ok, err := ts.stateDB.LastBlock(common.EventDeposit)
	require.NoError(t, err)
	assert.False(t, ok)

	// the other type is planned normally
	plan := ts.plan(t, common.EventWithdrawal)
	assert.Equal(t, []ethCommon.Hash{ts.digest(t, w1)}, pendingDigests(plan))

	tsPull := newTestSetup(t, Config{StartBlock: 1, ConfirmationDepth: 0, Mode: ModePull})
	tsPull.client.CtlAddRegisteredEvent(common.EventDeposit, instanceA, outside)
	tsPull.client.CtlMineBlock()
	head = tsPull.client.CtlLastBlock().Num
	_, err = tsPull.sync.Plan(context.Background(), common.EventDeposit, head)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrMalformedEvent)
	assert.True(t, common.IsFatal(err))
}

func TestRetryMalformed(t *testing.T) {
	ts := newTestSetup(t, Config{StartBlock: 1})
	calls := 0
	err := ts.sync.retryMalformed(context.Background(), common.EventDeposit,
		func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return common.Wrap(fmt.Errorf("%w: bad value", common.ErrMalformedEvent))
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// one retry only
	calls = 0
	err = ts.sync.retryMalformed(context.Background(), common.EventDeposit,
		func(ctx context.Context) error {
			calls++
			return common.Wrap(fmt.Errorf("%w: bad value", common.ErrMalformedEvent))
		})
	assert.ErrorIs(t, err, common.ErrMalformedEvent)
	assert.Equal(t, 2, calls)

	// other errors are not retried
	calls = 0
	errRPC := errors.New("connection refused")
	err = ts.sync.retryMalformed(context.Background(), common.EventDeposit,
		func(ctx context.Context) error {
			calls++
			return errRPC
		})
	assert.ErrorIs(t, err, errRPC)
	assert.Equal(t, 1, calls)
}
