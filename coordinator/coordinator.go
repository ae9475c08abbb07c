/*
Package coordinator handles all the logic related to committing the pending
leaves of the mining trees to the registry.

The work is done in cycles, driven by the node package.  A cycle starts by
re-deriving the account nonce in the TxManager and reading the chain head.
Then, for every event type, the Synchronizer plans the block range to process
and returns the leaves already committed together with the queue of pending
leaves.  A local accumulator is seeded with the committed leaves, and its root
is checked against the registry root before any batch is built.

The BatchBuilder then yields batches in the order decided by the configured
alternation policy.  Every batch goes through the SubmitStrategy (which may
need a proof from a proof server), is checked once more against the live
registry root, and is handed to the TxManager, which signs the commit tx,
broadcasts it to every endpoint and waits for it to be mined.  Only a mined
and successful commit is appended to the StateDB.  When the queue of an event
type is drained, its last processed block moves to the end of the planned
range.  A cycle ends with a StateDB checkpoint.

Whenever the local root and the registry root differ, or the leaves committed
in the registry contradict the local ones, the Reconciler flushes the StateDB
and the cycle is restarted from scratch.  If they differ again in the same
run, the run fails with common.ErrFatalRootConflict.

An event type with a malformed event, or with a registered leaf that has no
upstream event, is left out of the cycle after one retry.  The cycle commits
the other types and then fails with the fatal error.
*/
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/superphiz/tornado-root-updater/batchbuilder"
	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/coordinator/prover"
	"github.com/superphiz/tornado-root-updater/database/historydb"
	"github.com/superphiz/tornado-root-updater/eth"
	"github.com/superphiz/tornado-root-updater/etherscan"
	"github.com/superphiz/tornado-root-updater/log"
	"github.com/superphiz/tornado-root-updater/metric"
	"github.com/superphiz/tornado-root-updater/synchronizer"
	"github.com/superphiz/tornado-root-updater/treebuilder"
)

const (
	defaultGasLimit         = 4_000_000
	defaultRPCTimeout       = 30 * time.Second
	defaultBroadcastTimeout = 30 * time.Second
	defaultTxTimeout        = 5 * time.Minute
	defaultTxCheckInterval  = 5 * time.Second
)

// Config contains the Coordinator configuration
type Config struct {
	// BatchSize is the max number of leaves committed in one tx
	BatchSize int
	// BatchPolicy decides which event type gets the next batch
	BatchPolicy batchbuilder.Policy
	// Strategy is the way batches are submitted to the registry
	Strategy Strategy
	// Levels is the depth of the mining trees
	Levels int
	// CircuitRef identifies the circuit of the proof strategy
	CircuitRef string
	// GasLimit of the commit txs
	GasLimit uint64
	// MaxGasPrice is the gas price ceiling in gwei.  0 means no ceiling.
	MaxGasPrice int64
	// GasPriceIncPerc is the percentage added to the suggested gas price
	GasPriceIncPerc int64
	// RPCTimeout bounds every call to the ethereum node
	RPCTimeout time.Duration
	// BroadcastTimeout bounds the call to every broadcast endpoint
	BroadcastTimeout time.Duration
	// TxTimeout is the time to wait for a commit tx to be mined before
	// checking if it was dropped
	TxTimeout time.Duration
	// TxCheckInterval is the waiting interval between receipt checks
	TxCheckInterval time.Duration
	// DebugBatchPath if set, specifies the path where batchInfo is stored
	// in JSON in every step/update of the commit
	DebugBatchPath string
}

func (cfg *Config) setDefaults() {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = defaultGasLimit
	}
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = defaultRPCTimeout
	}
	if cfg.BroadcastTimeout == 0 {
		cfg.BroadcastTimeout = defaultBroadcastTimeout
	}
	if cfg.TxTimeout == 0 {
		cfg.TxTimeout = defaultTxTimeout
	}
	if cfg.TxCheckInterval == 0 {
		cfg.TxCheckInterval = defaultTxCheckInterval
	}
}

func (cfg *Config) debugBatchStore(batchInfo *BatchInfo) {
	if cfg.DebugBatchPath != "" {
		if err := batchInfo.DebugStore(cfg.DebugBatchPath); err != nil {
			log.Warnw("Error storing debug BatchInfo",
				"path", cfg.DebugBatchPath, "err", err)
		}
	}
}

// CycleResult summarizes a successful cycle
type CycleResult struct {
	CycleNum common.CycleNum
	Head     int64
	Batches  int
	Leaves   map[common.EventType]int
	// Resynced is true if the state was flushed during the cycle
	Resynced bool
}

// Coordinator implements the cycle that commits the pending leaves
type Coordinator struct {
	cfg        Config
	sync       *synchronizer.Synchronizer
	ethClient  eth.ClientInterface
	historyDB  *historydb.HistoryDB
	txManager  *TxManager
	strategy   SubmitStrategy
	reconciler *Reconciler
}

// NewCoordinator creates a new Coordinator.  historyDB may be nil, which
// disables the commit history.
func NewCoordinator(cfg Config,
	sync *synchronizer.Synchronizer,
	historyDB *historydb.HistoryDB,
	ethClient eth.ClientInterface,
	broadcasters []Broadcaster,
	serverProofs []prover.Client,
	etherscanService *etherscan.Service,
) (*Coordinator, error) {
	cfg.setDefaults()
	if cfg.BatchSize <= 0 {
		return nil, common.Wrap(fmt.Errorf("invalid batch size %d", cfg.BatchSize))
	}
	if cfg.DebugBatchPath != "" {
		if err := os.MkdirAll(cfg.DebugBatchPath, 0744); err != nil { //nolint:gomnd
			return nil, common.Wrap(err)
		}
	}
	strategy, err := NewSubmitStrategy(&cfg, ethClient, serverProofs)
	if err != nil {
		return nil, common.Wrap(err)
	}
	ctxTimeout, ctxTimeoutCancel := context.WithTimeout(context.Background(), cfg.RPCTimeout)
	defer ctxTimeoutCancel()
	txManager, err := NewTxManager(ctxTimeout, &cfg, ethClient, broadcasters, etherscanService)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &Coordinator{
		cfg:        cfg,
		sync:       sync,
		ethClient:  ethClient,
		historyDB:  historyDB,
		txManager:  txManager,
		strategy:   strategy,
		reconciler: NewReconciler(ethClient, sync.StateDB(), cfg.RPCTimeout),
	}, nil
}

// TxManager returns the inner TxManager
func (c *Coordinator) TxManager() *TxManager {
	return c.txManager
}

// Reconciler returns the inner Reconciler
func (c *Coordinator) Reconciler() *Reconciler {
	return c.reconciler
}

// CheckTreeLevels returns common.ErrTreeDepthMismatch if the configured
// depth differs from the depth of the registry trees
func (c *Coordinator) CheckTreeLevels(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RPCTimeout)
	defer cancel()
	levels, err := c.ethClient.RegistryTreeLevels(ctx)
	if err != nil {
		return common.Wrap(fmt.Errorf("RegistryTreeLevels: %w", err))
	}
	if levels != c.cfg.Levels {
		return common.Wrap(fmt.Errorf("%w: configured %d, registry %d",
			common.ErrTreeDepthMismatch, c.cfg.Levels, levels))
	}
	return nil
}

// RunCycle runs one cycle.  A root conflict flushes the state and restarts
// the cycle once; a second conflict returns common.ErrFatalRootConflict.
func (c *Coordinator) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := time.Now()
	c.reconciler.Reset()
	defer c.txManager.WaitBroadcasts()
	for {
		res, conflict, err := c.runCycle(ctx)
		if err != nil {
			metric.MeasureDuration(metric.CycleDuration, start, "error")
			return nil, common.Wrap(err)
		}
		if conflict == nil {
			res.Resynced = c.reconciler.State() == ReconcilerResynced
			metric.MeasureDuration(metric.CycleDuration, start, "ok")
			return res, nil
		}
		if err := c.reconciler.Resolve(conflict); err != nil {
			metric.MeasureDuration(metric.CycleDuration, start, "fatal")
			return nil, common.Wrap(err)
		}
		log.Infow("Coordinator: restarting cycle after resync",
			"eventType", conflict.EventType, "startBlock", c.sync.StartBlock())
	}
}

// cycle holds the state of one attempt of a cycle
type cycle struct {
	num   common.CycleNum
	head  int64
	bb    *batchbuilder.BatchBuilder
	plans map[common.EventType]*synchronizer.Plan
	res   *CycleResult
}

func (c *Coordinator) runCycle(ctx context.Context) (*CycleResult, *Conflict, error) {
	if err := c.txManager.Prepare(ctx); err != nil {
		return nil, nil, common.Wrap(err)
	}
	head, err := c.sync.Head(ctx)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	bb, err := batchbuilder.NewBatchBuilder(batchbuilder.Config{
		BatchSize: c.cfg.BatchSize,
		Policy:    c.cfg.BatchPolicy,
	})
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	cy := &cycle{
		num:   c.sync.StateDB().CurrentCycle() + 1,
		head:  head.Num,
		bb:    bb,
		plans: make(map[common.EventType]*synchronizer.Plan, len(common.EventTypes)),
		res: &CycleResult{
			Head:   head.Num,
			Leaves: make(map[common.EventType]int, len(common.EventTypes)),
		},
	}

	// A type whose events can't be resolved is left out of the cycle.  The
	// other types are still committed before the run fails.
	var skipErr error
	for _, eventType := range common.EventTypes {
		plan, err := c.sync.Plan(ctx, eventType, head.Num)
		switch {
		case errors.Is(err, common.ErrStateDivergence):
			return nil, NewDivergenceConflict(eventType, err), nil
		case errors.Is(err, common.ErrMalformedEvent),
			errors.Is(err, common.ErrMissingUpstreamEvent):
			log.Errorw("Coordinator: leaving event type out of the cycle",
				"eventType", eventType, "err", err)
			if skipErr == nil {
				skipErr = err
			}
			continue
		case err != nil:
			return nil, nil, common.Wrap(err)
		}
		acc, err := treebuilder.NewAccumulator(c.cfg.Levels, plan.Known)
		if err != nil {
			return nil, nil, common.Wrap(fmt.Errorf("%s accumulator: %w", eventType, err))
		}
		bb.Reset(eventType, acc, plan.Pending)
		cy.plans[eventType] = plan

		conflict, err := c.reconciler.Check(ctx, eventType, acc.Root(), plan.From, plan.To)
		if err != nil {
			return nil, nil, common.Wrap(err)
		}
		if conflict != nil {
			return nil, conflict, nil
		}
	}
	for eventType, plan := range cy.plans {
		if bb.Pending(eventType) == 0 {
			if err := c.finishType(plan); err != nil {
				return nil, nil, common.Wrap(err)
			}
		}
	}

	for {
		if ctx.Err() != nil {
			return nil, nil, common.Wrap(common.ErrDone)
		}
		batch, err := bb.Next()
		if err != nil {
			return nil, nil, common.Wrap(err)
		}
		if batch == nil {
			break
		}
		conflict, err := c.commitBatch(ctx, cy, batch)
		if err != nil || conflict != nil {
			return nil, conflict, common.Wrap(err)
		}
		cy.res.Batches++
		cy.res.Leaves[batch.EventType] += len(batch.Leaves)
		if bb.Pending(batch.EventType) == 0 {
			if err := c.finishType(cy.plans[batch.EventType]); err != nil {
				return nil, nil, common.Wrap(err)
			}
		}
	}

	stateDB := c.sync.StateDB()
	if err := stateDB.Checkpoint(); err != nil {
		return nil, nil, common.Wrap(err)
	}
	cy.res.CycleNum = stateDB.CurrentCycle()
	log.Infow("Coordinator: cycle done", "cycle", cy.res.CycleNum, "head", cy.head,
		"batches", cy.res.Batches, "leaves", cy.res.Leaves)
	if skipErr != nil {
		return nil, nil, common.Wrap(skipErr)
	}
	return cy.res, nil, nil
}

// finishType moves the last processed block of the plan to the end of its
// range, once all its pending leaves are committed
func (c *Coordinator) finishType(plan *synchronizer.Plan) error {
	if plan.Empty() {
		return nil
	}
	if err := c.sync.StateDB().SetLastBlock(plan.EventType, plan.To); err != nil {
		return common.Wrap(err)
	}
	metric.LastProcessedBlock.WithLabelValues(plan.EventType.String()).Set(float64(plan.To))
	metric.PendingLeaves.WithLabelValues(plan.EventType.String()).Set(0)
	return nil
}

// commitBatch submits a batch and stores it once it's mined.  A Conflict is
// returned when the registry root is not the old root of the batch.
func (c *Coordinator) commitBatch(ctx context.Context, cy *cycle,
	batch *common.CommitBatch) (*Conflict, error) {
	eventType := batch.EventType
	plan := cy.plans[eventType]
	batchInfo := NewBatchInfo(cy.num, batch, cy.head)
	if c.strategy.Name() == StrategyProof {
		snapshot, err := cy.bb.Snapshot(eventType)
		if err != nil {
			return nil, common.Wrap(err)
		}
		batchInfo.Snapshot = snapshot
	}
	if err := c.strategy.Prepare(ctx, batchInfo); err != nil {
		return nil, common.Wrap(err)
	}

	conflict, err := c.reconciler.Check(ctx, eventType, batch.OldRoot, plan.From, plan.To)
	if err != nil || conflict != nil {
		return conflict, common.Wrap(err)
	}

	log.Debugw("Coordinator: committing batch", "eventType", eventType,
		"firstIndex", batch.FirstIndex(), "leaves", len(batch.Leaves),
		"oldRoot", batch.OldRoot.Hex(), "newRoot", batch.NewRoot.Hex())
	if err := c.txManager.Commit(ctx, batchInfo, c.strategy); err != nil {
		c.cfg.debugBatchStore(batchInfo)
		if errors.Is(common.Unwrap(err), ErrTxReverted) {
			// Another commit may have moved the root after the check
			conflict, cerr := c.reconciler.Check(ctx, eventType, batch.OldRoot,
				plan.From, plan.To)
			if cerr != nil {
				log.Warnw("Coordinator: root check after revert", "err", cerr)
			} else if conflict != nil {
				return conflict, nil
			}
		}
		return nil, common.Wrap(err)
	}

	if _, err := c.sync.StateDB().Append(eventType, batch.FirstIndex(),
		batch.Digests()); err != nil {
		return nil, common.Wrap(err)
	}
	if c.historyDB != nil {
		if err := c.historyDB.AddCommit(newHistoryCommit(batchInfo), batch.Leaves); err != nil {
			return nil, common.Wrap(err)
		}
	}
	metric.CommittedBatches.WithLabelValues(eventType.String()).Inc()
	metric.CommittedLeaves.WithLabelValues(eventType.String()).Add(float64(len(batch.Leaves)))
	log.Infow("Coordinator: batch committed", "eventType", eventType,
		"firstIndex", batch.FirstIndex(), "leaves", len(batch.Leaves),
		"newRoot", batch.NewRoot.Hex(), "tx", batchInfo.EthTx.Hash().Hex(),
		"block", batchInfo.Debug.MineBlockNum)
	c.cfg.debugBatchStore(batchInfo)
	return nil, nil
}

func newHistoryCommit(batchInfo *BatchInfo) *historydb.Commit {
	batch := batchInfo.Batch
	tx := batchInfo.EthTx
	return &historydb.Commit{
		EventType:   batch.EventType,
		OldRoot:     batch.OldRoot,
		NewRoot:     batch.NewRoot,
		FirstIndex:  batch.FirstIndex(),
		NumLeaves:   len(batch.Leaves),
		Strategy:    string(batchInfo.Strategy),
		EthTxHash:   tx.Hash(),
		Nonce:       int64(tx.Nonce()),
		GasPrice:    tx.GasPrice(),
		EthBlockNum: batchInfo.Debug.MineBlockNum,
		CycleNum:    batchInfo.CycleNum,
	}
}
