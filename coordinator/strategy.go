package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/coordinator/prover"
	"github.com/superphiz/tornado-root-updater/eth"
	"github.com/superphiz/tornado-root-updater/log"
	"github.com/superphiz/tornado-root-updater/metric"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/core/types"
)

// Strategy is the way a CommitBatch is submitted to the registry
type Strategy string

const (
	// StrategyDirect submits the old root, the new root and the leaves.
	// The registry recomputes the transition.
	StrategyDirect Strategy = "direct"
	// StrategyProof submits a proof of the transition and the new root
	StrategyProof Strategy = "proof"
)

// ParseStrategy parses a Strategy.  The empty string is StrategyDirect.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case "", StrategyDirect:
		return StrategyDirect, nil
	case StrategyProof:
		return StrategyProof, nil
	}
	return "", common.Wrap(fmt.Errorf("unknown submit strategy %q", s))
}

// SubmitStrategy builds the registry call of a CommitBatch
type SubmitStrategy interface {
	Name() Strategy
	// Prepare does the slow work needed before signing, like computing
	// the proof
	Prepare(ctx context.Context, batchInfo *BatchInfo) error
	// Tx builds the signed commit tx
	Tx(auth *bind.TransactOpts, batchInfo *BatchInfo) (*types.Transaction, error)
}

// NewSubmitStrategy creates the SubmitStrategy chosen in the configuration
func NewSubmitStrategy(cfg *Config, ethClient eth.RegistryInterface,
	serverProofs []prover.Client) (SubmitStrategy, error) {
	strategy, err := ParseStrategy(string(cfg.Strategy))
	if err != nil {
		return nil, common.Wrap(err)
	}
	if strategy == StrategyDirect {
		return &directStrategy{ethClient: ethClient}, nil
	}
	if len(serverProofs) == 0 {
		return nil, common.Wrap(fmt.Errorf("proof strategy needs at least one proof server"))
	}
	return &proofStrategy{
		ethClient:  ethClient,
		provers:    NewProversPool(serverProofs),
		circuitRef: cfg.CircuitRef,
		levels:     cfg.Levels,
	}, nil
}

type directStrategy struct {
	ethClient eth.RegistryInterface
}

func (s *directStrategy) Name() Strategy {
	return StrategyDirect
}

func (s *directStrategy) Prepare(ctx context.Context, batchInfo *BatchInfo) error {
	batchInfo.Strategy = StrategyDirect
	return nil
}

func (s *directStrategy) Tx(auth *bind.TransactOpts,
	batchInfo *BatchInfo) (*types.Transaction, error) {
	tx, err := s.ethClient.RegistryUpdateRoot(auth, batchInfo.Batch)
	return tx, common.Wrap(err)
}

type proofStrategy struct {
	ethClient  eth.RegistryInterface
	provers    *ProversPool
	circuitRef string
	levels     int
}

func (s *proofStrategy) Name() Strategy {
	return StrategyProof
}

// Prepare waits for an idle proof server and gets the proof of the batch from
// it
func (s *proofStrategy) Prepare(ctx context.Context, batchInfo *BatchInfo) error {
	batchInfo.Strategy = StrategyProof
	zki, err := common.NewZKInputs(s.circuitRef, s.levels, batchInfo.Batch, batchInfo.Snapshot)
	if err != nil {
		return common.Wrap(err)
	}
	batchInfo.ZKInputs = zki

	batchInfo.ProofStart = time.Now()
	serverProof, proof, pubInputs, err := s.provers.Prove(ctx, zki)
	batchInfo.ServerProof = serverProof
	if err != nil {
		return common.Wrap(err)
	}
	batchInfo.Proof = proof
	batchInfo.PublicInputs = pubInputs
	batchInfo.Debug.ProofDelay = time.Since(batchInfo.ProofStart).Seconds()
	metric.MeasureDuration(metric.WaitServerProof, batchInfo.ProofStart,
		batchInfo.Batch.EventType.String())
	log.Debugw("ServerProof: proof ready", "eventType", batchInfo.Batch.EventType,
		"firstIndex", batchInfo.Batch.FirstIndex(), "delay", batchInfo.Debug.ProofDelay)
	return nil
}

func (s *proofStrategy) Tx(auth *bind.TransactOpts,
	batchInfo *BatchInfo) (*types.Transaction, error) {
	if batchInfo.Proof == nil {
		return nil, common.Wrap(fmt.Errorf("batch without proof"))
	}
	tx, err := s.ethClient.RegistryUpdateRootWithProof(auth, batchInfo.Batch.EventType,
		batchInfo.Proof.Bytes(), batchInfo.Batch.NewRoot)
	return tx, common.Wrap(err)
}
