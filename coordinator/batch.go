package coordinator

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path"
	"time"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/coordinator/prover"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Status is used to mark the status of a commit in the TxManager
type Status string

const (
	// StatusIdle marks that there is no commit in progress
	StatusIdle Status = "idle"
	// StatusSigning marks the commit tx as being signed
	StatusSigning Status = "signing"
	// StatusBroadcasting marks the commit tx as being sent to the
	// broadcast endpoints
	StatusBroadcasting Status = "broadcasting"
	// StatusAwaitingResult marks the commit tx as accepted by at least one
	// endpoint, waiting to be mined
	StatusAwaitingResult Status = "awaiting"
	// StatusCommitted marks the commit tx as mined successfully
	StatusCommitted Status = "committed"
	// StatusFailed marks the commit tx as reverted, dropped or not
	// accepted by any endpoint
	StatusFailed Status = "failed"
)

// Debug information related to the commit of a batch
type Debug struct {
	// StartTimestamp of is the time of batch start
	StartTimestamp time.Time
	// SendTimestamp  the time of batch sent to ethereum
	SendTimestamp time.Time
	// Status of the Batch
	Status Status
	// StartBlockNum is the blockNum when the Batch was started
	StartBlockNum int64
	// MineBlockNum is the blockNum in which the batch was mined
	MineBlockNum int64
	// ProofDelay is the time spent waiting for the proof in seconds
	ProofDelay float64
	// StartToSendDelay is the delay between starting a batch and sending
	// it to ethereum, in seconds
	StartToSendDelay float64
	// SendToMineDelay is the delay between sending a batch tx and having
	// it mined in seconds
	SendToMineDelay float64
}

// BatchInfo contans the information of a CommitBatch on its way to the
// registry
type BatchInfo struct {
	CycleNum common.CycleNum
	Batch    *common.CommitBatch
	// Snapshot are the leaves of the local tree, used as proof inputs
	Snapshot     []ethCommon.Hash `json:"-"`
	Strategy     Strategy
	ServerProof  prover.Client `json:"-"`
	ProofStart   time.Time
	ZKInputs     *common.ZKInputs
	Proof        *prover.Proof
	PublicInputs []*big.Int
	Auth         *bind.TransactOpts `json:"-"`
	EthTx        *types.Transaction
	// AcceptedBy is the first broadcast endpoint that accepted EthTx
	AcceptedBy string
	Receipt    *types.Receipt
	// Fail is true if the receipt status is failed, or the tx was dropped
	Fail  bool
	Debug Debug
}

// NewBatchInfo creates the BatchInfo of a CommitBatch built at blockNum
func NewBatchInfo(cycleNum common.CycleNum, batch *common.CommitBatch,
	blockNum int64) *BatchInfo {
	return &BatchInfo{
		CycleNum: cycleNum,
		Batch:    batch,
		Debug: Debug{
			StartTimestamp: time.Now(),
			Status:         StatusIdle,
			StartBlockNum:  blockNum,
		},
	}
}

// DebugStore stores the BatchInfo as json in the storePath
func (b *BatchInfo) DebugStore(storePath string) error {
	batchJSON, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return common.Wrap(err)
	}
	// nolint reason: hardcoded 1_000_000 is the number of nanoseconds in a
	// millisecond
	//nolint:gomnd
	filename := fmt.Sprintf("%08d-%s-%06d-%v.%03d.json", b.CycleNum, b.Batch.EventType,
		b.Batch.FirstIndex(), b.Debug.StartTimestamp.Unix(),
		b.Debug.StartTimestamp.Nanosecond()/1_000_000)
	// nolint reason: 0640 allows rw to owner and r to group
	//nolint:gosec
	return common.Wrap(os.WriteFile(path.Join(storePath, filename), batchJSON, 0640))
}
