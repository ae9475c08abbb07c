package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/eth"
	"github.com/superphiz/tornado-root-updater/etherscan"
	"github.com/superphiz/tornado-root-updater/log"
	"github.com/superphiz/tornado-root-updater/metric"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/hashicorp/go-multierror"
)

var (
	// ErrNoEndpointAccepted is used when every broadcast endpoint rejected
	// the commit tx
	ErrNoEndpointAccepted = errors.New("no broadcast endpoint accepted the transaction")
	// ErrTxReverted is used when the commit tx was mined with a failed
	// status
	ErrTxReverted = errors.New("commit transaction reverted")
	// ErrTxDropped is used when the commit tx was not mined before the
	// timeout and its nonce is still free
	ErrTxDropped = errors.New("commit transaction dropped")
	// ErrTxUnconfirmed is used when the nonce of the commit tx was used
	// but no receipt was found before the timeout
	ErrTxUnconfirmed = errors.New("commit transaction not confirmed")
)

// Broadcaster sends a signed transaction to one ethereum endpoint
type Broadcaster interface {
	Endpoint() string
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// TxManager handles everything related to the commit transactions: it signs
// them with an increasing nonce, sends them to every broadcast endpoint, and
// waits for them to be mined.
type TxManager struct {
	cfg              Config
	ethClient        eth.ClientInterface
	etherscanService *etherscan.Service
	broadcasters     []Broadcaster
	chainID          *big.Int
	account          accounts.Account
	status           Status

	// accNonce is the account nonce in the last mined block (due to mined txs)
	accNonce uint64
	// accNextNonce is the nonce that we should use to send the next tx.
	// It is only lowered when a sent tx is known to be dropped.
	accNextNonce uint64

	// wg tracks the endpoints still answering after the first
	// acceptance
	wg sync.WaitGroup
}

// NewTxManager creates a new TxManager
func NewTxManager(
	ctx context.Context,
	cfg *Config,
	ethClient eth.ClientInterface,
	broadcasters []Broadcaster,
	etherscanService *etherscan.Service,
) (*TxManager, error) {
	if len(broadcasters) == 0 {
		return nil, common.Wrap(fmt.Errorf("no broadcast endpoints"))
	}
	chainID, err := ethClient.EthChainID()
	if err != nil {
		return nil, common.Wrap(err)
	}
	address, err := ethClient.EthAddress()
	if err != nil {
		return nil, common.Wrap(err)
	}
	accNonce, err := ethClient.EthNonceAt(ctx, *address, nil)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("failed to get nonce: %w", err))
	}
	log.Infow("TxManager started", "nonce", accNonce, "address", address.Hex(),
		"endpoints", len(broadcasters))
	return &TxManager{
		cfg:              *cfg,
		ethClient:        ethClient,
		etherscanService: etherscanService,
		broadcasters:     broadcasters,
		account: accounts.Account{
			Address: *address,
		},
		chainID:      chainID,
		status:       StatusIdle,
		accNonce:     accNonce,
		accNextNonce: accNonce,
	}, nil
}

// Status returns the state of the last commit
func (t *TxManager) Status() Status {
	return t.status
}

// Nonce returns the nonce that the next commit tx will use
func (t *TxManager) Nonce() uint64 {
	return t.accNextNonce
}

func (t *TxManager) setStatus(batchInfo *BatchInfo, status Status) {
	t.status = status
	if batchInfo != nil {
		batchInfo.Debug.Status = status
	}
}

// Prepare re-derives the nonce from the chain.  Called at the start of every
// cycle.
func (t *TxManager) Prepare(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RPCTimeout)
	defer cancel()
	accNonce, err := t.ethClient.EthNonceAt(ctx, t.account.Address, nil)
	if err != nil {
		return common.Wrap(fmt.Errorf("EthNonceAt: %w", err))
	}
	pendingNonce, err := t.ethClient.EthPendingNonceAt(ctx, t.account.Address)
	if err != nil {
		return common.Wrap(fmt.Errorf("EthPendingNonceAt: %w", err))
	}
	t.accNonce = accNonce
	if pendingNonce > t.accNextNonce {
		t.accNextNonce = pendingNonce
	}
	if accNonce > t.accNextNonce {
		t.accNextNonce = accNonce
	}
	t.setStatus(nil, StatusIdle)
	log.Debugw("TxManager: prepared", "accNonce", t.accNonce, "nextNonce", t.accNextNonce)
	return nil
}

func (t *TxManager) suggestGasPrice(ctx context.Context) (*big.Int, error) {
	if t.etherscanService != nil {
		gasPrices, err := t.etherscanService.GetGasPrice(ctx)
		if err == nil {
			gasPrice, err := gasPrices.ProposeWei()
			if err == nil {
				return gasPrice, nil
			}
		}
		log.Warnw("TxManager: etherscan gas price not available, using the node", "err", err)
	}
	gasPrice, err := t.ethClient.EthSuggestGasPrice(ctx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return gasPrice, nil
}

// GasPrice returns the suggested gas price increased by GasPriceIncPerc and
// capped at MaxGasPrice
func (t *TxManager) GasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RPCTimeout)
	defer cancel()
	gasPrice, err := t.suggestGasPrice(ctx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	inc := new(big.Int).Set(gasPrice)
	inc.Mul(inc, new(big.Int).SetInt64(t.cfg.GasPriceIncPerc))
	// nolint reason: to calculate percentages we use 100
	inc.Div(inc, big.NewInt(100)) //nolint:gomnd
	gasPrice.Add(gasPrice, inc)

	if t.cfg.MaxGasPrice > 0 {
		maxGasPrice := new(big.Int).Mul(big.NewInt(t.cfg.MaxGasPrice), big.NewInt(1e9)) //nolint:gomnd
		if gasPrice.Cmp(maxGasPrice) > 0 {
			log.Warnw("TxManager: gas price above the ceiling", "gasPrice", gasPrice,
				"maxGasPrice", maxGasPrice)
			gasPrice = maxGasPrice
		}
	}
	metric.GasPrice.Set(float64(gasPrice.Int64()))
	return gasPrice, nil
}

// NewAuth generates a new auth object for a commit tx.  The signed tx is not
// sent: the TxManager broadcasts it.
func (t *TxManager) NewAuth(ctx context.Context) (*bind.TransactOpts, error) {
	gasPrice, err := t.GasPrice(ctx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	ks := t.ethClient.EthKeyStore()
	if ks == nil {
		return nil, common.Wrap(eth.ErrAccountNil)
	}
	auth, err := bind.NewKeyStoreTransactorWithChainID(ks, t.account, t.chainID)
	if err != nil {
		return nil, common.Wrap(err)
	}
	auth.Nonce = new(big.Int).SetUint64(t.accNextNonce)
	auth.Value = big.NewInt(0) // in wei
	auth.GasLimit = t.cfg.GasLimit
	auth.GasPrice = gasPrice
	auth.NoSend = true
	auth.Context = ctx
	return auth, nil
}

// Commit signs the commit tx built by the strategy, broadcasts it, and waits
// for it to be mined.  The batch is committed when Commit returns nil.
func (t *TxManager) Commit(ctx context.Context, batchInfo *BatchInfo,
	strategy SubmitStrategy) error {
	t.setStatus(batchInfo, StatusSigning)
	auth, err := t.NewAuth(ctx)
	if err != nil {
		t.setStatus(batchInfo, StatusFailed)
		return common.Wrap(err)
	}
	batchInfo.Auth = auth
	tx, err := strategy.Tx(auth, batchInfo)
	if err != nil {
		t.setStatus(batchInfo, StatusFailed)
		return common.Wrap(fmt.Errorf("%s tx: %w", strategy.Name(), err))
	}
	batchInfo.EthTx = tx

	t.setStatus(batchInfo, StatusBroadcasting)
	if err := t.broadcast(ctx, batchInfo); err != nil {
		t.setStatus(batchInfo, StatusFailed)
		return common.Wrap(err)
	}
	// The nonce is in use from now on
	t.accNextNonce = tx.Nonce() + 1
	batchInfo.Debug.SendTimestamp = time.Now()
	batchInfo.Debug.StartToSendDelay = batchInfo.Debug.SendTimestamp.Sub(
		batchInfo.Debug.StartTimestamp).Seconds()

	t.setStatus(batchInfo, StatusAwaitingResult)
	receipt, err := t.waitReceipt(ctx, batchInfo)
	if err != nil {
		batchInfo.Fail = true
		t.setStatus(batchInfo, StatusFailed)
		return common.Wrap(err)
	}
	batchInfo.Receipt = receipt
	batchInfo.Debug.MineBlockNum = receipt.BlockNumber.Int64()
	batchInfo.Debug.SendToMineDelay = time.Since(batchInfo.Debug.SendTimestamp).Seconds()
	if receipt.Status == types.ReceiptStatusFailed {
		batchInfo.Fail = true
		t.setStatus(batchInfo, StatusFailed)
		log.Warnw("TxManager: commit tx reverted", "tx", tx.Hash().Hex(),
			"eventType", batchInfo.Batch.EventType, "block", batchInfo.Debug.MineBlockNum)
		return common.Wrap(fmt.Errorf("%w: tx %s", ErrTxReverted, tx.Hash().Hex()))
	}
	t.setStatus(batchInfo, StatusCommitted)
	log.Infow("TxManager: commit tx mined", "tx", tx.Hash().Hex(),
		"eventType", batchInfo.Batch.EventType, "nonce", tx.Nonce(),
		"block", batchInfo.Debug.MineBlockNum, "endpoint", batchInfo.AcceptedBy)
	return nil
}

type broadcastResult struct {
	endpoint string
	err      error
}

// accepted returns true if the endpoint took the tx, including the case
// where it already had it from another endpoint
func (r *broadcastResult) accepted() bool {
	return r.err == nil || strings.Contains(strings.ToLower(r.err.Error()), "already known")
}

func (t *TxManager) logResult(tx *types.Transaction, res *broadcastResult) {
	if res.accepted() {
		log.Debugw("TxManager: endpoint accepted tx", "endpoint", res.endpoint,
			"tx", tx.Hash().Hex())
		return
	}
	metric.BroadcastErrors.WithLabelValues(res.endpoint).Inc()
	log.Warnw("TxManager: endpoint rejected tx", "endpoint", res.endpoint,
		"tx", tx.Hash().Hex(), "err", res.err)
}

// broadcast sends the signed tx to every endpoint concurrently and returns
// once one of them accepts it.  The answers of the remaining endpoints are
// logged in the background.
func (t *TxManager) broadcast(ctx context.Context, batchInfo *BatchInfo) error {
	tx := batchInfo.EthTx
	bctx, cancel := context.WithTimeout(ctx, t.cfg.BroadcastTimeout)
	results := make(chan broadcastResult, len(t.broadcasters))
	for _, b := range t.broadcasters {
		go func(b Broadcaster) {
			err := b.SendTransaction(bctx, tx)
			results <- broadcastResult{endpoint: b.Endpoint(), err: err}
		}(b)
	}

	var merr *multierror.Error
	for i := range t.broadcasters {
		res := <-results
		t.logResult(tx, &res)
		if !res.accepted() {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", res.endpoint, res.err))
			continue
		}
		batchInfo.AcceptedBy = res.endpoint
		remaining := len(t.broadcasters) - i - 1
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer cancel()
			for j := 0; j < remaining; j++ {
				res := <-results
				t.logResult(tx, &res)
			}
		}()
		return nil
	}
	cancel()
	return common.Wrap(fmt.Errorf("%w: tx %s: %v", ErrNoEndpointAccepted, tx.Hash().Hex(),
		merr.ErrorOrNil()))
}

// WaitBroadcasts waits for the answers of every endpoint of the previous
// broadcasts
func (t *TxManager) WaitBroadcasts() {
	t.wg.Wait()
}

func isNotFound(err error) bool {
	return common.Unwrap(err) == ethereum.NotFound || errors.Is(err, ethereum.NotFound)
}

// waitReceipt polls the receipt of the commit tx until it's found or TxTimeout
// expires
func (t *TxManager) waitReceipt(ctx context.Context, batchInfo *BatchInfo) (*types.Receipt, error) {
	tx := batchInfo.EthTx
	timeout := time.NewTimer(t.cfg.TxTimeout)
	defer timeout.Stop()
	for {
		receipt, err := t.receipt(ctx, tx)
		if err != nil {
			return nil, common.Wrap(err)
		}
		if receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, common.Wrap(common.ErrDone)
		case <-timeout.C:
			return nil, t.handleTimeout(ctx, tx)
		case <-time.After(t.cfg.TxCheckInterval):
		}
	}
}

// receipt returns nil when the tx has not been mined yet.  Errors other than
// not found are only logged, the node may be temporarily unavailable.
func (t *TxManager) receipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RPCTimeout)
	defer cancel()
	receipt, err := t.ethClient.EthTransactionReceipt(ctx, tx.Hash())
	if err != nil {
		if !isNotFound(err) {
			log.Warnw("TxManager: EthTransactionReceipt", "tx", tx.Hash().Hex(), "err", err)
		}
		return nil, nil
	}
	return receipt, nil
}

// handleTimeout decides what happened to a tx that was not mined in time.
// If the nonce is still free the tx was dropped and its nonce can be used
// again.
func (t *TxManager) handleTimeout(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RPCTimeout)
	defer cancel()
	accNonce, err := t.ethClient.EthNonceAt(ctx, t.account.Address, nil)
	if err != nil {
		return common.Wrap(fmt.Errorf("EthNonceAt: %w", err))
	}
	t.accNonce = accNonce
	if accNonce > tx.Nonce() {
		log.Warnw("TxManager: nonce used but no receipt", "tx", tx.Hash().Hex(),
			"nonce", tx.Nonce(), "accNonce", accNonce)
		return common.Wrap(fmt.Errorf("%w: tx %s", ErrTxUnconfirmed, tx.Hash().Hex()))
	}
	pendingNonce, err := t.ethClient.EthPendingNonceAt(ctx, t.account.Address)
	if err != nil {
		return common.Wrap(fmt.Errorf("EthPendingNonceAt: %w", err))
	}
	if pendingNonce > tx.Nonce() {
		// Still in the mempool of the node.  The next Prepare will skip
		// its nonce.
		log.Warnw("TxManager: commit tx still pending", "tx", tx.Hash().Hex(),
			"nonce", tx.Nonce())
		return common.Wrap(fmt.Errorf("%w: tx %s", ErrTxUnconfirmed, tx.Hash().Hex()))
	}
	log.Warnw("TxManager: commit tx dropped", "tx", tx.Hash().Hex(), "nonce", tx.Nonce())
	t.accNextNonce = tx.Nonce()
	return common.Wrap(fmt.Errorf("%w: tx %s", ErrTxDropped, tx.Hash().Hex()))
}
