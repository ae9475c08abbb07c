package test

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/eth"
	"github.com/superphiz/tornado-root-updater/eth/contracts/registry"
	"github.com/superphiz/tornado-root-updater/log"
	"github.com/superphiz/tornado-root-updater/treebuilder"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/mitchellh/copystructure"
)

func init() {
	log.Init("debug", []string{"stdout"})
}

// RegistryState is the state of the registry smart contract
type RegistryState struct {
	Roots map[common.EventType]ethCommon.Hash
	// Leaves are the digests of the committed leaves.  Commits with proof
	// only move the root.
	Leaves     map[common.EventType][]ethCommon.Hash
	Registered map[common.EventType][]ethCommon.Hash
}

// EthereumBlock stores all the generic data related to the an ethereum block
type EthereumBlock struct {
	BlockNum   int64
	Time       int64
	Hash       ethCommon.Hash
	ParentHash ethCommon.Hash
}

// Block represents a ethereum block with the events of the registry and the
// instances
type Block struct {
	Eth            *EthereumBlock
	InstanceEvents map[common.EventType][]common.RawEvent
	RegistryEvents map[common.EventType][]common.LeafRecord
	Txs            []*types.Transaction
	Receipts       map[ethCommon.Hash]*types.Receipt
	// Registry is the state of the registry at the end of the block
	Registry *RegistryState
}

func newBlock(eth *EthereumBlock) *Block {
	return &Block{
		Eth:            eth,
		InstanceEvents: make(map[common.EventType][]common.RawEvent),
		RegistryEvents: make(map[common.EventType][]common.LeafRecord),
		Receipts:       make(map[ethCommon.Hash]*types.Receipt),
	}
}

// Next prepares the successive block.
func (b *Block) Next() *Block {
	return newBlock(&EthereumBlock{
		BlockNum:   b.Eth.BlockNum + 1,
		ParentHash: b.Eth.Hash,
	})
}

// ClientSetup is used to initialize the details of the test Client
type ClientSetup struct {
	Levels   int
	ChainID  *big.Int
	GasPrice *big.Int
	Registry ethCommon.Address
	// KeyStore and Account sign the transactions
	KeyStore *ethKeystore.KeyStore
	Account  *accounts.Account
	// AutoMine mines a block with every accepted transaction
	AutoMine bool
}

// NewClientSetupExample returns a ClientSetup example with hardcoded realistic
// values
//
//nolint:gomnd
func NewClientSetupExample() *ClientSetup {
	return &ClientSetup{
		Levels:   20,
		ChainID:  big.NewInt(1337),
		GasPrice: big.NewInt(1_000_000_000),
		Registry: ethCommon.HexToAddress("0x527653eA119F2E7Fd5E33E1d5D6A9ab8b4eDf8C8"),
		AutoMine: true,
	}
}

// NewKeyStore creates a keystore in a temporary directory with one unlocked
// account.  The returned function removes the directory.
func NewKeyStore() (*ethKeystore.KeyStore, *accounts.Account, func(), error) {
	dir, err := os.MkdirTemp("", "tmpkeystore")
	if err != nil {
		return nil, nil, nil, common.Wrap(err)
	}
	ks := ethKeystore.NewKeyStore(dir, ethKeystore.LightScryptN, ethKeystore.LightScryptP)
	key, err := ethCrypto.GenerateKey()
	if err != nil {
		return nil, nil, nil, common.Wrap(err)
	}
	account, err := ks.ImportECDSA(key, "pass")
	if err != nil {
		return nil, nil, nil, common.Wrap(err)
	}
	if err := ks.Unlock(account, "pass"); err != nil {
		return nil, nil, nil, common.Wrap(err)
	}
	return ks, &account, func() { _ = os.RemoveAll(dir) }, nil
}

// Timer is an interface to simulate a source of time, useful to advance time
// virtually.
type Timer interface {
	Time() int64
}

// TimerTest is a test timer that advances 15 seconds at every call
type TimerTest struct {
	time int64
}

// NewTimerTest creates a TimerTest
func NewTimerTest() *TimerTest {
	return &TimerTest{time: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC).Unix()}
}

// Time returns the next time
func (t *TimerTest) Time() int64 {
	t.time += 15 //nolint:gomnd
	return t.time
}

// txCall is the registry call carried by a transaction
type txCall struct {
	eventType common.EventType
	batch     *common.CommitBatch
	proof     []byte
	newRoot   ethCommon.Hash
}

// Client implements the eth.ClientInterface interface, allowing to manipulate the
// values for testing, working with deterministic results.
type Client struct {
	rw          *sync.RWMutex
	log         bool
	setup       ClientSetup
	registryAbi abi.ABI
	blocks      map[int64]*Block
	blockNum    int64 // last mined block num
	timer       Timer
	hasher      hasher

	state RegistryState
	// nonces in the last mined block
	nonces map[ethCommon.Address]uint64
	calls  map[ethCommon.Hash]*txCall
	// upstream indexes of the deposits per instance
	depositIndex map[ethCommon.Address]uint64
	logIndex     uint

	sendErr     error
	instanceErr error
	registryErr error
}

// NewClient returns a new test Client that implements the eth.ClientInterface
// interface, with block 0 mined.
func NewClient(l bool, timer Timer, setup *ClientSetup) *Client {
	registryAbi, err := abi.JSON(strings.NewReader(registry.RegistryABI))
	if err != nil {
		panic(err)
	}
	c := &Client{
		rw:          &sync.RWMutex{},
		log:         l,
		setup:       *setup,
		registryAbi: registryAbi,
		blocks:      make(map[int64]*Block),
		timer:       timer,
		state: RegistryState{
			Roots:      make(map[common.EventType]ethCommon.Hash),
			Leaves:     make(map[common.EventType][]ethCommon.Hash),
			Registered: make(map[common.EventType][]ethCommon.Hash),
		},
		nonces:       make(map[ethCommon.Address]uint64),
		calls:        make(map[ethCommon.Hash]*txCall),
		depositIndex: make(map[ethCommon.Address]uint64),
	}
	genesis := newBlock(&EthereumBlock{
		BlockNum: 0,
		Time:     timer.Time(),
		Hash:     c.hasher.Next(),
	})
	genesis.Registry = c.copyState()
	c.blocks[0] = genesis
	c.blocks[1] = genesis.Next()
	return c
}

//
// Mock Control
//

// Debugw calls log.Debugw if c.log is true
func (c *Client) Debugw(template string, kv ...interface{}) {
	if c.log {
		log.Debugw(template, kv...)
	}
}

type hasher struct {
	counter uint64
}

// Next returns the next hash
func (h *hasher) Next() ethCommon.Hash {
	var hash ethCommon.Hash
	binary.LittleEndian.PutUint64(hash[:], h.counter)
	h.counter++
	return hash
}

func (c *Client) nextBlock() *Block {
	return c.blocks[c.blockNum+1]
}

func (c *Client) copyState() *RegistryState {
	stateCopy, err := copystructure.Copy(c.state)
	if err != nil {
		panic(err)
	}
	state := stateCopy.(RegistryState)
	return &state
}

// CtlRegistryState returns a copy of the current state of the registry
func (c *Client) CtlRegistryState() *RegistryState {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.copyState()
}

// CtlMineBlock moves one block forward, applying the pending transactions
func (c *Client) CtlMineBlock() {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.mineBlock()
}

// CtlMineBlocks mines n blocks
func (c *Client) CtlMineBlocks(n int) {
	for i := 0; i < n; i++ {
		c.CtlMineBlock()
	}
}

func (c *Client) mineBlock() {
	block := c.nextBlock()
	block.Eth.Time = c.timer.Time()
	block.Eth.Hash = c.hasher.Next()
	for _, tx := range block.Txs {
		from, err := types.Sender(types.LatestSignerForChainID(c.setup.ChainID), tx)
		if err != nil {
			panic(err)
		}
		c.nonces[from] = tx.Nonce() + 1
		status := types.ReceiptStatusSuccessful
		if err := c.applyCall(block, c.calls[tx.Hash()]); err != nil {
			c.Debugw("TestClient tx reverted", "tx", tx.Hash().Hex(), "err", err)
			status = types.ReceiptStatusFailed
		}
		block.Receipts[tx.Hash()] = &types.Receipt{
			TxHash:      tx.Hash(),
			Status:      status,
			BlockHash:   block.Eth.Hash,
			BlockNumber: big.NewInt(block.Eth.BlockNum),
			GasUsed:     tx.Gas() / 2, //nolint:gomnd
		}
	}
	block.Registry = c.copyState()
	c.blockNum++
	c.blocks[c.blockNum+1] = block.Next()
	c.Debugw("TestClient mined block", "blockNum", c.blockNum, "txs", len(block.Txs))
}

// applyCall executes a registry call.  Like the contract, it rejects a root
// update whose old root is not the current one.
func (c *Client) applyCall(block *Block, call *txCall) error {
	if call == nil {
		return fmt.Errorf("unknown call")
	}
	if call.batch == nil {
		if len(call.proof) == 0 {
			return fmt.Errorf("invalid proof")
		}
		c.state.Roots[call.eventType] = call.newRoot
		return nil
	}
	batch := call.batch
	if c.state.Roots[batch.EventType] != batch.OldRoot {
		return fmt.Errorf("incorrect root")
	}
	leaves := c.state.Leaves[batch.EventType]
	digests := append(append([]ethCommon.Hash{}, leaves...), batch.Digests()...)
	for i, leaf := range batch.Leaves {
		if leaf.Index != int64(len(leaves)+i) {
			return fmt.Errorf("incorrect index %d", leaf.Index)
		}
		digest, err := common.HashLeaf(leaf.Instance, leaf.ValueHash, leaf.BlockNum)
		if err != nil || digest != leaf.Digest {
			return fmt.Errorf("incorrect leaf %d", leaf.Index)
		}
	}
	acc, err := treebuilder.NewAccumulator(c.setup.Levels, digests)
	if err != nil {
		return err
	}
	if acc.Root() != batch.NewRoot {
		return fmt.Errorf("incorrect new root")
	}
	c.state.Roots[batch.EventType] = batch.NewRoot
	c.state.Leaves[batch.EventType] = digests
	done := make(map[ethCommon.Hash]bool, len(batch.Leaves))
	for _, leaf := range batch.Leaves {
		done[common.RegisteredID(leaf.Instance, leaf.ValueHash, leaf.BlockNum)] = true
		block.RegistryEvents[batch.EventType] = append(block.RegistryEvents[batch.EventType],
			common.LeafRecord{
				Instance:  leaf.Instance,
				ValueHash: leaf.ValueHash,
				BlockNum:  leaf.BlockNum,
				Index:     leaf.Index,
			})
	}
	registered := c.state.Registered[batch.EventType][:0]
	for _, id := range c.state.Registered[batch.EventType] {
		if !done[id] {
			registered = append(registered, id)
		}
	}
	c.state.Registered[batch.EventType] = registered
	return nil
}

// CtlAddEvent adds an event of eventType emitted by instance in the next
// block, and returns it
func (c *Client) CtlAddEvent(eventType common.EventType, instance ethCommon.Address,
	value ethCommon.Hash) common.RawEvent {
	c.rw.Lock()
	defer c.rw.Unlock()
	return c.addEvent(eventType, instance, value)
}

func (c *Client) addEvent(eventType common.EventType, instance ethCommon.Address,
	value ethCommon.Hash) common.RawEvent {
	block := c.nextBlock()
	ev := common.RawEvent{
		Instance: instance,
		Value:    value,
		BlockNum: block.Eth.BlockNum,
		LogIndex: c.logIndex,
		TxHash:   c.hasher.Next(),
	}
	c.logIndex++
	if eventType == common.EventDeposit {
		ev.UpstreamIndex = c.depositIndex[instance]
		c.depositIndex[instance]++
	}
	block.InstanceEvents[eventType] = append(block.InstanceEvents[eventType], ev)
	return ev
}

// CtlAddRegisteredEvent adds an event like CtlAddEvent, and registers it in
// the registry as waiting to be inserted in the tree
func (c *Client) CtlAddRegisteredEvent(eventType common.EventType, instance ethCommon.Address,
	value ethCommon.Hash) common.RawEvent {
	c.rw.Lock()
	defer c.rw.Unlock()
	ev := c.addEvent(eventType, instance, value)
	c.state.Registered[eventType] = append(c.state.Registered[eventType],
		common.RegisteredID(ev.Instance, ev.Value, ev.BlockNum))
	return ev
}

// CtlRegister registers an identifier in the registry without emitting any
// upstream event
func (c *Client) CtlRegister(eventType common.EventType, id ethCommon.Hash) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.state.Registered[eventType] = append(c.state.Registered[eventType], id)
}

// CtlSetRoot changes the root of the registry out of band
func (c *Client) CtlSetRoot(eventType common.EventType, root ethCommon.Hash) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.state.Roots[eventType] = root
}

// CtlSetSendErr makes SendTransaction fail with err.  nil restores it.
func (c *Client) CtlSetSendErr(err error) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.sendErr = err
}

// CtlSetInstanceErr makes InstanceEvents fail with err.  nil restores it.
func (c *Client) CtlSetInstanceErr(err error) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.instanceErr = err
}

// CtlSetRegistryErr makes the registry reads fail with err.  nil restores it.
func (c *Client) CtlSetRegistryErr(err error) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.registryErr = err
}

// CtlSetAutoMine enables or disables mining a block at every transaction
func (c *Client) CtlSetAutoMine(autoMine bool) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.setup.AutoMine = autoMine
}

// CtlDropPending discards the transactions not mined yet
func (c *Client) CtlDropPending() {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.nextBlock().Txs = nil
}

// CtlPendingTxs returns the number of transactions not mined yet
func (c *Client) CtlPendingTxs() int {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return len(c.nextBlock().Txs)
}

//
// Ethereum
//

// CtlLastBlock returns the last blockNum without checks
func (c *Client) CtlLastBlock() *common.Block {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.commonBlock(c.blockNum)
}

func (c *Client) commonBlock(blockNum int64) *common.Block {
	block := c.blocks[blockNum]
	return &common.Block{
		Num:        blockNum,
		Timestamp:  time.Unix(block.Eth.Time, 0),
		Hash:       block.Eth.Hash,
		ParentHash: block.Eth.ParentHash,
	}
}

// EthLastBlock returns the last blockNum
func (c *Client) EthLastBlock() (int64, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.blockNum, nil
}

// EthBlockByNumber returns the *common.Block for the given block number in a
// deterministic way.  If number == -1, the latests known block is returned.
func (c *Client) EthBlockByNumber(ctx context.Context, blockNum int64) (*common.Block, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	if blockNum > c.blockNum {
		return nil, ethereum.NotFound
	}
	if blockNum == -1 {
		blockNum = c.blockNum
	}
	return c.commonBlock(blockNum), nil
}

// EthAddress returns the ethereum address of the account loaded into the Client
func (c *Client) EthAddress() (*ethCommon.Address, error) {
	if c.setup.Account == nil {
		return nil, common.Wrap(eth.ErrAccountNil)
	}
	return &c.setup.Account.Address, nil
}

// EthTransactionReceipt returns the transaction receipt of the given txHash
func (c *Client) EthTransactionReceipt(ctx context.Context,
	txHash ethCommon.Hash) (*types.Receipt, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	for i := int64(0); i <= c.blockNum; i++ {
		if receipt, ok := c.blocks[i].Receipts[txHash]; ok {
			return receipt, nil
		}
	}
	return nil, ethereum.NotFound
}

// EthChainID returns the ChainID of the ethereum network
func (c *Client) EthChainID() (*big.Int, error) {
	return c.setup.ChainID, nil
}

// EthPendingNonceAt returns the account nonce of the given account in the pending
// state. This is the nonce that should be used for the next transaction.
func (c *Client) EthPendingNonceAt(ctx context.Context, account ethCommon.Address) (uint64, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.pendingNonce(account), nil
}

func (c *Client) pendingNonce(account ethCommon.Address) uint64 {
	nonce := c.nonces[account]
	signer := types.LatestSignerForChainID(c.setup.ChainID)
	for _, tx := range c.nextBlock().Txs {
		if from, err := types.Sender(signer, tx); err == nil && from == account &&
			tx.Nonce() >= nonce {
			nonce = tx.Nonce() + 1
		}
	}
	return nonce
}

// EthNonceAt returns the account nonce of the given account in the last
// mined block
func (c *Client) EthNonceAt(ctx context.Context, account ethCommon.Address,
	blockNumber *big.Int) (uint64, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.nonces[account], nil
}

// EthSuggestGasPrice retrieves the currently suggested gas price to allow a
// timely execution of a transaction.
func (c *Client) EthSuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if c.setup.GasPrice == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(c.setup.GasPrice), nil
}

// EthKeyStore returns the keystore in the Client
func (c *Client) EthKeyStore() *ethKeystore.KeyStore {
	return c.setup.KeyStore
}

// EthCall runs the transaction as a call (without paying) in the local node at
// blockNum.
func (c *Client) EthCall(ctx context.Context, tx *types.Transaction,
	blockNum *big.Int) ([]byte, error) {
	return nil, nil
}

//
// Broadcast
//

// Endpoint returns the name of the test node
func (c *Client) Endpoint() string {
	return "test"
}

// SendTransaction adds a signed transaction to the next block
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.rw.Lock()
	defer c.rw.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if _, ok := c.calls[tx.Hash()]; !ok {
		return fmt.Errorf("unknown transaction")
	}
	for i := int64(0); i <= c.blockNum+1; i++ {
		for _, known := range c.blocks[i].Txs {
			if known.Hash() == tx.Hash() {
				return fmt.Errorf("already known")
			}
		}
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.setup.ChainID), tx)
	if err != nil {
		return common.Wrap(err)
	}
	if tx.Nonce() < c.nonces[from] {
		return fmt.Errorf("nonce too low")
	}
	if tx.Nonce() > c.pendingNonce(from) {
		return fmt.Errorf("nonce too high")
	}
	next := c.nextBlock()
	next.Txs = append(next.Txs, tx)
	sort.SliceStable(next.Txs, func(i, j int) bool { return next.Txs[i].Nonce() < next.Txs[j].Nonce() })
	if c.setup.AutoMine {
		c.mineBlock()
	}
	return nil
}

//
// Instances
//

// InstanceEvents returns the events of eventType emitted by the instance in
// the closed block range, sorted in upstream order
func (c *Client) InstanceEvents(ctx context.Context, eventType common.EventType,
	instance ethCommon.Address, fromBlock, toBlock int64) ([]common.RawEvent, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	if c.instanceErr != nil {
		return nil, c.instanceErr
	}
	var events []common.RawEvent
	for i := fromBlock; i <= toBlock && i <= c.blockNum; i++ {
		for _, ev := range c.blocks[i].InstanceEvents[eventType] {
			if ev.Instance == instance {
				events = append(events, ev)
			}
		}
	}
	common.SortRawEvents(events)
	return events, nil
}

//
// Registry
//

// RegistryAddress returns the address of the registry
func (c *Client) RegistryAddress() ethCommon.Address {
	return c.setup.Registry
}

// RegistryRoot returns the current root of the tree of eventType
func (c *Client) RegistryRoot(ctx context.Context, eventType common.EventType) (ethCommon.Hash, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	if c.registryErr != nil {
		return ethCommon.Hash{}, c.registryErr
	}
	return c.state.Roots[eventType], nil
}

// RegistryTreeLevels returns the depth of the trees
func (c *Client) RegistryTreeLevels(ctx context.Context) (int, error) {
	return c.setup.Levels, nil
}

// RegistryLeafEvents returns the leaves committed in the closed block range
func (c *Client) RegistryLeafEvents(ctx context.Context, eventType common.EventType,
	fromBlock, toBlock int64) ([]common.LeafRecord, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	if c.registryErr != nil {
		return nil, c.registryErr
	}
	var leaves []common.LeafRecord
	for i := fromBlock; i <= toBlock && i <= c.blockNum; i++ {
		if i < 0 {
			continue
		}
		leaves = append(leaves, c.blocks[i].RegistryEvents[eventType]...)
	}
	return leaves, nil
}

// RegistryRegisteredLeaves returns the identifiers registered and not yet
// inserted in the tree
func (c *Client) RegistryRegisteredLeaves(ctx context.Context,
	eventType common.EventType) ([]ethCommon.Hash, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	if c.registryErr != nil {
		return nil, c.registryErr
	}
	return append([]ethCommon.Hash{}, c.state.Registered[eventType]...), nil
}

func (c *Client) newTransaction(auth *bind.TransactOpts, data []byte,
	call *txCall) (*types.Transaction, error) {
	if auth.Nonce == nil {
		return nil, common.Wrap(fmt.Errorf("nonce not set"))
	}
	gasPrice := auth.GasPrice
	if gasPrice == nil {
		gasPrice = big.NewInt(0)
	}
	to := c.setup.Registry
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    auth.Nonce.Uint64(),
		GasPrice: gasPrice,
		Gas:      auth.GasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := auth.Signer(auth.From, tx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	c.rw.Lock()
	c.calls[signed.Hash()] = call
	c.rw.Unlock()
	if !auth.NoSend {
		ctx := auth.Context
		if ctx == nil {
			ctx = context.Background()
		}
		if err := c.SendTransaction(ctx, signed); err != nil {
			return nil, common.Wrap(err)
		}
	}
	return signed, nil
}

// RegistryUpdateRoot builds the transaction that appends the leaves of batch
// to the tree
func (c *Client) RegistryUpdateRoot(auth *bind.TransactOpts,
	batch *common.CommitBatch) (*types.Transaction, error) {
	method := "updateDepositRoot"
	if batch.EventType == common.EventWithdrawal {
		method = "updateWithdrawalRoot"
	}
	leaves := make([]registry.TreeLeaf, len(batch.Leaves))
	for i, leaf := range batch.Leaves {
		leaves[i] = registry.TreeLeaf{
			Instance: leaf.Instance,
			Hash:     leaf.ValueHash,
			Block:    big.NewInt(leaf.BlockNum),
			Index:    big.NewInt(leaf.Index),
		}
	}
	data, err := c.registryAbi.Pack(method, batch.OldRoot, batch.NewRoot, leaves)
	if err != nil {
		return nil, common.Wrap(err)
	}
	batchCopy := *batch
	batchCopy.Leaves = append([]common.LeafRecord{}, batch.Leaves...)
	return c.newTransaction(auth, data, &txCall{eventType: batch.EventType, batch: &batchCopy})
}

// RegistryUpdateRootWithProof builds the transaction that moves the tree of
// eventType to newRoot with a proof
func (c *Client) RegistryUpdateRootWithProof(auth *bind.TransactOpts, eventType common.EventType,
	proof []byte, newRoot ethCommon.Hash) (*types.Transaction, error) {
	method := "updateDepositRootWithProof"
	if eventType == common.EventWithdrawal {
		method = "updateWithdrawalRootWithProof"
	}
	data, err := c.registryAbi.Pack(method, proof, newRoot)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return c.newTransaction(auth, data, &txCall{eventType: eventType, proof: proof,
		newRoot: newRoot})
}

var _ eth.ClientInterface = (*Client)(nil)

// CtlCommit signs the root update of batch with the account of the setup and
// sends it with the next pending nonce
func (c *Client) CtlCommit(batch *common.CommitBatch) (*types.Transaction, error) {
	if c.setup.KeyStore == nil || c.setup.Account == nil {
		return nil, common.Wrap(eth.ErrAccountNil)
	}
	auth, err := bind.NewKeyStoreTransactorWithChainID(c.setup.KeyStore, *c.setup.Account,
		c.setup.ChainID)
	if err != nil {
		return nil, common.Wrap(err)
	}
	nonce, err := c.EthPendingNonceAt(context.Background(), c.setup.Account.Address)
	if err != nil {
		return nil, common.Wrap(err)
	}
	auth.Nonce = new(big.Int).SetUint64(nonce)
	auth.GasLimit = 4_000_000 //nolint:gomnd
	return c.RegistryUpdateRoot(auth, batch)
}
