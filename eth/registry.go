package eth

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/eth/contracts/registry"
	"github.com/superphiz/tornado-root-updater/log"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	logRegistryDepositData = crypto.Keccak256Hash([]byte(
		"DepositData(address,bytes32,uint256,uint256)"))
	logRegistryWithdrawalData = crypto.Keccak256Hash([]byte(
		"WithdrawalData(address,bytes32,uint256,uint256)"))
)

// registryEventLeafData is the DepositData and WithdrawalData event of the
// registry
type registryEventLeafData struct {
	Instance ethCommon.Address
	Hash     [32]byte
	Block    *big.Int
	Index    *big.Int
}

// RegistryConfig is the configuration for the registry smart contract interface
type RegistryConfig struct {
	Address ethCommon.Address
}

// RegistryInterface is the interface to the registry smart contract
type RegistryInterface interface {
	RegistryAddress() ethCommon.Address
	RegistryRoot(ctx context.Context, eventType common.EventType) (ethCommon.Hash, error)
	RegistryTreeLevels(ctx context.Context) (int, error)
	RegistryLeafEvents(ctx context.Context, eventType common.EventType,
		fromBlock, toBlock int64) ([]common.LeafRecord, error)
	RegistryRegisteredLeaves(ctx context.Context,
		eventType common.EventType) ([]ethCommon.Hash, error)
	RegistryUpdateRoot(auth *bind.TransactOpts, batch *common.CommitBatch) (*types.Transaction, error)
	RegistryUpdateRootWithProof(auth *bind.TransactOpts, eventType common.EventType,
		proof []byte, newRoot ethCommon.Hash) (*types.Transaction, error)
}

// RegistryClient is the implementation of the interface to the registry
// smart contract in ethereum.
type RegistryClient struct {
	client      *EthereumClient
	address     ethCommon.Address
	registry    *registry.Registry
	contractAbi abi.ABI
}

// NewRegistryClient creates a new RegistryClient
func NewRegistryClient(client *EthereumClient, address ethCommon.Address) (*RegistryClient, error) {
	contractAbi, err := abi.JSON(strings.NewReader(registry.RegistryABI))
	if err != nil {
		return nil, common.Wrap(err)
	}
	reg, err := registry.NewRegistry(address, client.Client())
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &RegistryClient{
		client:      client,
		address:     address,
		registry:    reg,
		contractAbi: contractAbi,
	}, nil
}

func (c *RegistryClient) callOpts(ctx context.Context) *bind.CallOpts {
	opts := newCallOpts()
	opts.Context = ctx
	return opts
}

// RegistryAddress returns the address of the registry
func (c *RegistryClient) RegistryAddress() ethCommon.Address {
	return c.address
}

// RegistryRoot returns the current root of the tree of eventType
func (c *RegistryClient) RegistryRoot(ctx context.Context,
	eventType common.EventType) (root ethCommon.Hash, err error) {
	if err := c.client.Call(func(ec *ethclient.Client) error {
		var r [32]byte
		switch eventType {
		case common.EventDeposit:
			r, err = c.registry.DepositRoot(c.callOpts(ctx))
		case common.EventWithdrawal:
			r, err = c.registry.WithdrawalRoot(c.callOpts(ctx))
		default:
			return fmt.Errorf("%w: %q", common.ErrUnknownEventType, eventType)
		}
		root = r
		return common.Wrap(err)
	}); err != nil {
		return ethCommon.Hash{}, common.Wrap(err)
	}
	return root, nil
}

// RegistryTreeLevels returns the depth of the trees assumed by the registry
func (c *RegistryClient) RegistryTreeLevels(ctx context.Context) (levels int, err error) {
	if err := c.client.Call(func(ec *ethclient.Client) error {
		l, err := c.registry.Levels(c.callOpts(ctx))
		if err != nil {
			return common.Wrap(err)
		}
		if !l.IsInt64() {
			return fmt.Errorf("levels out of range: %s", l)
		}
		levels = int(l.Int64())
		return nil
	}); err != nil {
		return 0, common.Wrap(err)
	}
	return levels, nil
}

// RegistryRegisteredLeaves returns the identifiers of the events that the
// registry expects to be inserted in the tree of eventType, in registration
// order.  See common.RegisteredID.
func (c *RegistryClient) RegistryRegisteredLeaves(ctx context.Context,
	eventType common.EventType) (ids []ethCommon.Hash, err error) {
	if err := c.client.Call(func(ec *ethclient.Client) error {
		var raw [][32]byte
		switch eventType {
		case common.EventDeposit:
			raw, err = c.registry.GetRegisteredDeposits(c.callOpts(ctx))
		case common.EventWithdrawal:
			raw, err = c.registry.GetRegisteredWithdrawals(c.callOpts(ctx))
		default:
			return fmt.Errorf("%w: %q", common.ErrUnknownEventType, eventType)
		}
		if err != nil {
			return common.Wrap(err)
		}
		ids = make([]ethCommon.Hash, 0, len(raw))
		for _, id := range raw {
			// processed entries are zeroed by the registry
			if id == [32]byte{} {
				continue
			}
			ids = append(ids, id)
		}
		return nil
	}); err != nil {
		return nil, common.Wrap(err)
	}
	return ids, nil
}

// RegistryLeafEvents returns the leaves committed to the tree of eventType in
// the closed block range, sorted by tree index.  The returned records have no
// Digest.
func (c *RegistryClient) RegistryLeafEvents(ctx context.Context, eventType common.EventType,
	fromBlock, toBlock int64) ([]common.LeafRecord, error) {
	var topic ethCommon.Hash
	var name string
	switch eventType {
	case common.EventDeposit:
		topic, name = logRegistryDepositData, "DepositData"
	case common.EventWithdrawal:
		topic, name = logRegistryWithdrawalData, "WithdrawalData"
	default:
		return nil, common.Wrap(fmt.Errorf("%w: %q", common.ErrUnknownEventType, eventType))
	}
	query := ethereum.FilterQuery{
		Addresses: []ethCommon.Address{c.address},
		FromBlock: big.NewInt(fromBlock),
		ToBlock:   big.NewInt(toBlock),
		Topics:    [][]ethCommon.Hash{{topic}},
	}
	logs, err := c.client.filterLogs(ctx, query)
	if err != nil {
		return nil, common.Wrap(err)
	}
	leaves := make([]common.LeafRecord, 0, len(logs))
	for _, vLog := range logs {
		if vLog.Removed {
			continue
		}
		var data registryEventLeafData
		if err := c.contractAbi.UnpackIntoInterface(&data, name, vLog.Data); err != nil {
			log.Errorw("registry leaf event", "event", name, "tx", vLog.TxHash.Hex(), "err", err)
			return nil, common.Wrap(err)
		}
		leaves = append(leaves, common.LeafRecord{
			Instance:  data.Instance,
			ValueHash: data.Hash,
			BlockNum:  data.Block.Int64(),
			Index:     data.Index.Int64(),
		})
	}
	return leaves, nil
}

func treeLeaves(batch *common.CommitBatch) []registry.TreeLeaf {
	leaves := make([]registry.TreeLeaf, len(batch.Leaves))
	for i, leaf := range batch.Leaves {
		leaves[i] = registry.TreeLeaf{
			Instance: leaf.Instance,
			Hash:     leaf.ValueHash,
			Block:    big.NewInt(leaf.BlockNum),
			Index:    big.NewInt(leaf.Index),
		}
	}
	return leaves
}

// RegistryUpdateRoot builds the transaction that appends the leaves of batch
// to the tree, letting the registry check the root transition.  With
// auth.NoSend the transaction is only signed.
func (c *RegistryClient) RegistryUpdateRoot(auth *bind.TransactOpts,
	batch *common.CommitBatch) (*types.Transaction, error) {
	var tx *types.Transaction
	var err error
	switch batch.EventType {
	case common.EventDeposit:
		tx, err = c.registry.UpdateDepositRoot(auth, batch.OldRoot, batch.NewRoot, treeLeaves(batch))
	case common.EventWithdrawal:
		tx, err = c.registry.UpdateWithdrawalRoot(auth, batch.OldRoot, batch.NewRoot, treeLeaves(batch))
	default:
		return nil, common.Wrap(fmt.Errorf("%w: %q", common.ErrUnknownEventType, batch.EventType))
	}
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("failed update %s root: %w", batch.EventType, err))
	}
	return tx, nil
}

// RegistryUpdateRootWithProof builds the transaction that moves the tree of
// eventType to newRoot, carrying a proof of the transition instead of the
// leaves
func (c *RegistryClient) RegistryUpdateRootWithProof(auth *bind.TransactOpts,
	eventType common.EventType, proof []byte, newRoot ethCommon.Hash) (*types.Transaction, error) {
	var tx *types.Transaction
	var err error
	switch eventType {
	case common.EventDeposit:
		tx, err = c.registry.UpdateDepositRootWithProof(auth, proof, newRoot)
	case common.EventWithdrawal:
		tx, err = c.registry.UpdateWithdrawalRootWithProof(auth, proof, newRoot)
	default:
		return nil, common.Wrap(fmt.Errorf("%w: %q", common.ErrUnknownEventType, eventType))
	}
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("failed update %s root with proof: %w", eventType, err))
	}
	return tx, nil
}
