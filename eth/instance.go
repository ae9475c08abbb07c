package eth

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/eth/contracts/instance"
	"github.com/superphiz/tornado-root-updater/log"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	logInstanceDeposit = crypto.Keccak256Hash([]byte(
		"Deposit(bytes32,uint32,uint256)"))
	logInstanceWithdrawal = crypto.Keccak256Hash([]byte(
		"Withdrawal(address,bytes32,address,uint256)"))
)

type instanceEventDeposit struct {
	LeafIndex uint32
	Timestamp *big.Int
}

type instanceEventWithdrawal struct {
	To            ethCommon.Address
	NullifierHash [32]byte
	Fee           *big.Int
}

// InstanceInterface is the interface to the pool instances
type InstanceInterface interface {
	InstanceEvents(ctx context.Context, eventType common.EventType,
		instance ethCommon.Address, fromBlock, toBlock int64) ([]common.RawEvent, error)
}

// InstanceClient reads the events of the pool instances
type InstanceClient struct {
	client      *EthereumClient
	contractAbi abi.ABI
}

// NewInstanceClient creates a new InstanceClient
func NewInstanceClient(client *EthereumClient) (*InstanceClient, error) {
	contractAbi, err := abi.JSON(strings.NewReader(instance.InstanceABI))
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &InstanceClient{
		client:      client,
		contractAbi: contractAbi,
	}, nil
}

// InstanceEvents returns the events of eventType emitted by the instance in
// the closed block range, sorted in upstream order
func (c *InstanceClient) InstanceEvents(ctx context.Context, eventType common.EventType,
	instance ethCommon.Address, fromBlock, toBlock int64) ([]common.RawEvent, error) {
	var topic ethCommon.Hash
	switch eventType {
	case common.EventDeposit:
		topic = logInstanceDeposit
	case common.EventWithdrawal:
		topic = logInstanceWithdrawal
	default:
		return nil, common.Wrap(fmt.Errorf("%w: %q", common.ErrUnknownEventType, eventType))
	}
	query := ethereum.FilterQuery{
		Addresses: []ethCommon.Address{instance},
		FromBlock: big.NewInt(fromBlock),
		ToBlock:   big.NewInt(toBlock),
		Topics:    [][]ethCommon.Hash{{topic}},
	}
	logs, err := c.client.filterLogs(ctx, query)
	if err != nil {
		return nil, common.Wrap(err)
	}
	events := make([]common.RawEvent, 0, len(logs))
	for _, vLog := range logs {
		if vLog.Removed {
			continue
		}
		if len(vLog.Topics) == 0 || vLog.Topics[0] != topic {
			log.Errorw("unexpected instance log", "instance", instance.Hex(),
				"block", vLog.BlockNumber, "tx", vLog.TxHash.Hex())
			continue
		}
		ev := common.RawEvent{
			Instance: instance,
			BlockNum: int64(vLog.BlockNumber),
			LogIndex: vLog.Index,
			TxHash:   vLog.TxHash,
		}
		switch eventType {
		case common.EventDeposit:
			var deposit instanceEventDeposit
			if err := c.contractAbi.UnpackIntoInterface(&deposit, "Deposit",
				vLog.Data); err != nil {
				return nil, common.Wrap(err)
			}
			if len(vLog.Topics) < 2 { //nolint:gomnd
				return nil, common.Wrap(fmt.Errorf("deposit log without commitment topic in tx %s",
					vLog.TxHash.Hex()))
			}
			ev.Value = vLog.Topics[1]
			ev.UpstreamIndex = uint64(deposit.LeafIndex)
		case common.EventWithdrawal:
			var withdrawal instanceEventWithdrawal
			if err := c.contractAbi.UnpackIntoInterface(&withdrawal, "Withdrawal",
				vLog.Data); err != nil {
				return nil, common.Wrap(err)
			}
			ev.Value = withdrawal.NullifierHash
		}
		events = append(events, ev)
	}
	common.SortRawEvents(events)
	return events, nil
}
