package eth

import (
	"github.com/superphiz/tornado-root-updater/common"

	"github.com/ethereum/go-ethereum/accounts"
	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ClientInterface is the eth Client interface used by the node modules to
// interact with Ethereum Blockchain and smart contracts.
type ClientInterface interface {
	EthereumInterface
	InstanceInterface
	RegistryInterface
}

// Client is used to interact with Ethereum, the pool instances and the
// registry smart contract.
type Client struct {
	EthereumClient
	InstanceClient
	RegistryClient
}

// ClientConfig is the configuration of the Client
type ClientConfig struct {
	Ethereum EthereumConfig
	Registry RegistryConfig
}

// NewClient creates a new Client to interact with Ethereum and the registry
// smart contract.
func NewClient(client *ethclient.Client, account *accounts.Account, ks *ethKeystore.KeyStore,
	cfg *ClientConfig) (*Client, error) {
	ethereumClient, err := NewEthereumClient(client, account, ks, &cfg.Ethereum)
	if err != nil {
		return nil, common.Wrap(err)
	}
	instanceClient, err := NewInstanceClient(ethereumClient)
	if err != nil {
		return nil, common.Wrap(err)
	}
	registryClient, err := NewRegistryClient(ethereumClient, cfg.Registry.Address)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &Client{
		EthereumClient: *ethereumClient,
		InstanceClient: *instanceClient,
		RegistryClient: *registryClient,
	}, nil
}
