// Package config defines the configuration of the node, loaded from a TOML
// file over the defaults and overridden by environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/superphiz/tornado-root-updater/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator"
)

// Duration is a wrapper type that parses time duration from text.
type Duration struct {
	time.Duration
}

// UnmarshalText unmarshalls time duration from text.
func (d *Duration) UnmarshalText(data []byte) error {
	duration, err := time.ParseDuration(string(data))
	if err != nil {
		return common.Wrap(err)
	}
	d.Duration = duration
	return nil
}

// DefaultValues of the node configuration
const DefaultValues = `
[Log]
Level = "info"
Out = ["stdout"]

[Tree]
Levels = 20

[Sync]
StartBlock = 0
ConfirmationDepth = 12
Interval = "1m"
Mode = "push"
RPCTimeout = "30s"
MaxBlockRange = 0
RetryDelay = "5s"
HashCacheSize = 4096

[StateDB]
Path = "./data/statedb"
Keep = 32

[PostgreSQL]
Port = 5432
User = "tornado"
Name = "tornado"

[Coordinator]
BatchSize = 100
BatchPolicy = "roundrobin"
Strategy = "direct"
GasLimit = 4000000
MaxGasPrice = 200
GasPriceIncPerc = 0
BroadcastTimeout = "30s"
TxTimeout = "5m"
TxCheckInterval = "5s"

[Coordinator.Keystore]
Path = "./data/keystore"

[Coordinator.Prover]
PollInterval = "1s"
CircuitRef = "mining-tree-batch"

[Coordinator.Etherscan]
URL = "https://api.etherscan.io/"

[API]
ReadTimeout = "30s"
WriteTimeout = "30s"
`

// Node is the configuration of the node
type Node struct {
	Log struct {
		// Level is the log level: debug, info, warn, error
		Level string `validate:"required,oneof=debug info warn error"`
		// Out are the log outputs.  "stdout" and "stderr" are special
		// values, anything else is a file path.
		Out []string `validate:"required,min=1"`
	}
	Web3 struct {
		// URL is the URL of the web3 ethereum-node RPC server
		URL string `validate:"required"`
	}
	Registry struct {
		// Address of the registry smart contract
		Address ethCommon.Address `validate:"required"`
	}
	Tree struct {
		// Levels is the depth of the mining trees.  Must match the
		// registry.
		Levels int `validate:"required,min=1,max=32"`
	}
	Sync struct {
		// StartBlock is the first block read when there is no cached
		// state
		StartBlock int64 `validate:"min=0"`
		// ConfirmationDepth is the number of most recent blocks not
		// processed yet
		ConfirmationDepth int64 `validate:"min=0"`
		// Interval between cycles
		Interval Duration
		// Instances are the pool instances that emit the events
		Instances []ethCommon.Address `validate:"required,min=1"`
		// Mode is push (upstream events) or pull (registry registered
		// events)
		Mode          string `validate:"required,oneof=push pull"`
		RPCTimeout    Duration
		MaxBlockRange int64 `validate:"min=0"`
		RetryDelay    Duration
		// HashCacheSize is the size of the leaf digests cache.  0
		// disables it.
		HashCacheSize int `validate:"min=0"`
	}
	StateDB struct {
		// Path where the state checkpoints are stored
		Path string `validate:"required"`
		// Keep is the number of checkpoints to keep
		Keep int `validate:"required,min=1"`
	}
	// PostgreSQL of the commit history.  Disabled when Host is empty.
	PostgreSQL struct {
		Port     int
		Host     string
		User     string
		Password string
		Name     string
	}
	Coordinator struct {
		// ForgerAddress is the account that signs the commit txs
		ForgerAddress ethCommon.Address `validate:"required"`
		BatchSize     int               `validate:"required,min=1"`
		BatchPolicy   string            `validate:"required,oneof=roundrobin weighted"`
		Strategy      string            `validate:"required,oneof=direct proof"`
		GasLimit      uint64            `validate:"required"`
		// MaxGasPrice is the gas price ceiling in gwei
		MaxGasPrice      int64 `validate:"min=0"`
		GasPriceIncPerc  int64 `validate:"min=0"`
		BroadcastTimeout Duration
		TxTimeout        Duration
		TxCheckInterval  Duration
		Keystore         struct {
			Path     string `validate:"required"`
			Password string
			// LightScrypt uses the light scrypt parameters of the
			// keystore, only for testing
			LightScrypt bool
		}
		Broadcast struct {
			// Endpoints receive every signed commit tx.  Defaults to
			// Web3.URL.
			Endpoints []string
		}
		Prover struct {
			// URL of the proof server, required by the proof
			// strategy
			URL          string
			PollInterval Duration
			CircuitRef   string
		}
		Etherscan struct {
			URL    string
			APIKey string
		}
		Debug struct {
			// BatchPath if set, specifies the path where batchInfo
			// is stored in JSON in every step/update of the commit
			BatchPath string
		}
	}
	API struct {
		// Address where the API listens.  Disabled when empty.
		Address      string
		ReadTimeout  Duration
		WriteTimeout Duration
	}
	Debug struct {
		// MeddlerLogs enables meddler debug mode, where unused columns
		// and struct fields will be logged
		MeddlerLogs bool
	}
}

// NodeEnv are the environment variables that override the file
// configuration.  Secrets are meant to be set here.
type NodeEnv struct {
	Web3URL          string `env:"TRU_WEB3_URL"`
	RegistryAddress  string `env:"TRU_REGISTRY_ADDRESS"`
	KeystorePassword string `env:"TRU_KEYSTORE_PASSWORD"`
	PostgresPassword string `env:"TRU_POSTGRES_PASSWORD"`
	EtherscanAPIKey  string `env:"TRU_ETHERSCAN_APIKEY"`
	LogLevel         string `env:"TRU_LOG_LEVEL"`
}

// Apply overrides the values of cfg with the non empty variables
func (e *NodeEnv) Apply(cfg *Node) error {
	if e.Web3URL != "" {
		cfg.Web3.URL = e.Web3URL
	}
	if e.RegistryAddress != "" {
		if !ethCommon.IsHexAddress(e.RegistryAddress) {
			return common.Wrap(fmt.Errorf("invalid TRU_REGISTRY_ADDRESS %q", e.RegistryAddress))
		}
		cfg.Registry.Address = ethCommon.HexToAddress(e.RegistryAddress)
	}
	if e.KeystorePassword != "" {
		cfg.Coordinator.Keystore.Password = e.KeystorePassword
	}
	if e.PostgresPassword != "" {
		cfg.PostgreSQL.Password = e.PostgresPassword
	}
	if e.EtherscanAPIKey != "" {
		cfg.Coordinator.Etherscan.APIKey = e.EtherscanAPIKey
	}
	if e.LogLevel != "" {
		cfg.Log.Level = e.LogLevel
	}
	return nil
}

// Validate checks the configuration values
func (cfg *Node) Validate() error {
	if err := validator.New().Struct(cfg); err != nil {
		return common.Wrap(fmt.Errorf("error validating configuration file: %w", err))
	}
	durations := map[string]Duration{
		"Sync.Interval":                cfg.Sync.Interval,
		"Sync.RPCTimeout":              cfg.Sync.RPCTimeout,
		"Coordinator.BroadcastTimeout": cfg.Coordinator.BroadcastTimeout,
		"Coordinator.TxTimeout":        cfg.Coordinator.TxTimeout,
		"Coordinator.TxCheckInterval":  cfg.Coordinator.TxCheckInterval,
	}
	for name, d := range durations {
		if d.Duration <= 0 {
			return common.Wrap(fmt.Errorf("%s must be positive", name))
		}
	}
	if cfg.Coordinator.Strategy == "proof" && cfg.Coordinator.Prover.URL == "" {
		return common.Wrap(fmt.Errorf("Coordinator.Prover.URL is required by the proof strategy"))
	}
	return nil
}

// BroadcastEndpoints returns the configured broadcast endpoints, or the web3
// URL when there is none
func (cfg *Node) BroadcastEndpoints() []string {
	if len(cfg.Coordinator.Broadcast.Endpoints) == 0 {
		return []string{cfg.Web3.URL}
	}
	return cfg.Coordinator.Broadcast.Endpoints
}

// HistoryEnabled returns true when the commit history is configured
func (cfg *Node) HistoryEnabled() bool {
	return cfg.PostgreSQL.Host != ""
}

// LoadNode loads the Node configuration from path, the defaults and the
// environment variables
func LoadNode(path string) (*Node, error) {
	var cfg Node
	var envCfg NodeEnv
	if err := LoadConfig(path, DefaultValues, &cfg, &envCfg); err != nil {
		return nil, common.Wrap(err)
	}
	if err := envCfg.Apply(&cfg); err != nil {
		return nil, common.Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, common.Wrap(err)
	}
	return &cfg, nil
}
