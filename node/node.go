/*
Package node does the initialization of all the required objects to run the
commit pipeline.

The Node owns a goroutine that periodically runs a cycle of the Coordinator:
every cycle reads the confirmed block range of each mining tree, builds the
batches of pending leaves and commits them to the registry, resolving root
conflicts on the way.  A fatal error (a second root conflict in the same cycle,
a tree depth mismatch, or a missing upstream event) stops the loop, as the
node can no longer make progress without an operator.  Optionally the Node
serves a read only HTTP API.
*/
package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/superphiz/tornado-root-updater/api"
	"github.com/superphiz/tornado-root-updater/batchbuilder"
	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/config"
	"github.com/superphiz/tornado-root-updater/coordinator"
	"github.com/superphiz/tornado-root-updater/coordinator/prover"
	dbUtils "github.com/superphiz/tornado-root-updater/database"
	"github.com/superphiz/tornado-root-updater/database/historydb"
	"github.com/superphiz/tornado-root-updater/database/statedb"
	"github.com/superphiz/tornado-root-updater/eth"
	"github.com/superphiz/tornado-root-updater/etherscan"
	"github.com/superphiz/tornado-root-updater/log"
	"github.com/superphiz/tornado-root-updater/synchronizer"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
)

const apiShutdownTimeout = 10 * time.Second

// Deps are the external collaborators of the Node.  NewNode connects them
// from the configuration, tests inject them.
type Deps struct {
	EthClient    eth.ClientInterface
	Broadcasters []coordinator.Broadcaster
	// ServerProofs are only used by the proof strategy
	ServerProofs []prover.Client
	Etherscan    *etherscan.Service
	// HistoryDB is optional
	HistoryDB *historydb.HistoryDB
}

// Node is the root updater node
type Node struct {
	nodeAPI *NodeAPI
	coord   *coordinator.Coordinator
	sync    *synchronizer.Synchronizer
	stateDB *statedb.StateDB

	// General
	cfg *config.Node
	// closers release the connections opened by NewNode
	closers []func()
	ctx     context.Context
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	errMu sync.Mutex
	err   error
}

// NodeAPI holds the node http API
type NodeAPI struct { //nolint:golint
	api          *api.API
	engine       *gin.Engine
	addr         string
	readtimeout  time.Duration
	writetimeout time.Duration
}

// NewNodeAPI creates a new NodeAPI (which internally calls api.NewAPI)
func NewNodeAPI(addr string, readtimeout, writetimeout time.Duration,
	apiConfig api.Config) (*NodeAPI, error) {
	_api, err := api.NewAPI(apiConfig)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &NodeAPI{
		addr:         addr,
		api:          _api,
		engine:       apiConfig.Server,
		readtimeout:  readtimeout,
		writetimeout: writetimeout,
	}, nil
}

// Run starts the http server of the NodeAPI.  To stop it, pass a context
// with cancellation.
func (a *NodeAPI) Run(ctx context.Context) error {
	server := &http.Server{
		Handler:        a.engine,
		ReadTimeout:    a.readtimeout,
		WriteTimeout:   a.writetimeout,
		MaxHeaderBytes: 1 << 20, //nolint:gomnd
	}
	listener, err := net.Listen("tcp", a.addr)
	if err != nil {
		return common.Wrap(err)
	}
	log.Infof("API is ready at %v", a.addr)
	go func() {
		if err := server.Serve(listener); err != nil &&
			common.Unwrap(err) != http.ErrServerClosed {
			log.Fatalf("Listen: %s\n", err)
		}
	}()

	<-ctx.Done()
	log.Info("Stopping API server...")
	ctxTimeout, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctxTimeout); err != nil {
		return common.Wrap(err)
	}
	log.Info("API server stopped")
	return nil
}

// Check if a directory exists and is empty
func isDirectoryEmpty(path string) (bool, error) {
	dirEntries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil // Directory doesn't exist, treat as empty
		}
		return false, err
	}
	return len(dirEntries) == 0, nil
}

func unlockForger(cfg *config.Node) (*accounts.Account, *keystore.KeyStore, error) {
	scryptN := keystore.StandardScryptN
	scryptP := keystore.StandardScryptP
	if cfg.Coordinator.Keystore.LightScrypt {
		scryptN = keystore.LightScryptN
		scryptP = keystore.LightScryptP
	}
	keyStore := keystore.NewKeyStore(cfg.Coordinator.Keystore.Path, scryptN, scryptP)

	isEmpty, err := isDirectoryEmpty(cfg.Coordinator.Keystore.Path)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	if isEmpty {
		// Create a new account if keystore is empty
		account, err := keyStore.NewAccount(cfg.Coordinator.Keystore.Password)
		if err != nil {
			return nil, nil, common.Wrap(err)
		}
		log.Infof("New account created: %s", account.Address.Hex())
	}

	// Unlock Coordinator ForgerAddr in the keystore to sign the commit
	// txs
	if !keyStore.HasAddress(cfg.Coordinator.ForgerAddress) {
		return nil, nil, common.Wrap(fmt.Errorf(
			"ethereum keystore doesn't have the key for address %v",
			cfg.Coordinator.ForgerAddress))
	}
	forgerAccount := &accounts.Account{
		Address: cfg.Coordinator.ForgerAddress,
	}
	if err := keyStore.Unlock(*forgerAccount, cfg.Coordinator.Keystore.Password); err != nil {
		return nil, nil, common.Wrap(err)
	}
	log.Infow("Forger ethereum account unlocked in the keystore",
		"addr", cfg.Coordinator.ForgerAddress)
	return forgerAccount, keyStore, nil
}

// NewNode creates a Node, connecting to the ethereum node, the broadcast
// endpoints, the proof server and the history database from the
// configuration
func NewNode(cfg *config.Node, version string) (*Node, error) {
	meddler.Debug = cfg.Debug.MeddlerLogs
	var deps Deps
	var closers []func()
	closeAll := func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}

	var db *sqlx.DB
	if cfg.HistoryEnabled() {
		var err error
		// Stablish DB connection
		db, err = dbUtils.InitSQLDB(
			cfg.PostgreSQL.Port,
			cfg.PostgreSQL.Host,
			cfg.PostgreSQL.User,
			cfg.PostgreSQL.Password,
			cfg.PostgreSQL.Name,
		)
		if err != nil {
			return nil, common.Wrap(fmt.Errorf("dbUtils.InitSQLDB: %w", err))
		}
		closers = append(closers, func() {
			if err := db.Close(); err != nil {
				log.Errorw("Closing the history DB", "err", err)
			}
		})
		deps.HistoryDB = historydb.NewHistoryDB(db, db)
	} else {
		log.Info("PostgreSQL not configured, the commit history is disabled")
	}

	ethClient, err := ethclient.Dial(cfg.Web3.URL)
	if err != nil {
		closeAll()
		return nil, common.Wrap(err)
	}
	closers = append(closers, ethClient.Close)

	forgerAccount, keyStore, err := unlockForger(cfg)
	if err != nil {
		closeAll()
		return nil, common.Wrap(err)
	}
	client, err := eth.NewClient(ethClient, forgerAccount, keyStore, &eth.ClientConfig{
		Ethereum: eth.EthereumConfig{
			CallTimeout: cfg.Sync.RPCTimeout.Duration,
		},
		Registry: eth.RegistryConfig{
			Address: cfg.Registry.Address,
		},
	})
	if err != nil {
		closeAll()
		return nil, common.Wrap(err)
	}
	deps.EthClient = client

	for _, url := range cfg.BroadcastEndpoints() {
		if url == cfg.Web3.URL {
			deps.Broadcasters = append(deps.Broadcasters, eth.NewEndpointClient(url, ethClient))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Sync.RPCTimeout.Duration)
		endpoint, err := eth.DialEndpoint(ctx, url)
		cancel()
		if err != nil {
			// An unreachable endpoint is not fatal, the txs are
			// sent to the rest
			log.Warnw("Broadcast endpoint unreachable", "endpoint", url, "err", err)
			continue
		}
		closers = append(closers, endpoint.Close)
		deps.Broadcasters = append(deps.Broadcasters, endpoint)
	}

	if cfg.Coordinator.Prover.URL != "" {
		deps.ServerProofs = []prover.Client{
			prover.NewProofServerClient(cfg.Coordinator.Prover.URL,
				cfg.Coordinator.Prover.PollInterval.Duration),
		}
	}

	if cfg.Coordinator.Etherscan.URL != "" && cfg.Coordinator.Etherscan.APIKey != "" {
		log.Info("EtherScan method detected in configuration file")
		deps.Etherscan, err = etherscan.NewEtherscanService(cfg.Coordinator.Etherscan.URL,
			cfg.Coordinator.Etherscan.APIKey)
		if err != nil {
			closeAll()
			return nil, common.Wrap(err)
		}
	} else {
		log.Info("EtherScan method not configured in config file")
	}

	n, err := NewNodeWithDeps(cfg, version, deps)
	if err != nil {
		closeAll()
		return nil, common.Wrap(err)
	}
	n.closers = closers
	return n, nil
}

// NewNodeWithDeps creates a Node over already connected collaborators
func NewNodeWithDeps(cfg *config.Node, version string, deps Deps) (*Node, error) {
	if deps.EthClient == nil {
		return nil, common.Wrap(fmt.Errorf("no ethereum client"))
	}
	chainID, err := deps.EthClient.EthChainID()
	if err != nil {
		return nil, common.Wrap(err)
	}
	if !chainID.IsUint64() {
		return nil, common.Wrap(fmt.Errorf("chainID cannot be represented as uint64"))
	}
	policy, err := batchbuilder.ParsePolicy(cfg.Coordinator.BatchPolicy)
	if err != nil {
		return nil, common.Wrap(err)
	}
	strategy, err := coordinator.ParseStrategy(cfg.Coordinator.Strategy)
	if err != nil {
		return nil, common.Wrap(err)
	}

	stateDB, err := statedb.NewStateDB(statedb.Config{
		Path: cfg.StateDB.Path,
		Keep: cfg.StateDB.Keep,
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	hasher, err := common.NewLeafHasher(cfg.Sync.HashCacheSize)
	if err != nil {
		stateDB.Close()
		return nil, common.Wrap(err)
	}
	sync, err := synchronizer.NewSynchronizer(deps.EthClient, stateDB, hasher,
		synchronizer.Config{
			StartBlock:        cfg.Sync.StartBlock,
			ConfirmationDepth: cfg.Sync.ConfirmationDepth,
			Instances:         cfg.Sync.Instances,
			Mode:              synchronizer.Mode(cfg.Sync.Mode),
			RPCTimeout:        cfg.Sync.RPCTimeout.Duration,
			MaxBlockRange:     cfg.Sync.MaxBlockRange,
			RetryDelay:        cfg.Sync.RetryDelay.Duration,
		})
	if err != nil {
		stateDB.Close()
		return nil, common.Wrap(err)
	}

	coord, err := coordinator.NewCoordinator(
		coordinator.Config{
			BatchSize:        cfg.Coordinator.BatchSize,
			BatchPolicy:      policy,
			Strategy:         strategy,
			Levels:           cfg.Tree.Levels,
			CircuitRef:       cfg.Coordinator.Prover.CircuitRef,
			GasLimit:         cfg.Coordinator.GasLimit,
			MaxGasPrice:      cfg.Coordinator.MaxGasPrice,
			GasPriceIncPerc:  cfg.Coordinator.GasPriceIncPerc,
			RPCTimeout:       cfg.Sync.RPCTimeout.Duration,
			BroadcastTimeout: cfg.Coordinator.BroadcastTimeout.Duration,
			TxTimeout:        cfg.Coordinator.TxTimeout.Duration,
			TxCheckInterval:  cfg.Coordinator.TxCheckInterval.Duration,
			DebugBatchPath:   cfg.Coordinator.Debug.BatchPath,
		},
		sync,
		deps.HistoryDB,
		deps.EthClient,
		deps.Broadcasters,
		deps.ServerProofs,
		deps.Etherscan,
	)
	if err != nil {
		stateDB.Close()
		return nil, common.Wrap(err)
	}

	var nodeAPI *NodeAPI
	if cfg.API.Address != "" {
		server := gin.Default()
		nodeAPI, err = NewNodeAPI(
			cfg.API.Address,
			cfg.API.ReadTimeout.Duration,
			cfg.API.WriteTimeout.Duration,
			api.Config{
				Version:   version,
				Server:    server,
				Sync:      sync,
				HistoryDB: deps.HistoryDB,
				Constants: api.Constants{
					ChainID:           chainID.Uint64(),
					RegistryAddress:   cfg.Registry.Address,
					Instances:         cfg.Sync.Instances,
					TreeLevels:        cfg.Tree.Levels,
					Mode:              cfg.Sync.Mode,
					ConfirmationDepth: cfg.Sync.ConfirmationDepth,
					BatchSize:         cfg.Coordinator.BatchSize,
					BatchPolicy:       string(policy),
					Strategy:          string(strategy),
				},
			},
		)
		if err != nil {
			stateDB.Close()
			return nil, common.Wrap(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		nodeAPI:   nodeAPI,
		coord:     coord,
		sync:      sync,
		stateDB:   stateDB,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Coordinator returns the coordinator of the node
func (n *Node) Coordinator() *coordinator.Coordinator {
	return n.coord
}

func (n *Node) runCycle(ctx context.Context) error {
	res, err := n.coord.RunCycle(ctx)
	if err != nil {
		return common.Wrap(err)
	}
	if res.Batches > 0 || res.Resynced {
		log.Infow("Cycle done", "cycle", res.CycleNum, "head", res.Head,
			"batches", res.Batches, "leaves", res.Leaves, "resynced", res.Resynced)
	} else {
		log.Debugw("Cycle done, nothing to commit", "cycle", res.CycleNum,
			"head", res.Head)
	}
	return nil
}

// RunOnce checks the tree depth and runs a single cycle
func (n *Node) RunOnce(ctx context.Context) error {
	if err := n.coord.CheckTreeLevels(ctx); err != nil {
		return common.Wrap(err)
	}
	return n.runCycle(ctx)
}

func (n *Node) setErr(err error) {
	n.errMu.Lock()
	n.err = err
	n.errMu.Unlock()
}

// Err returns the fatal error that stopped the node, if any
func (n *Node) Err() error {
	n.errMu.Lock()
	defer n.errMu.Unlock()
	return n.err
}

// Done is closed when the node stops, either by Stop or after a fatal error
func (n *Node) Done() <-chan struct{} {
	return n.ctx.Done()
}

// StartCoordinator starts the loop that runs a cycle every Sync.Interval
func (n *Node) StartCoordinator() {
	log.Info("Starting Coordinator...")
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		waitDuration := time.Duration(0)
		for {
			select {
			case <-n.ctx.Done():
				log.Info("Coordinator done")
				return
			case <-time.After(waitDuration):
				waitDuration = n.cfg.Sync.Interval.Duration
				err := n.runCycle(n.ctx)
				if err == nil || n.ctx.Err() != nil || common.IsErrDone(err) {
					continue
				}
				if common.IsFatal(err) {
					log.Errorw("Coordinator.RunCycle fatal error, stopping the node",
						"err", err)
					n.setErr(err)
					n.cancel()
					continue
				}
				log.Errorw("Coordinator.RunCycle", "err", err)
			}
		}
	}()
}

// Start the node.  The tree depth of the registry is checked first, a
// mismatch is returned without starting anything.
func (n *Node) Start() error {
	log.Infow("Starting node...", "registry", n.cfg.Registry.Address,
		"levels", n.cfg.Tree.Levels, "mode", n.cfg.Sync.Mode,
		"strategy", n.cfg.Coordinator.Strategy)
	if err := n.coord.CheckTreeLevels(n.ctx); err != nil {
		return common.Wrap(err)
	}
	if n.nodeAPI != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			log.Infow("API server started", "addr", n.nodeAPI.addr)
			if err := n.nodeAPI.Run(n.ctx); err != nil {
				log.Fatalw("NodeAPI.Run", "err", err)
			}
		}()
	}
	n.StartCoordinator()
	return nil
}

// Stop the node and release its resources
func (n *Node) Stop() error {
	log.Infow("Stopping node...")
	n.cancel()
	n.wg.Wait()
	var result error
	// Leaves appended by an interrupted cycle are already committed
	if err := n.stateDB.Checkpoint(); err != nil {
		result = multierror.Append(result, common.Wrap(err))
	}
	n.stateDB.Close()
	for _, closeFn := range n.closers {
		closeFn()
	}
	return result
}
