package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/superphiz/tornado-root-updater/batchbuilder"
	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/database/statedb"
	"github.com/superphiz/tornado-root-updater/eth"
	"github.com/superphiz/tornado-root-updater/log"
	"github.com/superphiz/tornado-root-updater/metric"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Mode selects where the pending leaves come from
type Mode string

const (
	// ModePush takes as pending every upstream event not yet known
	ModePush Mode = "push"
	// ModePull takes as pending the events that the registry has
	// registered and is waiting to receive, in registration order
	ModePull Mode = "pull"
)

const (
	defaultRPCTimeout = 30 * time.Second
	defaultRetryDelay = 5 * time.Second
)

// Both wrap common.ErrStateDivergence, so that the cycle handles them like a
// root conflict
var (
	// ErrRegistryIndexGap is used when the registry reports a leaf index
	// past the end of the known leaves
	ErrRegistryIndexGap = fmt.Errorf("%w: registry leaf index leaves a gap in the known leaves",
		common.ErrStateDivergence)
	// ErrRegistryLeafMismatch is used when the registry reports at a known
	// index a leaf different from the stored one
	ErrRegistryLeafMismatch = fmt.Errorf("%w: registry leaf differs from known leaf",
		common.ErrStateDivergence)
)

// TypeStats is the synchronization state of one event type
type TypeStats struct {
	From      int64 `json:"from"`
	To        int64 `json:"to"`
	Known     int   `json:"known"`
	Pending   int   `json:"pending"`
	Recovered int   `json:"recovered"`
}

// Stats of the synchronizer
type Stats struct {
	Eth struct {
		LastBlock common.Block
	}
	Sync struct {
		Updated time.Time
		Types   map[common.EventType]TypeStats
	}
}

// StatsHolder stores stats and that allows reading and writing them
// concurrently
type StatsHolder struct {
	Stats
	rw sync.RWMutex
}

// NewStatsHolder creates a new StatsHolder
func NewStatsHolder() *StatsHolder {
	stats := Stats{}
	stats.Sync.Types = make(map[common.EventType]TypeStats)
	return &StatsHolder{Stats: stats}
}

// UpdateEth updates the ethereum stats
func (s *StatsHolder) UpdateEth(lastBlock *common.Block) {
	s.rw.Lock()
	s.Eth.LastBlock = *lastBlock
	s.rw.Unlock()
}

// UpdateSync updates the synchronizer stats of an event type
func (s *StatsHolder) UpdateSync(eventType common.EventType, typeStats TypeStats) {
	now := time.Now()
	s.rw.Lock()
	s.Sync.Types[eventType] = typeStats
	s.Sync.Updated = now
	s.rw.Unlock()
}

// CopyStats returns a copy of the inner Stats
func (s *StatsHolder) CopyStats() *Stats {
	s.rw.RLock()
	sCopy := s.Stats
	sCopy.Sync.Types = make(map[common.EventType]TypeStats, len(s.Sync.Types))
	for k, v := range s.Sync.Types {
		sCopy.Sync.Types[k] = v
	}
	s.rw.RUnlock()
	return &sCopy
}

// Config is the Synchronizer configuration
type Config struct {
	// StartBlock is the first block read when there is no cached state
	StartBlock int64
	// ConfirmationDepth is the number of most recent blocks not read yet,
	// as they may still be reorganized
	ConfirmationDepth int64
	// Instances are the pool instances that emit the events
	Instances []ethCommon.Address
	Mode      Mode
	// RPCTimeout bounds every call to the ethereum node
	RPCTimeout time.Duration
	// MaxBlockRange splits the log queries in ranges of at most this
	// number of blocks.  0 means no split.
	MaxBlockRange int64
	// RetryDelay is the wait before reading again the events of a range
	// with a registered event not found upstream, or with a malformed event
	RetryDelay time.Duration
}

// Plan is the work of a cycle for one event type
type Plan struct {
	EventType common.EventType
	From      int64
	To        int64
	// Known are the digests committed on chain, in tree order
	Known []ethCommon.Hash
	// Recovered is the number of Known leaves found in registry events
	// but not in the local state
	Recovered int
	Pending   *batchbuilder.PendingQueue
}

// Empty returns true if the block range of the plan is empty
func (p *Plan) Empty() bool {
	return p.To < p.From
}

// Synchronizer computes the leaves pending to be committed for every event
// type
type Synchronizer struct {
	ethClient eth.ClientInterface
	stateDB   *statedb.StateDB
	hasher    *common.LeafHasher
	cfg       Config
	stats     *StatsHolder
}

// NewSynchronizer creates a new Synchronizer
func NewSynchronizer(
	ethClient eth.ClientInterface,
	stateDB *statedb.StateDB,
	hasher *common.LeafHasher,
	cfg Config,
) (*Synchronizer, error) {
	switch cfg.Mode {
	case "":
		cfg.Mode = ModePush
	case ModePush, ModePull:
	default:
		return nil, common.Wrap(fmt.Errorf("unknown sync mode %q", cfg.Mode))
	}
	if len(cfg.Instances) == 0 {
		return nil, common.Wrap(fmt.Errorf("no source instances configured"))
	}
	if cfg.StartBlock < 0 || cfg.ConfirmationDepth < 0 {
		return nil, common.Wrap(fmt.Errorf("invalid start block %d or confirmation depth %d",
			cfg.StartBlock, cfg.ConfirmationDepth))
	}
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = defaultRPCTimeout
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Synchronizer{
		ethClient: ethClient,
		stateDB:   stateDB,
		hasher:    hasher,
		cfg:       cfg,
		stats:     NewStatsHolder(),
	}, nil
}

// StateDB returns the inner StateDB
func (s *Synchronizer) StateDB() *statedb.StateDB {
	return s.stateDB
}

// StartBlock returns the first block read with no cached state
func (s *Synchronizer) StartBlock() int64 {
	return s.cfg.StartBlock
}

// Stats returns a copy of the Synchronizer Stats.  It is safe to call Stats()
// during a cycle
func (s *Synchronizer) Stats() *Stats {
	return s.stats.CopyStats()
}

// Head returns the last block of the chain
func (s *Synchronizer) Head(ctx context.Context) (*common.Block, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()
	block, err := s.ethClient.EthBlockByNumber(ctx, -1)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("EthBlockByNumber: %w", err))
	}
	s.stats.UpdateEth(block)
	metric.EthLastBlockNum.Set(float64(block.Num))
	return block, nil
}

// Plan reads the block range of eventType that follows the last processed
// block, up to head minus the confirmation depth, and returns the known
// leaves together with the queue of leaves pending to be committed.
func (s *Synchronizer) Plan(ctx context.Context, eventType common.EventType,
	head int64) (*Plan, error) {
	state, err := s.stateDB.Get(eventType)
	if err != nil {
		return nil, common.Wrap(err)
	}
	from := s.cfg.StartBlock
	if state.HasLastBlock {
		from = state.LastBlock + 1
	}
	plan := &Plan{
		EventType: eventType,
		From:      from,
		To:        head - s.cfg.ConfirmationDepth,
		Known:     state.KnownLeaves,
	}
	if plan.Empty() {
		if !state.HasLastBlock {
			if err := s.stateDB.SetLastBlock(eventType, s.cfg.StartBlock-1); err != nil {
				return nil, common.Wrap(err)
			}
		}
		log.Debugw("Synchronizer: empty block range", "eventType", eventType,
			"from", plan.From, "to", plan.To)
		plan.Pending = batchbuilder.NewPendingQueue(nil)
		s.updateStats(plan)
		return plan, nil
	}

	// Registry events are read up to the head: a commit is final for the
	// registry root as soon as it is mined.
	var known []ethCommon.Hash
	err = s.retryMalformed(ctx, eventType, func(ctx context.Context) error {
		var err error
		known, err = s.mergeRegistryLeaves(ctx, eventType, state.KnownLeaves, from, head)
		return err
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	if plan.Recovered = len(known) - len(state.KnownLeaves); plan.Recovered > 0 {
		log.Warnw("Synchronizer: recovered leaves committed on chain",
			"eventType", eventType, "from", len(state.KnownLeaves), "count", plan.Recovered)
		if _, err := s.stateDB.Append(eventType, int64(len(state.KnownLeaves)),
			known[len(state.KnownLeaves):]); err != nil {
			return nil, common.Wrap(err)
		}
		metric.RecoveredLeaves.WithLabelValues(eventType.String()).Add(float64(plan.Recovered))
	}
	plan.Known = known

	var pending []common.LeafRecord
	switch s.cfg.Mode {
	case ModePull:
		pending, err = s.pullPending(ctx, eventType, known, plan.To)
	default:
		pending, err = s.pushPending(ctx, eventType, known, plan.From, plan.To)
	}
	if err != nil {
		return nil, common.Wrap(err)
	}
	plan.Pending = batchbuilder.NewPendingQueue(pending)
	log.Infow("Synchronizer: planned", "eventType", eventType, "from", plan.From,
		"to", plan.To, "known", len(plan.Known), "pending", len(pending))
	s.updateStats(plan)
	return plan, nil
}

func (s *Synchronizer) updateStats(plan *Plan) {
	pending := plan.Pending.Len()
	s.stats.UpdateSync(plan.EventType, TypeStats{
		From:      plan.From,
		To:        plan.To,
		Known:     len(plan.Known),
		Pending:   pending,
		Recovered: plan.Recovered,
	})
	metric.PendingLeaves.WithLabelValues(plan.EventType.String()).Set(float64(pending))
}

// mergeRegistryLeaves extends the stored leaves with the leaves that the
// registry reports as committed in the block range
func (s *Synchronizer) mergeRegistryLeaves(ctx context.Context, eventType common.EventType,
	stored []ethCommon.Hash, from, to int64) ([]ethCommon.Hash, error) {
	var leaves []common.LeafRecord
	err := s.forEachRange(from, to, func(from, to int64) error {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
		defer cancel()
		rangeLeaves, err := s.ethClient.RegistryLeafEvents(ctx, eventType, from, to)
		if err != nil {
			return common.Wrap(fmt.Errorf("RegistryLeafEvents: %w", err))
		}
		leaves = append(leaves, rangeLeaves...)
		return nil
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	known := append(make([]ethCommon.Hash, 0, len(stored)+len(leaves)), stored...)
	for _, leaf := range leaves {
		digest, err := s.hasher.Hash(leaf.Instance, leaf.ValueHash, leaf.BlockNum)
		if err != nil {
			return nil, common.Wrap(fmt.Errorf("%w: registry %s leaf %d: %w",
				common.ErrMalformedEvent, eventType, leaf.Index, err))
		}
		switch {
		case leaf.Index < int64(len(known)):
			if known[leaf.Index] != digest {
				return nil, common.Wrap(fmt.Errorf("%w: %s index %d: known %s, registry %s",
					ErrRegistryLeafMismatch, eventType, leaf.Index,
					known[leaf.Index].Hex(), digest.Hex()))
			}
		case leaf.Index == int64(len(known)):
			known = append(known, digest)
		default:
			return nil, common.Wrap(fmt.Errorf("%w: %s has %d leaves, registry index %d",
				ErrRegistryIndexGap, eventType, len(known), leaf.Index))
		}
	}
	return known, nil
}

// forEachRange calls fn on consecutive sub ranges of [from, to] no longer
// than MaxBlockRange
func (s *Synchronizer) forEachRange(from, to int64, fn func(from, to int64) error) error {
	step := s.cfg.MaxBlockRange
	if step <= 0 {
		return fn(from, to)
	}
	for start := from; start <= to; start += step {
		end := start + step - 1
		if end > to {
			end = to
		}
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}

// fetchUpstream reads the events of every instance concurrently.  Events of
// the same instance keep the upstream order, instances follow the configured
// order.
func (s *Synchronizer) fetchUpstream(ctx context.Context, eventType common.EventType,
	from, to int64) ([]common.RawEvent, error) {
	results := make([][]common.RawEvent, len(s.cfg.Instances))
	g, gctx := errgroup.WithContext(ctx)
	for i, instance := range s.cfg.Instances {
		i, instance := i, instance
		g.Go(func() error {
			return s.forEachRange(from, to, func(from, to int64) error {
				ctx, cancel := context.WithTimeout(gctx, s.cfg.RPCTimeout)
				defer cancel()
				events, err := s.ethClient.InstanceEvents(ctx, eventType, instance, from, to)
				if err != nil {
					return common.Wrap(fmt.Errorf("InstanceEvents %s [%d, %d]: %w",
						instance.Hex(), from, to, err))
				}
				results[i] = append(results[i], events...)
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, common.Wrap(err)
	}
	var events []common.RawEvent
	for _, instanceEvents := range results {
		events = append(events, instanceEvents...)
	}
	return events, nil
}

// retryMalformed runs fn once more after RetryDelay if it fails with
// common.ErrMalformedEvent.  A second failure is returned as is.
func (s *Synchronizer) retryMalformed(ctx context.Context, eventType common.EventType,
	fn func(ctx context.Context) error) error {
	attempt := 0
	backoff := retry.WithMaxRetries(1, retry.NewConstant(s.cfg.RetryDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if errors.Is(err, common.ErrMalformedEvent) {
			log.Warnw("Synchronizer: malformed event", "eventType", eventType,
				"attempt", attempt, "err", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *Synchronizer) leafRecord(ev *common.RawEvent) (common.LeafRecord, error) {
	digest, err := s.hasher.Hash(ev.Instance, ev.Value, ev.BlockNum)
	if err != nil {
		return common.LeafRecord{}, common.Wrap(fmt.Errorf("%w: %s in tx %s: %w",
			common.ErrMalformedEvent, ev.Instance.Hex(), ev.TxHash.Hex(), err))
	}
	return common.LeafRecord{
		Instance:  ev.Instance,
		ValueHash: ev.Value,
		BlockNum:  ev.BlockNum,
		Digest:    digest,
	}, nil
}

func digestSet(known []ethCommon.Hash) map[ethCommon.Hash]struct{} {
	set := make(map[ethCommon.Hash]struct{}, len(known))
	for _, digest := range known {
		set[digest] = struct{}{}
	}
	return set
}

// pushPending returns the upstream events of the range that are not known,
// in upstream order and without duplicates.  The range is read once more if
// it holds a malformed event.
func (s *Synchronizer) pushPending(ctx context.Context, eventType common.EventType,
	known []ethCommon.Hash, from, to int64) ([]common.LeafRecord, error) {
	var pending []common.LeafRecord
	err := s.retryMalformed(ctx, eventType, func(ctx context.Context) error {
		events, err := s.fetchUpstream(ctx, eventType, from, to)
		if err != nil {
			return common.Wrap(err)
		}
		seen := digestSet(known)
		pending = make([]common.LeafRecord, 0, len(events))
		for i := range events {
			leaf, err := s.leafRecord(&events[i])
			if err != nil {
				return common.Wrap(err)
			}
			if _, ok := seen[leaf.Digest]; ok {
				continue
			}
			seen[leaf.Digest] = struct{}{}
			pending = append(pending, leaf)
		}
		return nil
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	return pending, nil
}

// pullPending resolves the identifiers registered in the registry to upstream
// events.  An identifier not found in the confirmed range, or resolved to a
// malformed event, is looked for once more up to the current head; if it is
// still missing or malformed the error is fatal.  Pending leaves follow the
// registration order and stop at the first one that is not confirmed yet.
func (s *Synchronizer) pullPending(ctx context.Context, eventType common.EventType,
	known []ethCommon.Hash, to int64) ([]common.LeafRecord, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	ids, err := s.ethClient.RegistryRegisteredLeaves(rctx, eventType)
	cancel()
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("RegistryRegisteredLeaves: %w", err))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	backoff := retry.WithMaxRetries(1, retry.NewConstant(s.cfg.RetryDelay))
	var pending []common.LeafRecord
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		upTo := to
		if attempt > 0 {
			head, err := s.ethClient.EthLastBlock()
			if err != nil {
				return common.Wrap(err)
			}
			upTo = head
		}
		attempt++
		events, err := s.fetchUpstream(ctx, eventType, s.cfg.StartBlock, upTo)
		if err != nil {
			return common.Wrap(err)
		}
		byID := make(map[ethCommon.Hash]common.RawEvent, len(events))
		for _, ev := range events {
			byID[common.RegisteredID(ev.Instance, ev.Value, ev.BlockNum)] = ev
		}
		for _, id := range ids {
			if _, ok := byID[id]; !ok {
				log.Warnw("Synchronizer: registered event not found upstream",
					"eventType", eventType, "id", id.Hex(), "from", s.cfg.StartBlock,
					"to", upTo, "attempt", attempt)
				return retry.RetryableError(fmt.Errorf("%w: %s id %s in blocks [%d, %d]",
					common.ErrMissingUpstreamEvent, eventType, id.Hex(), s.cfg.StartBlock, upTo))
			}
		}

		seen := digestSet(known)
		pending = make([]common.LeafRecord, 0, len(ids))
		for _, id := range ids {
			ev := byID[id]
			if ev.BlockNum > to {
				break
			}
			leaf, err := s.leafRecord(&ev)
			if err != nil {
				log.Warnw("Synchronizer: malformed event", "eventType", eventType,
					"id", id.Hex(), "attempt", attempt, "err", err)
				return retry.RetryableError(err)
			}
			if _, ok := seen[leaf.Digest]; ok {
				continue
			}
			seen[leaf.Digest] = struct{}{}
			pending = append(pending, leaf)
		}
		return nil
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	return pending, nil
}
