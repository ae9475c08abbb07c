package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/database/statedb"
	"github.com/superphiz/tornado-root-updater/eth"
	"github.com/superphiz/tornado-root-updater/log"
	"github.com/superphiz/tornado-root-updater/metric"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// ReconcilerState is the state of the Reconciler in the current run
type ReconcilerState string

const (
	// ReconcilerClean means no conflict has been found in the run
	ReconcilerClean ReconcilerState = "clean"
	// ReconcilerResynced means a conflict was found and the state was
	// flushed
	ReconcilerResynced ReconcilerState = "resynced"
	// ReconcilerFatal means a conflict was found after the resync
	ReconcilerFatal ReconcilerState = "fatal"
)

// Conflict is a mismatch between the local state and the registry state of an
// event type: either their roots differ, or the leaves the registry reports
// as committed contradict the local leaves (Cause is set then)
type Conflict struct {
	EventType    common.EventType
	LocalRoot    ethCommon.Hash
	RegistryRoot ethCommon.Hash
	// Block range of the cycle in which the conflict was found
	From int64
	To   int64
	// Cause is the divergence found while reading the registry leaves
	Cause error
}

// NewDivergenceConflict returns the Conflict of a common.ErrStateDivergence
// error found while planning eventType
func NewDivergenceConflict(eventType common.EventType, err error) *Conflict {
	metric.RootConflicts.Inc()
	log.Warnw("Reconciler: local state diverged from the registry",
		"eventType", eventType, "err", err)
	return &Conflict{EventType: eventType, Cause: err}
}

func (c *Conflict) Error() string {
	if c.Cause != nil {
		return fmt.Sprintf("%v: eventType %s: %v", common.ErrRootConflict, c.EventType, c.Cause)
	}
	return fmt.Sprintf("%v: eventType %s, local root %s, registry root %s, blocks [%d, %d]",
		common.ErrRootConflict, c.EventType, c.LocalRoot.Hex(), c.RegistryRoot.Hex(),
		c.From, c.To)
}

// Unwrap allows errors.Is(conflict, common.ErrRootConflict)
func (c *Conflict) Unwrap() error {
	return common.ErrRootConflict
}

// Reconciler compares the local roots with the registry and repairs the local
// state when they diverge.  The state is flushed at most once per run: a
// second conflict is fatal.
type Reconciler struct {
	ethClient  eth.RegistryInterface
	stateDB    *statedb.StateDB
	rpcTimeout time.Duration
	state      ReconcilerState
}

// NewReconciler creates a Reconciler in the clean state
func NewReconciler(ethClient eth.RegistryInterface, stateDB *statedb.StateDB,
	rpcTimeout time.Duration) *Reconciler {
	return &Reconciler{
		ethClient:  ethClient,
		stateDB:    stateDB,
		rpcTimeout: rpcTimeout,
		state:      ReconcilerClean,
	}
}

// State returns the current state of the Reconciler
func (r *Reconciler) State() ReconcilerState {
	return r.state
}

// Reset starts a new run
func (r *Reconciler) Reset() {
	r.state = ReconcilerClean
}

// Check reads the registry root of eventType and compares it with
// localRoot.  Returns a nil Conflict when they are equal.
func (r *Reconciler) Check(ctx context.Context, eventType common.EventType,
	localRoot ethCommon.Hash, from, to int64) (*Conflict, error) {
	ctx, cancel := context.WithTimeout(ctx, r.rpcTimeout)
	defer cancel()
	registryRoot, err := r.ethClient.RegistryRoot(ctx, eventType)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("RegistryRoot: %w", err))
	}
	if registryRoot == localRoot {
		return nil, nil
	}
	metric.RootConflicts.Inc()
	conflict := &Conflict{
		EventType:    eventType,
		LocalRoot:    localRoot,
		RegistryRoot: registryRoot,
		From:         from,
		To:           to,
	}
	log.Warnw("Reconciler: root conflict", "eventType", eventType,
		"localRoot", localRoot.Hex(), "registryRoot", registryRoot.Hex(),
		"from", from, "to", to, "state", r.state)
	return conflict, nil
}

// Resolve handles a conflict found by Check.  The first conflict of a run
// flushes the StateDB, so that the cursors go back to the start block, and
// returns nil: the caller must restart the cycle for every event type.  Any
// later conflict in the run returns common.ErrFatalRootConflict without
// flushing again.
func (r *Reconciler) Resolve(conflict *Conflict) error {
	switch r.state {
	case ReconcilerClean:
		log.Warnw("Reconciler: flushing state and resyncing", "conflict", conflict.Error())
		if err := r.stateDB.Flush(); err != nil {
			return common.Wrap(err)
		}
		metric.Resyncs.Inc()
		r.state = ReconcilerResynced
		return nil
	default:
		r.state = ReconcilerFatal
		log.Errorw("Reconciler: conflict persists after resync", "conflict", conflict.Error())
		return common.Wrap(fmt.Errorf("%w: %v", common.ErrFatalRootConflict, conflict))
	}
}
