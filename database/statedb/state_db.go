package statedb

import (
	"errors"
	"fmt"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/database/kvdb"
	"github.com/superphiz/tornado-root-updater/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Config of the StateDB
type Config struct {
	// Path where the checkpoints will be stored
	Path string
	// Keep is the number of old checkpoints to keep.  If 0, all
	// checkpoints are kept.
	Keep int
	// NoLast skips having an opened DB with a checkpoint to the last
	// cycle for thread-safe reads.
	NoLast bool
}

var (
	// ErrLeafGap is used when an append starts after the end of the known
	// leaves
	ErrLeafGap = errors.New("append would leave a gap in the known leaves")
	// ErrLeafMismatch is used when an append overlaps the known leaves
	// with different digests
	ErrLeafMismatch = errors.New("appended leaf differs from known leaf")
	// ErrCursorBackward is used when trying to move the last processed
	// block backwards
	ErrCursorBackward = errors.New("last processed block can not move backward")
)

// StateDB is the durable cache of the known leaves and the last processed
// block of every event type.  Only one writer is allowed at a time.
//
// The leaves of an event type are a kvdb list and its last processed block a
// kvdb cursor, both named after the event type.
type StateDB struct {
	cfg Config
	db  *kvdb.KVDB
}

// NewStateDB creates a new StateDB, resetting it to the last checkpoint
func NewStateDB(cfg Config) (*StateDB, error) {
	kv, err := kvdb.NewKVDB(kvdb.Config{Path: cfg.Path, Keep: cfg.Keep, NoLast: cfg.NoLast})
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &StateDB{
		cfg: cfg,
		db:  kv,
	}, nil
}

func getSyncState(r kvdb.Records, eventType common.EventType) (*common.SyncState, error) {
	values, err := r.All(eventType.String())
	if err != nil {
		return nil, common.Wrap(err)
	}
	leaves := make([]ethCommon.Hash, len(values))
	for i, v := range values {
		leaves[i] = ethCommon.BytesToHash(v)
	}
	lastBlock, ok, err := r.Cursor(eventType.String())
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &common.SyncState{
		EventType:    eventType,
		KnownLeaves:  leaves,
		LastBlock:    lastBlock,
		HasLastBlock: ok,
	}, nil
}

// Get returns the cached SyncState of the event type
func (s *StateDB) Get(eventType common.EventType) (*common.SyncState, error) {
	return getSyncState(s.db.Current(), eventType)
}

// NumLeaves returns the number of known leaves of the event type
func (s *StateDB) NumLeaves(eventType common.EventType) (int64, error) {
	return s.db.Current().Len(eventType.String())
}

// LastBlock returns the last processed block of the event type, and false if
// it has never been set
func (s *StateDB) LastBlock(eventType common.EventType) (int64, bool, error) {
	return s.db.Current().Cursor(eventType.String())
}

// Append stores digests at the positions starting at fromIndex.  Positions
// that are already known must hold the same digest, so applying the same
// append twice is a no-op.  Returns the number of newly stored leaves.
func (s *StateDB) Append(eventType common.EventType, fromIndex int64,
	digests []ethCommon.Hash) (int, error) {
	list := eventType.String()
	added := 0
	err := s.db.Update(func(tx *kvdb.Tx) error {
		n, err := tx.Len(list)
		if err != nil {
			return common.Wrap(err)
		}
		if fromIndex > n {
			return common.Wrap(fmt.Errorf("%w: %s has %d leaves, append at %d",
				ErrLeafGap, eventType, n, fromIndex))
		}
		var tail [][]byte
		for i, digest := range digests {
			idx := fromIndex + int64(i)
			if idx >= n {
				tail = append(tail, digest.Bytes())
				continue
			}
			known, err := tx.At(list, idx)
			if err != nil {
				return common.Wrap(err)
			}
			if ethCommon.BytesToHash(known) != digest {
				return common.Wrap(fmt.Errorf("%w: %s leaf %d is %s, got %s",
					ErrLeafMismatch, eventType, idx, ethCommon.BytesToHash(known).Hex(),
					digest.Hex()))
			}
		}
		if len(tail) == 0 {
			return nil
		}
		added = len(tail)
		return common.Wrap(tx.Push(list, tail...))
	})
	if err != nil {
		return 0, common.Wrap(err)
	}
	return added, nil
}

// SetLastBlock stores the last processed block of the event type.  The block
// can not be lower than the stored one.
func (s *StateDB) SetLastBlock(eventType common.EventType, block int64) error {
	cursor := eventType.String()
	return common.Wrap(s.db.Update(func(tx *kvdb.Tx) error {
		current, ok, err := tx.Cursor(cursor)
		if err != nil {
			return common.Wrap(err)
		}
		if ok && block < current {
			return common.Wrap(fmt.Errorf("%w: %s at %d, got %d",
				ErrCursorBackward, eventType, current, block))
		}
		return common.Wrap(tx.SetCursor(cursor, block))
	}))
}

// Flush drops all the cached state of every event type, including the
// checkpoints.  The cycle number goes back to 0.
func (s *StateDB) Flush() error {
	log.Warnw("StateDB: flushing all cached state", "cycle", s.db.CurrentCycle())
	return common.Wrap(s.db.Flush())
}

// Checkpoint persists a checkpoint of the current state.  Called after every
// successful cycle.
func (s *StateDB) Checkpoint() error {
	return common.Wrap(s.db.Checkpoint())
}

// CurrentCycle returns the number of the last checkpoint
func (s *StateDB) CurrentCycle() common.CycleNum {
	return s.db.CurrentCycle()
}

// LastSummary is the state of an event type at the last checkpoint
type LastSummary struct {
	EventType    common.EventType `json:"eventType"`
	NumLeaves    int64            `json:"numLeaves"`
	LastBlock    int64            `json:"lastBlock"`
	HasLastBlock bool             `json:"hasLastBlock"`
}

// LastGetSummary is a thread safe method to query the state of an event type
// at the last checkpoint
func (s *StateDB) LastGetSummary(eventType common.EventType) (*LastSummary, error) {
	var summary *LastSummary
	err := s.db.LastRead(func(r kvdb.Records) error {
		n, err := r.Len(eventType.String())
		if err != nil {
			return common.Wrap(err)
		}
		lastBlock, ok, err := r.Cursor(eventType.String())
		if err != nil {
			return common.Wrap(err)
		}
		summary = &LastSummary{
			EventType:    eventType,
			NumLeaves:    n,
			LastBlock:    lastBlock,
			HasLastBlock: ok,
		}
		return nil
	})
	return summary, common.Wrap(err)
}

// Close the StateDB
func (s *StateDB) Close() {
	s.db.Close()
}
