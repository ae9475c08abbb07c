// Package batchbuilder turns the pending leaves of every event type into
// CommitBatches, appending them to the local trees in order.
package batchbuilder

import (
	"fmt"

	"github.com/superphiz/tornado-root-updater/common"
	"github.com/superphiz/tornado-root-updater/treebuilder"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Config of the BatchBuilder
type Config struct {
	// BatchSize is the max number of leaves of a batch
	BatchSize int
	Policy    Policy
}

type typeState struct {
	acc   *treebuilder.Accumulator
	queue *PendingQueue
}

// BatchBuilder owns one accumulator and one pending queue per event type
type BatchBuilder struct {
	cfg       Config
	states    map[common.EventType]*typeState
	scheduler *Scheduler
}

// NewBatchBuilder creates an empty BatchBuilder
func NewBatchBuilder(cfg Config) (*BatchBuilder, error) {
	if cfg.BatchSize <= 0 {
		return nil, common.Wrap(fmt.Errorf("invalid batch size %d", cfg.BatchSize))
	}
	policy, err := ParsePolicy(string(cfg.Policy))
	if err != nil {
		return nil, common.Wrap(err)
	}
	cfg.Policy = policy
	return &BatchBuilder{
		cfg:       cfg,
		states:    make(map[common.EventType]*typeState),
		scheduler: NewScheduler(policy, common.EventTypes),
	}, nil
}

// Reset sets the accumulator and the queue of eventType.  The accumulator
// must hold exactly the leaves known to be committed.
func (bb *BatchBuilder) Reset(eventType common.EventType, acc *treebuilder.Accumulator,
	queue *PendingQueue) {
	if queue == nil {
		queue = NewPendingQueue(nil)
	}
	bb.states[eventType] = &typeState{acc: acc, queue: queue}
}

// Pending returns the number of leaves of eventType not yet placed in a batch
func (bb *BatchBuilder) Pending(eventType common.EventType) int {
	st, ok := bb.states[eventType]
	if !ok {
		return 0
	}
	return st.queue.Len()
}

// Root returns the current local root of eventType
func (bb *BatchBuilder) Root(eventType common.EventType) (ethCommon.Hash, error) {
	st, ok := bb.states[eventType]
	if !ok {
		return ethCommon.Hash{}, common.Wrap(fmt.Errorf("no accumulator for %s", eventType))
	}
	return st.acc.Root(), nil
}

// NextBatch takes the next contiguous prefix of the queue of eventType,
// appends it to the accumulator and returns the resulting CommitBatch.
// Returns nil when the queue is empty.
func (bb *BatchBuilder) NextBatch(eventType common.EventType) (*common.CommitBatch, error) {
	st, ok := bb.states[eventType]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("no accumulator for %s", eventType))
	}
	leaves := st.queue.TakeN(bb.cfg.BatchSize)
	if len(leaves) == 0 {
		return nil, nil
	}
	batch := &common.CommitBatch{
		EventType: eventType,
		OldRoot:   st.acc.Root(),
		Leaves:    leaves,
	}
	for i := range batch.Leaves {
		idx, err := st.acc.Insert(batch.Leaves[i].Digest)
		if err != nil {
			return nil, common.Wrap(fmt.Errorf("%s leaf %d: %w", eventType, st.acc.Size(), err))
		}
		batch.Leaves[i].Index = idx
	}
	batch.NewRoot = st.acc.Root()
	return batch, nil
}

// Next builds the batch of the event type chosen by the scheduler.  Returns
// nil when every queue is empty.
func (bb *BatchBuilder) Next() (*common.CommitBatch, error) {
	eventType, ok := bb.scheduler.Next(bb.Pending)
	if !ok {
		return nil, nil
	}
	return bb.NextBatch(eventType)
}

// Snapshot returns the leaves of the accumulator of eventType
func (bb *BatchBuilder) Snapshot(eventType common.EventType) ([]ethCommon.Hash, error) {
	st, ok := bb.states[eventType]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("no accumulator for %s", eventType))
	}
	return st.acc.Leaves(), nil
}
