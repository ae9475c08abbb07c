package batchbuilder

import (
	"sync"

	"github.com/superphiz/tornado-root-updater/common"

	"github.com/ef-ds/deque"
)

// PendingQueue is the ordered queue of leaves waiting to be committed for one
// event type.  The queue owns its elements: leaves are copied in on push and
// moved out by TakeN, so no slice is shared with the caller.
type PendingQueue struct {
	mu    sync.Mutex
	queue deque.Deque
}

// NewPendingQueue creates a PendingQueue holding a copy of leaves in order
func NewPendingQueue(leaves []common.LeafRecord) *PendingQueue {
	q := &PendingQueue{}
	for _, leaf := range leaves {
		q.queue.PushBack(leaf)
	}
	return q
}

// Push appends a leaf at the tail of the queue
func (q *PendingQueue) Push(leaf common.LeafRecord) {
	q.mu.Lock()
	q.queue.PushBack(leaf)
	q.mu.Unlock()
}

// Len returns the number of queued leaves
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}

// TakeN atomically removes and returns the first min(n, Len()) leaves
func (q *PendingQueue) TakeN(n int) []common.LeafRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.queue.Len() {
		n = q.queue.Len()
	}
	if n <= 0 {
		return nil
	}
	leaves := make([]common.LeafRecord, n)
	for i := 0; i < n; i++ {
		v, _ := q.queue.PopFront()
		leaves[i] = v.(common.LeafRecord)
	}
	return leaves
}

// Leaves returns a copy of the queued leaves without consuming them
func (q *PendingQueue) Leaves() []common.LeafRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.queue.Len()
	leaves := make([]common.LeafRecord, 0, n)
	for i := 0; i < n; i++ {
		v, _ := q.queue.PopFront()
		leaves = append(leaves, v.(common.LeafRecord))
		q.queue.PushBack(v)
	}
	return leaves
}
