package batchbuilder

import (
	"fmt"

	"github.com/superphiz/tornado-root-updater/common"
)

// Policy selects the event type of the next batch when more than one type has
// pending leaves
type Policy string

const (
	// PolicyRoundRobin strictly alternates between the non-empty queues
	PolicyRoundRobin Policy = "roundrobin"
	// PolicyWeighted favours the deeper queue, allowing it at most
	// weightedMaxRun consecutive batches while a competitor is non-empty
	PolicyWeighted Policy = "weighted"
)

// weightedMaxRun is the max number of consecutive batches of one type while
// another type has pending leaves.  After that run the competitor gets one
// batch.
const weightedMaxRun = 2

// ParsePolicy parses a policy name.  The empty string is PolicyRoundRobin.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyRoundRobin:
		return PolicyRoundRobin, nil
	case PolicyWeighted:
		return PolicyWeighted, nil
	}
	return "", common.Wrap(fmt.Errorf("unknown batch policy %q", s))
}

// Scheduler decides the order in which the batches of the different event
// types are built
type Scheduler struct {
	policy Policy
	types  []common.EventType
	last   common.EventType
	run    int
}

// NewScheduler creates a Scheduler over the given event types
func NewScheduler(policy Policy, types []common.EventType) *Scheduler {
	return &Scheduler{
		policy: policy,
		types:  types,
	}
}

// Next returns the event type of the next batch, given the number of pending
// leaves of every type.  Returns false when every queue is empty.
func (s *Scheduler) Next(pending func(common.EventType) int) (common.EventType, bool) {
	var next common.EventType
	var ok bool
	switch s.policy {
	case PolicyWeighted:
		next, ok = s.nextWeighted(pending)
	default:
		next, ok = s.nextRoundRobin(pending)
	}
	if !ok {
		return "", false
	}
	if next == s.last {
		s.run++
	} else {
		s.last = next
		s.run = 1
	}
	return next, true
}

// lastPos returns the position of the last scheduled type, or -1
func (s *Scheduler) lastPos() int {
	for i, t := range s.types {
		if t == s.last {
			return i
		}
	}
	return -1
}

func (s *Scheduler) nextRoundRobin(pending func(common.EventType) int) (common.EventType, bool) {
	start := s.lastPos() + 1
	for i := 0; i < len(s.types); i++ {
		t := s.types[(start+i)%len(s.types)]
		if pending(t) > 0 {
			return t, true
		}
	}
	return "", false
}

func (s *Scheduler) nextWeighted(pending func(common.EventType) int) (common.EventType, bool) {
	var best common.EventType
	bestLen := 0
	nonEmpty := 0
	for _, t := range s.types {
		n := pending(t)
		if n == 0 {
			continue
		}
		nonEmpty++
		// ties go to the type that did not run last
		if n > bestLen || (n == bestLen && best == s.last) {
			best, bestLen = t, n
		}
	}
	if nonEmpty == 0 {
		return "", false
	}
	if nonEmpty > 1 && best == s.last && s.run >= weightedMaxRun {
		// the competitor gets the next batch
		return s.nextRoundRobin(pending)
	}
	return best, true
}
