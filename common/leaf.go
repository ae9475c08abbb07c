package common

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"strings"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru"
	"github.com/iden3/go-iden3-crypto/poseidon"
	cryptoUtils "github.com/iden3/go-iden3-crypto/utils"
)

// EventType identifies one of the two independent mining trees
type EventType string

const (
	// EventDeposit is the tree of pool deposits
	EventDeposit EventType = "deposit"
	// EventWithdrawal is the tree of pool withdrawals
	EventWithdrawal EventType = "withdrawal"
)

// EventTypes is the canonical processing order of the event types
var EventTypes = []EventType{EventDeposit, EventWithdrawal}

// ParseEventType parses a string into an EventType
func ParseEventType(s string) (EventType, error) {
	switch EventType(strings.ToLower(s)) {
	case EventDeposit:
		return EventDeposit, nil
	case EventWithdrawal:
		return EventWithdrawal, nil
	}
	return "", Wrap(fmt.Errorf("%w: %q", ErrUnknownEventType, s))
}

func (t EventType) String() string {
	return string(t)
}

// RawEvent is an event read from a source instance, before being classified
// by the synchronizer
type RawEvent struct {
	Instance ethCommon.Address
	// Value is the commitment of a deposit or the nullifier hash of a
	// withdrawal
	Value    ethCommon.Hash
	BlockNum int64
	// UpstreamIndex is the order guaranteed by the source instance
	UpstreamIndex uint64
	LogIndex      uint
	TxHash        ethCommon.Hash
}

// SortRawEvents sorts events in upstream order.  Events without an upstream
// index (withdrawals) fall back to their log position.
func SortRawEvents(events []RawEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := &events[i], &events[j]
		if a.UpstreamIndex != b.UpstreamIndex {
			return a.UpstreamIndex < b.UpstreamIndex
		}
		if a.BlockNum != b.BlockNum {
			return a.BlockNum < b.BlockNum
		}
		return a.LogIndex < b.LogIndex
	})
}

// LeafRecord is a leaf of a mining tree.  Index is only meaningful once the
// leaf has been placed in a CommitBatch.
type LeafRecord struct {
	Instance  ethCommon.Address `meddler:"instance"`
	ValueHash ethCommon.Hash    `meddler:"value_hash"`
	BlockNum  int64             `meddler:"block_num"`
	Index     int64             `meddler:"leaf_index"`
	Digest    ethCommon.Hash    `meddler:"digest"`
}

// SyncState is the locally cached state of one event type
type SyncState struct {
	EventType EventType
	// KnownLeaves is the sequence of committed leaf digests, in commitment
	// order
	KnownLeaves  []ethCommon.Hash
	LastBlock    int64
	HasLastBlock bool
}

// CommitBatch is a contiguous group of leaves appended to the tree of one
// event type, together with the roots before and after the append
type CommitBatch struct {
	EventType EventType
	OldRoot   ethCommon.Hash
	NewRoot   ethCommon.Hash
	Leaves    []LeafRecord
}

// FirstIndex returns the index of the first leaf of the batch, or -1 for an
// empty batch
func (b *CommitBatch) FirstIndex() int64 {
	if len(b.Leaves) == 0 {
		return -1
	}
	return b.Leaves[0].Index
}

// Digests returns the leaf digests of the batch in order
func (b *CommitBatch) Digests() []ethCommon.Hash {
	digests := make([]ethCommon.Hash, len(b.Leaves))
	for i := range b.Leaves {
		digests[i] = b.Leaves[i].Digest
	}
	return digests
}

type leafHashKey [ethCommon.AddressLength + ethCommon.HashLength + 8]byte

// LeafHasher computes leaf digests as poseidon(instance, value, blockNum),
// keeping the most recent results in an LRU cache
type LeafHasher struct {
	cache *lru.Cache
}

// NewLeafHasher creates a LeafHasher.  A cacheSize of 0 disables the cache.
func NewLeafHasher(cacheSize int) (*LeafHasher, error) {
	h := &LeafHasher{}
	if cacheSize > 0 {
		cache, err := lru.New(cacheSize)
		if err != nil {
			return nil, Wrap(err)
		}
		h.cache = cache
	}
	return h, nil
}

// Hash returns the leaf digest of an event
func (h *LeafHasher) Hash(instance ethCommon.Address, value ethCommon.Hash,
	blockNum int64) (ethCommon.Hash, error) {
	var key leafHashKey
	if h != nil && h.cache != nil {
		copy(key[:], instance[:])
		copy(key[ethCommon.AddressLength:], value[:])
		binary.BigEndian.PutUint64(key[ethCommon.AddressLength+ethCommon.HashLength:],
			uint64(blockNum))
		if digest, ok := h.cache.Get(key); ok {
			return digest.(ethCommon.Hash), nil
		}
	}
	digest, err := HashLeaf(instance, value, blockNum)
	if err != nil {
		return ethCommon.Hash{}, Wrap(err)
	}
	if h != nil && h.cache != nil {
		h.cache.Add(key, digest)
	}
	return digest, nil
}

// HashLeaf computes the leaf digest without caching
func HashLeaf(instance ethCommon.Address, value ethCommon.Hash,
	blockNum int64) (ethCommon.Hash, error) {
	if blockNum < 0 {
		return ethCommon.Hash{}, Wrap(fmt.Errorf("negative block number %d", blockNum))
	}
	valueBI := value.Big()
	if !cryptoUtils.CheckBigIntInField(valueBI) {
		return ethCommon.Hash{}, Wrap(fmt.Errorf("%w: value %s", ErrNotInFF, value.Hex()))
	}
	h, err := poseidon.Hash([]*big.Int{
		new(big.Int).SetBytes(instance.Bytes()),
		valueBI,
		big.NewInt(blockNum),
	})
	if err != nil {
		return ethCommon.Hash{}, Wrap(err)
	}
	return ethCommon.BigToHash(h), nil
}

// RegisteredID is the identifier under which the registry tracks an event
// waiting to be included in a tree: keccak256(abi.encode(instance, value,
// blockNum))
func RegisteredID(instance ethCommon.Address, value ethCommon.Hash, blockNum int64) ethCommon.Hash {
	var buf [3 * 32]byte
	copy(buf[32-ethCommon.AddressLength:32], instance[:])
	copy(buf[32:64], value[:])
	big.NewInt(blockNum).FillBytes(buf[64:96])
	return crypto.Keccak256Hash(buf[:])
}
