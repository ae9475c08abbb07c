/*
Package treebuilder implements the mining tree accumulator.

An Accumulator is a sparse merkle tree of fixed depth where the key of every
leaf is its insertion index and the value is the leaf digest.  Leaves are only
appended, so the root is a pure function of the ordered leaf sequence and the
depth.  The tree lives in memory: it is rebuilt at every cycle from the known
leaves, and discarded when the cycle is aborted.
*/
package treebuilder

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/superphiz/tornado-root-updater/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-merkletree"
	"github.com/iden3/go-merkletree/db/memory"
)

// MaxLevels is the maximum depth of the tree
const MaxLevels = 32

var (
	// ErrTreeFull is used when inserting into a tree with all the leaf
	// positions used
	ErrTreeFull = errors.New("merkle tree is full")
	// ErrInvalidLevels is used when the tree depth is out of range
	ErrInvalidLevels = fmt.Errorf("tree levels must be between 1 and %d", MaxLevels)
)

// Accumulator is an append-only merkle tree over leaf digests
type Accumulator struct {
	levels int
	mt     *merkletree.MerkleTree
	leaves []ethCommon.Hash
}

// NewAccumulator creates an Accumulator of the given depth with the seed
// leaves inserted in order
func NewAccumulator(levels int, seed []ethCommon.Hash) (*Accumulator, error) {
	if levels < 1 || levels > MaxLevels {
		return nil, common.Wrap(fmt.Errorf("%w: %d", ErrInvalidLevels, levels))
	}
	// A merkletree of n levels tells apart keys by their n-1 low bits
	mt, err := merkletree.NewMerkleTree(memory.NewMemoryStorage(), levels+1)
	if err != nil {
		return nil, common.Wrap(err)
	}
	a := &Accumulator{
		levels: levels,
		mt:     mt,
		leaves: make([]ethCommon.Hash, 0, len(seed)),
	}
	for _, digest := range seed {
		if _, err := a.Insert(digest); err != nil {
			return nil, common.Wrap(err)
		}
	}
	return a, nil
}

// Insert appends the digest at the next free position and returns the index
// assigned to it
func (a *Accumulator) Insert(digest ethCommon.Hash) (int64, error) {
	idx := int64(len(a.leaves))
	if idx >= a.Capacity() {
		return 0, common.Wrap(fmt.Errorf("%w: %d leaves, %d levels", ErrTreeFull, idx, a.levels))
	}
	if err := a.mt.Add(big.NewInt(idx), digest.Big()); errors.Is(err, merkletree.ErrReachedMaxLevel) {
		return 0, common.Wrap(fmt.Errorf("%w: leaf %d, %d levels: %v", ErrTreeFull, idx, a.levels, err))
	} else if err != nil {
		return 0, common.Wrap(fmt.Errorf("insert leaf %d: %w", idx, err))
	}
	a.leaves = append(a.leaves, digest)
	return idx, nil
}

// Root returns the current root of the tree
func (a *Accumulator) Root() ethCommon.Hash {
	return ethCommon.BigToHash(a.mt.Root().BigInt())
}

// Size returns the number of leaves, which is the index of the next insert
func (a *Accumulator) Size() int64 {
	return int64(len(a.leaves))
}

// Levels returns the depth of the tree
func (a *Accumulator) Levels() int {
	return a.levels
}

// Capacity returns the maximum number of leaves of the tree
func (a *Accumulator) Capacity() int64 {
	return int64(1) << uint(a.levels)
}

// Leaves returns a copy of the leaves in insertion order
func (a *Accumulator) Leaves() []ethCommon.Hash {
	leaves := make([]ethCommon.Hash, len(a.leaves))
	copy(leaves, a.leaves)
	return leaves
}
