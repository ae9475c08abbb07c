// Package common zk.go contains the zkSnark inputs used to generate the proof
// of a tree update
package common

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	cryptoConstants "github.com/iden3/go-iden3-crypto/constants"
)

// ZKInputs represents the inputs that will be used to generate the zkSNARK
// proof of appending a CommitBatch to the tree of one event type
type ZKInputs struct {
	// CircuitRef identifies the circuit the prover must use
	CircuitRef string    `json:"circuitRef"`
	EventType  EventType `json:"eventType"`
	Levels     int       `json:"levels"`

	// OldRoot is the root before the batch
	OldRoot *big.Int `json:"oldRoot"`
	// NewRoot is the root after the batch
	NewRoot *big.Int `json:"newRoot"`
	// PathIndices is the index of the first leaf of the batch
	PathIndices *big.Int `json:"pathIndices"`

	// OldLeaves are the digests of the tree before the batch, in order.
	// The prover rebuilds the path of the first leaf from them.
	OldLeaves []*big.Int `json:"oldLeaves"` // len: [PathIndices]

	// Batch leaves
	Instances []*big.Int `json:"instances"` // ethCommon.Address, len: [batchSize]
	Hashes    []*big.Int `json:"hashes"`    // len: [batchSize]
	Blocks    []*big.Int `json:"blocks"`    // len: [batchSize]

	// ArgsHash is the only public input of the circuit:
	// sha256(oldRoot, newRoot, pathIndices, [hash, instance, block]...) mod q
	ArgsHash *big.Int `json:"argsHash"`
}

// NewZKInputs returns the inputs of the proof of batch.  oldLeaves must hold
// at least the leaves of the tree before the batch; extra trailing leaves are
// ignored.
func NewZKInputs(circuitRef string, levels int, batch *CommitBatch,
	oldLeaves []ethCommon.Hash) (*ZKInputs, error) {
	if len(batch.Leaves) == 0 {
		return nil, Wrap(fmt.Errorf("empty batch"))
	}
	first := batch.FirstIndex()
	if first > int64(len(oldLeaves)) {
		return nil, Wrap(fmt.Errorf("snapshot has %d leaves, batch starts at %d",
			len(oldLeaves), first))
	}
	zki := &ZKInputs{
		CircuitRef:  circuitRef,
		EventType:   batch.EventType,
		Levels:      levels,
		OldRoot:     batch.OldRoot.Big(),
		NewRoot:     batch.NewRoot.Big(),
		PathIndices: big.NewInt(first),
		OldLeaves:   newSlice(uint32(first)),
		Instances:   newSlice(uint32(len(batch.Leaves))),
		Hashes:      newSlice(uint32(len(batch.Leaves))),
		Blocks:      newSlice(uint32(len(batch.Leaves))),
	}
	for i := int64(0); i < first; i++ {
		zki.OldLeaves[i].SetBytes(oldLeaves[i][:])
	}
	for i, leaf := range batch.Leaves {
		zki.Instances[i].SetBytes(leaf.Instance[:])
		zki.Hashes[i].SetBytes(leaf.ValueHash[:])
		zki.Blocks[i].SetInt64(leaf.BlockNum)
	}
	zki.ArgsHash = zki.argsHash()
	return zki, nil
}

func (z *ZKInputs) argsHash() *big.Int {
	h := sha256.New()
	var buf [32]byte
	write := func(v *big.Int) {
		v.FillBytes(buf[:])
		h.Write(buf[:]) //nolint:errcheck
	}
	write(z.OldRoot)
	write(z.NewRoot)
	write(z.PathIndices)
	for i := range z.Hashes {
		write(z.Hashes[i])
		write(z.Instances[i])
		write(z.Blocks[i])
	}
	sum := new(big.Int).SetBytes(h.Sum(nil))
	return sum.Mod(sum, cryptoConstants.Q)
}

// MarshalJSON encodes every big.Int as a decimal string, as the proof server
// expects
func (z ZKInputs) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"circuitRef":  z.CircuitRef,
		"eventType":   z.EventType,
		"levels":      z.Levels,
		"oldRoot":     bigIntString(z.OldRoot),
		"newRoot":     bigIntString(z.NewRoot),
		"pathIndices": bigIntString(z.PathIndices),
		"oldLeaves":   bigIntsStrings(z.OldLeaves),
		"instances":   bigIntsStrings(z.Instances),
		"hashes":      bigIntsStrings(z.Hashes),
		"blocks":      bigIntsStrings(z.Blocks),
		"argsHash":    bigIntString(z.ArgsHash),
	})
}

func bigIntString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func bigIntsStrings(vs []*big.Int) []string {
	s := make([]string, len(vs))
	for i, v := range vs {
		s[i] = bigIntString(v)
	}
	return s
}

// newSlice returns a []*big.Int slice of length n with values initialized at
// 0, so that the inputs never carry 'nil'/'null' values.
func newSlice(n uint32) []*big.Int {
	s := make([]*big.Int, n)
	for i := 0; i < len(s); i++ {
		s[i] = big.NewInt(0)
	}
	return s
}
