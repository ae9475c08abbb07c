package common

import (
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Block represents of an Ethereum block
type Block struct {
	Num        int64          `meddler:"eth_block_num"`
	Timestamp  time.Time      `meddler:"timestamp,utctime"`
	Hash       ethCommon.Hash `meddler:"hash"`
	ParentHash ethCommon.Hash `meddler:"-" json:"-"`
}

// BlockRange is a closed range of ethereum blocks [From, To].  A range with
// To < From is empty.
type BlockRange struct {
	From int64
	To   int64
}

// Empty returns true when the range contains no blocks
func (r BlockRange) Empty() bool {
	return r.To < r.From
}
