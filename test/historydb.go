package test

import (
	"math/big"

	"github.com/superphiz/tornado-root-updater/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// WARNING: the generators in this file don't compute real digests, they
// are intended to check that the parsers between struct <==> DB are correct

// GenLeaves generates n leaves starting at the tree index firstIndex.  The
// instance alternates between two addresses.
func GenLeaves(firstIndex int64, n int) []common.LeafRecord {
	leaves := make([]common.LeafRecord, n)
	for i := range leaves {
		idx := firstIndex + int64(i)
		leaves[i] = common.LeafRecord{
			Instance:  ethCommon.BigToAddress(big.NewInt(idx%2 + 1)),
			ValueHash: ethCommon.BigToHash(big.NewInt(1000 + idx)), //nolint:gomnd
			BlockNum:  100 + idx,                                    //nolint:gomnd
			Index:     idx,
			Digest:    ethCommon.BigToHash(big.NewInt(2000 + idx)), //nolint:gomnd
		}
	}
	return leaves
}
