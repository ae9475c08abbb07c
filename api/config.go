package api

import (
	"github.com/superphiz/tornado-root-updater/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Constants are the static parameters of the node exposed by the API
type Constants struct {
	ChainID           uint64              `json:"chainId"`
	RegistryAddress   ethCommon.Address   `json:"registryAddress"`
	Instances         []ethCommon.Address `json:"instances"`
	TreeLevels        int                 `json:"treeLevels"`
	Mode              string              `json:"mode"`
	ConfirmationDepth int64               `json:"confirmationDepth"`
	BatchSize         int                 `json:"batchSize"`
	BatchPolicy       string              `json:"batchPolicy"`
	Strategy          string              `json:"strategy"`
}

type configAPI struct {
	Constants
	EventTypes []common.EventType `json:"eventTypes"`
}

func newConfigAPI(consts Constants) *configAPI {
	if consts.Instances == nil {
		consts.Instances = []ethCommon.Address{}
	}
	return &configAPI{
		Constants:  consts,
		EventTypes: common.EventTypes,
	}
}
